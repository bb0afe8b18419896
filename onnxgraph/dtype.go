package onnxgraph

import (
	"unsafe"

	"github.com/zerfoo/float16"
	"github.com/zerfoo/float8"
)

// DType identifies the element type of a Value's tensor.
type DType int

// Supported element types. Unknown is the zero value and always reports
// an unresolved byte size, which is what drives IsSupported's shape-resolution
// guard (spec section 4.1).
const (
	Unknown DType = iota
	Float32
	Float64
	Float16
	Float8
	Int32
	Int64
	Bool
)

// String returns a human readable name, used in diagnostics.
func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Float16:
		return "float16"
	case Float8:
		return "float8"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Bool:
		return "bool"
	default:
		return "unknown"
	}
}

// IsFloat reports whether the type is a floating-point type. Only floating
// point parameters are exposed as gradient outputs (spec section 4.2, step 2).
func (d DType) IsFloat() bool {
	switch d {
	case Float32, Float64, Float16, Float8:
		return true
	default:
		return false
	}
}

// elementSize returns the byte width of a single element, or -1 if the type
// is not resolvable. Sizes for the sub-32-bit float formats come from the
// wire types themselves rather than a hand-maintained constant, so the table
// tracks the actual on-disk representation those packages define.
func (d DType) elementSize() int {
	switch d {
	case Float32:
		return int(unsafe.Sizeof(float32(0)))
	case Float64:
		return int(unsafe.Sizeof(float64(0)))
	case Float16:
		return int(unsafe.Sizeof(float16.Float16(0)))
	case Float8:
		return int(unsafe.Sizeof(float8.Float8(0)))
	case Int32:
		return int(unsafe.Sizeof(int32(0)))
	case Int64:
		return int(unsafe.Sizeof(int64(0)))
	case Bool:
		return 1
	default:
		return -1
	}
}
