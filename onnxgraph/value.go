// Package onnxgraph implements the mutable graph/node/value data model that
// the gradient-checkpointing rewriter (package checkpoint) operates on. It
// mirrors an ONNX-style dataflow graph closely enough to carry the
// pointer-identity semantics the rewriter depends on (spec section 3):
// Values and Nodes are owned by exactly one Graph and referenced by pointer,
// never copied.
package onnxgraph

// Type describes the tensor type of a Value: its element type and element
// count. NumElements of -1 means the element count (and therefore the byte
// size) is not yet resolved; IsSupported uses this to reject a graph whose
// shapes are not fully known (spec section 4.1).
type Type struct {
	DType       DType
	NumElements int64
}

// NumBytes returns the byte size of the type, or -1 if it cannot be
// determined (unknown DType or unresolved element count).
func (t Type) NumBytes() int64 {
	size := t.DType.elementSize()
	if size < 0 || t.NumElements < 0 {
		return -1
	}

	return int64(size) * t.NumElements
}

// Value is a typed tensor slot flowing between Nodes. Two Values are the
// "same" value only if they are the same pointer; Values are never copied
// across graphs, which is why cross-graph references are mediated entirely
// through the retained map (spec section 3, "Lifecycles").
type Value struct {
	Name string
	Type Type

	// IsInput marks a Value as a graph input (including parameters).
	IsInput bool
	// IsOutput marks a Value as a graph output.
	IsOutput bool
	// Initializer marks a Value as a trainable parameter when it is also
	// an input (spec section 4.2, ExposeParamGradsAsOutputs uses
	// IsInput && Initializer).
	Initializer bool

	// Grad is scratch state: the gradient accumulated for this Value
	// during a single rewrite. RewriteWithOrders clears it on every Value
	// of both graphs before a successful return; an error return leaves
	// it as the rewrite left it (spec section 3, invariant on "Per-value
	// grad slots").
	Grad *Value
}

// IsParameter reports whether the value is a trainable parameter: a graph
// input carrying an initializer.
func (v *Value) IsParameter() bool {
	return v.IsInput && v.Initializer
}
