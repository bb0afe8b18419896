package onnxgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scalarF32() Type {
	return Type{DType: Float32, NumElements: 1}
}

func TestGraph_AddValueVariants(t *testing.T) {
	g := NewGraph("g")

	in := g.AddInputValue("x", scalarF32())
	out := g.AddOutputValue("y", scalarF32())
	plain := g.AddValue("tmp", scalarF32())

	assert.True(t, in.IsInput)
	assert.False(t, in.IsOutput)
	assert.True(t, out.IsOutput)
	assert.False(t, out.IsInput)
	assert.False(t, plain.IsInput)
	assert.False(t, plain.IsOutput)

	assert.Equal(t, []*Value{in}, g.Inputs())
	assert.Equal(t, []*Value{out}, g.Outputs())
	assert.ElementsMatch(t, []*Value{in, out, plain}, g.Values())
}

func TestValue_IsParameter(t *testing.T) {
	g := NewGraph("g")
	w := g.AddInputValue("w", scalarF32())
	assert.False(t, w.IsParameter())
	w.Initializer = true
	assert.True(t, w.IsParameter())

	x := g.AddInputValue("x", scalarF32())
	x.Initializer = false
	assert.False(t, x.IsParameter())
}

func TestGraph_AddNodeAndDescriptorClone(t *testing.T) {
	g := NewGraph("g")
	x := g.AddInputValue("x", scalarF32())
	w := g.AddInputValue("w", scalarF32())
	y := g.AddOutputValue("y", scalarF32())

	n := g.AddNode("Add", []*Value{x, w}, []*Value{y}, map[string]interface{}{"k": "v"})
	require.Len(t, g.Nodes(), 1)
	assert.Equal(t, "Add", n.OpType)

	desc := n.Descriptor()
	x2 := g.AddValue("x2", scalarF32())
	w2 := g.AddValue("w2", scalarF32())
	y2 := g.AddValue("y2", scalarF32())
	clone := g.AddNodeFromDescriptor(desc, []*Value{x2, w2}, []*Value{y2})

	assert.Equal(t, n.OpType, clone.OpType)
	assert.Equal(t, n.Attributes, clone.Attributes)
	assert.Equal(t, []*Value{x2, w2}, clone.Inputs)
	assert.NotSame(t, n, clone)

	// Mutating the clone's attributes must not affect the original.
	clone.Attributes["k"] = "mutated"
	assert.Equal(t, "v", n.Attributes["k"])
}

func TestNode_ReplaceInputOutput(t *testing.T) {
	g := NewGraph("g")
	a := g.AddValue("a", scalarF32())
	b := g.AddValue("b", scalarF32())
	c := g.AddValue("c", scalarF32())
	n := g.AddNode("Identity", []*Value{a}, []*Value{b}, nil)

	n.ReplaceInput(a, c)
	assert.Equal(t, []*Value{c}, n.Inputs)

	// Replacing a Value not present is a no-op.
	n.ReplaceInput(a, b)
	assert.Equal(t, []*Value{c}, n.Inputs)

	n.ReplaceOutput(b, c)
	assert.Equal(t, []*Value{c}, n.Outputs)
}

func TestGraph_ResetGradients(t *testing.T) {
	g := NewGraph("g")
	a := g.AddValue("a", scalarF32())
	b := g.AddValue("b", scalarF32())
	a.Grad = b

	g.ResetGradients()
	assert.Nil(t, a.Grad)
}

func TestGraph_NecessaryValues(t *testing.T) {
	g := NewGraph("g")
	x := g.AddInputValue("x", scalarF32())
	w := g.AddInputValue("w", scalarF32())
	h := g.AddValue("h", scalarF32())
	y := g.AddOutputValue("y", scalarF32())

	g.AddNode("MatMul", []*Value{x, w}, []*Value{h}, nil)
	g.AddNode("ReLU", []*Value{h}, []*Value{y}, nil)

	necessary := g.NecessaryValues()
	assert.Contains(t, necessary, x)
	assert.Contains(t, necessary, w)
	assert.Contains(t, necessary, h)
	assert.Contains(t, necessary, y)
}

func TestType_NumBytes(t *testing.T) {
	resolved := Type{DType: Float32, NumElements: 4}
	assert.Equal(t, int64(16), resolved.NumBytes())

	unresolvedCount := Type{DType: Float32, NumElements: -1}
	assert.Equal(t, int64(-1), unresolvedCount.NumBytes())

	unresolvedType := Type{DType: Unknown, NumElements: 4}
	assert.Equal(t, int64(-1), unresolvedType.NumBytes())
}

func TestDType_IsFloat(t *testing.T) {
	assert.True(t, Float32.IsFloat())
	assert.True(t, Float16.IsFloat())
	assert.True(t, Float8.IsFloat())
	assert.False(t, Int32.IsFloat())
	assert.False(t, Bool.IsFloat())
}
