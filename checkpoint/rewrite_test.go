package checkpoint_test

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerfoo/gradorder/checkpoint"
	"github.com/zerfoo/gradorder/checkpoint/gradients"
	"github.com/zerfoo/gradorder/onnxgraph"
)

func f32() onnxgraph.Type {
	return onnxgraph.Type{DType: onnxgraph.Float32, NumElements: 1}
}

func emitter() checkpoint.Option {
	return checkpoint.WithGradientEmitter(gradients.NewRegistry())
}

func hasOutput(g *onnxgraph.Graph, name string) bool {
	for _, v := range g.Outputs() {
		if v.Name == name {
			return true
		}
	}

	return false
}

func hasInput(g *onnxgraph.Graph, name string) bool {
	for _, v := range g.Inputs() {
		if v.Name == name {
			return true
		}
	}

	return false
}

func countNodes(g *onnxgraph.Graph, opType string) int {
	n := 0

	for _, node := range g.Nodes() {
		if node.OpType == opType {
			n++
		}
	}

	return n
}

// S1: trivial single-graph y = add(x, w), no recompute, no forgets.
func TestRewrite_S1_TrivialAdd(t *testing.T) {
	g := onnxgraph.NewGraph("s1")

	x := g.AddInputValue("x", f32())
	w := g.AddInputValue("w", f32())
	w.Initializer = true
	y := g.AddOutputValue("y", f32())
	add := g.AddNode("Add", []*onnxgraph.Value{x, w}, []*onnxgraph.Value{y}, nil)

	orders := []onnxgraph.Order{
		onnxgraph.ComputeForward{Node: add},
		onnxgraph.ComputeBackward{Node: add},
	}

	ok, err := checkpoint.RewriteWithOrdersSingle(g, orders, emitter())
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 1, countNodes(g, "Add"))
	assert.Equal(t, 1, countNodes(g, "Constant"))
	assert.True(t, hasOutput(g, "grad_out@w"))
	assert.Greater(t, add.ChainerOrder, 0)
}

// S2: two-phase, no recompute: h = relu(matmul(x, W)); y = sum(h).
func twoPhaseChain(t *testing.T) (fwd, bwd *onnxgraph.Graph, matmul, relu, sum *onnxgraph.Node) {
	t.Helper()

	fwd = onnxgraph.NewGraph("fwd")
	bwd = onnxgraph.NewGraph("bwd")

	x := fwd.AddInputValue("x", f32())
	w := fwd.AddInputValue("W", f32())
	w.Initializer = true
	h := fwd.AddValue("matmul_out", f32())
	matmul = fwd.AddNode("MatMul", []*onnxgraph.Value{x, w}, []*onnxgraph.Value{h}, nil)

	reluOut := fwd.AddValue("relu_out", f32())
	relu = fwd.AddNode("ReLU", []*onnxgraph.Value{h}, []*onnxgraph.Value{reluOut}, nil)

	y := fwd.AddOutputValue("y", f32())
	sum = fwd.AddNode("ReduceSum", []*onnxgraph.Value{reluOut}, []*onnxgraph.Value{y}, nil)

	return fwd, bwd, matmul, relu, sum
}

func TestRewrite_S2_TwoPhaseNoRecompute(t *testing.T) {
	fwd, bwd, matmul, relu, sum := twoPhaseChain(t)

	orders := []onnxgraph.Order{
		onnxgraph.ComputeForward{Node: matmul},
		onnxgraph.ComputeForward{Node: relu},
		onnxgraph.ComputeForward{Node: sum},
		onnxgraph.ComputeBackward{Node: sum},
		onnxgraph.ComputeBackward{Node: relu},
		onnxgraph.ComputeBackward{Node: matmul},
	}

	ok, err := checkpoint.RewriteWithOrders(fwd, bwd, orders, emitter())
	require.NoError(t, err)
	require.True(t, ok)

	assert.True(t, hasInput(bwd, "grad_in@y"))
	assert.True(t, hasOutput(bwd, "grad_out@W"))
}

// S3: recompute of relu, using the retained matmul output. The two-phase
// transition fires on the check before CB(sum), once CF(sum) has staged the
// last forward output y; it retains relu_out along with everything else still staged at that
// point; relu_out can only be forgotten (and thus trigger a recompute) once
// its own consumer's backward (CB(sum)) has consumed the retained value, so
// the forget is scheduled right after CB(sum) rather than before it.
func TestRewrite_S3_RecomputeRelu(t *testing.T) {
	fwd, bwd, matmul, relu, sum := twoPhaseChain(t)

	reluOut := relu.Outputs[0]

	orders := []onnxgraph.Order{
		onnxgraph.ComputeForward{Node: matmul},
		onnxgraph.ComputeForward{Node: relu},
		onnxgraph.ComputeForward{Node: sum},
		onnxgraph.ComputeBackward{Node: sum},
		onnxgraph.ForgetForward{Value: reluOut},
		onnxgraph.ComputeForward{Node: relu},
		onnxgraph.ComputeBackward{Node: relu},
		onnxgraph.ComputeBackward{Node: matmul},
	}

	ok, err := checkpoint.RewriteWithOrders(fwd, bwd, orders, emitter())
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 1, countNodes(fwd, "ReLU"))
	assert.Equal(t, 1, countNodes(bwd, "ReLU"))
	assert.True(t, hasOutput(fwd, "retained_matmul_out"))
	assert.True(t, hasInput(bwd, "retained_matmul_out"))
	assert.True(t, hasOutput(bwd, "grad_out@W"))

	var recomputed *onnxgraph.Value

	for _, v := range bwd.Values() {
		if v.Name == "Recompute"+reluOut.Name {
			recomputed = v
		}
	}

	require.NotNil(t, recomputed, "recomputed relu_out must be named Recompute<original_value_name>")
}

// S4: recomputing a BatchNormalization node marks the original's
// ChainerInRecomputing, leaving the clone's false.
func TestRewrite_S4_BatchNormRecomputeFlag(t *testing.T) {
	g := onnxgraph.NewGraph("s4")

	x := g.AddInputValue("x", f32())
	scale := g.AddInputValue("scale", f32())
	scale.Initializer = true
	bias := g.AddInputValue("bias", f32())
	bias.Initializer = true

	bnOut := g.AddValue("bn_out", f32())
	bn := g.AddNode("BatchNormalization", []*onnxgraph.Value{x, scale, bias}, []*onnxgraph.Value{bnOut}, nil)

	y := g.AddOutputValue("y", f32())
	relu := g.AddNode("ReLU", []*onnxgraph.Value{bnOut}, []*onnxgraph.Value{y}, nil)

	orders := []onnxgraph.Order{
		onnxgraph.ComputeForward{Node: bn},
		onnxgraph.ComputeForward{Node: relu},
		onnxgraph.ForgetForward{Value: bnOut},
		onnxgraph.ComputeForward{Node: bn},
		onnxgraph.ComputeBackward{Node: relu},
		onnxgraph.ComputeBackward{Node: bn},
	}

	ok, err := checkpoint.RewriteWithOrdersSingle(g, orders, emitter())
	require.NoError(t, err)
	require.True(t, ok)

	assert.True(t, bn.ChainerInRecomputing)

	var clone *onnxgraph.Node

	for _, n := range g.Nodes() {
		if n.OpType == "BatchNormalization" && n != bn {
			clone = n
		}
	}

	require.NotNil(t, clone)
	assert.False(t, clone.ChainerInRecomputing)
}

// S5: a parameter with no emitted gradient is warned about, not fatal.
func TestRewrite_S5_MissingGradientWarns(t *testing.T) {
	g := onnxgraph.NewGraph("s5")

	x := g.AddInputValue("x", f32())
	y := g.AddOutputValue("y", f32())
	id := g.AddNode("Identity", []*onnxgraph.Value{x}, []*onnxgraph.Value{y}, nil)

	w := g.AddInputValue("w", f32())
	w.Initializer = true

	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	orders := []onnxgraph.Order{
		onnxgraph.ComputeForward{Node: id},
		onnxgraph.ComputeBackward{Node: id},
	}

	ok, err := checkpoint.RewriteWithOrdersSingle(g, orders, emitter(), checkpoint.WithLogger(logger))
	require.NoError(t, err)
	require.True(t, ok)

	assert.False(t, hasOutput(g, "grad_out@w"))
	assert.Contains(t, buf.String(), "parameter w")
}

// S5b: the fatal policy turns the same situation into an error.
func TestRewrite_S5_MissingGradientFatal(t *testing.T) {
	g := onnxgraph.NewGraph("s5fatal")

	x := g.AddInputValue("x", f32())
	y := g.AddOutputValue("y", f32())
	id := g.AddNode("Identity", []*onnxgraph.Value{x}, []*onnxgraph.Value{y}, nil)

	w := g.AddInputValue("w", f32())
	w.Initializer = true

	orders := []onnxgraph.Order{
		onnxgraph.ComputeForward{Node: id},
		onnxgraph.ComputeBackward{Node: id},
	}

	_, err := checkpoint.RewriteWithOrdersSingle(
		g, orders, emitter(), checkpoint.WithMissingGradientPolicy(checkpoint.MissingGradientFatal),
	)
	assert.ErrorIs(t, err, checkpoint.ErrMissingGradientForParam)
}

// S6: an unsupported graph is rejected without mutation.
func TestRewrite_S6_UnsupportedGraphRejectedWithoutMutation(t *testing.T) {
	g := onnxgraph.NewGraph("s6")

	x := g.AddInputValue("x", onnxgraph.Type{DType: onnxgraph.Float32, NumElements: -1})
	y := g.AddOutputValue("y", onnxgraph.Type{DType: onnxgraph.Float32, NumElements: -1})
	id := g.AddNode("Identity", []*onnxgraph.Value{x}, []*onnxgraph.Value{y}, nil)

	orders := []onnxgraph.Order{
		onnxgraph.ComputeForward{Node: id},
		onnxgraph.ComputeBackward{Node: id},
	}

	ok, err := checkpoint.RewriteWithOrdersSingle(g, orders, emitter())
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Len(t, g.Nodes(), 1)
	assert.Equal(t, 0, id.ChainerOrder)
}
