package gradients

import "github.com/zerfoo/gradorder/onnxgraph"

// registerBuiltins installs the formulas a newly constructed Registry ships
// with. Each is grounded on the corresponding layer's Backward method: the
// shape of the backward computation (which inputs receive a gradient, and
// from what) mirrors layers/core/add.go, layers/activations/relu.go and
// layers/reducesum, generalised from tensor arithmetic to graph wiring.
func registerBuiltins(r *Registry) {
	r.Register("Add", addGrad)
	r.Register("MatMul", matMulGrad)
	r.Register("ReLU", reluGrad)
	r.Register("ReduceSum", reduceSumGrad)
	r.Register("Identity", identityGrad)
	r.Register("BatchNormalization", batchNormalizationGrad)
}

// addGrad mirrors Add.Backward: the output gradient passes through to both
// inputs unchanged (spec section 4.3 example, "Add").
func addGrad(g *onnxgraph.Graph, node *onnxgraph.Node) error {
	dOut := node.Outputs[0].Grad
	if dOut == nil {
		return nil
	}

	for _, in := range node.Inputs {
		accumulate(g, in, dOut)
	}

	return nil
}

// matMulGrad emits dA = MatMul(dOut, Transpose(B)) and
// dB = MatMul(Transpose(A), dOut).
func matMulGrad(g *onnxgraph.Graph, node *onnxgraph.Node) error {
	dOut := node.Outputs[0].Grad
	if dOut == nil {
		return nil
	}

	a, b := node.Inputs[0], node.Inputs[1]

	bT := g.AddValue(b.Name+".T", b.Type)
	g.AddNode("Transpose", []*onnxgraph.Value{b}, []*onnxgraph.Value{bT}, nil)

	dA := g.AddValue(a.Name+".grad", a.Type)
	g.AddNode("MatMul", []*onnxgraph.Value{dOut, bT}, []*onnxgraph.Value{dA}, nil)
	accumulate(g, a, dA)

	aT := g.AddValue(a.Name+".T", a.Type)
	g.AddNode("Transpose", []*onnxgraph.Value{a}, []*onnxgraph.Value{aT}, nil)

	dB := g.AddValue(b.Name+".grad", b.Type)
	g.AddNode("MatMul", []*onnxgraph.Value{aT, dOut}, []*onnxgraph.Value{dB}, nil)
	accumulate(g, b, dB)

	return nil
}

// reluGrad mirrors ReLU.Backward: dIn = dOut masked by (input > 0), modelled
// as a single ReluGrad node taking the original input and the output
// gradient (spec section 4.3 example, "ReLU").
func reluGrad(g *onnxgraph.Graph, node *onnxgraph.Node) error {
	dOut := node.Outputs[0].Grad
	if dOut == nil {
		return nil
	}

	in := node.Inputs[0]

	dIn := g.AddValue(in.Name+".grad", in.Type)
	g.AddNode("ReluGrad", []*onnxgraph.Value{in, dOut}, []*onnxgraph.Value{dIn}, nil)
	accumulate(g, in, dIn)

	return nil
}

// reduceSumGrad broadcasts the (typically scalar or reduced-rank) output
// gradient back out to the input's shape.
func reduceSumGrad(g *onnxgraph.Graph, node *onnxgraph.Node) error {
	dOut := node.Outputs[0].Grad
	if dOut == nil {
		return nil
	}

	in := node.Inputs[0]

	dIn := g.AddValue(in.Name+".grad", in.Type)
	g.AddNode("Expand", []*onnxgraph.Value{dOut}, []*onnxgraph.Value{dIn}, map[string]interface{}{"like": in.Name})
	accumulate(g, in, dIn)

	return nil
}

// identityGrad passes the output gradient straight through, without
// emitting a node of its own; accumulate still emits an "Add" when the
// input already has a gradient.
func identityGrad(g *onnxgraph.Graph, node *onnxgraph.Node) error {
	dOut := node.Outputs[0].Grad
	if dOut == nil {
		return nil
	}

	accumulate(g, node.Inputs[0], dOut)

	return nil
}

// batchNormalizationGrad emits a single BatchNormalizationGrad node
// producing gradients for the data input and the scale/bias parameters. It
// never attempts to produce a gradient for the running-mean/variance
// inputs; RewriteWithOrders' ExposeParamGradsAsOutputs tolerates that (spec
// section 4.2, BatchNormalization running statistics).
func batchNormalizationGrad(g *onnxgraph.Graph, node *onnxgraph.Node) error {
	dOut := node.Outputs[0].Grad
	if dOut == nil {
		return nil
	}

	x, scale, bias := node.Inputs[0], node.Inputs[1], node.Inputs[2]

	dX := g.AddValue(x.Name+".grad", x.Type)
	dScale := g.AddValue(scale.Name+".grad", scale.Type)
	dBias := g.AddValue(bias.Name+".grad", bias.Type)

	g.AddNode(
		"BatchNormalizationGrad",
		[]*onnxgraph.Value{x, scale, dOut},
		[]*onnxgraph.Value{dX, dScale, dBias},
		nil,
	)

	accumulate(g, x, dX)
	accumulate(g, scale, dScale)
	accumulate(g, bias, dBias)

	return nil
}
