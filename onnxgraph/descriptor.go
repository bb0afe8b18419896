package onnxgraph

// NodeDescriptor is the neutral, graph-independent serialisation of a Node's
// operator identity: its op type and attributes, without any Value
// bindings. It is what lets a recomputation clone a Node "verbatim under new
// wiring" (spec section 3): AddNodeFromDescriptor rebuilds a Node from a
// descriptor plus a fresh set of input/output Values, the same way
// Node::ToONNX + the Node(xnode, inputs, outputs) constructor do in the
// original gradient_with_order.cc. Grounded on the simplified
// Name/OpType/Inputs/Outputs/Attributes shape used by an ONNX exporter
// (pkg/onnx/exporter.go), generalised here into a round-trip clone
// contract instead of a one-way export format.
type NodeDescriptor struct {
	OpType     string
	Attributes map[string]interface{}
}

// Descriptor returns the neutral descriptor for n, suitable for passing to
// AddNodeFromDescriptor to clone n under different input/output bindings.
func (n *Node) Descriptor() NodeDescriptor {
	attrs := make(map[string]interface{}, len(n.Attributes))
	for k, v := range n.Attributes {
		attrs[k] = v
	}

	return NodeDescriptor{OpType: n.OpType, Attributes: attrs}
}
