package onnxgraph

// Graph is a mutable container of Nodes and Values: an insertion-ordered
// node list plus the input/output Value lists (spec section 3, "Graph").
// Two Graph handles passed to the rewriter may alias the same *Graph
// (single-graph mode) or be distinct (two-phase mode); Graph itself has no
// notion of which mode it is used in.
type Graph struct {
	Name string

	nodes   []*Node
	values  []*Value
	inputs  []*Value
	outputs []*Value
}

// NewGraph creates an empty, named Graph.
func NewGraph(name string) *Graph {
	return &Graph{Name: name}
}

// Nodes returns the graph's nodes in insertion order. The returned slice
// must not be mutated by callers; AddNode/AddNodeFromDescriptor are the only
// sanctioned way to grow it.
func (g *Graph) Nodes() []*Node { return g.nodes }

// Values returns every Value owned by the graph, in insertion order.
func (g *Graph) Values() []*Value { return g.values }

// Inputs returns the graph's input Values, in the order they were added.
func (g *Graph) Inputs() []*Value { return g.inputs }

// Outputs returns the graph's output Values, in the order they were added.
func (g *Graph) Outputs() []*Value { return g.outputs }

// AddValue creates a new, plain (neither input nor output) Value owned by
// the graph.
func (g *Graph) AddValue(name string, typ Type) *Value {
	v := &Value{Name: name, Type: typ}
	g.values = append(g.values, v)

	return v
}

// AddInputValue creates a new Value, marks it as a graph input, and appends
// it to Inputs().
func (g *Graph) AddInputValue(name string, typ Type) *Value {
	v := g.AddValue(name, typ)
	v.IsInput = true
	g.inputs = append(g.inputs, v)

	return v
}

// AddOutputValue creates a new Value, marks it as a graph output, and
// appends it to Outputs().
func (g *Graph) AddOutputValue(name string, typ Type) *Value {
	v := g.AddValue(name, typ)
	v.IsOutput = true
	g.outputs = append(g.outputs, v)

	return v
}

// AddNode appends a new Node of the given op type, bound to inputs/outputs,
// to the graph's node list. inputs and outputs are copied so the caller's
// slices may be reused.
func (g *Graph) AddNode(opType string, inputs, outputs []*Value, attrs map[string]interface{}) *Node {
	n := &Node{
		OpType:     opType,
		Inputs:     append([]*Value(nil), inputs...),
		Outputs:    append([]*Value(nil), outputs...),
		Attributes: attrs,
	}
	g.nodes = append(g.nodes, n)

	return n
}

// AddNodeFromDescriptor clones a node verbatim (same op type and
// attributes) under a new set of input/output Value bindings. Used by the
// rewriter to recompute a forward node with staged/recomputed inputs and
// fresh output Values (spec section 3, "serialisation to a neutral
// descriptor that can be cloned into a new node").
func (g *Graph) AddNodeFromDescriptor(desc NodeDescriptor, inputs, outputs []*Value) *Node {
	return g.AddNode(desc.OpType, inputs, outputs, desc.Attributes)
}

// ResetGradients clears every Value's Grad slot. Grad is scratch state for a
// single rewrite invocation and must not leak into a later pass (spec
// section 4.2, post-interpretation step 3; section 8, invariant 8).
func (g *Graph) ResetGradients() {
	for _, v := range g.values {
		v.Grad = nil
	}
}

// NecessaryValues returns the transitive input closure of the graph's
// outputs: every Value that some necessary Node needs, directly or
// indirectly, to produce an output (spec section 3, "Graph").
func (g *Graph) NecessaryValues() []*Value {
	producer := make(map[*Value]*Node, len(g.values))

	for _, n := range g.nodes {
		for _, out := range n.Outputs {
			producer[out] = n
		}
	}

	seen := make(map[*Value]bool)
	var order []*Value

	var visitValue func(v *Value)

	visitNode := func(n *Node) {
		for _, in := range n.Inputs {
			visitValue(in)
		}
	}

	visitValue = func(v *Value) {
		if seen[v] {
			return
		}

		seen[v] = true
		order = append(order, v)

		if n, ok := producer[v]; ok {
			visitNode(n)
		}
	}

	for _, out := range g.outputs {
		visitValue(out)
	}

	return order
}
