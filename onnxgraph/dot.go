package onnxgraph

import (
	"fmt"

	"github.com/emicklei/dot"
)

// WriteDOT renders g as a Graphviz DOT graph, labelling each node with its
// op type and chainer_order so a rewritten schedule can be inspected
// visually. Grounded on the dot-based chain visualisation tooling in the
// AKJUS-bsc-erigon example repo; here it is the one debugging surface the
// rewriter exposes for `cmd/gradorder -dot`.
func WriteDOT(g *Graph) string {
	dg := dot.NewGraph(dot.Directed)
	dg.Attr("rankdir", "LR")

	nodeIDs := make(map[*Node]dot.Node, len(g.nodes))

	for i, n := range g.nodes {
		label := fmt.Sprintf("%s\n#%d", n.OpType, n.ChainerOrder)
		gn := dg.Node(fmt.Sprintf("n%d", i)).Box().Label(label)
		nodeIDs[n] = gn
	}

	producer := make(map[*Value]*Node, len(g.values))
	for _, n := range g.nodes {
		for _, out := range n.Outputs {
			producer[out] = n
		}
	}

	for _, n := range g.nodes {
		dst := nodeIDs[n]

		for _, in := range n.Inputs {
			if src, ok := nodeIDs[producer[in]]; ok {
				dg.Edge(src, dst).Label(in.Name)
			}
		}
	}

	return dg.String()
}
