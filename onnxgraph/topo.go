package onnxgraph

import (
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// TopologicalSort orders nodes so that every dependency precedes its
// dependents, treating every Value in external as already available (spec
// section 6, "topological_sort(nodes, inputs, allow_cycles=false)"). This is
// the primitive ScheduleAddedScope uses to linearise a batch of freshly
// emitted nodes before assigning them chainer_order values (spec section
// 4.4): "the current node's inputs treated as available externals" means
// precisely that edges are only drawn between two nodes both present in
// `nodes`, never to a producer outside that set.
//
// The actual linearisation is delegated to gonum's graph/topo, which is
// already part of this module's dependency closure; onnxgraph only adapts
// the Node/Value pointer graph into the small simple.DirectedGraph view
// gonum's Sort expects.
func TopologicalSort(nodes []*Node, external []*Value, allowCycles bool) ([]*Node, error) {
	if len(nodes) == 0 {
		return nil, nil
	}

	externalSet := make(map[*Value]bool, len(external))
	for _, v := range external {
		externalSet[v] = true
	}

	// id assigns each node a stable gonum node ID.
	id := make(map[*Node]int64, len(nodes))
	byID := make(map[int64]*Node, len(nodes))

	for i, n := range nodes {
		nodeID := int64(i)
		id[n] = nodeID
		byID[nodeID] = n
	}

	// producer maps a Value to the in-set node that produces it; Values
	// produced outside the given node set are external by construction,
	// same as a Value explicitly listed in `external`.
	producer := make(map[*Value]*Node, len(nodes))

	for _, n := range nodes {
		for _, out := range n.Outputs {
			producer[out] = n
		}
	}

	dg := simple.NewDirectedGraph()
	for _, n := range nodes {
		dg.AddNode(simple.Node(id[n]))
	}

	for _, n := range nodes {
		for _, in := range n.Inputs {
			if externalSet[in] {
				continue
			}

			dep, ok := producer[in]
			if !ok || dep == n {
				continue
			}

			from := simple.Node(id[dep])
			to := simple.Node(id[n])

			if dg.HasEdgeFromTo(from.ID(), to.ID()) {
				continue
			}

			dg.SetEdge(dg.NewEdge(from, to))
		}
	}

	sorted, err := topo.Sort(dg)
	if err != nil {
		if !allowCycles {
			return nil, ErrCyclicGraph
		}
		// Best effort: fall back to the caller's original order rather
		// than failing outright, since allowCycles explicitly waives
		// the DAG requirement.
		return append([]*Node(nil), nodes...), nil
	}

	ordered := make([]*Node, 0, len(sorted))
	for _, gn := range sorted {
		ordered = append(ordered, byID[gn.ID()])
	}

	return ordered, nil
}
