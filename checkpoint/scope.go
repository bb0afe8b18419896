package checkpoint

import "github.com/zerfoo/gradorder/onnxgraph"

// scheduleFunc assigns a chainer_order to node and records whatever
// bookkeeping the caller needs (staging, last-forward tracking). It returns
// an error when doing so would violate an invariant (e.g. duplicate
// staging); ScheduleAddedScope surfaces the first such error.
type scheduleFunc func(node *onnxgraph.Node) error

// scheduleAddedScope is the resource-scoped mechanism that harvests nodes
// appended to a graph during its lifetime and schedules them on close (spec
// section 4.4, "ScheduleAddedScope"). The initial-gradient seed, the
// two-phase transition, every gradient emission and the retained/param-
// gradient passes acquire their chainer_order this way; forward emissions
// and recomputations are not harvested by a scope, handleComputeForward
// assigns their chainer_order directly. Construct one with
// newScheduleAddedScope, do the work that appends nodes to the graph, then
// close it via runScoped so scheduling happens on every exit path, success
// or error, mirroring the guaranteed-destructor semantics of the original
// C++ RAII scope.
type scheduleAddedScope struct {
	graph    *onnxgraph.Graph
	before   int
	schedule scheduleFunc
}

// newScheduleAddedScope opens a scope on graph. Every Node appended to graph
// after this call and before close() is harvested when the scope closes.
func newScheduleAddedScope(graph *onnxgraph.Graph, schedule scheduleFunc) *scheduleAddedScope {
	return &scheduleAddedScope{
		graph:    graph,
		before:   len(graph.Nodes()),
		schedule: schedule,
	}
}

// close takes the slice of nodes added since the scope was opened,
// topologically sorts them (treating any Value not produced within that
// slice as an available external), and invokes the scope's scheduling
// function on each in that order.
func (s *scheduleAddedScope) close() error {
	nodes := s.graph.Nodes()
	if s.before >= len(nodes) {
		return nil
	}

	added := append([]*onnxgraph.Node(nil), nodes[s.before:]...)

	sorted, err := onnxgraph.TopologicalSort(added, externalInputsOf(added), false)
	if err != nil {
		return err
	}

	for _, n := range sorted {
		if err := s.schedule(n); err != nil {
			return err
		}
	}

	return nil
}

// externalInputsOf returns the Values consumed by nodes that are not
// produced by any node in the same slice: the "available externals" the
// topological sort is allowed to assume are already present.
func externalInputsOf(nodes []*onnxgraph.Node) []*onnxgraph.Value {
	producedInSet := make(map[*onnxgraph.Value]bool, len(nodes))

	for _, n := range nodes {
		for _, out := range n.Outputs {
			producedInSet[out] = true
		}
	}

	seen := make(map[*onnxgraph.Value]bool)

	var external []*onnxgraph.Value

	for _, n := range nodes {
		for _, in := range n.Inputs {
			if producedInSet[in] || seen[in] {
				continue
			}

			seen[in] = true

			external = append(external, in)
		}
	}

	return external
}
