// Package policy provides the pluggable computation-order engines named by
// compute_order in the original source (policy_dummy.h, policy_chen.h,
// policy_gt.h, policy_custom.h): each one inspects a forward graph's
// topology and produces a checkpointing schedule, the []onnxgraph.Order
// slice that checkpoint.RewriteWithOrders interprets. The core never
// inspects how a schedule was produced; these are genuinely external
// collaborators, reproduced here only so the module has a runnable
// end-to-end path.
package policy

import (
	"fmt"
	"math"
	"strings"

	"github.com/zerfoo/gradorder/checkpoint"
	"github.com/zerfoo/gradorder/onnxgraph"
)

// Dummy produces the trivial schedule: every node forward, in the graph's
// node insertion order, then every node backward in reverse order, with nothing ever
// forgotten. It never recomputes anything (ground: DummyPolicy).
func Dummy(g *onnxgraph.Graph) []onnxgraph.Order {
	nodes := g.Nodes()
	orders := make([]onnxgraph.Order, 0, 2*len(nodes))

	for _, n := range nodes {
		orders = append(orders, onnxgraph.ComputeForward{Node: n})
	}

	for i := len(nodes) - 1; i >= 0; i-- {
		orders = append(orders, onnxgraph.ComputeBackward{Node: nodes[i]})
	}

	return orders
}

// Dummy2 is Dummy's opposite extreme: nothing is kept staged at all, so
// every backward step recomputes whatever forward activations it needs from
// scratch (ground: DummyPolicy2, inferred from gradient_with_order.cc's
// dispatch; the name and "maximal checkpointing" shape are the only details
// the original source's call site reveals).
func Dummy2(g *onnxgraph.Graph) []onnxgraph.Order {
	return checkpointSchedule(g.Nodes(), nil)
}

// Chen applies the sqrt(n)-interval checkpointing of Chen et al. 2016:
// every ceil(sqrt(n))-th forward node's output is retained (never
// forgotten), everything else is forgotten right after its last forward
// consumer and recomputed, on demand, immediately before its backward step.
func Chen(g *onnxgraph.Graph) []onnxgraph.Order {
	nodes := g.Nodes()
	n := len(nodes)

	interval := int(math.Ceil(math.Sqrt(float64(n))))
	if interval < 1 {
		interval = 1
	}

	keep := make(map[*onnxgraph.Node]bool, n)
	for i := 0; i < n; i += interval {
		keep[nodes[i]] = true
	}

	return checkpointSchedule(nodes, keep)
}

// GTOptions configures GT.
type GTOptions struct {
	// MemoryBudgetBytes is the total size, in bytes, of forward
	// activations the schedule is allowed to keep staged at once. A
	// node's output is retained only while doing so keeps the running
	// total under budget; once the budget is exhausted, every
	// subsequent output is forgotten immediately and recomputed on
	// demand.
	MemoryBudgetBytes int64
}

// GT is a greedy memory-budget variant of Chen: it walks the forward nodes
// in order, keeping each one's output staged only while the cumulative
// retained byte size stays within opts.MemoryBudgetBytes.
func GT(g *onnxgraph.Graph, opts GTOptions) []onnxgraph.Order {
	nodes := g.Nodes()
	keep := make(map[*onnxgraph.Node]bool, len(nodes))

	var used int64

	for _, n := range nodes {
		var size int64

		for _, out := range n.Outputs {
			size += out.Type.NumBytes()
		}

		if used+size <= opts.MemoryBudgetBytes {
			keep[n] = true
			used += size
		}
	}

	return checkpointSchedule(nodes, keep)
}

// Custom retains everything except the forward-graph Values named in arg (a
// comma-separated list), which are forgotten after their last forward
// consumer and recomputed on demand. Ground: CustomPolicy's custom_<arg>
// convention (spec.md section 6).
func Custom(g *onnxgraph.Graph, arg string) ([]onnxgraph.Order, error) {
	toForget := make(map[string]bool)
	for _, name := range strings.Split(arg, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			toForget[name] = true
		}
	}

	for name := range toForget {
		if !valueExists(g, name) {
			return nil, fmt.Errorf("policy: custom_ names unknown value %q", name)
		}
	}

	nodes := g.Nodes()
	keep := make(map[*onnxgraph.Node]bool, len(nodes))

	for _, n := range nodes {
		keep[n] = true

		for _, out := range n.Outputs {
			if toForget[out.Name] {
				keep[n] = false
			}
		}
	}

	return checkpointSchedule(nodes, keep), nil
}

// ComputeOrder is the single dispatch function named in spec.md section 6:
// it resolves name to one of Dummy/Dummy2/Chen/GT/Custom, matching
// GetComputationOrder's policy-name convention ("dummy", "dummy2", "chen",
// "gt", "custom_<arg>"), returning checkpoint.ErrUnknownPolicy for anything
// else.
func ComputeOrder(g *onnxgraph.Graph, name string) ([]onnxgraph.Order, error) {
	switch {
	case name == "dummy":
		return Dummy(g), nil
	case name == "dummy2":
		return Dummy2(g), nil
	case name == "chen":
		return Chen(g), nil
	case name == "gt":
		return GT(g, GTOptions{MemoryBudgetBytes: totalActivationBytes(g)}), nil
	case strings.HasPrefix(name, "custom_"):
		return Custom(g, strings.TrimPrefix(name, "custom_"))
	default:
		return nil, fmt.Errorf("%w: %q", checkpoint.ErrUnknownPolicy, name)
	}
}

func totalActivationBytes(g *onnxgraph.Graph) int64 {
	var total int64
	for _, n := range g.Nodes() {
		for _, out := range n.Outputs {
			total += out.Type.NumBytes()
		}
	}

	return total
}

func valueExists(g *onnxgraph.Graph, name string) bool {
	for _, v := range g.Values() {
		if v.Name == name {
			return true
		}
	}

	return false
}

// checkpointSchedule builds the standard recompute-on-demand schedule given
// which nodes' outputs should stay staged throughout (keep[n] == true)
// versus be forgotten right after their last forward consumer: a forward
// pass in order, then a backward pass in reverse order that recomputes
// (via a fresh ComputeForward on the same Node) anything not currently
// staged immediately before using it, forgetting it again right after so a
// later consumer recomputes its own fresh copy rather than colliding with a
// staging entry nothing ever forgot.
//
// keep may be nil, meaning nothing is kept (Dummy2's maximal-recompute
// case).
func checkpointSchedule(nodes []*onnxgraph.Node, keep map[*onnxgraph.Node]bool) []onnxgraph.Order {
	lastConsumer := lastConsumerOf(nodes)
	producer := producerMap(nodes)
	staged := make(map[*onnxgraph.Value]bool, len(nodes))

	var orders []onnxgraph.Order

	for _, n := range nodes {
		orders = append(orders, onnxgraph.ComputeForward{Node: n})

		for _, out := range n.Outputs {
			staged[out] = true
		}
	}

	for _, n := range nodes {
		if keep[n] {
			continue
		}

		for _, out := range n.Outputs {
			if out.IsOutput {
				continue
			}

			if lastConsumer[out] == n {
				orders = append(orders, onnxgraph.ForgetForward{Value: out})
				staged[out] = false
			}
		}
	}

	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]

		var recomputed []*onnxgraph.Value

		for _, in := range n.Inputs {
			p, ok := producer[in]
			if !ok || staged[in] {
				continue
			}

			orders = append(orders, onnxgraph.ComputeForward{Node: p})

			for _, out := range p.Outputs {
				staged[out] = true
			}

			if !keep[p] {
				recomputed = append(recomputed, p.Outputs...)
			}
		}

		orders = append(orders, onnxgraph.ComputeBackward{Node: n})

		for _, v := range recomputed {
			if v.IsOutput {
				continue
			}

			orders = append(orders, onnxgraph.ForgetForward{Value: v})
			staged[v] = false
		}
	}

	return orders
}

// lastConsumerOf maps every Value consumed within nodes to the last node
// (in nodes' order) that consumes it.
func lastConsumerOf(nodes []*onnxgraph.Node) map[*onnxgraph.Value]*onnxgraph.Node {
	last := make(map[*onnxgraph.Value]*onnxgraph.Node)

	for _, n := range nodes {
		for _, in := range n.Inputs {
			last[in] = n
		}
	}

	return last
}

// producerMap maps every Value produced within nodes to its producing Node.
func producerMap(nodes []*onnxgraph.Node) map[*onnxgraph.Value]*onnxgraph.Node {
	producer := make(map[*onnxgraph.Value]*onnxgraph.Node, len(nodes))

	for _, n := range nodes {
		for _, out := range n.Outputs {
			producer[out] = n
		}
	}

	return producer
}
