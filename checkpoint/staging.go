package checkpoint

import "github.com/zerfoo/gradorder/onnxgraph"

// stagingMap maps each original forward Value to the Value currently
// holding its materialisation: the original itself, a freshly recomputed
// Value, or (after the two-phase transition) a retained cross-graph
// placeholder (spec section 3, "Staging map").
type stagingMap map[*onnxgraph.Value]*onnxgraph.Value

func (s stagingMap) get(v *onnxgraph.Value) (*onnxgraph.Value, bool) {
	m, ok := s[v]
	return m, ok
}

func (s stagingMap) stage(orig, materialisation *onnxgraph.Value) {
	s[orig] = materialisation
}

func (s stagingMap) forget(v *onnxgraph.Value) bool {
	if _, ok := s[v]; !ok {
		return false
	}

	delete(s, v)

	return true
}

func (s stagingMap) staged(values []*onnxgraph.Value) ([]*onnxgraph.Value, *onnxgraph.Value) {
	out := make([]*onnxgraph.Value, len(values))

	for i, v := range values {
		mv, ok := s[v]
		if !ok {
			return nil, v
		}

		out[i] = mv
	}

	return out, nil
}

// RetainedMap maps forward-graph Values whose data must be carried into the
// backward graph to the backward-graph placeholder Value standing in for
// them (spec section 3, "Retained map"). An entry (v, v) is a self-identity
// sentinel marking a Value that must never itself be retained (it is
// already local to the backward graph).
//
// It is exported because the grad-injection adaptor (package
// checkpoint/gradients, via the GradientEmitter interface) is handed a
// pointer to it in two-phase mode, and may insert new (fwd_value,
// bwd_placeholder) entries on first use; the core treats those insertions
// as authoritative (spec section 4.3).
//
// Insertion order is tracked alongside the lookup table (rather than relying
// on Go's randomised map iteration) so that the final retained-transport
// pass materialises identity nodes in a reproducible order.
type RetainedMap struct {
	m     map[*onnxgraph.Value]*onnxgraph.Value
	order []*onnxgraph.Value
}

// newRetainedMap returns an empty RetainedMap ready to use.
func newRetainedMap() *RetainedMap {
	return &RetainedMap{m: make(map[*onnxgraph.Value]*onnxgraph.Value)}
}

// Get returns the retained placeholder for v, and whether one exists.
func (r *RetainedMap) Get(v *onnxgraph.Value) (*onnxgraph.Value, bool) {
	p, ok := r.m[v]
	return p, ok
}

// Put inserts (or overwrites) the retained placeholder for v.
func (r *RetainedMap) Put(v, placeholder *onnxgraph.Value) {
	if _, exists := r.m[v]; !exists {
		r.order = append(r.order, v)
	}

	r.m[v] = placeholder
}

// selfSentinel marks v as "never retain me" by mapping it to itself.
func (r *RetainedMap) selfSentinel(v *onnxgraph.Value) {
	r.Put(v, v)
}

// entries returns the (forward value, placeholder) pairs in insertion order,
// skipping self-sentinels: those never need transporting across graphs.
func (r *RetainedMap) entries() []retainedEntry {
	out := make([]retainedEntry, 0, len(r.order))

	for _, src := range r.order {
		dst := r.m[src]
		if dst == src {
			continue
		}

		out = append(out, retainedEntry{Src: src, Dst: dst})
	}

	return out
}

type retainedEntry struct {
	Src, Dst *onnxgraph.Value
}

// lastForwardMap tracks, for every original forward Node, the most recently
// emitted materialisation of it: the node itself, or a recomputed clone
// (spec section 3, "Last-forward map").
type lastForwardMap map[*onnxgraph.Node]*onnxgraph.Node
