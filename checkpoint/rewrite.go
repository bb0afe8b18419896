package checkpoint

import (
	"context"
	"fmt"

	"github.com/zerfoo/gradorder/onnxgraph"
)

// Scheduling offsets. Mainline forward/backward nodes (and recomputations)
// receive chainer_order values at or above mainlineOffset, numbered by
// emission order within the pass; retained-transport identity nodes on the
// backward side receive small values below it so they always run before
// anything that consumes them (spec section 4.2, "two numbering bands").
const (
	mainlineOffset = 100_000_000
	retainedOffset = 0
)

// IsSupported reports whether g can be rewritten at all: every Value that is
// necessary to produce one of g's outputs must have a fully resolved byte
// size (spec section 4.1). A caller should treat a false result as "do not
// call RewriteWithOrders", not as an error.
func IsSupported(g *onnxgraph.Graph) bool {
	for _, v := range g.NecessaryValues() {
		if v.Type.NumBytes() < 0 {
			return false
		}
	}

	return true
}

// RewriteWithOrdersSingle is the single-graph convenience wrapper: fwd and
// bwd are the same Graph, and gradients are seeded automatically against its
// sole output (spec section 4.1, "single-graph mode").
func RewriteWithOrdersSingle(g *onnxgraph.Graph, orders []onnxgraph.Order, opts ...Option) (bool, error) {
	return RewriteWithOrders(g, g, orders, opts...)
}

// RewriteWithOrders interprets orders against fwd/bwd, mutating both graphs
// in place to add recomputation, retention and backward nodes (spec section
// 4.1-4.2). It returns (false, nil) without mutating anything when either
// graph is unsupported; any other failure is a programmer/planner error
// (schedule inconsistent with the graph it was computed for) wrapped from
// the errors declared in errors.go.
func RewriteWithOrders(fwd, bwd *onnxgraph.Graph, orders []onnxgraph.Order, opts ...Option) (bool, error) {
	if !IsSupported(fwd) || (bwd != fwd && !IsSupported(bwd)) {
		return false, nil
	}

	o := newOptions(opts)
	if o.Emitter == nil {
		return false, fmt.Errorf("checkpoint: %w", errNoEmitter)
	}

	rs := &rewriteState{
		fwd:      fwd,
		bwd:      bwd,
		opts:     o,
		staged:   make(stagingMap),
		retained: newRetainedMap(),
		last:     make(lastForwardMap),
		forwards: make(map[*onnxgraph.Node]bool),
		current:  fwd,
	}

	for _, v := range fwd.Inputs() {
		rs.staged.stage(v, v)
	}

	if fwd == bwd {
		scope := newScheduleAddedScope(fwd, rs.scheduleMainline)
		err := runScoped(func() error { return rs.setInitialGradients(fwd) }, scope)
		if err != nil {
			return false, err
		}
	}

	ctx := context.Background()

	for i, order := range orders {
		if fwd != bwd && rs.current == fwd {
			if err := rs.maybeTransitionToBackward(); err != nil {
				return false, fmt.Errorf("order #%d: %w", i, err)
			}
		}

		var err error

		switch ord := order.(type) {
		case onnxgraph.ComputeForward:
			err = rs.handleComputeForward(ord.Node)
		case onnxgraph.ComputeBackward:
			err = rs.handleComputeBackward(ctx, ord.Node)
		case onnxgraph.ForgetForward:
			err = rs.handleForgetForward(ord.Value)
		case onnxgraph.ForgetBackward:
			// Reserved; no required behavior (spec section 4.2).
		default:
			err = fmt.Errorf("checkpoint: unknown order type %T", order)
		}

		if err != nil {
			return false, fmt.Errorf("order #%d: %w", i, err)
		}
	}

	o.Logger.Printf("checkpoint: forwards=%d recomputes=%d retained=%d",
		rs.numForwards, rs.numRecomputes, len(rs.retained.order))

	{
		fwdScope := newScheduleAddedScope(fwd, rs.scheduleMainline)
		bwdScope := newScheduleAddedScope(bwd, rs.scheduleRetainedFirst)
		if err := runScoped(rs.addRetainedParts, fwdScope, bwdScope); err != nil {
			return false, err
		}
	}

	{
		scope := newScheduleAddedScope(bwd, rs.scheduleMainline)
		if err := runScoped(func() error { return rs.exposeParamGradsAsOutputs() }, scope); err != nil {
			return false, err
		}
	}

	fwd.ResetGradients()

	if bwd != fwd {
		bwd.ResetGradients()
	}

	return true, nil
}

// runScoped runs body, then closes scopes in reverse-acquisition order
// regardless of whether body succeeded, mirroring the guaranteed-on-exit
// semantics of a stack of nested RAII scopes (spec section 4.4). The first
// error from body or any close() wins.
func runScoped(body func() error, scopes ...*scheduleAddedScope) (err error) {
	defer func() {
		for i := len(scopes) - 1; i >= 0; i-- {
			if cerr := scopes[i].close(); err == nil {
				err = cerr
			}
		}
	}()

	return body()
}

// rewriteState carries the bookkeeping described in spec section 3 across a
// single RewriteWithOrders call.
type rewriteState struct {
	fwd, bwd *onnxgraph.Graph
	opts     *Options

	staged   stagingMap
	retained *RetainedMap
	last     lastForwardMap
	forwards map[*onnxgraph.Node]bool

	current *onnxgraph.Graph

	numScheduled  int
	numForwards   int
	numRecomputes int
}

// setInitialGradients seeds the gradient of g's sole output with a
// constant-one Value (spec section 4.1, single-graph mode). The original
// source asserts exactly one graph output for this path; so do we.
func (rs *rewriteState) setInitialGradients(g *onnxgraph.Graph) error {
	outs := g.Outputs()
	if len(outs) != 1 {
		return fmt.Errorf("checkpoint: single-graph mode requires exactly one graph output, got %d", len(outs))
	}

	out := outs[0]
	grad := g.AddValue("grad_in@"+out.Name, out.Type)
	g.AddNode("Constant", nil, []*onnxgraph.Value{grad}, map[string]interface{}{"value": 1.0})
	out.Grad = grad

	return nil
}

// maybeTransitionToBackward checks whether every forward output is now
// staged; if so it performs the one-time switch to the backward phase (spec
// section 4.1, "two-phase transition"): seeding bwd's grad_in@ inputs and
// replacing every currently-staged forward Value with a retained
// cross-graph placeholder.
func (rs *rewriteState) maybeTransitionToBackward() error {
	for _, out := range rs.fwd.Outputs() {
		if _, ok := rs.staged.get(out); !ok {
			return nil
		}
	}

	rs.current = rs.bwd

	fwdScope := newScheduleAddedScope(rs.fwd, rs.scheduleMainline)
	bwdScope := newScheduleAddedScope(rs.bwd, rs.scheduleMainline)

	return runScoped(func() error {
		for _, out := range rs.fwd.Outputs() {
			gradIn := rs.bwd.AddInputValue("grad_in@"+out.Name, out.Type)
			out.Grad = gradIn
		}

		for _, orig := range rs.fwd.Values() {
			if _, ok := rs.staged.get(orig); !ok {
				continue
			}

			placeholder := rs.bwd.AddValue("RetainedForRecompute_"+orig.Name, orig.Type)
			rs.staged.stage(orig, placeholder)
			rs.retained.Put(orig, placeholder)

			if orig.IsOutput {
				placeholder.Grad = orig.Grad
			}
		}

		return nil
	}, fwdScope, bwdScope)
}

// handleComputeForward dispatches a ComputeForward order entry: the first
// occurrence of node runs it in place; every later occurrence recomputes it
// as a fresh node bound to whatever is currently staged for its original
// inputs (spec section 4.2, ComputeForward).
func (rs *rewriteState) handleComputeForward(node *onnxgraph.Node) error {
	if !rs.forwards[node] {
		rs.forwards[node] = true
		rs.numForwards++

		if rs.current != rs.fwd {
			return fmt.Errorf("%w: first forward emission of %s requested after transition to backward", ErrPhaseViolation, node.OpType)
		}

		for _, v := range node.Inputs {
			mv, ok := rs.staged.get(v)
			if !ok {
				return fmt.Errorf("%w: %s", ErrDanglingInput, v.Name)
			}

			if mv != v {
				return fmt.Errorf("%w: %s consumes a recomputed input on its first emission", ErrPhaseViolation, node.OpType)
			}
		}

		return rs.scheduleRecompute(node, node, mainlineOffset)
	}

	if rs.current != rs.bwd {
		return fmt.Errorf("%w: recomputation of %s requested before transition to backward phase", ErrPhaseViolation, node.OpType)
	}

	rs.numRecomputes++

	if node.OpType == "BatchNormalization" {
		node.ChainerInRecomputing = true
	}

	stagedInputs, missing := rs.staged.staged(node.Inputs)
	if missing != nil {
		return fmt.Errorf("%w: %s", ErrDanglingInput, missing.Name)
	}

	outputs := make([]*onnxgraph.Value, len(node.Outputs))
	for i, out := range node.Outputs {
		outputs[i] = rs.bwd.AddValue("Recompute"+out.Name, out.Type)
		rs.retained.selfSentinel(outputs[i])
	}

	clone := rs.bwd.AddNodeFromDescriptor(node.Descriptor(), stagedInputs, outputs)

	return rs.scheduleRecompute(clone, node, mainlineOffset)
}

// handleComputeBackward dispatches a ComputeBackward order entry (spec
// section 4.2, ComputeBackward): it re-targets node's last-forward
// materialisation at its currently staged inputs/outputs, invokes the
// configured GradientEmitter to produce node.Inputs' gradients from
// node.Outputs' gradients, reverts the temporary rewiring, and propagates
// the result back onto the original node's inputs.
func (rs *rewriteState) handleComputeBackward(ctx context.Context, node *onnxgraph.Node) error {
	if rs.current != rs.bwd {
		return fmt.Errorf("%w: backward computation for %s requested before transition to backward phase", ErrPhaseViolation, node.OpType)
	}

	m, ok := rs.last[node]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingLastForward, node.OpType)
	}

	if m != node {
		for i := range m.Inputs {
			m.Inputs[i].Grad = node.Inputs[i].Grad
		}

		for i := range m.Outputs {
			m.Outputs[i].Grad = node.Outputs[i].Grad
		}
	}

	stagedInputs, missing := rs.staged.staged(node.Inputs)
	if missing != nil {
		return fmt.Errorf("%w: %s", ErrDanglingInput, missing.Name)
	}

	stagedOutputs, missing := rs.staged.staged(node.Outputs)
	if missing != nil {
		return fmt.Errorf("%w: %s", ErrDanglingInput, missing.Name)
	}

	origInputs := append([]*onnxgraph.Value(nil), m.Inputs...)
	origOutputs := append([]*onnxgraph.Value(nil), m.Outputs...)

	m.ReplaceInputs(stagedInputs)
	m.ReplaceOutputs(stagedOutputs)

	scope := newScheduleAddedScope(rs.bwd, rs.scheduleMainline)

	crossGraph := rs.fwd != rs.bwd && m == node

	err := runScoped(func() error {
		if crossGraph {
			return rs.opts.Emitter.EmitGrad(ctx, rs.fwd, rs.bwd, m, rs.retained)
		}

		return rs.opts.Emitter.EmitGrad(ctx, rs.bwd, rs.bwd, m, nil)
	}, scope)

	m.ReplaceInputs(origInputs)
	m.ReplaceOutputs(origOutputs)

	if err != nil {
		return err
	}

	for i, in := range node.Inputs {
		in.Grad = stagedInputs[i].Grad
	}

	return nil
}

// handleForgetForward removes orig from the staging map (spec section 4.2,
// ForgetForward), so that a later recomputation of the node that produced
// it can stage its fresh output instead of failing with
// ErrDuplicateStaging. Whether a ComputeForward is a recomputation is
// decided by rs.forwards, not by the staging map. Forgetting a Value that
// is not staged is a no-op.
func (rs *rewriteState) handleForgetForward(orig *onnxgraph.Value) error {
	rs.staged.forget(orig)
	return nil
}

// scheduleMainline assigns node the next chainer_order at mainlineOffset,
// records node as its own last-forward materialisation and stages each of
// its outputs as itself.
func (rs *rewriteState) scheduleMainline(node *onnxgraph.Node) error {
	return rs.scheduleRecompute(node, node, mainlineOffset)
}

// scheduleRetainedFirst is scheduleMainline's counterpart for backward-graph
// retained-transport identity nodes: they must run before everything else
// scheduled at mainlineOffset, so they get the small, separate band (spec
// section 4.2, "Materialise retained transport").
func (rs *rewriteState) scheduleRetainedFirst(node *onnxgraph.Node) error {
	return rs.scheduleRecompute(node, node, retainedOffset)
}

// scheduleRecompute is the single point that assigns chainer_order and
// updates the last-forward map. It also updates the staging map for
// origNode's outputs: a first-time forward emission and a forward
// recomputation both register their result as the currently materialised
// value for those outputs. The original source's schedule_recompute draws
// no distinction between the two for staging purposes, so this does not
// either; any emission whose original output is still staged (a first-time
// emission over a staged output, or a recompute whose original was never
// forgotten) is rejected as ErrDuplicateStaging.
func (rs *rewriteState) scheduleRecompute(node, origNode *onnxgraph.Node, offset int) error {
	rs.numScheduled++
	node.ChainerOrder = offset + rs.numScheduled
	rs.last[origNode] = node

	for i, out := range node.Outputs {
		origOut := origNode.Outputs[i]
		if _, exists := rs.staged.get(origOut); exists {
			return fmt.Errorf("%w: %s", ErrDuplicateStaging, origNode.OpType)
		}

		rs.staged.stage(origOut, out)
	}

	return nil
}

// addRetainedParts materialises, for every non-self retained entry, an
// Identity node on the forward side exposing the forward Value as a new
// graph output, and an Identity node on the backward side consuming a new
// graph input and feeding the original consumer (spec section 4.2,
// "Materialise retained transport").
func (rs *rewriteState) addRetainedParts() error {
	for _, e := range rs.retained.entries() {
		transport := "retained_" + e.Src.Name

		fwdOut := rs.fwd.AddOutputValue(transport, e.Src.Type)
		rs.fwd.AddNode("Identity", []*onnxgraph.Value{e.Src}, []*onnxgraph.Value{fwdOut}, nil)

		bwdIn := rs.bwd.AddInputValue(transport, e.Dst.Type)
		rs.bwd.AddNode("Identity", []*onnxgraph.Value{bwdIn}, []*onnxgraph.Value{e.Dst}, nil)
	}

	return nil
}

// exposeParamGradsAsOutputs exposes every floating-point parameter's
// accumulated gradient as a new bwd output named grad_out@<param.name> (spec
// section 4.2, "Expose parameter gradients"). A parameter with no emitted
// gradient is handled according to opts.MissingGradientPolicy; a
// BatchNormalization running-statistics input is tolerated silently, since
// those never receive a gradient by construction.
func (rs *rewriteState) exposeParamGradsAsOutputs() error {
	for _, v := range rs.fwd.Inputs() {
		if !v.IsParameter() || !v.Type.DType.IsFloat() {
			continue
		}

		grad := v.Grad
		if grad == nil {
			if rs.isBatchNormStatistic(v) {
				continue
			}

			if rs.opts.MissingGradientPolicy == MissingGradientFatal {
				return fmt.Errorf("%w: %s", ErrMissingGradientForParam, v.Name)
			}

			rs.opts.Logger.Printf("checkpoint: no gradient emitted for parameter %s", v.Name)

			continue
		}

		out := rs.bwd.AddOutputValue("grad_out@"+v.Name, grad.Type)
		rs.bwd.AddNode("Identity", []*onnxgraph.Value{grad}, []*onnxgraph.Value{out}, nil)
	}

	return nil
}

// isBatchNormStatistic reports whether v has at least one consumer in fwd
// and every consumer is a BatchNormalization node, i.e. it is a running
// mean/variance input rather than a trainable scale/bias.
func (rs *rewriteState) isBatchNormStatistic(v *onnxgraph.Value) bool {
	consumers := 0
	onlyBatchNorm := true

	for _, n := range rs.fwd.Nodes() {
		for _, in := range n.Inputs {
			if in == v {
				consumers++
				if n.OpType != "BatchNormalization" {
					onlyBatchNorm = false
				}
			}
		}
	}

	return consumers > 0 && onlyBatchNorm
}
