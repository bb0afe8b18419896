// Package gradients is the grad-injection adaptor (spec section 4.3): a
// checkpoint.GradientEmitter implementation that knows, per operator type,
// how to turn a Node's output gradients into its input gradients by
// emitting new Nodes into a graph. It never touches tensor data; every
// formula here only wires Values and Nodes together the way
// checkpoint.RewriteWithOrders expects, the same structural contract
// per-layer Forward/Backward methods fulfil for tensors (grounded on
// layers/core/add.go and layers/activations/relu.go).
package gradients

import (
	"context"
	"fmt"
	"log"

	"github.com/zerfoo/gradorder/checkpoint"
	"github.com/zerfoo/gradorder/onnxgraph"
)

// Formula emits the backward computation for node into consumerGraph. It may
// assume every node.Outputs[i].Grad it needs is already local to
// consumerGraph (the caller rewires node to its staged values before
// EmitGrad runs); it must leave node.Inputs[i].Grad set for every input it
// produces a gradient for, summing into an existing one via accumulate.
type Formula func(consumerGraph *onnxgraph.Graph, node *onnxgraph.Node) error

// Registry dispatches EmitGrad by node.OpType (spec section 4.3,
// "per-operator gradient formulas"). The zero value is not usable; build one
// with NewRegistry.
type Registry struct {
	formulas map[string]Formula
	logger   *log.Logger
}

// RegistryOption configures a Registry at construction.
type RegistryOption func(*Registry)

// WithLogger overrides the Registry's diagnostic logger. Defaults to
// log.Default().
func WithLogger(l *log.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry builds a Registry pre-populated with the formulas in
// builtins.go; callers may Register additional or replacement formulas
// before handing the Registry to checkpoint.WithGradientEmitter.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		formulas: make(map[string]Formula),
		logger:   log.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	registerBuiltins(r)

	return r
}

// Register installs (or replaces) the formula used for opType.
func (r *Registry) Register(opType string, f Formula) {
	r.formulas[opType] = f
}

// EmitGrad implements checkpoint.GradientEmitter. node.Inputs/node.Outputs
// have already been rewired by the caller (checkpoint.RewriteWithOrders) to
// whatever is currently staged for them, so the registered Formula can read
// and write them directly; resolve is available to a Formula that needs a
// forward activation beyond node's own inputs/outputs (none of the builtins
// do). An unrecognised op type is reported as an error rather than silently
// skipped.
func (r *Registry) EmitGrad(
	_ context.Context,
	_, consumerGraph *onnxgraph.Graph,
	node *onnxgraph.Node,
	_ *checkpoint.RetainedMap,
) error {
	f, ok := r.formulas[node.OpType]
	if !ok {
		return fmt.Errorf("gradients: no gradient formula registered for op %q", node.OpType)
	}

	return f(consumerGraph, node)
}

// resolve maps a forward-graph Value v into its backward-graph counterpart
// via retained, creating a new input placeholder on first use (spec section
// 4.3: "it resolves it through retained, inserting new entries on first
// use"). v itself is returned unchanged if it is already local to
// consumerGraph (retained's self-sentinel convention, spec section 3). A
// Formula that needs a forward activation beyond its own node's
// inputs/outputs calls this directly; none of the builtins in this package
// currently need to.
func resolve(consumerGraph *onnxgraph.Graph, v *onnxgraph.Value, retained *checkpoint.RetainedMap) *onnxgraph.Value {
	if placeholder, ok := retained.Get(v); ok {
		return placeholder
	}

	placeholder := consumerGraph.AddInputValue("retained_"+v.Name, v.Type)
	retained.Put(v, placeholder)

	return placeholder
}

// accumulate adds incoming to v's existing gradient, emitting an "Add" node
// into g when v already has one from an earlier consumer (spec section
// 4.3's accumulation contract, grounded on graph.Graph.Backward's
// accumulation, which sums into an existing gradient slot rather than
// overwriting it).
func accumulate(g *onnxgraph.Graph, v, incoming *onnxgraph.Value) {
	if v.Grad == nil {
		v.Grad = incoming
		return
	}

	sum := g.AddValue(v.Name+".grad_accum", v.Type)
	g.AddNode("Add", []*onnxgraph.Value{v.Grad, incoming}, []*onnxgraph.Value{sum}, nil)
	v.Grad = sum
}
