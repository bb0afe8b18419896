// Package checkpoint implements the gradient-with-order rewriter: given a
// forward dataflow graph (package onnxgraph) and a checkpointing schedule,
// it augments the graph with recomputation, retention and backward nodes so
// that it computes both forward outputs and parameter gradients under a
// caller-supplied memory/compute tradeoff.
//
// The policy that produced the schedule, and the per-operator gradient
// formulas invoked while walking it, are both external collaborators
// (packages checkpoint/policy and checkpoint/gradients respectively); this
// package only consumes their output.
package checkpoint

import "errors"

// Error taxonomy. Every one of these represents a programmer/planner bug: an
// inconsistency between the schedule and the graph it was computed for,
// rather than a condition the caller can usefully retry. RewriteWithOrders
// returns them wrapped with the offending value/node name.
var (
	// ErrUnsupportedGraph names the condition IsSupported checks: some
	// necessary Value's byte size cannot be resolved. RewriteWithOrders
	// does not return it; it reports an unsupported graph as (false, nil)
	// before any mutation.
	ErrUnsupportedGraph = errors.New("checkpoint: graph is not supported (unresolved value shape)")

	// ErrDanglingInput means a schedule entry consumes a Value that is
	// not currently staged.
	ErrDanglingInput = errors.New("checkpoint: value is not staged")

	// ErrPhaseViolation covers: a first-time forward emission requested
	// after the phase has already switched to backward; a recomputation
	// requested while still in the forward phase; or a ComputeBackward
	// for a node whose forward phase has not switched yet.
	ErrPhaseViolation = errors.New("checkpoint: order entry violates forward/backward phase")

	// ErrDuplicateStaging means an emission would overwrite an existing
	// staged entry for one of its outputs: a first-time forward emission
	// whose output is already staged, or a recomputation whose original
	// output was never forgotten.
	ErrDuplicateStaging = errors.New("checkpoint: forward recompute without forgetting the output")

	// ErrMissingLastForward means ComputeBackward named a node that has
	// never appeared in a ComputeForward entry.
	ErrMissingLastForward = errors.New("checkpoint: no forward emission recorded for node")

	// ErrMissingGradientForParam signals a floating-point parameter with
	// no emitted gradient. Under MissingGradientWarnAndContinue (the
	// default) this is only logged, never returned; it is only ever
	// returned as an error when MissingGradientFatal is configured.
	ErrMissingGradientForParam = errors.New("checkpoint: no gradient emitted for floating-point parameter")

	// ErrUnknownPolicy is returned by checkpoint/policy.ComputeOrder for
	// an unrecognised policy name.
	ErrUnknownPolicy = errors.New("checkpoint: unknown computation order policy")

	// errNoEmitter is a configuration error, not a schedule/graph
	// inconsistency, so it is kept unexported: WithGradientEmitter is the
	// only fix, and there is nothing for a caller to branch on.
	errNoEmitter = errors.New("no GradientEmitter configured (see WithGradientEmitter)")
)
