package checkpoint

import (
	"context"

	"github.com/zerfoo/gradorder/onnxgraph"
)

// GradientEmitter is the per-node gradient formula collaborator (spec
// section 4.3). The core calls it once per ComputeBackward entry; it reads
// node.Outputs[i].Grad (the incoming gradient on each output) and is
// responsible for writing node.Inputs[i].Grad (the accumulated gradient on
// each input), emitting whatever new nodes that requires into
// consumerGraph.
//
// If producerGraph != consumerGraph and the emitter needs a forward Value
// inside the backward graph, it resolves it through retained, inserting new
// (forward value -> backward placeholder) entries on first use; those
// insertions are authoritative and retained is nil whenever no cross-graph
// resolution is possible (single-graph mode, or node is already a backward-
// graph recompute).
//
// Nodes this call emits into consumerGraph are harvested by the caller's
// active ScheduleAddedScope and scheduled immediately on return; the emitter
// itself never assigns chainer_order.
type GradientEmitter interface {
	EmitGrad(
		ctx context.Context,
		producerGraph, consumerGraph *onnxgraph.Graph,
		node *onnxgraph.Node,
		retained *RetainedMap,
	) error
}
