package onnxgraph

// Order is a single entry of a checkpointing schedule. It is a sealed sum
// type over the four cases in spec section 3 ("Order entry"); prefer this
// explicit-variant shape over a struct with nullable fields (spec section 9,
// design note "Tagged variant for Order").
type Order interface {
	isOrder()
}

// ComputeForward runs or re-runs node's forward computation in its
// scheduled position. The first occurrence of a given Node is an original
// forward emission; any later occurrence is a recomputation.
type ComputeForward struct {
	Node *Node
}

func (ComputeForward) isOrder() {}

// ComputeBackward emits the backward (gradient) computation for node.
type ComputeBackward struct {
	Node *Node
}

func (ComputeBackward) isOrder() {}

// ForgetForward marks a staged activation as no longer available. It does
// not delete any Node or Value; it only removes the entry from the staging
// map, so that a later recomputation of the node that produced it can stage
// a fresh copy.
type ForgetForward struct {
	Value *Value
}

func (ForgetForward) isOrder() {}

// ForgetBackward is reserved for symmetry with ForgetForward. The core has
// no required behavior for it (spec section 4.2); it is accepted and
// ignored.
type ForgetBackward struct {
	Value *Value
}

func (ForgetBackward) isOrder() {}
