package onnxgraph

import "errors"

// ErrCyclicGraph is returned by TopologicalSort when the node set it was
// given cannot be linearised, i.e. it isn't a DAG.
var ErrCyclicGraph = errors.New("onnxgraph: cyclic graph")
