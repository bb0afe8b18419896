// Package graphio is a small JSON description format for onnxgraph.Graph,
// letting the gradorder CLI (cmd/gradorder) load a forward graph without
// depending on a full ONNX reader. Grounded on the JSON-config CLI
// convention in cmd/zerfoo-train/main.go, which loads CLIConfig/model
// config from JSON via encoding/json; the shape of the node/value fields
// mirrors onnxgraph.NodeDescriptor and onnxgraph.Value.
package graphio

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/zerfoo/gradorder/onnxgraph"
)

// Doc is the on-disk JSON shape: a flat list of typed value declarations
// plus a list of nodes referencing them by name.
type Doc struct {
	Name   string     `json:"name"`
	Values []ValueDoc `json:"values"`
	Nodes  []NodeDoc  `json:"nodes"`
}

// ValueDoc declares one Value.
type ValueDoc struct {
	Name        string `json:"name"`
	DType       string `json:"dtype"`
	NumElements int64  `json:"num_elements"`
	Input       bool   `json:"input"`
	Output      bool   `json:"output"`
	Initializer bool   `json:"initializer"`
}

// NodeDoc declares one Node by the names of its input/output values.
type NodeDoc struct {
	OpType     string                 `json:"op_type"`
	Inputs     []string               `json:"inputs"`
	Outputs    []string               `json:"outputs"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

var dtypeNames = map[string]onnxgraph.DType{
	"float32": onnxgraph.Float32,
	"float64": onnxgraph.Float64,
	"float16": onnxgraph.Float16,
	"float8":  onnxgraph.Float8,
	"int32":   onnxgraph.Int32,
	"int64":   onnxgraph.Int64,
	"bool":    onnxgraph.Bool,
}

// Load decodes a Doc from r and builds the Graph it describes. Values are
// created first (in declaration order) so Nodes can reference any of them
// regardless of declaration order; a Node referencing an undeclared value
// name is an error.
func Load(r io.Reader) (*onnxgraph.Graph, error) {
	var doc Doc
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("graphio: decode: %w", err)
	}

	return Build(doc)
}

// Build constructs a Graph from an already-decoded Doc.
func Build(doc Doc) (*onnxgraph.Graph, error) {
	g := onnxgraph.NewGraph(doc.Name)

	values := make(map[string]*onnxgraph.Value, len(doc.Values))

	for _, vd := range doc.Values {
		dtype, ok := dtypeNames[vd.DType]
		if !ok {
			return nil, fmt.Errorf("graphio: value %q has unknown dtype %q", vd.Name, vd.DType)
		}

		typ := onnxgraph.Type{DType: dtype, NumElements: vd.NumElements}

		var v *onnxgraph.Value

		switch {
		case vd.Input:
			v = g.AddInputValue(vd.Name, typ)
		case vd.Output:
			v = g.AddOutputValue(vd.Name, typ)
		default:
			v = g.AddValue(vd.Name, typ)
		}

		v.Initializer = vd.Initializer
		values[vd.Name] = v
	}

	for _, nd := range doc.Nodes {
		inputs, err := resolve(values, nd.Inputs)
		if err != nil {
			return nil, fmt.Errorf("graphio: node %q: %w", nd.OpType, err)
		}

		outputs, err := resolve(values, nd.Outputs)
		if err != nil {
			return nil, fmt.Errorf("graphio: node %q: %w", nd.OpType, err)
		}

		g.AddNode(nd.OpType, inputs, outputs, nd.Attributes)
	}

	return g, nil
}

func resolve(values map[string]*onnxgraph.Value, names []string) ([]*onnxgraph.Value, error) {
	out := make([]*onnxgraph.Value, len(names))

	for i, name := range names {
		v, ok := values[name]
		if !ok {
			return nil, fmt.Errorf("references undeclared value %q", name)
		}

		out[i] = v
	}

	return out, nil
}
