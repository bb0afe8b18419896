package graphio

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `{
	"name": "chain",
	"values": [
		{"name": "x", "dtype": "float32", "num_elements": 1, "input": true},
		{"name": "w", "dtype": "float32", "num_elements": 1, "input": true, "initializer": true},
		{"name": "y", "dtype": "float32", "num_elements": 1, "output": true}
	],
	"nodes": [
		{"op_type": "Add", "inputs": ["x", "w"], "outputs": ["y"]}
	]
}`

func TestLoad_BuildsGraphFromJSON(t *testing.T) {
	g, err := Load(strings.NewReader(sampleDoc))
	require.NoError(t, err)

	assert.Len(t, g.Nodes(), 1)
	assert.Len(t, g.Inputs(), 2)
	assert.Len(t, g.Outputs(), 1)
	assert.Equal(t, "Add", g.Nodes()[0].OpType)
}

func TestLoad_UndeclaredValueIsAnError(t *testing.T) {
	const doc = `{
		"name": "bad",
		"values": [{"name": "x", "dtype": "float32", "num_elements": 1, "input": true}],
		"nodes": [{"op_type": "Identity", "inputs": ["x"], "outputs": ["missing"]}]
	}`

	_, err := Load(strings.NewReader(doc))
	assert.Error(t, err)
}

func TestLoad_UnknownDTypeIsAnError(t *testing.T) {
	const doc = `{
		"name": "bad",
		"values": [{"name": "x", "dtype": "complex128", "num_elements": 1, "input": true}],
		"nodes": []
	}`

	_, err := Load(strings.NewReader(doc))
	assert.Error(t, err)
}
