package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sbl8/splice/core"
	"github.com/sbl8/splice/subspace"
)

const hostSrc = `
input 3
layer 3 linear
weights 1 0 0  0 1 0  0 0 1
head 2
`

const configSrc = `
attachments:
  - layer: 0
    component: mlp_activation
    subspace_partition: [[0, 1], [1, 3]]
`

func TestParseRequest(t *testing.T) {
	doc := `
base: {rows: [[1, 2, 3], [4, 5, 6]]}
sources:
  - {shape: [2, 1, 3], data: [7, 8, 9, 10, 11, 12]}
  - null
source_map:
  - {source: 0, base_positions: [[0], [0]]}
  - null
subspaces:
  - [[0], [0, 1]]
  - null
retain: [0.mlp_activation]
return_sources: true
`
	req, err := parseRequest([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, []int{2, 3}, req.Base.Shape)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, req.Base.Data)
	require.Len(t, req.Sources, 2)
	assert.Equal(t, []int{2, 1, 3}, req.Sources[0].Shape)
	assert.Nil(t, req.Sources[1])
	require.Len(t, req.SourceMap, 2)
	assert.Equal(t, 0, req.SourceMap[0].Source)
	assert.Equal(t, [][]int{{0}, {0}}, req.SourceMap[0].BasePositions)
	assert.Nil(t, req.SourceMap[1])
	assert.Equal(t, []subspace.Selection{{{0}, {0, 1}}, nil}, req.Subspaces)
	assert.Equal(t, []string{"0.mlp_activation"}, req.Retain)
	assert.True(t, req.ReturnSources)
}

func TestParseRequestRejects(t *testing.T) {
	tests := map[string]string{
		"unknown field":  "base: {rows: [[1]]}\nbatch: 2\n",
		"ragged rows":    "base: {rows: [[1, 2], [3]]}\n",
		"shape mismatch": "base: {shape: [2, 2], data: [1, 2, 3]}\n",
		"rows and data":  "base: {rows: [[1]], data: [1]}\n",
		"missing base":   "retain: [0.block_input]\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := parseRequest([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestCompileValidateRun(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "host.splice")
	ckpt := filepath.Join(dir, "host.splc")
	cfg := filepath.Join(dir, "config.yaml")
	reqPath := filepath.Join(dir, "request.yaml")
	require.NoError(t, os.WriteFile(src, []byte(hostSrc), 0o644))
	require.NoError(t, os.WriteFile(cfg, []byte(configSrc), 0o644))
	require.NoError(t, os.WriteFile(reqPath, []byte(`
base: {rows: [[1, 2, 3]]}
sources:
  - {rows: [[7, 8, 9]]}
subspaces:
  - [[0]]
retain: [0.mlp_activation]
`), 0o644))

	out := execute(t, "compile", src, ckpt)
	assert.Contains(t, out, "Successfully compiled")

	out = execute(t, "--model", ckpt, "validate", "--config", cfg)
	assert.Contains(t, out, "config ok: 1 attachments, 1 units")
	assert.Contains(t, out, "covers=3/3 extent=3")

	out = execute(t, "--model", ckpt, "run", "--config", cfg, "--request", reqPath, "--probs")
	assert.Contains(t, out, "0.mlp_activation [1 1 3]")
	assert.Contains(t, out, "probs [1 1 2]")

	out = execute(t, "--model", ckpt, "bench", "--config", cfg, "--iter", "2", "--batch", "2")
	assert.Contains(t, out, "Host pool:")
	assert.Contains(t, out, "Composed:")
	assert.Contains(t, out, "[7 2 3]")
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	logger = zap.NewNop()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return buf.String()
}

func TestPrintTensor(t *testing.T) {
	var buf bytes.Buffer
	printTensor(&buf, "x", core.New([]float32{1, 2, 3, 4}, 2, 2))
	assert.Equal(t, "x [2 2]\n  [1 2]\n  [3 4]\n", buf.String())
}
