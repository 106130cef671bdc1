package model

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/splice/core"
	"github.com/sbl8/splice/kernels"
)

func TestNewMLP(t *testing.T) {
	t.Parallel()
	g, err := NewMLP(MLPConfig{Input: 3, Layers: 2, Classes: 2, Bias: true, Seed: 7})
	require.NoError(t, err)

	assert.Equal(t, 2, g.LayerCount())
	assert.Equal(t, 2, g.OutputWidth())
	require.NotNil(t, g.Head)
	assert.Equal(t, uint8(kernels.OpIdentity), g.Head.Act)
	assert.Len(t, g.Params(), 6)
}

func TestNewMLPIsDeterministic(t *testing.T) {
	t.Parallel()
	a, err := NewMLP(MLPConfig{Input: 4, Seed: 3})
	require.NoError(t, err)
	b, err := NewMLP(MLPConfig{Input: 4, Seed: 3})
	require.NoError(t, err)
	assert.True(t, a.Layers[0].Weight.Equal(b.Layers[0].Weight))
}

func TestHookPoints(t *testing.T) {
	t.Parallel()
	g, err := NewMLP(MLPConfig{Input: 3, Hidden: 5})
	require.NoError(t, err)

	points := g.HookPoints()
	require.Len(t, points, 3)
	assert.Equal(t, HookPoint{ID: "0.block_input", Layer: 0, Component: ComponentBlockInput, Width: 3}, points[0])
	assert.Equal(t, "0.mlp_activation", points[2].ID)
	assert.Equal(t, 5, points[2].Width)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		graph   *Graph
		wantErr bool
	}{
		{
			name:    "no layers",
			graph:   &Graph{Input: 3},
			wantErr: true,
		},
		{
			name: "width mismatch",
			graph: &Graph{Input: 3, Layers: []Layer{
				{Weight: core.Zeros(2, 3)},
			}},
			wantErr: true,
		},
		{
			name: "bad bias",
			graph: &Graph{Input: 3, Layers: []Layer{
				{Weight: core.Zeros(3, 3), Bias: core.Zeros(2)},
			}},
			wantErr: true,
		},
		{
			name: "unknown activation",
			graph: &Graph{Input: 3, Layers: []Layer{
				{Weight: core.Zeros(3, 3), Act: 0x42},
			}},
			wantErr: true,
		},
		{
			name: "valid",
			graph: &Graph{Input: 3, Layers: []Layer{
				{Weight: core.Zeros(3, 4), Act: kernels.OpTanh},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.graph.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	t.Parallel()
	g, err := NewMLP(MLPConfig{Input: 3, Layers: 2, Classes: 4, Bias: true, Activation: "tanh", Seed: 11})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "model.splc")
	require.NoError(t, g.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, g.LayerCount(), loaded.LayerCount())
	for i := range g.Layers {
		assert.True(t, g.Layers[i].Weight.Equal(loaded.Layers[i].Weight))
		assert.True(t, g.Layers[i].Bias.Equal(loaded.Layers[i].Bias))
		assert.Equal(t, g.Layers[i].Act, loaded.Layers[i].Act)
	}
	require.NotNil(t, loaded.Head)
	assert.True(t, g.Head.Weight.Equal(loaded.Head.Weight))
	assert.True(t, loaded.Layers[0].Weight.RequiresGrad())
}

func TestDeserializeRejectsBadMagic(t *testing.T) {
	t.Parallel()
	_, err := Deserialize(bytes.NewReader([]byte{1, 2, 3, 4, 0, 0}))
	assert.ErrorContains(t, err, "invalid magic")
}
