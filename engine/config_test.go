package engine

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/splice/intervention"
	"github.com/sbl8/splice/runtime"
)

const linkedYAML = `
intervention: vanilla
training: false
seed: 3
attachments:
  - layer: 0
    component: mlp_activation
    unit_count: 1
    subspace_partition: [[1, 3], [0, 1]]
    link_key: "0"
  - layer: 0
    component: mlp_activation
    unit_count: 1
    subspace_partition: [[1, 3], [0, 1]]
    link_key: "0"
`

func TestParseConfig(t *testing.T) {
	t.Parallel()
	cfg, err := ParseConfig([]byte(linkedYAML))
	require.NoError(t, err)

	want := &Config{
		Intervention: "vanilla",
		Seed:         3,
		Attachments: []AttachmentSpec{
			{Component: "mlp_activation", UnitCount: 1, SubspacePartition: [][]int{{1, 3}, {0, 1}}, LinkKey: "0"},
			{Component: "mlp_activation", UnitCount: 1, SubspacePartition: [][]int{{1, 3}, {0, 1}}, LinkKey: "0"},
		},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("ParseConfig() mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "0.mlp_activation", cfg.Attachments[0].HookPoint())

	k, err := cfg.Kind(0)
	require.NoError(t, err)
	assert.Equal(t, intervention.Kind{Tag: intervention.Overwrite}, k)
}

func TestParseConfigRejects(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"unknown field":   "attachments:\n  - component: mlp_activation\n    colour: red\n",
		"no attachments":  "intervention: vanilla\n",
		"no component":    "attachments:\n  - layer: 0\n",
		"both partitions": "attachments:\n  - component: mlp_activation\n    subspace_sizes: [1]\n    subspace_partition: [[0, 1]]\n",
		"unknown variant": "intervention: boundless\nattachments:\n  - component: mlp_activation\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestConfigSaveLoad(t *testing.T) {
	t.Parallel()
	cfg, err := ParseConfig([]byte(linkedYAML))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, cfg.Save(path))
	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	if diff := cmp.Diff(cfg, loaded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveDefaults(t *testing.T) {
	t.Parallel()
	caps := map[string]runtime.HookPoint{
		"1.mlp_preactivation": {ID: "1.mlp_preactivation", Layer: 1, Component: "mlp_preactivation", Width: 4, Positions: 3},
	}
	cfg := &Config{Attachments: []AttachmentSpec{
		{Layer: 1, Component: "mlp_preactivation", UnitCount: 2, SubspaceSizes: []int{1, 2}},
		{Layer: 1, Component: "mlp_preactivation", Positions: []int{2, 0}, Intervention: "rotated", LowRankDimension: 2},
	}}

	got, err := Resolve(cfg, caps)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, []int{0, 1}, got[0].Positions)
	assert.Equal(t, 2, got[0].UnitCount())
	assert.Len(t, got[0].Ranges, 2)

	assert.Equal(t, []int{2, 0}, got[1].Positions)
	assert.Equal(t, intervention.Kind{Tag: intervention.LowRankRotated, Rank: 2}, got[1].Kind)
	assert.Equal(t, 2, got[1].Ranges[0].End, "implicit partition spans the rotated space")
}

func TestHookScopeReleasesEverything(t *testing.T) {
	t.Parallel()
	exec := newHost(t, 1)
	scope := newHookScope(exec)
	for i := 0; i < 3; i++ {
		_, err := scope.bind(nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, exec.ActiveBindings())

	scope.release()
	scope.release()
	assert.Zero(t, exec.ActiveBindings())

	_, err := scope.bind(nil)
	assert.Error(t, err)
	assert.Zero(t, exec.ActiveBindings())
}
