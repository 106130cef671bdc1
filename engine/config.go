package engine

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/sbl8/splice/intervention"
	"github.com/sbl8/splice/model"
	"github.com/sbl8/splice/subspace"
)

// AttachmentSpec declares one intervention site.
type AttachmentSpec struct {
	// Layer and Component name the hook point, e.g. 0 and "mlp_activation".
	Layer     int    `yaml:"layer"`
	Component string `yaml:"component"`
	// Positions lists the sequence positions intervened per example. Defaults
	// to 0..UnitCount-1.
	Positions []int `yaml:"positions,omitempty"`
	// UnitCount is the number of positions intervened at once. Defaults to
	// len(Positions), or 1.
	UnitCount int `yaml:"unit_count,omitempty"`
	// SubspacePartition lists explicit [start, end) ranges; SubspaceSizes lists
	// consecutive range widths. At most one may be set.
	SubspacePartition [][]int `yaml:"subspace_partition,omitempty"`
	SubspaceSizes     []int   `yaml:"subspace_sizes,omitempty"`
	LowRankDimension  int     `yaml:"low_rank_dimension,omitempty"`
	// LinkKey groups attachments onto one shared unit. Empty means unlinked.
	LinkKey string `yaml:"link_key,omitempty"`
	// Intervention overrides Config.Intervention for this attachment.
	Intervention string `yaml:"intervention,omitempty"`
}

// HookPoint returns the id of the hook point the attachment targets.
func (a *AttachmentSpec) HookPoint() string {
	return model.PointID(a.Layer, a.Component)
}

// Partition returns the declared subspace partition.
func (a *AttachmentSpec) Partition() subspace.Spec {
	return subspace.Spec{Ranges: a.SubspacePartition, Sizes: a.SubspaceSizes}
}

// Config is an ordered list of attachments plus the default variant and mode.
type Config struct {
	Attachments  []AttachmentSpec `yaml:"attachments"`
	Intervention string           `yaml:"intervention"`
	Training     bool             `yaml:"training"`
	Seed         int64            `yaml:"seed"`
}

// Kind resolves the unit variant of attachment i.
func (c *Config) Kind(i int) (intervention.Kind, error) {
	a := &c.Attachments[i]
	name := a.Intervention
	if name == "" {
		name = c.Intervention
	}
	k, err := intervention.ParseKind(name, a.LowRankDimension)
	if err != nil {
		return intervention.Kind{}, configError(i, "intervention", err)
	}
	return k, nil
}

// Validate checks everything that does not depend on the host graph.
func (c *Config) Validate() error {
	if len(c.Attachments) == 0 {
		return fmt.Errorf("%w: no attachments", ErrConfiguration)
	}
	for i := range c.Attachments {
		a := &c.Attachments[i]
		if a.Layer < 0 {
			return configError(i, "layer", fmt.Errorf("negative layer %d", a.Layer))
		}
		if a.Component == "" {
			return configError(i, "component", fmt.Errorf("component is required"))
		}
		if a.UnitCount < 0 {
			return configError(i, "unit_count", fmt.Errorf("negative unit count %d", a.UnitCount))
		}
		if len(a.SubspacePartition) > 0 && len(a.SubspaceSizes) > 0 {
			return configError(i, "subspace_partition", subspace.ErrSpec)
		}
		if _, err := c.Kind(i); err != nil {
			return err
		}
	}
	return nil
}

// ParseConfig decodes a YAML intervention config and validates it. Unknown
// fields are rejected.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(data)
}

// Save writes the config as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
