// Package model defines the host computation graph splice intervenes on.
//
// A Graph is a stack of affine blocks (weight, optional bias, activation) with
// an optional classifier head. Each block exposes named hook points where an
// executor may read and replace the activation flowing through it:
//
//	<layer>.block_input        input of the block, width = block input
//	<layer>.mlp_preactivation  x @ W + b, width = block output
//	<layer>.mlp_activation     act(x @ W + b), width = block output
//
// Graphs are built from an MLPConfig, compiled from the text DSL in package
// compiler, or loaded from a binary checkpoint. They are immutable once built
// and safe to share across concurrent executions.
package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/sbl8/splice/core"
	"github.com/sbl8/splice/kernels"
)

// Hook point components exposed by every block.
const (
	ComponentBlockInput    = "block_input"
	ComponentPreActivation = "mlp_preactivation"
	ComponentActivation    = "mlp_activation"
)

// Components lists the per-block components in execution order.
var Components = []string{ComponentBlockInput, ComponentPreActivation, ComponentActivation}

// Layer is one affine block.
type Layer struct {
	Weight *core.Tensor // [in, out]
	Bias   *core.Tensor // [out], nil when the block has no bias
	Act    uint8        // kernels activation opcode
}

// In returns the block input width.
func (l *Layer) In() int { return l.Weight.Shape[0] }

// Out returns the block output width.
func (l *Layer) Out() int { return l.Weight.Shape[1] }

// Graph is an immutable host model.
type Graph struct {
	Input  int
	Layers []Layer
	Head   *Layer // classifier, nil when the graph ends at the last block
}

// HookPoint describes an interceptable activation.
type HookPoint struct {
	ID        string
	Layer     int
	Component string
	Width     int
}

// PointID names the hook point for component of layer.
func PointID(layer int, component string) string {
	return fmt.Sprintf("%d.%s", layer, component)
}

// LayerCount returns the number of blocks.
func (g *Graph) LayerCount() int {
	return len(g.Layers)
}

// OutputWidth returns the width of the graph output.
func (g *Graph) OutputWidth() int {
	if g.Head != nil {
		return g.Head.Out()
	}
	if len(g.Layers) == 0 {
		return g.Input
	}
	return g.Layers[len(g.Layers)-1].Out()
}

// HookPoints lists every hook point in execution order.
func (g *Graph) HookPoints() []HookPoint {
	points := make([]HookPoint, 0, len(g.Layers)*len(Components))
	for i := range g.Layers {
		l := &g.Layers[i]
		for _, c := range Components {
			w := l.Out()
			if c == ComponentBlockInput {
				w = l.In()
			}
			points = append(points, HookPoint{ID: PointID(i, c), Layer: i, Component: c, Width: w})
		}
	}
	return points
}

// Params returns all trainable tensors of the graph.
func (g *Graph) Params() []*core.Tensor {
	var ps []*core.Tensor
	add := func(l *Layer) {
		ps = append(ps, l.Weight)
		if l.Bias != nil {
			ps = append(ps, l.Bias)
		}
	}
	for i := range g.Layers {
		add(&g.Layers[i])
	}
	if g.Head != nil {
		add(g.Head)
	}
	return ps
}

// Validate checks graph consistency
func (g *Graph) Validate() error {
	if len(g.Layers) == 0 {
		return errors.New("graph has no layers")
	}
	if g.Input <= 0 {
		return fmt.Errorf("invalid input width %d", g.Input)
	}

	width := g.Input
	check := func(name string, l *Layer) error {
		if l.Weight == nil || l.Weight.Dims() != 2 {
			return fmt.Errorf("%s: weight must be a 2-D tensor", name)
		}
		if l.In() != width {
			return fmt.Errorf("%s: input width %d does not match upstream width %d", name, l.In(), width)
		}
		if l.Bias != nil && (l.Bias.Dims() != 1 || l.Bias.Shape[0] != l.Out()) {
			return fmt.Errorf("%s: bias shape %v does not match output width %d", name, l.Bias.Shape, l.Out())
		}
		if _, err := kernels.GetActivation(l.Act); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		width = l.Out()
		return nil
	}

	for i := range g.Layers {
		if err := check(fmt.Sprintf("layer %d", i), &g.Layers[i]); err != nil {
			return err
		}
	}
	if g.Head != nil {
		return check("head", g.Head)
	}
	return nil
}

// MLPConfig describes a randomly initialised multi-layer perceptron.
type MLPConfig struct {
	Input      int    // input width
	Hidden     int    // width of every block, defaults to Input
	Layers     int    // number of blocks, defaults to 1
	Classes    int    // classifier width, 0 for no head
	Bias       bool   // include bias terms
	Activation string // block activation name, defaults to relu
	Seed       int64
}

// NewMLP builds a Graph from cfg. Weights are drawn uniformly from
// [-1/sqrt(in), 1/sqrt(in)] with a generator seeded by cfg.Seed.
func NewMLP(cfg MLPConfig) (*Graph, error) {
	if cfg.Input <= 0 {
		return nil, fmt.Errorf("invalid input width %d", cfg.Input)
	}
	if cfg.Hidden == 0 {
		cfg.Hidden = cfg.Input
	}
	if cfg.Layers == 0 {
		cfg.Layers = 1
	}
	if cfg.Activation == "" {
		cfg.Activation = "relu"
	}
	act, err := kernels.LookupActivation(cfg.Activation)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	g := &Graph{Input: cfg.Input}
	in := cfg.Input
	for i := 0; i < cfg.Layers; i++ {
		g.Layers = append(g.Layers, NewLayer(rng, in, cfg.Hidden, cfg.Bias, act))
		in = cfg.Hidden
	}
	if cfg.Classes > 0 {
		head := NewLayer(rng, in, cfg.Classes, cfg.Bias, kernels.OpIdentity)
		g.Head = &head
	}
	return g, g.Validate()
}

// NewLayer returns a block with uniformly initialised parameters.
func NewLayer(rng *rand.Rand, in, out int, bias bool, act uint8) Layer {
	bound := float32(1 / math.Sqrt(float64(in)))
	uniform := func(n int) []float32 {
		d := make([]float32, n)
		for i := range d {
			d[i] = (rng.Float32()*2 - 1) * bound
		}
		return d
	}

	l := Layer{Weight: core.Param(uniform(in*out), in, out), Act: act}
	if bias {
		l.Bias = core.Param(uniform(out), out)
	}
	return l
}
