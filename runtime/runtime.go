// Package runtime executes host graphs with interceptable activations.
//
// An Executor wraps an immutable model.Graph. Callers register hook functions
// for named hook points through Bind, which returns a Binding scoped to a single
// run; Run threads the input through every block, handing the activation at
// each bound hook point to its hook and continuing with whatever the hook
// returns. Bindings never touch the graph itself, so any number of runs (with
// or without hooks) may execute concurrently on one Executor.
//
// Key components:
//   - Executor: forward pass over [batch, positions, width] activations
//   - Binding: per-run hook table keyed by a unique id, released exactly once
//   - RunBatch: worker pool evaluating independent inputs in parallel
//   - ExecutionStats: run counters and latency, collected when enabled
package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sbl8/splice/core"
	"github.com/sbl8/splice/model"
)

var (
	// ErrUnknownHookPoint reports a hook point the graph does not expose.
	ErrUnknownHookPoint = errors.New("unknown hook point")
	// ErrBindingReleased reports a run attempted with a released binding.
	ErrBindingReleased = errors.New("binding released")
	// ErrHookShape reports a hook that returned an activation of the wrong shape.
	ErrHookShape = errors.New("hook changed activation shape")
)

// HookFn receives the activation at a hook point and returns the activation
// the graph continues with. Returning the argument unchanged is a no-op.
type HookFn func(act *core.Tensor) (*core.Tensor, error)

// HookPoint is a hook point together with its activation layout.
type HookPoint struct {
	ID        string
	Layer     int
	Component string
	Width     int
	Positions int
}

// Options configures executor behaviour.
type Options struct {
	Workers     int // RunBatch parallelism, defaults to NumCPU
	Positions   int // sequence positions per example, defaults to 1
	EnableStats bool
	Logger      *zap.Logger
}

// ExecutionStats tracks runtime counters.
type ExecutionStats struct {
	TotalExecutions int64
	HookedRuns      int64
	HookCalls       map[string]int64
	AverageLatency  time.Duration
}

// DefaultOptions provides sensible runtime defaults.
func DefaultOptions() Options {
	return Options{
		Workers:   runtime.NumCPU(),
		Positions: 1,
	}
}

// Executor runs a host graph.
type Executor struct {
	graph  *model.Graph
	opts   Options
	points map[string]HookPoint
	log    *zap.Logger

	mu       sync.Mutex
	bindings map[uuid.UUID]*Binding
	stats    ExecutionStats
}

// NewExecutor validates graph and prepares an executor for it.
func NewExecutor(graph *model.Graph, opts *Options) (*Executor, error) {
	if graph == nil {
		return nil, errors.New("graph cannot be nil")
	}
	if err := graph.Validate(); err != nil {
		return nil, err
	}

	o := DefaultOptions()
	if opts != nil {
		o = *opts
		if o.Workers <= 0 {
			o.Workers = DefaultOptions().Workers
		}
		if o.Positions <= 0 {
			o.Positions = 1
		}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	e := &Executor{
		graph:    graph,
		opts:     o,
		points:   make(map[string]HookPoint),
		log:      o.Logger.Named("runtime"),
		bindings: make(map[uuid.UUID]*Binding),
		stats:    ExecutionStats{HookCalls: make(map[string]int64)},
	}
	for _, p := range graph.HookPoints() {
		e.points[p.ID] = HookPoint{
			ID:        p.ID,
			Layer:     p.Layer,
			Component: p.Component,
			Width:     p.Width,
			Positions: o.Positions,
		}
	}
	return e, nil
}

// Load reads a checkpoint and builds an executor for it.
func Load(path string, opts *Options) (*Executor, error) {
	g, err := model.Load(path)
	if err != nil {
		return nil, err
	}
	return NewExecutor(g, opts)
}

// Graph returns the executor's underlying graph.
func (e *Executor) Graph() *model.Graph {
	return e.graph
}

// Positions returns the number of sequence positions per example.
func (e *Executor) Positions() int {
	return e.opts.Positions
}

// Capabilities lists every hook point keyed by id.
func (e *Executor) Capabilities() map[string]HookPoint {
	out := make(map[string]HookPoint, len(e.points))
	for id, p := range e.points {
		out[id] = p
	}
	return out
}

// Binding is a hook table registered for one run.
type Binding struct {
	ID    uuid.UUID
	hooks map[string]HookFn
	owner *Executor
	once  sync.Once
}

// Release unregisters the binding. It is safe to call more than once.
func (b *Binding) Release() {
	if b == nil {
		return
	}
	b.once.Do(func() {
		b.owner.mu.Lock()
		delete(b.owner.bindings, b.ID)
		b.owner.mu.Unlock()
	})
}

// Bind registers hooks for a run. Every key must name an existing hook point.
func (e *Executor) Bind(hooks map[string]HookFn) (*Binding, error) {
	for id, fn := range hooks {
		if _, ok := e.points[id]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownHookPoint, id)
		}
		if fn == nil {
			return nil, fmt.Errorf("nil hook for %q", id)
		}
	}

	b := &Binding{ID: uuid.New(), hooks: make(map[string]HookFn, len(hooks)), owner: e}
	for id, fn := range hooks {
		b.hooks[id] = fn
	}

	e.mu.Lock()
	e.bindings[b.ID] = b
	e.mu.Unlock()

	e.log.Debug("hooks bound", zap.String("binding", b.ID.String()), zap.Int("hooks", len(hooks)))
	return b, nil
}

// ActiveBindings returns the number of bindings not yet released.
func (e *Executor) ActiveBindings() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.bindings)
}

// RunWithHooks binds hooks, runs input, and releases the binding.
func (e *Executor) RunWithHooks(ctx context.Context, input *core.Tensor, hooks map[string]HookFn) (*core.Tensor, error) {
	b, err := e.Bind(hooks)
	if err != nil {
		return nil, err
	}
	defer b.Release()
	return e.Run(ctx, input, b)
}

// Run executes the graph on input shaped [batch, positions, width]. A 2-D
// [batch, width] input is accepted when the executor has one position. A nil
// binding runs the graph unmodified.
func (e *Executor) Run(ctx context.Context, input *core.Tensor, b *Binding) (*core.Tensor, error) {
	start := time.Now()

	x, err := e.shapeInput(input)
	if err != nil {
		return nil, err
	}

	var hooks map[string]HookFn
	if b != nil {
		if b.owner != e {
			return nil, errors.New("binding belongs to another executor")
		}
		e.mu.Lock()
		_, live := e.bindings[b.ID]
		e.mu.Unlock()
		if !live {
			return nil, ErrBindingReleased
		}
		hooks = b.hooks
	}

	calls := make(map[string]int64)
	hook := func(layer int, component string, act *core.Tensor) (*core.Tensor, error) {
		id := model.PointID(layer, component)
		fn, ok := hooks[id]
		if !ok {
			return act, nil
		}
		calls[id]++
		out, err := fn(act)
		if err != nil {
			return nil, fmt.Errorf("hook %s: %w", id, err)
		}
		if out == nil || !out.SameShape(act) {
			return nil, fmt.Errorf("%w at %s", ErrHookShape, id)
		}
		return out, nil
	}

	for i := range e.graph.Layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		l := &e.graph.Layers[i]

		if x, err = hook(i, model.ComponentBlockInput, x); err != nil {
			return nil, err
		}
		h, err := affine(x, l)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		if h, err = hook(i, model.ComponentPreActivation, h); err != nil {
			return nil, err
		}
		a, err := core.Activate(h, l.Act)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		if x, err = hook(i, model.ComponentActivation, a); err != nil {
			return nil, err
		}
	}

	if e.graph.Head != nil {
		h, err := affine(x, e.graph.Head)
		if err != nil {
			return nil, fmt.Errorf("head: %w", err)
		}
		if x, err = core.Activate(h, e.graph.Head.Act); err != nil {
			return nil, fmt.Errorf("head: %w", err)
		}
	}

	if e.opts.EnableStats {
		e.updateStats(start, len(hooks) > 0, calls)
	}
	return x, nil
}

// RunBatch evaluates independent inputs with up to Options.Workers runs in
// flight. Results keep the order of inputs.
func (e *Executor) RunBatch(ctx context.Context, inputs []*core.Tensor) ([]*core.Tensor, error) {
	out := make([]*core.Tensor, len(inputs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i, in := range inputs {
		g.Go(func() error {
			res, err := e.Run(ctx, in, nil)
			if err != nil {
				return fmt.Errorf("input %d: %w", i, err)
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats returns a copy of the current execution statistics.
func (e *Executor) Stats() ExecutionStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := e.stats
	stats.HookCalls = make(map[string]int64, len(e.stats.HookCalls))
	for k, v := range e.stats.HookCalls {
		stats.HookCalls[k] = v
	}
	return stats
}

func (e *Executor) updateStats(start time.Time, hooked bool, calls map[string]int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := e.stats.TotalExecutions
	e.stats.AverageLatency = time.Duration((int64(e.stats.AverageLatency)*n + int64(time.Since(start))) / (n + 1))
	e.stats.TotalExecutions++
	if hooked {
		e.stats.HookedRuns++
	}
	for id, c := range calls {
		e.stats.HookCalls[id] += c
	}
}

func (e *Executor) shapeInput(input *core.Tensor) (*core.Tensor, error) {
	if input == nil {
		return nil, errors.New("input cannot be nil")
	}
	p, w := e.opts.Positions, e.graph.Input
	switch {
	case input.Dims() == 3 && input.Shape[1] == p && input.Shape[2] == w:
		return input, nil
	case input.Dims() == 2 && p == 1 && input.Shape[1] == w:
		return core.Reshape(input, input.Shape[0], 1, w)
	default:
		return nil, fmt.Errorf("%w: input %v, want [batch, %d, %d]", core.ErrShape, input.Shape, p, w)
	}
}

func affine(x *core.Tensor, l *model.Layer) (*core.Tensor, error) {
	h, err := core.MatMul(x, l.Weight)
	if err != nil {
		return nil, err
	}
	if l.Bias != nil {
		return core.AddBias(h, l.Bias)
	}
	return h, nil
}
