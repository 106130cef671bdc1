// Package engine composes interventions over a host graph.
//
// Build resolves an ordered Config against a Host, allocates intervention
// units through a LinkRegistry, and returns a Model. Model.Run executes every
// referenced source input once (in parallel), captures the activations the
// attachments read, then executes the base input with hooks that apply the
// attachments at each hook point strictly in declaration order. Each
// attachment reads the current, possibly already rewritten, value, so on
// indices selected more than once the last declared attachment wins.
//
// All hook bindings acquired during a call are released before Run returns,
// on success and on every error path.
package engine

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sbl8/splice/core"
	"github.com/sbl8/splice/intervention"
	"github.com/sbl8/splice/runtime"
	"github.com/sbl8/splice/subspace"
)

// Options configures a Model.
type Options struct {
	Logger  *zap.Logger
	Workers int // concurrent source runs, 0 means one per source
}

// Model is a host graph with resolved attachments and their units.
type Model struct {
	cfg         *Config
	host        Host
	attachments []*Attachment
	links       *LinkRegistry
	byPoint     map[string][]int // hook point -> attachments in declared order
	points      []string         // hook points in first-declared order
	workers     int
	log         *zap.Logger
}

// Build validates cfg against host and allocates the intervention units.
func Build(cfg *Config, host Host, opts *Options) (*Model, error) {
	if cfg == nil || host == nil {
		return nil, fmt.Errorf("%w: config and host are required", ErrConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	attachments, err := Resolve(cfg, host.Capabilities())
	if err != nil {
		return nil, err
	}
	links, err := NewLinkRegistry(attachments, rand.New(rand.NewSource(cfg.Seed)))
	if err != nil {
		return nil, err
	}

	m := &Model{
		cfg:         cfg,
		host:        host,
		attachments: attachments,
		links:       links,
		byPoint:     make(map[string][]int),
		log:         zap.NewNop(),
	}
	if opts != nil {
		if opts.Logger != nil {
			m.log = opts.Logger
		}
		m.workers = opts.Workers
	}
	m.log = m.log.Named("engine")

	for _, a := range attachments {
		id := a.Point.ID
		if _, ok := m.byPoint[id]; !ok {
			m.points = append(m.points, id)
		}
		m.byPoint[id] = append(m.byPoint[id], a.Index)
	}

	m.log.Debug("model built",
		zap.Int("attachments", len(attachments)),
		zap.Int("units", len(links.Units())),
		zap.Strings("links", links.Keys()),
		zap.Bool("training", cfg.Training))
	return m, nil
}

// SourceBinding selects the source feeding one attachment for a call and,
// optionally, the positions read from the source and written in the base per
// example. Nil position lists use the attachment's declared positions.
type SourceBinding struct {
	Source          int
	SourcePositions [][]int
	BasePositions   [][]int
}

// Request is one composition call. Sources, SourceMap, and Subspaces are
// aligned with the declared attachments. Leaving all three nil runs the host
// graph without intervention.
//
// A nil SourceMap feeds attachment i from Sources[i]; a nil SourceMap entry,
// or a nil source it points at, makes that attachment a pass-through for the
// call. A nil Subspaces list or entry selects every subspace of the partition.
type Request struct {
	Base          *core.Tensor
	Sources       []*core.Tensor
	SourceMap     []*SourceBinding
	Subspaces     []subspace.Selection
	Retain        []string // hook points whose final base value is returned
	ReturnSources bool
}

// Result holds the outputs of one composition call.
type Result struct {
	RunID         uuid.UUID
	Output        *core.Tensor
	SourceOutputs []*core.Tensor // aligned with Request.Sources, nil when skipped
	Activations   map[string]*core.Tensor
}

// plan is a validated request: per attachment, the source index (or -1),
// the rows read from the source and written in the base, and the spans.
type plan struct {
	batch   int
	source  []int
	srcRows [][]int
	dstRows [][]int
	spans   [][][]core.Span
	// captures lists, per source, the hook points its run must capture.
	captures map[int][]string
}

// Config returns the model configuration.
func (m *Model) Config() *Config {
	return m.cfg
}

// Attachments returns the resolved attachments in declared order.
func (m *Model) Attachments() []*Attachment {
	return m.attachments
}

// Unit returns the unit applied by attachment i.
func (m *Model) Unit(i int) intervention.Unit {
	return m.links.Unit(i)
}

// Units returns the unit of every link table slot.
func (m *Model) Units() []intervention.Unit {
	return m.links.Units()
}

// LinkGroups returns, per link key, the attachments sharing one unit.
func (m *Model) LinkGroups() map[string][]int {
	return m.links.Groups()
}

// Params returns the trainable parameters of every unit, once per slot.
func (m *Model) Params() []*core.Tensor {
	var ps []*core.Tensor
	for _, u := range m.links.Units() {
		ps = append(ps, u.Params()...)
	}
	return ps
}

// ZeroGrad clears accumulated unit gradients.
func (m *Model) ZeroGrad() {
	core.ZeroGrad(m.Params()...)
}

// SaveParams writes the parameters of every slot in table order.
func (m *Model) SaveParams(w io.Writer) error {
	for slot, u := range m.links.Units() {
		if err := intervention.WriteParams(w, u); err != nil {
			return fmt.Errorf("unit %d: %w", slot, err)
		}
	}
	return nil
}

// LoadParams restores parameters written by SaveParams for the same config.
func (m *Model) LoadParams(r io.Reader) error {
	for slot, u := range m.links.Units() {
		if err := intervention.ReadParams(r, u); err != nil {
			return fmt.Errorf("unit %d: %w", slot, err)
		}
	}
	return nil
}

// Run performs one composition call.
func (m *Model) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res := &Result{RunID: uuid.New(), Activations: make(map[string]*core.Tensor)}
	log := m.log.With(zap.String("run", res.RunID.String()))

	if req.Base == nil || req.Base.Dims() < 2 {
		return nil, &ArityError{Argument: "base", Attachment: -1, Reason: "base input must be [batch, ...]"}
	}
	p, err := m.plan(req)
	if err != nil {
		return nil, err
	}
	caps := m.host.Capabilities()
	for _, id := range req.Retain {
		if _, ok := caps[id]; !ok {
			return nil, fmt.Errorf("retain: %w: %q", runtime.ErrUnknownHookPoint, id)
		}
	}

	scope := newHookScope(m.host)
	defer scope.release()

	sources := 0
	if p != nil {
		sources = len(p.captures)
	}
	log.Debug("composition started",
		zap.Int("attachments", len(m.attachments)),
		zap.Int("sources", sources))

	captured, err := m.runSources(ctx, scope, req, p, res)
	if err != nil {
		return nil, err
	}

	hooks := make(map[string]runtime.HookFn)
	if p != nil {
		for _, id := range m.points {
			hooks[id] = m.pointHook(id, p, captured, log)
		}
	}
	for _, id := range req.Retain {
		next := hooks[id]
		hooks[id] = func(act *core.Tensor) (*core.Tensor, error) {
			out := act
			if next != nil {
				var err error
				if out, err = next(act); err != nil {
					return nil, err
				}
			}
			res.Activations[id] = out
			return out, nil
		}
	}

	b, err := scope.bind(hooks)
	if err != nil {
		return nil, err
	}
	out, err := m.host.Run(ctx, req.Base, b)
	if err != nil {
		return nil, fmt.Errorf("base run: %w", err)
	}
	res.Output = out

	if !m.cfg.Training {
		res.Output = res.Output.Detach()
		for i, o := range res.SourceOutputs {
			if o != nil {
				res.SourceOutputs[i] = o.Detach()
			}
		}
		for id, a := range res.Activations {
			res.Activations[id] = a.Detach()
		}
	}

	log.Debug("composition finished", zap.Duration("duration", time.Since(start)))
	return res, nil
}

// plan validates the per-call arguments before any graph execution. It
// returns nil for a plain pass-through call.
func (m *Model) plan(req Request) (*plan, error) {
	if req.Sources == nil && req.SourceMap == nil && req.Subspaces == nil {
		return nil, nil
	}

	n := len(m.attachments)
	if len(req.Sources) != n {
		return nil, &ArityError{Argument: "sources", Attachment: -1, Got: len(req.Sources), Want: n}
	}
	if req.SourceMap != nil && len(req.SourceMap) != n {
		return nil, &ArityError{Argument: "source_map", Attachment: -1, Got: len(req.SourceMap), Want: n}
	}
	if req.Subspaces != nil && len(req.Subspaces) != n {
		return nil, &ArityError{Argument: "subspaces", Attachment: -1, Got: len(req.Subspaces), Want: n}
	}

	batch := req.Base.Shape[0]
	for i, s := range req.Sources {
		if s != nil && (s.Dims() == 0 || s.Shape[0] != batch) {
			return nil, &ArityError{Argument: "sources", Attachment: i, Reason: fmt.Sprintf("batch %v does not match base batch %d", s.Shape, batch)}
		}
	}

	p := &plan{
		batch:    batch,
		source:   make([]int, n),
		srcRows:  make([][]int, n),
		dstRows:  make([][]int, n),
		spans:    make([][][]core.Span, n),
		captures: make(map[int][]string),
	}
	for i, a := range m.attachments {
		bind := &SourceBinding{Source: i}
		if req.SourceMap != nil {
			bind = req.SourceMap[i]
		}
		if bind == nil {
			p.source[i] = -1
			continue
		}
		if bind.Source < 0 || bind.Source >= n {
			return nil, &ArityError{Argument: "source_map", Attachment: i, Reason: fmt.Sprintf("source %d out of range [0,%d)", bind.Source, n)}
		}
		if req.Sources[bind.Source] == nil {
			p.source[i] = -1
			continue
		}
		p.source[i] = bind.Source
		if !slices.Contains(p.captures[bind.Source], a.Point.ID) {
			p.captures[bind.Source] = append(p.captures[bind.Source], a.Point.ID)
		}

		var err error
		if p.srcRows[i], err = rows(a, bind.SourcePositions, batch, "source_positions", i); err != nil {
			return nil, err
		}
		if p.dstRows[i], err = rows(a, bind.BasePositions, batch, "base_positions", i); err != nil {
			return nil, err
		}

		var sel subspace.Selection
		if req.Subspaces != nil {
			sel = req.Subspaces[i]
		}
		if sel == nil {
			sel = subspace.Uniform(batch, subspace.All(a.Ranges))
		}
		if len(sel) != batch {
			return nil, &ArityError{Argument: "subspaces", Attachment: i, Got: len(sel), Want: batch}
		}
		perExample, err := sel.Spans(a.Ranges)
		if err != nil {
			return nil, &ArityError{Argument: "subspaces", Attachment: i, Reason: err.Error()}
		}
		units := a.UnitCount()
		spans := make([][]core.Span, 0, batch*units)
		for e := 0; e < batch; e++ {
			for u := 0; u < units; u++ {
				spans = append(spans, perExample[e])
			}
		}
		p.spans[i] = spans
	}

	if req.ReturnSources {
		for src, s := range req.Sources {
			if _, ok := p.captures[src]; s != nil && !ok {
				p.captures[src] = nil
			}
		}
	}
	return p, nil
}

// rows flattens per-example positions into activation row indices
// example*positions + position.
func rows(a *Attachment, perExample [][]int, batch int, arg string, i int) ([]int, error) {
	if perExample != nil && len(perExample) != batch {
		return nil, &ArityError{Argument: arg, Attachment: i, Got: len(perExample), Want: batch}
	}
	avail := a.Point.Positions
	out := make([]int, 0, batch*a.UnitCount())
	for e := 0; e < batch; e++ {
		positions := a.Positions
		if perExample != nil {
			positions = perExample[e]
		}
		if len(positions) != a.UnitCount() {
			return nil, &ArityError{Argument: arg, Attachment: i, Reason: fmt.Sprintf("example %d has %d positions, unit count is %d", e, len(positions), a.UnitCount())}
		}
		if err := checkPositions(positions, avail); err != nil {
			return nil, &ArityError{Argument: arg, Attachment: i, Reason: fmt.Sprintf("example %d: %v", e, err)}
		}
		for _, pos := range positions {
			out = append(out, e*avail+pos)
		}
	}
	return out, nil
}

// runSources executes every referenced source once, concurrently, and returns
// the captured activations keyed by source index and hook point.
func (m *Model) runSources(ctx context.Context, scope *hookScope, req Request, p *plan, res *Result) (map[int]map[string]*core.Tensor, error) {
	if req.ReturnSources {
		res.SourceOutputs = make([]*core.Tensor, len(req.Sources))
	}
	if p == nil || len(p.captures) == 0 {
		return nil, nil
	}

	captured := make(map[int]map[string]*core.Tensor, len(p.captures))
	bindings := make(map[int]*runtime.Binding, len(p.captures))
	for src, points := range p.captures {
		acts := make(map[string]*core.Tensor, len(points))
		hooks := make(map[string]runtime.HookFn, len(points))
		for _, id := range points {
			hooks[id] = func(act *core.Tensor) (*core.Tensor, error) {
				acts[id] = act
				return act, nil
			}
		}
		b, err := scope.bind(hooks)
		if err != nil {
			return nil, err
		}
		captured[src] = acts
		bindings[src] = b
	}

	g, gctx := errgroup.WithContext(ctx)
	if m.workers > 0 {
		g.SetLimit(m.workers)
	}
	for src, b := range bindings {
		g.Go(func() error {
			out, err := m.host.Run(gctx, req.Sources[src], b)
			if err != nil {
				return fmt.Errorf("source %d run: %w", src, err)
			}
			if req.ReturnSources {
				res.SourceOutputs[src] = out
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return captured, nil
}

// pointHook returns the base-run hook applying, in declared order, every
// attachment at hook point id.
func (m *Model) pointHook(id string, p *plan, captured map[int]map[string]*core.Tensor, log *zap.Logger) runtime.HookFn {
	return func(act *core.Tensor) (*core.Tensor, error) {
		cur := act
		conflicts := newConflictTracker()
		for _, i := range m.byPoint[id] {
			src := p.source[i]
			if src < 0 {
				continue
			}
			a := m.attachments[i]
			srcAct, ok := captured[src][id]
			if !ok {
				return nil, fmt.Errorf("attachment %d: source %d captured nothing at %s", i, src, id)
			}

			base, err := core.GatherRows(cur, p.dstRows[i])
			if err != nil {
				return nil, fmt.Errorf("attachment %d: %w", i, err)
			}
			from, err := core.GatherRows(srcAct, p.srcRows[i])
			if err != nil {
				return nil, fmt.Errorf("attachment %d: %w", i, err)
			}
			replaced, err := m.links.Unit(i).Apply(base, []*core.Tensor{from}, p.spans[i])
			if err != nil {
				return nil, fmt.Errorf("attachment %d: %w", i, err)
			}
			if cur, err = core.ScatterRows(cur, p.dstRows[i], replaced); err != nil {
				return nil, fmt.Errorf("attachment %d: %w", i, err)
			}

			if a.Kind.Tag == intervention.LowRankRotated {
				conflicts.record(a, p.dstRows[i], p.spans[i])
			}
		}

		if gerr := conflicts.err(id); gerr != nil {
			log.Warn("unlinked rotated attachments overlap, gradient disabled",
				zap.String("hook_point", id),
				zap.Ints("attachments", gerr.Attachments),
				zap.Int("coordinate", gerr.Index))
			cur = core.Guard(cur, gerr)
		}
		return cur, nil
	}
}

// conflictTracker records which unit slot last wrote each rotated coordinate
// of each activation row at one hook point.
type conflictTracker struct {
	writers map[[2]int]writer // {row, rotated coordinate}
	found   *GradientError
}

type writer struct {
	slot       int
	attachment int
}

func newConflictTracker() *conflictTracker {
	return &conflictTracker{writers: make(map[[2]int]writer)}
}

func (c *conflictTracker) record(a *Attachment, rows []int, spans [][]core.Span) {
	for r, row := range rows {
		for _, s := range spans[r] {
			for coord := s.Start; coord < s.End; coord++ {
				key := [2]int{row, coord}
				prev, ok := c.writers[key]
				if ok && prev.slot != a.Slot && c.found == nil {
					c.found = &GradientError{Attachments: []int{prev.attachment, a.Index}, Index: coord}
				}
				c.writers[key] = writer{slot: a.Slot, attachment: a.Index}
			}
		}
	}
}

func (c *conflictTracker) err(point string) *GradientError {
	if c.found == nil {
		return nil
	}
	c.found.HookPoint = point
	return c.found
}
