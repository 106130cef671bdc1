package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sbl8/splice/core"
	"github.com/sbl8/splice/intervention"
	"github.com/sbl8/splice/runtime"
	"github.com/sbl8/splice/subspace"
)

// Host is the graph executor interventions attach to. *runtime.Executor
// satisfies it.
type Host interface {
	Capabilities() map[string]runtime.HookPoint
	Bind(hooks map[string]runtime.HookFn) (*runtime.Binding, error)
	Run(ctx context.Context, input *core.Tensor, b *runtime.Binding) (*core.Tensor, error)
}

// Attachment is an AttachmentSpec resolved against a host.
type Attachment struct {
	Index     int
	Spec      AttachmentSpec
	Point     runtime.HookPoint
	Kind      intervention.Kind
	Ranges    []subspace.Range // partition of the unit's space
	Positions []int            // default positions, len == unit count
	Slot      int              // link table slot of the attachment's unit
}

// UnitCount returns the number of positions intervened per example.
func (a *Attachment) UnitCount() int {
	return len(a.Positions)
}

// Resolve maps every attachment of cfg onto a host hook point and checks
// its partition, rank, and positions.
func Resolve(cfg *Config, caps map[string]runtime.HookPoint) ([]*Attachment, error) {
	out := make([]*Attachment, len(cfg.Attachments))
	for i := range cfg.Attachments {
		a, err := resolveOne(cfg, i, caps)
		if err != nil {
			return nil, err
		}
		out[i] = a
	}
	return out, nil
}

func resolveOne(cfg *Config, i int, caps map[string]runtime.HookPoint) (*Attachment, error) {
	spec := cfg.Attachments[i]
	point, ok := caps[spec.HookPoint()]
	if !ok {
		return nil, configError(i, "component", fmt.Errorf("%w: %q", runtime.ErrUnknownHookPoint, spec.HookPoint()))
	}

	kind, err := cfg.Kind(i)
	if err != nil {
		return nil, err
	}
	if err := kind.Validate(point.Width); err != nil {
		return nil, configError(i, "low_rank_dimension", err)
	}

	space := point.Width
	if kind.Tag == intervention.LowRankRotated {
		space = kind.Rank
	}
	ranges, err := subspace.Partition(space, spec.Partition())
	if err != nil {
		return nil, configError(i, "subspace_partition", err)
	}

	positions, err := resolvePositions(spec, point.Positions)
	if err != nil {
		return nil, configError(i, "positions", err)
	}

	return &Attachment{
		Index:     i,
		Spec:      spec,
		Point:     point,
		Kind:      kind,
		Ranges:    ranges,
		Positions: positions,
	}, nil
}

func resolvePositions(spec AttachmentSpec, available int) ([]int, error) {
	count := spec.UnitCount
	positions := spec.Positions
	switch {
	case len(positions) == 0:
		if count == 0 {
			count = 1
		}
		positions = make([]int, count)
		for p := range positions {
			positions[p] = p
		}
	case count != 0 && count != len(positions):
		return nil, fmt.Errorf("unit_count %d does not match %d positions", count, len(positions))
	}
	if err := checkPositions(positions, available); err != nil {
		return nil, err
	}
	return positions, nil
}

func checkPositions(positions []int, available int) error {
	seen := make(map[int]bool, len(positions))
	for _, p := range positions {
		if p < 0 || p >= available {
			return fmt.Errorf("position %d outside [0,%d)", p, available)
		}
		if seen[p] {
			return fmt.Errorf("position %d repeated", p)
		}
		seen[p] = true
	}
	return nil
}

// hookScope tracks every binding acquired during one composition call so all
// of them are released on every exit path.
type hookScope struct {
	host Host

	mu       sync.Mutex
	bindings []*runtime.Binding
	released bool
}

func newHookScope(host Host) *hookScope {
	return &hookScope{host: host}
}

func (s *hookScope) bind(hooks map[string]runtime.HookFn) (*runtime.Binding, error) {
	b, err := s.host.Bind(hooks)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		b.Release()
		return nil, errors.New("hook scope already released")
	}
	s.bindings = append(s.bindings, b)
	return b, nil
}

func (s *hookScope) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bindings {
		b.Release()
	}
	s.bindings = nil
	s.released = true
}
