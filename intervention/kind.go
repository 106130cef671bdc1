// Package intervention implements the units that rewrite an activation slice
// from one or more source slices.
//
// Every unit is a pure function of its inputs and current parameters: Apply
// records its computation on the core autograd tape and never mutates base,
// sources, or parameters. Units differ in the space their subspaces live in:
//
//   - Overwrite copies selected index ranges of the raw activation from the
//     source into the base. It has no parameters.
//   - LowRankRotated projects base and sources through a trainable
//     [dim, rank] matrix with orthonormal columns, overwrites the selected
//     ranges of the rank-dimensional rotated space, and maps the difference
//     back, leaving the component of base outside the projection untouched.
//
// With several sources, each is applied in order on top of the previous
// result, so the last source wins on indices selected more than once.
package intervention

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"github.com/sbl8/splice/core"
)

// Tag enumerates the closed set of unit kinds.
type Tag uint8

const (
	Overwrite Tag = iota
	LowRankRotated
)

// ErrKind reports an unknown or malformed unit kind.
var ErrKind = errors.New("invalid intervention kind")

// Kind identifies a unit variant and its rank.
type Kind struct {
	Tag  Tag
	Rank int // rotated space width, LowRankRotated only
}

func (k Kind) String() string {
	switch k.Tag {
	case Overwrite:
		return "overwrite"
	case LowRankRotated:
		return fmt.Sprintf("low_rank_rotated(rank=%d)", k.Rank)
	default:
		return fmt.Sprintf("kind(%d)", k.Tag)
	}
}

// Validate checks the kind against an activation width.
func (k Kind) Validate(dim int) error {
	switch k.Tag {
	case Overwrite:
		if k.Rank != 0 {
			return fmt.Errorf("%w: overwrite takes no rank, got %d", ErrKind, k.Rank)
		}
	case LowRankRotated:
		if k.Rank <= 0 {
			return fmt.Errorf("%w: low-rank rotation needs a positive rank", ErrKind)
		}
		if k.Rank > dim {
			return fmt.Errorf("%w: rank %d exceeds activation width %d", ErrKind, k.Rank, dim)
		}
	default:
		return fmt.Errorf("%w: tag %d", ErrKind, k.Tag)
	}
	return nil
}

// ParseKind resolves a unit name as written in configuration.
func ParseKind(name string, rank int) (Kind, error) {
	switch strings.ToLower(name) {
	case "", "overwrite", "vanilla":
		return Kind{Tag: Overwrite, Rank: rank}, nil
	case "low_rank_rotated", "rotated", "low_rank_rotated_space":
		return Kind{Tag: LowRankRotated, Rank: rank}, nil
	default:
		return Kind{}, fmt.Errorf("%w: %q", ErrKind, name)
	}
}

// Unit rewrites activation rows.
type Unit interface {
	// Kind returns the unit variant.
	Kind() Kind
	// Space returns the width of the space subspace ranges index into.
	Space() int
	// Apply returns base with the selected ranges of each row replaced from
	// the sources. base and every non-nil source are [rows, dim]; spans holds
	// one list of ranges per row. Nil sources are skipped.
	Apply(base *core.Tensor, sources []*core.Tensor, spans [][]core.Span) (*core.Tensor, error)
	// Params returns the trainable tensors of the unit.
	Params() []*core.Tensor
}

// New builds a unit of kind for activations of width dim. rng seeds trainable
// parameters.
func New(kind Kind, dim int, rng *rand.Rand) (Unit, error) {
	if err := kind.Validate(dim); err != nil {
		return nil, err
	}
	switch kind.Tag {
	case LowRankRotated:
		return NewRotated(dim, kind.Rank, rng), nil
	default:
		return NewOverwrite(dim), nil
	}
}

func checkInputs(dim int, base *core.Tensor, sources []*core.Tensor, spans [][]core.Span) error {
	if base.Cols() != dim {
		return fmt.Errorf("%w: base width %d, unit width %d", core.ErrShape, base.Cols(), dim)
	}
	if len(spans) != base.Rows() {
		return fmt.Errorf("%w: %d span lists for %d rows", core.ErrShape, len(spans), base.Rows())
	}
	for i, s := range sources {
		if s != nil && !s.SameShape(base) {
			return fmt.Errorf("%w: source %d is %v, base is %v", core.ErrShape, i, s.Shape, base.Shape)
		}
	}
	return nil
}
