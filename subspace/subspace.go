// Package subspace partitions an activation's trailing dimension into ordered,
// disjoint index ranges and maps per-example index selections onto them.
package subspace

import (
	"errors"
	"fmt"
	"slices"

	"github.com/sbl8/splice/core"
)

var (
	// ErrOverlap reports two partition ranges sharing an index.
	ErrOverlap = errors.New("subspace ranges overlap")
	// ErrOutOfBounds reports a range or index outside the addressable dimension.
	ErrOutOfBounds = errors.New("subspace out of bounds")
	// ErrSpec reports a partition given both as sizes and as ranges, or malformed.
	ErrSpec = errors.New("invalid partition spec")
)

// Range is a half-open [Start, End) range of activation indices.
type Range = core.Span

// Spec declares a partition either as explicit [start, end) pairs or as
// consecutive sizes starting at index 0. An empty Spec is one subspace
// covering the whole dimension.
type Spec struct {
	Ranges [][]int
	Sizes  []int
}

// Empty reports whether no partition was declared.
func (s Spec) Empty() bool {
	return len(s.Ranges) == 0 && len(s.Sizes) == 0
}

// Equal reports whether two specs declare the same partition shape.
func (s Spec) Equal(o Spec) bool {
	if len(s.Ranges) != len(o.Ranges) || !slices.Equal(s.Sizes, o.Sizes) {
		return false
	}
	for i := range s.Ranges {
		if !slices.Equal(s.Ranges[i], o.Ranges[i]) {
			return false
		}
	}
	return true
}

// Partition resolves spec against dimension dim. Declared order is kept, so
// index i of the result is subspace i. The ranges cover at most dim indices;
// indices outside every range are never intervened on.
func Partition(dim int, spec Spec) ([]Range, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension %d", ErrOutOfBounds, dim)
	}
	if len(spec.Ranges) > 0 && len(spec.Sizes) > 0 {
		return nil, fmt.Errorf("%w: both ranges and sizes given", ErrSpec)
	}
	if spec.Empty() {
		return []Range{{Start: 0, End: dim}}, nil
	}

	var out []Range
	if len(spec.Sizes) > 0 {
		start := 0
		for i, n := range spec.Sizes {
			if n <= 0 {
				return nil, fmt.Errorf("%w: size %d at index %d", ErrSpec, n, i)
			}
			out = append(out, Range{Start: start, End: start + n})
			start += n
		}
	} else {
		for i, r := range spec.Ranges {
			if len(r) != 2 {
				return nil, fmt.Errorf("%w: range %d has %d bounds", ErrSpec, i, len(r))
			}
			if r[0] < 0 || r[1] <= r[0] {
				return nil, fmt.Errorf("%w: range %d is [%d,%d)", ErrSpec, i, r[0], r[1])
			}
			out = append(out, Range{Start: r[0], End: r[1]})
		}
	}

	for i, r := range out {
		if r.End > dim {
			return nil, fmt.Errorf("%w: range %d %v exceeds dimension %d", ErrOutOfBounds, i, r, dim)
		}
		for j := 0; j < i; j++ {
			if r.Overlaps(out[j]) {
				return nil, fmt.Errorf("%w: range %d %v and range %d %v", ErrOverlap, j, out[j], i, r)
			}
		}
	}
	return out, nil
}

// Coverage returns the number of indices covered by ranges.
func Coverage(ranges []Range) int {
	n := 0
	for _, r := range ranges {
		n += r.Len()
	}
	return n
}

// Extent returns the smallest dimension that holds every range.
func Extent(ranges []Range) int {
	n := 0
	for _, r := range ranges {
		n = max(n, r.End)
	}
	return n
}

// All returns the selection of every subspace index of ranges.
func All(ranges []Range) []int {
	idx := make([]int, len(ranges))
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// Select maps subspace indices onto their ranges, in the given order.
func Select(ranges []Range, indices []int) ([]Range, error) {
	out := make([]Range, 0, len(indices))
	for _, i := range indices {
		if i < 0 || i >= len(ranges) {
			return nil, fmt.Errorf("%w: subspace index %d of %d", ErrOutOfBounds, i, len(ranges))
		}
		out = append(out, ranges[i])
	}
	return out, nil
}

// Selection is the per-example list of subspace indices chosen for one
// attachment. A nil entry selects nothing for that example.
type Selection [][]int

// Spans maps each example's indices onto ranges.
func (s Selection) Spans(ranges []Range) ([][]Range, error) {
	out := make([][]Range, len(s))
	for e, idx := range s {
		spans, err := Select(ranges, idx)
		if err != nil {
			return nil, fmt.Errorf("example %d: %w", e, err)
		}
		out[e] = spans
	}
	return out, nil
}

// Uniform returns a selection of n examples each choosing indices.
func Uniform(n int, indices []int) Selection {
	s := make(Selection, n)
	for i := range s {
		s[i] = slices.Clone(indices)
	}
	return s
}
