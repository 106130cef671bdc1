package intervention

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/sbl8/splice/core"
	"github.com/sbl8/splice/kernels"
)

// RotatedUnit overwrites subspaces of a learned low-rank rotated space.
type RotatedUnit struct {
	dim, rank int
	rotation  *core.Tensor // [dim, rank]
}

// NewRotated returns a rotated unit whose projection starts with orthonormal
// columns drawn from rng.
func NewRotated(dim, rank int, rng *rand.Rand) *RotatedUnit {
	return &RotatedUnit{
		dim:      dim,
		rank:     rank,
		rotation: core.Param(orthonormal(rng, dim, rank), dim, rank),
	}
}

func (u *RotatedUnit) Kind() Kind { return Kind{Tag: LowRankRotated, Rank: u.rank} }
func (u *RotatedUnit) Space() int { return u.rank }

// Params returns the projection matrix.
func (u *RotatedUnit) Params() []*core.Tensor { return []*core.Tensor{u.rotation} }

// Rotation returns the [dim, rank] projection.
func (u *RotatedUnit) Rotation() *core.Tensor { return u.rotation }

// Apply computes base + (mix - base·R)·Rᵀ where mix is base·R with the
// selected rotated ranges taken from each source·R in turn.
func (u *RotatedUnit) Apply(base *core.Tensor, sources []*core.Tensor, spans [][]core.Span) (*core.Tensor, error) {
	if err := checkInputs(u.dim, base, sources, spans); err != nil {
		return nil, err
	}
	for r, list := range spans {
		for _, s := range list {
			if s.End > u.rank {
				return nil, fmt.Errorf("%w: row %d range %v outside rank %d", core.ErrShape, r, s, u.rank)
			}
		}
	}

	rotatedBase, err := core.MatMul(base, u.rotation)
	if err != nil {
		return nil, err
	}
	mixed := rotatedBase
	applied := false
	for _, src := range sources {
		if src == nil {
			continue
		}
		rotatedSrc, err := core.MatMul(src, u.rotation)
		if err != nil {
			return nil, err
		}
		if mixed, err = core.Splice(mixed, rotatedSrc, spans); err != nil {
			return nil, err
		}
		applied = true
	}
	if !applied {
		return base, nil
	}

	delta, err := core.Sub(mixed, rotatedBase)
	if err != nil {
		return nil, err
	}
	back, err := core.Transpose(u.rotation)
	if err != nil {
		return nil, err
	}
	correction, err := core.MatMul(delta, back)
	if err != nil {
		return nil, err
	}
	return core.Add(base, correction)
}

// orthonormal returns a row-major [dim, rank] matrix with orthonormal columns,
// built by Gram-Schmidt over Gaussian draws.
func orthonormal(rng *rand.Rand, dim, rank int) []float32 {
	cols := make([][]float64, 0, rank)
	for len(cols) < rank {
		v := make([]float64, dim)
		for i := range v {
			v[i] = rng.NormFloat64()
		}
		for _, c := range cols {
			var dot float64
			for i := range v {
				dot += v[i] * c[i]
			}
			for i := range v {
				v[i] -= dot * c[i]
			}
		}
		var norm float64
		for _, x := range v {
			norm += x * x
		}
		norm = math.Sqrt(norm)
		if norm < 1e-6 {
			continue
		}
		for i := range v {
			v[i] /= norm
		}
		cols = append(cols, v)
	}

	out := make([]float32, dim*rank)
	for j, c := range cols {
		for i, x := range c {
			out[i*rank+j] = float32(x)
		}
	}
	return out
}

// Orthogonality returns max |RᵀR - I| for the unit's projection.
func (u *RotatedUnit) Orthogonality() float64 {
	r := u.rotation.Data
	gram := kernels.MatMul(kernels.Transpose(r, u.dim, u.rank), u.rank, u.dim, r, u.rank)
	var worst float64
	for i := 0; i < u.rank; i++ {
		for j := 0; j < u.rank; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			worst = math.Max(worst, math.Abs(float64(gram[i*u.rank+j])-want))
		}
	}
	return worst
}
