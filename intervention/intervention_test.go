package intervention

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/splice/core"
)

func TestParseKind(t *testing.T) {
	t.Parallel()
	k, err := ParseKind("vanilla", 0)
	require.NoError(t, err)
	assert.Equal(t, Kind{Tag: Overwrite}, k)

	k, err = ParseKind("low_rank_rotated", 2)
	require.NoError(t, err)
	assert.Equal(t, Kind{Tag: LowRankRotated, Rank: 2}, k)
	assert.Equal(t, "low_rank_rotated(rank=2)", k.String())

	_, err = ParseKind("boundless", 0)
	assert.ErrorIs(t, err, ErrKind)
}

func TestKindValidate(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Kind{Tag: Overwrite}.Validate(3))
	assert.ErrorIs(t, Kind{Tag: Overwrite, Rank: 2}.Validate(3), ErrKind)
	assert.ErrorIs(t, Kind{Tag: LowRankRotated}.Validate(3), ErrKind)
	assert.ErrorIs(t, Kind{Tag: LowRankRotated, Rank: 4}.Validate(3), ErrKind)
	assert.NoError(t, Kind{Tag: LowRankRotated, Rank: 3}.Validate(3))
}

func TestOverwriteApply(t *testing.T) {
	t.Parallel()
	u := NewOverwrite(3)
	base := core.New([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	s1 := core.New([]float32{10, 20, 30, 40, 50, 60}, 2, 3)
	s2 := core.New([]float32{-1, -2, -3, -4, -5, -6}, 2, 3)
	spans := [][]core.Span{{{Start: 1, End: 3}}, {{Start: 0, End: 1}}}

	out, err := u.Apply(base, []*core.Tensor{s1}, spans)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 20, 30, 40, 5, 6}, out.Data)

	// the later source wins on every selected index
	out, err = u.Apply(base, []*core.Tensor{s1, s2}, spans)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, -2, -3, -4, 5, 6}, out.Data)

	out, err = u.Apply(base, []*core.Tensor{nil}, spans)
	require.NoError(t, err)
	assert.True(t, out.Equal(base))

	assert.Empty(t, u.Params())
	assert.Equal(t, 3, u.Space())
}

func TestOverwriteRejectsBadShapes(t *testing.T) {
	t.Parallel()
	u := NewOverwrite(3)
	_, err := u.Apply(core.Zeros(2, 3), []*core.Tensor{core.Zeros(1, 3)}, make([][]core.Span, 2))
	assert.ErrorIs(t, err, core.ErrShape)
	_, err = u.Apply(core.Zeros(2, 3), nil, make([][]core.Span, 1))
	assert.ErrorIs(t, err, core.ErrShape)
	_, err = u.Apply(core.Zeros(2, 4), nil, make([][]core.Span, 2))
	assert.ErrorIs(t, err, core.ErrShape)
}

func TestRotatedInitIsOrthonormal(t *testing.T) {
	t.Parallel()
	u := NewRotated(6, 3, rand.New(rand.NewSource(1)))
	assert.Less(t, u.Orthogonality(), 1e-5)
	assert.Equal(t, []int{6, 3}, u.Rotation().Shape)
	assert.True(t, u.Rotation().RequiresGrad())
}

func TestRotatedFullRankFullSelectionCopiesSource(t *testing.T) {
	t.Parallel()
	u := NewRotated(3, 3, rand.New(rand.NewSource(2)))
	base := core.New([]float32{1, 2, 3}, 1, 3)
	src := core.New([]float32{7, -1, 4}, 1, 3)

	out, err := u.Apply(base, []*core.Tensor{src}, [][]core.Span{{{Start: 0, End: 3}}})
	require.NoError(t, err)
	assert.True(t, out.AllClose(src, 1e-4, 1e-4), "got %v", out.Data)
}

func TestRotatedEmptySelectionKeepsBase(t *testing.T) {
	t.Parallel()
	u := NewRotated(4, 2, rand.New(rand.NewSource(3)))
	base := core.New([]float32{1, 2, 3, 4}, 1, 4)
	src := core.New([]float32{5, 6, 7, 8}, 1, 4)

	out, err := u.Apply(base, []*core.Tensor{src}, [][]core.Span{nil})
	require.NoError(t, err)
	assert.True(t, out.AllClose(base, 0, 1e-5))
}

func TestRotatedLeavesOrthogonalComplement(t *testing.T) {
	t.Parallel()
	u := NewRotated(4, 2, rand.New(rand.NewSource(4)))
	base := core.New([]float32{1, -2, 0.5, 3}, 1, 4)
	src := core.New([]float32{0, 4, -1, 2}, 1, 4)

	out, err := u.Apply(base, []*core.Tensor{src}, [][]core.Span{{{Start: 0, End: 1}}})
	require.NoError(t, err)

	// rotated coordinate 0 now matches the source; coordinate 1 keeps the base
	ro, err := core.MatMul(out, u.Rotation())
	require.NoError(t, err)
	rs, err := core.MatMul(src, u.Rotation())
	require.NoError(t, err)
	rb, err := core.MatMul(base, u.Rotation())
	require.NoError(t, err)
	assert.InDelta(t, rs.Data[0], ro.Data[0], 1e-4)
	assert.InDelta(t, rb.Data[1], ro.Data[1], 1e-4)
}

func TestRotatedGradientReachesProjection(t *testing.T) {
	t.Parallel()
	u := NewRotated(3, 2, rand.New(rand.NewSource(5)))
	base := core.Param([]float32{1, 2, 3}, 1, 3)
	src := core.New([]float32{3, 1, 2}, 1, 3)

	out, err := u.Apply(base, []*core.Tensor{src}, [][]core.Span{{{Start: 0, End: 2}}})
	require.NoError(t, err)
	require.NoError(t, core.Sum(out).Backward())

	nonzero := false
	for _, g := range u.Rotation().Grad {
		if g != 0 {
			nonzero = true
		}
	}
	assert.True(t, nonzero, "projection received no gradient")
}

func TestRotatedRejectsRangeBeyondRank(t *testing.T) {
	t.Parallel()
	u := NewRotated(3, 2, rand.New(rand.NewSource(6)))
	_, err := u.Apply(core.Zeros(1, 3), []*core.Tensor{core.Zeros(1, 3)}, [][]core.Span{{{Start: 1, End: 3}}})
	assert.ErrorIs(t, err, core.ErrShape)
}

func TestParamsRoundTrip(t *testing.T) {
	t.Parallel()
	src := NewRotated(4, 2, rand.New(rand.NewSource(7)))
	var buf bytes.Buffer
	require.NoError(t, WriteParams(&buf, src))

	dst := NewRotated(4, 2, rand.New(rand.NewSource(8)))
	require.False(t, dst.Rotation().Equal(src.Rotation()))
	require.NoError(t, ReadParams(bytes.NewReader(buf.Bytes()), dst))
	assert.True(t, dst.Rotation().Equal(src.Rotation()))

	other := NewRotated(4, 3, rand.New(rand.NewSource(9)))
	assert.ErrorIs(t, ReadParams(bytes.NewReader(buf.Bytes()), other), ErrKind)
}

func TestNew(t *testing.T) {
	t.Parallel()
	u, err := New(Kind{Tag: LowRankRotated, Rank: 2}, 3, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Equal(t, 2, u.Space())

	u, err = New(Kind{Tag: Overwrite}, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, u.Space())

	_, err = New(Kind{Tag: LowRankRotated, Rank: 5}, 3, nil)
	assert.ErrorIs(t, err, ErrKind)
}
