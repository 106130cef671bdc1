package core

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPanicsOnShapeMismatch(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { New([]float32{1, 2, 3}, 2, 2) })
	assert.NotPanics(t, func() { New([]float32{1, 2, 3, 4}, 2, 2) })
}

func TestRowsAndCols(t *testing.T) {
	t.Parallel()
	x := Zeros(10, 1, 3)
	assert.Equal(t, 10, x.Rows())
	assert.Equal(t, 3, x.Cols())
	assert.Len(t, x.Row(9), 3)
}

func TestAlignedFloats(t *testing.T) {
	t.Parallel()
	buf := AlignedFloats(17)
	require.Len(t, buf, 17)
	assert.True(t, IsAligned(uintptr(unsafe.Pointer(&buf[0]))))
	assert.Equal(t, uintptr(128), AlignedSize(65))
}

func TestMatMulGradient(t *testing.T) {
	t.Parallel()
	a := New([]float32{1, 2}, 1, 2)
	w := Param([]float32{1, 2, 3, 4, 5, 6}, 2, 3)

	out, err := MatMul(a, w)
	require.NoError(t, err)
	assert.Equal(t, []float32{9, 12, 15}, out.Data)

	require.NoError(t, Sum(out).Backward())
	assert.Equal(t, []float32{1, 1, 1, 2, 2, 2}, w.Grad)
}

func TestMatMulInputGradient(t *testing.T) {
	t.Parallel()
	a := Param([]float32{1, 2}, 1, 2)
	w := New([]float32{1, 2, 3, 4, 5, 6}, 2, 3)

	out, err := MatMul(a, w)
	require.NoError(t, err)
	require.NoError(t, Sum(out).Backward())
	// dA = ones(1x3) @ W^T
	assert.Equal(t, []float32{6, 15}, a.Grad)
}

func TestMatMulShapeError(t *testing.T) {
	t.Parallel()
	_, err := MatMul(Zeros(2, 3), Zeros(2, 2))
	assert.ErrorIs(t, err, ErrShape)
}

func TestSpliceForwardAndBackward(t *testing.T) {
	t.Parallel()
	base := Param([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	src := Param([]float32{7, 8, 9, 10, 11, 12}, 2, 3)

	out, err := Splice(base, src, [][]Span{{{Start: 1, End: 3}}, nil})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 8, 9, 4, 5, 6}, out.Data)
	// inputs are never mutated
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, base.Data)

	require.NoError(t, Sum(out).Backward())
	assert.Equal(t, []float32{1, 0, 0, 1, 1, 1}, base.Grad)
	assert.Equal(t, []float32{0, 1, 1, 0, 0, 0}, src.Grad)
}

func TestSpliceRejectsOutOfRangeSpan(t *testing.T) {
	t.Parallel()
	_, err := Splice(Zeros(1, 3), Zeros(1, 3), [][]Span{{{Start: 2, End: 4}}})
	assert.ErrorIs(t, err, ErrShape)
}

func TestGatherScatterRoundTrip(t *testing.T) {
	t.Parallel()
	base := Param([]float32{1, 1, 2, 2, 3, 3}, 3, 2)

	rows, err := GatherRows(base, []int{2, 0})
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 3, 1, 1}, rows.Data)

	repl := Param([]float32{9, 9, 8, 8}, 2, 2)
	out, err := ScatterRows(base, []int{2, 0}, repl)
	require.NoError(t, err)
	assert.Equal(t, []float32{8, 8, 2, 2, 9, 9}, out.Data)

	require.NoError(t, Sum(out).Backward())
	assert.Equal(t, []float32{0, 0, 1, 1, 0, 0}, base.Grad)
	assert.Equal(t, []float32{1, 1, 1, 1}, repl.Grad)

	_, err = ScatterRows(base, []int{1, 1}, repl)
	assert.ErrorIs(t, err, ErrShape)
}

func TestActivateAndBias(t *testing.T) {
	t.Parallel()
	x := Param([]float32{-1, 2}, 1, 2)
	b := Param([]float32{0.5, 0.5}, 2)

	h, err := AddBias(x, b)
	require.NoError(t, err)
	y, err := Activate(h, 0x03) // relu
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 2.5}, y.Data)

	require.NoError(t, Sum(y).Backward())
	assert.Equal(t, []float32{0, 1}, x.Grad)
	assert.Equal(t, []float32{0, 1}, b.Grad)
}

func TestSubAndTranspose(t *testing.T) {
	t.Parallel()
	w := Param([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	wt, err := Transpose(w)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, wt.Shape)

	d, err := Sub(wt, New([]float32{1, 1, 1, 1, 1, 1}, 3, 2))
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 3, 1, 4, 2, 5}, d.Data)

	require.NoError(t, Sum(d).Backward())
	assert.Equal(t, []float32{1, 1, 1, 1, 1, 1}, w.Grad)
}

func TestGuardBlocksBackward(t *testing.T) {
	t.Parallel()
	w := Param([]float32{1, 2}, 2, 1)
	x := New([]float32{3, 4}, 1, 2)

	h, err := MatMul(x, w)
	require.NoError(t, err)

	conflict := errors.New("conflicting writes")
	guarded := Guard(h, conflict)
	assert.Equal(t, h.Data, guarded.Data, "guard keeps the forward value")
	assert.ErrorIs(t, guarded.Fault(), conflict)

	err = Sum(guarded).Backward()
	assert.ErrorIs(t, err, conflict)
	assert.Equal(t, []float32{0, 0}, w.Grad, "no gradient accumulates past a guard")
}

func TestBackwardWithoutGraph(t *testing.T) {
	t.Parallel()
	assert.ErrorIs(t, Sum(New([]float32{1, 2}, 2)).Backward(), ErrNoGradient)
	assert.ErrorIs(t, Param([]float32{1, 2}, 2).Backward(), ErrShape)
}

func TestBackwardAccumulatesAcrossPasses(t *testing.T) {
	t.Parallel()
	w := Param([]float32{2}, 1, 1)
	x := New([]float32{3}, 1, 1)

	for i := 0; i < 2; i++ {
		out, err := MatMul(x, w)
		require.NoError(t, err)
		require.NoError(t, Sum(out).Backward())
	}
	assert.Equal(t, []float32{6}, w.Grad)

	ZeroGrad(w)
	assert.Equal(t, []float32{0}, w.Grad)
}

func TestTensorSerialization(t *testing.T) {
	t.Parallel()
	orig := New([]float32{1.5, -2, 3.25, 0, 7, 8}, 2, 1, 3)

	var buf bytes.Buffer
	require.NoError(t, WriteTensor(&buf, orig))

	got, err := ReadTensor(&buf)
	require.NoError(t, err)
	assert.True(t, orig.Equal(got))
	assert.False(t, got.RequiresGrad())
}

func TestReadTensorRejectsTruncatedData(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, WriteTensor(&buf, New([]float32{1, 2, 3}, 3)))
	data := buf.Bytes()[:buf.Len()-2]

	_, err := ReadTensor(bytes.NewReader(data))
	assert.Error(t, err)
}

func TestReadTensorRejectsOversizedShape(t *testing.T) {
	t.Parallel()
	// 4 dims of 1<<16 wrap a 64-bit element count to zero.
	var buf bytes.Buffer
	buf.WriteByte(4)
	for i := 0; i < 4; i++ {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(1<<16)))
	}
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(0)))

	_, err := ReadTensor(&buf)
	assert.ErrorContains(t, err, "exceeds limit")

	buf.Reset()
	buf.WriteByte(1)
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(maxTensorElements+1)))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(0)))
	_, err = ReadTensor(&buf)
	assert.ErrorContains(t, err, "exceeds limit")
}

func TestSpanOverlaps(t *testing.T) {
	t.Parallel()
	assert.True(t, Span{0, 2}.Overlaps(Span{1, 3}))
	assert.False(t, Span{0, 1}.Overlaps(Span{1, 3}))
	assert.Equal(t, 2, Span{1, 3}.Len())
}
