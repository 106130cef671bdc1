// Package core provides the tensor primitive shared by every splice package.
//
// A Tensor is a dense row-major float32 array with an optional reverse-mode
// autograd record. The trailing dimension is the "column" dimension every op
// works on; all leading dimensions are flattened into rows. Activations of the
// host graph are shaped [batch, positions, width], intervention parameters are
// plain 2-D matrices.
//
// Key components:
//   - Tensor: data, gradient buffer, and the parents/backward closure of the op
//     that produced it
//   - Ops (MatMul, AddBias, Add, Sub, Transpose, Activate, Sum, GatherRows,
//     ScatterRows, Splice, Guard), each recording its backward pass when any
//     input requires a gradient
//   - Backward: topological reverse pass that refuses to run when a guarded node
//     is reachable, so an undefined gradient never leaks into parameters
//   - Cache-aligned buffers and a compact binary encoding for persistence
package core

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

var (
	// ErrShape reports incompatible tensor shapes.
	ErrShape = errors.New("shape mismatch")
	// ErrNoGradient reports a backward pass over a tensor with no autograd record.
	ErrNoGradient = errors.New("tensor does not require grad")
)

// Span is a half-open [Start, End) index range over a tensor's trailing dimension.
type Span struct {
	Start int
	End   int
}

// Len returns the number of indices covered by the span.
func (s Span) Len() int { return s.End - s.Start }

// Overlaps reports whether two spans share at least one index.
func (s Span) Overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

func (s Span) String() string { return fmt.Sprintf("[%d,%d)", s.Start, s.End) }

// Tensor is a dense float32 array with an optional autograd record.
type Tensor struct {
	Shape []int
	Data  []float32
	Grad  []float32

	requiresGrad bool
	parents      []*Tensor
	backFn       func()
	fault        error
}

// New wraps data in a tensor of the given shape. It panics when the element
// count does not match the shape, like the kernels it feeds.
func New(data []float32, shape ...int) *Tensor {
	if numel(shape) != len(data) {
		panic(fmt.Sprintf("core.New: %d elements do not fit shape %v", len(data), shape))
	}
	buf := AlignedFloats(len(data))
	copy(buf, data)
	return &Tensor{Shape: cloneShape(shape), Data: buf}
}

// Zeros returns a zero-filled tensor.
func Zeros(shape ...int) *Tensor {
	return &Tensor{Shape: cloneShape(shape), Data: AlignedFloats(numel(shape))}
}

// Rand returns a tensor filled uniformly from [0, 1) using rng.
func Rand(rng *rand.Rand, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = rng.Float32()
	}
	return t
}

// Param returns a leaf tensor that accumulates gradients.
func Param(data []float32, shape ...int) *Tensor {
	t := New(data, shape...)
	t.requiresGrad = true
	t.Grad = AlignedFloats(len(t.Data))
	return t
}

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Dims returns the number of dimensions.
func (t *Tensor) Dims() int { return len(t.Shape) }

// Cols returns the size of the trailing dimension.
func (t *Tensor) Cols() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[len(t.Shape)-1]
}

// Rows returns the product of all leading dimensions.
func (t *Tensor) Rows() int {
	c := t.Cols()
	if c == 0 {
		return 0
	}
	return len(t.Data) / c
}

// Row returns a view of row i.
func (t *Tensor) Row(i int) []float32 {
	c := t.Cols()
	return t.Data[i*c : (i+1)*c]
}

// RequiresGrad reports whether t participates in autograd.
func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

// Clone returns a deep copy of the data with no autograd record.
func (t *Tensor) Clone() *Tensor {
	return New(t.Data, t.Shape...)
}

// Detach is Clone under the name used at autograd boundaries.
func (t *Tensor) Detach() *Tensor { return t.Clone() }

// SameShape reports whether t and o have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// Equal reports bit-identical data and shape.
func (t *Tensor) Equal(o *Tensor) bool {
	if !t.SameShape(o) {
		return false
	}
	for i := range t.Data {
		if math.Float32bits(t.Data[i]) != math.Float32bits(o.Data[i]) {
			return false
		}
	}
	return true
}

// AllClose reports element-wise |t-o| <= atol + rtol*|o|.
func (t *Tensor) AllClose(o *Tensor, rtol, atol float64) bool {
	if !t.SameShape(o) {
		return false
	}
	for i := range t.Data {
		a, b := float64(t.Data[i]), float64(o.Data[i])
		if math.Abs(a-b) > atol+rtol*math.Abs(b) {
			return false
		}
	}
	return true
}

// ZeroGrad clears accumulated gradients on the given parameters.
func ZeroGrad(params ...*Tensor) {
	for _, p := range params {
		clear(p.Grad)
	}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func cloneShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}
