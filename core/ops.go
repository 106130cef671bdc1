package core

import (
	"fmt"

	"github.com/sbl8/splice/kernels"
)

// MatMul multiplies the rows of a by the 2-D matrix w. The result keeps a's
// leading dimensions and replaces its trailing dimension with w's columns.
func MatMul(a, w *Tensor) (*Tensor, error) {
	if w.Dims() != 2 {
		return nil, fmt.Errorf("%w: matmul weight must be 2-D, got %v", ErrShape, w.Shape)
	}
	k, n := w.Shape[0], w.Shape[1]
	if a.Cols() != k {
		return nil, fmt.Errorf("%w: matmul %v x %v", ErrShape, a.Shape, w.Shape)
	}
	rows := a.Rows()

	shape := cloneShape(a.Shape)
	shape[len(shape)-1] = n
	out := &Tensor{Shape: shape, Data: kernels.MatMul(a.Data, rows, k, w.Data, n)}

	record(out, func() {
		if a.requiresGrad {
			// dA = dOut @ W^T
			wt := kernels.Transpose(w.Data, k, n)
			kernels.VectorAddInPlace(a.Grad, kernels.MatMul(out.Grad, rows, n, wt, k))
		}
		if w.requiresGrad {
			// dW = A^T @ dOut
			at := kernels.Transpose(a.Data, rows, k)
			kernels.VectorAddInPlace(w.Grad, kernels.MatMul(at, k, rows, out.Grad, n))
		}
	}, a, w)
	return out, nil
}

// Transpose returns the transpose of a 2-D tensor.
func Transpose(w *Tensor) (*Tensor, error) {
	if w.Dims() != 2 {
		return nil, fmt.Errorf("%w: transpose needs a 2-D tensor, got %v", ErrShape, w.Shape)
	}
	r, c := w.Shape[0], w.Shape[1]
	out := &Tensor{Shape: []int{c, r}, Data: kernels.Transpose(w.Data, r, c)}
	record(out, func() {
		kernels.VectorAddInPlace(w.Grad, kernels.Transpose(out.Grad, c, r))
	}, w)
	return out, nil
}

// AddBias adds the 1-D vector b to every row of a.
func AddBias(a, b *Tensor) (*Tensor, error) {
	if b.Dims() != 1 || b.Shape[0] != a.Cols() {
		return nil, fmt.Errorf("%w: bias %v for rows of width %d", ErrShape, b.Shape, a.Cols())
	}
	out := a.Clone()
	rows := a.Rows()
	for r := 0; r < rows; r++ {
		kernels.VectorAddInPlace(out.Row(r), b.Data)
	}
	record(out, func() {
		if a.requiresGrad {
			kernels.VectorAddInPlace(a.Grad, out.Grad)
		}
		if b.requiresGrad {
			c := out.Cols()
			for r := 0; r < rows; r++ {
				kernels.VectorAddInPlace(b.Grad, out.Grad[r*c:(r+1)*c])
			}
		}
	}, a, b)
	return out, nil
}

// Add returns a + b for tensors of identical shape.
func Add(a, b *Tensor) (*Tensor, error) {
	if !a.SameShape(b) {
		return nil, fmt.Errorf("%w: add %v + %v", ErrShape, a.Shape, b.Shape)
	}
	out := &Tensor{Shape: cloneShape(a.Shape), Data: kernels.VectorAdd(a.Data, b.Data)}
	record(out, func() {
		if a.requiresGrad {
			kernels.VectorAddInPlace(a.Grad, out.Grad)
		}
		if b.requiresGrad {
			kernels.VectorAddInPlace(b.Grad, out.Grad)
		}
	}, a, b)
	return out, nil
}

// Sub returns a - b for tensors of identical shape.
func Sub(a, b *Tensor) (*Tensor, error) {
	if !a.SameShape(b) {
		return nil, fmt.Errorf("%w: sub %v - %v", ErrShape, a.Shape, b.Shape)
	}
	out := &Tensor{Shape: cloneShape(a.Shape), Data: kernels.VectorSub(a.Data, b.Data)}
	record(out, func() {
		if a.requiresGrad {
			kernels.VectorAddInPlace(a.Grad, out.Grad)
		}
		if b.requiresGrad {
			kernels.Axpy(-1, out.Grad, b.Grad)
		}
	}, a, b)
	return out, nil
}

// Activate applies the activation registered under opcode element-wise.
func Activate(a *Tensor, opcode uint8) (*Tensor, error) {
	act, err := kernels.GetActivation(opcode)
	if err != nil {
		return nil, err
	}
	out := Zeros(a.Shape...)
	kernels.NewVectorizedKernel(act.Forward).Execute(out.Data, a.Data)
	record(out, func() {
		for i, g := range out.Grad {
			a.Grad[i] += g * act.Derivative(a.Data[i], out.Data[i])
		}
	}, a)
	return out, nil
}

// Sum reduces a to a single-element tensor.
func Sum(a *Tensor) *Tensor {
	var s float32
	for _, v := range a.Data {
		s += v
	}
	out := New([]float32{s}, 1)
	record(out, func() {
		g := out.Grad[0]
		for i := range a.Grad {
			a.Grad[i] += g
		}
	}, a)
	return out
}

// GatherRows returns a [len(rows), cols] tensor holding the selected rows of a.
func GatherRows(a *Tensor, rows []int) (*Tensor, error) {
	c, n := a.Cols(), a.Rows()
	out := Zeros(len(rows), c)
	for i, r := range rows {
		if r < 0 || r >= n {
			return nil, fmt.Errorf("%w: row %d out of range [0,%d)", ErrShape, r, n)
		}
		copy(out.Row(i), a.Row(r))
	}
	record(out, func() {
		for i, r := range rows {
			kernels.VectorAddInPlace(a.Grad[r*c:(r+1)*c], out.Grad[i*c:(i+1)*c])
		}
	}, a)
	return out, nil
}

// ScatterRows returns a copy of base with the listed rows replaced by the rows
// of values. Row indices must be distinct.
func ScatterRows(base *Tensor, rows []int, values *Tensor) (*Tensor, error) {
	c, n := base.Cols(), base.Rows()
	if values.Cols() != c || values.Rows() != len(rows) {
		return nil, fmt.Errorf("%w: scatter %v into %d rows of width %d", ErrShape, values.Shape, len(rows), c)
	}
	seen := make(map[int]bool, len(rows))
	out := base.Clone()
	for i, r := range rows {
		if r < 0 || r >= n {
			return nil, fmt.Errorf("%w: row %d out of range [0,%d)", ErrShape, r, n)
		}
		if seen[r] {
			return nil, fmt.Errorf("%w: row %d scattered twice", ErrShape, r)
		}
		seen[r] = true
		copy(out.Row(r), values.Row(i))
	}
	record(out, func() {
		if base.requiresGrad {
			for r := 0; r < n; r++ {
				if !seen[r] {
					kernels.VectorAddInPlace(base.Grad[r*c:(r+1)*c], out.Grad[r*c:(r+1)*c])
				}
			}
		}
		if values.requiresGrad {
			for i, r := range rows {
				kernels.VectorAddInPlace(values.Grad[i*c:(i+1)*c], out.Grad[r*c:(r+1)*c])
			}
		}
	}, base, values)
	return out, nil
}

// Splice returns a copy of base where, for every row r, the column ranges in
// spans[r] are taken from src instead. A nil or empty spans[r] leaves row r as
// base. The gradient flows to src on spliced columns and to base elsewhere.
func Splice(base, src *Tensor, spans [][]Span) (*Tensor, error) {
	if !base.SameShape(src) {
		return nil, fmt.Errorf("%w: splice %v from %v", ErrShape, base.Shape, src.Shape)
	}
	rows, c := base.Rows(), base.Cols()
	if len(spans) != rows {
		return nil, fmt.Errorf("%w: %d span lists for %d rows", ErrShape, len(spans), rows)
	}

	out := base.Clone()
	mask := make([]bool, len(out.Data))
	for r, list := range spans {
		for _, s := range list {
			if s.Start < 0 || s.End > c || s.Start > s.End {
				return nil, fmt.Errorf("%w: span %v outside width %d", ErrShape, s, c)
			}
			off := r * c
			copy(out.Data[off+s.Start:off+s.End], src.Data[off+s.Start:off+s.End])
			for i := off + s.Start; i < off+s.End; i++ {
				mask[i] = true
			}
		}
	}

	record(out, func() {
		for i, g := range out.Grad {
			if mask[i] {
				if src.requiresGrad {
					src.Grad[i] += g
				}
			} else if base.requiresGrad {
				base.Grad[i] += g
			}
		}
	}, base, src)
	return out, nil
}

// Reshape returns a view of a with a new shape of the same element count.
func Reshape(a *Tensor, shape ...int) (*Tensor, error) {
	if numel(shape) != len(a.Data) {
		return nil, fmt.Errorf("%w: reshape %v to %v", ErrShape, a.Shape, shape)
	}
	out := &Tensor{Shape: cloneShape(shape), Data: a.Data}
	record(out, func() {
		kernels.VectorAddInPlace(a.Grad, out.Grad)
	}, a)
	return out, nil
}
