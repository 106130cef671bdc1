package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// maxTensorElements bounds decoded tensors so a corrupt header cannot force a
// huge allocation.
const maxTensorElements = 1 << 28

// WriteTensor encodes t in binary form.
// Layout: [rank(1)][dims(4*rank)][count(4)][float32 data(4*count)], little endian.
func WriteTensor(w io.Writer, t *Tensor) error {
	if t == nil {
		return errors.New("cannot serialize nil tensor")
	}
	if len(t.Shape) > 255 {
		return fmt.Errorf("tensor rank %d too large", len(t.Shape))
	}

	if err := binary.Write(w, binary.LittleEndian, uint8(len(t.Shape))); err != nil {
		return err
	}
	for _, d := range t.Shape {
		if err := binary.Write(w, binary.LittleEndian, uint32(d)); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(t.Data))); err != nil {
		return err
	}

	buf := make([]byte, 4*len(t.Data))
	for i, v := range t.Data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	_, err := w.Write(buf)
	return err
}

// ReadTensor decodes a tensor written by WriteTensor. The result has no
// autograd record.
func ReadTensor(r io.Reader) (*Tensor, error) {
	var rank uint8
	if err := binary.Read(r, binary.LittleEndian, &rank); err != nil {
		return nil, err
	}

	shape := make([]int, rank)
	n := 1
	for i := range shape {
		var d uint32
		if err := binary.Read(r, binary.LittleEndian, &d); err != nil {
			return nil, err
		}
		if d > maxTensorElements || (d > 0 && n > maxTensorElements/int(d)) {
			return nil, fmt.Errorf("tensor shape %v x %d exceeds limit", shape[:i], d)
		}
		shape[i] = int(d)
		n *= int(d)
	}

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	if count > maxTensorElements {
		return nil, fmt.Errorf("tensor of %d elements exceeds limit", count)
	}
	if int(count) != numel(shape) {
		return nil, fmt.Errorf("%w: %d elements for shape %v", ErrShape, count, shape)
	}

	buf := make([]byte, 4*int(count))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	t := Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return t, nil
}
