package intervention

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sbl8/splice/core"
)

// WriteParams encodes the kind and parameters of u.
// Layout: [tag(1)][rank(4)][count(2)][tensors...].
func WriteParams(w io.Writer, u Unit) error {
	k := u.Kind()
	params := u.Params()
	for _, field := range []any{uint8(k.Tag), uint32(k.Rank), uint16(len(params))} {
		if err := binary.Write(w, binary.LittleEndian, field); err != nil {
			return err
		}
	}
	for _, p := range params {
		if err := core.WriteTensor(w, p); err != nil {
			return err
		}
	}
	return nil
}

// ReadParams decodes parameters written by WriteParams into u. The stored
// kind and tensor shapes must match u exactly.
func ReadParams(r io.Reader, u Unit) error {
	var tag uint8
	var rank uint32
	var count uint16
	for _, field := range []any{&tag, &rank, &count} {
		if err := binary.Read(r, binary.LittleEndian, field); err != nil {
			return err
		}
	}

	stored := Kind{Tag: Tag(tag), Rank: int(rank)}
	if stored != u.Kind() {
		return fmt.Errorf("%w: stored %v, unit is %v", ErrKind, stored, u.Kind())
	}
	params := u.Params()
	if int(count) != len(params) {
		return fmt.Errorf("stored %d parameters, unit has %d", count, len(params))
	}

	for i, p := range params {
		t, err := core.ReadTensor(r)
		if err != nil {
			return fmt.Errorf("parameter %d: %w", i, err)
		}
		if !t.SameShape(p) {
			return fmt.Errorf("%w: parameter %d stored as %v, want %v", core.ErrShape, i, t.Shape, p.Shape)
		}
		copy(p.Data, t.Data)
	}
	return nil
}
