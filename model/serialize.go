package model

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/sbl8/splice/core"
)

const (
	checkpointMagic   = 0x53504C43 // "SPLC"
	checkpointVersion = 1
)

// Serialize writes the Graph as a binary checkpoint.
// Layout: [magic(4)][version(2)][input(4)][layers(2)][hasHead(1)] then per block
// [act(1)][hasBias(1)][weight tensor][bias tensor?], head last.
func (g *Graph) Serialize(w io.Writer) error {
	header := []any{
		uint32(checkpointMagic),
		uint16(checkpointVersion),
		uint32(g.Input),
		uint16(len(g.Layers)),
		boolByte(g.Head != nil),
	}
	for _, field := range header {
		if err := binary.Write(w, binary.LittleEndian, field); err != nil {
			return err
		}
	}

	for i := range g.Layers {
		if err := writeLayer(w, &g.Layers[i]); err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}
	}
	if g.Head != nil {
		if err := writeLayer(w, g.Head); err != nil {
			return fmt.Errorf("head: %w", err)
		}
	}
	return nil
}

// Bytes returns the serialized checkpoint.
func (g *Graph) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := g.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeLayer(w io.Writer, l *Layer) error {
	if err := binary.Write(w, binary.LittleEndian, l.Act); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, boolByte(l.Bias != nil)); err != nil {
		return err
	}
	if err := core.WriteTensor(w, l.Weight); err != nil {
		return err
	}
	if l.Bias != nil {
		return core.WriteTensor(w, l.Bias)
	}
	return nil
}

// Deserialize reads a Graph from a binary checkpoint and validates it.
func Deserialize(r io.Reader) (*Graph, error) {
	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, err
	}
	if magic != checkpointMagic {
		return nil, fmt.Errorf("invalid magic number: %x", magic)
	}

	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, err
	}
	if version != checkpointVersion {
		return nil, fmt.Errorf("unsupported version: %d", version)
	}

	var input uint32
	if err := binary.Read(r, binary.LittleEndian, &input); err != nil {
		return nil, err
	}
	var layerCount uint16
	if err := binary.Read(r, binary.LittleEndian, &layerCount); err != nil {
		return nil, err
	}
	var hasHead uint8
	if err := binary.Read(r, binary.LittleEndian, &hasHead); err != nil {
		return nil, err
	}

	g := &Graph{Input: int(input), Layers: make([]Layer, layerCount)}
	for i := range g.Layers {
		l, err := readLayer(r)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		g.Layers[i] = l
	}
	if hasHead == 1 {
		head, err := readLayer(r)
		if err != nil {
			return nil, fmt.Errorf("head: %w", err)
		}
		g.Head = &head
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid checkpoint: %w", err)
	}
	return g, nil
}

func readLayer(r io.Reader) (Layer, error) {
	var act, hasBias uint8
	if err := binary.Read(r, binary.LittleEndian, &act); err != nil {
		return Layer{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, &hasBias); err != nil {
		return Layer{}, err
	}

	w, err := core.ReadTensor(r)
	if err != nil {
		return Layer{}, err
	}
	l := Layer{Weight: core.Param(w.Data, w.Shape...), Act: act}
	if hasBias == 1 {
		b, err := core.ReadTensor(r)
		if err != nil {
			return Layer{}, err
		}
		l.Bias = core.Param(b.Data, b.Shape...)
	}
	return l, nil
}

// Load reads a checkpoint file.
func Load(path string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Deserialize(bufio.NewReader(f))
}

// Save writes g to a checkpoint file.
func (g *Graph) Save(path string) error {
	data, err := g.Bytes()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
