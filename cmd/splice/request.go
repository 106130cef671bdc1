package main

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/sbl8/splice/core"
	"github.com/sbl8/splice/engine"
	"github.com/sbl8/splice/subspace"
)

// tensorDoc is a tensor in a request file. Shape may be omitted for a
// [batch, width] input given as rows.
type tensorDoc struct {
	Shape []int       `yaml:"shape,omitempty"`
	Data  []float32   `yaml:"data,omitempty"`
	Rows  [][]float32 `yaml:"rows,omitempty"`
}

type bindingDoc struct {
	Source          int     `yaml:"source"`
	SourcePositions [][]int `yaml:"source_positions,omitempty"`
	BasePositions   [][]int `yaml:"base_positions,omitempty"`
}

// requestDoc is the YAML form of engine.Request.
type requestDoc struct {
	Base          tensorDoc            `yaml:"base"`
	Sources       []*tensorDoc         `yaml:"sources,omitempty"`
	SourceMap     []*bindingDoc        `yaml:"source_map,omitempty"`
	Subspaces     []subspace.Selection `yaml:"subspaces,omitempty"`
	Retain        []string             `yaml:"retain,omitempty"`
	ReturnSources bool                 `yaml:"return_sources,omitempty"`
}

func loadRequest(path string) (engine.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return engine.Request{}, err
	}
	return parseRequest(data)
}

func parseRequest(data []byte) (engine.Request, error) {
	var doc requestDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return engine.Request{}, fmt.Errorf("parse request: %w", err)
	}

	base, err := doc.Base.tensor()
	if err != nil {
		return engine.Request{}, fmt.Errorf("base: %w", err)
	}
	req := engine.Request{
		Base:          base,
		Subspaces:     doc.Subspaces,
		Retain:        doc.Retain,
		ReturnSources: doc.ReturnSources,
	}
	if doc.Sources != nil {
		req.Sources = make([]*core.Tensor, len(doc.Sources))
		for i, s := range doc.Sources {
			if s == nil {
				continue
			}
			if req.Sources[i], err = s.tensor(); err != nil {
				return engine.Request{}, fmt.Errorf("sources[%d]: %w", i, err)
			}
		}
	}
	if doc.SourceMap != nil {
		req.SourceMap = make([]*engine.SourceBinding, len(doc.SourceMap))
		for i, b := range doc.SourceMap {
			if b == nil {
				continue
			}
			req.SourceMap[i] = &engine.SourceBinding{
				Source:          b.Source,
				SourcePositions: b.SourcePositions,
				BasePositions:   b.BasePositions,
			}
		}
	}
	return req, nil
}

func (d *tensorDoc) tensor() (*core.Tensor, error) {
	if d.Rows != nil {
		if d.Data != nil || d.Shape != nil {
			return nil, fmt.Errorf("rows cannot be combined with shape or data")
		}
		if len(d.Rows) == 0 {
			return nil, fmt.Errorf("empty rows")
		}
		width := len(d.Rows[0])
		data := make([]float32, 0, len(d.Rows)*width)
		for i, r := range d.Rows {
			if len(r) != width {
				return nil, fmt.Errorf("row %d has %d values, want %d", i, len(r), width)
			}
			data = append(data, r...)
		}
		return core.New(data, len(d.Rows), width), nil
	}
	n := 1
	for _, s := range d.Shape {
		if s <= 0 {
			return nil, fmt.Errorf("invalid shape %v", d.Shape)
		}
		n *= s
	}
	if len(d.Shape) == 0 || n != len(d.Data) {
		return nil, fmt.Errorf("shape %v does not match %d values", d.Shape, len(d.Data))
	}
	return core.New(append([]float32(nil), d.Data...), d.Shape...), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
