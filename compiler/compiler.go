// Package compiler turns host model specifications into binary checkpoints.
//
// The DSL is line oriented. Blank lines and lines starting with '#' are
// ignored.
//
//	input 3                 # graph input width, required first
//	seed 42                 # seed for layers without explicit weights
//	layer 3 relu bias       # block: output width, activation, optional bias
//	weights 1 0 0 0 1 0 ... # row-major [in, out] weights of the last block or head
//	bias 0.1 0.1 0.1        # bias of the last block or head
//	head 2                  # classifier: output width, optional bias
//	iterate i 0 2 {         # repeat the enclosed lines for i = 0..2
//	  layer 8 tanh
//	}
//
// Blocks without a weights line are initialised uniformly from the seed.
// Compilation validates the resulting graph and writes a model checkpoint.
package compiler

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/sbl8/splice/kernels"
	"github.com/sbl8/splice/model"
)

// Options configures the compilation process.
type Options struct {
	Logger *zap.Logger
}

// Compile turns a DSL file into a binary checkpoint.
func Compile(src, out string) error {
	return CompileWithOptions(src, out, Options{})
}

// CompileWithOptions compiles src into out, logging a summary.
func CompileWithOptions(src, out string, opts Options) error {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	spec, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	g, err := Parse(spec)
	if err != nil {
		return fmt.Errorf("%s: %w", src, err)
	}
	if err := g.Save(out); err != nil {
		return err
	}

	log.Info("model compiled",
		zap.String("source", src),
		zap.String("output", out),
		zap.Int("layers", g.LayerCount()),
		zap.Int("input", g.Input),
		zap.Int("output_width", g.OutputWidth()),
		zap.Int("hook_points", len(g.HookPoints())))
	return nil
}

// Parse parses the DSL and returns a validated Graph.
func Parse(src []byte) (*model.Graph, error) {
	lines := strings.Split(string(src), "\n")
	p := &dslParser{target: noTarget}

	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var err error
		i, err = p.parseLine(lines, i)
		if err != nil {
			return nil, fmt.Errorf("line %d: %v", i+1, err)
		}
	}

	if err := p.graph.Validate(); err != nil {
		return nil, err
	}
	return &p.graph, nil
}

const (
	noTarget   = -2
	headTarget = -1
)

// dslParser handles DSL parsing state
type dslParser struct {
	graph  model.Graph
	seed   int64
	rng    *rand.Rand
	width  int // output width of the last block
	target int // block index weights/bias lines apply to, or headTarget
}

// parseLine processes a single line and returns the index of the last line consumed
func (p *dslParser) parseLine(lines []string, idx int) (int, error) {
	fields := strings.Fields(stripComment(lines[idx]))
	if fields[0] == "iterate" {
		return p.parseIterateBlock(lines, idx, fields)
	}
	return idx, p.processSimpleLine(fields)
}

// parseIterateBlock handles iterate constructs
func (p *dslParser) parseIterateBlock(lines []string, idx int, fields []string) (int, error) {
	if len(fields) < 4 {
		return idx, fmt.Errorf("invalid iterate spec: %s", strings.Join(fields, " "))
	}

	varName, start, end, err := parseIterateParams(fields)
	if err != nil {
		return idx, err
	}

	blockStart := idx
	if fields[len(fields)-1] != "{" {
		blockStart++
		for blockStart < len(lines) && strings.TrimSpace(lines[blockStart]) == "" {
			blockStart++
		}
		if blockStart >= len(lines) || strings.TrimSpace(lines[blockStart]) != "{" {
			return idx, fmt.Errorf("missing '{' after iterate")
		}
	}

	block, blockEnd, err := collectBlockLines(lines, blockStart)
	if err != nil {
		return idx, err
	}
	if err := p.expandIterateBlock(block, varName, start, end); err != nil {
		return idx, err
	}
	return blockEnd, nil
}

// processSimpleLine dispatches a single directive
func (p *dslParser) processSimpleLine(fields []string) error {
	switch fields[0] {
	case "input":
		return p.parseInput(fields)
	case "seed":
		return p.parseSeed(fields)
	case "layer":
		return p.parseLayer(fields)
	case "head":
		return p.parseHead(fields)
	case "weights":
		return p.parseWeights(fields[1:])
	case "bias":
		return p.parseBias(fields[1:])
	default:
		return fmt.Errorf("unknown directive: %s", fields[0])
	}
}

func (p *dslParser) parseInput(fields []string) error {
	if p.graph.Input != 0 {
		return fmt.Errorf("input declared twice")
	}
	if len(fields) != 2 {
		return fmt.Errorf("invalid input spec: want 'input <width>'")
	}
	w, err := positive(fields[1], "input width")
	if err != nil {
		return err
	}
	p.graph.Input = w
	p.width = w
	return nil
}

func (p *dslParser) parseSeed(fields []string) error {
	if p.rng != nil {
		return fmt.Errorf("seed must precede the first layer")
	}
	if len(fields) != 2 {
		return fmt.Errorf("invalid seed spec: want 'seed <n>'")
	}
	s, err := strconv.ParseInt(fields[1], 0, 64)
	if err != nil {
		return fmt.Errorf("invalid seed %q: %v", fields[1], err)
	}
	p.seed = s
	return nil
}

// parseLayer parses 'layer <out> [activation] [bias]'
func (p *dslParser) parseLayer(fields []string) error {
	if p.graph.Head != nil {
		return fmt.Errorf("layer after head")
	}
	if len(fields) < 2 || len(fields) > 4 {
		return fmt.Errorf("invalid layer spec: want 'layer <out> [activation] [bias]'")
	}
	out, err := positive(fields[1], "layer width")
	if err != nil {
		return err
	}
	act := uint8(kernels.OpReLU)
	bias := false
	for _, f := range fields[2:] {
		if f == "bias" {
			bias = true
			continue
		}
		if act, err = kernels.LookupActivation(f); err != nil {
			return err
		}
	}

	l, err := p.newLayer(out, bias, act)
	if err != nil {
		return err
	}
	p.graph.Layers = append(p.graph.Layers, l)
	p.target = len(p.graph.Layers) - 1
	return nil
}

// parseHead parses 'head <classes> [bias]'
func (p *dslParser) parseHead(fields []string) error {
	if p.graph.Head != nil {
		return fmt.Errorf("head declared twice")
	}
	if len(fields) < 2 || len(fields) > 3 || (len(fields) == 3 && fields[2] != "bias") {
		return fmt.Errorf("invalid head spec: want 'head <classes> [bias]'")
	}
	out, err := positive(fields[1], "head width")
	if err != nil {
		return err
	}
	l, err := p.newLayer(out, len(fields) == 3, kernels.OpIdentity)
	if err != nil {
		return err
	}
	p.graph.Head = &l
	p.target = headTarget
	return nil
}

func (p *dslParser) newLayer(out int, bias bool, act uint8) (model.Layer, error) {
	if p.graph.Input == 0 {
		return model.Layer{}, fmt.Errorf("input width must be declared first")
	}
	if p.rng == nil {
		p.rng = rand.New(rand.NewSource(p.seed))
	}
	l := model.NewLayer(p.rng, p.width, out, bias, act)
	p.width = out
	return l, nil
}

func (p *dslParser) current() (*model.Layer, error) {
	switch p.target {
	case noTarget:
		return nil, fmt.Errorf("no layer declared yet")
	case headTarget:
		return p.graph.Head, nil
	default:
		return &p.graph.Layers[p.target], nil
	}
}

func (p *dslParser) parseWeights(values []string) error {
	l, err := p.current()
	if err != nil {
		return err
	}
	return fillFloats(l.Weight.Data, values, "weights")
}

func (p *dslParser) parseBias(values []string) error {
	l, err := p.current()
	if err != nil {
		return err
	}
	if l.Bias == nil {
		return fmt.Errorf("bias values for a layer declared without bias")
	}
	return fillFloats(l.Bias.Data, values, "bias")
}

func fillFloats(dst []float32, values []string, what string) error {
	if len(values) != len(dst) {
		return fmt.Errorf("%s: got %d values, want %d", what, len(values), len(dst))
	}
	for i, v := range values {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return fmt.Errorf("%s: invalid value %q: %v", what, v, err)
		}
		dst[i] = float32(f)
	}
	return nil
}

// parseIterateParams extracts iterate parameters
func parseIterateParams(fields []string) (varName string, start, end int, err error) {
	varName = fields[1]
	start, err = strconv.Atoi(fields[2])
	if err != nil {
		return "", 0, 0, fmt.Errorf("invalid iterate start %q: %v", fields[2], err)
	}
	end, err = strconv.Atoi(fields[3])
	if err != nil {
		return "", 0, 0, fmt.Errorf("invalid iterate end %q: %v", fields[3], err)
	}
	return varName, start, end, nil
}

// collectBlockLines gathers lines within braces
func collectBlockLines(lines []string, startIdx int) ([]string, int, error) {
	var block []string
	for i := startIdx + 1; i < len(lines); i++ {
		line := strings.TrimSpace(stripComment(lines[i]))
		if line == "}" {
			return block, i, nil
		}
		if line != "" {
			block = append(block, line)
		}
	}
	return nil, len(lines), fmt.Errorf("unterminated iterate block")
}

// expandIterateBlock replays block once per value of the loop variable
func (p *dslParser) expandIterateBlock(block []string, varName string, start, end int) error {
	for v := start; v <= end; v++ {
		for _, line := range block {
			fields := expandVariable(strings.Fields(line), varName, v)
			if err := p.processSimpleLine(fields); err != nil {
				return fmt.Errorf("iterate expansion error: %v", err)
			}
		}
	}
	return nil
}

// expandVariable replaces variable tokens with value
func expandVariable(fields []string, varName string, value int) []string {
	out := make([]string, len(fields))
	for i, field := range fields {
		if field == varName {
			out[i] = strconv.Itoa(value)
		} else {
			out[i] = field
		}
	}
	return out
}

func stripComment(line string) string {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		return line[:i]
	}
	return line
}

func positive(s, what string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	return n, nil
}
