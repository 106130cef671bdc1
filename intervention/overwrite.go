package intervention

import "github.com/sbl8/splice/core"

// OverwriteUnit copies selected raw index ranges from sources into base.
type OverwriteUnit struct {
	dim int
}

// NewOverwrite returns an overwrite unit for activations of width dim.
func NewOverwrite(dim int) *OverwriteUnit {
	return &OverwriteUnit{dim: dim}
}

func (u *OverwriteUnit) Kind() Kind             { return Kind{Tag: Overwrite} }
func (u *OverwriteUnit) Space() int             { return u.dim }
func (u *OverwriteUnit) Params() []*core.Tensor { return nil }

// Apply splices each source over base in order.
func (u *OverwriteUnit) Apply(base *core.Tensor, sources []*core.Tensor, spans [][]core.Span) (*core.Tensor, error) {
	if err := checkInputs(u.dim, base, sources, spans); err != nil {
		return nil, err
	}
	out := base
	for _, src := range sources {
		if src == nil {
			continue
		}
		var err error
		if out, err = core.Splice(out, src, spans); err != nil {
			return nil, err
		}
	}
	return out, nil
}
