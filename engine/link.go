package engine

import (
	"fmt"
	"math/rand"
	"slices"
	"sort"

	"github.com/sbl8/splice/intervention"
)

// LinkRegistry owns the intervention units of a model. Attachments refer to
// units only by slot; attachments sharing a link key share a slot.
type LinkRegistry struct {
	units  []intervention.Unit
	owners [][]int // slot -> attachment indices
	slots  []int   // attachment -> slot
	keys   map[string]int
}

// NewLinkRegistry allocates one unit per link group and one per unlinked
// attachment, in declaration order, and stores each attachment's slot.
func NewLinkRegistry(attachments []*Attachment, rng *rand.Rand) (*LinkRegistry, error) {
	r := &LinkRegistry{
		slots: make([]int, len(attachments)),
		keys:  make(map[string]int),
	}

	for i, a := range attachments {
		key := a.Spec.LinkKey
		if key != "" {
			if slot, ok := r.keys[key]; ok {
				if err := checkLinked(attachments[r.owners[slot][0]], a); err != nil {
					return nil, configError(i, "link_key", err)
				}
				r.slots[i] = slot
				r.owners[slot] = append(r.owners[slot], i)
				a.Slot = slot
				continue
			}
		}

		u, err := intervention.New(a.Kind, a.Point.Width, rng)
		if err != nil {
			return nil, configError(i, "intervention", err)
		}
		slot := len(r.units)
		r.units = append(r.units, u)
		r.owners = append(r.owners, []int{i})
		r.slots[i] = slot
		a.Slot = slot
		if key != "" {
			r.keys[key] = slot
		}
	}
	return r, nil
}

func checkLinked(first, a *Attachment) error {
	key := a.Spec.LinkKey
	if first.Kind != a.Kind {
		return fmt.Errorf("link %q mixes %v and %v", key, first.Kind, a.Kind)
	}
	if first.Point.Width != a.Point.Width {
		return fmt.Errorf("link %q spans widths %d and %d", key, first.Point.Width, a.Point.Width)
	}
	if !slices.Equal(first.Ranges, a.Ranges) {
		return fmt.Errorf("link %q declares partitions %v and %v", key, first.Ranges, a.Ranges)
	}
	return nil
}

// Unit returns the unit of attachment i.
func (r *LinkRegistry) Unit(i int) intervention.Unit {
	return r.units[r.slots[i]]
}

// Units returns the unit of every slot.
func (r *LinkRegistry) Units() []intervention.Unit {
	return r.units
}

// Groups returns, per link key, the attachments sharing its unit.
func (r *LinkRegistry) Groups() map[string][]int {
	out := make(map[string][]int, len(r.keys))
	for key, slot := range r.keys {
		out[key] = append([]int(nil), r.owners[slot]...)
	}
	return out
}

// Keys returns the link keys in sorted order.
func (r *LinkRegistry) Keys() []string {
	keys := make([]string, 0, len(r.keys))
	for k := range r.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
