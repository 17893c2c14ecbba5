// Package diff computes field-level deltas between two document snapshots.
package diff

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/go-cmp/cmp"

	"boardsync/internal/state"
)

// Modification carries only the fields that changed on one shape.
type Modification struct {
	ID    string
	Patch state.Patch
}

// Delta is the set of changes turning one snapshot into another.
type Delta struct {
	Added    []state.Shape
	Modified []Modification
	Deleted  []string
}

func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Deleted) == 0
}

// Len is the total number of per-shape changes.
func (d Delta) Len() int {
	return len(d.Added) + len(d.Modified) + len(d.Deleted)
}

// Compute returns the delta from prev to cur. Shapes are compared field by
// field by value, so an equal record in a new allocation is not reported.
func Compute(prev, cur *state.Snapshot) Delta {
	if prev == cur {
		return Delta{}
	}
	if prev == nil {
		prev = state.Empty()
	}
	if cur == nil {
		cur = state.Empty()
	}

	prevIDs := mapset.NewThreadUnsafeSet(prev.IDs()...)
	curIDs := mapset.NewThreadUnsafeSet(cur.IDs()...)

	var d Delta
	cur.Each(func(sh state.Shape) {
		if !prevIDs.Contains(sh.ID) {
			d.Added = append(d.Added, sh)
			return
		}
		old, _ := prev.Get(sh.ID)
		if p := Fields(old, sh); len(p) > 0 {
			d.Modified = append(d.Modified, Modification{ID: sh.ID, Patch: p})
		}
	})
	prev.Each(func(sh state.Shape) {
		if !curIDs.Contains(sh.ID) {
			d.Deleted = append(d.Deleted, sh.ID)
		}
	})
	return d
}

// Fields returns the patch turning a into b. Fields set on a but not on b
// map to state.DeleteField.
func Fields(a, b state.Shape) state.Patch {
	af, bf := a.Fields(), b.Fields()
	p := state.Patch{}
	for k, bv := range bf {
		if av, ok := af[k]; !ok || !cmp.Equal(av, bv) {
			p[k] = bv
		}
	}
	for k := range af {
		if _, ok := bf[k]; !ok {
			p[k] = state.DeleteField
		}
	}
	return p
}

// Apply returns base with d applied. Modifications for unknown ids and
// deletes of unknown ids are skipped.
func Apply(base *state.Snapshot, d Delta) (*state.Snapshot, error) {
	if d.Empty() {
		return base, nil
	}
	b := base.Builder()
	for _, id := range d.Deleted {
		b.Remove(id)
	}
	for _, m := range d.Modified {
		sh, ok := b.Get(m.ID)
		if !ok {
			continue
		}
		next, err := sh.Apply(m.Patch)
		if err != nil {
			return base, err
		}
		b.Put(next)
	}
	for _, sh := range d.Added {
		b.Put(sh)
	}
	return b.Build(), nil
}

// Equal reports whether two snapshots hold the same ids with equal fields.
func Equal(a, b *state.Snapshot) bool {
	if a.Len() != b.Len() {
		return false
	}
	return Compute(a, b).Empty()
}
