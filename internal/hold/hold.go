// Package hold keeps short-lived per-shape suppression windows for shapes a
// peer is dragging. Durable changes for a held shape are parked until the
// hold expires or its source clears, so a mid-drag write cannot snap the
// shape back under the peer's cursor.
package hold

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"boardsync/internal/durable"
)

// DefaultTTL is how long a hold lives without a fresh ephemeral update.
const DefaultTTL = 1500 * time.Millisecond

type entry struct {
	source    string
	seq       uint64
	expiresAt time.Time
}

// Table is not safe for concurrent use; the owning session serializes access.
type Table struct {
	ttl    time.Duration
	holds  map[string]entry
	parked map[string]durable.ChangeEvent
	order  []string
}

func New(ttl time.Duration) *Table {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Table{
		ttl:    ttl,
		holds:  map[string]entry{},
		parked: map[string]durable.ChangeEvent{},
	}
}

func (t *Table) TTL() time.Duration { return t.ttl }

// Extend creates or refreshes the hold on a shape. seq is the sequence of
// the frame that asked for it.
func (t *Table) Extend(id, source string, seq uint64, now time.Time) {
	t.holds[id] = entry{source: source, seq: seq, expiresAt: now.Add(t.ttl)}
}

// Has reports whether a hold exists for id, expired or not.
func (t *Table) Has(id string) bool {
	_, ok := t.holds[id]
	return ok
}

// Held reports whether durable changes for id must be parked.
func (t *Table) Held(id string, now time.Time) bool {
	e, ok := t.holds[id]
	return ok && now.Before(e.expiresAt)
}

// Park stores a change for a held shape. A later change for the same shape
// replaces the earlier one.
func (t *Table) Park(ev durable.ChangeEvent) {
	id := ev.Shape.ID
	if _, ok := t.parked[id]; !ok {
		t.order = append(t.order, id)
	}
	t.parked[id] = ev
}

func (t *Table) Parked() int { return len(t.parked) }

func (t *Table) Len() int { return len(t.holds) }

// Sweep drops expired holds. It returns the parked changes they released
// and the ids whose holds expired.
func (t *Table) Sweep(now time.Time) ([]durable.ChangeEvent, []string) {
	released := mapset.NewThreadUnsafeSet[string]()
	for id, e := range t.holds {
		if !now.Before(e.expiresAt) {
			delete(t.holds, id)
			released.Add(id)
		}
	}
	events := t.take(func(id string) bool {
		_, stillHeld := t.holds[id]
		return released.Contains(id) || !stillHeld
	})
	return events, released.ToSlice()
}

// Release retires the holds owned by source that were extended by frames
// older than seq and returns the parked changes they released. Holds from
// later frames of the same source survive a late clear.
func (t *Table) Release(source string, seq uint64) []durable.ChangeEvent {
	released := mapset.NewThreadUnsafeSet[string]()
	for id, e := range t.holds {
		if e.source == source && e.seq < seq {
			delete(t.holds, id)
			released.Add(id)
		}
	}
	return t.take(func(id string) bool { return released.Contains(id) })
}

// Drain drops every hold and returns everything parked.
func (t *Table) Drain() []durable.ChangeEvent {
	t.holds = map[string]entry{}
	return t.take(func(string) bool { return true })
}

// NextExpiry returns the earliest hold expiry.
func (t *Table) NextExpiry() (time.Time, bool) {
	var (
		next  time.Time
		found bool
	)
	for _, e := range t.holds {
		if !found || e.expiresAt.Before(next) {
			next, found = e.expiresAt, true
		}
	}
	return next, found
}

func (t *Table) take(match func(id string) bool) []durable.ChangeEvent {
	var out []durable.ChangeEvent
	kept := t.order[:0]
	for _, id := range t.order {
		if match(id) {
			out = append(out, t.parked[id])
			delete(t.parked, id)
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
	return out
}
