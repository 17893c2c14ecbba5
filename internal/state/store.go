package state

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"boardsync/internal/guard"
	"boardsync/internal/logger"
)

// Transition is one visible change of the document.
type Transition struct {
	Prev      *Snapshot
	Next      *Snapshot
	Transient bool // local drag preview, not yet committed
}

type Listener func(Transition)

type Update struct {
	ID    string
	Patch Patch
}

type ReorderOp int

const (
	ToFront ReorderOp = iota
	ToBack
	Forward
	Backward
)

// Store owns the canonical shape set, the selection and the undo history.
// Listeners are called synchronously after every successful mutation with the
// fully applied next state.
type Store struct {
	mu        sync.RWMutex
	snap      *Snapshot
	selection mapset.Set[string]
	history   *History
	guard     *guard.Guard

	lmu       sync.Mutex
	listeners map[int]Listener
	nextID    int

	log *zap.Logger
}

func NewStore(g *guard.Guard, historyLimit int) *Store {
	if g == nil {
		g = guard.New()
	}
	return &Store{
		snap:      Empty(),
		selection: mapset.NewThreadUnsafeSet[string](),
		history:   NewHistory(historyLimit),
		guard:     g,
		listeners: map[int]Listener{},
		log:       logger.Named("store"),
	}
}

// Subscribe registers fn and returns a function removing it.
func (s *Store) Subscribe(fn Listener) (unsubscribe func()) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.lmu.Lock()
		defer s.lmu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Store) Guard() *guard.Guard { return s.guard }

func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *Store) Shapes() []Shape {
	return s.Snapshot().Shapes()
}

func (s *Store) Get(id string) (Shape, bool) {
	return s.Snapshot().Get(id)
}

func (s *Store) Selection() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selection.ToSlice()
}

func (s *Store) HistoryLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.Len()
}

func (s *Store) CanUndo() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.CanUndo()
}

func (s *Store) CanRedo() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.CanRedo()
}

// SetShapes replaces the whole document. It is meant for the first durable
// sync and teardown and never records history.
func (s *Store) SetShapes(shapes []Shape) {
	s.commit(NewSnapshot(shapes), false, nil)
}

// Merge applies fn to the current document as one transition without
// recording history. Remote merges call it with the guard held.
func (s *Store) Merge(fn func(*Snapshot) *Snapshot) bool {
	next := fn(s.Snapshot())
	if next == nil {
		return false
	}
	return s.commit(next, false, nil)
}

func (s *Store) Create(shapes ...Shape) error {
	if len(shapes) == 0 {
		return nil
	}
	cur := s.Snapshot()
	b := cur.Builder()
	z := cur.MaxZ()
	for i, sh := range shapes {
		if err := sh.Validate(); err != nil {
			return err
		}
		if _, exists := b.Get(sh.ID); exists {
			return errors.Wrapf(ErrDuplicateID, "shape %s", sh.ID)
		}
		if sh.ZIndex == 0 && cur.Len() > 0 {
			sh.ZIndex = z + int64(i) + 1
		}
		b.Put(sh)
	}
	for _, sh := range shapes {
		for _, ref := range sh.References() {
			if _, ok := b.Get(ref); !ok {
				return errors.Wrapf(ErrUnknownShape, "shape %s references %s", sh.ID, ref)
			}
		}
	}
	s.commit(b.Build(), false, cur)
	s.log.Debug("created shapes", zap.Int("count", len(shapes)))
	return nil
}

func (s *Store) Update(id string, p Patch) error {
	return s.UpdateMany([]Update{{ID: id, Patch: p}})
}

// UpdateMany applies all patches as one undoable step, or none of them.
func (s *Store) UpdateMany(updates []Update) error {
	if len(updates) == 0 {
		return nil
	}
	cur := s.Snapshot()
	b := cur.Builder()
	for _, u := range updates {
		sh, ok := b.Get(u.ID)
		if !ok {
			return errors.Wrapf(ErrUnknownShape, "update %s", u.ID)
		}
		next, err := sh.Apply(u.Patch)
		if err != nil {
			return err
		}
		if err := next.Validate(); err != nil {
			return err
		}
		b.Put(next)
	}
	for _, u := range updates {
		sh, _ := b.Get(u.ID)
		for _, ref := range sh.References() {
			if _, ok := b.Get(ref); !ok {
				return errors.Wrapf(ErrUnknownShape, "shape %s references %s", sh.ID, ref)
			}
		}
	}
	s.commit(b.Build(), false, cur)
	return nil
}

// Delete removes shapes. Children of a deleted frame are detached, and
// connector ends attached to a deleted shape become free points where that
// shape was. Unknown ids are ignored.
func (s *Store) Delete(ids ...string) error {
	cur := s.Snapshot()
	b := cur.Builder()
	gone := map[string]Shape{}
	for _, id := range ids {
		if sh, ok := b.Get(id); ok {
			gone[id] = sh
			b.Remove(id)
		}
	}
	if len(gone) == 0 {
		return nil
	}
	var touched []Shape
	b.Each(func(sh Shape) {
		changed := false
		if _, ok := gone[sh.ParentID]; ok && sh.ParentID != "" {
			sh.ParentID = ""
			changed = true
		}
		if sh.From != nil && sh.From.ShapeID != "" {
			if dead, ok := gone[sh.From.ShapeID]; ok {
				c := dead.Center()
				sh.From = &Endpoint{Point: &c}
				changed = true
			}
		}
		if sh.To != nil && sh.To.ShapeID != "" {
			if dead, ok := gone[sh.To.ShapeID]; ok {
				c := dead.Center()
				sh.To = &Endpoint{Point: &c}
				changed = true
			}
		}
		if changed {
			touched = append(touched, sh)
		}
	})
	for _, sh := range touched {
		b.Put(sh)
	}
	s.commit(b.Build(), false, cur)
	s.log.Debug("deleted shapes", zap.Int("count", len(gone)), zap.Int("detached", len(touched)))
	return nil
}

func (s *Store) Reorder(id string, op ReorderOp) error {
	cur := s.Snapshot()
	sh, ok := cur.Get(id)
	if !ok {
		return errors.Wrapf(ErrUnknownShape, "reorder %s", id)
	}
	b := cur.Builder()
	switch op {
	case ToFront:
		if sh.ZIndex == cur.MaxZ() && cur.Len() > 1 {
			return nil
		}
		sh.ZIndex = cur.MaxZ() + 1
	case ToBack:
		if sh.ZIndex == cur.MinZ() && cur.Len() > 1 {
			return nil
		}
		sh.ZIndex = cur.MinZ() - 1
	case Forward, Backward:
		var (
			other Shape
			found bool
		)
		cur.Each(func(o Shape) {
			if o.ID == id {
				return
			}
			if op == Forward && o.ZIndex > sh.ZIndex && (!found || o.ZIndex < other.ZIndex) {
				other, found = o, true
			}
			if op == Backward && o.ZIndex < sh.ZIndex && (!found || o.ZIndex > other.ZIndex) {
				other, found = o, true
			}
		})
		if !found {
			return nil
		}
		sh.ZIndex, other.ZIndex = other.ZIndex, sh.ZIndex
		b.Put(other)
	}
	b.Put(sh)
	s.commit(b.Build(), false, cur)
	return nil
}

// Select replaces the selection with the ids that exist.
func (s *Store) Select(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selection.Clear()
	for _, id := range ids {
		if s.snap.Has(id) {
			s.selection.Add(id)
		}
	}
}

func (s *Store) Undo() bool {
	s.mu.Lock()
	prev := s.snap
	target, ok := s.history.Undo(prev)
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.snap = target
	s.selection.Clear()
	s.mu.Unlock()
	s.notify(Transition{Prev: prev, Next: target})
	return true
}

func (s *Store) Redo() bool {
	s.mu.Lock()
	prev := s.snap
	target, ok := s.history.Redo()
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.snap = target
	s.selection.Clear()
	s.mu.Unlock()
	s.notify(Transition{Prev: prev, Next: target})
	return true
}

// Preview moves shapes for a local drag in progress. The transition is
// flagged transient and is not recorded in history.
func (s *Store) Preview(positions map[string]Point) bool {
	next, moved := s.moved(s.Snapshot(), positions, false)
	if !moved {
		return false
	}
	return s.commit(next, true, nil)
}

// CommitDrag lands a drag: origin is the document from before the drag and
// becomes the undo target. Moved shapes are re-parented to the top-most frame
// under their new center. A transition is always emitted, even when the
// preview already shows the final positions, so the drag gets written out.
// History only records drags that moved something.
func (s *Store) CommitDrag(origin *Snapshot, positions map[string]Point) {
	next, _ := s.moved(s.Snapshot(), positions, true)
	s.mu.Lock()
	prev := s.snap
	if origin != nil && !s.guard.Active() && draggedFrom(origin, next, positions) {
		s.history.Push(origin)
	}
	s.snap = next
	s.mu.Unlock()
	s.notify(Transition{Prev: prev, Next: next})
}

func draggedFrom(origin, next *Snapshot, positions map[string]Point) bool {
	for id := range positions {
		before, ok := origin.Get(id)
		if !ok {
			continue
		}
		after, ok := next.Get(id)
		if ok && (before.X != after.X || before.Y != after.Y || before.ParentID != after.ParentID) {
			return true
		}
	}
	return false
}

func (s *Store) moved(cur *Snapshot, positions map[string]Point, reparent bool) (*Snapshot, bool) {
	b := cur.Builder()
	moved := false
	for id, p := range positions {
		sh, ok := b.Get(id)
		if !ok {
			continue
		}
		if sh.X != p.X || sh.Y != p.Y {
			sh.X, sh.Y = p.X, p.Y
			moved = true
		}
		b.Put(sh)
	}
	if reparent {
		for id := range positions {
			sh, ok := b.Get(id)
			if !ok || sh.Type == KindFrame {
				continue
			}
			if parent := frameAt(b, sh.Center(), sh.ID); parent != sh.ParentID {
				sh.ParentID = parent
				b.Put(sh)
				moved = true
			}
		}
	}
	if !moved {
		return cur, false
	}
	return b.Build(), true
}

// commit installs next. historyBase, when set, is pushed as the undo target
// unless a remote merge holds the guard.
func (s *Store) commit(next *Snapshot, transient bool, historyBase *Snapshot) bool {
	s.mu.Lock()
	prev := s.snap
	if next == prev {
		s.mu.Unlock()
		return false
	}
	if historyBase != nil && !s.guard.Active() {
		s.history.Push(historyBase)
	}
	s.snap = next
	for _, id := range s.selection.ToSlice() {
		if !next.Has(id) {
			s.selection.Remove(id)
		}
	}
	s.mu.Unlock()
	s.notify(Transition{Prev: prev, Next: next, Transient: transient})
	return true
}

func (s *Store) notify(t Transition) {
	s.lmu.Lock()
	ls := make([]Listener, 0, len(s.listeners))
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		ls = append(ls, s.listeners[id])
	}
	s.lmu.Unlock()
	for _, fn := range ls {
		fn(t)
	}
}
