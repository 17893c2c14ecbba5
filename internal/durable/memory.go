package durable

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"boardsync/internal/state"
)

// Call records one accepted write request.
type Call struct {
	Op     string
	Doc    string
	Writer string
	Count  int
}

type memDoc struct {
	shapes *state.Snapshot
	meta   map[string]Record
}

// Memory is an in-process durable store. It is used by tests and by the
// single-process demo.
type Memory struct {
	mu       sync.Mutex
	docs     map[string]*memDoc
	feeds    *fanout
	calls    []Call
	failures int
	closed   bool
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		docs:  map[string]*memDoc{},
		feeds: newFanout(),
		now:   time.Now,
	}
}

func (m *Memory) doc(id string) *memDoc {
	d, ok := m.docs[id]
	if !ok {
		d = &memDoc{shapes: state.Empty(), meta: map[string]Record{}}
		m.docs[id] = d
	}
	return d
}

func (m *Memory) Subscribe(ctx context.Context, doc string, h Handler) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	s := newSubscription(h)
	s.initial(m.doc(doc).shapes.Shapes())
	m.feeds.add(doc, s)
	var once sync.Once
	return func() { once.Do(func() { m.feeds.remove(doc, s) }) }, nil
}

// FailNext makes the next n write requests fail with ErrTransient.
func (m *Memory) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
}

// Revoke reports ErrPermissionDenied to every subscriber of doc.
func (m *Memory) Revoke(doc string) {
	m.feeds.revoke(doc)
}

// Calls returns the accepted write requests in order.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// Snapshot returns the stored document.
func (m *Memory) Snapshot(doc string) *state.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc(doc).shapes
}

func (m *Memory) Get(doc, id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.doc(doc).meta[id]
	return r, ok
}

func (m *Memory) begin(ctx context.Context, n int) error {
	if err := ctx.Err(); err != nil {
		return errors.Mark(err, ErrTransient)
	}
	if m.closed {
		return ErrClosed
	}
	if err := checkBatch(n); err != nil {
		return err
	}
	if m.failures > 0 {
		m.failures--
		return errors.Wrap(ErrTransient, "injected failure")
	}
	return nil
}

func (m *Memory) CreateMany(ctx context.Context, doc, writer string, shapes []state.Shape) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, len(shapes)); err != nil {
		return err
	}
	d := m.doc(doc)
	b := d.shapes.Builder()
	now := m.now()
	batch := make([]ChangeEvent, 0, len(shapes))
	for _, sh := range shapes {
		kind := Added
		if _, ok := b.Get(sh.ID); ok {
			kind = Modified
		}
		b.Put(sh)
		d.meta[sh.ID] = Record{Shape: sh, UpdatedBy: writer, UpdatedAt: now}
		batch = append(batch, ChangeEvent{Kind: kind, Shape: sh})
	}
	d.shapes = b.Build()
	m.calls = append(m.calls, Call{Op: "create", Doc: doc, Writer: writer, Count: len(shapes)})
	m.feeds.publish(doc, batch)
	return nil
}

func (m *Memory) UpdateMany(ctx context.Context, doc, writer string, updates []Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, len(updates)); err != nil {
		return err
	}
	d := m.doc(doc)
	b := d.shapes.Builder()
	now := m.now()
	batch := make([]ChangeEvent, 0, len(updates))
	for _, u := range updates {
		sh, ok := b.Get(u.ID)
		if !ok {
			continue
		}
		next, err := sh.Apply(u.Patch)
		if err != nil {
			return err
		}
		b.Put(next)
		d.meta[next.ID] = Record{Shape: next, UpdatedBy: writer, UpdatedAt: now}
		batch = append(batch, ChangeEvent{Kind: Modified, Shape: next})
	}
	d.shapes = b.Build()
	m.calls = append(m.calls, Call{Op: "update", Doc: doc, Writer: writer, Count: len(updates)})
	m.feeds.publish(doc, batch)
	return nil
}

func (m *Memory) DeleteMany(ctx context.Context, doc, writer string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, len(ids)); err != nil {
		return err
	}
	d := m.doc(doc)
	b := d.shapes.Builder()
	batch := make([]ChangeEvent, 0, len(ids))
	for _, id := range ids {
		sh, ok := b.Get(id)
		if !ok {
			continue
		}
		b.Remove(id)
		delete(d.meta, id)
		batch = append(batch, ChangeEvent{Kind: Removed, Shape: sh})
	}
	d.shapes = b.Build()
	m.calls = append(m.calls, Call{Op: "delete", Doc: doc, Writer: writer, Count: len(ids)})
	m.feeds.publish(doc, batch)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.feeds.closeAll()
	return nil
}
