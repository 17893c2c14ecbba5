package writeq

import (
	"context"

	"go.uber.org/zap"

	"boardsync/internal/diff"
	"boardsync/internal/durable"
)

// DefaultChunkSize leaves one slot of headroom under the provider limit.
const DefaultChunkSize = durable.MaxWriteBatch - 1

// Chunk splits items into consecutive slices of at most size elements.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = DefaultChunkSize
	}
	var out [][]T
	for len(items) > size {
		out = append(out, items[:size:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

// Writer turns diff deltas into queued durable writes for one document.
type Writer struct {
	q         *Queue
	backend   durable.Writer
	doc       string
	identity  string
	chunkSize int
}

func NewWriter(q *Queue, backend durable.Writer, doc, identity string, chunkSize int) *Writer {
	if chunkSize <= 0 || chunkSize > durable.MaxWriteBatch {
		chunkSize = DefaultChunkSize
	}
	return &Writer{q: q, backend: backend, doc: doc, identity: identity, chunkSize: chunkSize}
}

// Write enqueues creates, then updates, then deletes. It returns the number
// of ops enqueued.
func (w *Writer) Write(d diff.Delta) int {
	if d.Empty() {
		return 0
	}
	n := 0
	for _, chunk := range Chunk(d.Added, w.chunkSize) {
		shapes := chunk
		w.enqueue("create_many", len(shapes), func(ctx context.Context) error {
			return w.backend.CreateMany(ctx, w.doc, w.identity, shapes)
		})
		n++
	}
	updates := make([]durable.Update, 0, len(d.Modified))
	for _, m := range d.Modified {
		updates = append(updates, durable.Update{ID: m.ID, Patch: m.Patch})
	}
	for _, chunk := range Chunk(updates, w.chunkSize) {
		batch := chunk
		w.enqueue("update_many", len(batch), func(ctx context.Context) error {
			return w.backend.UpdateMany(ctx, w.doc, w.identity, batch)
		})
		n++
	}
	for _, chunk := range Chunk(d.Deleted, w.chunkSize) {
		ids := chunk
		w.enqueue("delete_many", len(ids), func(ctx context.Context) error {
			return w.backend.DeleteMany(ctx, w.doc, w.identity, ids)
		})
		n++
	}
	return n
}

func (w *Writer) enqueue(name string, count int, run func(ctx context.Context) error) {
	if _, err := w.q.Enqueue(name, count, run); err != nil {
		w.q.log.Warn("write_rejected", zap.String("op", name), zap.Int("count", count), zap.Error(err))
	}
}
