package writeq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardsync/internal/diff"
	"boardsync/internal/durable"
	"boardsync/internal/state"
)

func TestChunk(t *testing.T) {
	items := make([]int, 1000)
	chunks := Chunk(items, 499)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 499)
	assert.Len(t, chunks[1], 499)
	assert.Len(t, chunks[2], 2)
	assert.Empty(t, Chunk([]int(nil), 10))
}

func TestQueueRunsInOrderAndRetries(t *testing.T) {
	q := NewQueue("d", Config{Attempts: 3, Backoff: time.Millisecond})
	var (
		mu    sync.Mutex
		order []string
		tries int
	)
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	_, err := q.Enqueue("flaky", 1, func(context.Context) error {
		tries++
		if tries < 3 {
			return errors.Mark(errors.New("timeout"), durable.ErrTransient)
		}
		record("flaky")
		return nil
	})
	require.NoError(t, err)
	_, err = q.Enqueue("dead", 1, func(context.Context) error {
		return errors.Mark(errors.New("timeout"), durable.ErrTransient)
	})
	require.NoError(t, err)
	_, err = q.Enqueue("last", 1, func(context.Context) error {
		record("last")
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, q.Close(context.Background()))
	assert.Equal(t, []string{"flaky", "last"}, order, "a dropped op does not block the ones after it")
	assert.Equal(t, 3, tries)

	_, err = q.Enqueue("late", 1, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestDefaultAttemptsIncludeTheFirstTry(t *testing.T) {
	q := NewQueue("d", Config{Backoff: time.Millisecond})
	calls := 0
	_, err := q.Enqueue("dead", 1, func(context.Context) error {
		calls++
		return durable.ErrTransient
	})
	require.NoError(t, err)
	require.NoError(t, q.Close(context.Background()))
	assert.Equal(t, DefaultAttempts, calls)
	assert.Equal(t, 3, calls)
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	q := NewQueue("d", Config{Attempts: 3, Backoff: time.Millisecond})
	calls := 0
	_, _ = q.Enqueue("bad", 600, func(context.Context) error {
		calls++
		return durable.ErrTooManyWrites
	})
	require.NoError(t, q.Close(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestCloseAbandonsOnDeadline(t *testing.T) {
	q := NewQueue("d", Config{Attempts: 3, Backoff: time.Hour})
	_, _ = q.Enqueue("stuck", 1, func(context.Context) error {
		return durable.ErrTransient
	})
	_, _ = q.Enqueue("never", 1, func(context.Context) error {
		t.Error("abandoned op ran")
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, q.Len())
}

func TestWriterChunksAndOrders(t *testing.T) {
	mem := durable.NewMemory()
	q := NewQueue("d", Config{Backoff: time.Millisecond})
	w := NewWriter(q, mem, "d", "me", 0)

	shapes := make([]state.Shape, 1000)
	for i := range shapes {
		shapes[i] = state.NewShape(state.KindRectangle, float64(i), 0)
	}
	assert.Equal(t, 3, w.Write(diff.Delta{Added: shapes}))
	assert.Equal(t, 2, w.Write(diff.Delta{
		Modified: []diff.Modification{{ID: shapes[0].ID, Patch: state.Patch{state.FieldX: 5.0}}},
		Deleted:  []string{shapes[1].ID},
	}))
	assert.Equal(t, 0, w.Write(diff.Delta{}))
	require.NoError(t, q.Close(context.Background()))

	calls := mem.Calls()
	require.Len(t, calls, 5)
	for _, c := range calls[:3] {
		assert.Equal(t, "create", c.Op)
		assert.LessOrEqual(t, c.Count, 499)
		assert.Equal(t, "me", c.Writer)
	}
	assert.Equal(t, "update", calls[3].Op)
	assert.Equal(t, "delete", calls[4].Op)

	snap := mem.Snapshot("d")
	assert.Equal(t, 999, snap.Len())
	got, _ := snap.Get(shapes[0].ID)
	assert.Equal(t, 5.0, got.X)
}
