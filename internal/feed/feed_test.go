package feed

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardsync/internal/durable"
	"boardsync/internal/hold"
	"boardsync/internal/state"
)

// stub hands the handler back to the test so callbacks fire synchronously.
type stub struct {
	h   durable.Handler
	err error
	off bool
}

func (s *stub) Subscribe(_ context.Context, _ string, h durable.Handler) (func(), error) {
	if s.err != nil {
		return nil, s.err
	}
	s.h = h
	return func() { s.off = true }, nil
}

func rect(id string, x float64) state.Shape {
	return state.Shape{ID: id, Type: state.KindRectangle, X: x, Opacity: 1, Width: 10, Height: 10}
}

func open(t *testing.T, holds *hold.Table, now time.Time) (*Adapter, *stub, *state.Store, *[]state.Transition) {
	t.Helper()
	st := state.NewStore(nil, 0)
	var ts []state.Transition
	st.Subscribe(func(tr state.Transition) { ts = append(ts, tr) })
	sb := &stub{}
	a := New(Options{Doc: "d", Backend: sb, Store: st, Holds: holds, Now: func() time.Time { return now }})
	require.NoError(t, a.Open(context.Background()))
	assert.Equal(t, FirstBatchPending, a.State())
	return a, sb, st, &ts
}

func TestInitialThenBatches(t *testing.T) {
	a, sb, st, ts := open(t, nil, time.Unix(0, 0))

	sb.h.OnInitial([]state.Shape{rect("a", 0), rect("b", 0), {ID: "bad", Type: "blob"}})
	assert.Equal(t, Steady, a.State())
	assert.Equal(t, 2, st.Snapshot().Len(), "malformed shapes are skipped")
	assert.Equal(t, 0, st.HistoryLen(), "remote state is never undoable")
	select {
	case <-a.Ready():
	default:
		t.Fatal("ready not closed after first batch")
	}

	sb.h.OnChanges([]durable.ChangeEvent{
		{Kind: durable.Added, Shape: rect("a", 5)},
		{Kind: durable.Modified, Shape: rect("c", 1)},
		{Kind: durable.Removed, Shape: state.Shape{ID: "ghost"}},
		{Kind: durable.Removed, Shape: state.Shape{ID: "b"}},
	})
	require.Len(t, *ts, 2, "one transition per batch")

	snap := st.Snapshot()
	got, _ := snap.Get("a")
	assert.Equal(t, 5.0, got.X, "added for a known id acts as a modify")
	assert.True(t, snap.Has("c"), "modified for an unknown id acts as an add")
	assert.False(t, snap.Has("b"))
	assert.Equal(t, 0, st.HistoryLen())
}

func TestMergeIsIdempotent(t *testing.T) {
	a, sb, st, ts := open(t, nil, time.Unix(0, 0))
	sb.h.OnInitial(nil)

	batch := []durable.ChangeEvent{{Kind: durable.Modified, Shape: rect("a", 3)}}
	sb.h.OnChanges(batch)
	first := st.Snapshot()
	sb.h.OnChanges(batch)

	assert.Same(t, first, st.Snapshot())
	assert.Len(t, *ts, 2, "initial plus one effective batch")
	assert.False(t, a.Merge(batch))
}

func TestHeldShapesAreParked(t *testing.T) {
	now := time.Unix(0, 0)
	holds := hold.New(time.Second)
	a, sb, st, _ := open(t, holds, now)
	sb.h.OnInitial([]state.Shape{rect("dragged", 0), rect("sibling", 0)})

	holds.Extend("dragged", "peer", 1, now)
	sb.h.OnChanges([]durable.ChangeEvent{
		{Kind: durable.Modified, Shape: rect("dragged", 99)},
		{Kind: durable.Modified, Shape: rect("sibling", 7)},
	})

	d, _ := st.Get("dragged")
	s, _ := st.Get("sibling")
	assert.Equal(t, 0.0, d.X, "held shape keeps its local position")
	assert.Equal(t, 7.0, s.X, "siblings merge immediately")
	assert.Equal(t, 1, holds.Parked())

	released := holds.Release("peer", 2)
	require.True(t, a.Merge(released))
	d, _ = st.Get("dragged")
	assert.Equal(t, 99.0, d.X)
}

func TestCloseAndErrors(t *testing.T) {
	a, sb, st, _ := open(t, nil, time.Unix(0, 0))
	sb.h.OnInitial(nil)
	sb.h.OnError(errors.Wrap(durable.ErrPermissionDenied, "signed out"))
	assert.Equal(t, Steady, a.State())

	a.Close()
	assert.True(t, sb.off)
	assert.Equal(t, Closed, a.State())
	sb.h.OnChanges([]durable.ChangeEvent{{Kind: durable.Added, Shape: rect("late", 0)}})
	assert.False(t, st.Snapshot().Has("late"), "callbacks after close are ignored")
}

func TestOpenFailure(t *testing.T) {
	st := state.NewStore(nil, 0)
	a := New(Options{Doc: "d", Backend: &stub{err: durable.ErrClosed}, Store: st})
	err := a.Open(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, durable.ErrClosed))
	assert.Equal(t, Closed, a.State())
	assert.ErrorIs(t, a.Open(context.Background()), ErrAlreadyOpen)
}
