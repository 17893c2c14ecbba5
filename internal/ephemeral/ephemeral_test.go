package ephemeral

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardsync/internal/durable"
	"boardsync/internal/hold"
	"boardsync/internal/state"
)

type capture struct {
	mu     sync.Mutex
	frames []Frame
}

func (c *capture) Broadcast(_ context.Context, f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *capture) Clear(ctx context.Context, f Frame) error {
	return c.Broadcast(ctx, f)
}

func (c *capture) Subscribe(string, string, func(Frame)) (func(), error) {
	return func() {}, nil
}

func (c *capture) sent() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.frames...)
}

func newSender(ch Channel) *Sender {
	return NewSender(ch, "doc", state.NewClockFor("me"), SenderConfig{})
}

func pos(id string, x, y float64) map[string]state.Point {
	return map[string]state.Point{id: {X: x, Y: y}}
}

func TestQuantizationStability(t *testing.T) {
	ch := &capture{}
	s := newSender(ch)
	t0 := time.Unix(100, 0)

	sent, err := s.Update(context.Background(), pos("a", 9, 9), t0)
	require.NoError(t, err)
	assert.True(t, sent)

	// same grid cell, well past the interval but before the heartbeat
	sent, err = s.Update(context.Background(), pos("a", 9.5, 8.5), t0.Add(100*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, sent)
	require.Len(t, ch.sent(), 1)
	assert.Equal(t, Position{ShapeID: "a", X: 8, Y: 8}, ch.sent()[0].Entries[0])
}

func TestSenderRespectsAdaptiveInterval(t *testing.T) {
	ch := &capture{}
	s := newSender(ch)
	ctx := context.Background()
	t0 := time.Unix(100, 0)

	_, _ = s.Update(ctx, pos("a", 0, 0), t0)
	sent, _ := s.Update(ctx, pos("a", 40, 40), t0.Add(10*time.Millisecond))
	assert.False(t, sent, "too soon")
	sent, _ = s.Flush(ctx, t0.Add(20*time.Millisecond))
	assert.False(t, sent)
	sent, _ = s.Flush(ctx, t0.Add(40*time.Millisecond))
	assert.True(t, sent, "pending change goes out once the interval elapsed")

	frames := ch.sent()
	require.Len(t, frames, 2)
	assert.Equal(t, 40.0, frames[1].Entries[0].X)
	assert.Less(t, frames[0].Seq, frames[1].Seq)

	assert.Equal(t, DefaultMaxInterval, s.Interval(10000))
	assert.Equal(t, DefaultBaseInterval+3*DefaultPerEntryInterval, s.Interval(3))
	assert.Greater(t, s.Interval(20), s.Interval(1), "a zero config still scales with payload")
}

func TestSenderHeartbeatAndClear(t *testing.T) {
	ch := &capture{}
	s := newSender(ch)
	ctx := context.Background()
	t0 := time.Unix(100, 0)

	_, _ = s.Update(ctx, pos("a", 0, 0), t0)
	sent, _ := s.Flush(ctx, t0.Add(DefaultHeartbeat+time.Millisecond))
	assert.True(t, sent, "stationary drag repeats on heartbeat")

	require.NoError(t, s.Clear(ctx, t0.Add(time.Second)))
	assert.False(t, s.Active())
	sent, _ = s.Flush(ctx, t0.Add(3*time.Second))
	assert.False(t, sent, "no heartbeat after clear")

	sent, _ = s.Update(ctx, pos("a", 0, 0), t0.Add(time.Second+time.Millisecond))
	assert.True(t, sent, "a new drag starts immediately")

	frames := ch.sent()
	require.Len(t, frames, 4)
	assert.True(t, frames[2].Clear)
	for i := 1; i < len(frames); i++ {
		assert.Greater(t, frames[i].Seq, frames[i-1].Seq)
	}
}

func frameOf(src string, seq uint64, at time.Time, ps ...Position) Frame {
	return Frame{Doc: "doc", Source: src, Seq: seq, SentAt: at, Entries: ps}
}

func TestReceiverOrdering(t *testing.T) {
	holds := hold.New(time.Second)
	r := NewReceiver("me", holds, 0)
	now := time.Unix(100, 0)

	r.Handle(frameOf("me", 1, now, Position{ShapeID: "a", X: 1}), now)
	assert.Equal(t, 0, r.Pending(), "self frames are ignored")

	r.Handle(frameOf("p", 5, now, Position{ShapeID: "a", X: 1, Y: 1}), now)
	r.Handle(frameOf("p", 3, now, Position{ShapeID: "a", X: 9, Y: 9}, Position{ShapeID: "b", X: 2}), now)
	r.Handle(frameOf("p", 5, now, Position{ShapeID: "a", X: 7, Y: 7}), now)

	got := r.Drain()
	assert.Equal(t, state.Point{X: 1, Y: 1}, got["a"], "older and duplicate frames lose")
	assert.Equal(t, state.Point{X: 2}, got["b"], "sequence is tracked per shape")
	assert.Nil(t, r.Drain())

	assert.True(t, holds.Held("a", now))
	assert.True(t, holds.Held("b", now))
}

func TestReceiverDropsStaleFrames(t *testing.T) {
	holds := hold.New(time.Second)
	r := NewReceiver("me", holds, time.Second)
	now := time.Unix(100, 0)
	sent := now.Add(-10 * time.Second)

	r.Handle(frameOf("p", 1, sent, Position{ShapeID: "a"}), now)
	assert.Equal(t, 1, r.Pending(), "a peer clock far behind ours is not stale by itself")
	r.Drain()

	r.Handle(frameOf("p", 2, sent.Add(-3*time.Second), Position{ShapeID: "b"}), now)
	assert.Equal(t, 0, r.Pending(), "sent long before the newest frame from the same peer")
	assert.False(t, holds.Held("b", now))

	r.Handle(frameOf("p", 3, sent.Add(-500*time.Millisecond), Position{ShapeID: "b"}), now)
	assert.Equal(t, 1, r.Pending(), "small reordering stays within max age")
}

func TestReceiverSkewedPeerClock(t *testing.T) {
	holds := hold.New(time.Second)
	r := NewReceiver("me", holds, 0)
	now := time.Unix(100, 0)
	behind, ahead := now.Add(-3*time.Second), now.Add(3*time.Second)

	r.Handle(frameOf("slow", 1, behind, Position{ShapeID: "a", X: 4}), now)
	r.Handle(frameOf("fast", 1, ahead, Position{ShapeID: "b", X: 8}), now)

	got := r.Drain()
	assert.Equal(t, state.Point{X: 4}, got["a"])
	assert.Equal(t, state.Point{X: 8}, got["b"])
	assert.True(t, holds.Held("a", now))
	assert.True(t, holds.Held("b", now))
}

func TestReceiverLateClearKeepsNewerDrag(t *testing.T) {
	holds := hold.New(time.Minute)
	r := NewReceiver("me", holds, 0)
	now := time.Unix(100, 0)

	r.Handle(frameOf("p", 6, now, Position{ShapeID: "a", X: 10}), now)
	r.Handle(frameOf("p", 7, now, Position{ShapeID: "a", X: 20}), now)
	holds.Park(durable.ChangeEvent{Kind: durable.Modified, Shape: state.Shape{ID: "a"}})

	released := r.Handle(Frame{Doc: "doc", Source: "p", Seq: 5, Clear: true, SentAt: now}, now)
	assert.Empty(t, released, "the hold belongs to a later drag")
	assert.True(t, holds.Held("a", now))
	assert.Equal(t, state.Point{X: 20}, r.Drain()["a"])

	r.Handle(frameOf("p", 6, now, Position{ShapeID: "a", X: 10}), now)
	assert.Equal(t, 0, r.Pending(), "a duplicate behind the last applied entry stays dropped")

	r.Handle(Frame{Doc: "doc", Source: "p", Seq: 3, Clear: true, SentAt: now}, now)
	assert.True(t, holds.Held("a", now), "an older clear than the last one is ignored")

	released = r.Handle(Frame{Doc: "doc", Source: "p", Seq: 8, Clear: true, SentAt: now}, now)
	require.Len(t, released, 1)
	assert.False(t, holds.Held("a", now))
}

func TestReceiverClearReleasesParked(t *testing.T) {
	holds := hold.New(time.Minute)
	r := NewReceiver("me", holds, 0)
	now := time.Unix(100, 0)

	r.Handle(frameOf("p", 4, now, Position{ShapeID: "a", X: 1}), now)
	holds.Park(durable.ChangeEvent{Kind: durable.Modified, Shape: state.Shape{ID: "a"}})

	released := r.Handle(Frame{Doc: "doc", Source: "p", Seq: 6, Clear: true, SentAt: now}, now)
	require.Len(t, released, 1)
	assert.Equal(t, "a", released[0].Shape.ID)
	assert.False(t, holds.Held("a", now))
	assert.Equal(t, 0, r.Pending(), "overlay from the cleared source is voided")

	r.Handle(frameOf("p", 5, now, Position{ShapeID: "a"}), now)
	assert.Equal(t, 0, r.Pending(), "entries older than the clear are void")

	r.Handle(frameOf("p", 7, now, Position{ShapeID: "a", X: 3}), now)
	assert.Equal(t, 1, r.Pending())
}

func TestHubDeliversInOrderToOthers(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	var (
		mu  sync.Mutex
		got []uint64
	)
	cancel, err := hub.Subscribe("doc", "b", func(f Frame) {
		mu.Lock()
		got = append(got, f.Seq)
		mu.Unlock()
	})
	require.NoError(t, err)
	_, err = hub.Subscribe("doc", "a", func(Frame) { t.Error("self frame delivered") })
	require.NoError(t, err)

	ctx := context.Background()
	for i := uint64(1); i <= 20; i++ {
		require.NoError(t, hub.Broadcast(ctx, Frame{Doc: "doc", Source: "a", Seq: i}))
	}
	require.NoError(t, hub.Broadcast(ctx, Frame{Doc: "other", Source: "a", Seq: 99}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 20
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	for i, seq := range got {
		assert.Equal(t, uint64(i+1), seq)
	}
	mu.Unlock()

	cancel()
	cancel()
	require.NoError(t, hub.Clear(ctx, Frame{Doc: "doc", Source: "a", Seq: 21}))
}
