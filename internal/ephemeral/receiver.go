package ephemeral

import (
	"time"

	"go.uber.org/zap"

	"boardsync/internal/durable"
	"boardsync/internal/hold"
	"boardsync/internal/logger"
	"boardsync/internal/metrics"
	"boardsync/internal/state"
)

const (
	DefaultMaxAge        = 2 * time.Second
	DefaultFrameInterval = 16 * time.Millisecond
)

type overlay struct {
	source string
	seq    uint64
	at     state.Point
}

// Receiver filters incoming frames and accumulates the positions to show.
// Like the Sender it belongs to the session loop.
type Receiver struct {
	self    string
	holds   *hold.Table
	maxAge  time.Duration
	last    map[string]map[string]uint64
	cleared map[string]uint64
	newest  map[string]time.Time
	pending map[string]overlay
	log     *zap.Logger
}

func NewReceiver(self string, holds *hold.Table, maxAge time.Duration) *Receiver {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Receiver{
		self:    self,
		holds:   holds,
		maxAge:  maxAge,
		last:    map[string]map[string]uint64{},
		cleared: map[string]uint64{},
		newest:  map[string]time.Time{},
		pending: map[string]overlay{},
		log:     logger.Named("ephemeral.receiver"),
	}
}

// Handle applies one frame. Live entries extend the hold on their shape and
// land in the pending overlay. A Clear frame retires what the source's
// earlier frames established and returns the durable changes that were
// parked behind them; entries newer than the clear are left alone.
func (r *Receiver) Handle(f Frame, now time.Time) []durable.ChangeEvent {
	if f.Source == r.self {
		metrics.FramesDropped.WithLabelValues("self").Inc()
		return nil
	}
	if cs, ok := r.cleared[f.Source]; ok && f.Seq <= cs {
		metrics.FramesDropped.WithLabelValues("cleared").Inc()
		return nil
	}
	if f.Clear {
		return r.clear(f)
	}
	if r.stale(f) {
		metrics.FramesDropped.WithLabelValues("stale").Inc()
		return nil
	}

	seen := r.last[f.Source]
	if seen == nil {
		seen = map[string]uint64{}
		r.last[f.Source] = seen
	}
	for _, e := range f.Entries {
		if f.Seq <= seen[e.ShapeID] {
			metrics.FramesDropped.WithLabelValues("outdated").Inc()
			continue
		}
		seen[e.ShapeID] = f.Seq
		r.holds.Extend(e.ShapeID, f.Source, f.Seq, now)
		r.pending[e.ShapeID] = overlay{source: f.Source, seq: f.Seq, at: e.Point()}
	}
	return nil
}

func (r *Receiver) clear(f Frame) []durable.ChangeEvent {
	r.cleared[f.Source] = f.Seq
	if seen := r.last[f.Source]; seen != nil {
		for id, seq := range seen {
			if seq < f.Seq {
				delete(seen, id)
			}
		}
		if len(seen) == 0 {
			delete(r.last, f.Source)
		}
	}
	for id, o := range r.pending {
		if o.source == f.Source && o.seq < f.Seq {
			delete(r.pending, id)
		}
	}
	released := r.holds.Release(f.Source, f.Seq)
	r.log.Debug("source_cleared", zap.String("source", f.Source),
		zap.Uint64("seq", f.Seq), zap.Int("released", len(released)))
	return released
}

// stale reports whether f was sent more than maxAge before the newest frame
// seen from the same source. Ages are compared on the sender's clock only,
// so peers with skewed clocks are judged against themselves.
func (r *Receiver) stale(f Frame) bool {
	if f.SentAt.IsZero() {
		return false
	}
	newest, ok := r.newest[f.Source]
	if !ok || f.SentAt.After(newest) {
		r.newest[f.Source] = f.SentAt
		return false
	}
	return newest.Sub(f.SentAt) > r.maxAge
}

// Drain returns and resets the positions received since the last call.
func (r *Receiver) Drain() map[string]state.Point {
	if len(r.pending) == 0 {
		return nil
	}
	out := make(map[string]state.Point, len(r.pending))
	for id, o := range r.pending {
		out[id] = o.at
	}
	r.pending = map[string]overlay{}
	return out
}

func (r *Receiver) Pending() int { return len(r.pending) }
