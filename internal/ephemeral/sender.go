package ephemeral

import (
	"context"
	"encoding/binary"
	"math"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"boardsync/internal/logger"
	"boardsync/internal/metrics"
	"boardsync/internal/state"
)

const (
	DefaultGrid             = 4.0
	DefaultBaseInterval     = 33 * time.Millisecond
	DefaultPerEntryInterval = 2 * time.Millisecond
	DefaultMaxInterval      = 150 * time.Millisecond
	DefaultHeartbeat        = 500 * time.Millisecond
)

type SenderConfig struct {
	Grid             float64
	BaseInterval     time.Duration
	PerEntryInterval time.Duration
	MaxInterval      time.Duration
	Heartbeat        time.Duration
}

func (c SenderConfig) withDefaults() SenderConfig {
	if c.Grid <= 0 {
		c.Grid = DefaultGrid
	}
	if c.BaseInterval <= 0 {
		c.BaseInterval = DefaultBaseInterval
	}
	if c.PerEntryInterval <= 0 {
		c.PerEntryInterval = DefaultPerEntryInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	if c.MaxInterval < c.BaseInterval {
		c.MaxInterval = c.BaseInterval
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	return c
}

// Sender throttles and deduplicates the local drag stream. It is driven from
// the session loop and is not safe for concurrent use.
type Sender struct {
	ch    Channel
	doc   string
	clock *state.Clock
	cfg   SenderConfig
	log   *zap.Logger

	active   bool
	pending  []Position
	dirty    bool
	pendSig  uint64
	last     []Position
	lastSig  uint64
	lastSent time.Time
	sentAny  bool
}

func NewSender(ch Channel, doc string, clock *state.Clock, cfg SenderConfig) *Sender {
	return &Sender{
		ch:    ch,
		doc:   doc,
		clock: clock,
		cfg:   cfg.withDefaults(),
		log:   logger.Named("ephemeral.sender"),
	}
}

// Interval is the minimum gap between two frames carrying n entries.
func (s *Sender) Interval(n int) time.Duration {
	d := s.cfg.BaseInterval + time.Duration(n)*s.cfg.PerEntryInterval
	if d > s.cfg.MaxInterval {
		d = s.cfg.MaxInterval
	}
	return d
}

// Quantize snaps positions to the grid and sorts them by shape id.
func (s *Sender) Quantize(positions map[string]state.Point) []Position {
	out := make([]Position, 0, len(positions))
	for id, p := range positions {
		out = append(out, Position{
			ShapeID: id,
			X:       math.Round(p.X/s.cfg.Grid) * s.cfg.Grid,
			Y:       math.Round(p.Y/s.cfg.Grid) * s.cfg.Grid,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShapeID < out[j].ShapeID })
	return out
}

// Signature hashes a sorted quantized set.
func Signature(entries []Position) uint64 {
	d := xxhash.New()
	var buf [8]byte
	for _, e := range entries {
		_, _ = d.WriteString(e.ShapeID)
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(e.X))
		_, _ = d.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(e.Y))
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

// Update records the latest drag positions and sends them if the quantized
// set changed and the adaptive interval allows. It reports whether a frame
// went out.
func (s *Sender) Update(ctx context.Context, positions map[string]state.Point, now time.Time) (bool, error) {
	if len(positions) == 0 {
		return false, nil
	}
	entries := s.Quantize(positions)
	sig := Signature(entries)
	s.active = true
	if s.sentAny && sig == s.lastSig {
		s.dirty = false
		s.pending = nil
		return s.heartbeat(ctx, now)
	}
	s.pending, s.pendSig, s.dirty = entries, sig, true
	return s.Flush(ctx, now)
}

// Flush sends the pending set once the interval has elapsed, or repeats the
// last set when the heartbeat is due so peers keep their holds alive.
func (s *Sender) Flush(ctx context.Context, now time.Time) (bool, error) {
	if !s.dirty {
		return s.heartbeat(ctx, now)
	}
	if s.sentAny && now.Sub(s.lastSent) < s.Interval(len(s.pending)) {
		return false, nil
	}
	if err := s.send(ctx, s.pending, now); err != nil {
		return false, err
	}
	s.last, s.lastSig = s.pending, s.pendSig
	s.pending, s.dirty = nil, false
	return true, nil
}

func (s *Sender) heartbeat(ctx context.Context, now time.Time) (bool, error) {
	if !s.active || !s.sentAny || now.Sub(s.lastSent) < s.cfg.Heartbeat {
		return false, nil
	}
	if err := s.send(ctx, s.last, now); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Sender) send(ctx context.Context, entries []Position, now time.Time) error {
	f := Frame{
		Doc:     s.doc,
		Source:  s.clock.Source(),
		Seq:     s.clock.Tick(),
		SentAt:  now,
		Entries: entries,
	}
	// advances even when the transport fails
	s.lastSent, s.sentAny = now, true
	if err := s.ch.Broadcast(ctx, f); err != nil {
		s.log.Debug("broadcast_failed", zap.Uint64("seq", f.Seq), zap.Error(err))
		return err
	}
	metrics.FramesSent.Inc()
	return nil
}

// Active reports whether a drag stream is open.
func (s *Sender) Active() bool { return s.active }

// Clear ends the drag stream with a Clear frame and resets the sender.
func (s *Sender) Clear(ctx context.Context, now time.Time) error {
	f := Frame{
		Doc:    s.doc,
		Source: s.clock.Source(),
		Seq:    s.clock.Tick(),
		Clear:  true,
		SentAt: now,
	}
	s.active, s.dirty, s.sentAny = false, false, false
	s.pending, s.last, s.lastSig = nil, nil, 0
	if err := s.ch.Clear(ctx, f); err != nil {
		s.log.Debug("clear_failed", zap.Uint64("seq", f.Seq), zap.Error(err))
		return err
	}
	return nil
}
