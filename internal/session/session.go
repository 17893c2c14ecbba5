// Package session wires one document's sync engine together and runs it on
// a single goroutine. Every store mutation, feed callback, ephemeral frame
// and timer is posted onto that loop, so the document is only ever touched
// by one writer.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"boardsync/internal/diff"
	"boardsync/internal/durable"
	"boardsync/internal/ephemeral"
	"boardsync/internal/feed"
	"boardsync/internal/guard"
	"boardsync/internal/hold"
	"boardsync/internal/logger"
	"boardsync/internal/metrics"
	"boardsync/internal/state"
	"boardsync/internal/writeq"
)

var ErrClosed = errors.New("session closed")

type Options struct {
	Doc string
	// Identity names this client in durable writes and ephemeral frames.
	// A random one is generated when empty.
	Identity string
	Backend  durable.Backend
	// Channel is optional; without it drags are only written on release.
	Channel ephemeral.Channel

	HistoryLimit  int
	ChunkSize     int
	Writes        writeq.Config
	Sender        ephemeral.SenderConfig
	MaxAge        time.Duration
	HoldTTL       time.Duration
	FrameInterval time.Duration

	Now func() time.Time
}

type Session struct {
	opts Options
	log  *zap.Logger

	guard    *guard.Guard
	store    *state.Store
	holds    *hold.Table
	feed     *feed.Adapter
	clock    *state.Clock
	sender   *ephemeral.Sender
	receiver *ephemeral.Receiver
	queue    *writeq.Queue
	writer   *writeq.Writer

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	tasks  []func()
	closed bool
	wake   chan struct{}
	quit   chan struct{}
	done   chan struct{}

	// owned by the loop
	unsubStore     func()
	unsubEphemeral func()
	sweep          *time.Timer
	dragBase       map[string]*state.Shape
	dragOrigin     *state.Snapshot
	dragPositions  map[string]state.Point
	// peer overlays currently shown, with the position they replaced
	shown map[string]shownAt
}

type shownAt struct {
	base, at state.Point
}

// Open builds the engine for opts.Doc and subscribes to the durable store.
// Subscription failure is returned; every later sync error is handled
// inside the session.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if opts.Doc == "" {
		return nil, errors.New("session: document id required")
	}
	if opts.Backend == nil {
		return nil, errors.New("session: durable backend required")
	}
	if opts.Identity == "" {
		opts.Identity = uuid.NewString()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = ephemeral.DefaultFrameInterval
	}

	g := guard.New()
	s := &Session{
		opts:  opts,
		log:   logger.Named("session").With(zap.String("doc", opts.Doc), zap.String("identity", opts.Identity)),
		guard: g,
		store: state.NewStore(g, opts.HistoryLimit),
		holds: hold.New(opts.HoldTTL),
		clock: state.NewClockFor(opts.Identity),
		queue: writeq.NewQueue(opts.Doc, opts.Writes),
		shown: map[string]shownAt{},
		wake:  make(chan struct{}, 1),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.writer = writeq.NewWriter(s.queue, opts.Backend, opts.Doc, opts.Identity, opts.ChunkSize)
	s.feed = feed.New(feed.Options{
		Doc:     opts.Doc,
		Backend: opts.Backend,
		Store:   s.store,
		Holds:   s.holds,
		Post:    func(fn func()) { s.post(fn) },
		Now:     opts.Now,
	})
	if opts.Channel != nil {
		s.sender = ephemeral.NewSender(opts.Channel, opts.Doc, s.clock, opts.Sender)
		s.receiver = ephemeral.NewReceiver(opts.Identity, s.holds, opts.MaxAge)
	}
	s.unsubStore = s.store.Subscribe(s.outbound)

	go s.loop()

	if opts.Channel != nil {
		unsub, err := opts.Channel.Subscribe(opts.Doc, opts.Identity, func(f ephemeral.Frame) {
			s.post(func() { s.onFrame(f) })
		})
		if err != nil {
			s.abort()
			return nil, errors.Wrap(err, "subscribe to ephemeral channel")
		}
		s.unsubEphemeral = unsub
	}
	if err := s.feed.Open(ctx); err != nil {
		if s.unsubEphemeral != nil {
			s.unsubEphemeral()
		}
		s.abort()
		return nil, err
	}
	s.log.Info("session_opened")
	return s, nil
}

func (s *Session) abort() {
	s.stopLoop()
	s.cancel()
	_ = s.queue.Close(context.Background())
}

func (s *Session) Doc() string      { return s.opts.Doc }
func (s *Session) Identity() string { return s.opts.Identity }

// Ready is closed once the first durable snapshot has been applied.
func (s *Session) Ready() <-chan struct{} { return s.feed.Ready() }

// Store exposes the document store for reads and subscriptions.
func (s *Session) Store() *state.Store { return s.store }

func (s *Session) Shapes() []state.Shape    { return s.store.Shapes() }
func (s *Session) Snapshot() *state.Snapshot { return s.store.Snapshot() }
func (s *Session) Selection() []string      { return s.store.Selection() }
func (s *Session) HistoryLen() int          { return s.store.HistoryLen() }

func (s *Session) Get(id string) (state.Shape, bool) { return s.store.Get(id) }

func (s *Session) Create(shapes ...state.Shape) error {
	return s.call(func() error { return s.store.Create(shapes...) })
}

func (s *Session) Update(id string, p state.Patch) error {
	return s.call(func() error { return s.store.Update(id, p) })
}

func (s *Session) UpdateMany(updates []state.Update) error {
	return s.call(func() error { return s.store.UpdateMany(updates) })
}

func (s *Session) Delete(ids ...string) error {
	return s.call(func() error { return s.store.Delete(ids...) })
}

func (s *Session) Reorder(id string, op state.ReorderOp) error {
	return s.call(func() error { return s.store.Reorder(id, op) })
}

func (s *Session) Select(ids ...string) error {
	return s.call(func() error {
		s.store.Select(ids...)
		return nil
	})
}

// Undo reports false when there is nothing to undo.
func (s *Session) Undo() (bool, error) {
	var ok bool
	err := s.call(func() error {
		ok = s.store.Undo()
		return nil
	})
	return ok, err
}

func (s *Session) Redo() (bool, error) {
	var ok bool
	err := s.call(func() error {
		ok = s.store.Redo()
		return nil
	})
	return ok, err
}

// DragMove previews a local drag and streams the positions to peers.
// Nothing is written to the durable store until DragEnd.
func (s *Session) DragMove(positions map[string]state.Point) error {
	return s.call(func() error {
		if s.dragOrigin == nil {
			s.dragOrigin = s.store.Snapshot()
			s.dragPositions = map[string]state.Point{}
		}
		for id, p := range positions {
			if s.store.Snapshot().Has(id) {
				s.dragPositions[id] = p
			}
		}
		s.store.Preview(positions)
		if s.sender != nil && len(s.dragPositions) > 0 {
			_, _ = s.sender.Update(s.ctx, s.dragPositions, s.opts.Now())
		}
		return nil
	})
}

// DragEnd commits the drag as one undoable step and one durable write, and
// tells peers to drop their holds.
func (s *Session) DragEnd() error {
	return s.call(func() error {
		if s.commitDrag() && s.sender != nil {
			_ = s.sender.Clear(s.ctx, s.opts.Now())
		}
		return nil
	})
}

func (s *Session) commitDrag() bool {
	if s.dragOrigin == nil {
		return false
	}
	origin, positions := s.dragOrigin, s.dragPositions
	s.dragOrigin, s.dragPositions = nil, nil
	s.store.CommitDrag(origin, positions)
	return true
}

// outbound runs synchronously inside every store notification.
func (s *Session) outbound(t state.Transition) {
	if s.guard.Active() {
		return
	}
	if t.Transient {
		if s.dragBase == nil {
			s.dragBase = map[string]*state.Shape{}
		}
		d := diff.Compute(t.Prev, t.Next)
		for _, m := range d.Modified {
			if _, seen := s.dragBase[m.ID]; seen {
				continue
			}
			if old, ok := t.Prev.Get(m.ID); ok {
				s.dragBase[m.ID] = &old
			}
		}
		return
	}

	base := t.Prev
	if len(s.dragBase) > 0 {
		b := t.Prev.Builder()
		for id, old := range s.dragBase {
			if _, ok := b.Get(id); ok {
				b.Put(*old)
			}
		}
		base = b.Build()
	}
	s.dragBase = nil

	d := diff.Compute(base, t.Next)
	if d.Empty() {
		return
	}
	ops := s.writer.Write(d)
	s.log.Debug("outbound_delta", zap.Int("added", len(d.Added)), zap.Int("modified", len(d.Modified)),
		zap.Int("deleted", len(d.Deleted)), zap.Int("ops", ops))
}

func (s *Session) onFrame(f ephemeral.Frame) {
	if s.receiver == nil {
		return
	}
	if released := s.receiver.Handle(f, s.opts.Now()); len(released) > 0 {
		metrics.HoldsFlushed.Add(float64(len(released)))
		s.feed.Merge(released)
	}
	for id := range s.shown {
		if !s.holds.Has(id) {
			delete(s.shown, id)
		}
	}
	s.scheduleSweep()
}

// onTick applies the positions received since the last animation frame as
// one guarded transition and lets the sender flush throttled updates.
func (s *Session) onTick() {
	now := s.opts.Now()
	if s.receiver != nil {
		if positions := s.receiver.Drain(); len(positions) > 0 {
			s.remember(positions)
			s.guard.Do(func() {
				s.store.Merge(func(cur *state.Snapshot) *state.Snapshot {
					return overlay(cur, positions)
				})
			})
		}
	}
	if s.sender != nil && s.dragOrigin != nil {
		_, _ = s.sender.Flush(s.ctx, now)
	}
}

// remember records the durable position each overlay is about to replace.
func (s *Session) remember(positions map[string]state.Point) {
	for id, p := range positions {
		st, ok := s.shown[id]
		if !ok {
			sh, found := s.store.Get(id)
			if !found {
				continue
			}
			st.base = state.Point{X: sh.X, Y: sh.Y}
		}
		st.at = p
		s.shown[id] = st
	}
}

func overlay(cur *state.Snapshot, positions map[string]state.Point) *state.Snapshot {
	b := cur.Builder()
	dirty := false
	for id, p := range positions {
		sh, ok := b.Get(id)
		if !ok || (sh.X == p.X && sh.Y == p.Y) {
			continue
		}
		sh.X, sh.Y = p.X, p.Y
		b.Put(sh)
		dirty = true
	}
	if !dirty {
		return nil
	}
	return b.Build()
}

// onSweep releases expired holds. A shape whose dragger vanished without a
// clear or a durable write goes back to the position it had before the
// overlay, unless something else moved it since.
func (s *Session) onSweep() {
	released, expired := s.holds.Sweep(s.opts.Now())
	if len(released) > 0 {
		metrics.HoldsFlushed.Add(float64(len(released)))
	}
	parked := make(map[string]bool, len(released))
	for _, ev := range released {
		parked[ev.Shape.ID] = true
	}
	restore := map[string]state.Point{}
	for _, id := range expired {
		st, ok := s.shown[id]
		if !ok {
			continue
		}
		delete(s.shown, id)
		if parked[id] {
			continue
		}
		if sh, found := s.store.Get(id); found && sh.X == st.at.X && sh.Y == st.at.Y {
			restore[id] = st.base
		}
	}
	if len(released) > 0 {
		s.feed.Merge(released)
	}
	if len(restore) > 0 {
		s.log.Debug("overlay_restored", zap.Int("shapes", len(restore)))
		s.guard.Do(func() {
			s.store.Merge(func(cur *state.Snapshot) *state.Snapshot {
				return overlay(cur, restore)
			})
		})
	}
	s.scheduleSweep()
}

func (s *Session) scheduleSweep() {
	if s.sweep != nil {
		s.sweep.Stop()
		s.sweep = nil
	}
	next, ok := s.holds.NextExpiry()
	if !ok {
		return
	}
	wait := next.Sub(s.opts.Now())
	if wait < 0 {
		wait = 0
	}
	s.sweep = time.AfterFunc(wait, func() { s.post(s.onSweep) })
}

// Close tears the session down: both subscriptions are dropped, parked
// changes are merged, peers get a clear, the write queue drains within ctx
// and the local document is emptied without producing writes.
func (s *Session) Close(ctx context.Context) error {
	err := s.call(func() error {
		s.feed.Close()
		if s.unsubEphemeral != nil {
			s.unsubEphemeral()
			s.unsubEphemeral = nil
		}
		if s.sweep != nil {
			s.sweep.Stop()
			s.sweep = nil
		}
		s.commitDrag()
		s.shown = map[string]shownAt{}
		if parked := s.holds.Drain(); len(parked) > 0 {
			metrics.HoldsFlushed.Add(float64(len(parked)))
			s.feed.Merge(parked)
		}
		if s.sender != nil {
			_ = s.sender.Clear(s.ctx, s.opts.Now())
		}
		return nil
	})
	if err != nil {
		return err
	}

	qerr := s.queue.Close(ctx)

	_ = s.call(func() error {
		s.guard.Do(func() { s.store.SetShapes(nil) })
		s.unsubStore()
		return nil
	})
	s.stopLoop()
	s.cancel()
	s.log.Info("session_closed", zap.Error(qerr))
	return qerr
}
