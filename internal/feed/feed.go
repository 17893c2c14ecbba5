// Package feed merges the durable store's change feed into the local store.
package feed

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"boardsync/internal/diff"
	"boardsync/internal/durable"
	"boardsync/internal/hold"
	"boardsync/internal/logger"
	"boardsync/internal/metrics"
	"boardsync/internal/state"
)

type State int

const (
	Unopened State = iota
	FirstBatchPending
	Steady
	Closed
)

func (s State) String() string {
	switch s {
	case Unopened:
		return "unopened"
	case FirstBatchPending:
		return "first_batch_pending"
	case Steady:
		return "steady"
	case Closed:
		return "closed"
	}
	return "unknown"
}

var ErrAlreadyOpen = errors.New("feed already opened")

// Executor runs fn on the goroutine that owns the store. A nil Executor runs
// callbacks inline.
type Executor func(fn func())

type Options struct {
	Doc     string
	Backend durable.Subscriber
	Store   *state.Store
	// Holds may be nil when no ephemeral channel is attached.
	Holds *hold.Table
	Post  Executor
	Now   func() time.Time
}

// Adapter turns subscription callbacks into guarded store transitions: the
// first batch replaces the document, later batches are merged one transition
// per batch.
type Adapter struct {
	opts Options
	log  *zap.Logger

	mu     sync.Mutex
	state  State
	cancel func()
	ready  chan struct{}
}

func New(opts Options) *Adapter {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Post == nil {
		opts.Post = func(fn func()) { fn() }
	}
	return &Adapter{
		opts:  opts,
		log:   logger.Named("feed").With(zap.String("doc", opts.Doc)),
		ready: make(chan struct{}),
	}
}

func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Ready is closed once the first batch has been applied.
func (a *Adapter) Ready() <-chan struct{} { return a.ready }

// Open subscribes to the document. A failure here is the one sync error the
// caller is expected to surface.
func (a *Adapter) Open(ctx context.Context) error {
	a.mu.Lock()
	if a.state != Unopened {
		a.mu.Unlock()
		return ErrAlreadyOpen
	}
	a.state = FirstBatchPending
	a.mu.Unlock()

	cancel, err := a.opts.Backend.Subscribe(ctx, a.opts.Doc, durable.Handler{
		OnInitial: func(shapes []state.Shape) {
			a.opts.Post(func() { a.initial(shapes) })
		},
		OnChanges: func(batch []durable.ChangeEvent) {
			a.opts.Post(func() { a.changes(batch) })
		},
		OnError: func(err error) {
			a.opts.Post(func() { a.failed(err) })
		},
	})
	if err != nil {
		a.mu.Lock()
		a.state = Closed
		a.mu.Unlock()
		a.log.Error("subscribe_failed", zap.Error(err))
		return errors.Wrapf(err, "subscribe to %s", a.opts.Doc)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == Closed {
		cancel()
		return nil
	}
	a.cancel = cancel
	return nil
}

// Close unsubscribes. Callbacks already queued become no-ops.
func (a *Adapter) Close() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.state = Closed
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (a *Adapter) initial(shapes []state.Shape) {
	a.mu.Lock()
	if a.state != FirstBatchPending {
		a.mu.Unlock()
		return
	}
	a.state = Steady
	a.mu.Unlock()

	valid := shapes[:0:0]
	for _, sh := range shapes {
		if err := sh.Validate(); err != nil {
			a.log.Warn("malformed_shape_skipped", zap.String("id", sh.ID), zap.Error(err))
			metrics.FeedChanges.WithLabelValues("skipped").Inc()
			continue
		}
		valid = append(valid, sh)
	}
	a.opts.Store.Guard().Do(func() {
		a.opts.Store.SetShapes(valid)
	})
	metrics.FeedBatches.Inc()
	a.log.Info("initial_snapshot_applied", zap.Int("shapes", len(valid)))
	close(a.ready)
}

func (a *Adapter) changes(batch []durable.ChangeEvent) {
	if a.State() != Steady {
		return
	}
	metrics.FeedBatches.Inc()
	a.Merge(batch)
}

func (a *Adapter) failed(err error) {
	if errors.Is(err, durable.ErrPermissionDenied) {
		a.log.Debug("permission_revoked_ignored")
		return
	}
	a.log.Warn("subscription_error", zap.Error(err))
}

// Merge applies a batch as at most one guarded store transition. Changes for
// shapes held by a peer's live drag are parked instead. It is also the path
// parked changes take once their hold is gone.
func (a *Adapter) Merge(batch []durable.ChangeEvent) bool {
	if len(batch) == 0 {
		return false
	}
	now := a.opts.Now()
	var applied, parked, skipped, noop int

	release := a.opts.Store.Guard().Enter()
	defer release()
	changed := a.opts.Store.Merge(func(cur *state.Snapshot) *state.Snapshot {
		b := cur.Builder()
		dirty := false
		for _, ev := range batch {
			id := ev.Shape.ID
			if id == "" {
				skipped++
				continue
			}
			if a.opts.Holds != nil && a.opts.Holds.Held(id, now) {
				a.opts.Holds.Park(ev)
				parked++
				continue
			}
			switch ev.Kind {
			case durable.Removed:
				if !b.Remove(id) {
					noop++
					continue
				}
			case durable.Added, durable.Modified:
				// added for a known id is a modify, modified for an unknown id
				// is an add: both come down to storing the new record
				if err := ev.Shape.Validate(); err != nil {
					a.log.Warn("malformed_shape_skipped", zap.String("id", id), zap.Error(err))
					skipped++
					continue
				}
				if old, ok := b.Get(id); ok && len(diff.Fields(old, ev.Shape)) == 0 {
					noop++
					continue
				}
				b.Put(ev.Shape)
			default:
				skipped++
				continue
			}
			applied++
			dirty = true
		}
		if !dirty {
			return nil
		}
		return b.Build()
	})

	metrics.FeedChanges.WithLabelValues("applied").Add(float64(applied))
	metrics.FeedChanges.WithLabelValues("parked").Add(float64(parked))
	metrics.FeedChanges.WithLabelValues("skipped").Add(float64(skipped))
	metrics.FeedChanges.WithLabelValues("noop").Add(float64(noop))
	a.log.Debug("batch_merged", zap.Int("applied", applied), zap.Int("parked", parked),
		zap.Int("skipped", skipped), zap.Int("noop", noop))
	return changed
}
