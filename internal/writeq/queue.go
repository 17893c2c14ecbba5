// Package writeq serializes outbound durable writes for one document.
package writeq

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"boardsync/internal/durable"
	"boardsync/internal/logger"
	"boardsync/internal/metrics"
)

const (
	// DefaultAttempts counts every try of an op, the first one included:
	// a batch is retried at most twice before it is dropped.
	DefaultAttempts = 3
	DefaultBackoff  = 250 * time.Millisecond
)

var ErrQueueClosed = errors.New("write queue closed")

type Config struct {
	Attempts int
	Backoff  time.Duration
}

// Op is one queued write. Run is retried on transient failures.
type Op struct {
	ID    ulid.ULID
	Name  string
	Count int
	Run   func(ctx context.Context) error
}

// Queue runs ops strictly in enqueue order on a single worker. Callers never
// see write failures: an op that keeps failing is logged and dropped.
type Queue struct {
	cfg Config
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	ops     []Op
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	entropy *ulid.MonotonicEntropy
}

func NewQueue(doc string, cfg Config) *Queue {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:     cfg,
		log:     logger.Named("writeq").With(zap.String("doc", doc)),
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
	go q.run()
	return q
}

// Enqueue appends an op and returns its id.
func (q *Queue) Enqueue(name string, count int, run func(ctx context.Context) error) (ulid.ULID, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ulid.ULID{}, ErrQueueClosed
	}
	id := ulid.MustNew(ulid.Timestamp(time.Now()), q.entropy)
	q.ops = append(q.ops, Op{ID: id, Name: name, Count: count, Run: run})
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return id, nil
}

// Len is the number of ops waiting, not counting the one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Close stops accepting ops and waits for the backlog to drain. When ctx
// expires first the remaining ops are abandoned and ctx's error returned.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		q.cancel()
		<-q.done
		q.mu.Lock()
		abandoned := len(q.ops)
		q.ops = nil
		q.mu.Unlock()
		q.log.Warn("write_queue_abandoned", zap.Int("ops", abandoned))
		return ctx.Err()
	}
}

func (q *Queue) next() (Op, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ops) == 0 {
		return Op{}, false, q.closed
	}
	op := q.ops[0]
	q.ops = q.ops[1:]
	return op, true, false
}

func (q *Queue) run() {
	defer close(q.done)
	defer q.cancel()
	for {
		if q.ctx.Err() != nil {
			return
		}
		op, ok, closed := q.next()
		if closed {
			return
		}
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-q.ctx.Done():
				return
			}
		}
		q.execute(op)
	}
}

func (q *Queue) execute(op Op) {
	log := q.log.With(zap.String("op", op.Name), zap.Stringer("op_id", op.ID), zap.Int("count", op.Count))
	var err error
	for attempt := 1; attempt <= q.cfg.Attempts; attempt++ {
		err = op.Run(q.ctx)
		if err == nil {
			metrics.Writes.WithLabelValues(op.Name, "ok").Inc()
			log.Debug("write_ok", zap.Int("attempt", attempt))
			return
		}
		if !durable.IsTransient(err) || attempt == q.cfg.Attempts {
			break
		}
		metrics.WriteRetries.Inc()
		wait := time.Duration(attempt) * q.cfg.Backoff
		log.Debug("write_retry", zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(err))
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-q.ctx.Done():
			t.Stop()
			metrics.Writes.WithLabelValues(op.Name, "abandoned").Inc()
			return
		}
	}
	metrics.Writes.WithLabelValues(op.Name, "dropped").Inc()
	log.Error("write_dropped", zap.Error(err))
}
