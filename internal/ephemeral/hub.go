package ephemeral

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

var ErrHubClosed = errors.New("ephemeral hub closed")

// mailbox delivers frames to one subscriber in order on its own goroutine
// so a slow subscriber never blocks the broadcaster.
type mailbox struct {
	self string
	fn   func(Frame)

	mu     sync.Mutex
	queue  []Frame
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

func newMailbox(self string, fn func(Frame)) *mailbox {
	m := &mailbox{
		self: self,
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *mailbox) put(f Frame) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, f)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) stop() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.queue = nil
	m.mu.Unlock()
	close(m.done)
}

func (m *mailbox) run() {
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}
		for {
			m.mu.Lock()
			if m.closed || len(m.queue) == 0 {
				m.mu.Unlock()
				break
			}
			f := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()
			m.fn(f)
		}
	}
}

// Hub is an in-process Channel connecting sessions in the same process.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*mailbox]struct{}
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[*mailbox]struct{}{}}
}

func (h *Hub) Broadcast(ctx context.Context, f Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrHubClosed
	}
	for m := range h.subs[f.Doc] {
		if m.self != f.Source {
			m.put(f)
		}
	}
	return nil
}

func (h *Hub) Clear(ctx context.Context, f Frame) error {
	f.Clear = true
	f.Entries = nil
	return h.Broadcast(ctx, f)
}

func (h *Hub) Subscribe(doc, self string, fn func(Frame)) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	m := newMailbox(self, fn)
	if h.subs[doc] == nil {
		h.subs[doc] = map[*mailbox]struct{}{}
	}
	h.subs[doc][m] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[doc], m)
			h.mu.Unlock()
			m.stop()
		})
	}, nil
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, ms := range h.subs {
		for m := range ms {
			m.stop()
		}
	}
	h.subs = map[string]map[*mailbox]struct{}{}
}
