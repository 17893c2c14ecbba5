package durable

import (
	"sync"

	"boardsync/internal/state"
)

// subscription delivers callbacks for one subscriber in order on its own
// goroutine, so a slow subscriber never blocks writers.
type subscription struct {
	h Handler

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}
}

func newSubscription(h Handler) *subscription {
	s := &subscription{
		h:    h,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *subscription) push(fn func()) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) initial(shapes []state.Shape) {
	if s.h.OnInitial == nil {
		return
	}
	s.push(func() { s.h.OnInitial(shapes) })
}

func (s *subscription) changes(batch []ChangeEvent) {
	if s.h.OnChanges == nil || len(batch) == 0 {
		return
	}
	s.push(func() { s.h.OnChanges(batch) })
}

func (s *subscription) fail(err error) {
	if s.h.OnError == nil {
		return
	}
	s.push(func() { s.h.OnError(err) })
}

func (s *subscription) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.queue = nil
	s.mu.Unlock()
	close(s.done)
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if s.stopped || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			fn := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			fn()
		}
	}
}

// fanout tracks subscriptions per document.
type fanout struct {
	mu   sync.Mutex
	subs map[string]map[*subscription]struct{}
}

func newFanout() *fanout {
	return &fanout{subs: map[string]map[*subscription]struct{}{}}
}

func (f *fanout) add(doc string, s *subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs[doc] == nil {
		f.subs[doc] = map[*subscription]struct{}{}
	}
	f.subs[doc][s] = struct{}{}
}

func (f *fanout) remove(doc string, s *subscription) {
	f.mu.Lock()
	delete(f.subs[doc], s)
	if len(f.subs[doc]) == 0 {
		delete(f.subs, doc)
	}
	f.mu.Unlock()
	s.stop()
}

func (f *fanout) publish(doc string, batch []ChangeEvent) {
	if len(batch) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.subs[doc] {
		s.changes(batch)
	}
}

// revoke fails every subscription of doc with ErrPermissionDenied.
func (f *fanout) revoke(doc string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.subs[doc] {
		s.fail(ErrPermissionDenied)
	}
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	subs := f.subs
	f.subs = map[string]map[*subscription]struct{}{}
	f.mu.Unlock()
	for _, m := range subs {
		for s := range m {
			s.stop()
		}
	}
}
