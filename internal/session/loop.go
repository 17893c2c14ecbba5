package session

import (
	"time"

	"go.uber.org/zap"
)

// post queues fn on the loop. It reports false once the session is closed.
func (s *Session) post(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.tasks = append(s.tasks, fn)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// call runs fn on the loop and waits for its result. It must not be used
// from the loop itself.
func (s *Session) call(fn func() error) error {
	errc := make(chan error, 1)
	if !s.post(func() { errc <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-s.done:
		select {
		case err := <-errc:
			return err
		default:
			return ErrClosed
		}
	}
}

func (s *Session) stopLoop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.quit)
	<-s.done
}

func (s *Session) take() []func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := s.tasks
	s.tasks = nil
	return tasks
}

func (s *Session) run(tasks []func()) {
	for _, fn := range tasks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("loop_task_panic", zap.Any("panic", r), zap.Stack("stack"))
				}
			}()
			fn()
		}()
	}
}

func (s *Session) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.FrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.wake:
			s.run(s.take())
		case <-ticker.C:
			s.run([]func(){s.onTick})
		case <-s.quit:
			// work queued before close still runs
			s.run(s.take())
			return
		}
	}
}
