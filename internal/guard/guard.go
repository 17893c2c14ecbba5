// Package guard tells remote-origin store mutations apart from local ones.
//
// Every merge of remote state runs inside Enter/release (or Do). Store
// subscribers run synchronously inside the mutation, so a subscriber that
// sees Active() knows the change came from the network and must not be
// written back out.
package guard

import "sync/atomic"

type Guard struct {
	depth int32
}

func New() *Guard {
	return &Guard{}
}

// Enter increments the counter. The returned release restores it and is
// safe to call more than once.
func (g *Guard) Enter() (release func()) {
	atomic.AddInt32(&g.depth, 1)
	var done int32
	return func() {
		if atomic.CompareAndSwapInt32(&done, 0, 1) {
			atomic.AddInt32(&g.depth, -1)
		}
	}
}

// Do runs fn with the guard held, releasing it even if fn panics.
func (g *Guard) Do(fn func()) {
	release := g.Enter()
	defer release()
	fn()
}

// Active reports whether a remote-origin merge is in progress.
func (g *Guard) Active() bool {
	return atomic.LoadInt32(&g.depth) > 0
}

func (g *Guard) Depth() int {
	return int(atomic.LoadInt32(&g.depth))
}
