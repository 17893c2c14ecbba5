package state

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// Clock is a per-source monotonic counter. It stamps ephemeral frames in
// place of wall-clock time so peers with skewed clocks still agree on order.
type Clock struct {
	source  string
	counter uint64
}

// NewClock returns a clock for a fresh source id.
func NewClock() *Clock {
	return &Clock{source: uuid.NewString()}
}

// NewClockFor returns a clock for an existing source id.
func NewClockFor(source string) *Clock {
	return &Clock{source: source}
}

func (c *Clock) Source() string { return c.source }

// Tick advances the clock and returns the new value. Values start at 1.
func (c *Clock) Tick() uint64 {
	return atomic.AddUint64(&c.counter, 1)
}

// Current returns the last value handed out.
func (c *Clock) Current() uint64 {
	return atomic.LoadUint64(&c.counter)
}
