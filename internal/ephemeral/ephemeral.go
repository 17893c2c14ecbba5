// Package ephemeral carries live drag positions between peers. Frames are
// best effort: they may be lost, duplicated or reordered, and nothing here
// is ever persisted.
package ephemeral

import (
	"context"
	"time"

	"boardsync/internal/state"
)

// Position is the quantized location of one dragged shape.
type Position struct {
	ShapeID string  `msgpack:"id" json:"id"`
	X       float64 `msgpack:"x" json:"x"`
	Y       float64 `msgpack:"y" json:"y"`
}

func (p Position) Point() state.Point {
	return state.Point{X: p.X, Y: p.Y}
}

// Frame is one broadcast from a sender. Seq increases strictly per Source.
// A Clear frame voids every earlier entry from its source.
type Frame struct {
	Doc     string     `msgpack:"doc" json:"doc"`
	Source  string     `msgpack:"src" json:"src"`
	Seq     uint64     `msgpack:"seq" json:"seq"`
	Clear   bool       `msgpack:"clear,omitempty" json:"clear,omitempty"`
	SentAt  time.Time  `msgpack:"at" json:"at"`
	Entries []Position `msgpack:"entries,omitempty" json:"entries,omitempty"`
}

// Channel is the transport contract. Implementations may deliver frames on
// any goroutine; subscribers must not assume ordering across sources.
type Channel interface {
	Broadcast(ctx context.Context, f Frame) error
	Clear(ctx context.Context, f Frame) error
	// Subscribe delivers frames for doc, skipping those sent by self.
	Subscribe(doc, self string, fn func(Frame)) (cancel func(), err error)
}
