// Package durable defines the contract of the authoritative document store
// and ships two implementations: an in-process Memory store and a Pebble
// backed store. Both deliver a snapshot followed by change batches to every
// subscriber.
package durable

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"boardsync/internal/state"
)

// MaxWriteBatch is the provider limit on writes per request.
const MaxWriteBatch = 500

var (
	// ErrTransient marks failures worth retrying (network, busy backend).
	ErrTransient = errors.New("transient durable store failure")
	// ErrPermissionDenied is reported to subscriptions whose credentials
	// were revoked, typically during sign-out.
	ErrPermissionDenied = errors.New("permission denied")
	ErrTooManyWrites    = errors.Newf("more than %d writes in one request", MaxWriteBatch)
	ErrClosed           = errors.New("durable store closed")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

type ChangeKind string

const (
	Added    ChangeKind = "added"
	Modified ChangeKind = "modified"
	Removed  ChangeKind = "removed"
)

// ChangeEvent is one entry of a change batch. Removed events only need the
// shape id.
type ChangeEvent struct {
	Kind  ChangeKind
	Shape state.Shape
}

// Record is the stored form of a shape with the writer's identity and the
// server timestamp of the last write.
type Record struct {
	Shape     state.Shape `json:"shape"`
	UpdatedBy string      `json:"updatedBy"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

type Update struct {
	ID    string
	Patch state.Patch
}

// Handler receives subscription callbacks. OnInitial is delivered once,
// before any OnChanges. OnError may be nil.
type Handler struct {
	OnInitial func(shapes []state.Shape)
	OnChanges func(batch []ChangeEvent)
	OnError   func(err error)
}

type Subscriber interface {
	Subscribe(ctx context.Context, doc string, h Handler) (cancel func(), err error)
}

type Writer interface {
	CreateMany(ctx context.Context, doc, writer string, shapes []state.Shape) error
	UpdateMany(ctx context.Context, doc, writer string, updates []Update) error
	DeleteMany(ctx context.Context, doc, writer string, ids []string) error
}

// Backend is the full durable store surface consumed by a session.
type Backend interface {
	Subscriber
	Writer
}

func checkBatch(n int) error {
	if n > MaxWriteBatch {
		return errors.Wrapf(ErrTooManyWrites, "got %d", n)
	}
	return nil
}
