package storage

import (
	"context"
	"errors"
)

// ErrClosed is returned by backends after Close.
var ErrClosed = errors.New("storage: backend closed")

// Batch is one accepted submission on its way to the persistence engine.
// Events hold the raw event payloads in submission order.
type Batch struct {
	Channel string
	Events  [][]byte
}

// Len returns the number of events in the batch.
func (b Batch) Len() int {
	return len(b.Events)
}

// Backend persists accepted event batches.
//
// Accept enqueues the batch and returns once the backend has taken ownership
// of it; durability is reported later through done, which is invoked exactly
// once per accepted batch with nil on success. A synchronous error from
// Accept means the batch was not taken and done will never run. Backends must
// tolerate done callbacks that block briefly but callers should keep them
// cheap.
type Backend interface {
	Accept(ctx context.Context, batch Batch, done func(error)) error
	Close() error
}
