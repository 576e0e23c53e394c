package storage

import (
	"context"
	"sync"
)

// Memory is an in-process Backend for tests and development. Batches are
// durable the moment they are accepted, so done runs inline before Accept
// returns.
type Memory struct {
	mu     sync.Mutex
	closed bool
	counts map[string]int
	events int
}

// NewMemory constructs an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{counts: make(map[string]int)}
}

// Accept records the batch and confirms durability inline.
func (m *Memory) Accept(ctx context.Context, batch Batch, done func(error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.counts[batch.Channel] += batch.Len()
	m.events += batch.Len()
	m.mu.Unlock()
	if done != nil {
		done(nil)
	}
	return nil
}

// Close marks the backend closed. Subsequent Accept calls fail.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Events returns the total number of events accepted.
func (m *Memory) Events() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events
}

// ChannelEvents returns the number of events accepted for one channel.
func (m *Memory) ChannelEvents(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[channel]
}
