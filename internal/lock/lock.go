// Package lock serializes runs of the same stream.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrHeld is returned when another run holds the lock of a stream.
var ErrHeld = errors.New("a run of this stream is already in progress")

// Locker grants one holder per stream. With wait set, Acquire blocks until the
// lock is free or ctx is done; otherwise it fails fast with ErrHeld.
type Locker interface {
	Acquire(ctx context.Context, streamID string, wait bool) (release func(), err error)
}

// Memory is an in-process Locker.
type Memory struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func NewMemory() *Memory {
	return &Memory{held: make(map[string]chan struct{})}
}

func (m *Memory) Acquire(ctx context.Context, streamID string, wait bool) (func(), error) {
	for {
		m.mu.Lock()
		freed, busy := m.held[streamID]
		if !busy {
			ch := make(chan struct{})
			m.held[streamID] = ch
			m.mu.Unlock()

			var once sync.Once
			return func() {
				once.Do(func() {
					m.mu.Lock()
					delete(m.held, streamID)
					m.mu.Unlock()
					close(ch)
				})
			}, nil
		}
		m.mu.Unlock()

		if !wait {
			return nil, ErrHeld
		}
		select {
		case <-freed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
