/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package inflight provides a counting semaphore that bounds
// the number of requests being processed simultaneously.
package inflight

import (
	"context"
	"fmt"
)

// Gate is a counting semaphore with a fixed capacity.
// Blocked acquirers are woken in FIFO order (channel send queue order).
type Gate struct {
	slots chan struct{}
}

// NewGate creates a new Gate with the given limit of concurrently held slots.
func NewGate(limit int) (*Gate, error) {
	if limit < 1 {
		return nil, fmt.Errorf("in-flight limit must be >= 1, got %d", limit)
	}
	return &Gate{slots: make(chan struct{}, limit)}, nil
}

// Acquire blocks until a slot is available or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire acquires a slot without blocking. It reports whether the slot was acquired.
func (g *Gate) TryAcquire() bool {
	select {
	case g.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a previously acquired slot.
// Releasing a slot that was not acquired is a programming error and panics.
func (g *Gate) Release() {
	select {
	case <-g.slots:
	default:
		panic("inflight: release of unacquired slot")
	}
}

// InFlight returns the number of currently held slots.
func (g *Gate) InFlight() int {
	return len(g.slots)
}

// Limit returns the gate capacity.
func (g *Gate) Limit() int {
	return cap(g.slots)
}
