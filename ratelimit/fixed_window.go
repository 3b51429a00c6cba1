/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/acronis/go-appkit/lrucache"
)

// FixedWindowLimiter implements fixed window rate limiting algorithm:
// at most maxRate.Count permits are issued per maxRate.Duration window,
// counted from the first admission in the window.
type FixedWindowLimiter struct {
	getWindow func(key string) *fixedWindow
	maxRate   Rate
}

// NewFixedWindowLimiter creates a new fixed window rate limiter.
// If maxKeys is 0, all keys share a single window.
func NewFixedWindowLimiter(maxRate Rate, maxKeys int) (*FixedWindowLimiter, error) {
	if maxKeys == 0 {
		w := &fixedWindow{maxRate: maxRate}
		return &FixedWindowLimiter{
			maxRate:   maxRate,
			getWindow: func(_ string) *fixedWindow { return w },
		}, nil
	}

	store, err := lrucache.New[string, *fixedWindow](maxKeys, nil)
	if err != nil {
		return nil, fmt.Errorf("new LRU in-memory store for keys: %w", err)
	}
	return &FixedWindowLimiter{
		maxRate: maxRate,
		getWindow: func(key string) *fixedWindow {
			w, _ := store.GetOrAdd(key, func() *fixedWindow {
				return &fixedWindow{maxRate: maxRate}
			})
			return w
		},
	}, nil
}

// Wait blocks until a permit for the given key is granted or ctx is done.
func (l *FixedWindowLimiter) Wait(ctx context.Context, key string) error {
	return l.getWindow(key).wait(ctx)
}

type fixedWindow struct {
	mu      sync.Mutex
	maxRate Rate
	start   time.Time
	count   int

	// now is used instead of time.Now in tests.
	now func() time.Time
}

// wait admits the caller into the current window or suspends it until the window resets.
// The mutex is held across the sleep so that suspended callers are admitted
// in arrival order and never starve each other.
func (w *fixedWindow) wait(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		now := w.timeNow()
		if now.Sub(w.start) >= w.maxRate.Duration {
			w.start, w.count = now, 0
		}
		if w.count < w.maxRate.Count {
			w.count++
			return nil
		}
		if err := sleep(ctx, w.start.Add(w.maxRate.Duration).Sub(now)); err != nil {
			return err
		}
	}
}

func (w *fixedWindow) timeNow() time.Time {
	if w.now != nil {
		return w.now()
	}
	return time.Now()
}
