/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package ratelimit provides client-side rate limiters
// that block the caller until the next request may be dispatched.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Rate limiting algorithms.
const (
	AlgFixedWindow   = "fixed_window"
	AlgTokenBucket   = "token_bucket"
	AlgSlidingWindow = "sliding_window"
	AlgLeakyBucket   = "leaky_bucket"
)

// DefaultAlg is an algorithm that is used when no algorithm is specified explicitly.
const DefaultAlg = AlgFixedWindow

// Rate describes the frequency of requests.
type Rate struct {
	Count    int
	Duration time.Duration
}

// String implements fmt.Stringer.
func (r Rate) String() string {
	return fmt.Sprintf("%d/%s", r.Count, r.Duration)
}

// Limiter is a blocking rate limiter for outgoing requests.
// Wait suspends the caller until the request keyed by key may be dispatched or ctx is done.
// An empty key is valid and addresses the shared (unkeyed) limiter state.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Opts holds optional parameters for NewLimiter.
type Opts struct {
	// Burst allows temporary spikes in request rate.
	// It's used by the token_bucket and leaky_bucket algorithms and ignored by the others.
	Burst int

	// MaxKeys is the maximum number of keys for which limiter state is kept.
	// Zero means all keys share a single limiter state.
	MaxKeys int
}

// NewLimiter creates a Limiter implementing the given algorithm.
// An empty alg selects DefaultAlg.
func NewLimiter(alg string, maxRate Rate, opts Opts) (Limiter, error) {
	if maxRate.Count <= 0 {
		return nil, fmt.Errorf("rate limit must be positive, got %d", maxRate.Count)
	}
	if maxRate.Duration <= 0 {
		return nil, fmt.Errorf("rate limit interval must be positive, got %s", maxRate.Duration)
	}
	if opts.Burst < 0 {
		return nil, fmt.Errorf("burst must not be negative, got %d", opts.Burst)
	}
	if opts.MaxKeys < 0 {
		return nil, fmt.Errorf("max keys must not be negative, got %d", opts.MaxKeys)
	}
	switch alg {
	case AlgFixedWindow, "":
		return NewFixedWindowLimiter(maxRate, opts.MaxKeys)
	case AlgTokenBucket:
		return NewTokenBucketLimiter(maxRate, opts.Burst, opts.MaxKeys)
	case AlgSlidingWindow:
		return NewSlidingWindowLimiter(maxRate, opts.MaxKeys)
	case AlgLeakyBucket:
		return NewLeakyBucketLimiter(maxRate, opts.Burst, opts.MaxKeys)
	}
	return nil, fmt.Errorf("unknown rate limit alg %q, should be one of: [%s, %s, %s, %s]",
		alg, AlgFixedWindow, AlgTokenBucket, AlgSlidingWindow, AlgLeakyBucket)
}

// sleep waits for the given duration with respect to ctx cancellation.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
