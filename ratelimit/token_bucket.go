/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/acronis/go-appkit/lrucache"
)

// TokenBucketLimiter implements token bucket rate limiting algorithm
// on top of golang.org/x/time/rate.
type TokenBucketLimiter struct {
	getLimiter func(key string) *rate.Limiter
}

// NewTokenBucketLimiter creates a new token bucket rate limiter.
// Burst 0 means a burst of 1 (strict pacing). If maxKeys is 0, all keys share a single bucket.
func NewTokenBucketLimiter(maxRate Rate, burst, maxKeys int) (*TokenBucketLimiter, error) {
	if burst == 0 {
		burst = 1
	}
	limit := rate.Limit(float64(maxRate.Count) / maxRate.Duration.Seconds())

	if maxKeys == 0 {
		lim := rate.NewLimiter(limit, burst)
		return &TokenBucketLimiter{getLimiter: func(_ string) *rate.Limiter { return lim }}, nil
	}

	store, err := lrucache.New[string, *rate.Limiter](maxKeys, nil)
	if err != nil {
		return nil, fmt.Errorf("new LRU in-memory store for keys: %w", err)
	}
	return &TokenBucketLimiter{
		getLimiter: func(key string) *rate.Limiter {
			lim, _ := store.GetOrAdd(key, func() *rate.Limiter {
				return rate.NewLimiter(limit, burst)
			})
			return lim
		},
	}, nil
}

// Wait blocks until a permit for the given key is granted or ctx is done.
func (l *TokenBucketLimiter) Wait(ctx context.Context, key string) error {
	return l.getLimiter(key).Wait(ctx)
}
