/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/throttled/throttled/v2"
	"github.com/throttled/throttled/v2/store/memstore"
)

// leakyBucketMaxKeys is the memstore size when per-key state is not requested.
const leakyBucketMaxKeys = 1 << 10

// LeakyBucketLimiter implements GCRA (Generic Cell Rate Algorithm). It's a leaky bucket variant algorithm.
// More details and good explanation of this alg is provided here: https://brandur.org/rate-limiting#gcra.
type LeakyBucketLimiter struct {
	limiter *throttled.GCRARateLimiterCtx
}

// NewLeakyBucketLimiter creates a new leaky bucket rate limiter.
func NewLeakyBucketLimiter(maxRate Rate, maxBurst, maxKeys int) (*LeakyBucketLimiter, error) {
	if maxKeys == 0 {
		maxKeys = leakyBucketMaxKeys
	}
	gcraStore, err := memstore.NewCtx(maxKeys)
	if err != nil {
		return nil, fmt.Errorf("new in-memory store: %w", err)
	}
	reqQuota := throttled.RateQuota{
		MaxRate:  throttled.PerDuration(maxRate.Count, maxRate.Duration),
		MaxBurst: maxBurst,
	}
	gcraLimiter, err := throttled.NewGCRARateLimiterCtx(gcraStore, reqQuota)
	if err != nil {
		return nil, fmt.Errorf("new GCRA rate limiter: %w", err)
	}
	return &LeakyBucketLimiter{gcraLimiter}, nil
}

// Wait blocks until a permit for the given key is granted or ctx is done.
func (l *LeakyBucketLimiter) Wait(ctx context.Context, key string) error {
	for {
		limited, res, err := l.limiter.RateLimitCtx(ctx, key, 1)
		if err != nil {
			return err
		}
		if !limited {
			return nil
		}
		retryAfter := res.RetryAfter
		if retryAfter <= 0 {
			retryAfter = time.Millisecond
		}
		if err := sleep(ctx, retryAfter); err != nil {
			return err
		}
	}
}
