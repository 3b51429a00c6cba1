/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package retrypolicy decides whether and when a failed request attempt should be retried.
package retrypolicy

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/acronis/go-appkit/retry"
)

// Default parameter values for Policy.
const (
	DefaultMaxRetryAttempts           = 3
	DefaultBackoffInitialInterval     = time.Second
	DefaultBackoffMaxInterval         = time.Minute
	DefaultBackoffMultiplier          = 2
	DefaultBackoffRandomizationFactor = 0.5
)

// Policy determines whether a failed attempt should be retried and with which delay.
type Policy struct {
	// MaxRetryAttempts determines how many retry attempts can be done beyond the first attempt.
	// Zero means no retries.
	MaxRetryAttempts int

	// BackoffPolicy is used for computing wait time before doing the next retry attempt.
	// By default, DefaultBackoffPolicy is used.
	BackoffPolicy retry.Policy

	// IgnoreRetryAfter determines if a server-supplied retry-after hint is ignored.
	// If it's false, the hint sets the lower bound for the computed delay.
	IgnoreRetryAfter bool
}

// Decision is the result of Decider.Decide for a single failed attempt.
type Decision struct {
	// Retry reports whether another attempt should be done.
	Retry bool

	// Delay is the wait time before the next attempt. Always non-negative.
	Delay time.Duration
}

// GiveUp is a Decision that stops retrying.
var GiveUp = Decision{}

// NewDecider creates a Decider carrying fresh backoff state.
// A Decider serves the attempts of exactly one work item and is not safe for concurrent use.
func (p Policy) NewDecider() *Decider {
	bp := p.BackoffPolicy
	if bp == nil {
		bp = DefaultBackoffPolicy
	}
	return &Decider{policy: p, backOff: bp.NewBackOff()}
}

// Decider makes retry decisions for consecutive attempts of a single work item.
type Decider struct {
	policy  Policy
	backOff backoff.BackOff
}

// Decide returns the retry decision for an attempt that finished with the given outcome class.
// attemptsDone is the number of attempts done so far, including the failed one.
// retryAfter is the server-supplied hint (zero if absent); it applies to rate-limited outcomes only.
func (d *Decider) Decide(class Class, retryAfter time.Duration, attemptsDone int) Decision {
	if !class.Retryable() {
		return GiveUp
	}
	if attemptsDone > d.policy.MaxRetryAttempts {
		return GiveUp
	}
	delay := d.backOff.NextBackOff()
	if delay == backoff.Stop {
		return GiveUp
	}
	if delay < 0 {
		delay = 0
	}
	if class == ClassRateLimited && !d.policy.IgnoreRetryAfter && retryAfter > delay {
		delay = retryAfter
	}
	return Decision{Retry: true, Delay: delay}
}

// NewExponentialBackoffPolicy returns an exponential backoff policy with jitter.
// initialInterval is the base delay, maxInterval caps the grown delay,
// randomizationFactor spreads every delay uniformly within
// [delay*(1-factor), delay*(1+factor)] to avoid synchronized retry storms.
// The policy never stops by elapsed time; the retry budget is governed by Policy.MaxRetryAttempts.
func NewExponentialBackoffPolicy(
	initialInterval, maxInterval time.Duration, multiplier, randomizationFactor float64,
) retry.Policy {
	return retry.PolicyFunc(func() backoff.BackOff {
		bf := backoff.NewExponentialBackOff()
		bf.InitialInterval = initialInterval
		bf.MaxInterval = maxInterval
		bf.Multiplier = multiplier
		bf.RandomizationFactor = randomizationFactor
		bf.MaxElapsedTime = 0
		bf.Reset()
		return bf
	})
}

// DefaultBackoffPolicy is a backoff policy that is used when no policy is specified explicitly.
var DefaultBackoffPolicy = NewExponentialBackoffPolicy(
	DefaultBackoffInitialInterval,
	DefaultBackoffMaxInterval,
	DefaultBackoffMultiplier,
	DefaultBackoffRandomizationFactor,
)
