/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package dispatch implements a client-side request orchestration engine.
// Seeded requests (and follow-up requests emitted by a processing callback)
// are dispatched through a transport under a configurable rate limit and
// concurrency cap, with retries, backoff and per-attempt metrics.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/retry"
	"github.com/rs/xid"
	"go.uber.org/atomic"

	"github.com/acronis/go-fetchkit/inflight"
	"github.com/acronis/go-fetchkit/ratelimit"
	"github.com/acronis/go-fetchkit/retrypolicy"
)

// Dispatcher owns the run loop: it pulls work items from the queue, dispatches
// them through the transport under the rate limit and the concurrency cap,
// retries failed attempts and feeds terminal outcomes to the processing callback.
//
// A Dispatcher serves exactly one run; no state is shared between instances.
type Dispatcher struct {
	transport Transport
	handler   Handler

	logger        log.FieldLogger
	limiter       ratelimit.Limiter
	gate          *inflight.Gate
	policy        retrypolicy.Policy
	timeout       time.Duration
	errorStrategy ErrorStrategy
	rateLimitKey  func(req Request) string

	aggregator *AggregatingMetricsCollector
	collector  MetricsCollector

	queue    *workQueue
	started  atomic.Bool
	runErr   atomic.Error
	failOnce sync.Once

	cancelMu  sync.Mutex
	cancelRun context.CancelFunc
}

// Opts provides optional parameters for NewWithOpts.
type Opts struct {
	// Logger is used for logging. Disabled when nil.
	Logger log.FieldLogger

	// Collector receives a copy of every metric sample
	// in addition to the internal aggregating collector (e.g. PrometheusMetricsCollector).
	Collector MetricsCollector

	// RateLimitKey scopes rate limiting per key (e.g. per target host or per API key).
	// When nil, all requests share a single limiter state.
	RateLimitKey func(req Request) string

	// Limiter overrides the rate limiter built from cfg.RateLimit.
	Limiter ratelimit.Limiter

	// BackoffPolicy overrides the backoff policy built from cfg.Retries.
	BackoffPolicy retry.Policy

	// IgnoreRetryAfter disables honoring the server-supplied Retry-After hint.
	IgnoreRetryAfter bool
}

// New creates a new Dispatcher for the given configuration, transport and processing callback.
// handler may be nil if no response processing or chaining is needed.
func New(cfg *Config, transport Transport, handler Handler) (*Dispatcher, error) {
	return NewWithOpts(cfg, transport, handler, Opts{})
}

// NewWithOpts creates a new Dispatcher with the specified options.
// Invalid configuration is reported as *ConfigError before any dispatch begins.
func NewWithOpts(cfg *Config, transport Transport, handler Handler, opts Opts) (*Dispatcher, error) {
	if transport == nil {
		return nil, &ConfigError{Inner: errors.New("transport is required")}
	}
	cfg = normalizedConfig(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, &ConfigError{Inner: err}
	}

	limiter := opts.Limiter
	if limiter == nil {
		var err error
		limiter, err = ratelimit.NewLimiter(cfg.RateLimit.Alg, cfg.RateLimit.Rate(),
			ratelimit.Opts{Burst: cfg.RateLimit.Burst, MaxKeys: cfg.RateLimit.MaxKeys})
		if err != nil {
			return nil, &ConfigError{Inner: fmt.Errorf("new rate limiter: %w", err)}
		}
	}

	gate, err := inflight.NewGate(cfg.MaxConcurrentRequests)
	if err != nil {
		return nil, &ConfigError{Inner: fmt.Errorf("new in-flight gate: %w", err)}
	}

	backoffPolicy := opts.BackoffPolicy
	if backoffPolicy == nil {
		backoffPolicy = cfg.Retries.GetPolicy()
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.NewDisabledLogger()
	}

	rateLimitKey := opts.RateLimitKey
	if rateLimitKey == nil {
		rateLimitKey = func(Request) string { return "" }
	}

	return &Dispatcher{
		transport: transport,
		handler:   handler,
		logger:    logger,
		limiter:   limiter,
		gate:      gate,
		policy: retrypolicy.Policy{
			MaxRetryAttempts: cfg.Retries.MaxAttempts,
			BackoffPolicy:    backoffPolicy,
			IgnoreRetryAfter: opts.IgnoreRetryAfter,
		},
		timeout:       cfg.Timeout,
		errorStrategy: cfg.ErrorStrategy,
		rateLimitKey:  rateLimitKey,
		aggregator:    NewAggregatingMetricsCollector(),
		collector:     opts.Collector,
		queue:         newWorkQueue(),
	}, nil
}

// normalizedConfig fills optional zero fields with defaults. The rate limit itself
// has no fallback: a zero limit is a configuration error, not "unlimited".
func normalizedConfig(cfg *Config) *Config {
	if cfg == nil {
		cfg = NewConfig()
	}
	c := *cfg
	if c.RateLimit.Interval == 0 {
		c.RateLimit.Interval = DefaultRateLimitInterval
	}
	if c.MaxConcurrentRequests == 0 {
		c.MaxConcurrentRequests = DefaultMaxConcurrentRequests
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ErrorStrategy == "" {
		c.ErrorStrategy = DefaultErrorStrategy
	}
	if c.Retries.BackoffInitialInterval == 0 {
		c.Retries.BackoffInitialInterval = retrypolicy.DefaultBackoffInitialInterval
	}
	if c.Retries.BackoffMaxInterval == 0 {
		c.Retries.BackoffMaxInterval = retrypolicy.DefaultBackoffMaxInterval
	}
	if c.Retries.BackoffMultiplier == 0 {
		c.Retries.BackoffMultiplier = retrypolicy.DefaultBackoffMultiplier
	}
	return &c
}

func validateConfig(cfg *Config) error {
	if cfg.RateLimit.Limit <= 0 {
		return fmt.Errorf("rate limit must be positive, got %d", cfg.RateLimit.Limit)
	}
	if cfg.MaxConcurrentRequests < 1 {
		return fmt.Errorf("max concurrent requests must be >= 1, got %d", cfg.MaxConcurrentRequests)
	}
	if cfg.Retries.MaxAttempts < 0 {
		return fmt.Errorf("max retry attempts must not be negative, got %d", cfg.Retries.MaxAttempts)
	}
	if !cfg.ErrorStrategy.IsValid() {
		return fmt.Errorf("unknown error strategy %q", cfg.ErrorStrategy)
	}
	return nil
}

// Enqueue adds a request to the work queue. It is safe to call concurrently,
// including from a running Handler. It fails with ErrQueueClosed after shutdown has begun.
func (d *Dispatcher) Enqueue(req Request) error {
	return d.queue.push(&workItem{id: xid.New().String(), req: req})
}

// Run seeds the queue and dispatches work until the queue is drained
// (empty and nothing in flight), the context is canceled, or the run is stopped
// by Shutdown or by the error strategy. It flushes all metrics before returning.
// Run can be called at most once per Dispatcher.
func (d *Dispatcher) Run(ctx context.Context, seeds ...Request) error {
	if !d.started.CompareAndSwap(false, true) {
		return errors.New("dispatcher run can only be started once")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.cancelMu.Lock()
	d.cancelRun = cancel
	d.cancelMu.Unlock()

	// Closing the queue is what wakes the pop loop on external cancellation.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			d.queue.close()
		case <-watchDone:
		}
	}()
	defer close(watchDone)

	for _, req := range seeds {
		if err := d.Enqueue(req); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	for {
		it, ok := d.queue.pop()
		if !ok {
			break
		}
		wg.Add(1)
		go func(it *workItem) {
			defer wg.Done()
			defer d.queue.done()
			d.process(runCtx, it)
		}(it)
	}
	wg.Wait()

	// Items still pending after shutdown get exactly one terminal Cancelled sample.
	for _, it := range d.queue.drainPending() {
		d.finishCancelled(it)
	}

	if err := d.runErr.Load(); err != nil {
		return err
	}
	return ctx.Err()
}

// Shutdown initiates a graceful stop: no new work is accepted, in-flight attempts
// finish (or time out) normally, still-pending items are recorded as Cancelled.
// It is idempotent and safe to call from any goroutine, including a Handler.
func (d *Dispatcher) Shutdown() {
	d.queue.close()
}

// MetricsSnapshot returns the aggregated metrics recorded so far.
func (d *Dispatcher) MetricsSnapshot() Report {
	return d.aggregator.Snapshot()
}

// InFlight returns the number of attempts currently in flight.
func (d *Dispatcher) InFlight() int {
	return d.gate.InFlight()
}

func (d *Dispatcher) halt() {
	d.queue.close()
	d.cancelMu.Lock()
	cancel := d.cancelRun
	d.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// process drives one work item through its attempts until a terminal disposition.
func (d *Dispatcher) process(ctx context.Context, it *workItem) {
	decider := d.policy.NewDecider()
	for {
		if err := d.gate.Acquire(ctx); err != nil {
			d.finishCancelled(it)
			return
		}
		if err := d.limiter.Wait(ctx, d.rateLimitKey(it.req)); err != nil {
			d.gate.Release()
			d.finishCancelled(it)
			return
		}

		outcome := d.attempt(ctx, it)

		if ctx.Err() != nil && outcome.Class != retrypolicy.ClassSuccess {
			// The attempt was interrupted by run cancellation, not by its own deadline.
			d.gate.Release()
			d.finishCancelled(it)
			return
		}

		if outcome.Class == retrypolicy.ClassSuccess {
			d.finishTerminal(ctx, it, outcome, DispositionSucceeded)
			return
		}

		decision := decider.Decide(outcome.Class, outcome.RetryAfter, it.attempts)
		if !decision.Retry {
			if outcome.Class.Retryable() {
				outcome.Err = &GivenUpError{Attempts: it.attempts, Inner: outcome.Err}
			}
			d.finishTerminal(ctx, it, outcome, DispositionGivenUp)
			return
		}

		// The slot is released for the whole backoff delay so that waiting
		// does not hold back other items.
		d.gate.Release()
		d.observe(d.attemptSample(it, outcome, DispositionNone))
		d.logger.Warn("request attempt failed, retrying",
			log.String("request_id", it.id),
			log.String("method", it.req.Method),
			log.String("target", it.req.Target),
			log.String("class", outcome.Class.String()),
			log.Int("attempts_done", it.attempts),
			log.Duration("delay", decision.Delay),
		)
		if err := sleepCtx(ctx, decision.Delay); err != nil {
			d.finishCancelled(it)
			return
		}
	}
}

// attempt performs a single transport invocation and classifies its result.
func (d *Dispatcher) attempt(ctx context.Context, it *workItem) Outcome {
	it.attempts++
	attemptCtx, cancel := context.WithTimeout(NewContextWithRequestID(ctx, it.id), d.timeout)
	defer cancel()

	start := time.Now()
	resp, err := d.transport.Send(attemptCtx, it.req)
	outcome := Outcome{
		Request:  it.req,
		Response: resp,
		Attempts: it.attempts,
		Latency:  time.Since(start),
	}
	if err != nil {
		outcome.Class = retrypolicy.ClassifyError(err)
		outcome.Err = &RequestError{
			RequestID: it.id, Method: it.req.Method, Target: it.req.Target,
			Class: outcome.Class, Inner: err,
		}
		return outcome
	}

	outcome.Class = retrypolicy.ClassifyStatusCode(resp.StatusCode)
	if outcome.Class != retrypolicy.ClassSuccess {
		outcome.Err = &RequestError{
			RequestID: it.id, Method: it.req.Method, Target: it.req.Target,
			Class: outcome.Class, StatusCode: resp.StatusCode,
		}
	}
	if retryAfter, ok := retrypolicy.ParseRetryAfter(resp.Header); ok {
		outcome.RetryAfter = retryAfter
	}
	return outcome
}

// finishTerminal invokes the processing callback, enqueues emitted follow-ups,
// releases the concurrency slot and records the terminal metric sample, in that order.
func (d *Dispatcher) finishTerminal(ctx context.Context, it *workItem, outcome Outcome, disposition Disposition) {
	followUps, handlerErr := d.callHandler(ctx, outcome)
	for _, req := range followUps {
		if err := d.Enqueue(req); err != nil {
			d.logger.Debug("follow-up request dropped",
				log.String("request_id", it.id), log.String("target", req.Target), log.Error(err))
		}
	}
	d.gate.Release()
	d.observe(d.attemptSample(it, outcome, disposition))

	if disposition == DispositionGivenUp {
		d.handleTerminalFailure(outcome.Err)
	}
	if handlerErr != nil {
		d.handleTerminalFailure(fmt.Errorf("handler for %s %s: %w", it.req.Method, it.req.Target, handlerErr))
	}
}

// finishCancelled records the single terminal sample of an item discarded by shutdown.
// No attempt counters are touched: interrupted attempts are not counted.
func (d *Dispatcher) finishCancelled(it *workItem) {
	d.observe(MetricSample{
		RequestID:   it.id,
		Method:      it.req.Method,
		Target:      it.req.Target,
		Time:        time.Now(),
		Disposition: DispositionCancelled,
	})
}

func (d *Dispatcher) callHandler(ctx context.Context, outcome Outcome) ([]Request, error) {
	if d.handler == nil {
		return nil, nil
	}
	return d.handler(ctx, outcome)
}

func (d *Dispatcher) handleTerminalFailure(err error) {
	switch d.errorStrategy {
	case ErrorStrategyPropagate:
		d.failOnce.Do(func() {
			d.runErr.Store(err)
			d.halt()
		})
	case ErrorStrategyLogAndStop:
		d.logger.Error("request terminally failed, stopping dispatcher", log.Error(err))
		d.Shutdown()
	default:
		d.logger.Error("request terminally failed", log.Error(err))
	}
}

func (d *Dispatcher) attemptSample(it *workItem, outcome Outcome, disposition Disposition) MetricSample {
	s := MetricSample{
		RequestID:   it.id,
		Method:      it.req.Method,
		Target:      it.req.Target,
		Class:       outcome.Class,
		Attempt:     it.attempts,
		Latency:     outcome.Latency,
		Time:        time.Now(),
		Disposition: disposition,
	}
	if outcome.Response != nil {
		s.StatusCode = outcome.Response.StatusCode
	}
	return s
}

func (d *Dispatcher) observe(s MetricSample) {
	d.aggregator.Observe(s)
	if d.collector != nil {
		d.collector.Observe(s)
	}
}

func sleepCtx(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
