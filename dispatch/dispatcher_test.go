/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/log/logtest"
	"github.com/acronis/go-appkit/retry"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/acronis/go-fetchkit/retrypolicy"
)

func newTestConfig() *Config {
	return &Config{
		RateLimit:             RateLimitConfig{Limit: 1000, Interval: time.Second},
		MaxConcurrentRequests: 4,
		Timeout:               5 * time.Second,
		ErrorStrategy:         ErrorStrategyLogAndContinue,
	}
}

// fastBackoff makes retry delays negligible so tests don't wait.
var fastBackoff = retry.PolicyFunc(func() backoff.BackOff {
	return backoff.NewConstantBackOff(time.Millisecond)
})

func respondWithStatus(code int) Transport {
	return TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
		return &Response{StatusCode: code, Header: http.Header{}}, nil
	})
}

func TestNewValidation(t *testing.T) {
	var cfgErr *ConfigError

	_, err := New(newTestConfig(), nil, nil)
	require.ErrorAs(t, err, &cfgErr)
	require.ErrorContains(t, err, "invalid dispatcher configuration: transport is required")

	cfg := newTestConfig()
	cfg.RateLimit.Limit = -1
	_, err = New(cfg, respondWithStatus(http.StatusOK), nil)
	require.ErrorAs(t, err, &cfgErr)
	require.ErrorContains(t, err, "rate limit must be positive, got -1")

	cfg = newTestConfig()
	cfg.ErrorStrategy = "ignore"
	_, err = New(cfg, respondWithStatus(http.StatusOK), nil)
	require.ErrorAs(t, err, &cfgErr)
	require.ErrorContains(t, err, `unknown error strategy "ignore"`)
}

func TestDispatcherSingleSuccess(t *testing.T) {
	var handled atomic.Int32
	handler := func(ctx context.Context, outcome Outcome) ([]Request, error) {
		handled.Inc()
		require.NoError(t, outcome.Err)
		require.Equal(t, retrypolicy.ClassSuccess, outcome.Class)
		require.Equal(t, 1, outcome.Attempts)
		require.Equal(t, http.StatusOK, outcome.Response.StatusCode)
		return nil, nil
	}

	d, err := New(newTestConfig(), respondWithStatus(http.StatusOK), handler)
	require.NoError(t, err)
	require.NoError(t, d.Run(context.Background(), Get("/items/1")))

	require.Equal(t, int32(1), handled.Load())
	r := d.MetricsSnapshot()
	require.Equal(t, 1, r.TotalAttempts)
	require.Equal(t, 0, r.Retries)
	require.Equal(t, 1, r.Succeeded)
	require.Equal(t, map[int]int{http.StatusOK: 1}, r.StatusCodes)
	require.Equal(t, 0, d.InFlight())
}

func TestDispatcherRetriesUntilGivenUp(t *testing.T) {
	const maxRetryAttempts = 3

	var attempts atomic.Int32
	transport := TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
		attempts.Inc()
		return &Response{StatusCode: http.StatusInternalServerError}, nil
	})

	var terminal []Outcome
	handler := func(ctx context.Context, outcome Outcome) ([]Request, error) {
		terminal = append(terminal, outcome)
		return nil, nil
	}

	cfg := newTestConfig()
	cfg.Retries.MaxAttempts = maxRetryAttempts
	d, err := NewWithOpts(cfg, transport, handler, Opts{BackoffPolicy: fastBackoff})
	require.NoError(t, err)
	require.NoError(t, d.Run(context.Background(), Get("/flaky")))

	// maxRetryAttempts retries on top of the initial attempt.
	require.Equal(t, int32(maxRetryAttempts+1), attempts.Load())

	require.Len(t, terminal, 1)
	var givenUp *GivenUpError
	require.ErrorAs(t, terminal[0].Err, &givenUp)
	require.Equal(t, maxRetryAttempts+1, givenUp.Attempts)
	var reqErr *RequestError
	require.ErrorAs(t, terminal[0].Err, &reqErr)
	require.Equal(t, retrypolicy.ClassServerError, reqErr.Class)
	require.Equal(t, http.StatusInternalServerError, reqErr.StatusCode)

	r := d.MetricsSnapshot()
	require.Equal(t, maxRetryAttempts+1, r.TotalAttempts)
	require.Equal(t, maxRetryAttempts, r.Retries)
	require.Equal(t, 1, r.GivenUp)
	require.Equal(t, maxRetryAttempts+1, r.ServerErrors)
}

func TestDispatcherNonRetryableShortCircuit(t *testing.T) {
	var attempts atomic.Int32
	transport := TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
		attempts.Inc()
		return &Response{StatusCode: http.StatusUnauthorized}, nil
	})

	cfg := newTestConfig()
	cfg.Retries.MaxAttempts = 10
	d, err := NewWithOpts(cfg, transport, nil, Opts{BackoffPolicy: fastBackoff})
	require.NoError(t, err)
	require.NoError(t, d.Run(context.Background(), Get("/private")))

	// Auth failures must not be retried no matter how large the retry budget is.
	require.Equal(t, int32(1), attempts.Load())
	r := d.MetricsSnapshot()
	require.Equal(t, 1, r.TotalAttempts)
	require.Equal(t, 1, r.GivenUp)
	require.Equal(t, 1, r.AuthFailures)
}

func TestDispatcherNetworkErrorsAreRetried(t *testing.T) {
	var attempts atomic.Int32
	transport := TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
		if attempts.Inc() < 3 {
			return nil, errors.New("connection reset")
		}
		return &Response{StatusCode: http.StatusOK}, nil
	})

	cfg := newTestConfig()
	cfg.Retries.MaxAttempts = 5
	d, err := NewWithOpts(cfg, transport, nil, Opts{BackoffPolicy: fastBackoff})
	require.NoError(t, err)
	require.NoError(t, d.Run(context.Background(), Get("/eventually-ok")))

	r := d.MetricsSnapshot()
	require.Equal(t, 3, r.TotalAttempts)
	require.Equal(t, 2, r.Retries)
	require.Equal(t, 1, r.Succeeded)
	require.Equal(t, 2, r.NetworkErrors)
	require.Equal(t, 1, r.Successes)
}

func TestDispatcherAttemptTimeout(t *testing.T) {
	transport := TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	cfg := newTestConfig()
	cfg.Timeout = 20 * time.Millisecond
	d, err := NewWithOpts(cfg, transport, nil, Opts{BackoffPolicy: fastBackoff})
	require.NoError(t, err)
	require.NoError(t, d.Run(context.Background(), Get("/slow")))

	r := d.MetricsSnapshot()
	require.Equal(t, 1, r.TotalAttempts)
	require.Equal(t, 1, r.Timeouts)
	require.Equal(t, 1, r.GivenUp)
}

func TestDispatcherChaining(t *testing.T) {
	const lastID = 10

	var mu sync.Mutex
	var order []string
	transport := TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
		mu.Lock()
		order = append(order, req.Target)
		mu.Unlock()
		return &Response{StatusCode: http.StatusOK}, nil
	})

	handler := func(ctx context.Context, outcome Outcome) ([]Request, error) {
		id, err := strconv.Atoi(strings.TrimPrefix(outcome.Request.Target, "/items/"))
		if err != nil || id >= lastID {
			return nil, nil
		}
		return []Request{Get(fmt.Sprintf("/items/%d", id+1))}, nil
	}

	d, err := New(newTestConfig(), transport, handler)
	require.NoError(t, err)
	require.NoError(t, d.Run(context.Background(), Get("/items/1")))

	want := make([]string, 0, lastID)
	for i := 1; i <= lastID; i++ {
		want = append(want, fmt.Sprintf("/items/%d", i))
	}
	require.Equal(t, want, order)

	r := d.MetricsSnapshot()
	require.Equal(t, lastID, r.TotalAttempts)
	require.Equal(t, lastID, r.Succeeded)
}

func TestDispatcherFanOut(t *testing.T) {
	handler := func(ctx context.Context, outcome Outcome) ([]Request, error) {
		if outcome.Request.Target != "/root" {
			return nil, nil
		}
		return []Request{Get("/child/1"), Get("/child/2"), Get("/child/3")}, nil
	}

	d, err := New(newTestConfig(), respondWithStatus(http.StatusOK), handler)
	require.NoError(t, err)
	require.NoError(t, d.Run(context.Background(), Get("/root")))

	r := d.MetricsSnapshot()
	require.Equal(t, 4, r.TotalAttempts)
	require.Equal(t, 4, r.Succeeded)
}

func TestDispatcherBoundsConcurrency(t *testing.T) {
	const limit = 2
	const seeds = 10

	var cur, max atomic.Int32
	transport := TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
		if n := cur.Inc(); n > max.Load() {
			max.Store(n)
		}
		time.Sleep(10 * time.Millisecond)
		cur.Dec()
		return &Response{StatusCode: http.StatusOK}, nil
	})

	cfg := newTestConfig()
	cfg.MaxConcurrentRequests = limit
	d, err := New(cfg, transport, nil)
	require.NoError(t, err)

	reqs := make([]Request, seeds)
	for i := range reqs {
		reqs[i] = Get(fmt.Sprintf("/items/%d", i))
	}
	require.NoError(t, d.Run(context.Background(), reqs...))

	require.LessOrEqual(t, max.Load(), int32(limit))
	require.Equal(t, seeds, d.MetricsSnapshot().Succeeded)
}

func TestDispatcherRateLimitsAttempts(t *testing.T) {
	const seeds = 6
	window := 50 * time.Millisecond

	cfg := newTestConfig()
	cfg.RateLimit = RateLimitConfig{Limit: 2, Interval: window}
	cfg.MaxConcurrentRequests = seeds
	d, err := New(cfg, respondWithStatus(http.StatusOK), nil)
	require.NoError(t, err)

	reqs := make([]Request, seeds)
	for i := range reqs {
		reqs[i] = Get(fmt.Sprintf("/items/%d", i))
	}
	start := time.Now()
	require.NoError(t, d.Run(context.Background(), reqs...))

	// 6 attempts at 2 per window need at least 2 extra windows.
	require.GreaterOrEqual(t, time.Since(start), 2*window-window/5)
	require.Equal(t, seeds, d.MetricsSnapshot().Succeeded)
}

func TestDispatcherRunCancellation(t *testing.T) {
	const seeds = 5

	transport := TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(30 * time.Millisecond):
			return &Response{StatusCode: http.StatusOK}, nil
		}
	})

	cfg := newTestConfig()
	cfg.MaxConcurrentRequests = 1
	d, err := New(cfg, transport, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(45 * time.Millisecond)
		cancel()
	}()

	reqs := make([]Request, seeds)
	for i := range reqs {
		reqs[i] = Get(fmt.Sprintf("/items/%d", i))
	}
	err = d.Run(ctx, reqs...)
	require.ErrorIs(t, err, context.Canceled)

	// Every seeded item lands in exactly one terminal disposition.
	r := d.MetricsSnapshot()
	require.Equal(t, seeds, r.Succeeded+r.GivenUp+r.Cancelled)
	require.GreaterOrEqual(t, r.Succeeded, 1)
	require.GreaterOrEqual(t, r.Cancelled, 1)
	require.Equal(t, 0, d.InFlight())
}

func TestDispatcherRunOnlyOnce(t *testing.T) {
	d, err := New(newTestConfig(), respondWithStatus(http.StatusOK), nil)
	require.NoError(t, err)
	require.NoError(t, d.Run(context.Background(), Get("/once")))
	require.EqualError(t, d.Run(context.Background()), "dispatcher run can only be started once")
}

func TestDispatcherErrorStrategyPropagate(t *testing.T) {
	cfg := newTestConfig()
	cfg.ErrorStrategy = ErrorStrategyPropagate
	cfg.MaxConcurrentRequests = 1
	d, err := NewWithOpts(cfg, respondWithStatus(http.StatusServiceUnavailable), nil, Opts{BackoffPolicy: fastBackoff})
	require.NoError(t, err)

	err = d.Run(context.Background(), Get("/a"), Get("/b"), Get("/c"))
	require.Error(t, err)
	var givenUp *GivenUpError
	require.ErrorAs(t, err, &givenUp)

	// The first terminal failure stops the run; later items are either
	// given up before the stop takes effect or cancelled by it.
	r := d.MetricsSnapshot()
	require.GreaterOrEqual(t, r.GivenUp, 1)
	require.Equal(t, 3, r.GivenUp+r.Cancelled)
	require.Equal(t, 0, r.Succeeded)
}

func TestDispatcherErrorStrategyLogAndContinue(t *testing.T) {
	transport := TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
		if req.Target == "/bad" {
			return &Response{StatusCode: http.StatusBadRequest}, nil
		}
		return &Response{StatusCode: http.StatusOK}, nil
	})

	d, err := New(newTestConfig(), transport, nil)
	require.NoError(t, err)
	require.NoError(t, d.Run(context.Background(), Get("/bad"), Get("/ok-1"), Get("/ok-2")))

	r := d.MetricsSnapshot()
	require.Equal(t, 1, r.GivenUp)
	require.Equal(t, 2, r.Succeeded)
	require.Equal(t, 1, r.ClientErrors)
}

func TestDispatcherErrorStrategyLogAndStop(t *testing.T) {
	cfg := newTestConfig()
	cfg.ErrorStrategy = ErrorStrategyLogAndStop
	d, err := New(cfg, respondWithStatus(http.StatusNotFound), nil)
	require.NoError(t, err)

	// The failure is not returned, but the dispatcher stops accepting work.
	require.NoError(t, d.Run(context.Background(), Get("/missing")))
	require.Equal(t, 1, d.MetricsSnapshot().GivenUp)
	require.ErrorIs(t, d.Enqueue(Get("/late")), ErrQueueClosed)
}

func TestDispatcherHandlerErrorPropagates(t *testing.T) {
	handler := func(ctx context.Context, outcome Outcome) ([]Request, error) {
		return nil, errors.New("malformed payload")
	}

	cfg := newTestConfig()
	cfg.ErrorStrategy = ErrorStrategyPropagate
	d, err := New(cfg, respondWithStatus(http.StatusOK), handler)
	require.NoError(t, err)

	err = d.Run(context.Background(), Get("/items/1"))
	require.ErrorContains(t, err, "handler for GET /items/1: malformed payload")
}

func TestDispatcherShutdownFromHandler(t *testing.T) {
	const seeds = 5

	var d *Dispatcher
	handler := func(ctx context.Context, outcome Outcome) ([]Request, error) {
		d.Shutdown()
		return nil, nil
	}

	cfg := newTestConfig()
	cfg.MaxConcurrentRequests = 1
	var err error
	d, err = New(cfg, respondWithStatus(http.StatusOK), handler)
	require.NoError(t, err)

	reqs := make([]Request, seeds)
	for i := range reqs {
		reqs[i] = Get(fmt.Sprintf("/items/%d", i))
	}
	require.NoError(t, d.Run(context.Background(), reqs...))

	r := d.MetricsSnapshot()
	require.GreaterOrEqual(t, r.Succeeded, 1)
	require.Equal(t, seeds, r.Succeeded+r.Cancelled)
}

func TestDispatcherRequestIDInContext(t *testing.T) {
	var mu sync.Mutex
	ids := map[string]struct{}{}
	transport := TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
		mu.Lock()
		ids[GetRequestIDFromContext(ctx)] = struct{}{}
		mu.Unlock()
		return &Response{StatusCode: http.StatusOK}, nil
	})

	d, err := New(newTestConfig(), transport, nil)
	require.NoError(t, err)
	require.NoError(t, d.Run(context.Background(), Get("/a"), Get("/b")))

	require.Len(t, ids, 2)
	_, hasEmpty := ids[""]
	require.False(t, hasEmpty)
}

func TestDispatcherExtraCollector(t *testing.T) {
	extra := NewAggregatingMetricsCollector()
	d, err := NewWithOpts(newTestConfig(), respondWithStatus(http.StatusOK), nil, Opts{Collector: extra})
	require.NoError(t, err)
	require.NoError(t, d.Run(context.Background(), Get("/a"), Get("/b")))

	// The extra collector sees the same samples as the built-in one.
	require.Equal(t, 2, extra.Snapshot().TotalAttempts)
	require.Equal(t, 2, d.MetricsSnapshot().TotalAttempts)
}

func TestDispatcherLogging(t *testing.T) {
	recorder := logtest.NewRecorder()

	cfg := newTestConfig()
	cfg.Retries.MaxAttempts = 1
	d, err := NewWithOpts(cfg, respondWithStatus(http.StatusBadGateway), nil,
		Opts{Logger: recorder, BackoffPolicy: fastBackoff})
	require.NoError(t, err)
	require.NoError(t, d.Run(context.Background(), Get("/flaky")))

	retryEntry, found := recorder.FindEntry("request attempt failed, retrying")
	require.True(t, found)
	classField, found := retryEntry.FindField("class")
	require.True(t, found)
	require.Equal(t, log.String("class", "server_error"), *classField)
	attemptsField, found := retryEntry.FindField("attempts_done")
	require.True(t, found)
	require.Equal(t, log.Int("attempts_done", 1), *attemptsField)

	_, found = recorder.FindEntry("request terminally failed")
	require.True(t, found)
}

func TestDispatcherSetupInfoPassthrough(t *testing.T) {
	type setup struct{ Tag string }

	var got interface{}
	handler := func(ctx context.Context, outcome Outcome) ([]Request, error) {
		got = outcome.Request.SetupInfo
		return nil, nil
	}

	d, err := New(newTestConfig(), respondWithStatus(http.StatusOK), handler)
	require.NoError(t, err)
	req := Get("/items/1")
	req.SetupInfo = setup{Tag: "first"}
	require.NoError(t, d.Run(context.Background(), req))

	require.Equal(t, setup{Tag: "first"}, got)
}
