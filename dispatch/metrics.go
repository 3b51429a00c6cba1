/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package dispatch

import (
	"sort"
	"sync"
	"time"

	"github.com/acronis/go-fetchkit/retrypolicy"
)

// Disposition is the terminal fate of a work item.
type Disposition int

// Work item dispositions. DispositionNone marks a non-terminal attempt sample.
const (
	DispositionNone Disposition = iota
	DispositionSucceeded
	DispositionGivenUp
	DispositionCancelled
)

// String implements fmt.Stringer.
func (d Disposition) String() string {
	switch d {
	case DispositionSucceeded:
		return "succeeded"
	case DispositionGivenUp:
		return "given_up"
	case DispositionCancelled:
		return "cancelled"
	}
	return "none"
}

// MetricSample describes one observed attempt. Samples are append-only:
// a collector must not mutate them after recording.
// Attempt is zero for items cancelled before their first attempt;
// such samples carry only the terminal disposition.
type MetricSample struct {
	RequestID   string
	Method      string
	Target      string
	Class       retrypolicy.Class
	StatusCode  int
	Attempt     int
	Latency     time.Duration
	Time        time.Time
	Disposition Disposition
}

// MetricsCollector observes attempt samples. Implementations must be safe for concurrent use.
type MetricsCollector interface {
	Observe(s MetricSample)
}

// LatencySummary describes the distribution of attempt latencies.
type LatencySummary struct {
	Avg time.Duration
	Min time.Duration
	Max time.Duration
	P95 time.Duration
	P99 time.Duration
}

// Report is a read-only snapshot of aggregated dispatch metrics.
type Report struct {
	StartTime time.Time

	// TotalAttempts counts transport invocations, including retries.
	TotalAttempts int

	// Retries counts attempts beyond the first one of each item.
	Retries int

	// Terminal dispositions. Every dispatched item lands in exactly one of these.
	Succeeded int
	GivenUp   int
	Cancelled int

	// Per-class attempt counts.
	Successes         int
	NetworkErrors     int
	Timeouts          int
	RateLimitExceeded int
	AuthFailures      int
	ClientErrors      int
	ServerErrors      int

	StatusCodes map[int]int
	Methods     map[string]int

	Latency LatencySummary
}

// TotalErrors returns the total number of failed attempts.
func (r Report) TotalErrors() int {
	return r.NetworkErrors + r.Timeouts + r.RateLimitExceeded + r.AuthFailures + r.ClientErrors + r.ServerErrors
}

// ErrorRate returns the ratio of failed attempts to total attempts. Zero when nothing was attempted.
func (r Report) ErrorRate() float64 {
	if r.TotalAttempts == 0 {
		return 0
	}
	return float64(r.TotalErrors()) / float64(r.TotalAttempts)
}

// AggregatingMetricsCollector accumulates samples in memory and produces Report snapshots.
// One instance serves one dispatcher run; independent runs must not share collectors.
type AggregatingMetricsCollector struct {
	mu            sync.Mutex
	startTime     time.Time
	totalAttempts int
	retries       int
	byClass       map[retrypolicy.Class]int
	dispositions  map[Disposition]int
	statusCodes   map[int]int
	methods       map[string]int
	latencies     []time.Duration
}

// NewAggregatingMetricsCollector creates a new AggregatingMetricsCollector.
func NewAggregatingMetricsCollector() *AggregatingMetricsCollector {
	return &AggregatingMetricsCollector{
		startTime:    time.Now(),
		byClass:      make(map[retrypolicy.Class]int),
		dispositions: make(map[Disposition]int),
		statusCodes:  make(map[int]int),
		methods:      make(map[string]int),
	}
}

// Observe implements MetricsCollector.
func (c *AggregatingMetricsCollector) Observe(s MetricSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.Attempt > 0 {
		c.totalAttempts++
		if s.Attempt > 1 {
			c.retries++
		}
		c.byClass[s.Class]++
		c.methods[s.Method]++
		if s.StatusCode != 0 {
			c.statusCodes[s.StatusCode]++
		}
		c.latencies = append(c.latencies, s.Latency)
	}
	if s.Disposition != DispositionNone {
		c.dispositions[s.Disposition]++
	}
}

// Snapshot returns aggregate counters and latency distribution summaries.
// The snapshot is consistent with all samples recorded before the call returns.
func (c *AggregatingMetricsCollector) Snapshot() Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := Report{
		StartTime:         c.startTime,
		TotalAttempts:     c.totalAttempts,
		Retries:           c.retries,
		Succeeded:         c.dispositions[DispositionSucceeded],
		GivenUp:           c.dispositions[DispositionGivenUp],
		Cancelled:         c.dispositions[DispositionCancelled],
		Successes:         c.byClass[retrypolicy.ClassSuccess],
		NetworkErrors:     c.byClass[retrypolicy.ClassNetworkError],
		Timeouts:          c.byClass[retrypolicy.ClassTimeout],
		RateLimitExceeded: c.byClass[retrypolicy.ClassRateLimited],
		AuthFailures:      c.byClass[retrypolicy.ClassAuthFailure],
		ClientErrors:      c.byClass[retrypolicy.ClassClientError],
		ServerErrors:      c.byClass[retrypolicy.ClassServerError],
		StatusCodes:       make(map[int]int, len(c.statusCodes)),
		Methods:           make(map[string]int, len(c.methods)),
	}
	for code, count := range c.statusCodes {
		r.StatusCodes[code] = count
	}
	for method, count := range c.methods {
		r.Methods[method] = count
	}
	r.Latency = summarizeLatencies(c.latencies)
	return r
}

func summarizeLatencies(latencies []time.Duration) LatencySummary {
	if len(latencies) == 0 {
		return LatencySummary{}
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, l := range sorted {
		total += l
	}
	return LatencySummary{
		Avg: total / time.Duration(len(sorted)),
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		P95: percentile(sorted, 0.95),
		P99: percentile(sorted, 0.99),
	}
}

// percentile returns the q-th percentile of sorted (nearest-rank method).
func percentile(sorted []time.Duration, q float64) time.Duration {
	idx := int(q*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
