/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/acronis/go-fetchkit/retrypolicy"
)

// Request describes one outbound HTTP-style request to be dispatched.
type Request struct {
	// Method is an HTTP method ("GET", "POST", ...).
	Method string

	// Target is a request URL. It may be relative if the transport resolves it against a base URL.
	Target string

	// Header holds additional request headers. May be nil.
	Header http.Header

	// Body is a request body. May be nil.
	Body []byte

	// SetupInfo is an opaque value carried through to the Handler untouched.
	SetupInfo interface{}
}

// Get constructs a GET request for the given target.
func Get(target string) Request {
	return Request{Method: http.MethodGet, Target: target}
}

// Post constructs a POST request for the given target and body.
func Post(target string, body []byte) Request {
	return Request{Method: http.MethodPost, Target: target, Body: body}
}

// Response is a successfully received HTTP-level response, regardless of its status code.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// Text returns the response body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// Outcome is the terminal result of dispatching one work item,
// or the result of a single attempt when observed by the retry machinery.
type Outcome struct {
	// Request is the dispatched request.
	Request Request

	// Response is the received response. Nil if the transport failed before receiving one.
	Response *Response

	// Err is the classified failure. Nil for success class outcomes.
	Err error

	// Class is the outcome class of the last attempt.
	Class retrypolicy.Class

	// RetryAfter is the server-supplied retry hint parsed from the response, zero if absent.
	RetryAfter time.Duration

	// Attempts is the number of transport invocations done for the item, including the last one.
	Attempts int

	// Latency is the duration of the last attempt.
	Latency time.Duration
}

// Handler interprets a terminal outcome and optionally produces follow-up requests (chaining).
// It is invoked at most once per work item. The returned requests are enqueued in order.
// A returned error is handed to the configured error strategy.
type Handler func(ctx context.Context, outcome Outcome) ([]Request, error)

// Transport sends a single request attempt.
// Implementations must be safe for concurrent use and must respect ctx cancellation and deadline.
// A response received with any HTTP status code is returned as *Response with a nil error;
// a non-nil error means a connection-level failure or a deadline expiry.
type Transport interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// TransportFunc is an adapter to allow the use of ordinary functions as Transport.
type TransportFunc func(ctx context.Context, req Request) (*Response, error)

// Send implements Transport.
func (f TransportFunc) Send(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// workItem is one pending or in-progress request plus its retry metadata.
// The dispatcher owns the attempt counter; everything else is immutable after push.
type workItem struct {
	id       string
	seq      uint64
	req      Request
	attempts int
}
