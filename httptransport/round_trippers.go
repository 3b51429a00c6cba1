/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httptransport

import (
	"fmt"
	"net/http"

	"github.com/acronis/go-fetchkit/dispatch"
)

// keyRotator hands out API keys in round-robin order.
// It is the Go rendition of a key queue: take the key at the head, put it back at the tail.
type keyRotator struct {
	keys chan string
}

func newKeyRotator(keys []string) (*keyRotator, error) {
	for _, key := range keys {
		if key == "" {
			return nil, fmt.Errorf("api keys must not be empty")
		}
	}
	r := &keyRotator{keys: make(chan string, len(keys))}
	for _, key := range keys {
		r.keys <- key
	}
	return r, nil
}

func (r *keyRotator) next() string {
	key := <-r.keys
	r.keys <- key
	return key
}

// apiKeyRoundTripper injects the next rotated API key into every outgoing request,
// either as a header, a query parameter, or an "Authorization: Bearer" header by default.
type apiKeyRoundTripper struct {
	Delegate   http.RoundTripper
	rotator    *keyRotator
	headerName string
	queryParam string
}

// RoundTrip implements http.RoundTripper.
func (rt *apiKeyRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	key := rt.rotator.next()
	r = r.Clone(r.Context()) // Per RoundTripper contract.
	switch {
	case rt.queryParam != "":
		u := *r.URL
		q := u.Query()
		q.Set(rt.queryParam, key)
		u.RawQuery = q.Encode()
		r.URL = &u
	case rt.headerName != "":
		r.Header.Set(rt.headerName, key)
	default:
		r.Header.Set("Authorization", "Bearer "+key)
	}
	return rt.Delegate.RoundTrip(r)
}

// requestIDRoundTripper propagates the dispatcher's work item ID
// as the X-Request-ID header of the outgoing request.
type requestIDRoundTripper struct {
	Delegate http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (rt *requestIDRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	requestID := dispatch.GetRequestIDFromContext(r.Context())
	if r.Header.Get("X-Request-ID") != "" || requestID == "" {
		return rt.Delegate.RoundTrip(r)
	}
	r = r.Clone(r.Context()) // Per RoundTripper contract.
	r.Header.Set("X-Request-ID", requestID)
	return rt.Delegate.RoundTrip(r)
}
