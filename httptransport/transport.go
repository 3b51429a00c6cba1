/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package httptransport provides a dispatch.Transport implementation on top of net/http.
package httptransport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/acronis/go-appkit/httpclient"

	"github.com/acronis/go-fetchkit/dispatch"
)

// Opts provides options for NewWithOpts.
type Opts struct {
	// BaseURL is resolved against relative request targets. May be empty
	// if all dispatched requests carry absolute URLs.
	BaseURL string

	// UserAgent is set in all outgoing requests (unless a request already carries one).
	UserAgent string

	// APIKeys are rotated round-robin across attempts.
	// With no APIKeyHeader and no APIKeyParam, the key is sent as an "Authorization: Bearer" header.
	APIKeys []string

	// APIKeyHeader is the header name the rotated key is sent in (e.g. "X-Api-Key").
	APIKeyHeader string

	// APIKeyParam is the query parameter name the rotated key is sent in.
	APIKeyParam string

	// Delegate is the http.RoundTripper doing the actual transfer. http.DefaultTransport when nil.
	Delegate http.RoundTripper
}

// Transport sends dispatched requests over HTTP.
// It is safe for concurrent use up to any concurrency bound.
type Transport struct {
	client  *http.Client
	baseURL *url.URL
}

var _ dispatch.Transport = (*Transport)(nil)

// New creates a Transport with default options.
func New() (*Transport, error) {
	return NewWithOpts(Opts{})
}

// NewWithOpts creates a Transport with the specified options.
func NewWithOpts(opts Opts) (*Transport, error) {
	if opts.APIKeyHeader != "" && opts.APIKeyParam != "" {
		return nil, fmt.Errorf("api key header and api key param are mutually exclusive")
	}

	var baseURL *url.URL
	if opts.BaseURL != "" {
		var err error
		if baseURL, err = url.Parse(opts.BaseURL); err != nil {
			return nil, fmt.Errorf("parse base URL: %w", err)
		}
	}

	rt := opts.Delegate
	if rt == nil {
		rt = http.DefaultTransport
	}
	if len(opts.APIKeys) > 0 {
		rotator, err := newKeyRotator(opts.APIKeys)
		if err != nil {
			return nil, err
		}
		rt = &apiKeyRoundTripper{Delegate: rt, rotator: rotator,
			headerName: opts.APIKeyHeader, queryParam: opts.APIKeyParam}
	}
	rt = &requestIDRoundTripper{Delegate: rt}
	if opts.UserAgent != "" {
		rt = httpclient.NewUserAgentRoundTripper(rt, opts.UserAgent)
	}

	return &Transport{client: &http.Client{Transport: rt}, baseURL: baseURL}, nil
}

// Send implements dispatch.Transport. Any received HTTP response, including
// error statuses, is returned with a nil error; a non-nil error means a
// connection-level failure or a deadline expiry.
func (t *Transport) Send(ctx context.Context, req dispatch.Request) (*dispatch.Response, error) {
	target, err := t.resolveTarget(req.Target)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &dispatch.Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
}

func (t *Transport) resolveTarget(target string) (string, error) {
	if t.baseURL == nil {
		return target, nil
	}
	resolved, err := t.baseURL.Parse(target)
	if err != nil {
		return "", fmt.Errorf("resolve target against base URL: %w", err)
	}
	return resolved.String(), nil
}

// RateLimitKeyByHost is a dispatch rate limit key function that scopes limiting per target host.
func RateLimitKeyByHost(req dispatch.Request) string {
	u, err := url.Parse(req.Target)
	if err != nil {
		return ""
	}
	return u.Host
}
