/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package retrypolicy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Class is an attempt outcome class.
type Class int

// Attempt outcome classes.
const (
	ClassSuccess Class = iota
	ClassNetworkError
	ClassTimeout
	ClassRateLimited
	ClassAuthFailure
	ClassClientError
	ClassServerError
)

// String implements fmt.Stringer.
func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassNetworkError:
		return "network_error"
	case ClassTimeout:
		return "timeout"
	case ClassRateLimited:
		return "rate_limit_exceeded"
	case ClassAuthFailure:
		return "auth_failure"
	case ClassClientError:
		return "client_error"
	case ClassServerError:
		return "server_error"
	}
	return "unknown"
}

// Retryable reports whether outcomes of this class may be retried.
// Authentication failures and other 4xx responses indicate a configuration
// problem, not a transient failure, and are never retried.
func (c Class) Retryable() bool {
	switch c {
	case ClassNetworkError, ClassTimeout, ClassRateLimited, ClassServerError:
		return true
	}
	return false
}

// ClassifyStatusCode classifies a received HTTP status code.
// 408 is treated as a timeout (retryable) rather than a regular client error.
func ClassifyStatusCode(statusCode int) Class {
	switch {
	case statusCode < http.StatusBadRequest:
		return ClassSuccess
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return ClassAuthFailure
	case statusCode == http.StatusRequestTimeout:
		return ClassTimeout
	case statusCode == http.StatusTooManyRequests:
		return ClassRateLimited
	case statusCode < http.StatusInternalServerError:
		return ClassClientError
	}
	return ClassServerError
}

// ClassifyError classifies a transport-level error (connection, DNS, TLS, deadline).
func ClassifyError(err error) Class {
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}
	return ClassNetworkError
}

// ParseRetryAfter parses the Retry-After HTTP header (either delay in seconds or HTTP date).
func ParseRetryAfter(header http.Header) (retryAfter time.Duration, ok bool) {
	retryAfterVal := header.Get("Retry-After")
	if retryAfterVal == "" {
		return 0, false
	}

	parsedInt, parseIntErr := strconv.Atoi(retryAfterVal)
	if parseIntErr != nil {
		parsedTime, parsedTimeErr := time.Parse(time.RFC1123, retryAfterVal)
		if parsedTimeErr != nil {
			return 0, false
		}
		return time.Until(parsedTime), true
	}
	if parsedInt < 0 {
		return 0, false
	}
	return time.Duration(parsedInt) * time.Second, true
}
