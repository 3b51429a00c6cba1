/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package dispatch

import (
	"errors"
	"fmt"

	"github.com/acronis/go-fetchkit/retrypolicy"
)

// ErrQueueClosed is returned on an attempt to enqueue a request after shutdown has begun.
var ErrQueueClosed = errors.New("work queue is closed")

// ErrorStrategy determines how terminal (non-retryable or retry-exhausted) failures are handled.
type ErrorStrategy string

// Error handling strategies.
const (
	// ErrorStrategyPropagate stops the run on the first terminal failure and returns it from Run.
	ErrorStrategyPropagate ErrorStrategy = "propagate"

	// ErrorStrategyLogAndContinue records the failure and proceeds with the remaining queued work.
	ErrorStrategyLogAndContinue ErrorStrategy = "logAndContinue"

	// ErrorStrategyLogAndStop records the failure and initiates a graceful shutdown:
	// in-flight attempts finish, pending items are cancelled, no new work is accepted.
	ErrorStrategyLogAndStop ErrorStrategy = "logAndStop"
)

// IsValid reports whether the strategy is one of the recognized values.
func (s ErrorStrategy) IsValid() bool {
	switch s {
	case ErrorStrategyPropagate, ErrorStrategyLogAndContinue, ErrorStrategyLogAndStop:
		return true
	}
	return false
}

// ConfigError means the dispatcher cannot be constructed from the given parameters.
// It is always fatal and is reported before any dispatch begins.
type ConfigError struct {
	Inner error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid dispatcher configuration: %s", e.Inner.Error())
}

// Unwrap returns the next error in the error chain.
func (e *ConfigError) Unwrap() error {
	return e.Inner
}

// RequestError describes a failed request attempt.
type RequestError struct {
	RequestID  string
	Method     string
	Target     string
	Class      retrypolicy.Class
	StatusCode int
	Inner      error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if e.Inner != nil {
		return fmt.Sprintf("%s %s: %s: %s", e.Method, e.Target, e.Class, e.Inner.Error())
	}
	return fmt.Sprintf("%s %s: %s (status code %d)", e.Method, e.Target, e.Class, e.StatusCode)
}

// Unwrap returns the next error in the error chain.
func (e *RequestError) Unwrap() error {
	return e.Inner
}

// GivenUpError means the retry budget for a work item is exhausted.
type GivenUpError struct {
	Attempts int
	Inner    error
}

// Error implements the error interface.
func (e *GivenUpError) Error() string {
	return fmt.Sprintf("given up after %d attempt(s): %s", e.Attempts, e.Inner.Error())
}

// Unwrap returns the next error in the error chain.
func (e *GivenUpError) Unwrap() error {
	return e.Inner
}
