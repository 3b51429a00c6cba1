/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package dispatch

import "context"

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
)

// NewContextWithRequestID creates a new context with the work item request ID.
// The dispatcher does this for every attempt, so transports can correlate
// sent requests (e.g. via the X-Request-ID header) with dispatcher logs and metrics.
func NewContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, requestID)
}

// GetRequestIDFromContext extracts the work item request ID from the context.
// Returns an empty string when it is not present.
func GetRequestIDFromContext(ctx context.Context) string {
	value := ctx.Value(ctxKeyRequestID)
	if value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	return ""
}
