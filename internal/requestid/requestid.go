// Package requestid carries a per-request correlation id through contexts,
// HTTP headers and gRPC metadata.
package requestid

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Header is the HTTP header and gRPC metadata key for request ids.
const Header = "X-Request-ID"

type contextKey struct{}

// New creates a request id.
func New() string {
	return uuid.NewString()
}

// With adds a request id to ctx. Blank ids leave ctx unchanged.
func With(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, requestID)
}

// From reads the request id from ctx.
func From(ctx context.Context) string {
	v := ctx.Value(contextKey{})
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// FromRequest returns the caller's X-Request-ID or a new id.
func FromRequest(r *http.Request) string {
	if rid := strings.TrimSpace(r.Header.Get(Header)); rid != "" {
		return rid
	}
	return New()
}
