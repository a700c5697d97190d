// Package requestcontext provides transport-independent context accessors for
// caller-scoped values.
//
// The anchoring core never sees HTTP requests, but the layers above it do,
// and rate limiting needs a stable caller identity. Middleware (or batch
// jobs) inject the caller here; services read it without importing any
// transport code.
//
// Usage in services (read values):
//
//	caller := requestcontext.Caller(ctx)
//	requestID := requestcontext.RequestID(ctx)
//
// Usage in middleware or tests (set values):
//
//	ctx = requestcontext.WithCaller(ctx, "issuer-svc")
//	ctx = requestcontext.WithRequestID(ctx, requestID)
package requestcontext

import "context"

// AnonymousCaller is the rate-limit identity used when nothing upstream
// identified the caller.
const AnonymousCaller = "anonymous"

// Context key types (unexported for encapsulation).
type (
	callerKey    struct{}
	requestIDKey struct{}
)

// Exported context keys for tests that need raw context.WithValue.
var (
	ContextKeyCaller    = callerKey{}
	ContextKeyRequestID = requestIDKey{}
)

// Caller retrieves the caller identity from the context.
// Returns AnonymousCaller if not set.
func Caller(ctx context.Context) string {
	if c, ok := ctx.Value(ContextKeyCaller).(string); ok && c != "" {
		return c
	}
	return AnonymousCaller
}

// WithCaller injects a caller identity into the context.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, ContextKeyCaller, caller)
}

// RequestID retrieves the request ID from the context, or "" if unset.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return id
	}
	return ""
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}
