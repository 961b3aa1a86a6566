package logger

import "context"

// contextKey is a private type to prevent collisions with other context keys.
type contextKey struct{ name string }

var (
	// eventIDKey is the context key for the webhook event ID being processed.
	eventIDKey = contextKey{"event_id"}
	// requestIDKey is the context key for the inbound HTTP request ID.
	requestIDKey = contextKey{"request_id"}
)

// WithEventID returns a new context with the given webhook event ID stored.
func WithEventID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, eventIDKey, id)
}

// EventID extracts the webhook event ID from the context.
// Returns an empty string if no event ID is set.
func EventID(ctx context.Context) string {
	id, _ := ctx.Value(eventIDKey).(string)
	return id
}

// WithRequestID returns a new context with the given HTTP request ID stored.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID extracts the HTTP request ID from the context.
// Returns an empty string if no request ID is set.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
