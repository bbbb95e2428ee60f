package observability

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	requestIDKey     contextKey = "request_id"
	correlationIDKey contextKey = "correlation_id"
	userIDKey        contextKey = "user_id"
	projectIDKey     contextKey = "project_id"
)

// WithRequestID stores a request ID in the context, generating one if empty.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.NewString()
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request ID from the context, or "".
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// WithCorrelationID stores the end-to-end correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.NewString()
	}
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID returns the correlation ID from the context, or "".
func CorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(correlationIDKey).(string)
	return v
}

// WithCaller stores the authenticated user and project for downstream
// budget checks and cost attribution.
func WithCaller(ctx context.Context, userID, projectID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, projectIDKey, projectID)
}

// CallerUser returns the authenticated user ID, or "".
func CallerUser(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

// CallerProject returns the authenticated project ID, or "".
func CallerProject(ctx context.Context) string {
	v, _ := ctx.Value(projectIDKey).(string)
	return v
}
