package utils

import (
	"context"
	"time"
)

// DefaultTimeout is the default timeout for operations.
const DefaultTimeout = 30 * time.Second

type contextKey string

const (
	// ContextUserIDKey is the key for the authenticated user ID in the context.
	ContextUserIDKey = contextKey("user_id")

	// ContextRequestIDKey is the key for the per-request correlation ID.
	ContextRequestIDKey = contextKey("request_id")
)

// WithUserID stores the authenticated user ID in the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ContextUserIDKey, userID)
}

// GetAuthenticatedUserID retrieves the authenticated user ID from the context.
func GetAuthenticatedUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(ContextUserIDKey).(string)
	return userID, ok
}

// WithRequestID stores the per-request correlation ID in the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextRequestIDKey, requestID)
}

// GetContextFields extracts common fields from context for logging and error context.
func GetContextFields(ctx context.Context) map[string]interface{} {
	fields := make(map[string]interface{})
	if ctx == nil {
		return fields
	}
	if userID, ok := GetAuthenticatedUserID(ctx); ok && userID != "" {
		fields["user_id"] = userID
	}
	if reqID, ok := ctx.Value(ContextRequestIDKey).(string); ok && reqID != "" {
		fields["request_id"] = reqID
	}
	return fields
}
