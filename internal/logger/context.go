package logger

import (
	"context"

	"github.com/google/uuid"
)

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// WithSubject adds the principal subject to the context.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, ContextKeySubject, subject)
}

// WithConversationID adds a conversation ID to the context.
func WithConversationID(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, ContextKeyConversationID, conversationID)
}

// RequestIDFrom extracts the request ID from the context, if any.
func RequestIDFrom(ctx context.Context) string {
	if requestID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return requestID
	}
	return ""
}

// GenerateRequestID generates a new request ID.
func GenerateRequestID() string {
	return uuid.New().String()
}
