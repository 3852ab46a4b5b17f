package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// SessionCodeKey is the context key for the pairing code a call belongs to
	SessionCodeKey ContextKey = "session_code"
	// RequestIDKey is the context key for the tool request ID
	RequestIDKey ContextKey = "request_id"
	// ConnectionIDKey is the context key for a stream connection ID
	ConnectionIDKey ContextKey = "connection_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID      string
	SessionCode  string
	RequestID    string
	ConnectionID string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithSessionCode adds a session code to the context
func WithSessionCode(ctx context.Context, code string) context.Context {
	return context.WithValue(ctx, SessionCodeKey, code)
}

// WithRequestID adds a tool request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithConnectionID adds a stream connection ID to the context
func WithConnectionID(ctx context.Context, connectionID string) context.Context {
	return context.WithValue(ctx, ConnectionIDKey, connectionID)
}

func getString(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return getString(ctx, TraceIDKey)
}

// GetSessionCode retrieves the session code from the context
func GetSessionCode(ctx context.Context) string {
	return getString(ctx, SessionCodeKey)
}

// GetRequestID retrieves the tool request ID from the context
func GetRequestID(ctx context.Context) string {
	return getString(ctx, RequestIDKey)
}

// GetConnectionID retrieves the stream connection ID from the context
func GetConnectionID(ctx context.Context) string {
	return getString(ctx, ConnectionIDKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:      GetTraceID(ctx),
		SessionCode:  GetSessionCode(ctx),
		RequestID:    GetRequestID(ctx),
		ConnectionID: GetConnectionID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.SessionCode != "" {
		ctx = WithSessionCode(ctx, tc.SessionCode)
	}
	if tc.RequestID != "" {
		ctx = WithRequestID(ctx, tc.RequestID)
	}
	if tc.ConnectionID != "" {
		ctx = WithConnectionID(ctx, tc.ConnectionID)
	}
	return ctx
}

// NewRequestContext creates a new context for a request with a new trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}
