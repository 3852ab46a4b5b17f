package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	if tc.TraceID != "" {
		logger = logger.With().Str("trace_id", tc.TraceID).Logger()
	}
	if tc.SessionCode != "" {
		logger = logger.With().Str("session_code", tc.SessionCode).Logger()
	}
	if tc.RequestID != "" {
		logger = logger.With().Str("request_id", tc.RequestID).Logger()
	}
	if tc.ConnectionID != "" {
		logger = logger.With().Str("connection_id", tc.ConnectionID).Logger()
	}

	return logger
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// MergeContext copies tracing values from source into target without
// overwriting values target already has.
func MergeContext(target, source context.Context) context.Context {
	src := FromContext(source)
	dst := FromContext(target)

	if dst.TraceID == "" && src.TraceID != "" {
		target = WithTraceID(target, src.TraceID)
	}
	if dst.SessionCode == "" && src.SessionCode != "" {
		target = WithSessionCode(target, src.SessionCode)
	}
	if dst.RequestID == "" && src.RequestID != "" {
		target = WithRequestID(target, src.RequestID)
	}
	if dst.ConnectionID == "" && src.ConnectionID != "" {
		target = WithConnectionID(target, src.ConnectionID)
	}
	return target
}

// Detach returns a background context carrying ctx's tracing values but none
// of its cancellation. Work that must outlive the caller (a tool execution
// after its transport closed) runs under a detached context.
func Detach(ctx context.Context) context.Context {
	return MergeContext(context.Background(), ctx)
}
