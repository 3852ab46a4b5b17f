package tracing

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()
	assert.Len(t, id1, 36)
	assert.NotEqual(t, id1, id2)
}

func TestContextRoundTrip(t *testing.T) {
	ctx := NewContext(context.Background(), &TraceContext{
		TraceID:     "trace-1",
		SessionCode: "ABCDEFGH",
		RequestID:   "r1",
	})

	tc := FromContext(ctx)
	assert.Equal(t, "trace-1", tc.TraceID)
	assert.Equal(t, "ABCDEFGH", tc.SessionCode)
	assert.Equal(t, "r1", tc.RequestID)
	assert.Empty(t, tc.ConnectionID)
	assert.Empty(t, GetConnectionID(context.Background()))
}

func TestPropagateToLogger(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithSessionCode(WithTraceID(context.Background(), "trace-9"), "ABCDEFGH")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	assert.Contains(t, out, `"trace_id":"trace-9"`)
	assert.Contains(t, out, `"session_code":"ABCDEFGH"`)
	assert.NotContains(t, out, "request_id")
}

func TestMergeContextNoOverwrite(t *testing.T) {
	target := WithTraceID(context.Background(), "mine")
	source := WithRequestID(WithTraceID(context.Background(), "theirs"), "r2")

	merged := MergeContext(target, source)
	assert.Equal(t, "mine", GetTraceID(merged))
	assert.Equal(t, "r2", GetRequestID(merged))
}

func TestDetach(t *testing.T) {
	parent, cancel := context.WithTimeout(WithRequestID(context.Background(), "r3"), time.Millisecond)
	defer cancel()

	detached := Detach(parent)
	<-parent.Done()

	assert.NoError(t, detached.Err())
	assert.Equal(t, "r3", GetRequestID(detached))
	_, hasDeadline := detached.Deadline()
	assert.False(t, hasDeadline)
}

func TestStartSpanSetsTraceID(t *testing.T) {
	require.NoError(t, Init(Config{Enabled: true, ServiceName: "toolrelay-test"}))

	ctx, span := StartSpan(context.Background(), "tracing_test", "op")
	defer span.End()

	assert.NotEmpty(t, GetTraceID(ctx))
}
