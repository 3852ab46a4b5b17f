package commandqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/toolrelay/pkg/protocol"
)

type recordingSink struct {
	mu        sync.Mutex
	responses []protocol.ToolResponse
	failFirst int
	err       error
	calls     int
}

func (s *recordingSink) PutResponse(ctx context.Context, resp protocol.ToolResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failFirst {
		return s.err
	}
	s.responses = append(s.responses, resp)
	return nil
}

func (s *recordingSink) snapshot() []protocol.ToolResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.ToolResponse(nil), s.responses...)
}

func (s *recordingSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type funcExecutor func(ctx context.Context, req protocol.ToolRequest, caps protocol.CapabilitySet) protocol.ToolResponse

func (f funcExecutor) Respond(ctx context.Context, req protocol.ToolRequest, caps protocol.CapabilitySet) protocol.ToolResponse {
	return f(ctx, req, caps)
}

func echoExecutor() funcExecutor {
	return func(ctx context.Context, req protocol.ToolRequest, caps protocol.CapabilitySet) protocol.ToolResponse {
		return protocol.NewResultResponse(req, req.Args, time.Now())
	}
}

func request(id string) protocol.ToolRequest {
	return protocol.ToolRequest{
		ID:          id,
		SessionCode: "ABCDEFGH",
		Tool:        "echo",
		Args:        protocol.MustValue(map[string]interface{}{"id": id}),
	}
}

func closeQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Close(ctx))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Sink: &recordingSink{}})
	assert.Error(t, err)

	_, err = New(Options{Executor: echoExecutor()})
	assert.Error(t, err)
}

func TestQueue_ExecutesInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	exec := funcExecutor(func(ctx context.Context, req protocol.ToolRequest, caps protocol.CapabilitySet) protocol.ToolResponse {
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		order = append(order, req.ID)
		mu.Unlock()
		return protocol.NewResultResponse(req, req.Args, time.Now())
	})
	sink := &recordingSink{}
	q, err := New(Options{Session: "ABCDEFGH", Executor: exec, Sink: sink})
	require.NoError(t, err)

	ids := []string{"r1", "r2", "r3", "r4", "r5"}
	for _, id := range ids {
		require.NoError(t, q.Submit(context.Background(), request(id)))
	}
	closeQueue(t, q)

	assert.Equal(t, ids, order)
	responses := sink.snapshot()
	require.Len(t, responses, len(ids))
	for i, resp := range responses {
		assert.Equal(t, ids[i], resp.RequestID)
		assert.True(t, resp.Succeeded())
	}
}

func TestQueue_SingleWorker(t *testing.T) {
	var running, maxRunning int
	var mu sync.Mutex
	exec := funcExecutor(func(ctx context.Context, req protocol.ToolRequest, caps protocol.CapabilitySet) protocol.ToolResponse {
		mu.Lock()
		running++
		if running > maxRunning {
			maxRunning = running
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return protocol.NewResultResponse(req, protocol.Value{}, time.Now())
	})
	q, err := New(Options{Executor: exec, Sink: &recordingSink{}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = q.Submit(context.Background(), request(string(rune('a'+i))))
		}(i)
	}
	wg.Wait()
	closeQueue(t, q)

	assert.Equal(t, 1, maxRunning)
}

func TestQueue_FullQueueRespondsWithError(t *testing.T) {
	release := make(chan struct{})
	exec := funcExecutor(func(ctx context.Context, req protocol.ToolRequest, caps protocol.CapabilitySet) protocol.ToolResponse {
		<-release
		return protocol.NewResultResponse(req, protocol.Value{}, time.Now())
	})
	sink := &recordingSink{}
	q, err := New(Options{Executor: exec, Sink: sink, Capacity: 1})
	require.NoError(t, err)

	started := make(chan struct{}, 1)
	q.On(EventStarted, func(Event) { started <- struct{}{} })

	require.NoError(t, q.Submit(context.Background(), request("running")))
	<-started
	require.NoError(t, q.Submit(context.Background(), request("waiting")))

	err = q.Submit(context.Background(), request("overflow"))
	assert.ErrorIs(t, err, ErrQueueFull)

	assert.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	rejected := sink.snapshot()[0]
	assert.Equal(t, "overflow", rejected.RequestID)
	require.NotNil(t, rejected.Error)
	assert.Equal(t, protocol.KindExecution, rejected.Error.Code)
	assert.Contains(t, rejected.Error.Message, "queue full")

	close(release)
	closeQueue(t, q)
	assert.Len(t, sink.snapshot(), 3)
}

func TestQueue_Duplicates(t *testing.T) {
	sink := &recordingSink{}
	q, err := New(Options{Executor: echoExecutor(), Sink: sink})
	require.NoError(t, err)

	require.NoError(t, q.Submit(context.Background(), request("same")))
	assert.ErrorIs(t, q.Submit(context.Background(), request("same")), ErrDuplicate)
	closeQueue(t, q)

	assert.Len(t, sink.snapshot(), 1)
}

func TestQueue_SubmitValidation(t *testing.T) {
	q, err := New(Options{Executor: echoExecutor(), Sink: &recordingSink{}})
	require.NoError(t, err)
	defer closeQueue(t, q)

	err = q.Submit(context.Background(), protocol.ToolRequest{Tool: "echo"})
	assert.ErrorIs(t, err, protocol.ErrValidation)
}

func TestQueue_CloseDrainsAndRejectsLateSubmits(t *testing.T) {
	exec := funcExecutor(func(ctx context.Context, req protocol.ToolRequest, caps protocol.CapabilitySet) protocol.ToolResponse {
		time.Sleep(10 * time.Millisecond)
		return protocol.NewResultResponse(req, protocol.Value{}, time.Now())
	})
	sink := &recordingSink{}
	q, err := New(Options{Executor: exec, Sink: sink})
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Submit(context.Background(), request(id)))
	}
	closeQueue(t, q)
	closeQueue(t, q)

	assert.Len(t, sink.snapshot(), 3)
	assert.ErrorIs(t, q.Submit(context.Background(), request("late")), ErrClosed)
}

func TestQueue_SubmitContextCancelDoesNotCancelExecution(t *testing.T) {
	exec := funcExecutor(func(ctx context.Context, req protocol.ToolRequest, caps protocol.CapabilitySet) protocol.ToolResponse {
		select {
		case <-ctx.Done():
			return protocol.NewErrorResponse(req, ctx.Err(), time.Now())
		case <-time.After(20 * time.Millisecond):
			return protocol.NewResultResponse(req, protocol.Value{}, time.Now())
		}
	})
	sink := &recordingSink{}
	q, err := New(Options{Executor: exec, Sink: sink})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, q.Submit(ctx, request("detached")))
	cancel()
	closeQueue(t, q)

	responses := sink.snapshot()
	require.Len(t, responses, 1)
	assert.True(t, responses[0].Succeeded())
}

func TestQueue_TimeoutCeiling(t *testing.T) {
	exec := funcExecutor(func(ctx context.Context, req protocol.ToolRequest, caps protocol.CapabilitySet) protocol.ToolResponse {
		deadline, ok := ctx.Deadline()
		if !ok || time.Until(deadline) > 50*time.Millisecond {
			return protocol.NewErrorResponse(req, errors.New("no deadline"), time.Now())
		}
		return protocol.NewResultResponse(req, protocol.Value{}, time.Now())
	})
	sink := &recordingSink{}
	q, err := New(Options{Executor: exec, Sink: sink, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, q.Submit(context.Background(), request("t")))
	closeQueue(t, q)

	require.Len(t, sink.snapshot(), 1)
	assert.True(t, sink.snapshot()[0].Succeeded())
}

func TestQueue_CapabilitiesPassedThrough(t *testing.T) {
	var got protocol.CapabilitySet
	exec := funcExecutor(func(ctx context.Context, req protocol.ToolRequest, caps protocol.CapabilitySet) protocol.ToolResponse {
		got = caps
		return protocol.NewResultResponse(req, protocol.Value{}, time.Now())
	})
	caps := protocol.NewCapabilitySet("BASE", "FILES")
	q, err := New(Options{
		Executor:     exec,
		Sink:         &recordingSink{},
		Capabilities: func() protocol.CapabilitySet { return caps },
	})
	require.NoError(t, err)

	require.NoError(t, q.Submit(context.Background(), request("c")))
	closeQueue(t, q)

	assert.True(t, got.Has("FILES"))
}

func TestQueue_SinkRetries(t *testing.T) {
	t.Run("should retry transient failures", func(t *testing.T) {
		sink := &recordingSink{failFirst: 2, err: protocol.ErrTransportFailure}
		q, err := New(Options{Executor: echoExecutor(), Sink: sink, SinkBackoff: time.Millisecond})
		require.NoError(t, err)

		require.NoError(t, q.Submit(context.Background(), request("retry")))
		closeQueue(t, q)

		assert.Equal(t, 3, sink.callCount())
		assert.Len(t, sink.snapshot(), 1)
	})

	t.Run("should not retry when the session is gone", func(t *testing.T) {
		sink := &recordingSink{failFirst: 5, err: protocol.ErrSessionExpired}
		q, err := New(Options{Executor: echoExecutor(), Sink: sink, SinkBackoff: time.Millisecond})
		require.NoError(t, err)

		require.NoError(t, q.Submit(context.Background(), request("gone")))
		closeQueue(t, q)

		assert.Equal(t, 1, sink.callCount())
		assert.Empty(t, sink.snapshot())
	})
}

func TestQueue_History(t *testing.T) {
	exec := funcExecutor(func(ctx context.Context, req protocol.ToolRequest, caps protocol.CapabilitySet) protocol.ToolResponse {
		if req.ID == "bad" {
			return protocol.NewErrorResponse(req, protocol.ErrToolNotFound, time.Now())
		}
		return protocol.NewResultResponse(req, protocol.Value{}, time.Now())
	})
	q, err := New(Options{Executor: exec, Sink: &recordingSink{}, HistorySize: 2})
	require.NoError(t, err)

	for _, id := range []string{"first", "good", "bad"} {
		require.NoError(t, q.Submit(context.Background(), request(id)))
	}
	closeQueue(t, q)

	records := q.History()
	require.Len(t, records, 2)
	assert.Equal(t, "good", records[0].RequestID)
	assert.Equal(t, StatusCompleted, records[0].Status)
	assert.Equal(t, "bad", records[1].RequestID)
	assert.Equal(t, StatusFailed, records[1].Status)
	assert.Equal(t, string(protocol.KindToolNotFound), records[1].ErrorKind)
	assert.False(t, records[1].StartedAt.IsZero())
}

func TestQueue_Events(t *testing.T) {
	q, err := New(Options{Executor: echoExecutor(), Sink: &recordingSink{}})
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []string
	record := func(e Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	}
	for _, typ := range []string{EventAccepted, EventStarted, EventCompleted, EventDelivered} {
		q.On(typ, record)
	}

	require.NoError(t, q.Submit(context.Background(), request("e")))
	closeQueue(t, q)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{EventAccepted, EventStarted, EventCompleted, EventDelivered}, seen)
}
