package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/toolrelay/internal/observability"
	"github.com/harun/toolrelay/internal/tracing"
	"github.com/harun/toolrelay/pkg/protocol"
)

const (
	DefaultCapacity     = 64
	DefaultTimeout      = 30 * time.Second
	DefaultHistorySize  = 100
	DefaultDedupTTL     = 5 * time.Minute
	DefaultSinkAttempts = 3
	DefaultSinkBackoff  = 500 * time.Millisecond
	DefaultSinkTimeout  = 10 * time.Second
)

var (
	// ErrQueueFull is returned by Submit when the request was answered with
	// an error response because no slot was free.
	ErrQueueFull = errors.New("execution queue full")
	// ErrDuplicate is returned by Submit for a request id already accepted
	// inside the dedup window.
	ErrDuplicate = errors.New("duplicate request")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("execution queue closed")
)

// Executor turns a request into a response. Implementations never fail;
// errors are carried in the response.
type Executor interface {
	Respond(ctx context.Context, req protocol.ToolRequest, caps protocol.CapabilitySet) protocol.ToolResponse
}

// ResultSink receives finished responses, normally by posting them back to
// the relay.
type ResultSink interface {
	PutResponse(ctx context.Context, resp protocol.ToolResponse) error
}

// ResultSinkFunc adapts a function to ResultSink.
type ResultSinkFunc func(ctx context.Context, resp protocol.ToolResponse) error

func (f ResultSinkFunc) PutResponse(ctx context.Context, resp protocol.ToolResponse) error {
	return f(ctx, resp)
}

// Event types emitted by the queue.
const (
	EventAccepted  = "accepted"
	EventRejected  = "rejected"
	EventDuplicate = "duplicate"
	EventStarted   = "started"
	EventCompleted = "completed"
	EventDelivered = "delivered"
)

// EventHandler is a function that handles queue events
type EventHandler func(event Event)

// Event represents a queue event
type Event struct {
	Type      string
	Session   string
	RequestID string
	Tool      string
	Data      map[string]interface{}
}

// Options configures a Queue. Executor and Sink are required.
type Options struct {
	Session  string
	Executor Executor
	Sink     ResultSink

	// Capabilities returns the set the session currently holds. Nil means
	// BASE only.
	Capabilities func() protocol.CapabilitySet

	Capacity     int
	Timeout      time.Duration
	HistorySize  int
	DedupTTL     time.Duration
	SinkAttempts int
	SinkBackoff  time.Duration
	SinkTimeout  time.Duration

	Now    func() time.Time
	Logger zerolog.Logger
}

type item struct {
	ctx context.Context
	req protocol.ToolRequest
}

// Queue executes requests for one session on a single worker goroutine.
type Queue struct {
	opts    Options
	items   chan item
	history *history
	dedup   *dedupCache
	logger  zerolog.Logger

	mu     sync.RWMutex
	closed bool

	worker   sync.WaitGroup
	pending  sync.WaitGroup
	stopOnce sync.Once

	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// New validates opts and starts the worker.
func New(opts Options) (*Queue, error) {
	if opts.Executor == nil {
		return nil, errors.New("commandqueue: executor is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("commandqueue: result sink is required")
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.SinkAttempts <= 0 {
		opts.SinkAttempts = DefaultSinkAttempts
	}
	if opts.SinkBackoff <= 0 {
		opts.SinkBackoff = DefaultSinkBackoff
	}
	if opts.SinkTimeout <= 0 {
		opts.SinkTimeout = DefaultSinkTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Capabilities == nil {
		base := protocol.NewCapabilitySet()
		opts.Capabilities = func() protocol.CapabilitySet { return base }
	}

	q := &Queue{
		opts:          opts,
		items:         make(chan item, opts.Capacity),
		history:       newHistory(opts.HistorySize),
		dedup:         newDedupCache(opts.DedupTTL, 0, opts.Now),
		logger:        opts.Logger.With().Str("component", "commandqueue").Str("session_code", opts.Session).Logger(),
		eventHandlers: make(map[string][]EventHandler),
	}
	q.worker.Add(1)
	go q.run()
	return q, nil
}

// Submit hands req to the worker and returns without waiting for it to run.
// A full queue answers req with an ExecutionError response through the sink
// and returns ErrQueueFull.
func (q *Queue) Submit(ctx context.Context, req protocol.ToolRequest) error {
	if req.ID == "" {
		return fmt.Errorf("%w: request id is required", protocol.ErrValidation)
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	if q.dedup.Seen(req.ID) {
		observability.RecordQueueRejected("duplicate")
		q.logger.Debug().Str("request_id", req.ID).Msg("Duplicate delivery ignored")
		q.emit(Event{Type: EventDuplicate, Session: q.opts.Session, RequestID: req.ID, Tool: req.Tool})
		return ErrDuplicate
	}

	ctx = tracing.WithRequestID(tracing.Detach(ctx), req.ID)
	if req.SessionCode != "" {
		ctx = tracing.WithSessionCode(ctx, req.SessionCode)
	}

	q.history.add(recordFor(req, q.opts.Now()))
	select {
	case q.items <- item{ctx: ctx, req: req}:
		observability.SetQueueSize(q.opts.Session, len(q.items))
		q.emit(Event{Type: EventAccepted, Session: q.opts.Session, RequestID: req.ID, Tool: req.Tool,
			Data: map[string]interface{}{"queueSize": len(q.items)}})
		return nil
	default:
	}

	observability.RecordQueueRejected("full")
	err := fmt.Errorf("%w: %s (capacity %d)", protocol.ErrExecution, ErrQueueFull, q.opts.Capacity)
	resp := protocol.NewErrorResponse(req, err, q.opts.Now().UTC())

	q.history.update(req.ID, func(r *ExecutionRecord) {
		r.Status = StatusFailed
		r.FinishedAt = resp.CompletedAt
		r.ErrorKind = string(resp.Error.Code)
		r.Error = resp.Error.Message
	})

	q.logger.Warn().Str("request_id", req.ID).Str("tool", req.Tool).Int("capacity", q.opts.Capacity).
		Msg("Execution queue full, rejecting request")
	q.emit(Event{Type: EventRejected, Session: q.opts.Session, RequestID: req.ID, Tool: req.Tool})

	q.pending.Add(1)
	go func() {
		defer q.pending.Done()
		q.deliver(ctx, resp)
	}()
	return ErrQueueFull
}

func (q *Queue) run() {
	defer q.worker.Done()
	for it := range q.items {
		observability.SetQueueSize(q.opts.Session, len(q.items))
		q.execute(it)
	}
}

func (q *Queue) execute(it item) {
	req := it.req
	logger := tracing.LoggerFromContext(it.ctx, q.logger)

	q.history.update(req.ID, func(r *ExecutionRecord) {
		r.Status = StatusRunning
		r.StartedAt = q.opts.Now()
	})
	q.emit(Event{Type: EventStarted, Session: q.opts.Session, RequestID: req.ID, Tool: req.Tool})
	logger.Debug().Str("tool", req.Tool).Msg("Executing request")

	ctx, cancel := context.WithTimeout(it.ctx, q.opts.Timeout)
	resp := q.opts.Executor.Respond(ctx, req, q.opts.Capabilities())
	cancel()

	q.history.update(req.ID, func(r *ExecutionRecord) {
		r.FinishedAt = q.opts.Now()
		if resp.Succeeded() {
			r.Status = StatusCompleted
			return
		}
		r.Status = StatusFailed
		r.ErrorKind = string(resp.Error.Code)
		r.Error = resp.Error.Message
	})
	q.emit(Event{Type: EventCompleted, Session: q.opts.Session, RequestID: req.ID, Tool: req.Tool,
		Data: map[string]interface{}{"success": resp.Succeeded()}})

	q.deliver(it.ctx, resp)
}

// deliver posts resp to the sink, retrying with doubling backoff. Permanent
// rejections (the session is gone or the body is invalid) are not retried.
func (q *Queue) deliver(ctx context.Context, resp protocol.ToolResponse) {
	logger := tracing.LoggerFromContext(ctx, q.logger)
	backoff := q.opts.SinkBackoff

	var err error
	for attempt := 1; attempt <= q.opts.SinkAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, q.opts.SinkTimeout)
		err = q.opts.Sink.PutResponse(attemptCtx, resp)
		cancel()
		if err == nil {
			q.emit(Event{Type: EventDelivered, Session: q.opts.Session, RequestID: resp.RequestID})
			return
		}
		if permanent(err) || attempt == q.opts.SinkAttempts {
			break
		}
		logger.Debug().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("Posting response failed, retrying")
		time.Sleep(backoff)
		backoff *= 2
	}
	logger.Error().Err(err).Str("request_id", resp.RequestID).Msg("Giving up on posting response")
}

func permanent(err error) bool {
	return errors.Is(err, protocol.ErrValidation) ||
		errors.Is(err, protocol.ErrSessionNotFound) ||
		errors.Is(err, protocol.ErrSessionExpired)
}

// Len returns the number of requests waiting for the worker.
func (q *Queue) Len() int {
	return len(q.items)
}

// Capacity returns the configured bound.
func (q *Queue) Capacity() int {
	return q.opts.Capacity
}

// History returns the most recent execution records, oldest first.
func (q *Queue) History() []ExecutionRecord {
	return q.history.snapshot()
}

// Close stops accepting requests and waits for accepted ones to finish and
// be delivered, or for ctx to end. It is safe to call more than once.
func (q *Queue) Close(ctx context.Context) error {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.items)
		q.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		q.worker.Wait()
		q.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.dedup.Stop()
		observability.SetQueueSize(q.opts.Session, 0)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// On registers an event handler for a specific event type
func (q *Queue) On(eventType string, handler EventHandler) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()

	q.eventHandlers[eventType] = append(q.eventHandlers[eventType], handler)
}

// emit emits an event synchronously to all registered handlers
func (q *Queue) emit(event Event) {
	q.eventMu.RLock()
	handlers := q.eventHandlers[event.Type]
	q.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
