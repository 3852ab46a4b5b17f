package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/toolrelay/internal/observability"
	"github.com/harun/toolrelay/internal/tracing"
	"github.com/harun/toolrelay/pkg/commandqueue"
	"github.com/harun/toolrelay/pkg/protocol"
	"github.com/harun/toolrelay/pkg/relayclient"
)

const (
	DefaultPushFailureThreshold = 3
	DefaultPollInterval         = time.Second
	DefaultPushRetryEvery       = 5
)

var (
	ErrAlreadyRunning   = errors.New("connection manager already running")
	ErrRetriesExhausted = errors.New("connection retries exhausted")
)

// Transport is the relay surface the manager drives. *relayclient.Client
// satisfies it.
type Transport interface {
	OpenStream(ctx context.Context, code string, binding relayclient.Binding) (relayclient.Stream, error)
	Poll(ctx context.Context, code string) ([]protocol.ToolRequest, error)
}

// RequestHandler accepts delivered requests. *commandqueue.Queue satisfies
// it.
type RequestHandler interface {
	Submit(ctx context.Context, req protocol.ToolRequest) error
}

// Options configures a Manager.
type Options struct {
	SessionCode string
	Transport   Transport
	Handler     RequestHandler
	Binding     relayclient.Binding
	// Capabilities is the worker's own view of the session. The relay's
	// connected event replaces it.
	Capabilities []string

	Backoff Backoff
	// PushFailureThreshold consecutive push failures switch delivery to
	// polling every PollInterval; push is retried every PushRetryEvery
	// poll cycles.
	PushFailureThreshold int
	PollInterval         time.Duration
	PushRetryEvery       int
	// MaxRetries bounds consecutive failed attempts before ERROR. Zero
	// retries forever.
	MaxRetries int

	OnStatus StatusFunc
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Manager keeps one session's worker connected to the relay.
type Manager struct {
	code           string
	transport      Transport
	handler        RequestHandler
	binding        relayclient.Binding
	backoff        Backoff
	threshold      int
	pollInterval   time.Duration
	pushRetryEvery int
	maxRetries     int
	onStatus       StatusFunc
	logger         zerolog.Logger
	now            func() time.Time

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}

	mu       sync.Mutex
	status   Status
	silenced bool
	caps     protocol.CapabilitySet

	subMu   sync.Mutex
	subs    map[int]chan Status
	nextSub int
}

// New validates opts and returns a stopped manager.
func New(opts Options) (*Manager, error) {
	if !protocol.ValidCode(opts.SessionCode) {
		return nil, fmt.Errorf("%w: session code must match ^[A-Z2-7]{8}$", protocol.ErrValidation)
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("request handler is required")
	}
	if opts.Binding == "" {
		opts.Binding = relayclient.BindingSSE
	}
	if opts.PushFailureThreshold <= 0 {
		opts.PushFailureThreshold = DefaultPushFailureThreshold
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.PushRetryEvery <= 0 {
		opts.PushRetryEvery = DefaultPushRetryEvery
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	caps := protocol.NewCapabilitySet(opts.Capabilities...)
	if len(caps) == 0 {
		caps = protocol.NewCapabilitySet(protocol.DefaultCapability)
	}

	return &Manager{
		code:           opts.SessionCode,
		transport:      opts.Transport,
		handler:        opts.Handler,
		binding:        opts.Binding,
		backoff:        opts.Backoff.withDefaults(),
		threshold:      opts.PushFailureThreshold,
		pollInterval:   opts.PollInterval,
		pushRetryEvery: opts.PushRetryEvery,
		maxRetries:     opts.MaxRetries,
		onStatus:       opts.OnStatus,
		logger: opts.Logger.With().
			Str("component", "connection").
			Str("session_code", opts.SessionCode).
			Logger(),
		now: opts.Now,
		status: Status{
			SessionCode: opts.SessionCode,
			State:       StateDisconnected,
			Transport:   TransportPush,
		},
		caps: caps,
		subs: make(map[int]chan Status),
	}, nil
}

// Start begins connecting in the background. It fails with
// ErrAlreadyRunning while a previous Start is still active.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.startLocked(ctx)
}

// Stop tears down the active binding and waits for the connection loop to
// exit. The final DISCONNECTED status is published before Stop returns and
// nothing is published after. Calling Stop again is a no-op.
func (m *Manager) Stop() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.stopLocked()
}

// Restart stops and starts under one lock, so no concurrent Start or Stop
// runs in between. Subscribers see the DISCONNECTED status from the stop
// followed by CONNECTING.
func (m *Manager) Restart(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.stopLocked()
	return m.startLocked(ctx)
}

func (m *Manager) startLocked(ctx context.Context) error {
	if m.done != nil {
		select {
		case <-m.done:
		default:
			// ERROR and DISCONNECTED are only published by a loop on its
			// way out.
			if state := m.Status().State; state != StateError && state != StateDisconnected {
				return ErrAlreadyRunning
			}
			<-m.done
		}
		m.cancel()
	}

	m.mu.Lock()
	m.silenced = false
	m.mu.Unlock()

	m.setStatus(func(s *Status) {
		s.State = StateConnecting
		s.Transport = TransportPush
		s.RetryCount = 0
		s.PushFailures = 0
		s.LastError = nil
		s.ConnectionID = ""
	})

	runCtx, cancel := context.WithCancel(tracing.WithSessionCode(ctx, m.code))
	done := make(chan struct{})
	m.cancel, m.done = cancel, done

	r := &runner{m: m, logger: tracing.LoggerFromContext(runCtx, m.logger)}
	go r.run(runCtx, done)
	return nil
}

func (m *Manager) stopLocked() {
	m.mu.Lock()
	m.silenced = true
	m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
		<-m.done
		m.cancel, m.done = nil, nil
	}

	m.mu.Lock()
	prev := m.status
	if prev.State == StateDisconnected {
		m.mu.Unlock()
		return
	}
	next := prev
	next.State = StateDisconnected
	next.ConnectionID = ""
	next.ChangedAt = m.now()
	m.status = next
	m.mu.Unlock()

	m.publish(prev, next)
}

// Status returns the current snapshot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Capabilities returns the session's capability set as last reported by
// the relay, or the configured set before the first connect.
func (m *Manager) Capabilities() protocol.CapabilitySet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return protocol.NewCapabilitySet(m.caps.List()...)
}

// Subscribe returns a channel receiving every published status. Slow
// subscribers miss updates rather than stall the manager. The returned
// func unsubscribes and closes the channel.
func (m *Manager) Subscribe(buffer int) (<-chan Status, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Status, buffer)

	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			close(ch)
			m.subMu.Unlock()
		})
	}
}

// setStatus applies update and publishes the result when it differs from
// the current status. Illegal transitions are logged and dropped. Nothing
// is published once Stop has begun.
func (m *Manager) setStatus(update func(*Status)) {
	m.mu.Lock()
	if m.silenced {
		m.mu.Unlock()
		return
	}
	prev := m.status
	next := prev
	update(&next)

	if !CanTransition(prev.State, next.State) {
		m.mu.Unlock()
		m.logger.Error().
			Str("from", string(prev.State)).
			Str("to", string(next.State)).
			Msg("Illegal connection state transition ignored")
		return
	}
	if unchanged(prev, next) {
		m.mu.Unlock()
		return
	}
	next.ChangedAt = m.now()
	m.status = next
	m.mu.Unlock()

	m.publish(prev, next)
}

func unchanged(a, b Status) bool {
	return a.State == b.State &&
		a.Transport == b.Transport &&
		a.RetryCount == b.RetryCount &&
		a.PushFailures == b.PushFailures &&
		a.ConnectionID == b.ConnectionID &&
		errors.Is(a.LastError, b.LastError) && errors.Is(b.LastError, a.LastError)
}

func (m *Manager) publish(prev, next Status) {
	if prev.State != next.State || prev.Transport != next.Transport {
		observability.RecordConnectionTransition(string(next.State), string(next.Transport))
		event := m.logger.Info()
		if next.State == StateError {
			event = m.logger.Error().Err(next.LastError)
		}
		event.
			Str("from", string(prev.State)).
			Str("to", string(next.State)).
			Str("transport", string(next.Transport)).
			Int("retry_count", next.RetryCount).
			Msg("Connection state changed")
	}

	if m.onStatus != nil {
		m.onStatus(next)
	}

	m.subMu.Lock()
	for _, ch := range m.subs {
		select {
		case ch <- next:
		default:
		}
	}
	m.subMu.Unlock()
}

func (m *Manager) setCapabilities(caps []string) {
	set := protocol.NewCapabilitySet(caps...)
	if len(set) == 0 {
		return
	}
	m.mu.Lock()
	m.caps = set
	m.mu.Unlock()
}

// sessionGone reports errors no reconnect can fix.
func sessionGone(err error) bool {
	return errors.Is(err, protocol.ErrSessionNotFound) ||
		errors.Is(err, protocol.ErrSessionExpired) ||
		errors.Is(err, protocol.ErrValidation)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

type outcome int

const (
	outcomeStopped outcome = iota
	// outcomeRotate ends an attempt without counting a failure: the relay
	// closed the stream on schedule, or polling is due to re-probe push.
	outcomeRotate
	outcomeFailed
	outcomeFatal
)

// runner is one Start's connection loop and its counters.
type runner struct {
	m            *Manager
	logger       zerolog.Logger
	retries      int
	pushFailures int
}

func (r *runner) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	m := r.m

	for {
		probing := r.pushFailures >= m.threshold
		res, err := r.attemptPush(ctx)
		switch res {
		case outcomeStopped:
			r.exit()
			return
		case outcomeFatal:
			r.fail(err)
			return
		case outcomeRotate:
			r.logger.Info().Msg("Stream closed by relay on schedule, reconnecting")
			m.setStatus(func(s *Status) {
				s.State = StateReconnecting
				s.Transport = TransportPush
				s.ConnectionID = ""
			})
			continue
		}

		r.pushFailures++
		if probing {
			r.logger.Debug().Err(err).Int("push_failures", r.pushFailures).Msg("Push probe failed, staying on polling")
			m.setStatus(func(s *Status) {
				s.PushFailures = r.pushFailures
				s.LastError = err
			})
		} else {
			r.retries++
			r.logger.Warn().Err(err).Int("retry_count", r.retries).Msg("Push connection failed")
			if r.exhausted() {
				r.fail(fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, r.retries, err))
				return
			}
			m.setStatus(func(s *Status) {
				s.State = StateReconnecting
				s.Transport = TransportPush
				s.RetryCount = r.retries
				s.PushFailures = r.pushFailures
				s.LastError = err
				s.ConnectionID = ""
			})
		}

		if r.pushFailures >= m.threshold {
			res, err := r.pollLoop(ctx)
			switch res {
			case outcomeStopped:
				r.exit()
				return
			case outcomeFatal:
				r.fail(err)
				return
			}
			continue
		}

		if !sleep(ctx, m.backoff.Delay(r.retries)) {
			r.exit()
			return
		}
	}
}

func (r *runner) exhausted() bool {
	return r.m.maxRetries > 0 && r.retries > r.m.maxRetries
}

func (r *runner) classify(ctx context.Context, err error) (outcome, error) {
	if ctx.Err() != nil {
		return outcomeStopped, nil
	}
	if sessionGone(err) {
		return outcomeFatal, err
	}
	return outcomeFailed, err
}

// attemptPush opens one push stream and consumes it until it ends.
func (r *runner) attemptPush(ctx context.Context) (outcome, error) {
	m := r.m
	stream, err := m.transport.OpenStream(ctx, m.code, m.binding)
	if err != nil {
		return r.classify(ctx, err)
	}
	defer stream.Close()
	stopWatch := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stopWatch()

	for {
		ev, err := stream.Next()
		if err != nil {
			if ctx.Err() != nil {
				return outcomeStopped, nil
			}
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("%w: stream closed by relay", protocol.ErrTransportFailure)
			}
			return outcomeFailed, err
		}

		switch ev.Event {
		case protocol.EventConnected:
			var payload protocol.ConnectedPayload
			if err := ev.Data.Decode(&payload); err != nil {
				r.logger.Warn().Err(err).Msg("Malformed connected event")
			}
			r.onPushConnected(payload)

		case protocol.EventToolRequest:
			var req protocol.ToolRequest
			if err := ev.Data.Decode(&req); err != nil {
				r.logger.Warn().Err(err).Msg("Malformed tool-request event dropped")
				continue
			}
			r.deliver(ctx, req)

		case protocol.EventError:
			var body protocol.ErrorBody
			_ = ev.Data.Decode(&body)
			r.logger.Warn().Str("error_kind", string(body.Error)).Str("message", body.Message).Msg("Relay reported a stream error")

		case protocol.EventTimeout:
			return outcomeRotate, nil

		case protocol.EventHeartbeat:

		default:
			r.logger.Debug().Str("event", ev.Event).Msg("Ignoring unknown stream event")
		}
	}
}

func (r *runner) onPushConnected(payload protocol.ConnectedPayload) {
	r.retries = 0
	r.pushFailures = 0
	r.m.setCapabilities(payload.Capabilities)
	now := r.m.now()
	r.m.setStatus(func(s *Status) {
		s.State = StateConnected
		s.Transport = TransportPush
		s.RetryCount = 0
		s.PushFailures = 0
		s.LastError = nil
		s.LastConnectedAt = now
		s.ConnectionID = payload.ConnectionID
	})
}

// pollLoop delivers by polling until push is due for a re-probe, the
// session is gone, or ctx ends.
func (r *runner) pollLoop(ctx context.Context) (outcome, error) {
	m := r.m
	for cycle := 1; ; cycle++ {
		wait := m.pollInterval

		requests, err := m.transport.Poll(ctx, m.code)
		if err != nil {
			res, err := r.classify(ctx, err)
			if res != outcomeFailed {
				return res, err
			}
			r.retries++
			r.logger.Warn().Err(err).Int("retry_count", r.retries).Msg("Poll failed")
			if r.exhausted() {
				return outcomeFatal, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, r.retries, err)
			}
			m.setStatus(func(s *Status) {
				s.State = StateReconnecting
				s.Transport = TransportPoll
				s.RetryCount = r.retries
				s.LastError = err
				s.ConnectionID = ""
			})
			wait = m.backoff.Delay(r.retries)
		} else {
			r.retries = 0
			now := m.now()
			m.setStatus(func(s *Status) {
				if s.State != StateConnected || s.Transport != TransportPoll {
					s.LastConnectedAt = now
				}
				s.State = StateConnected
				s.Transport = TransportPoll
				s.RetryCount = 0
				s.PushFailures = r.pushFailures
				s.ConnectionID = ""
			})
			for _, req := range requests {
				r.deliver(ctx, req)
			}
		}

		if cycle%m.pushRetryEvery == 0 {
			return outcomeRotate, nil
		}
		if !sleep(ctx, wait) {
			return outcomeStopped, nil
		}
	}
}

func (r *runner) deliver(ctx context.Context, req protocol.ToolRequest) {
	if req.SessionCode == "" {
		req.SessionCode = r.m.code
	}
	logger := r.logger.With().Str("request_id", req.ID).Str("tool", req.Tool).Logger()

	err := r.m.handler.Submit(ctx, req)
	switch {
	case err == nil:
		logger.Debug().Msg("Request accepted")
	case errors.Is(err, commandqueue.ErrDuplicate):
		logger.Debug().Msg("Duplicate delivery ignored")
	case errors.Is(err, commandqueue.ErrQueueFull):
		logger.Warn().Msg("Execution queue full, request answered with an error")
	default:
		logger.Error().Err(err).Msg("Failed to hand request to execution queue")
	}
}

func (r *runner) exit() {
	r.m.setStatus(func(s *Status) {
		s.State = StateDisconnected
		s.ConnectionID = ""
	})
}

func (r *runner) fail(err error) {
	r.m.setStatus(func(s *Status) {
		s.State = StateError
		s.RetryCount = r.retries
		s.LastError = err
		s.ConnectionID = ""
	})
}
