package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/toolrelay/internal/config"
	"github.com/harun/toolrelay/internal/logger"
	"github.com/harun/toolrelay/internal/observability"
	"github.com/harun/toolrelay/internal/tracing"
	"github.com/harun/toolrelay/pkg/commandqueue"
	"github.com/harun/toolrelay/pkg/connection"
	"github.com/harun/toolrelay/pkg/protocol"
	"github.com/harun/toolrelay/pkg/relayclient"
	"github.com/harun/toolrelay/pkg/toolexecutor"
)

// Worker is the execution side of one session: it keeps a connection to
// the relay, runs delivered tool calls and posts their results back.
type Worker struct {
	config *config.Config
	logger *logger.Logger
	code   string

	client   *relayclient.Client
	tools    *toolexecutor.ToolExecutor
	queue    *commandqueue.Queue
	manager  *connection.Manager
	statuses <-chan connection.Status
	unsub    func()

	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	stopped   bool
	mu        sync.RWMutex
}

// WorkerOption adjusts a Worker before it starts.
type WorkerOption func(*Worker) error

// WithTools registers extra tools next to the built-ins.
func WithTools(defs ...toolexecutor.ToolDefinition) WorkerOption {
	return func(w *Worker) error {
		for _, def := range defs {
			if err := w.tools.RegisterTool(def); err != nil {
				return err
			}
		}
		return nil
	}
}

// NewWorker builds a worker for the session code. An empty code falls back
// to worker.session_code from cfg.
func NewWorker(cfg *config.Config, log *logger.Logger, code string, opts ...WorkerOption) (*Worker, error) {
	observability.EnsureRegistered()
	if code == "" {
		code = cfg.Worker.SessionCode
	}
	if !protocol.ValidCode(code) {
		return nil, fmt.Errorf("%w: invalid session code %q", protocol.ErrValidation, code)
	}

	w := &Worker{
		config: cfg,
		logger: log,
		code:   code,
		tools:  toolexecutor.New(),
	}

	if err := toolexecutor.RegisterBuiltins(w.tools); err != nil {
		return nil, err
	}
	if cfg.Worker.ExecTimeout > 0 {
		w.tools.SetTimeout(cfg.Worker.ExecTimeout)
	}
	w.tools.SetPolicy(&toolexecutor.ToolPolicy{
		Allow: cfg.Worker.Tools.Allow,
		Deny:  cfg.Worker.Tools.Deny,
	})
	for _, opt := range opts {
		if err := opt(w); err != nil {
			return nil, err
		}
	}

	var err error
	w.client, err = relayclient.New(relayclient.Options{
		BaseURL:           cfg.Worker.RelayURL,
		Timeout:           cfg.Worker.RequestTimeout,
		StreamIdleTimeout: cfg.Worker.StreamIdleTimeout,
		Logger:            log.Component("relayclient"),
	})
	if err != nil {
		return nil, err
	}

	binding, err := relayclient.ParseBinding(cfg.Worker.Binding)
	if err != nil {
		return nil, err
	}

	w.queue, err = commandqueue.New(commandqueue.Options{
		Session:  code,
		Executor: w.tools,
		Sink:     w.client,
		Capabilities: func() protocol.CapabilitySet {
			return w.manager.Capabilities()
		},
		Capacity:    cfg.Worker.QueueSize,
		Timeout:     cfg.Worker.ExecTimeout,
		HistorySize: cfg.Worker.HistorySize,
		Logger:      log.Zerolog(),
	})
	if err != nil {
		return nil, err
	}
	skipped := log.Component("worker").With().Str("session_code", code).Logger()
	for _, typ := range []string{commandqueue.EventRejected, commandqueue.EventDuplicate} {
		w.queue.On(typ, func(e commandqueue.Event) {
			skipped.Warn().
				Str("event", e.Type).
				Str("request_id", e.RequestID).
				Str("tool", e.Tool).
				Interface("data", e.Data).
				Msg("Tool call not executed")
		})
	}

	w.manager, err = connection.New(connection.Options{
		SessionCode:  code,
		Transport:    w.client,
		Handler:      w.queue,
		Binding:      binding,
		Capabilities: cfg.Worker.Capabilities,
		Backoff: connection.Backoff{
			Base:   cfg.Worker.BackoffBase,
			Max:    cfg.Worker.BackoffMax,
			Jitter: cfg.Worker.BackoffJitter,
		},
		PushFailureThreshold: cfg.Worker.PushFailureThreshold,
		PollInterval:         cfg.Worker.PollInterval,
		PushRetryEvery:       cfg.Worker.PushRetryEvery,
		MaxRetries:           cfg.Worker.MaxRetries,
		Logger:               log.Zerolog(),
	})
	if err != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = w.queue.Close(ctx)
		return nil, err
	}

	if cfg.DataDir != "" {
		w.lifecycle = NewLifecycleManager(PIDFilePath(cfg.DataDir, "worker"), log.Component("lifecycle"))
	}
	return w, nil
}

// Start connects to the relay. Delivery continues in the background until
// Stop or until the session is gone.
func (w *Worker) Start(parent context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker is already running")
	}
	if w.stopped {
		w.mu.Unlock()
		return fmt.Errorf("worker has been stopped")
	}
	w.running = true
	w.startTime = time.Now()
	w.ctx, w.cancel = context.WithCancel(parent)
	w.mu.Unlock()

	ctx := tracing.WithSessionCode(tracing.NewRequestContext(w.ctx), w.code)
	logger := tracing.LoggerFromContext(ctx, w.logger.Zerolog())
	logger.Info().
		Str("relay", w.client.BaseURL()).
		Str("binding", w.config.Worker.Binding).
		Strs("tools", w.tools.ListTools()).
		Msg("Starting worker")

	if w.lifecycle != nil {
		if err := w.lifecycle.Start(); err != nil {
			w.setStopped()
			return fmt.Errorf("failed to start lifecycle manager: %w", err)
		}
	}

	w.statuses, w.unsub = w.manager.Subscribe(16)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.logStatuses(w.statuses)
	}()

	if err := w.manager.Start(ctx); err != nil {
		w.unsub()
		w.wg.Wait()
		if w.lifecycle != nil {
			_ = w.lifecycle.Stop()
		}
		w.setStopped()
		return fmt.Errorf("failed to start connection manager: %w", err)
	}
	return nil
}

// logStatuses reports transitions until the subscription closes.
func (w *Worker) logStatuses(statuses <-chan connection.Status) {
	logger := w.logger.Component("worker").With().Str("session_code", w.code).Logger()
	for status := range statuses {
		event := logger.Info()
		switch {
		case status.State == connection.StateError:
			event = logger.Error().Err(status.LastError)
		case status.Degraded():
			event = logger.Warn()
		}
		event.
			Str("state", string(status.State)).
			Str("transport", string(status.Transport)).
			Int("retry_count", status.RetryCount).
			Msg("Connection status")
	}
}

func (w *Worker) setStopped() {
	w.mu.Lock()
	w.running = false
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()
}

// Stop disconnects, then lets queued executions finish and post their
// results before returning.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker is not running")
	}
	w.running = false
	w.stopped = true
	w.mu.Unlock()

	logger := w.logger.Zerolog().With().Str("session_code", w.code).Logger()
	logger.Info().Msg("Stopping worker")

	w.manager.Stop()
	w.unsub()
	w.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), w.drainTimeout())
	defer cancel()
	if err := w.queue.Close(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to drain execution queue")
	}
	w.cancel()

	if w.lifecycle != nil {
		if err := w.lifecycle.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
		}
	}

	logger.Info().Int("executed", len(w.queue.History())).Msg("Worker stopped")
	return nil
}

func (w *Worker) drainTimeout() time.Duration {
	timeout := w.config.Worker.ExecTimeout
	if timeout <= 0 {
		timeout = toolexecutor.DefaultTimeout
	}
	return timeout + 5*time.Second
}

// Status reports whether the worker is running and for how long.
func (w *Worker) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()

	status := Status{Running: w.running}
	if w.running {
		status.Uptime = time.Since(w.startTime)
		status.StartTime = w.startTime
	}
	return status
}

// Connection returns the current connection status.
func (w *Worker) Connection() connection.Status {
	return w.manager.Status()
}

// History lists recent executions, oldest first.
func (w *Worker) History() []commandqueue.ExecutionRecord {
	return w.queue.History()
}

// Tools lists the registered tool names.
func (w *Worker) Tools() []string {
	return w.tools.ListTools()
}

// Wait blocks until SIGINT, SIGTERM, ctx ends or the connection fails for
// good, then stops the worker. It returns the connection's last error in
// the latter case.
func (w *Worker) Wait(ctx context.Context) error {
	failed := make(chan error, 1)
	statuses, unsub := w.manager.Subscribe(4)
	go func() {
		for status := range statuses {
			if status.State == connection.StateError {
				select {
				case failed <- status.LastError:
				default:
				}
			}
		}
	}()
	if status := w.manager.Status(); status.State == connection.StateError {
		failed <- status.LastError
	}

	cause := waitForShutdown(ctx, w.logger, failed)
	unsub()
	if err := w.Stop(); err != nil {
		zl := w.logger.Zerolog()
		zl.Error().Err(err).Msg("Failed to stop worker")
	}
	return cause
}
