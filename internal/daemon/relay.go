package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/toolrelay/internal/config"
	"github.com/harun/toolrelay/internal/logger"
	"github.com/harun/toolrelay/internal/observability"
	"github.com/harun/toolrelay/internal/tracing"
	"github.com/harun/toolrelay/pkg/catalog"
	"github.com/harun/toolrelay/pkg/exchange"
	"github.com/harun/toolrelay/pkg/gateway"
	"github.com/harun/toolrelay/pkg/kv"
	"github.com/harun/toolrelay/pkg/pairing"
	"github.com/harun/toolrelay/pkg/toolexecutor"
)

// Relay is the server process: session registry, exchange store, tool
// manifest and the HTTP gateway over one key-value store.
type Relay struct {
	config *config.Config
	logger *logger.Logger

	store    kv.Store
	sessions *pairing.Registry
	exchange *exchange.Exchange
	catalog  *catalog.Catalog
	gateway  *gateway.Server

	lifecycle *LifecycleManager

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status describes a running relay or worker.
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
}

// NewRelay builds every relay component from cfg. Nothing listens until
// Start.
func NewRelay(cfg *config.Config, log *logger.Logger) (*Relay, error) {
	observability.EnsureRegistered()

	r := &Relay{
		config: cfg,
		logger: log,
	}

	if err := tracing.Init(tracingConfig(cfg)); err != nil {
		zl := log.Zerolog()
		zl.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else if cfg.Tracing.Enabled {
		r.tracingEnabled = true
		zl := log.Zerolog()
		zl.Info().Msg("Tracing initialized successfully")
	}

	if err := r.initializeCoreModules(); err != nil {
		r.closeCoreModules()
		return nil, fmt.Errorf("failed to initialize relay: %w", err)
	}

	if cfg.DataDir != "" {
		r.lifecycle = NewLifecycleManager(PIDFilePath(cfg.DataDir, "relay"), log.Component("lifecycle"))
	}
	return r, nil
}

func tracingConfig(cfg *config.Config) tracing.Config {
	return tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	}
}

// initializeCoreModules wires the components in dependency order.
func (r *Relay) initializeCoreModules() error {
	cfg := r.config

	if cfg.Server.AuditLog != "" {
		if err := observability.InitAuditLogger(cfg.Server.AuditLog); err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
	}

	store, err := kv.Open(kv.Options{
		Backend:       cfg.Store.Backend,
		RedisURL:      cfg.Store.RedisURL,
		SQLitePath:    cfg.Store.SQLitePath,
		SweepSchedule: cfg.Store.SweepSchedule,
	})
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Store.Backend, err)
	}
	r.store = store

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("store not reachable: %w", err)
	}

	r.sessions, err = pairing.NewRegistry(pairing.RegistryOptions{
		Store:               store,
		TTL:                 cfg.Session.TTL,
		TombstoneGrace:      cfg.Session.TombstoneGrace,
		MaxAttempts:         cfg.Session.CreateAttempts,
		DefaultCapabilities: cfg.Session.DefaultCapabilities,
	})
	if err != nil {
		return err
	}

	r.exchange, err = exchange.New(exchange.Options{
		Store:       store,
		Sessions:    r.sessions,
		ResponseTTL: cfg.Exchange.ResponseTTL,
	})
	if err != nil {
		return err
	}
	r.sessions.OnDelete(r.exchange.DropQueue)

	// The built-in tools are always advertised; a manifest file adds to them.
	builtins := toolexecutor.New()
	if err := toolexecutor.RegisterBuiltins(builtins); err != nil {
		return err
	}
	r.catalog, err = catalog.New(catalog.Options{
		Path:     cfg.Catalog.Path,
		Fallback: builtins.Manifest(),
		Logger:   r.logger.Component("catalog"),
	})
	if err != nil {
		return err
	}

	r.gateway, err = gateway.NewServer(gateway.Config{
		Addr:      cfg.Server.Addr(),
		Sessions:  r.sessions,
		Exchange:  r.exchange,
		Manifests: r.catalog,
		Health:    store.Ping,
		Timings: gateway.StreamTimings{
			PollInterval:      cfg.Stream.PollInterval,
			HeartbeatInterval: cfg.Stream.HeartbeatInterval,
			MaxLifetime:       cfg.Stream.MaxLifetime,
		},
		SessionsPerMinute: cfg.Server.SessionsPerMinute,
		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
		MaxResponseWait:   cfg.Server.MaxResponseWait,
		AwaitInterval:     cfg.Exchange.AwaitInterval,
		AllowedOrigin:     cfg.Server.AllowedOrigin,
		Logger:            r.logger.Zerolog(),
	})
	if err != nil {
		return err
	}
	r.sessions.OnDelete(r.gateway.CloseSessionStreams)

	return nil
}

func (r *Relay) closeCoreModules() {
	if r.catalog != nil {
		_ = r.catalog.Close()
	}
	if r.store != nil {
		_ = r.store.Close()
	}
	_ = observability.GetAuditLogger().Close()
	if r.tracingEnabled {
		_ = tracing.Shutdown(context.Background())
		r.tracingEnabled = false
	}
}

// Start begins serving.
func (r *Relay) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("relay is already running")
	}
	r.running = true
	r.startTime = time.Now()
	r.mu.Unlock()

	logger := r.logger.Zerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Str("store", r.config.Store.Backend).Msg("Starting relay")

	if r.lifecycle != nil {
		if err := r.lifecycle.Start(); err != nil {
			r.setStopped()
			return fmt.Errorf("failed to start lifecycle manager: %w", err)
		}
	}

	if r.config.Catalog.Watch {
		if err := r.catalog.Watch(); err != nil {
			logger.Warn().Err(err).Msg("Failed to watch tool manifest, reloads disabled")
		}
	}

	if err := r.gateway.Start(); err != nil {
		if r.lifecycle != nil {
			_ = r.lifecycle.Stop()
		}
		r.setStopped()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}

	logger.Info().Str("addr", r.gateway.Addr()).Msg("Relay started")
	return nil
}

func (r *Relay) setStopped() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

// Stop shuts the gateway down, then releases the store.
func (r *Relay) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return fmt.Errorf("relay is not running")
	}
	r.running = false
	r.mu.Unlock()

	logger := r.logger.Zerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping relay")

	timeout := r.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := r.gateway.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}
	r.closeCoreModules()

	if r.lifecycle != nil {
		if err := r.lifecycle.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
		}
	}

	logger.Info().Msg("Relay stopped")
	return nil
}

// Status reports whether the relay is serving and for how long.
func (r *Relay) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := Status{Running: r.running}
	if r.running {
		status.Uptime = time.Since(r.startTime)
		status.StartTime = r.startTime
	}
	return status
}

// Addr returns the gateway's bound address.
func (r *Relay) Addr() string {
	return r.gateway.Addr()
}

// Sessions exposes the registry, mainly for tests.
func (r *Relay) Sessions() *pairing.Registry {
	return r.sessions
}

// Wait blocks until SIGINT, SIGTERM or ctx ends, then stops the relay.
func (r *Relay) Wait(ctx context.Context) {
	waitForShutdown(ctx, r.logger, nil)
	if err := r.Stop(); err != nil {
		zl := r.logger.Zerolog()
		zl.Error().Err(err).Msg("Failed to stop relay")
	}
}

// waitForShutdown returns on a termination signal, when ctx ends, or with
// the error received from failed.
func waitForShutdown(ctx context.Context, log *logger.Logger, failed <-chan error) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		zl := log.Zerolog()
		zl.Info().Str("signal", sig.String()).Msg("Received signal")
		return nil
	case <-ctx.Done():
		return nil
	case err := <-failed:
		return err
	}
}
