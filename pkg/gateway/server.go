package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harun/toolrelay/internal/observability"
	"github.com/harun/toolrelay/pkg/catalog"
	"github.com/harun/toolrelay/pkg/protocol"
)

// SessionService is the subset of the pairing registry the gateway drives.
type SessionService interface {
	Create(ctx context.Context, capabilities []string) (protocol.Session, error)
	Get(ctx context.Context, code string) (protocol.Session, error)
	Renew(ctx context.Context, code string) (protocol.Session, error)
	Delete(ctx context.Context, code string) error
}

// ExchangeService is the subset of the exchange store the gateway drives.
type ExchangeService interface {
	Enqueue(ctx context.Context, code string, req protocol.ToolRequest) (protocol.ToolRequest, error)
	DequeueAll(ctx context.Context, code string) ([]protocol.ToolRequest, error)
	Pending(ctx context.Context, code string) ([]protocol.ToolRequest, error)
	QueueLength(ctx context.Context, code string) (int64, error)
	PutResponse(ctx context.Context, resp protocol.ToolResponse) error
	GetResponse(ctx context.Context, requestID string) (protocol.ToolResponse, error)
	AwaitResponse(ctx context.Context, requestID string, interval time.Duration) (protocol.ToolResponse, error)
}

// ManifestSource supplies the tool manifest served by the metadata endpoints.
type ManifestSource interface {
	Current() catalog.Manifest
}

// Server is the relay's HTTP surface.
type Server struct {
	addr            string
	sessions        SessionService
	exchange        ExchangeService
	manifests       ManifestSource
	health          func(ctx context.Context) error
	timings         StreamTimings
	maxBodyBytes    int64
	maxResponseWait time.Duration
	awaitInterval   time.Duration
	allowedOrigin   string
	trustProxy      bool
	limiter         *IPRateLimiter
	streams         *StreamRegistry
	upgrader        websocket.Upgrader
	handler         http.Handler
	server          *http.Server
	listener        net.Listener
	logger          zerolog.Logger
	now             func() time.Time
	isShuttingDown  bool
	shutdownMu      sync.RWMutex
	streamWG        sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Addr      string
	Sessions  SessionService
	Exchange  ExchangeService
	Manifests ManifestSource
	// Health reports backing store liveness for /healthz. Nil always passes.
	Health func(ctx context.Context) error

	Timings StreamTimings
	// SessionsPerMinute caps POST /sessions per client address. Negative
	// disables the limit; zero takes the default.
	SessionsPerMinute int
	MaxBodyBytes      int64
	MaxResponseWait   time.Duration
	AwaitInterval     time.Duration
	AllowedOrigin     string
	// TrustProxyHeaders takes the client address from X-Forwarded-For or
	// X-Real-IP. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool

	Logger zerolog.Logger
	Now    func() time.Time
}

// NewServer creates a new gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session service is required")
	}
	if cfg.Exchange == nil {
		return nil, fmt.Errorf("exchange service is required")
	}
	if cfg.Manifests == nil {
		return nil, fmt.Errorf("manifest source is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.SessionsPerMinute == 0 {
		cfg.SessionsPerMinute = DefaultSessionsPerMinute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.MaxResponseWait <= 0 {
		cfg.MaxResponseWait = DefaultMaxResponseWait
	}
	if cfg.AllowedOrigin == "" {
		cfg.AllowedOrigin = "*"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Server{
		addr:            cfg.Addr,
		sessions:        cfg.Sessions,
		exchange:        cfg.Exchange,
		manifests:       cfg.Manifests,
		health:          cfg.Health,
		timings:         cfg.Timings.withDefaults(),
		maxBodyBytes:    cfg.MaxBodyBytes,
		maxResponseWait: cfg.MaxResponseWait,
		awaitInterval:   cfg.AwaitInterval,
		allowedOrigin:   cfg.AllowedOrigin,
		trustProxy:      cfg.TrustProxyHeaders,
		limiter:         NewIPRateLimiter(cfg.SessionsPerMinute),
		streams:         NewStreamRegistry(),
		logger:          cfg.Logger.With().Str("component", "gateway").Logger(),
		now:             cfg.Now,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions", s.methods(map[string]http.HandlerFunc{
		http.MethodPost: s.handleCreateSession,
	}))
	mux.HandleFunc("/sessions/{code}", s.methods(map[string]http.HandlerFunc{
		http.MethodGet:    s.handleGetSession,
		http.MethodDelete: s.handleDeleteSession,
	}))
	mux.HandleFunc("/sessions/{code}/renew", s.methods(map[string]http.HandlerFunc{
		http.MethodPost: s.handleRenewSession,
	}))
	mux.HandleFunc("/sessions/{code}/streams", s.methods(map[string]http.HandlerFunc{
		http.MethodGet: s.handleListStreams,
	}))
	mux.HandleFunc("/sessions/{code}/queue", s.methods(map[string]http.HandlerFunc{
		http.MethodGet: s.handleQueue,
	}))
	mux.HandleFunc("/request", s.methods(map[string]http.HandlerFunc{
		http.MethodPost: s.handleEnqueue,
	}))
	mux.HandleFunc("/response", s.methods(map[string]http.HandlerFunc{
		http.MethodPost: s.handlePostResponse,
		http.MethodGet:  s.handleGetResponse,
	}))
	mux.HandleFunc("/stream", s.methods(map[string]http.HandlerFunc{
		http.MethodGet: s.handleSSE,
	}))
	mux.HandleFunc("/ws", s.methods(map[string]http.HandlerFunc{
		http.MethodGet: s.handleWebSocket,
	}))
	mux.HandleFunc("/poll", s.methods(map[string]http.HandlerFunc{
		http.MethodGet: s.handlePoll,
	}))
	mux.HandleFunc("/metadata", s.methods(map[string]http.HandlerFunc{
		http.MethodGet: s.handleMetadata,
	}))
	mux.HandleFunc("/api/sessions/{code}/metadata", s.methods(map[string]http.HandlerFunc{
		http.MethodGet: s.handleMetadata,
	}))
	mux.HandleFunc("/healthz", s.methods(map[string]http.HandlerFunc{
		http.MethodGet: s.handleHealth,
	}))
	mux.Handle("/metrics", observability.MetricsHandler())

	return s.recoverer(s.cors(s.traced(mux)))
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Streams exposes the registry of open push streams.
func (s *Server) Streams() *StreamRegistry {
	return s.streams
}

// CloseSessionStreams cancels the open streams of code. It matches the
// pairing registry's delete hook signature.
func (s *Server) CloseSessionStreams(_ context.Context, code string) error {
	if n := s.streams.CloseSession(code); n > 0 {
		s.logger.Info().Str("session_code", code).Int("streams", n).Msg("Closed streams of deleted session")
	}
	return nil
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting relay gateway")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop closes open streams and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Int("streams", s.streams.Count()).Msg("Shutting down relay gateway")
	s.streams.CloseAll()

	done := make(chan struct{})
	go func() {
		s.streamWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info().Msg("Relay gateway stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}
