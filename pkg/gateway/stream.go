package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/toolrelay/internal/observability"
	"github.com/harun/toolrelay/internal/tracing"
	"github.com/harun/toolrelay/pkg/protocol"
)

const wsWriteTimeout = 10 * time.Second

// eventWriter is one push binding's framing of stream events.
type eventWriter interface {
	WriteEvent(ev protocol.Event) error
}

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) WriteEvent(ev protocol.Event) error {
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Event, ev.Data.Raw()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsWriter) WriteEvent(ev protocol.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(ev)
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	code := r.URL.Query().Get("code")
	session, err := s.sessions.Get(r.Context(), code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, fmt.Errorf("streaming unsupported by response writer"))
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.serveStream(r.Context(), r, session, BindingSSE, &sseWriter{w: w, flusher: flusher})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	code := r.URL.Query().Get("code")
	session, err := s.sessions.Get(r.Context(), code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	defer conn.Close()

	// The read loop only notices the peer going away; workers never send.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	writer := &wsWriter{conn: conn}
	s.serveStream(ctx, r, session, BindingWebSocket, writer)

	writer.mu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed"),
		time.Now().Add(time.Second))
	writer.mu.Unlock()
}

// serveStream runs the push loop shared by SSE and WebSocket: connected,
// then queue drains every poll tick and heartbeats until the lifetime cap,
// the client leaving, or server shutdown. One context stops every timer.
func (s *Server) serveStream(parent context.Context, r *http.Request, session protocol.Session, binding Binding, out eventWriter) {
	connID, err := gonanoid.New()
	if err != nil {
		connID = tracing.NewTraceID()
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	ctx = tracing.WithConnectionID(tracing.WithSessionCode(ctx, session.Code), connID)
	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("binding", string(binding)).Logger()

	now := s.now()
	s.streams.Add(&Stream{
		ID:          connID,
		SessionCode: session.Code,
		Binding:     binding,
		ConnectedAt: now,
		LastEventAt: now,
		IPAddress:   clientIP(r, s.trustProxy),
		cancel:      cancel,
	})
	s.streamWG.Add(1)
	closeGauge := observability.StreamOpened(string(binding))
	defer func() {
		closeGauge()
		s.streams.Remove(connID)
		s.streamWG.Done()
	}()

	logger.Info().Msg("Stream opened")

	if err := out.WriteEvent(event(protocol.EventConnected, protocol.ConnectedPayload{
		Code:         session.Code,
		ConnectionID: connID,
		Capabilities: session.Capabilities,
		ExpiresAt:    session.ExpiresAt,
	})); err != nil {
		logger.Debug().Err(err).Msg("Client went away before connected event")
		return
	}

	poll := time.NewTicker(s.timings.PollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(s.timings.HeartbeatInterval)
	defer heartbeat.Stop()
	lifetime := time.NewTimer(s.timings.MaxLifetime)
	defer lifetime.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Stream closed")
			return

		case <-lifetime.C:
			_ = out.WriteEvent(event(protocol.EventTimeout, protocol.TimeoutPayload{
				Reason:   "max stream lifetime reached",
				Lifetime: s.timings.MaxLifetime.String(),
			}))
			logger.Info().Dur("lifetime", s.timings.MaxLifetime).Msg("Stream reached max lifetime")
			return

		case <-heartbeat.C:
			if err := out.WriteEvent(event(protocol.EventHeartbeat, protocol.HeartbeatPayload{
				Timestamp: s.now().UTC(),
			})); err != nil {
				logger.Debug().Err(err).Msg("Heartbeat write failed, closing stream")
				return
			}

		case <-poll.C:
			if !s.drain(ctx, session.Code, connID, binding, out, logger) {
				return
			}
		}
	}
}

// drain delivers everything queued for the session. It reports false when
// the stream can no longer be written to. Store failures are reported as an
// error event and the stream carries on.
func (s *Server) drain(ctx context.Context, code, connID string, binding Binding, out eventWriter, logger zerolog.Logger) bool {
	requests, err := s.exchange.DequeueAll(ctx, code)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		logger.Warn().Err(err).Msg("Dequeue failed")
		return out.WriteEvent(event(protocol.EventError, protocol.ErrorBody{
			Error:   protocol.KindOf(err),
			Message: err.Error(),
		})) == nil
	}
	if len(requests) == 0 {
		return true
	}

	delivered := 0
	for i, req := range requests {
		if err := out.WriteEvent(event(protocol.EventToolRequest, req)); err != nil {
			logger.Warn().Err(err).Int("undelivered", len(requests)-i).Msg("Stream write failed, failing undelivered requests")
			s.failUndelivered(ctx, requests[i:], err, logger)
			observability.RecordRequestsDelivered(string(binding), delivered)
			s.streams.Touch(connID, delivered)
			return false
		}
		delivered++
	}
	observability.RecordRequestsDelivered(string(binding), delivered)
	s.streams.Touch(connID, delivered)
	logger.Debug().Int("count", delivered).Msg("Requests delivered")
	return true
}

// failUndelivered answers each request that left the queue but never reached
// the worker with a TransportFailure, so callers awaiting it are not left to
// time out.
func (s *Server) failUndelivered(ctx context.Context, requests []protocol.ToolRequest, cause error, logger zerolog.Logger) {
	// The stream context is usually already canceled here.
	ctx = context.WithoutCancel(ctx)
	failure := fmt.Errorf("%w: stream write failed before delivery: %v", protocol.ErrTransportFailure, cause)
	for _, req := range requests {
		if err := s.exchange.PutResponse(ctx, protocol.NewErrorResponse(req, failure, s.now().UTC())); err != nil {
			logger.Error().Err(err).Str("request_id", req.ID).Msg("Failed to record undelivered request")
		}
	}
}

func event(name string, payload interface{}) protocol.Event {
	value, err := protocol.NewValue(payload)
	if err != nil {
		value = protocol.MustValue(nil)
	}
	return protocol.Event{Event: name, Data: value}
}
