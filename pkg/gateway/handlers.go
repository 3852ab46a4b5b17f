package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/harun/toolrelay/internal/observability"
	"github.com/harun/toolrelay/internal/tracing"
	"github.com/harun/toolrelay/pkg/catalog"
	"github.com/harun/toolrelay/pkg/protocol"
)

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r, s.trustProxy)
	if !s.limiter.Allow(ip) {
		observability.RecordRateLimited("sessions")
		observability.RecordSecurityAudit(r.Context(), "session.create", ip, "rate_limited", nil)
		w.Header().Set("Retry-After", "60")
		s.writeError(w, r, fmt.Errorf("%w: too many sessions created from %s", protocol.ErrRateLimited, ip))
		return
	}

	var body protocol.CreateSessionRequest
	if err := s.decodeJSON(w, r, &body, true); err != nil {
		s.writeError(w, r, err)
		return
	}

	session, err := s.sessions.Create(r.Context(), body.Capabilities)
	if err != nil {
		observability.RecordSessionAudit(r.Context(), "session.create", ip, "", "failed")
		s.writeError(w, r, err)
		return
	}
	observability.RecordSessionAudit(r.Context(), "session.create", ip, session.Code, "ok")

	writeJSON(w, http.StatusCreated, protocol.CreateSessionResponse{
		Code:         session.Code,
		TTL:          session.TTLSeconds,
		ExpiresAt:    session.ExpiresAt,
		Capabilities: session.Capabilities,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Get(r.Context(), r.PathValue("code"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleRenewSession(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	session, err := s.sessions.Renew(r.Context(), code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	observability.RecordSessionAudit(r.Context(), "session.renew", clientIP(r, s.trustProxy), code, "ok")
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if err := s.sessions.Delete(r.Context(), code); err != nil {
		s.writeError(w, r, err)
		return
	}
	observability.RecordSessionAudit(r.Context(), "session.delete", clientIP(r, s.trustProxy), code, "ok")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if _, err := s.sessions.Get(r.Context(), code); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.streams.List(code))
}

// handleQueue shows what is waiting for a worker without consuming it.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Get(r.Context(), r.PathValue("code"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pending, err := s.exchange.Pending(r.Context(), session.Code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	length, err := s.exchange.QueueLength(r.Context(), session.Code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.QueueSnapshot{
		SessionCode: session.Code,
		Length:      length,
		Pending:     pending,
	})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var body protocol.EnqueueRequest
	if err := s.decodeJSON(w, r, &body, false); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := tracing.WithRequestID(tracing.WithSessionCode(r.Context(), body.SessionCode), body.RequestID)
	req, err := s.exchange.Enqueue(ctx, body.SessionCode, protocol.ToolRequest{
		ID:   body.RequestID,
		Tool: body.ToolName,
		Args: body.Params,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Str("tool", req.Tool).Msg("Request enqueued")
	writeJSON(w, http.StatusAccepted, protocol.EnqueueResponse{RequestID: req.ID})
}

// handlePostResponse stores a worker's result. The session must be known,
// but an expired one is accepted: response slots outlive their session.
func (s *Server) handlePostResponse(w http.ResponseWriter, r *http.Request) {
	var body protocol.PostResponseRequest
	if err := s.decodeJSON(w, r, &body, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(body.RequestID) == "" {
		s.writeError(w, r, fmt.Errorf("%w: requestId is required", protocol.ErrValidation))
		return
	}
	if _, err := s.sessions.Get(r.Context(), body.SessionCode); err != nil && !errors.Is(err, protocol.ErrSessionExpired) {
		s.writeError(w, r, err)
		return
	}

	ctx := tracing.WithRequestID(tracing.WithSessionCode(r.Context(), body.SessionCode), body.RequestID)
	resp := protocol.ToolResponse{
		RequestID:   body.RequestID,
		SessionCode: body.SessionCode,
		Result:      body.Result,
		Error:       body.Error,
		CompletedAt: s.now().UTC(),
	}
	if err := s.exchange.PutResponse(ctx, resp); err != nil {
		s.writeError(w, r, err)
		return
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Bool("success", resp.Succeeded()).Msg("Response stored")
	writeJSON(w, http.StatusOK, protocol.EnqueueResponse{RequestID: body.RequestID})
}

// handleGetResponse looks a response up by request id. A wait parameter
// (seconds or a Go duration, capped at maxResponseWait) long-polls.
func (s *Server) handleGetResponse(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Query().Get("requestId")
	wait, err := parseWait(r.URL.Query().Get("wait"), s.maxResponseWait)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var resp protocol.ToolResponse
	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		resp, err = s.exchange.AwaitResponse(ctx, requestID, s.awaitInterval)
		cancel()
	} else {
		resp, err = s.exchange.GetResponse(r.Context(), requestID)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseWait(raw string, max time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	var wait time.Duration
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		wait = time.Duration(secs * float64(time.Second))
	} else if d, err := time.ParseDuration(raw); err == nil {
		wait = d
	} else {
		return 0, fmt.Errorf("%w: wait must be seconds or a duration", protocol.ErrValidation)
	}
	if wait < 0 {
		return 0, fmt.Errorf("%w: wait must not be negative", protocol.ErrValidation)
	}
	if wait > max {
		wait = max
	}
	return wait, nil
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if _, err := s.sessions.Get(r.Context(), code); err != nil {
		s.writeError(w, r, err)
		return
	}
	requests, err := s.exchange.DequeueAll(r.Context(), code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if requests == nil {
		requests = []protocol.ToolRequest{}
	}
	observability.RecordRequestsDelivered(string(BindingPoll), len(requests))
	writeJSON(w, http.StatusOK, requests)
}

// handleMetadata serves the tool manifest filtered by the session's
// capabilities, under the API version negotiated from Accept-Version.
func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if code == "" {
		code = r.URL.Query().Get("code")
	}
	session, err := s.sessions.Get(r.Context(), code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	manifest := s.manifests.Current()
	supported := manifest.Versions()
	w.Header().Set(catalog.HeaderSupportedVersions, strings.Join(supported, ", "))

	accept := r.Header.Get(catalog.HeaderAcceptVersion)
	if accept == "" {
		accept = r.URL.Query().Get("version")
	}
	version, err := manifest.Negotiate(accept)
	if err != nil {
		writeErrorBody(w, http.StatusNotAcceptable, protocol.ErrorBody{
			Error:             protocol.KindVersionNotSupported,
			Message:           err.Error(),
			RequestedVersion:  accept,
			SupportedVersions: supported,
		})
		return
	}

	filtered := manifest.Filter(protocol.NewCapabilitySet(session.Capabilities...))
	filtered.APIVersion = version
	w.Header().Set(catalog.HeaderAPIVersion, version)
	if filtered.ToolManifestVersion != "" {
		w.Header().Set(catalog.HeaderToolManifestVersion, filtered.ToolManifestVersion)
	}
	writeJSON(w, http.StatusOK, filtered)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		writeErrorBody(w, http.StatusServiceUnavailable, protocol.ErrorBody{
			Error:   protocol.KindStoreUnavailable,
			Message: "server is shutting down",
		})
		return
	}
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			writeErrorBody(w, http.StatusServiceUnavailable, protocol.ErrorBody{
				Error:   protocol.KindStoreUnavailable,
				Message: err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"streams": s.streams.Count(),
	})
}
