// Package exchange holds the per-session request queues and per-request
// response slots that carry tool calls between caller and worker.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/toolrelay/internal/observability"
	"github.com/harun/toolrelay/internal/tracing"
	"github.com/harun/toolrelay/pkg/kv"
	"github.com/harun/toolrelay/pkg/protocol"
)

const (
	tracerName = "toolrelay/exchange"

	DefaultResponseTTL   = time.Hour
	DefaultAwaitInterval = 250 * time.Millisecond
)

// SessionSource resolves a pairing code to its live session.
type SessionSource interface {
	Get(ctx context.Context, code string) (protocol.Session, error)
}

// Options configures an Exchange.
type Options struct {
	Store       kv.Store
	Sessions    SessionSource
	ResponseTTL time.Duration
	Now         func() time.Time
}

// Exchange is the request/response store shared by every relay process.
type Exchange struct {
	store       kv.Store
	sessions    SessionSource
	responseTTL time.Duration
	now         func() time.Time
}

// New creates an Exchange.
func New(opts Options) (*Exchange, error) {
	if opts.Store == nil {
		return nil, errors.New("exchange store is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("exchange session source is required")
	}
	ttl := opts.ResponseTTL
	if ttl <= 0 {
		ttl = DefaultResponseTTL
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Exchange{
		store:       opts.Store,
		sessions:    opts.Sessions,
		responseTTL: ttl,
		now:         nowFn,
	}, nil
}

func queueKey(code string) string {
	return "queue:" + code
}

func responseKey(requestID string) string {
	return "response:" + requestID
}

func storeErr(op string, err error) error {
	observability.RecordStoreError(op)
	return fmt.Errorf("%w: %s: %v", protocol.ErrStoreUnavailable, op, err)
}

// Enqueue appends req to the session's queue and returns the stored form.
// The queue's TTL is reset to the session's remaining lifetime, so a backlog
// never outlives its session. Enqueueing on an expired session fails with
// ErrSessionExpired and writes nothing.
func (e *Exchange) Enqueue(ctx context.Context, code string, req protocol.ToolRequest) (protocol.ToolRequest, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "exchange.enqueue",
		attribute.String("session.code", code),
		attribute.String("request.id", req.ID),
		attribute.String("tool.name", req.Tool),
	)
	defer span.End()

	if err := validateRequest(code, req); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return protocol.ToolRequest{}, err
	}

	session, err := e.sessions.Get(ctx, code)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return protocol.ToolRequest{}, err
	}

	now := e.now()
	remaining := session.Remaining(now)
	if remaining <= 0 {
		return protocol.ToolRequest{}, fmt.Errorf("%w: %s", protocol.ErrSessionExpired, code)
	}

	if req.Args.IsAbsent() {
		req.Args = protocol.MustValue(map[string]interface{}{})
	}
	req.SessionCode = code
	req.Status = protocol.StatusQueued
	req.EnqueuedAt = now.UTC()

	payload, err := json.Marshal(req)
	if err != nil {
		return protocol.ToolRequest{}, fmt.Errorf("failed to encode request: %w", err)
	}
	if _, err := e.store.RPush(ctx, queueKey(code), remaining, payload); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return protocol.ToolRequest{}, storeErr("enqueue", err)
	}

	observability.RecordRequestEnqueued()
	return req, nil
}

func validateRequest(code string, req protocol.ToolRequest) error {
	if !protocol.ValidCode(code) {
		return fmt.Errorf("%w: session code must match ^[A-Z2-7]{8}$", protocol.ErrValidation)
	}
	if strings.TrimSpace(req.ID) == "" {
		return fmt.Errorf("%w: requestId is required", protocol.ErrValidation)
	}
	if strings.TrimSpace(req.Tool) == "" {
		return fmt.Errorf("%w: toolName is required", protocol.ErrValidation)
	}
	switch req.Args.Kind() {
	case protocol.KindAbsent, protocol.KindNull, protocol.KindObject:
		return nil
	default:
		return fmt.Errorf("%w: params must be a JSON object", protocol.ErrValidation)
	}
}

// DequeueAll atomically drains the session's queue and returns its requests
// in enqueue order, marked delivered. Concurrent callers never receive the
// same request.
func (e *Exchange) DequeueAll(ctx context.Context, code string) ([]protocol.ToolRequest, error) {
	if !protocol.ValidCode(code) {
		return nil, fmt.Errorf("%w: session code must match ^[A-Z2-7]{8}$", protocol.ErrValidation)
	}
	raw, err := e.store.PopAll(ctx, queueKey(code))
	if err != nil {
		return nil, storeErr("dequeue", err)
	}
	requests := decodeRequests(raw)
	for i := range requests {
		requests[i].Status = protocol.StatusDelivered
	}
	return requests, nil
}

// Pending returns the queued requests without consuming them.
func (e *Exchange) Pending(ctx context.Context, code string) ([]protocol.ToolRequest, error) {
	if !protocol.ValidCode(code) {
		return nil, fmt.Errorf("%w: session code must match ^[A-Z2-7]{8}$", protocol.ErrValidation)
	}
	raw, err := e.store.LRange(ctx, queueKey(code), 0, -1)
	if err != nil {
		return nil, storeErr("peek", err)
	}
	return decodeRequests(raw), nil
}

// QueueLength returns the number of queued requests for code.
func (e *Exchange) QueueLength(ctx context.Context, code string) (int64, error) {
	if !protocol.ValidCode(code) {
		return 0, fmt.Errorf("%w: session code must match ^[A-Z2-7]{8}$", protocol.ErrValidation)
	}
	n, err := e.store.LLen(ctx, queueKey(code))
	if err != nil {
		return 0, storeErr("queue_length", err)
	}
	return n, nil
}

// DropQueue discards everything queued for code.
func (e *Exchange) DropQueue(ctx context.Context, code string) error {
	if err := e.store.Delete(ctx, queueKey(code)); err != nil {
		return storeErr("drop_queue", err)
	}
	return nil
}

// decodeRequests skips entries that no longer decode; a queue entry is only
// ever written by Enqueue, so a bad one means outside tampering.
func decodeRequests(raw [][]byte) []protocol.ToolRequest {
	requests := make([]protocol.ToolRequest, 0, len(raw))
	for _, item := range raw {
		var req protocol.ToolRequest
		if err := json.Unmarshal(item, &req); err != nil {
			continue
		}
		requests = append(requests, req)
	}
	return requests
}

// PutResponse stores resp under its request ID for the response TTL. A later
// write for the same ID overwrites the earlier one.
func (e *Exchange) PutResponse(ctx context.Context, resp protocol.ToolResponse) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "exchange.put_response",
		attribute.String("request.id", resp.RequestID),
	)
	defer span.End()

	if strings.TrimSpace(resp.RequestID) == "" {
		return fmt.Errorf("%w: requestId is required", protocol.ErrValidation)
	}
	if resp.Result != nil && resp.Error != nil {
		return fmt.Errorf("%w: result and error are mutually exclusive", protocol.ErrValidation)
	}
	if resp.Result == nil && resp.Error == nil {
		null := protocol.MustValue(nil)
		resp.Result = &null
	}
	if resp.CompletedAt.IsZero() {
		resp.CompletedAt = e.now().UTC()
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	if err := e.store.Set(ctx, responseKey(resp.RequestID), payload, e.responseTTL); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return storeErr("put_response", err)
	}
	observability.RecordResponseStored(resp.Succeeded())
	return nil
}

// GetResponse returns the stored response for requestID, or
// ErrResponseNotFound if none has been written or it has expired.
func (e *Exchange) GetResponse(ctx context.Context, requestID string) (protocol.ToolResponse, error) {
	if strings.TrimSpace(requestID) == "" {
		return protocol.ToolResponse{}, fmt.Errorf("%w: requestId is required", protocol.ErrValidation)
	}
	raw, err := e.store.Get(ctx, responseKey(requestID))
	if errors.Is(err, kv.ErrNotFound) {
		return protocol.ToolResponse{}, fmt.Errorf("%w: %s", protocol.ErrResponseNotFound, requestID)
	}
	if err != nil {
		return protocol.ToolResponse{}, storeErr("get_response", err)
	}
	var resp protocol.ToolResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return protocol.ToolResponse{}, fmt.Errorf("failed to decode response %s: %w", requestID, err)
	}
	return resp, nil
}

// AwaitResponse polls GetResponse every interval until a response appears or
// ctx ends. Store errors end the wait.
func (e *Exchange) AwaitResponse(ctx context.Context, requestID string, interval time.Duration) (protocol.ToolResponse, error) {
	if interval <= 0 {
		interval = DefaultAwaitInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		resp, err := e.GetResponse(ctx, requestID)
		if err == nil || !errors.Is(err, protocol.ErrResponseNotFound) {
			return resp, err
		}
		select {
		case <-ctx.Done():
			return protocol.ToolResponse{}, err
		case <-ticker.C:
		}
	}
}
