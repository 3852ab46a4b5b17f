// Package relayclient talks to a relay gateway over HTTP. Callers use it to
// mint sessions, enqueue tool calls and collect results; workers use it to
// open push streams, poll, and post results back.
package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harun/toolrelay/internal/tracing"
	"github.com/harun/toolrelay/pkg/catalog"
	"github.com/harun/toolrelay/pkg/protocol"
)

const (
	DefaultTimeout = 30 * time.Second
	// MaxServerWait mirrors the gateway's cap on GET /response?wait=.
	MaxServerWait = 30 * time.Second

	maxErrorBody = 64 << 10
)

// APIError is a non-2xx reply from the relay. It unwraps to the protocol
// sentinel for its kind, so errors.Is(err, protocol.ErrSessionExpired)
// works across the wire.
type APIError struct {
	Status            int
	Kind              protocol.ErrorKind
	Message           string
	SupportedVersions []string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relay returned %d %s", e.Status, e.Kind)
	}
	return fmt.Sprintf("relay returned %d %s: %s", e.Status, e.Kind, e.Message)
}

func (e *APIError) Unwrap() error {
	return protocol.ErrorForKind(e.Kind)
}

// Options configures a Client.
type Options struct {
	BaseURL string
	// HTTPClient serves request/response calls. Streams always use a
	// client without an overall timeout.
	HTTPClient *http.Client
	Timeout    time.Duration
	// StreamIdleTimeout closes a push stream that yields nothing for this
	// long. Zero disables the check.
	StreamIdleTimeout time.Duration
	Dialer            *websocket.Dialer
	Logger            zerolog.Logger
}

// Client is a relay HTTP client. It is safe for concurrent use.
type Client struct {
	baseURL      *url.URL
	httpClient   *http.Client
	streamClient *http.Client
	dialer       *websocket.Dialer
	idleTimeout  time.Duration
	logger       zerolog.Logger
}

// New creates a client for the relay at opts.BaseURL.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, fmt.Errorf("%w: relay URL is required", protocol.ErrValidation)
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid relay URL: %v", protocol.ErrValidation, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("%w: relay URL must be http or https, got %q", protocol.ErrValidation, opts.BaseURL)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		// Long-poll waits ride on top of the per-call timeout.
		httpClient = &http.Client{Timeout: timeout + MaxServerWait}
	}
	streamClient := &http.Client{Transport: httpClient.Transport}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}

	return &Client{
		baseURL:      base,
		httpClient:   httpClient,
		streamClient: streamClient,
		dialer:       dialer,
		idleTimeout:  opts.StreamIdleTimeout,
		logger:       opts.Logger.With().Str("component", "relayclient").Logger(),
	}, nil
}

// BaseURL returns the relay address the client was built with.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method, target string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}
	return req, nil
}

// do sends one request and decodes a 2xx body into out (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	req, err := c.newRequest(ctx, method, c.endpoint(path, query), body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", protocol.ErrTransportFailure, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", protocol.ErrTransportFailure, err)
	}
	return nil
}

// decodeAPIError turns a failed reply into an *APIError, trusting the
// envelope's kind and falling back to the status code.
func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var body protocol.ErrorBody
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		apiErr.Kind = body.Error
		apiErr.Message = body.Message
		apiErr.SupportedVersions = body.SupportedVersions
	} else {
		apiErr.Kind = protocol.KindFromStatus(resp.StatusCode)
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}

// CreateSession mints a session with the given capabilities.
func (c *Client) CreateSession(ctx context.Context, capabilities []string) (protocol.CreateSessionResponse, error) {
	var out protocol.CreateSessionResponse
	err := c.do(ctx, http.MethodPost, "/sessions", nil,
		protocol.CreateSessionRequest{Capabilities: capabilities}, &out)
	return out, err
}

// GetSession looks a session up.
func (c *Client) GetSession(ctx context.Context, code string) (protocol.Session, error) {
	var out protocol.Session
	err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(code), nil, nil, &out)
	return out, err
}

// Queue returns the requests still waiting for a worker on code.
func (c *Client) Queue(ctx context.Context, code string) (protocol.QueueSnapshot, error) {
	var out protocol.QueueSnapshot
	err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(code)+"/queue", nil, nil, &out)
	return out, err
}

// RenewSession pushes a session's expiry out by its TTL.
func (c *Client) RenewSession(ctx context.Context, code string) (protocol.Session, error) {
	var out protocol.Session
	err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(code)+"/renew", nil, nil, &out)
	return out, err
}

// DeleteSession removes a session and closes its streams.
func (c *Client) DeleteSession(ctx context.Context, code string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(code), nil, nil, nil)
}

// Enqueue submits a tool call and returns the request id the relay accepted.
func (c *Client) Enqueue(ctx context.Context, code, requestID, tool string, params protocol.Value) (string, error) {
	var out protocol.EnqueueResponse
	err := c.do(ctx, http.MethodPost, "/request", nil, protocol.EnqueueRequest{
		SessionCode: code,
		RequestID:   requestID,
		ToolName:    tool,
		Params:      params,
	}, &out)
	return out.RequestID, err
}

// PutResponse posts a worker result. It satisfies commandqueue.ResultSink.
func (c *Client) PutResponse(ctx context.Context, resp protocol.ToolResponse) error {
	return c.do(ctx, http.MethodPost, "/response", nil, protocol.PostResponseRequest{
		SessionCode: resp.SessionCode,
		RequestID:   resp.RequestID,
		Result:      resp.Result,
		Error:       resp.Error,
	}, nil)
}

// GetResponse fetches the response for requestID. A positive wait asks the
// relay to long-poll up to that long (the relay caps it). A pending
// response fails with protocol.ErrResponseNotFound.
func (c *Client) GetResponse(ctx context.Context, requestID string, wait time.Duration) (protocol.ToolResponse, error) {
	query := url.Values{"requestId": {requestID}}
	if wait > 0 {
		query.Set("wait", strconv.FormatFloat(wait.Seconds(), 'f', -1, 64))
	}
	var out protocol.ToolResponse
	err := c.do(ctx, http.MethodGet, "/response", query, nil, &out)
	return out, err
}

// Await long-polls until the response for requestID arrives or ctx ends.
func (c *Client) Await(ctx context.Context, requestID string) (protocol.ToolResponse, error) {
	for {
		wait := MaxServerWait
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < wait {
				wait = remaining
			}
		}
		if wait <= 0 {
			<-ctx.Done()
			return protocol.ToolResponse{}, ctx.Err()
		}

		resp, err := c.GetResponse(ctx, requestID, wait)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, protocol.ErrResponseNotFound) {
			return protocol.ToolResponse{}, err
		}
		if ctx.Err() != nil {
			return protocol.ToolResponse{}, ctx.Err()
		}
	}
}

// Poll drains the session's queue once.
func (c *Client) Poll(ctx context.Context, code string) ([]protocol.ToolRequest, error) {
	var out []protocol.ToolRequest
	err := c.do(ctx, http.MethodGet, "/poll", url.Values{"code": {code}}, nil, &out)
	return out, err
}

// Metadata fetches the session's tool manifest. An empty acceptVersion asks
// for the latest API version.
func (c *Client) Metadata(ctx context.Context, code, acceptVersion string) (catalog.Manifest, error) {
	req, err := c.newRequest(ctx, http.MethodGet,
		c.endpoint("/api/sessions/"+url.PathEscape(code)+"/metadata", nil), nil)
	if err != nil {
		return catalog.Manifest{}, err
	}
	if acceptVersion != "" {
		req.Header.Set(catalog.HeaderAcceptVersion, acceptVersion)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return catalog.Manifest{}, fmt.Errorf("%w: metadata: %v", protocol.ErrTransportFailure, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return catalog.Manifest{}, decodeAPIError(resp)
	}

	var manifest catalog.Manifest
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return catalog.Manifest{}, fmt.Errorf("%w: failed to decode manifest: %v", protocol.ErrTransportFailure, err)
	}
	if v := resp.Header.Get(catalog.HeaderAPIVersion); v != "" {
		manifest.APIVersion = v
	}
	return manifest, nil
}

// Healthy reports whether the relay answers /healthz with 200.
func (c *Client) Healthy(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil, nil)
}
