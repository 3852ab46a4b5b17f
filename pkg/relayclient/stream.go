package relayclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harun/toolrelay/internal/tracing"
	"github.com/harun/toolrelay/pkg/protocol"
)

// Binding selects the push transport.
type Binding string

const (
	BindingSSE       Binding = "sse"
	BindingWebSocket Binding = "websocket"
)

// ParseBinding accepts "sse", "websocket" or "ws".
func ParseBinding(s string) (Binding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sse":
		return BindingSSE, nil
	case "websocket", "ws":
		return BindingWebSocket, nil
	default:
		return "", fmt.Errorf("%w: unknown push binding %q", protocol.ErrValidation, s)
	}
}

// Stream yields push events until the relay closes it. Next returns io.EOF
// on an orderly close and a protocol.ErrTransportFailure wrap otherwise.
type Stream interface {
	Next() (protocol.Event, error)
	Close() error
}

// OpenStream opens a push stream for the session. Session errors (unknown,
// expired, malformed code) come back as *APIError before any event.
func (c *Client) OpenStream(ctx context.Context, code string, binding Binding) (Stream, error) {
	switch binding {
	case BindingSSE, "":
		return c.openSSE(ctx, code)
	case BindingWebSocket:
		return c.openWebSocket(ctx, code)
	default:
		return nil, fmt.Errorf("%w: unknown push binding %q", protocol.ErrValidation, binding)
	}
}

func (c *Client) openSSE(ctx context.Context, code string) (Stream, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("/stream", url.Values{"code": {code}}), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: open stream: %v", protocol.ErrTransportFailure, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: unexpected stream content type %q", protocol.ErrTransportFailure, ct)
	}

	s := &sseStream{
		body:   resp.Body,
		reader: bufio.NewReaderSize(resp.Body, 64<<10),
		idle:   c.idleTimeout,
	}
	if s.idle > 0 {
		s.timer = time.AfterFunc(s.idle, func() {
			s.idleExpired.Store(true)
			s.body.Close()
		})
	}
	return s, nil
}

func (c *Client) openWebSocket(ctx context.Context, code string) (Stream, error) {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"code": {code}}.Encode()

	header := http.Header{}
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		header.Set("X-Trace-Id", traceID)
	}

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			defer resp.Body.Close()
			return nil, decodeAPIError(resp)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: dial websocket: %v", protocol.ErrTransportFailure, err)
	}

	s := &wsStream{conn: conn, idle: c.idleTimeout, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// sseStream parses text/event-stream framing: "event:" and "data:" fields
// terminated by a blank line, ":" comments ignored.
type sseStream struct {
	body        io.ReadCloser
	reader      *bufio.Reader
	idle        time.Duration
	timer       *time.Timer
	idleExpired atomic.Bool
	closeOnce   sync.Once
}

func (s *sseStream) Next() (protocol.Event, error) {
	var (
		name string
		data []string
	)
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return protocol.Event{}, s.readErr(err)
		}
		if s.timer != nil {
			s.timer.Reset(s.idle)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if name == "" && len(data) == 0 {
				continue
			}
			return buildEvent(name, data)
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
		case "data":
			data = append(data, value)
		}
	}
}

func (s *sseStream) readErr(err error) error {
	if s.idleExpired.Load() {
		return fmt.Errorf("%w: no events for %s", protocol.ErrTransportFailure, s.idle)
	}
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	return fmt.Errorf("%w: read stream: %v", protocol.ErrTransportFailure, err)
}

func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.timer != nil {
			s.timer.Stop()
		}
		err = s.body.Close()
	})
	return err
}

func buildEvent(name string, data []string) (protocol.Event, error) {
	if name == "" {
		name = "message"
	}
	value, err := protocol.ParseValue([]byte(strings.Join(data, "\n")))
	if err != nil {
		return protocol.Event{}, fmt.Errorf("%w: event %q: %v", protocol.ErrTransportFailure, name, err)
	}
	return protocol.Event{Event: name, Data: value}, nil
}

// wsStream reads one JSON event per text frame.
type wsStream struct {
	conn      *websocket.Conn
	idle      time.Duration
	done      chan struct{}
	closeOnce sync.Once
}

func (s *wsStream) Next() (protocol.Event, error) {
	if s.idle > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.idle))
	}
	var ev protocol.Event
	if err := s.conn.ReadJSON(&ev); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return protocol.Event{}, io.EOF
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return protocol.Event{}, fmt.Errorf("%w: no events for %s", protocol.ErrTransportFailure, s.idle)
		}
		return protocol.Event{}, fmt.Errorf("%w: read websocket: %v", protocol.ErrTransportFailure, err)
	}
	return ev, nil
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
