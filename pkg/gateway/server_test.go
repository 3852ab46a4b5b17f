package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/toolrelay/pkg/catalog"
	"github.com/harun/toolrelay/pkg/exchange"
	"github.com/harun/toolrelay/pkg/kv"
	"github.com/harun/toolrelay/pkg/pairing"
	"github.com/harun/toolrelay/pkg/protocol"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	server   *Server
	http     *httptest.Server
	registry *pairing.Registry
	exchange *exchange.Exchange
	store    *kv.Memory
}

type fixtureOptions struct {
	now               func() time.Time
	sessionsPerMinute int
	maxBodyBytes      int64
	timings           StreamTimings
	trustProxy        bool
}

func testManifest() catalog.Manifest {
	return catalog.Manifest{
		APIVersion:          "1.1.0",
		ToolManifestVersion: "2026.1",
		SupportedVersions:   []string{"1.0.0", "1.1.0"},
		Tools: []catalog.Tool{
			{Name: "echo", Description: "Echo params back"},
			{Name: "ping", Description: "Liveness check", Capability: "BASE"},
			{Name: "read_file", Description: "Read a file", Capability: "FILES"},
		},
	}
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	if opts.now == nil {
		opts.now = time.Now
	}
	if opts.timings == (StreamTimings{}) {
		opts.timings = StreamTimings{
			PollInterval:      10 * time.Millisecond,
			HeartbeatInterval: 25 * time.Millisecond,
			MaxLifetime:       2 * time.Second,
		}
	}

	store, err := kv.NewMemory(kv.MemoryOptions{Now: opts.now, SweepSchedule: "off"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg, err := pairing.NewRegistry(pairing.RegistryOptions{Store: store, Now: opts.now})
	require.NoError(t, err)
	ex, err := exchange.New(exchange.Options{Store: store, Sessions: reg, Now: opts.now})
	require.NoError(t, err)
	reg.OnDelete(ex.DropQueue)

	cat, err := catalog.New(catalog.Options{Fallback: testManifest()})
	require.NoError(t, err)

	srv, err := NewServer(Config{
		Sessions:          reg,
		Exchange:          ex,
		Manifests:         cat,
		Health:            store.Ping,
		Timings:           opts.timings,
		SessionsPerMinute: opts.sessionsPerMinute,
		MaxBodyBytes:      opts.maxBodyBytes,
		TrustProxyHeaders: opts.trustProxy,
		AwaitInterval:     10 * time.Millisecond,
		Now:               opts.now,
	})
	require.NoError(t, err)
	reg.OnDelete(srv.CloseSessionStreams)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Streams().CloseAll()
		ts.Close()
	})

	return &fixture{server: srv, http: ts, registry: reg, exchange: ex, store: store}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.http.URL+path, reader)
	require.NoError(t, err)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *fixture) createSession(t *testing.T, caps ...string) protocol.CreateSessionResponse {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/sessions", protocol.CreateSessionRequest{Capabilities: caps})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[protocol.CreateSessionResponse](t, resp)
}

func (f *fixture) enqueue(t *testing.T, code, id string, params interface{}) *http.Response {
	t.Helper()
	return f.do(t, http.MethodPost, "/request", map[string]interface{}{
		"sessionCode": code,
		"requestId":   id,
		"toolName":    "echo",
		"params":      params,
	})
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)
}

func TestServer_SessionLifecycle(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	created := f.createSession(t)
	assert.Regexp(t, regexp.MustCompile(`^[A-Z2-7]{8}$`), created.Code)
	assert.Equal(t, 600, created.TTL)
	assert.Equal(t, []string{"BASE"}, created.Capabilities)

	resp := f.do(t, http.MethodGet, "/sessions/"+created.Code, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[protocol.Session](t, resp)
	assert.Equal(t, created.Code, got.Code)

	resp = f.do(t, http.MethodPost, "/sessions/"+created.Code+"/renew", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/sessions/"+created.Code, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/sessions/"+created.Code, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decode[protocol.ErrorBody](t, resp)
	assert.Equal(t, protocol.KindSessionNotFound, body.Error)
}

func TestServer_CreateSession(t *testing.T) {
	t.Run("should normalize requested capabilities", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		created := f.createSession(t, "files", "BASE")
		assert.Equal(t, []string{"BASE", "FILES"}, created.Capabilities)
	})

	t.Run("should accept an empty body", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		resp := f.do(t, http.MethodPost, "/sessions", nil)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
	})

	t.Run("should reject malformed JSON", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		resp := f.do(t, http.MethodPost, "/sessions", "{not json")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, protocol.KindValidation, decode[protocol.ErrorBody](t, resp).Error)
	})

	t.Run("should rate limit per client address", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{sessionsPerMinute: 2})
		f.createSession(t)
		f.createSession(t)

		resp := f.do(t, http.MethodPost, "/sessions", nil)
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		assert.Equal(t, "60", resp.Header.Get("Retry-After"))
		assert.Equal(t, protocol.KindRateLimited, decode[protocol.ErrorBody](t, resp).Error)
	})

	createFrom := func(t *testing.T, f *fixture, forwardedFor string) int {
		req, err := http.NewRequest(http.MethodPost, f.http.URL+"/sessions", nil)
		require.NoError(t, err)
		req.Header.Set("X-Forwarded-For", forwardedFor)
		req.Header.Set("X-Real-IP", forwardedFor)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	t.Run("should ignore forwarding headers by default", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{sessionsPerMinute: 3})

		created := 0
		for i := 0; i < 6; i++ {
			if createFrom(t, f, fmt.Sprintf("203.0.113.%d", i+1)) == http.StatusCreated {
				created++
			}
		}
		assert.Equal(t, 3, created)
	})

	t.Run("should key on forwarded address when proxy headers are trusted", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{sessionsPerMinute: 1, trustProxy: true})

		assert.Equal(t, http.StatusCreated, createFrom(t, f, "203.0.113.1"))
		assert.Equal(t, http.StatusCreated, createFrom(t, f, "203.0.113.2"))
		assert.Equal(t, http.StatusTooManyRequests, createFrom(t, f, "203.0.113.1"))
	})
}

func TestServer_EndToEndEchoOverPoll(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	code := f.createSession(t).Code

	resp := f.enqueue(t, code, "r1", map[string]string{"msg": "hi"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "r1", decode[protocol.EnqueueResponse](t, resp).RequestID)

	resp = f.do(t, http.MethodGet, "/poll?code="+code, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	requests := decode[[]protocol.ToolRequest](t, resp)
	require.Len(t, requests, 1)
	assert.Equal(t, "r1", requests[0].ID)
	assert.Equal(t, "echo", requests[0].Tool)
	assert.JSONEq(t, `{"msg":"hi"}`, requests[0].Args.String())

	resp = f.do(t, http.MethodGet, "/poll?code="+code, nil)
	assert.Empty(t, decode[[]protocol.ToolRequest](t, resp))

	resp = f.do(t, http.MethodPost, "/response", map[string]interface{}{
		"sessionCode": code,
		"requestId":   "r1",
		"result":      map[string]string{"msg": "hi"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/response?requestId=r1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stored := decode[protocol.ToolResponse](t, resp)
	require.NotNil(t, stored.Result)
	assert.JSONEq(t, `{"msg":"hi"}`, stored.Result.String())
	assert.Nil(t, stored.Error)
}

func TestServer_Queue(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	code := f.createSession(t).Code

	for _, id := range []string{"q1", "q2"} {
		require.Equal(t, http.StatusAccepted, f.enqueue(t, code, id, map[string]int{"n": 1}).StatusCode)
	}

	resp := f.do(t, http.MethodGet, "/sessions/"+code+"/queue", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snapshot := decode[protocol.QueueSnapshot](t, resp)
	assert.Equal(t, code, snapshot.SessionCode)
	assert.Equal(t, int64(2), snapshot.Length)
	require.Len(t, snapshot.Pending, 2)
	assert.Equal(t, "q1", snapshot.Pending[0].ID)
	assert.Equal(t, "q2", snapshot.Pending[1].ID)
	assert.Equal(t, protocol.StatusQueued, snapshot.Pending[0].Status)

	t.Run("should not consume the queue", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/poll?code="+code, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Len(t, decode[[]protocol.ToolRequest](t, resp), 2)

		resp = f.do(t, http.MethodGet, "/sessions/"+code+"/queue", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		snapshot := decode[protocol.QueueSnapshot](t, resp)
		assert.Zero(t, snapshot.Length)
		assert.Empty(t, snapshot.Pending)
	})

	t.Run("should reject unknown sessions", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/sessions/AAAAAAAA/queue", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, protocol.KindSessionNotFound, decode[protocol.ErrorBody](t, resp).Error)
	})

	t.Run("should only allow GET", func(t *testing.T) {
		resp := f.do(t, http.MethodDelete, "/sessions/"+code+"/queue", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestServer_EnqueueErrors(t *testing.T) {
	clk := &clock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	f := newFixture(t, fixtureOptions{now: clk.Now})
	code := f.createSession(t).Code

	tests := []struct {
		name   string
		code   string
		id     string
		status int
		kind   protocol.ErrorKind
	}{
		{"malformed code", "bad", "r1", http.StatusBadRequest, protocol.KindValidation},
		{"missing request id", code, "", http.StatusBadRequest, protocol.KindValidation},
		{"unknown session", "AAAAAAAA", "r1", http.StatusNotFound, protocol.KindSessionNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.enqueue(t, tt.code, tt.id, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.kind, decode[protocol.ErrorBody](t, resp).Error)
		})
	}

	t.Run("should reject non-object params", func(t *testing.T) {
		resp := f.enqueue(t, code, "r2", []int{1, 2})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("should report an expired session as gone", func(t *testing.T) {
		clk.Advance(10 * time.Minute)
		resp := f.enqueue(t, code, "r3", nil)
		assert.Equal(t, http.StatusGone, resp.StatusCode)
		assert.Equal(t, protocol.KindSessionExpired, decode[protocol.ErrorBody](t, resp).Error)
	})
}

func TestServer_PostResponse(t *testing.T) {
	clk := &clock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	f := newFixture(t, fixtureOptions{now: clk.Now})
	code := f.createSession(t).Code

	t.Run("should store an error response", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/response", map[string]interface{}{
			"sessionCode": code,
			"requestId":   "failed",
			"error":       map[string]string{"code": "ToolNotFound", "message": "no such tool"},
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp = f.do(t, http.MethodGet, "/response?requestId=failed", nil)
		stored := decode[protocol.ToolResponse](t, resp)
		require.NotNil(t, stored.Error)
		assert.Equal(t, protocol.KindToolNotFound, stored.Error.Code)
	})

	t.Run("should reject both result and error", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/response", map[string]interface{}{
			"sessionCode": code,
			"requestId":   "both",
			"result":      1,
			"error":       map[string]string{"code": "ExecutionError", "message": "x"},
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("should reject an unknown session", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/response", map[string]interface{}{
			"sessionCode": "AAAAAAAA",
			"requestId":   "x",
			"result":      1,
		})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("should accept a late response for an expired session", func(t *testing.T) {
		clk.Advance(11 * time.Minute)
		resp := f.do(t, http.MethodPost, "/response", map[string]interface{}{
			"sessionCode": code,
			"requestId":   "late",
			"result":      "done",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp = f.do(t, http.MethodGet, "/response?requestId=late", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestServer_GetResponse(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	code := f.createSession(t).Code

	t.Run("should 404 while pending", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/response?requestId=nope", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, protocol.KindNotFound, decode[protocol.ErrorBody](t, resp).Error)
	})

	t.Run("should long-poll with wait", func(t *testing.T) {
		go func() {
			time.Sleep(50 * time.Millisecond)
			result := protocol.MustValue("ok")
			_ = f.exchange.PutResponse(context.Background(), protocol.ToolResponse{
				RequestID:   "slow",
				SessionCode: code,
				Result:      &result,
			})
		}()
		resp := f.do(t, http.MethodGet, "/response?requestId=slow&wait=2", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, `"ok"`, decode[protocol.ToolResponse](t, resp).Result.String())
	})

	t.Run("should reject an invalid wait", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/response?requestId=x&wait=soon", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestParseWait(t *testing.T) {
	max := 30 * time.Second
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"2", 2 * time.Second, false},
		{"0.5", 500 * time.Millisecond, false},
		{"1500ms", 1500 * time.Millisecond, false},
		{"120", max, false},
		{"-1", 0, true},
		{"later", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parseWait(tt.raw, max)
			if tt.wantErr {
				assert.ErrorIs(t, err, protocol.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestServer_Metadata(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	base := f.createSession(t).Code
	files := f.createSession(t, "BASE", "FILES").Code

	t.Run("should filter tools by session capabilities", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/metadata?code="+base, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "1.1.0", resp.Header.Get("API-Version"))
		assert.Equal(t, "2026.1", resp.Header.Get("Tool-Manifest-Version"))
		assert.Equal(t, "1.1.0, 1.0.0", resp.Header.Get("Supported-Versions"))
		manifest := decode[catalog.Manifest](t, resp)
		assert.Equal(t, []string{"echo", "ping"}, manifest.ToolNames())

		resp = f.do(t, http.MethodGet, "/api/sessions/"+files+"/metadata", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, []string{"echo", "ping", "read_file"}, decode[catalog.Manifest](t, resp).ToolNames())
	})

	t.Run("should negotiate Accept-Version", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, f.http.URL+"/metadata?code="+base, nil)
		require.NoError(t, err)
		req.Header.Set("Accept-Version", "1.0.0")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "1.0.0", resp.Header.Get("API-Version"))
	})

	t.Run("should answer 406 for unsupported versions", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/metadata?code="+base+"&version=9.0.0", nil)
		require.Equal(t, http.StatusNotAcceptable, resp.StatusCode)
		body := decode[protocol.ErrorBody](t, resp)
		assert.Equal(t, protocol.KindVersionNotSupported, body.Error)
		assert.Equal(t, "9.0.0", body.RequestedVersion)
		assert.Equal(t, []string{"1.1.0", "1.0.0"}, body.SupportedVersions)
	})

	t.Run("should 404 for unknown sessions", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/metadata?code=AAAAAAAA", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestServer_CrossCutting(t *testing.T) {
	f := newFixture(t, fixtureOptions{maxBodyBytes: 64})

	t.Run("should answer CORS preflight", func(t *testing.T) {
		resp := f.do(t, http.MethodOptions, "/request", nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
		assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
	})

	t.Run("should set CORS and trace headers on every response", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/healthz", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
		assert.NotEmpty(t, resp.Header.Get("X-Trace-Id"))
	})

	t.Run("should reject unsupported methods with the envelope", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/request", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("Allow"), http.MethodPost)
		assert.Equal(t, protocol.KindMethodNotAllowed, decode[protocol.ErrorBody](t, resp).Error)
	})

	t.Run("should limit body size", func(t *testing.T) {
		resp := f.enqueue(t, "AAAAAAAA", "r1", map[string]string{"blob": strings.Repeat("x", 200)})
		assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	})

	t.Run("should expose prometheus metrics", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/metrics", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestServer_StoreUnavailable(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	code := f.createSession(t).Code
	require.NoError(t, f.store.Close())

	resp := f.enqueue(t, code, "r1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, protocol.KindStoreUnavailable, decode[protocol.ErrorBody](t, resp).Error)

	resp = f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_StartStop(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	srv := f.server
	srv.addr = "127.0.0.1:0"

	require.NoError(t, srv.Start())
	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
}
