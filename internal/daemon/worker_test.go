package daemon

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/toolrelay/pkg/connection"
	"github.com/harun/toolrelay/pkg/protocol"
	"github.com/harun/toolrelay/pkg/toolexecutor"
)

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

var upperTool = toolexecutor.ToolDefinition{
	Name:        "upper",
	Description: "Upper-case a string",
	Parameters: []toolexecutor.ToolParameter{
		{Name: "text", Type: "string", Required: true},
	},
	Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return strings.ToUpper(params["text"].(string)), nil
	},
}

func TestNewWorker_Validation(t *testing.T) {
	cfg := testConfig(t)

	t.Run("invalid code", func(t *testing.T) {
		_, err := NewWorker(cfg, testLogger(t), "nope")
		assert.ErrorIs(t, err, protocol.ErrValidation)
	})

	t.Run("code from config", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Worker.SessionCode = "ABCDEFGH"
		_, err := NewWorker(cfg, testLogger(t), "")
		assert.NoError(t, err)
	})

	t.Run("bad binding", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Worker.Binding = "carrier-pigeon"
		_, err := NewWorker(cfg, testLogger(t), "ABCDEFGH")
		assert.ErrorIs(t, err, protocol.ErrValidation)
	})

	t.Run("duplicate tool", func(t *testing.T) {
		dup := upperTool
		dup.Name = "echo"
		_, err := NewWorker(cfg, testLogger(t), "ABCDEFGH", WithTools(dup))
		assert.Error(t, err)
	})
}

func TestWorker_EndToEnd(t *testing.T) {
	for _, binding := range []string{"sse", "websocket"} {
		t.Run(binding, func(t *testing.T) {
			cfg := testConfig(t)
			relay, client := startRelay(t, cfg)
			ctx := context.Background()

			session, err := client.CreateSession(ctx, nil)
			require.NoError(t, err)

			cfg.Worker.RelayURL = "http://" + relay.Addr()
			cfg.Worker.Binding = binding
			worker, err := NewWorker(cfg, testLogger(t), session.Code, WithTools(upperTool))
			require.NoError(t, err)
			assert.Equal(t, []string{"echo", "ping", "upper"}, worker.Tools())

			require.NoError(t, worker.Start(ctx))
			require.Eventually(t, func() bool {
				s := worker.Connection()
				return s.State == connection.StateConnected && s.Transport == connection.TransportPush
			}, 5*time.Second, 5*time.Millisecond)
			assert.True(t, worker.Status().Running)

			_, err = client.Enqueue(ctx, session.Code, "up-1", "upper", protocol.MustValue(map[string]string{"text": "relay"}))
			require.NoError(t, err)

			awaitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			resp, err := client.Await(awaitCtx, "up-1")
			require.NoError(t, err)
			require.Nil(t, resp.Error)
			require.NotNil(t, resp.Result)
			assert.JSONEq(t, `"RELAY"`, resp.Result.String())

			require.NoError(t, worker.Stop())
			assert.Equal(t, connection.StateDisconnected, worker.Connection().State)
			assert.Len(t, worker.History(), 1)
			assert.Error(t, worker.Stop())
			assert.Error(t, worker.Start(ctx))
		})
	}
}

func TestWorker_WaitReturnsWhenSessionIsGone(t *testing.T) {
	cfg := testConfig(t)
	relay, client := startRelay(t, cfg)
	ctx := context.Background()

	session, err := client.CreateSession(ctx, nil)
	require.NoError(t, err)

	cfg.Worker.RelayURL = "http://" + relay.Addr()
	worker, err := NewWorker(cfg, testLogger(t), session.Code)
	require.NoError(t, err)
	require.NoError(t, worker.Start(ctx))
	require.Eventually(t, func() bool {
		return worker.Connection().State == connection.StateConnected
	}, 5*time.Second, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- worker.Wait(ctx) }()

	require.NoError(t, client.DeleteSession(ctx, session.Code))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, protocol.ErrSessionNotFound)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after the session was deleted")
	}
	assert.False(t, worker.Status().Running)
}
