package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, "*", cfg.Server.AllowedOrigin)
	assert.Equal(t, int64(1<<20), cfg.Server.MaxBodyBytes)
	assert.Equal(t, 30, cfg.Server.SessionsPerMinute)
	assert.False(t, cfg.Server.TrustProxyHeaders)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 600*time.Second, cfg.Session.TTL)
	assert.Equal(t, []string{"BASE"}, cfg.Session.DefaultCapabilities)
	assert.Equal(t, time.Second, cfg.Stream.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Stream.HeartbeatInterval)
	assert.Equal(t, 10*time.Minute, cfg.Stream.MaxLifetime)
	assert.Equal(t, "sse", cfg.Worker.Binding)
	assert.Equal(t, 3, cfg.Worker.PushFailureThreshold)
	assert.Equal(t, 5, cfg.Worker.PushRetryEvery)
	assert.Equal(t, 30*time.Second, cfg.Worker.BackoffMax)
	assert.Equal(t, 0.2, cfg.Worker.BackoffJitter)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		assert.NoError(t, DefaultConfig().Validate())
	})

	t.Run("invalid port", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Server.Port = 70000

		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "port")
	})

	t.Run("unknown backend", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Store.Backend = "etcd"

		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "etcd")
	})

	t.Run("redis without URL", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Store.Backend = "redis"

		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "redis_url")
	})

	t.Run("sqlite without path", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Store.Backend = "sqlite"

		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "sqlite_path")
	})

	t.Run("non-positive session TTL", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Session.TTL = 0

		assert.Error(t, cfg.Validate())
	})

	t.Run("heartbeat outlives stream", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Stream.HeartbeatInterval = time.Hour

		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "heartbeat")
	})
}

func TestConfigString(t *testing.T) {
	out := DefaultConfig().String()
	assert.Contains(t, out, `"backend": "memory"`)
	assert.Contains(t, out, `"relay_url": "http://localhost:8080"`)
}
