package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the toolrelay configuration
type Config struct {
	// Relay server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Backing key-value store
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Session registry
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Request/response exchange
	Exchange ExchangeConfig `json:"exchange" mapstructure:"exchange"`

	// Push stream timings
	Stream StreamConfig `json:"stream" mapstructure:"stream"`

	// Tool manifest
	Catalog CatalogConfig `json:"catalog" mapstructure:"catalog"`

	// Execution worker
	Worker WorkerConfig `json:"worker" mapstructure:"worker"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds relay HTTP server configuration
type ServerConfig struct {
	Host              string        `json:"host" mapstructure:"host"`
	Port              int           `json:"port" mapstructure:"port"`
	AllowedOrigin     string        `json:"allowed_origin" mapstructure:"allowed_origin"`
	MaxBodyBytes      int64         `json:"max_body_bytes" mapstructure:"max_body_bytes"`
	MaxResponseWait   time.Duration `json:"max_response_wait" mapstructure:"max_response_wait"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	AuditLog          string        `json:"audit_log" mapstructure:"audit_log"`
	SessionsPerMinute int           `json:"sessions_per_minute" mapstructure:"sessions_per_minute"` // per client IP, -1 disables
	TrustProxyHeaders bool          `json:"trust_proxy_headers" mapstructure:"trust_proxy_headers"` // read X-Forwarded-For; only behind a rewriting proxy
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig selects the key-value backend
type StoreConfig struct {
	Backend       string `json:"backend" mapstructure:"backend"` // memory, redis, sqlite
	RedisURL      string `json:"redis_url" mapstructure:"redis_url"`
	SQLitePath    string `json:"sqlite_path" mapstructure:"sqlite_path"`
	SweepSchedule string `json:"sweep_schedule" mapstructure:"sweep_schedule"` // cron spec, "off" disables
}

// SessionConfig holds session registry settings
type SessionConfig struct {
	TTL                 time.Duration `json:"ttl" mapstructure:"ttl"`
	TombstoneGrace      time.Duration `json:"tombstone_grace" mapstructure:"tombstone_grace"`
	CreateAttempts      int           `json:"create_attempts" mapstructure:"create_attempts"`
	DefaultCapabilities []string      `json:"default_capabilities" mapstructure:"default_capabilities"`
}

// ExchangeConfig holds response storage settings
type ExchangeConfig struct {
	ResponseTTL   time.Duration `json:"response_ttl" mapstructure:"response_ttl"`
	AwaitInterval time.Duration `json:"await_interval" mapstructure:"await_interval"`
}

// StreamConfig holds push stream timings
type StreamConfig struct {
	PollInterval      time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	MaxLifetime       time.Duration `json:"max_lifetime" mapstructure:"max_lifetime"`
}

// CatalogConfig locates the tool manifest
type CatalogConfig struct {
	Path  string `json:"path" mapstructure:"path"`
	Watch bool   `json:"watch" mapstructure:"watch"`
}

// WorkerConfig holds execution worker settings
type WorkerConfig struct {
	RelayURL     string   `json:"relay_url" mapstructure:"relay_url"`
	SessionCode  string   `json:"session_code" mapstructure:"session_code"`
	Capabilities []string `json:"capabilities" mapstructure:"capabilities"`
	Binding      string   `json:"binding" mapstructure:"binding"` // sse, websocket

	BackoffBase          time.Duration `json:"backoff_base" mapstructure:"backoff_base"`
	BackoffMax           time.Duration `json:"backoff_max" mapstructure:"backoff_max"`
	BackoffJitter        float64       `json:"backoff_jitter" mapstructure:"backoff_jitter"`
	PushFailureThreshold int           `json:"push_failure_threshold" mapstructure:"push_failure_threshold"`
	PollInterval         time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
	PushRetryEvery       int           `json:"push_retry_every" mapstructure:"push_retry_every"`
	MaxRetries           int           `json:"max_retries" mapstructure:"max_retries"` // 0 = unlimited
	StreamIdleTimeout    time.Duration `json:"stream_idle_timeout" mapstructure:"stream_idle_timeout"`
	RequestTimeout       time.Duration `json:"request_timeout" mapstructure:"request_timeout"`

	ExecTimeout time.Duration     `json:"exec_timeout" mapstructure:"exec_timeout"`
	QueueSize   int               `json:"queue_size" mapstructure:"queue_size"`
	HistorySize int               `json:"history_size" mapstructure:"history_size"`
	Tools       ToolPolicyConfig  `json:"tools" mapstructure:"tools"`
}

// ToolPolicyConfig defines tool access policies
type ToolPolicyConfig struct {
	Allow []string `json:"allow" mapstructure:"allow"`
	Deny  []string `json:"deny" mapstructure:"deny"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	Console   bool   `json:"console" mapstructure:"console"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			AllowedOrigin:     "*",
			MaxBodyBytes:      1 << 20,
			MaxResponseWait:   30 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			SessionsPerMinute: 30,
		},
		Store: StoreConfig{
			Backend:       "memory",
			SweepSchedule: "@every 1m",
		},
		Session: SessionConfig{
			TTL:                 600 * time.Second,
			TombstoneGrace:      time.Hour,
			CreateAttempts:      5,
			DefaultCapabilities: []string{"BASE"},
		},
		Exchange: ExchangeConfig{
			ResponseTTL:   time.Hour,
			AwaitInterval: 250 * time.Millisecond,
		},
		Stream: StreamConfig{
			PollInterval:      time.Second,
			HeartbeatInterval: 30 * time.Second,
			MaxLifetime:       10 * time.Minute,
		},
		Catalog: CatalogConfig{
			Watch: true,
		},
		Worker: WorkerConfig{
			RelayURL:             "http://localhost:8080",
			Capabilities:         []string{"BASE"},
			Binding:              "sse",
			BackoffBase:          time.Second,
			BackoffMax:           30 * time.Second,
			BackoffJitter:        0.2,
			PushFailureThreshold: 3,
			PollInterval:         time.Second,
			PushRetryEvery:       5,
			StreamIdleTimeout:    90 * time.Second,
			RequestTimeout:       30 * time.Second,
			ExecTimeout:          30 * time.Second,
			QueueSize:            64,
			HistorySize:          100,
			Tools: ToolPolicyConfig{
				Allow: []string{"*"},
				Deny:  []string{},
			},
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
			Console:   true,
		},
		Tracing: TracingConfig{
			ServiceName: "toolrelay",
			SampleRatio: 1,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}

	switch c.Store.Backend {
	case "", "memory":
	case "redis":
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store.redis_url is required for the redis backend")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("invalid store backend %s (must be: memory, redis, sqlite)", c.Store.Backend)
	}

	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if c.Stream.HeartbeatInterval > 0 && c.Stream.MaxLifetime > 0 && c.Stream.HeartbeatInterval >= c.Stream.MaxLifetime {
		return fmt.Errorf("stream.heartbeat_interval must be shorter than stream.max_lifetime")
	}

	return nil
}
