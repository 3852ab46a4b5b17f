package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
)

var sessionCodePattern = regexp.MustCompile(`^[A-Z2-7]{8}$`)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateBinding validates the worker push binding
func (v *Validator) ValidateBinding(binding string) error {
	switch strings.ToLower(binding) {
	case "", "sse", "websocket", "ws":
		return nil
	}
	return fmt.Errorf("invalid push binding: %s (must be one of: sse, websocket)", binding)
}

// ValidateRelayURL validates the worker's relay base URL
func (v *Validator) ValidateRelayURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("relay URL cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid relay URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid relay URL scheme %q (must be http or https)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("relay URL has no host")
	}
	return nil
}

// ValidateSessionCode validates a pairing code. Empty is allowed; the
// worker can be given the code on the command line.
func (v *Validator) ValidateSessionCode(code string) error {
	if code == "" {
		return nil
	}
	if !sessionCodePattern.MatchString(code) {
		return fmt.Errorf("invalid session code %q (8 characters from A-Z and 2-7)", code)
	}
	return nil
}

// ValidateSweepSchedule validates the store expiry sweep cron spec
func (v *Validator) ValidateSweepSchedule(spec string) error {
	if spec == "" || spec == "off" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateJitter validates the backoff jitter fraction
func (v *Validator) ValidateJitter(jitter float64) error {
	if jitter < 0 || jitter > 1 {
		return fmt.Errorf("backoff jitter must be between 0 and 1, got %f", jitter)
	}
	return nil
}

// ValidateSampleRatio validates the tracing sample ratio
func (v *Validator) ValidateSampleRatio(ratio float64) error {
	if ratio < 0 || ratio > 1 {
		return fmt.Errorf("tracing sample_ratio must be between 0 and 1, got %f", ratio)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := cfg.Validate(); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateSweepSchedule(cfg.Store.SweepSchedule); err != nil {
		errors = append(errors, err)
	}

	if cfg.Session.CreateAttempts < 0 {
		errors = append(errors, fmt.Errorf("session.create_attempts must be >= 0"))
	}
	if cfg.Session.TombstoneGrace < 0 {
		errors = append(errors, fmt.Errorf("session.tombstone_grace must be >= 0"))
	}
	if cfg.Exchange.ResponseTTL < 0 {
		errors = append(errors, fmt.Errorf("exchange.response_ttl must be >= 0"))
	}
	if cfg.Server.MaxBodyBytes < 0 {
		errors = append(errors, fmt.Errorf("server.max_body_bytes must be >= 0"))
	}

	// Worker
	if err := v.ValidateRelayURL(cfg.Worker.RelayURL); err != nil {
		errors = append(errors, fmt.Errorf("worker: %w", err))
	}
	if err := v.ValidateSessionCode(cfg.Worker.SessionCode); err != nil {
		errors = append(errors, fmt.Errorf("worker: %w", err))
	}
	if err := v.ValidateBinding(cfg.Worker.Binding); err != nil {
		errors = append(errors, fmt.Errorf("worker: %w", err))
	}
	if err := v.ValidateJitter(cfg.Worker.BackoffJitter); err != nil {
		errors = append(errors, fmt.Errorf("worker: %w", err))
	}
	if cfg.Worker.BackoffMax > 0 && cfg.Worker.BackoffBase > cfg.Worker.BackoffMax {
		errors = append(errors, fmt.Errorf("worker.backoff_base must not exceed worker.backoff_max"))
	}
	if cfg.Worker.PushFailureThreshold < 0 {
		errors = append(errors, fmt.Errorf("worker.push_failure_threshold must be >= 0"))
	}
	if cfg.Worker.PushRetryEvery < 0 {
		errors = append(errors, fmt.Errorf("worker.push_retry_every must be >= 0"))
	}
	if cfg.Worker.MaxRetries < 0 {
		errors = append(errors, fmt.Errorf("worker.max_retries must be >= 0"))
	}
	if cfg.Worker.QueueSize < 0 {
		errors = append(errors, fmt.Errorf("worker.queue_size must be >= 0"))
	}
	for _, name := range cfg.Worker.Capabilities {
		if strings.TrimSpace(name) == "" {
			errors = append(errors, fmt.Errorf("worker.capabilities contains an empty name"))
			break
		}
	}

	// Logging and tracing
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateSampleRatio(cfg.Tracing.SampleRatio); err != nil {
		errors = append(errors, err)
	}

	return errors
}
