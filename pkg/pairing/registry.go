// Package pairing mints and tracks the short-lived codes that pair a tool
// caller with an execution worker.
package pairing

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/toolrelay/internal/observability"
	"github.com/harun/toolrelay/pkg/kv"
	"github.com/harun/toolrelay/pkg/protocol"
)

const (
	DefaultTTL            = 600 * time.Second
	DefaultTombstoneGrace = time.Hour
	DefaultMaxAttempts    = 5
)

// DeleteHook runs after a session record is deleted.
type DeleteHook func(ctx context.Context, code string) error

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Store kv.Store
	TTL   time.Duration
	// TombstoneGrace keeps an expired record readable as "expired" for this
	// long before it reads as "not found".
	TombstoneGrace      time.Duration
	MaxAttempts         int
	DefaultCapabilities []string
	Now                 func() time.Time
	// Generate overrides code generation; used to force collisions.
	Generate func() (string, error)
	OnDelete []DeleteHook
}

// Registry creates, reads, renews and deletes sessions in a kv.Store.
type Registry struct {
	store               kv.Store
	ttl                 time.Duration
	grace               time.Duration
	maxAttempts         int
	defaultCapabilities []string
	now                 func() time.Time
	generate            func() (string, error)
	onDelete            []DeleteHook
}

// NewRegistry creates a session registry.
func NewRegistry(opts RegistryOptions) (*Registry, error) {
	if opts.Store == nil {
		return nil, errors.New("pairing store is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	grace := opts.TombstoneGrace
	if grace < 0 {
		grace = 0
	} else if grace == 0 {
		grace = DefaultTombstoneGrace
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	defaults := protocol.NewCapabilitySet(opts.DefaultCapabilities...).List()
	if len(defaults) == 0 {
		defaults = []string{protocol.DefaultCapability}
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	gen := opts.Generate
	if gen == nil {
		gen = GenerateCode
	}

	return &Registry{
		store:               opts.Store,
		ttl:                 ttl,
		grace:               grace,
		maxAttempts:         attempts,
		defaultCapabilities: defaults,
		now:                 nowFn,
		generate:            gen,
		onDelete:            opts.OnDelete,
	}, nil
}

// OnDelete registers a hook run after every successful Delete.
func (r *Registry) OnDelete(hook DeleteHook) {
	r.onDelete = append(r.onDelete, hook)
}

// TTL returns the lifetime given to new sessions.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

func sessionKey(code string) string {
	return "session:" + code
}

// ValidateCode rejects malformed pairing codes before they reach storage.
func ValidateCode(code string) error {
	if !protocol.ValidCode(code) {
		return fmt.Errorf("%w: session code must match ^[A-Z2-7]{8}$", protocol.ErrValidation)
	}
	return nil
}

// Create mints a session with the given capabilities, claiming a fresh code
// with set-if-absent so two callers can never share one.
func (r *Registry) Create(ctx context.Context, capabilities []string) (protocol.Session, error) {
	caps := protocol.NewCapabilitySet(capabilities...).List()
	if len(caps) == 0 {
		caps = append([]string(nil), r.defaultCapabilities...)
	}

	now := r.now().UTC()
	session := protocol.Session{
		CreatedAt:    now,
		ExpiresAt:    now.Add(r.ttl),
		TTLSeconds:   int(r.ttl / time.Second),
		Capabilities: caps,
	}

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		code, err := r.generate()
		if err != nil {
			observability.RecordSessionCreated(false)
			return protocol.Session{}, err
		}
		session.Code = code

		payload, err := json.Marshal(session)
		if err != nil {
			return protocol.Session{}, fmt.Errorf("failed to encode session: %w", err)
		}
		claimed, err := r.store.SetNX(ctx, sessionKey(code), payload, r.ttl+r.grace)
		if err != nil {
			observability.RecordStoreError("session_create")
			observability.RecordSessionCreated(false)
			return protocol.Session{}, fmt.Errorf("%w: %v", protocol.ErrStoreUnavailable, err)
		}
		if claimed {
			observability.RecordSessionCreated(true)
			return session, nil
		}
		log.Debug().Int("attempt", attempt).Msg("Pairing code collision, retrying")
	}

	observability.RecordSessionCreated(false)
	return protocol.Session{}, fmt.Errorf("%w after %d attempts", protocol.ErrSessionCreateExhausted, r.maxAttempts)
}

// Get returns the live session for code. An expired session yields
// ErrSessionExpired while its tombstone lasts, ErrSessionNotFound after.
func (r *Registry) Get(ctx context.Context, code string) (protocol.Session, error) {
	session, err := r.load(ctx, code)
	if err != nil {
		return protocol.Session{}, err
	}
	if session.Expired(r.now()) {
		return protocol.Session{}, fmt.Errorf("%w: %s", protocol.ErrSessionExpired, code)
	}
	return session, nil
}

// Renew restarts the session's TTL from now.
func (r *Registry) Renew(ctx context.Context, code string) (protocol.Session, error) {
	session, err := r.Get(ctx, code)
	if err != nil {
		return protocol.Session{}, err
	}

	ttl := time.Duration(session.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = r.ttl
	}
	session.ExpiresAt = r.now().UTC().Add(ttl)

	payload, err := json.Marshal(session)
	if err != nil {
		return protocol.Session{}, fmt.Errorf("failed to encode session: %w", err)
	}
	if err := r.store.Set(ctx, sessionKey(code), payload, ttl+r.grace); err != nil {
		observability.RecordStoreError("session_renew")
		return protocol.Session{}, fmt.Errorf("%w: %v", protocol.ErrStoreUnavailable, err)
	}
	return session, nil
}

// Delete removes the session and runs the delete hooks. Deleting an unknown
// code is not an error.
func (r *Registry) Delete(ctx context.Context, code string) error {
	if err := ValidateCode(code); err != nil {
		return err
	}
	if err := r.store.Delete(ctx, sessionKey(code)); err != nil {
		observability.RecordStoreError("session_delete")
		return fmt.Errorf("%w: %v", protocol.ErrStoreUnavailable, err)
	}
	for _, hook := range r.onDelete {
		if err := hook(ctx, code); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) load(ctx context.Context, code string) (protocol.Session, error) {
	if err := ValidateCode(code); err != nil {
		return protocol.Session{}, err
	}
	raw, err := r.store.Get(ctx, sessionKey(code))
	if errors.Is(err, kv.ErrNotFound) {
		return protocol.Session{}, fmt.Errorf("%w: %s", protocol.ErrSessionNotFound, code)
	}
	if err != nil {
		observability.RecordStoreError("session_get")
		return protocol.Session{}, fmt.Errorf("%w: %v", protocol.ErrStoreUnavailable, err)
	}
	var session protocol.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return protocol.Session{}, fmt.Errorf("failed to decode session %s: %w", code, err)
	}
	return session, nil
}

// GenerateCode returns a random code over the base32 alphabet. 256 is a
// multiple of 32, so reducing each byte modulo the alphabet is unbiased.
func GenerateCode() (string, error) {
	buf := make([]byte, protocol.CodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate pairing code: %w", err)
	}
	out := make([]byte, protocol.CodeLength)
	for i, b := range buf {
		out[i] = protocol.CodeAlphabet[int(b)%len(protocol.CodeAlphabet)]
	}
	return string(out), nil
}
