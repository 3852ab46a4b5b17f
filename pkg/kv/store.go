// Package kv defines the TTL key-value store the relay keeps all shared state
// in, with in-memory, Redis and SQLite backends.
//
// Invariants:
// - A key whose TTL has elapsed is never returned, whether or not it has been
//   physically removed yet.
// - RPush appends and refreshes the list TTL as one atomic step.
// - PopAll reads and clears a list as one atomic step; two concurrent callers
//   never both receive the same element.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get for missing or expired keys.
	ErrNotFound = errors.New("kv: key not found")
	// ErrWrongType is returned when a scalar operation hits a list or vice versa.
	ErrWrongType = errors.New("kv: wrong value type for key")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("kv: store closed")
)

// Store is the storage contract shared by every backend. A ttl <= 0 means the
// key does not expire.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX sets key only if it holds no live value and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// RPush appends values to the list at key and sets its TTL, returning
	// the new length.
	RPush(ctx context.Context, key string, ttl time.Duration, values ...[]byte) (int64, error)
	LLen(ctx context.Context, key string) (int64, error)
	// LRange returns elements start..stop inclusive; negative indexes count
	// from the end, as in Redis.
	LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	// PopAll atomically returns every element of the list and deletes it.
	PopAll(ctx context.Context, key string) ([][]byte, error)

	Ping(ctx context.Context) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Options selects and configures a backend.
type Options struct {
	Backend       string
	RedisURL      string
	SQLitePath    string
	SweepSchedule string
	Now           func() time.Time
}

// Open builds the backend named by opts.Backend.
func Open(opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemory(MemoryOptions{Now: opts.Now, SweepSchedule: opts.SweepSchedule})
	case BackendRedis:
		return NewRedis(RedisOptions{URL: opts.RedisURL})
	case BackendSQLite:
		return NewSQLite(SQLiteOptions{Path: opts.SQLitePath, Now: opts.Now, SweepSchedule: opts.SweepSchedule})
	default:
		return nil, errors.New("kv: unknown backend " + opts.Backend)
	}
}

// rangeBounds converts Redis-style inclusive indexes into slice bounds.
func rangeBounds(length, start, stop int64) (int64, int64, bool) {
	if start < 0 {
		start += length
	}
	if stop < 0 {
		stop += length
	}
	if start < 0 {
		start = 0
	}
	if stop >= length {
		stop = length - 1
	}
	if length == 0 || start > stop || start >= length {
		return 0, 0, false
	}
	return start, stop + 1, true
}

func copyBytes(in []byte) []byte {
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
