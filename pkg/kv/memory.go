package kv

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	scalar    []byte
	list      [][]byte
	isList    bool
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryOptions configures the in-process backend.
type MemoryOptions struct {
	Now           func() time.Time
	SweepSchedule string
}

// Memory is an in-process Store. One mutex serializes every operation, which
// makes PopAll and the RPush+TTL pair trivially atomic.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
	closed  bool
	sweeper *sweeper
}

// NewMemory creates an empty in-memory store and starts its expiry sweeper.
func NewMemory(opts MemoryOptions) (*Memory, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	m := &Memory{
		entries: make(map[string]*memoryEntry),
		now:     now,
	}
	sw, err := startSweeper(opts.SweepSchedule, BackendMemory, m.Sweep)
	if err != nil {
		return nil, err
	}
	m.sweeper = sw
	return m, nil
}

// live returns the entry for key if it exists and has not expired. Expired
// entries are dropped on the way. Caller must hold mu.
func (m *Memory) live(key string) *memoryEntry {
	entry, ok := m.entries[key]
	if !ok {
		return nil
	}
	if entry.expired(m.now()) {
		delete(m.entries, key)
		return nil
	}
	return entry
}

func (m *Memory) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	entry := m.live(key)
	if entry == nil {
		return nil, ErrNotFound
	}
	if entry.isList {
		return nil, ErrWrongType
	}
	return copyBytes(entry.scalar), nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.entries[key] = &memoryEntry{scalar: copyBytes(value), expiresAt: m.deadline(ttl)}
	return nil
}

func (m *Memory) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if m.live(key) != nil {
		return false, nil
	}
	m.entries[key] = &memoryEntry{scalar: copyBytes(value), expiresAt: m.deadline(ttl)}
	return true, nil
}

func (m *Memory) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, key := range keys {
		delete(m.entries, key)
	}
	return nil
}

func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if entry := m.live(key); entry != nil {
		entry.expiresAt = m.deadline(ttl)
	}
	return nil
}

func (m *Memory) RPush(ctx context.Context, key string, ttl time.Duration, values ...[]byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	entry := m.live(key)
	if entry == nil {
		entry = &memoryEntry{isList: true}
		m.entries[key] = entry
	}
	if !entry.isList {
		return 0, ErrWrongType
	}
	for _, v := range values {
		entry.list = append(entry.list, copyBytes(v))
	}
	entry.expiresAt = m.deadline(ttl)
	return int64(len(entry.list)), nil
}

func (m *Memory) LLen(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	entry := m.live(key)
	if entry == nil {
		return 0, nil
	}
	if !entry.isList {
		return 0, ErrWrongType
	}
	return int64(len(entry.list)), nil
}

func (m *Memory) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	entry := m.live(key)
	if entry == nil {
		return nil, nil
	}
	if !entry.isList {
		return nil, ErrWrongType
	}
	lo, hi, ok := rangeBounds(int64(len(entry.list)), start, stop)
	if !ok {
		return nil, nil
	}
	out := make([][]byte, 0, hi-lo)
	for _, v := range entry.list[lo:hi] {
		out = append(out, copyBytes(v))
	}
	return out, nil
}

func (m *Memory) PopAll(ctx context.Context, key string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	entry := m.live(key)
	if entry == nil {
		return nil, nil
	}
	if !entry.isList {
		return nil, ErrWrongType
	}
	delete(m.entries, key)
	return entry.list, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Sweep drops every expired entry and returns how many were removed.
func (m *Memory) Sweep() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for key, entry := range m.entries {
		if entry.expired(now) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of stored keys, including expired ones not yet swept.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	m.sweeper.stop()
	return nil
}
