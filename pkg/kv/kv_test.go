package kv

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type backend struct {
	name    string
	store   Store
	advance func(time.Duration)
}

func backends(t *testing.T) []backend {
	t.Helper()

	memClock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	mem, err := NewMemory(MemoryOptions{Now: memClock.Now, SweepSchedule: "off"})
	require.NoError(t, err)

	sqlClock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	lite, err := NewSQLite(SQLiteOptions{
		Path:          filepath.Join(t.TempDir(), "kv.db"),
		Now:           sqlClock.Now,
		SweepSchedule: "off",
	})
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb, err := NewRedis(RedisOptions{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)

	t.Cleanup(func() {
		mem.Close()
		lite.Close()
		rdb.Close()
	})

	return []backend{
		{name: "memory", store: mem, advance: memClock.Advance},
		{name: "sqlite", store: lite, advance: sqlClock.Advance},
		{name: "redis", store: rdb, advance: mr.FastForward},
	}
}

func TestStore_Scalar(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			t.Run("should return not found for missing key", func(t *testing.T) {
				_, err := b.store.Get(ctx, "missing")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("should read back a value until its ttl elapses", func(t *testing.T) {
				require.NoError(t, b.store.Set(ctx, "s1", []byte("v1"), 10*time.Second))

				got, err := b.store.Get(ctx, "s1")
				require.NoError(t, err)
				assert.Equal(t, []byte("v1"), got)

				b.advance(9 * time.Second)
				_, err = b.store.Get(ctx, "s1")
				require.NoError(t, err)

				b.advance(2 * time.Second)
				_, err = b.store.Get(ctx, "s1")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("should keep values without ttl", func(t *testing.T) {
				require.NoError(t, b.store.Set(ctx, "forever", []byte("x"), 0))
				b.advance(24 * time.Hour)
				got, err := b.store.Get(ctx, "forever")
				require.NoError(t, err)
				assert.Equal(t, []byte("x"), got)
			})

			t.Run("should set only absent keys with SetNX", func(t *testing.T) {
				ok, err := b.store.SetNX(ctx, "nx", []byte("first"), time.Minute)
				require.NoError(t, err)
				assert.True(t, ok)

				ok, err = b.store.SetNX(ctx, "nx", []byte("second"), time.Minute)
				require.NoError(t, err)
				assert.False(t, ok)

				got, err := b.store.Get(ctx, "nx")
				require.NoError(t, err)
				assert.Equal(t, []byte("first"), got)

				b.advance(2 * time.Minute)
				ok, err = b.store.SetNX(ctx, "nx", []byte("third"), time.Minute)
				require.NoError(t, err)
				assert.True(t, ok, "expired key can be claimed again")
			})

			t.Run("should delete and re-expire keys", func(t *testing.T) {
				require.NoError(t, b.store.Set(ctx, "d1", []byte("a"), time.Minute))
				require.NoError(t, b.store.Set(ctx, "d2", []byte("b"), time.Minute))
				require.NoError(t, b.store.Delete(ctx, "d1", "d2", "never-existed"))
				_, err := b.store.Get(ctx, "d1")
				assert.ErrorIs(t, err, ErrNotFound)

				require.NoError(t, b.store.Set(ctx, "e1", []byte("a"), time.Minute))
				require.NoError(t, b.store.Expire(ctx, "e1", 5*time.Second))
				b.advance(6 * time.Second)
				_, err = b.store.Get(ctx, "e1")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("should ping", func(t *testing.T) {
				assert.NoError(t, b.store.Ping(ctx))
			})
		})
	}
}

func TestStore_List(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			t.Run("should pop every item in push order and leave the list empty", func(t *testing.T) {
				for i := 0; i < 5; i++ {
					n, err := b.store.RPush(ctx, "q1", time.Minute, []byte(fmt.Sprintf("item-%d", i)))
					require.NoError(t, err)
					assert.Equal(t, int64(i+1), n)
				}

				items, err := b.store.PopAll(ctx, "q1")
				require.NoError(t, err)
				require.Len(t, items, 5)
				for i, item := range items {
					assert.Equal(t, fmt.Sprintf("item-%d", i), string(item))
				}

				n, err := b.store.LLen(ctx, "q1")
				require.NoError(t, err)
				assert.Zero(t, n)

				items, err = b.store.PopAll(ctx, "q1")
				require.NoError(t, err)
				assert.Empty(t, items)
			})

			t.Run("should peek without consuming", func(t *testing.T) {
				_, err := b.store.RPush(ctx, "q2", time.Minute, []byte("a"), []byte("b"), []byte("c"))
				require.NoError(t, err)

				all, err := b.store.LRange(ctx, "q2", 0, -1)
				require.NoError(t, err)
				assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, all)

				tail, err := b.store.LRange(ctx, "q2", -2, -1)
				require.NoError(t, err)
				assert.Equal(t, [][]byte{[]byte("b"), []byte("c")}, tail)

				none, err := b.store.LRange(ctx, "q2", 5, 10)
				require.NoError(t, err)
				assert.Empty(t, none)

				n, err := b.store.LLen(ctx, "q2")
				require.NoError(t, err)
				assert.Equal(t, int64(3), n)
			})

			t.Run("should refresh the list ttl on every push", func(t *testing.T) {
				_, err := b.store.RPush(ctx, "q3", 10*time.Second, []byte("a"))
				require.NoError(t, err)
				b.advance(8 * time.Second)
				_, err = b.store.RPush(ctx, "q3", 10*time.Second, []byte("b"))
				require.NoError(t, err)
				b.advance(8 * time.Second)

				n, err := b.store.LLen(ctx, "q3")
				require.NoError(t, err)
				assert.Equal(t, int64(2), n)

				b.advance(3 * time.Second)
				items, err := b.store.PopAll(ctx, "q3")
				require.NoError(t, err)
				assert.Empty(t, items)
			})

			t.Run("should start a fresh list after expiry", func(t *testing.T) {
				_, err := b.store.RPush(ctx, "q4", time.Second, []byte("old"))
				require.NoError(t, err)
				b.advance(2 * time.Second)
				n, err := b.store.RPush(ctx, "q4", time.Minute, []byte("new"))
				require.NoError(t, err)
				assert.Equal(t, int64(1), n)
			})

			t.Run("should reject list operations on scalar keys", func(t *testing.T) {
				require.NoError(t, b.store.Set(ctx, "scalar", []byte("x"), time.Minute))
				_, err := b.store.RPush(ctx, "scalar", time.Minute, []byte("y"))
				assert.ErrorIs(t, err, ErrWrongType)
			})
		})
	}
}

func TestStore_PopAllIsAtMostOnce(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			const total = 200
			for i := 0; i < total; i++ {
				_, err := b.store.RPush(ctx, "race", time.Minute, []byte(fmt.Sprintf("%03d", i)))
				require.NoError(t, err)
			}

			var (
				mu   sync.Mutex
				seen = make(map[string]int)
				wg   sync.WaitGroup
			)
			for w := 0; w < 8; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					items, err := b.store.PopAll(ctx, "race")
					assert.NoError(t, err)
					mu.Lock()
					for _, item := range items {
						seen[string(item)]++
					}
					mu.Unlock()
				}()
			}
			wg.Wait()

			assert.Len(t, seen, total)
			for item, count := range seen {
				assert.Equal(t, 1, count, "item %s delivered more than once", item)
			}
		})
	}
}

func TestMemory_Sweep(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	mem, err := NewMemory(MemoryOptions{Now: clock.Now, SweepSchedule: "off"})
	require.NoError(t, err)
	defer mem.Close()

	ctx := context.Background()
	require.NoError(t, mem.Set(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, mem.Set(ctx, "b", []byte("2"), 0))
	_, err = mem.RPush(ctx, "c", time.Second, []byte("3"))
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	removed, err := mem.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, mem.Len())
}

func TestSQLite_SweepAndReopen(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	path := filepath.Join(t.TempDir(), "kv.db")
	ctx := context.Background()

	lite, err := NewSQLite(SQLiteOptions{Path: path, Now: clock.Now, SweepSchedule: "off"})
	require.NoError(t, err)
	require.NoError(t, lite.Set(ctx, "keep", []byte("v"), time.Hour))
	require.NoError(t, lite.Set(ctx, "drop", []byte("v"), time.Second))
	_, err = lite.RPush(ctx, "list", time.Second, []byte("x"))
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	removed, err := lite.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	require.NoError(t, lite.Close())

	reopened, err := NewSQLite(SQLiteOptions{Path: path, Now: clock.Now, SweepSchedule: "off"})
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Get(ctx, "keep")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestOpen(t *testing.T) {
	t.Run("should default to memory", func(t *testing.T) {
		store, err := Open(Options{SweepSchedule: "off"})
		require.NoError(t, err)
		defer store.Close()
		_, ok := store.(*Memory)
		assert.True(t, ok)
	})

	t.Run("should reject unknown backends", func(t *testing.T) {
		_, err := Open(Options{Backend: "etcd"})
		assert.Error(t, err)
	})

	t.Run("should reject bad sweep schedules", func(t *testing.T) {
		_, err := Open(Options{SweepSchedule: "every now and then"})
		assert.Error(t, err)
	})

	t.Run("should fail on closed memory store", func(t *testing.T) {
		store, err := Open(Options{SweepSchedule: "off"})
		require.NoError(t, err)
		require.NoError(t, store.Close())
		assert.ErrorIs(t, store.Ping(context.Background()), ErrClosed)
		assert.NoError(t, store.Close())
	})
}

func TestRangeBounds(t *testing.T) {
	lo, hi, ok := rangeBounds(5, 0, -1)
	assert.True(t, ok)
	assert.Equal(t, int64(0), lo)
	assert.Equal(t, int64(5), hi)

	lo, hi, ok = rangeBounds(5, -10, 1)
	assert.True(t, ok)
	assert.Equal(t, int64(0), lo)
	assert.Equal(t, int64(2), hi)

	_, _, ok = rangeBounds(0, 0, -1)
	assert.False(t, ok)

	_, _, ok = rangeBounds(3, 2, 1)
	assert.False(t, ok)
}
