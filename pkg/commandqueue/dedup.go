package commandqueue

import (
	"sync"
	"time"
)

// dedupCache remembers request ids for a bounded window so a request that is
// delivered twice (for example once by push and again by a poll) only runs once.
type dedupCache struct {
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newDedupCache(ttl, sweepEvery time.Duration, now func() time.Time) *dedupCache {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	if now == nil {
		now = time.Now
	}

	cache := &dedupCache{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go cache.cleanup(sweepEvery)
	return cache
}

// Seen records id and reports whether it was already recorded inside the window.
func (dc *dedupCache) Seen(id string) bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	now := dc.now()
	if at, ok := dc.entries[id]; ok && now.Sub(at) < dc.ttl {
		return true
	}
	dc.entries[id] = now
	return false
}

func (dc *dedupCache) Size() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.entries)
}

func (dc *dedupCache) purge() {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	now := dc.now()
	for id, at := range dc.entries {
		if now.Sub(at) >= dc.ttl {
			delete(dc.entries, id)
		}
	}
}

func (dc *dedupCache) cleanup(every time.Duration) {
	defer close(dc.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-dc.stop:
			return
		case <-ticker.C:
			dc.purge()
		}
	}
}

func (dc *dedupCache) Stop() {
	dc.once.Do(func() { close(dc.stop) })
}
