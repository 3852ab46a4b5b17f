package gateway

import (
	"sort"
	"sync"
	"time"
)

// StreamRegistry tracks open push streams so shutdown can close them and
// operators can list them.
type StreamRegistry struct {
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewStreamRegistry creates an empty registry
func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{
		streams: make(map[string]*Stream),
	}
}

// Add adds a stream to the registry
func (r *StreamRegistry) Add(stream *Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.streams[stream.ID] = stream
}

// Remove removes a stream from the registry
func (r *StreamRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.streams, id)
}

// Count returns the number of open streams
func (r *StreamRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.streams)
}

// Touch records that events were written to the stream.
func (r *StreamRegistry) Touch(id string, delivered int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if stream, ok := r.streams[id]; ok {
		stream.LastEventAt = time.Now()
		stream.Delivered += delivered
	}
}

// List returns info for open streams, optionally limited to one session,
// oldest first.
func (r *StreamRegistry) List(sessionCode string) []StreamInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]StreamInfo, 0, len(r.streams))
	for _, s := range r.streams {
		if sessionCode != "" && s.SessionCode != sessionCode {
			continue
		}
		infos = append(infos, StreamInfo{
			ID:          s.ID,
			SessionCode: s.SessionCode,
			Binding:     s.Binding,
			ConnectedAt: s.ConnectedAt,
			LastEventAt: s.LastEventAt,
			IPAddress:   s.IPAddress,
			Delivered:   s.Delivered,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ConnectedAt.Before(infos[j].ConnectedAt) })
	return infos
}

// CloseSession cancels every stream of one session and returns how many.
func (r *StreamRegistry) CloseSession(sessionCode string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, s := range r.streams {
		if s.SessionCode == sessionCode && s.cancel != nil {
			s.cancel()
			n++
		}
	}
	return n
}

// CloseAll cancels every open stream.
func (r *StreamRegistry) CloseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.streams {
		if s.cancel != nil {
			s.cancel()
		}
	}
}
