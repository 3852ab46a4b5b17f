package commandqueue

import (
	"sync"
	"time"

	"github.com/harun/toolrelay/pkg/protocol"
)

// ExecutionStatus is the lifecycle stage of a record in the history.
type ExecutionStatus string

const (
	StatusQueued    ExecutionStatus = "queued"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// ExecutionRecord describes one request the queue accepted or rejected.
type ExecutionRecord struct {
	RequestID  string          `json:"requestId"`
	Tool       string          `json:"tool"`
	Status     ExecutionStatus `json:"status"`
	ErrorKind  string          `json:"errorKind,omitempty"`
	Error      string          `json:"error,omitempty"`
	QueuedAt   time.Time       `json:"queuedAt"`
	StartedAt  time.Time       `json:"startedAt,omitempty"`
	FinishedAt time.Time       `json:"finishedAt,omitempty"`
}

// Duration is zero until the record has both started and finished.
func (r ExecutionRecord) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// history is a fixed-size ring of execution records. When full the oldest
// record is overwritten.
type history struct {
	mu      sync.Mutex
	records []ExecutionRecord
	index   map[string]int
	head    int
	count   int
}

func newHistory(size int) *history {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &history{
		records: make([]ExecutionRecord, size),
		index:   make(map[string]int, size),
	}
}

func (h *history) add(rec ExecutionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == len(h.records) {
		evicted := h.records[h.head]
		if pos, ok := h.index[evicted.RequestID]; ok && pos == h.head {
			delete(h.index, evicted.RequestID)
		}
	} else {
		h.count++
	}
	h.records[h.head] = rec
	h.index[rec.RequestID] = h.head
	h.head = (h.head + 1) % len(h.records)
}

// update applies fn to the newest record for id. Records already evicted are
// left alone.
func (h *history) update(id string, fn func(*ExecutionRecord)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if pos, ok := h.index[id]; ok {
		fn(&h.records[pos])
	}
}

// snapshot returns the records oldest first.
func (h *history) snapshot() []ExecutionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]ExecutionRecord, 0, h.count)
	start := (h.head - h.count + len(h.records)) % len(h.records)
	for i := 0; i < h.count; i++ {
		out = append(out, h.records[(start+i)%len(h.records)])
	}
	return out
}

func recordFor(req protocol.ToolRequest, now time.Time) ExecutionRecord {
	return ExecutionRecord{
		RequestID: req.ID,
		Tool:      req.Tool,
		Status:    StatusQueued,
		QueuedAt:  now,
	}
}
