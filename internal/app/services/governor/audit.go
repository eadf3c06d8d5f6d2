package governor

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Decision is one audit-trail record of how the governor settled a request.
type Decision struct {
	Time     time.Time `json:"time"`
	CallerID string    `json:"caller_id"`
	Mode     string    `json:"mode"`
	Source   string    `json:"source"`
	Outcome  string    `json:"outcome"`
	CacheHit bool      `json:"cache_hit"`
	Flagged  bool      `json:"flagged"`
	CostEUR  float64   `json:"cost_eur,omitempty"`
}

// DecisionSink receives every decision as it is recorded.
type DecisionSink interface {
	Write(d Decision) error
}

// Trail is a bounded in-memory ring of recent decisions with an optional
// sink. It never blocks or fails the request path.
type Trail struct {
	mu      sync.Mutex
	entries []Decision
	max     int
	sink    DecisionSink
}

// NewTrail builds a trail keeping at most max decisions. max <= 0 selects
// the default of 256.
func NewTrail(max int, sink DecisionSink) *Trail {
	if max <= 0 {
		max = 256
	}
	return &Trail{max: max, sink: sink}
}

// Record appends a decision, dropping the oldest past capacity. Safe on a
// nil trail so the governor can run without one.
func (t *Trail) Record(d Decision) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, d)
	if len(t.entries) > t.max {
		t.entries = t.entries[len(t.entries)-t.max:]
	}
	if t.sink != nil {
		// Best-effort persistence; a sink error must not touch the request.
		_ = t.sink.Write(d)
	}
}

// Recent returns up to limit decisions, oldest first. limit <= 0 or above
// capacity returns everything retained.
func (t *Trail) Recent(limit int) []Decision {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit <= 0 || limit > t.max {
		limit = t.max
	}
	start := 0
	if len(t.entries) > limit {
		start = len(t.entries) - limit
	}
	out := make([]Decision, len(t.entries)-start)
	copy(out, t.entries[start:])
	return out
}

// FileSink appends decisions as JSONL for offline review.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens (or creates) the JSONL file at path. An empty path
// yields a nil sink, which Trail treats as "no sink".
func NewFileSink(path string) (*FileSink, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, err
	}
	return &FileSink{file: f}, nil
}

func (s *FileSink) Write(d Decision) error {
	if s == nil || s.file == nil {
		return nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.file.Write(append(b, '\n'))
	return err
}
