package routing

import (
	"sync"
	"time"
)

// TraceRecord is one routing decision as seen by the trace sink.
type TraceRecord struct {
	Time            time.Time `json:"time"`
	RequestedModel  string    `json:"requested_model"`
	LogicalModelID  string    `json:"logical_model_id"`
	Provider        string    `json:"provider,omitempty"`
	ProviderModelID string    `json:"provider_model_id,omitempty"`
	Strategy        string    `json:"strategy"`
	Reason          string    `json:"reason"`
	UserID          string    `json:"user_id,omitempty"`
	Success         bool      `json:"success"`
	Error           string    `json:"error,omitempty"`
}

// TraceSink receives one record per routing decision.
type TraceSink interface {
	Record(rec TraceRecord)
}

// RingTrace keeps the last N decisions in memory for the debug endpoint.
type RingTrace struct {
	mu   sync.Mutex
	recs []TraceRecord
	next int
	full bool
}

// NewRingTrace returns a trace sink holding up to size records.
func NewRingTrace(size int) *RingTrace {
	if size <= 0 {
		size = 256
	}
	return &RingTrace{recs: make([]TraceRecord, size)}
}

func (t *RingTrace) Record(rec TraceRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recs[t.next] = rec
	t.next = (t.next + 1) % len(t.recs)
	if t.next == 0 {
		t.full = true
	}
}

// Recent returns the stored decisions, oldest first.
func (t *RingTrace) Recent() []TraceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		out := make([]TraceRecord, t.next)
		copy(out, t.recs[:t.next])
		return out
	}
	out := make([]TraceRecord, 0, len(t.recs))
	out = append(out, t.recs[t.next:]...)
	out = append(out, t.recs[:t.next]...)
	return out
}

type nopTrace struct{}

func (nopTrace) Record(TraceRecord) {}

// NopTrace discards all records.
func NopTrace() TraceSink { return nopTrace{} }
