package actions

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AuditCapacity bounds the in-memory remediation history.
const AuditCapacity = 1000

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Entry is one remediation attempt.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Target    string    `json:"target"`
	Action    string    `json:"action"`
	Result    Result    `json:"result"`
	Status    string    `json:"status"`
}

// AuditLog is a fixed-capacity ring of entries; the oldest entry is dropped
// silently once it is full. Every entry is also written to sink.
type AuditLog struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
	sink    *zap.Logger
}

func NewAuditLog(capacity int, sink *zap.Logger) *AuditLog {
	if capacity <= 0 {
		capacity = AuditCapacity
	}
	if sink == nil {
		sink = zap.NewNop()
	}
	return &AuditLog{entries: make([]Entry, capacity), sink: sink}
}

// Append stamps e with an ID, a timestamp and the status derived from its
// result, stores it and returns the stored copy.
func (a *AuditLog) Append(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Status = StatusFailed
	if e.Result.Success {
		e.Status = StatusSuccess
	}

	a.mu.Lock()
	a.entries[a.next] = e
	a.next = (a.next + 1) % len(a.entries)
	if a.next == 0 {
		a.full = true
	}
	a.mu.Unlock()

	a.sink.Info("remediation",
		zap.String("id", e.ID),
		zap.String("type", e.Type),
		zap.String("target", e.Target),
		zap.String("action", e.Action),
		zap.String("status", e.Status),
		zap.String("message", e.Result.Message),
		zap.Int("count", e.Result.Count),
	)
	return e
}

func (a *AuditLog) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lenLocked()
}

func (a *AuditLog) lenLocked() int {
	if a.full {
		return len(a.entries)
	}
	return a.next
}

// History returns up to limit of the newest entries, oldest first. A
// non-positive limit returns everything.
func (a *AuditLog) History(limit int) []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := a.lenLocked()
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, 0, limit)
	start := a.next - limit
	if start < 0 {
		start += len(a.entries)
	}
	for i := 0; i < limit; i++ {
		out = append(out, a.entries[(start+i)%len(a.entries)])
	}
	return out
}

// Latest returns the newest entry.
func (a *AuditLog) Latest() (Entry, bool) {
	h := a.History(1)
	if len(h) == 0 {
		return Entry{}, false
	}
	return h[0], true
}

// Summary counts retained entries by status.
func (a *AuditLog) Summary() map[string]int {
	out := map[string]int{StatusSuccess: 0, StatusFailed: 0}
	for _, e := range a.History(0) {
		out[e.Status]++
	}
	return out
}
