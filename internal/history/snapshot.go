package history

import (
	"time"

	"k8s-ai-assistant/internal/catalog"
	"k8s-ai-assistant/internal/fingerprint"
)

// Snapshot is the serializable form of a History.
type Snapshot struct {
	Keys map[catalog.Key]SnapshotEntry `json:"keys"`
}

type SnapshotEntry struct {
	Fingerprints []fingerprint.Fingerprint `json:"fingerprints"`
	Observations int                       `json:"observations"`
	LastSeen     time.Time                 `json:"last_seen"`
}

// Export copies the current buffers.
func (h *History) Export() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := Snapshot{Keys: make(map[catalog.Key]SnapshotEntry, len(h.buffers))}
	for k, b := range h.buffers {
		prints := make([]fingerprint.Fingerprint, len(b.prints))
		copy(prints, b.prints)
		s.Keys[k] = SnapshotEntry{Fingerprints: prints, Observations: b.observations, LastSeen: b.lastSeen}
	}
	return s
}

// Import replaces the buffers with s. Entries longer than Capacity keep
// only their newest fingerprints.
func (h *History) Import(s Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buffers = make(map[catalog.Key]*buffer, len(s.Keys))
	for k, e := range s.Keys {
		prints := e.Fingerprints
		if len(prints) > Capacity {
			prints = prints[len(prints)-Capacity:]
		}
		b := &buffer{
			prints:       make([]fingerprint.Fingerprint, len(prints), Capacity),
			observations: e.Observations,
			lastSeen:     e.LastSeen,
		}
		copy(b.prints, prints)
		h.buffers[k] = b
	}
}
