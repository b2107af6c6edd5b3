// Package history tracks the most recent fingerprints observed per catalog
// key and derives a repeat-detection confidence from them.
package history

import (
	"math"
	"sort"
	"sync"
	"time"

	"k8s-ai-assistant/internal/catalog"
	"k8s-ai-assistant/internal/fingerprint"
)

// Capacity is the number of fingerprints retained per key.
const Capacity = 3

const (
	RecurringNote    = "Recurring pattern detected based on recent history"
	InsufficientNote = "Insufficient history for root cause prediction"
)

// Stat summarizes observations of one key.
type Stat struct {
	Key          catalog.Key `json:"key"`
	Buffered     int         `json:"buffered"`
	Observations int         `json:"observations"`
	LastSeen     time.Time   `json:"last_seen"`
}

type buffer struct {
	prints       []fingerprint.Fingerprint
	observations int
	lastSeen     time.Time
}

// History is safe for concurrent use. A single lock guards every buffer;
// contention is limited to classifier calls and scheduler ticks.
type History struct {
	mu      sync.Mutex
	buffers map[catalog.Key]*buffer
	now     func() time.Time
}

func New() *History {
	return &History{
		buffers: make(map[catalog.Key]*buffer),
		now:     time.Now,
	}
}

// Record appends the fingerprint of text to key's buffer, evicting the
// oldest entry once Capacity is reached.
func (h *History) Record(key catalog.Key, text string) {
	f := fingerprint.Of(text)

	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.buffers[key]
	if !ok {
		b = &buffer{prints: make([]fingerprint.Fingerprint, 0, Capacity)}
		h.buffers[key] = b
	}
	if len(b.prints) == Capacity {
		copy(b.prints, b.prints[1:])
		b.prints = b.prints[:Capacity-1]
	}
	b.prints = append(b.prints, f)
	b.observations++
	b.lastSeen = h.now()
}

// Confidence reports how many buffered fingerprints for key equal the
// fingerprint of text, divided by Capacity and rounded to two decimals.
//
// This is a repeat-detection signal ("have we seen exactly this text for
// this key recently"), not the probability that a classification is right.
func (h *History) Confidence(key catalog.Key, text string) float64 {
	f := fingerprint.Of(text)

	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.buffers[key]
	if !ok {
		return 0
	}
	matches := 0
	for _, p := range b.prints {
		if p == f {
			matches++
		}
	}
	return round2(float64(matches) / Capacity)
}

// PredictRootCause is a placeholder signal: it only says whether key has
// any history at all.
func (h *History) PredictRootCause(key catalog.Key) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if b, ok := h.buffers[key]; ok && len(b.prints) > 0 {
		return RecurringNote
	}
	return InsufficientNote
}

// buffered returns a copy of key's fingerprints, oldest first.
func (h *History) buffered(key catalog.Key) []fingerprint.Fingerprint {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.buffers[key]
	if !ok {
		return nil
	}
	out := make([]fingerprint.Fingerprint, len(b.prints))
	copy(out, b.prints)
	return out
}

// Stats lists every key seen so far, ordered by key.
func (h *History) Stats() []Stat {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Stat, 0, len(h.buffers))
	for k, b := range h.buffers {
		out = append(out, Stat{Key: k, Buffered: len(b.prints), Observations: b.observations, LastSeen: b.lastSeen})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
