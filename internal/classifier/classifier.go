// Package classifier matches free text against the pattern catalog and
// reports repeat-detection confidence from the issue history.
package classifier

import (
	"k8s-ai-assistant/internal/catalog"
	"k8s-ai-assistant/internal/history"
)

// Result is produced fresh for every call. The zero value means no match.
type Result struct {
	Key        catalog.Key `json:"issue_type,omitempty"`
	Matched    bool        `json:"matched"`
	Severity   string      `json:"severity,omitempty"`
	Confidence float64     `json:"confidence"`
	Steps      []string    `json:"remediation_steps"`
	RootCause  string      `json:"root_cause,omitempty"`
}

// MeetsThreshold compares confidence with a percentage threshold (0-100).
func (r Result) MeetsThreshold(percent int) bool {
	return r.Matched && r.Confidence*100 >= float64(percent)
}

// Observer is notified of every classification, matched or not.
type Observer interface {
	Classified(key catalog.Key, matched bool)
}

type Classifier struct {
	catalog  *catalog.Catalog
	history  *history.History
	observer Observer
}

// New wires a classifier. A nil history gets a fresh one.
func New(c *catalog.Catalog, h *history.History) *Classifier {
	if h == nil {
		h = history.New()
	}
	return &Classifier{catalog: c, history: h}
}

// WithObserver attaches o and returns the classifier.
func (c *Classifier) WithObserver(o Observer) *Classifier {
	c.observer = o
	return c
}

func (c *Classifier) History() *history.History { return c.history }

// Classify matches text without touching history.
func (c *Classifier) Classify(text string) Result {
	e, ok := c.catalog.Match(text)
	c.notify(e.Key, ok)
	if !ok {
		return Result{Steps: []string{}}
	}
	return c.result(e, text)
}

// Observe records text as a real sighting of key. Keys outside the
// catalog are ignored and reported as false.
func (c *Classifier) Observe(key catalog.Key, text string) bool {
	if _, ok := c.catalog.Lookup(key); !ok {
		return false
	}
	c.history.Record(key, text)
	return true
}

// ClassifyAndRecord classifies text and records every match into history.
// Confidence is computed before the new observation is recorded, and the
// root-cause note after it.
func (c *Classifier) ClassifyAndRecord(text string) Result {
	e, ok := c.catalog.Match(text)
	c.notify(e.Key, ok)
	if !ok {
		return Result{Steps: []string{}}
	}
	confidence := c.history.Confidence(e.Key, text)
	c.history.Record(e.Key, text)
	r := c.result(e, text)
	r.Confidence = confidence
	return r
}

func (c *Classifier) result(e catalog.Entry, text string) Result {
	steps := make([]string, len(e.Steps))
	copy(steps, e.Steps)
	return Result{
		Key:        e.Key,
		Matched:    true,
		Severity:   e.Severity,
		Confidence: c.history.Confidence(e.Key, text),
		Steps:      steps,
		RootCause:  c.history.PredictRootCause(e.Key),
	}
}

func (c *Classifier) notify(key catalog.Key, matched bool) {
	if c.observer != nil {
		c.observer.Classified(key, matched)
	}
}
