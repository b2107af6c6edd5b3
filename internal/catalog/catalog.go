// Package catalog holds the ordered table of known failure signatures and
// their canned remediation steps.
package catalog

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"regexp"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Key names a catalog entry such as "kubernetes_pod_crashloop". It is a
// different namespace from live cluster issue identifiers.
type Key string

// Entry is one immutable catalog row.
type Entry struct {
	Key      Key
	Severity string
	Pattern  *regexp.Regexp
	Steps    []string
}

// Catalog is an ordered, read-only list of entries. Declaration order is
// the tie-break between overlapping patterns.
type Catalog struct {
	entries []Entry
}

type fileEntry struct {
	Key      string   `yaml:"key"`
	Severity string   `yaml:"severity"`
	Pattern  string   `yaml:"pattern"`
	Steps    []string `yaml:"steps"`
}

type file struct {
	Entries []fileEntry `yaml:"entries"`
}

// NewEntry compiles pattern as a case-insensitive regular expression.
func NewEntry(key Key, pattern string, steps ...string) (Entry, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to compile pattern for %s: %w", key, err)
	}
	return Entry{Key: key, Pattern: re, Steps: steps}, nil
}

// New builds a catalog from entries in the given order.
func New(entries ...Entry) *Catalog {
	c := &Catalog{entries: make([]Entry, len(entries))}
	copy(c.entries, entries)
	return c
}

// Load parses a YAML catalog document.
func Load(r io.Reader) (*Catalog, error) {
	var f file
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}

	seen := make(map[string]bool, len(f.Entries))
	entries := make([]Entry, 0, len(f.Entries))
	for i, fe := range f.Entries {
		if fe.Key == "" {
			return nil, fmt.Errorf("catalog entry %d has no key", i)
		}
		if seen[fe.Key] {
			return nil, fmt.Errorf("duplicate catalog key %q", fe.Key)
		}
		seen[fe.Key] = true

		e, err := NewEntry(Key(fe.Key), fe.Pattern, fe.Steps...)
		if err != nil {
			return nil, err
		}
		e.Severity = fe.Severity
		entries = append(entries, e)
	}
	return New(entries...), nil
}

// Default returns the embedded catalog. The embedded document is part of
// the build, so a parse failure is a programming error.
func Default() *Catalog {
	c, err := Load(bytes.NewReader(defaultCatalog))
	if err != nil {
		panic(err)
	}
	return c
}

// Match returns the first entry whose pattern occurs anywhere in text.
func (c *Catalog) Match(text string) (Entry, bool) {
	for _, e := range c.entries {
		if e.Pattern.MatchString(text) {
			return e, true
		}
	}
	return Entry{}, false
}

// Lookup finds an entry by key.
func (c *Catalog) Lookup(key Key) (Entry, bool) {
	for _, e := range c.entries {
		if e.Key == key {
			return e, true
		}
	}
	return Entry{}, false
}

// Entries returns a copy of the catalog rows in declaration order.
func (c *Catalog) Entries() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

func (c *Catalog) Len() int { return len(c.entries) }
