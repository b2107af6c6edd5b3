// Package issue defines live cluster issue records and their deterministic
// identifiers. These identifiers are unrelated to pattern catalog keys.
package issue

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Severity string

const (
	Critical Severity = "critical"
	Warning  Severity = "warning"
)

type Kind string

const (
	KindPod       Kind = "pod"
	KindContainer Kind = "container"
	KindRestarts  Kind = "restarts"
	KindNode      Kind = "node"
	KindPV        Kind = "pv"
)

// Conditions carried in identifiers.
const (
	CondFailed         = "failed"
	CondPending        = "pending"
	CondNotReady       = "not-ready"
	CondNodeNotReady   = "notready"
	CondDiskPressure   = "diskpressure"
	CondMemoryPressure = "memorypressure"
	CondPIDPressure    = "pidpressure"
)

// ClusterScope is the namespace reported for cluster-scoped resources.
const ClusterScope = "cluster"

var ErrMalformedID = errors.New("malformed issue id")

// Ref holds the resource coordinates an identifier is built from.
type Ref struct {
	Kind      Kind   `json:"kind"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`
	Container string `json:"container,omitempty"`
	Condition string `json:"condition,omitempty"`
}

// ID renders the identifier. The same coordinates always give the same ID.
func (r Ref) ID() string {
	switch r.Kind {
	case KindPod:
		return join(string(r.Kind), r.Namespace, r.Name, r.Condition)
	case KindContainer:
		return join(string(r.Kind), r.Namespace, r.Name, r.Container, CondNotReady)
	case KindRestarts:
		return join(string(r.Kind), r.Namespace, r.Name, r.Container)
	case KindNode:
		return join(string(r.Kind), r.Name, r.Condition)
	case KindPV:
		return join(string(r.Kind), r.Name, CondFailed)
	}
	return join(string(r.Kind), r.Namespace, r.Name)
}

func join(parts ...string) string { return strings.Join(parts, "-") }

// Parse recovers coordinates from an identifier. Namespaces are assumed to
// be the first segment after the kind and containers the last segment, so
// names containing dashes may split differently from the scan that built
// them; callers holding the scan result should prefer its Ref.
func Parse(id string) (Ref, error) {
	kind, rest, ok := strings.Cut(id, "-")
	if !ok || rest == "" {
		return Ref{}, fmt.Errorf("%w: %q", ErrMalformedID, id)
	}

	switch Kind(kind) {
	case KindPod:
		for _, cond := range []string{CondFailed, CondPending} {
			if body, ok := strings.CutSuffix(rest, "-"+cond); ok {
				ns, name, ok := strings.Cut(body, "-")
				if !ok || ns == "" || name == "" {
					break
				}
				return Ref{Kind: KindPod, Namespace: ns, Name: name, Condition: cond}, nil
			}
		}
	case KindContainer, KindRestarts:
		body := rest
		if Kind(kind) == KindContainer {
			var ok bool
			if body, ok = strings.CutSuffix(rest, "-"+CondNotReady); !ok {
				break
			}
		}
		ns, podAndContainer, ok := strings.Cut(body, "-")
		if !ok {
			break
		}
		i := strings.LastIndex(podAndContainer, "-")
		if i <= 0 || i == len(podAndContainer)-1 || ns == "" {
			break
		}
		return Ref{Kind: Kind(kind), Namespace: ns, Name: podAndContainer[:i], Container: podAndContainer[i+1:]}, nil
	case KindNode:
		i := strings.LastIndex(rest, "-")
		if i <= 0 {
			break
		}
		cond := rest[i+1:]
		switch cond {
		case CondNodeNotReady, CondDiskPressure, CondMemoryPressure, CondPIDPressure:
			return Ref{Kind: KindNode, Name: rest[:i], Condition: cond}, nil
		}
	case KindPV:
		if name, ok := strings.CutSuffix(rest, "-"+CondFailed); ok && name != "" {
			return Ref{Kind: KindPV, Name: name, Condition: CondFailed}, nil
		}
	}
	return Ref{}, fmt.Errorf("%w: %q", ErrMalformedID, id)
}

// Record is one issue derived by a scan. Records live for one scan cycle.
type Record struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Severity    Severity  `json:"severity"`
	Resource    string    `json:"resource"`
	Namespace   string    `json:"namespace"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
	Ref         Ref       `json:"ref"`
}

// NewRecord fills ID, Resource and Namespace from ref.
func NewRecord(ref Ref, sev Severity, title, description string, at time.Time) Record {
	ns := ref.Namespace
	if ns == "" {
		ns = ClusterScope
	}
	resource := fmt.Sprintf("%s/%s", resourceKind(ref.Kind), ref.Name)
	return Record{
		ID:          ref.ID(),
		Title:       title,
		Severity:    sev,
		Resource:    resource,
		Namespace:   ns,
		Description: description,
		Timestamp:   at,
		Ref:         ref,
	}
}

func resourceKind(k Kind) string {
	switch k {
	case KindContainer, KindRestarts:
		return string(KindPod)
	}
	return string(k)
}

// CountBySeverity tallies records.
func CountBySeverity(records []Record) map[Severity]int {
	out := map[Severity]int{Critical: 0, Warning: 0}
	for _, r := range records {
		out[r.Severity]++
	}
	return out
}
