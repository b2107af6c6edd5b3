package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"k8s-ai-assistant/internal/classifier"
	"k8s-ai-assistant/internal/metrics"
)

const (
	SourceLLM     = "llm"
	SourceOffline = "offline"

	defaultHealthTimeout = 2 * time.Second
	// recheckAfter is how long an offline verdict is trusted before the
	// server is probed again.
	recheckAfter = time.Minute

	offlineNote = "**Note:** Operating in offline mode - LLM service unavailable.\n" +
		"For complex issues, consider checking official Kubernetes documentation."
)

type Answer struct {
	Text           string             `json:"answer"`
	Source         string             `json:"source"`
	Classification *classifier.Result `json:"classification,omitempty"`
}

type AssistantOption func(*Assistant)

func WithHealthTimeout(d time.Duration) AssistantOption {
	return func(a *Assistant) {
		if d > 0 {
			a.healthTimeout = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) AssistantOption { return func(a *Assistant) { a.metrics = m } }

func WithClock(now func() time.Time) AssistantOption { return func(a *Assistant) { a.now = now } }

// Assistant answers questions through the provider when it is reachable
// and through the offline responder otherwise.
type Assistant struct {
	provider      Provider
	classifier    *classifier.Classifier
	logger        *zap.Logger
	metrics       *metrics.Metrics
	healthTimeout time.Duration
	now           func() time.Time

	mu        sync.Mutex
	checked   time.Time
	available bool
}

// NewAssistant accepts a nil provider, in which case every answer is
// produced offline. The classifier may also be nil.
func NewAssistant(p Provider, c *classifier.Classifier, logger *zap.Logger, opts ...AssistantOption) *Assistant {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Assistant{
		provider:      p,
		classifier:    c,
		logger:        logger.Named("llm"),
		healthTimeout: defaultHealthTimeout,
		now:           time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Assistant) Backend() string {
	if a.provider == nil {
		return BackendNone
	}
	return a.provider.Name()
}

// CheckHealth probes the provider and caches the verdict.
func (a *Assistant) CheckHealth(ctx context.Context) bool {
	if a.provider == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, a.healthTimeout)
	defer cancel()
	err := a.provider.Health(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.checked = a.now()
	a.available = err == nil
	if err != nil {
		a.logger.Warn("llm server not available, answering offline", zap.String("backend", a.provider.Name()), zap.Error(err))
	}
	return a.available
}

// Available reports the cached verdict without probing.
func (a *Assistant) Available() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.provider != nil && a.available
}

func (a *Assistant) usable(ctx context.Context) bool {
	if a.provider == nil {
		return false
	}
	a.mu.Lock()
	stale := a.checked.IsZero() || (!a.available && a.now().Sub(a.checked) >= recheckAfter)
	available := a.available
	a.mu.Unlock()
	if stale {
		return a.CheckHealth(ctx)
	}
	return available
}

func (a *Assistant) markOffline() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.available = false
	a.checked = a.now()
}

// Ask answers a free form question.
func (a *Assistant) Ask(ctx context.Context, question string) Answer {
	var match *classifier.Result
	if a.classifier != nil {
		if r := a.classifier.Classify(question); r.Matched {
			match = &r
		}
	}

	if a.usable(ctx) {
		text, err := a.provider.Complete(ctx, buildPrompt(question, match))
		if err == nil {
			a.metrics.LLMRequest(a.provider.Name(), "ok")
			return Answer{Text: withActionHint(strings.TrimSpace(text), question), Source: SourceLLM, Classification: match}
		}
		a.metrics.LLMRequest(a.provider.Name(), "error")
		a.logger.Warn("llm request failed, switching to offline mode", zap.Error(err))
		a.markOffline()
	}

	a.metrics.LLMRequest(a.Backend(), SourceOffline)
	return Answer{Text: offlineAnswer(question, match), Source: SourceOffline, Classification: match}
}

// Investigate asks for a root cause analysis of one issue.
func (a *Assistant) Investigate(ctx context.Context, issueID string) Answer {
	return a.Ask(ctx, InvestigationPrompt(issueID))
}

func InvestigationPrompt(issueID string) string {
	return fmt.Sprintf(`Investigate issue ID: %s

Please provide:
1. Possible root causes
2. Diagnostic steps to take
3. Recommended remediation actions
4. Prevention strategies`, issueID)
}

func buildPrompt(question string, match *classifier.Result) string {
	var b strings.Builder
	b.WriteString("You are a Kubernetes expert assistant. Answer the following question based on the provided context.\n")
	b.WriteString("Be concise, practical, and provide actionable advice.\n")
	b.WriteString("If the question requests an action, provide specific kubectl commands or steps.\n\n")
	b.WriteString("Context:\n")
	if match != nil {
		fmt.Fprintf(&b, "Known issue pattern: %s (severity %s)\n", match.Key, match.Severity)
		for i, s := range match.Steps {
			fmt.Fprintf(&b, "%d. %s\n", i+1, s)
		}
	} else {
		b.WriteString("No known issue pattern matched.\n")
	}
	fmt.Fprintf(&b, "\nQuestion: %s\n\nAnswer:\n", question)
	return b.String()
}

func withActionHint(answer, question string) string {
	q := strings.ToLower(question)
	for _, w := range []string{"how to", "how do i", "can i", "should i"} {
		if strings.Contains(q, w) {
			return answer + "\n\n**Quick Actions Available:**\nUse the remediation commands of this assistant for guided actions."
		}
	}
	return answer
}
