// Package llm connects the assistant to an optional language model server
// and answers offline when none is reachable.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"k8s-ai-assistant/internal/config"
)

// ErrUnavailable wraps every failure to reach or use a model server.
var ErrUnavailable = errors.New("llm unavailable")

// Provider is a completion backend.
type Provider interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Health(ctx context.Context) error
	Name() string
}

const (
	BackendLlamaCPP = "llamacpp"
	BackendOllama   = "ollama"
	BackendOpenAI   = "openai"
	BackendNone     = "none"
)

// stopWords end a completion before the model starts a new exchange.
var stopWords = []string{"Question:", "Context:"}

type settings struct {
	url         string
	model       string
	maxTokens   int
	temperature float64
	timeout     time.Duration
}

func settingsFrom(cfg config.LLMConfig) settings {
	s := settings{
		url:         strings.TrimSuffix(cfg.URL, "/"),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
	}
	if s.maxTokens <= 0 {
		s.maxTokens = 500
	}
	if s.timeout <= 0 {
		s.timeout = 30 * time.Second
	}
	return s
}

// NewProvider builds the configured backend. The none backend returns a nil
// provider, which leaves the assistant permanently offline.
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	s := settingsFrom(cfg)
	switch strings.ToLower(cfg.Backend) {
	case BackendLlamaCPP:
		if s.url == "" {
			s.url = "http://localhost:8080"
		}
		return newLlamaCPP(s), nil
	case BackendOllama:
		if s.url == "" {
			s.url = "http://localhost:11434"
		}
		if s.model == "" {
			s.model = "llama3"
		}
		return newOllama(s), nil
	case BackendOpenAI:
		return newOpenAI(s, cfg.APIKey), nil
	case BackendNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported llm backend: %s", cfg.Backend)
	}
}
