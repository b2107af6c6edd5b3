package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// openAICompat drives any server speaking the OpenAI completions API,
// including llama.cpp's /v1 endpoints.
type openAICompat struct {
	settings
	client *openai.Client
}

func newOpenAI(s settings, apiKey string) *openAICompat {
	cfg := openai.DefaultConfig(apiKey)
	if s.url != "" {
		base := s.url
		if !strings.HasSuffix(base, "/v1") {
			base += "/v1"
		}
		cfg.BaseURL = base
	}
	cfg.HTTPClient = &http.Client{Timeout: s.timeout}
	if s.model == "" {
		s.model = "gpt-3.5-turbo-instruct"
	}
	return &openAICompat{settings: s, client: openai.NewClientWithConfig(cfg)}
}

func (p *openAICompat) Name() string { return BackendOpenAI }

func (p *openAICompat) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := p.client.CreateCompletion(ctx, openai.CompletionRequest{
		Model:       p.model,
		Prompt:      prompt,
		MaxTokens:   p.maxTokens,
		Temperature: float32(p.temperature),
		Stop:        stopWords,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no completion choices returned", ErrUnavailable)
	}
	return resp.Choices[0].Text, nil
}

func (p *openAICompat) Health(ctx context.Context) error {
	if _, err := p.client.ListModels(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
