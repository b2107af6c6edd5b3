package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// llamaCPP talks to the llama.cpp server's native API.
type llamaCPP struct {
	settings
	client *http.Client
}

type completionRequest struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature float64  `json:"temperature"`
	Stop        []string `json:"stop"`
}

type completionResponse struct {
	Content string `json:"content"`
}

func newLlamaCPP(s settings) *llamaCPP {
	return &llamaCPP{settings: s, client: &http.Client{Timeout: s.timeout}}
}

func (p *llamaCPP) Name() string { return BackendLlamaCPP }

func (p *llamaCPP) Complete(ctx context.Context, prompt string) (string, error) {
	var out completionResponse
	err := postJSON(ctx, p.client, p.url+"/completion", completionRequest{
		Prompt:      prompt,
		NPredict:    p.maxTokens,
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
		Stop:        stopWords,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Content, nil
}

func (p *llamaCPP) Health(ctx context.Context) error {
	return getOK(ctx, p.client, p.url+"/health")
}

// ollama talks to an Ollama server.
type ollama struct {
	settings
	client *http.Client
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func newOllama(s settings) *ollama {
	return &ollama{settings: s, client: &http.Client{Timeout: s.timeout}}
}

func (p *ollama) Name() string { return BackendOllama }

func (p *ollama) Complete(ctx context.Context, prompt string) (string, error) {
	var out generateResponse
	err := postJSON(ctx, p.client, p.url+"/api/generate", generateRequest{
		Model:  p.model,
		Prompt: prompt,
		Options: map[string]any{
			"temperature": p.temperature,
			"num_predict": p.maxTokens,
			"stop":        stopWords,
		},
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Response, nil
}

func (p *ollama) Health(ctx context.Context) error {
	return getOK(ctx, p.client, p.url+"/api/tags")
}

func postJSON(ctx context.Context, client *http.Client, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func getOK(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}
