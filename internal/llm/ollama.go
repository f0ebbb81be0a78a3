package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// OllamaProvider talks to the native Ollama chat endpoint, which streams
// newline-delimited JSON rather than SSE.
type OllamaProvider struct {
	baseURL string
	model   string
	client  *http.Client
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaProvider{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		client:  defaultHTTPClient,
	}
}

func (p *OllamaProvider) Name() string {
	return fmt.Sprintf("Ollama (%s)", p.model)
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []oaiMessage   `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  *ollamaOptions `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float32 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

func (p *OllamaProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("no messages provided")
	}
	chatReq := ollamaChatRequest{
		Model:  chooseModel(req.Model, p.model),
		Stream: true,
	}
	for _, m := range req.Messages {
		chatReq.Messages = append(chatReq.Messages, oaiMessage{Role: string(m.Role), Content: m.Content})
	}
	if req.Temperature > 0 || req.MaxOutputTokens > 0 {
		chatReq.Options = &ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxOutputTokens}
	}

	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		body, err := json.Marshal(chatReq)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("ollama API request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return newAPIError("ollama", resp)
		}
		return decodeLines(ctx, resp.Body, &ndjsonChatDecoder{provider: "ollama"}, events)
	}), nil
}
