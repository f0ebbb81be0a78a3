package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// OpenAICompatProvider implements Provider for servers that speak the chat
// completions protocol with SSE streaming (vLLM, LM Studio, llama.cpp...).
type OpenAICompatProvider struct {
	baseURL string
	apiKey  string // Optional, most servers ignore it
	model   string
	name    string
	client  *http.Client
}

func NewOpenAICompatProvider(baseURL, apiKey, model, name string) *OpenAICompatProvider {
	if name == "" {
		name = "openai-compat"
	}
	return &OpenAICompatProvider{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		name:    name,
		client:  defaultHTTPClient,
	}
}

func (p *OpenAICompatProvider) Name() string {
	return fmt.Sprintf("%s (%s)", p.name, p.model)
}

type oaiChatRequest struct {
	Model         string            `json:"model"`
	Messages      []oaiMessage      `json:"messages"`
	Temperature   *float64          `json:"temperature,omitempty"`
	MaxTokens     *int              `json:"max_tokens,omitempty"`
	Stream        bool              `json:"stream"`
	StreamOptions *oaiStreamOptions `json:"stream_options,omitempty"`
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

func (p *OpenAICompatProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("no messages provided")
	}
	chatReq := oaiChatRequest{
		Model:         chooseModel(req.Model, p.model),
		Messages:      make([]oaiMessage, 0, len(req.Messages)),
		Stream:        true,
		StreamOptions: &oaiStreamOptions{IncludeUsage: true},
	}
	for _, m := range req.Messages {
		chatReq.Messages = append(chatReq.Messages, oaiMessage{Role: string(m.Role), Content: m.Content})
	}
	if req.Temperature > 0 {
		v := float64(req.Temperature)
		chatReq.Temperature = &v
	}
	if req.MaxOutputTokens > 0 {
		v := req.MaxOutputTokens
		chatReq.MaxTokens = &v
	}

	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		body, err := json.Marshal(chatReq)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		if p.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
		}

		resp, err := p.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("%s API request failed: %w", p.name, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return newAPIError(p.name, resp)
		}
		return decodeLines(ctx, resp.Body, &sseChatDecoder{provider: p.name}, events)
	}), nil
}
