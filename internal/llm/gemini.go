package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiProvider streams from the Gemini API through the genai SDK. The
// client is created per request because it is bound to a context.
type GeminiProvider struct {
	apiKey string
	model  string
}

func NewGeminiProvider(apiKey, model string) *GeminiProvider {
	return &GeminiProvider{apiKey: apiKey, model: model}
}

func (p *GeminiProvider) Name() string {
	return fmt.Sprintf("Gemini (%s)", p.model)
}

func (p *GeminiProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	system, turns := splitSystem(req.Messages)
	if len(turns) == 0 {
		return nil, fmt.Errorf("no messages provided")
	}
	contents := make([]*genai.Content, 0, len(turns))
	for _, m := range turns {
		role := genai.RoleUser
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{{Text: m.Content}}})
	}

	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if req.MaxOutputTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxOutputTokens)
	}
	if req.Temperature > 0 {
		t := req.Temperature
		config.Temperature = &t
	}

	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: p.apiKey, Backend: genai.BackendGeminiAPI})
		if err != nil {
			return fmt.Errorf("gemini client: %w", err)
		}

		var lastResp *genai.GenerateContentResponse
		for resp, err := range client.Models.GenerateContentStream(ctx, chooseModel(req.Model, p.model), contents, config) {
			if err != nil {
				return fmt.Errorf("gemini streaming error: %w", err)
			}
			lastResp = resp
			if text := resp.Text(); text != "" {
				if err := sendEvent(ctx, events, Event{Type: EventTextDelta, Text: text}); err != nil {
					return err
				}
			}
		}
		if lastResp != nil && lastResp.UsageMetadata != nil && lastResp.UsageMetadata.TotalTokenCount > 0 {
			usage := &Usage{
				InputTokens:  int(lastResp.UsageMetadata.PromptTokenCount),
				OutputTokens: int(lastResp.UsageMetadata.CandidatesTokenCount),
			}
			if err := sendEvent(ctx, events, Event{Type: EventUsage, Use: usage}); err != nil {
				return err
			}
		}
		return sendEvent(ctx, events, Event{Type: EventDone})
	}), nil
}
