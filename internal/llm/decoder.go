package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Frame is what a Decoder extracts from one line of an upstream response.
type Frame struct {
	Text  string
	Usage *Usage
	Done  bool
}

// Decoder understands the framing of one upstream wire format. It is fed the
// response line by line and never sees the markdown classifier.
type Decoder interface {
	Decode(line []byte) (Frame, error)
}

// httpClientTimeout is the default timeout for HTTP requests
const httpClientTimeout = 10 * time.Minute

// defaultHTTPClient is a shared HTTP client with reasonable timeouts
var defaultHTTPClient = &http.Client{
	Timeout: httpClientTimeout,
}

// APIError is a non-2xx response from an upstream API.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// newAPIError reads the body of a failed response.
func newAPIError(provider string, resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	apiErr := &APIError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}
	return apiErr
}

// decodeLines reads body line by line through dec and forwards text and usage.
func decodeLines(ctx context.Context, body io.Reader, dec Decoder, events chan<- Event) error {
	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var lastUsage *Usage
	for scanner.Scan() {
		frame, err := dec.Decode(scanner.Bytes())
		if err != nil {
			return err
		}
		if frame.Usage != nil {
			lastUsage = frame.Usage
		}
		if frame.Text != "" {
			if err := sendEvent(ctx, events, Event{Type: EventTextDelta, Text: frame.Text}); err != nil {
				return err
			}
		}
		if frame.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("streaming error: %w", err)
	}
	if lastUsage != nil {
		if err := sendEvent(ctx, events, Event{Type: EventUsage, Use: lastUsage}); err != nil {
			return err
		}
	}
	return sendEvent(ctx, events, Event{Type: EventDone})
}

// sseChatDecoder handles chat completion chunks sent as server-sent events:
// "data: {...}" lines terminated by "data: [DONE]".
type sseChatDecoder struct {
	provider  string
	lastEvent string
}

type oaiChatChunk struct {
	Choices []struct {
		Delta *struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (d *sseChatDecoder) Decode(line []byte) (Frame, error) {
	if rest, ok := bytes.CutPrefix(line, []byte("event:")); ok {
		d.lastEvent = string(bytes.TrimSpace(rest))
		return Frame{}, nil
	}
	data, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		// Blank separators and ": keep-alive" comments.
		return Frame{}, nil
	}
	data = bytes.TrimSpace(data)
	if string(data) == "[DONE]" {
		return Frame{Done: true}, nil
	}

	var chunk oaiChatChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		// Some servers interleave non-JSON diagnostics; skip them.
		return Frame{}, nil
	}
	if d.lastEvent == "error" || chunk.Error != nil {
		msg := "unknown error"
		if chunk.Error != nil {
			msg = chunk.Error.Message
		}
		return Frame{}, fmt.Errorf("%s API error: %s", d.provider, msg)
	}
	d.lastEvent = ""

	var frame Frame
	if chunk.Usage != nil {
		frame.Usage = &Usage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
		}
	}
	for _, choice := range chunk.Choices {
		if choice.Delta != nil {
			frame.Text += choice.Delta.Content
		}
	}
	return frame, nil
}

// ndjsonChatDecoder handles one JSON object per line, as streamed by the
// Ollama /api/chat endpoint.
type ndjsonChatDecoder struct {
	provider string
}

type ollamaChatChunk struct {
	Message *struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

func (d *ndjsonChatDecoder) Decode(line []byte) (Frame, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Frame{}, nil
	}
	var chunk ollamaChatChunk
	if err := json.Unmarshal(line, &chunk); err != nil {
		return Frame{}, fmt.Errorf("%s: malformed stream line: %w", d.provider, err)
	}
	if chunk.Error != "" {
		return Frame{}, fmt.Errorf("%s API error: %s", d.provider, chunk.Error)
	}
	var frame Frame
	if chunk.Message != nil {
		frame.Text = chunk.Message.Content
	}
	if chunk.Done {
		frame.Done = true
		if chunk.PromptEvalCount > 0 || chunk.EvalCount > 0 {
			frame.Usage = &Usage{InputTokens: chunk.PromptEvalCount, OutputTokens: chunk.EvalCount}
		}
	}
	return frame, nil
}
