package llm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"
	"unicode/utf8"
)

// debugPreset defines streaming rate configuration.
type debugPreset struct {
	ChunkSize int
	Delay     time.Duration
}

// presets maps variant names to their streaming configurations.
var presets = map[string]debugPreset{
	"fast":     {ChunkSize: 50, Delay: 5 * time.Millisecond},
	"normal":   {ChunkSize: 20, Delay: 20 * time.Millisecond},
	"slow":     {ChunkSize: 10, Delay: 50 * time.Millisecond},
	"realtime": {ChunkSize: 5, Delay: 30 * time.Millisecond},
	"burst":    {ChunkSize: 200, Delay: 100 * time.Millisecond},
	"instant":  {ChunkSize: 3, Delay: 0},
}

// ErrDebugInjected is returned by a debug stream configured to fail.
var ErrDebugInjected = errors.New("debug: injected upstream failure")

// debugMarkdown exercises every construct the stream classifier tracks.
const debugMarkdown = `# Debug Provider Output

This is a **debug stream** for testing incremental rendering. It mixes *emphasis*, ` + "`inline code`" + `, ~~strikethrough~~ and a [link](https://example.com) so that every construct arrives in pieces.

## Code Blocks

Here's some Go code:

` + "```go:main.go" + `
package main

import "fmt"

func main() {
	for i := 0; i < 3; i++ {
		fmt.Printf("chunk %d\n", i)
	}
}
` + "```" + `

And some Python:

` + "```python" + `
async def stream_data():
    for i in range(3):
        yield f"chunk_{i}"
` + "```" + `

## Tables

| Feature | Status | Notes |
|---------|--------|-------|
| Streaming | ✅ Done | Works well |
| Highlighting | ✅ Done | Cached per block |

## Lists

1. **Step one**: initialize with ` + "`init()`" + `
2. **Step two**: configure the settings
   - Set ` + "`timeout=30`" + `
3. **Step three**: run the loop

> **Summary:** headers, code blocks, lists, tables, blockquotes and inline formatting.
`

// DebugProvider streams canned markdown in fixed-size chunks. It needs no
// network and is used for demos and tests.
type DebugProvider struct {
	variant   string
	preset    debugPreset
	text      string
	failAfter int
}

// DebugOption customizes a DebugProvider.
type DebugOption func(*DebugProvider)

// WithDebugText replaces the canned markdown.
func WithDebugText(text string) DebugOption {
	return func(d *DebugProvider) { d.text = text }
}

// WithDebugFailure makes the stream fail with ErrDebugInjected after n
// chunks have been sent.
func WithDebugFailure(n int) DebugOption {
	return func(d *DebugProvider) { d.failAfter = n }
}

// NewDebugProvider creates a debug provider with the specified variant.
// Valid variants: fast, normal, slow, realtime, burst, instant.
// Empty string defaults to "normal".
func NewDebugProvider(variant string, opts ...DebugOption) *DebugProvider {
	if variant == "" {
		variant = "normal"
	}
	preset, ok := presets[variant]
	if !ok {
		preset = presets["normal"]
	}
	d := &DebugProvider{
		variant:   variant,
		preset:    preset,
		text:      debugMarkdown,
		failAfter: -1,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewDebugProviderFromFile replays the markdown stored at path.
func NewDebugProviderFromFile(variant, path string, opts ...DebugOption) (*DebugProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read debug markdown: %w", err)
	}
	return NewDebugProvider(variant, append([]DebugOption{WithDebugText(string(data))}, opts...)...), nil
}

// Name returns the provider name with variant.
func (d *DebugProvider) Name() string {
	if d.variant == "" || d.variant == "normal" {
		return "debug"
	}
	return "debug:" + d.variant
}

func (d *DebugProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	return newEventStream(ctx, func(ctx context.Context, ch chan<- Event) error {
		if err := d.streamMarkdown(ctx, ch); err != nil {
			return err
		}
		return sendEvent(ctx, ch, Event{Type: EventDone})
	}), nil
}

func (d *DebugProvider) streamMarkdown(ctx context.Context, ch chan<- Event) error {
	text := d.text
	sent := 0
	for len(text) > 0 {
		if d.failAfter >= 0 && sent >= d.failAfter {
			return ErrDebugInjected
		}
		end := runeBoundary(text, d.preset.ChunkSize)
		chunk := text[:end]
		text = text[end:]

		if err := sendEvent(ctx, ch, Event{Type: EventTextDelta, Text: chunk}); err != nil {
			return err
		}
		sent++

		if d.preset.Delay > 0 && len(text) > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.preset.Delay):
			}
		}
	}
	if d.failAfter >= 0 && sent >= d.failAfter {
		return ErrDebugInjected
	}

	return sendEvent(ctx, ch, Event{Type: EventUsage, Use: &Usage{
		InputTokens:  10,
		OutputTokens: len(d.text) / 4, // Approximate tokens
	}})
}

// runeBoundary returns the largest cut at or below n bytes that does not
// split a UTF-8 sequence, but always at least one rune.
func runeBoundary(s string, n int) int {
	if n >= len(s) {
		return len(s)
	}
	if n < 1 {
		n = 1
	}
	end := n
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	if end == 0 {
		_, size := utf8.DecodeRuneInString(s)
		return size
	}
	return end
}

// DebugVariants returns the variant names in sorted order.
func DebugVariants() []string {
	return slices.Sorted(maps.Keys(presets))
}

// DebugMarkdown returns the built-in canned document.
func DebugMarkdown() string {
	return debugMarkdown
}
