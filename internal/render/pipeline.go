package render

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/yuin/goldmark"

	"github.com/samsaffron/mdstream/internal/langs"
	"github.com/samsaffron/mdstream/internal/metrics"
)

// Result is the outcome of one render. Exactly one of HTML and Error is
// meaningful, selected by Success.
type Result struct {
	Success bool   `json:"success"`
	HTML    string `json:"html,omitempty"`
	Error   string `json:"error,omitempty"`
	// Highlighted is the number of code blocks that received highlighting.
	Highlighted int `json:"highlighted,omitempty"`
}

// Pipeline renders markdown to HTML and highlights code blocks when its
// highlighter is ready. It is safe for concurrent use.
type Pipeline struct {
	md          goldmark.Markdown
	highlighter *Highlighter
	cache       *highlightCache
	log         zerolog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*pipelineConfig)

type pipelineConfig struct {
	reg       *langs.Registry
	cacheSize int
	log       zerolog.Logger
}

// WithRegistry resolves fence languages against reg instead of the
// embedded table.
func WithRegistry(reg *langs.Registry) PipelineOption {
	return func(c *pipelineConfig) { c.reg = reg }
}

// WithCacheSize bounds the number of highlighted blocks kept.
func WithCacheSize(n int) PipelineOption {
	return func(c *pipelineConfig) { c.cacheSize = n }
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) PipelineOption {
	return func(c *pipelineConfig) { c.log = log }
}

// NewPipeline returns a pipeline. A nil highlighter renders every block
// with the plain fallback.
func NewPipeline(hl *Highlighter, opts ...PipelineOption) *Pipeline {
	cfg := pipelineConfig{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.reg == nil {
		cfg.reg = langs.Default()
	}
	return &Pipeline{
		md:          newMarkdown(cfg.reg),
		highlighter: hl,
		cache:       newHighlightCache(cfg.cacheSize),
		log:         cfg.log.With().Str("component", "render").Logger(),
	}
}

// Highlighter returns the highlighter the pipeline consults, possibly nil.
func (p *Pipeline) Highlighter() *Highlighter { return p.highlighter }

// Render converts markdown to HTML. It does not wait for the highlighter;
// if the highlighter is not ready the placeholders keep their plain
// rendering. Failures, including panics in the parser, are reported in
// the result rather than returned.
func (p *Pipeline) Render(markdown string, dark bool) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Int("bytes", len(markdown)).Msg("render panicked")
			res = Result{Error: fmt.Sprint(r)}
		}
		metrics.RenderDuration.WithLabelValues(strconv.FormatBool(res.Highlighted > 0)).
			Observe(time.Since(start).Seconds())
	}()

	var buf bytes.Buffer
	if err := p.md.Convert([]byte(markdown), &buf); err != nil {
		return Result{Error: err.Error()}
	}
	out, n := p.Augment(buf.String(), dark)
	return Result{Success: true, HTML: out, Highlighted: n}
}

// Augment highlights the placeholders in previously rendered HTML. It
// returns html unchanged while the highlighter is not ready.
func (p *Pipeline) Augment(html string, dark bool) (string, int) {
	if p.highlighter == nil {
		return html, 0
	}
	engine, ok := p.highlighter.Engine()
	if !ok {
		return html, 0
	}
	return augment(html, func(lang, code string) (string, bool) {
		key := cacheKey{lang: lang, dark: dark, code: code}
		if cached, ok := p.cache.Get(key); ok {
			return cached, true
		}
		markup, err := engine.Highlight(code, lang, dark)
		if err != nil {
			p.log.Debug().Err(err).Str("lang", lang).Msg("highlight failed, keeping plain block")
			return "", false
		}
		p.cache.Put(key, markup)
		return markup, true
	})
}

// Reset disposes the highlighter and drops cached blocks.
func (p *Pipeline) Reset() {
	if p.highlighter != nil {
		p.highlighter.Dispose()
	}
	p.cache.Clear()
}
