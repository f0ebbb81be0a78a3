package render

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/rs/zerolog"

	"github.com/samsaffron/mdstream/internal/langs"
	"github.com/samsaffron/mdstream/internal/metrics"
)

// HighlighterState is the lifecycle of a Highlighter.
type HighlighterState int32

const (
	Uninitialized HighlighterState = iota
	Initializing
	Ready
	Failed
)

func (s HighlighterState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("HighlighterState(%d)", int32(s))
	}
}

// Engine highlights code with a fixed set of lexers and two styles.
type Engine struct {
	lexers    map[string]chroma.Lexer
	light     *chroma.Style
	dark      *chroma.Style
	formatter *chromahtml.Formatter
}

// Highlight returns code as HTML. lang is a registry id or alias; unknown
// languages use the plain text lexer.
func (e *Engine) Highlight(code, lang string, dark bool) (string, error) {
	lexer, ok := e.lexers[strings.ToLower(lang)]
	if !ok {
		lexer = lexers.Fallback
	}
	style := e.light
	if dark {
		style = e.dark
	}

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return "", fmt.Errorf("tokenise %s: %w", lang, err)
	}
	var buf strings.Builder
	if err := e.formatter.Format(&buf, style, iterator); err != nil {
		return "", fmt.Errorf("format %s: %w", lang, err)
	}
	return buf.String(), nil
}

// Loader builds an Engine. It may be slow.
type Loader func(ctx context.Context) (*Engine, error)

// ChromaLoader returns a Loader that resolves a chroma lexer for every
// registry language and forces it to compile by tokenising a sample.
func ChromaLoader(reg *langs.Registry, lightStyle, darkStyle string) Loader {
	if reg == nil {
		reg = langs.Default()
	}
	return func(ctx context.Context) (*Engine, error) {
		light, err := lookupStyle(lightStyle)
		if err != nil {
			return nil, err
		}
		dark, err := lookupStyle(darkStyle)
		if err != nil {
			return nil, err
		}

		e := &Engine{
			lexers:    make(map[string]chroma.Lexer),
			light:     light,
			dark:      dark,
			formatter: chromahtml.New(chromahtml.WithClasses(false), chromahtml.TabWidth(4)),
		}
		for _, lang := range reg.Languages() {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			lexer := resolveLexer(lang)
			if lexer == nil {
				continue
			}
			lexer = chroma.Coalesce(lexer)
			if _, err := lexer.Tokenise(nil, "x\n"); err != nil {
				return nil, fmt.Errorf("compile lexer %s: %w", lang.ID, err)
			}
			e.lexers[lang.ID] = lexer
			for _, alias := range lang.Aliases {
				e.lexers[strings.ToLower(alias)] = lexer
			}
		}
		return e, nil
	}
}

func resolveLexer(lang langs.Language) chroma.Lexer {
	if l := lexers.Get(lang.ID); l != nil {
		return l
	}
	for _, alias := range lang.Aliases {
		if l := lexers.Get(alias); l != nil {
			return l
		}
	}
	return lexers.Match("file." + lang.Extension)
}

func lookupStyle(name string) (*chroma.Style, error) {
	style, ok := styles.Registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown highlight style %q", name)
	}
	return style, nil
}

// ErrDisposed is returned by Wait when the highlighter is disposed while
// loading.
var ErrDisposed = errors.New("render: highlighter disposed")

// Highlighter loads an Engine at most once. Concurrent callers share the
// same load, and the outcome is kept until Dispose.
type Highlighter struct {
	load Loader
	log  zerolog.Logger

	mu     sync.Mutex
	state  HighlighterState
	done   chan struct{}
	cancel context.CancelFunc
	engine *Engine
	err    error
}

// NewHighlighter returns an uninitialized highlighter.
func NewHighlighter(load Loader, log zerolog.Logger) *Highlighter {
	return &Highlighter{
		load: load,
		log:  log.With().Str("component", "highlighter").Logger(),
	}
}

// start begins loading unless a load is running or finished, and returns
// the channel closed when it ends.
func (h *Highlighter) start() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != Uninitialized {
		return h.done
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	h.state = Initializing
	h.done = done
	h.cancel = cancel
	metrics.HighlighterState.Set(float64(Initializing))

	go h.run(ctx, done)
	return done
}

func (h *Highlighter) run(ctx context.Context, done chan struct{}) {
	began := time.Now()
	engine, err := h.load(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()
	defer close(done)

	// Dispose replaced this load.
	if h.done != done {
		return
	}
	h.cancel()
	if err != nil {
		h.state = Failed
		h.err = err
		h.log.Error().Err(err).Dur("elapsed", time.Since(began)).Msg("highlighter failed to load")
	} else {
		h.state = Ready
		h.engine = engine
		h.log.Debug().Int("lexers", len(engine.lexers)).Dur("elapsed", time.Since(began)).Msg("highlighter ready")
	}
	metrics.HighlighterState.Set(float64(h.state))
}

// Initialize starts loading and waits until it ends, timeout passes or ctx
// is done, whichever is first. It returns the state at that point; a load
// that outlives the timeout keeps running and later renders pick it up.
func (h *Highlighter) Initialize(ctx context.Context, timeout time.Duration) HighlighterState {
	done := h.start()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		h.log.Warn().Dur("timeout", timeout).Msg("highlighter not ready, rendering without highlighting")
	case <-ctx.Done():
	}
	return h.State()
}

// Wait starts loading and blocks until it ends or ctx is done.
func (h *Highlighter) Wait(ctx context.Context) error {
	done := h.start()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case Ready:
		return nil
	case Failed:
		return h.err
	default:
		return ErrDisposed
	}
}

// State reports the current lifecycle state.
func (h *Highlighter) State() HighlighterState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Engine returns the loaded engine, or false while not Ready.
func (h *Highlighter) Engine() (*Engine, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engine, h.state == Ready
}

// Dispose drops the loaded engine or abandons a running load. The next
// Initialize starts over.
func (h *Highlighter) Dispose() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel != nil {
		h.cancel()
	}
	h.state = Uninitialized
	h.done = nil
	h.cancel = nil
	h.engine = nil
	h.err = nil
	metrics.HighlighterState.Set(float64(Uninitialized))
}
