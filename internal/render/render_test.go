package render

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsaffron/mdstream/internal/langs"
)

const scenario = "Hello **world**, see [link](http://x.com) and:\n```js\nconsole.log(1)\n```\nDone."

func readyHighlighter(t *testing.T) *Highlighter {
	t.Helper()
	hl := NewHighlighter(ChromaLoader(langs.Default(), "github", "github-dark"), zerolog.Nop())
	require.NoError(t, hl.Wait(context.Background()))
	return hl
}

func TestRenderPlaceholderWithoutHighlighter(t *testing.T) {
	res := NewPipeline(nil).Render(scenario, false)
	require.True(t, res.Success, res.Error)

	assert.Contains(t, res.HTML, "<strong>world</strong>")
	assert.Contains(t, res.HTML, `<a href="http://x.com">link</a>`)
	assert.Contains(t, res.HTML,
		`<div class="md-code" data-lang="js" data-code="console.log%281%29%0A"><pre><code class="language-js">console.log(1)`+"\n"+`</code></pre></div>`)
	assert.Contains(t, res.HTML, "<p>Done.</p>")
	assert.Zero(t, res.Highlighted)
}

func TestRenderFenceVariants(t *testing.T) {
	tests := []struct {
		name string
		md   string
		want []string
	}{
		{
			name: "title after colon",
			md:   "```go:main.go\npackage main\n```\n",
			want: []string{`data-lang="go"`, `data-title="main.go"`},
		},
		{
			name: "unknown language",
			md:   "```klingon\nqapla'\n```\n",
			want: []string{`data-lang="text"`, `class="language-text"`},
		},
		{
			name: "no language",
			md:   "```\nplain\n```\n",
			want: []string{`data-lang="text"`, ">plain\n</code>"},
		},
		{
			name: "indented block",
			md:   "para\n\n    indented code\n",
			want: []string{`data-lang="text"`, ">indented code\n</code>"},
		},
		{
			name: "markup in code is escaped",
			md:   "```html\n<b>&amp;</b>\n```\n",
			want: []string{"&lt;b&gt;&amp;amp;&lt;/b&gt;", `data-code="%3Cb%3E&amp;amp%3B%3C%2Fb%3E%0A"`},
		},
	}
	p := NewPipeline(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := p.Render(tt.md, false)
			require.True(t, res.Success)
			for _, want := range tt.want {
				assert.Contains(t, res.HTML, want)
			}
			assert.NotContains(t, res.HTML, "<b>")
		})
	}
}

func TestRenderImagesAreNotEmbedded(t *testing.T) {
	p := NewPipeline(nil)

	res := p.Render("look ![a *cat*](http://x.com/cat.png \"Cat\")", false)
	require.True(t, res.Success)
	assert.NotContains(t, res.HTML, "<img")
	assert.Contains(t, res.HTML, `!<a href="http://x.com/cat.png" title="Cat">a cat</a>`)

	res = p.Render("![x](javascript:alert(1))", false)
	require.True(t, res.Success)
	assert.Contains(t, res.HTML, `!<a href="">x</a>`)
}

func TestRenderOmitsRawHTML(t *testing.T) {
	res := NewPipeline(nil).Render("<script>alert(1)</script>\n\nhi <em>there</em>", false)
	require.True(t, res.Success)
	assert.NotContains(t, res.HTML, "<script>")
	assert.NotContains(t, res.HTML, "<em>")
}

func TestRenderGFM(t *testing.T) {
	res := NewPipeline(nil).Render("| a | b |\n|---|---|\n| 1 | 2 |\n\n~~gone~~", false)
	require.True(t, res.Success)
	assert.Contains(t, res.HTML, "<table>")
	assert.Contains(t, res.HTML, "<del>gone</del>")
}

func TestRenderHighlightsWhenReady(t *testing.T) {
	p := NewPipeline(readyHighlighter(t), WithCacheSize(8))

	light := p.Render(scenario, false)
	require.True(t, light.Success, light.Error)
	assert.Equal(t, 1, light.Highlighted)
	assert.Contains(t, light.HTML, `<div class="md-code" data-lang="js"`)
	assert.Contains(t, light.HTML, "<pre style=")
	assert.NotContains(t, light.HTML, `class="language-js"`, "fallback is replaced")
	assert.Contains(t, light.HTML, "<strong>world</strong>")
	assert.Equal(t, 1, p.cache.Len())

	again := p.Render(scenario, false)
	assert.Equal(t, light.HTML, again.HTML)
	assert.Equal(t, 1, p.cache.Len())

	dark := p.Render(scenario, true)
	assert.NotEqual(t, light.HTML, dark.HTML)
	assert.Equal(t, 2, p.cache.Len())

	p.Reset()
	assert.Zero(t, p.cache.Len())
	assert.Equal(t, Uninitialized, p.Highlighter().State())
	plain := p.Render(scenario, false)
	assert.Contains(t, plain.HTML, `class="language-js"`)
}

func TestRenderIsDeterministicAcrossHighlighterStates(t *testing.T) {
	plain := NewPipeline(nil).Render(scenario, false)
	highlighted := NewPipeline(readyHighlighter(t)).Render(scenario, false)

	// Outside the code block the documents are identical.
	strip := func(s string) string {
		start := strings.Index(s, `<div class="md-code"`)
		end := strings.Index(s, "</div>")
		require.True(t, start >= 0 && end > start)
		return s[:start] + s[end:]
	}
	assert.Equal(t, strip(plain.HTML), strip(highlighted.HTML))
}

func TestRenderRecoversFromPanic(t *testing.T) {
	// An engine without a formatter panics on first use.
	broken := NewHighlighter(func(context.Context) (*Engine, error) { return &Engine{}, nil }, zerolog.Nop())
	require.NoError(t, broken.Wait(context.Background()))

	res := NewPipeline(broken).Render(scenario, false)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
	assert.Empty(t, res.HTML)
}

func TestAugment(t *testing.T) {
	src := `<p>x</p><div class="other">keep</div>` +
		`<div class="md-code" data-lang="go" data-code="a%20%3C%20b"><pre><code>a &lt; b</code></pre></div><p>y</p>`

	var gotLang, gotCode string
	out, n := augment(src, func(lang, code string) (string, bool) {
		gotLang, gotCode = lang, code
		return "<pre>HL</pre>", true
	})
	assert.Equal(t, 1, n)
	assert.Equal(t, "go", gotLang)
	assert.Equal(t, "a < b", gotCode)
	assert.Equal(t, `<p>x</p><div class="other">keep</div>`+
		`<div class="md-code" data-lang="go" data-code="a%20%3C%20b"><pre>HL</pre></div><p>y</p>`, out)

	kept, n := augment(src, func(string, string) (string, bool) { return "", false })
	assert.Zero(t, n)
	assert.Equal(t, src, kept)
}

func TestHighlighterDeduplicatesInit(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	hl := NewHighlighter(func(ctx context.Context) (*Engine, error) {
		calls.Add(1)
		<-release
		return &Engine{}, nil
	}, zerolog.Nop())

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, hl.Wait(context.Background()))
		}()
	}
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, Initializing, hl.State())
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, Ready, hl.Initialize(context.Background(), time.Second))
	assert.Equal(t, int32(1), calls.Load())
}

func TestHighlighterInitializeTimesOut(t *testing.T) {
	release := make(chan struct{})
	hl := NewHighlighter(func(ctx context.Context) (*Engine, error) {
		<-release
		return &Engine{}, nil
	}, zerolog.Nop())

	start := time.Now()
	state := hl.Initialize(context.Background(), 20*time.Millisecond)
	assert.Equal(t, Initializing, state)
	assert.Less(t, time.Since(start), time.Second)

	_, ok := hl.Engine()
	assert.False(t, ok)

	close(release)
	require.NoError(t, hl.Wait(context.Background()))
	assert.Equal(t, Ready, hl.State())
}

func TestHighlighterFailureIsCached(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("no lexers")
	hl := NewHighlighter(func(context.Context) (*Engine, error) {
		calls.Add(1)
		return nil, boom
	}, zerolog.Nop())

	assert.Equal(t, Failed, hl.Initialize(context.Background(), time.Second))
	assert.ErrorIs(t, hl.Wait(context.Background()), boom)
	assert.Equal(t, int32(1), calls.Load())

	hl.Dispose()
	assert.Equal(t, Uninitialized, hl.State())
	assert.ErrorIs(t, hl.Wait(context.Background()), boom)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHighlighterDisposeAbandonsLoad(t *testing.T) {
	started := make(chan struct{})
	hl := NewHighlighter(func(ctx context.Context) (*Engine, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, zerolog.Nop())

	errc := make(chan error, 1)
	go func() { errc <- hl.Wait(context.Background()) }()
	<-started
	hl.Dispose()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrDisposed)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Dispose")
	}
	assert.Equal(t, Uninitialized, hl.State())
}

func TestChromaLoaderRejectsUnknownStyle(t *testing.T) {
	_, err := ChromaLoader(nil, "no-such-style", "github-dark")(context.Background())
	assert.ErrorContains(t, err, "no-such-style")
}

func TestEngineResolvesAliases(t *testing.T) {
	engine, err := ChromaLoader(nil, "github", "github-dark")(context.Background())
	require.NoError(t, err)

	viaAlias, err := engine.Highlight("echo hi", "sh", false)
	require.NoError(t, err)
	viaID, err := engine.Highlight("echo hi", "BASH", false)
	require.NoError(t, err)
	assert.Equal(t, viaID, viaAlias)

	plain, err := engine.Highlight("echo hi", "klingon", false)
	require.NoError(t, err)
	assert.Contains(t, plain, "echo hi")
}

func TestHighlightCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := newHighlightCache(2)
	a, b, d := cacheKey{code: "a"}, cacheKey{code: "b"}, cacheKey{code: "d"}
	c.Put(a, "A")
	c.Put(b, "B")
	_, _ = c.Get(a)
	c.Put(d, "D")

	_, ok := c.Get(b)
	assert.False(t, ok, "b was least recently used")
	got, ok := c.Get(a)
	assert.True(t, ok)
	assert.Equal(t, "A", got)
	assert.Equal(t, 2, c.Len())

	c.Put(a, "A2")
	got, _ = c.Get(a)
	assert.Equal(t, "A2", got)
	assert.Equal(t, 2, c.Len())
}

func TestWorkerSignalsReadyOnTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	hl := NewHighlighter(func(ctx context.Context) (*Engine, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, errors.New("never finished")
	}, zerolog.Nop())

	w := NewWorker(NewPipeline(hl), 20*time.Millisecond)
	defer w.Close()

	select {
	case <-w.Ready():
	case <-time.After(time.Second):
		t.Fatal("worker never became ready")
	}

	res, err := w.Render(context.Background(), Request{Markdown: scenario, IsDarkMode: true})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.HTML, `class="language-js"`, "renders without highlighting")
}

func TestWorkerRenderAfterClose(t *testing.T) {
	w := NewWorker(NewPipeline(nil), time.Second)
	<-w.Ready()
	w.Close()
	w.Close()

	_, err := w.Render(context.Background(), Request{Markdown: "x"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWorkerRenderCancelled(t *testing.T) {
	w := NewWorker(NewPipeline(nil), time.Second)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.Render(ctx, Request{Markdown: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWorkerHighlightsAfterLoad(t *testing.T) {
	hl := NewHighlighter(ChromaLoader(nil, "github", "github-dark"), zerolog.Nop())
	w := NewWorker(NewPipeline(hl), 10*time.Second)
	defer w.Close()
	<-w.Ready()

	res, err := w.Render(context.Background(), Request{Markdown: scenario})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Highlighted)
}

func TestTerminal(t *testing.T) {
	out, err := Terminal("# Title\n\nsome *text*", 40, true)
	require.NoError(t, err)
	assert.Contains(t, out, "Title")
	assert.Contains(t, out, "text")

	empty, err := Terminal("", 40, false)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestHighlighterStateString(t *testing.T) {
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "HighlighterState(7)", HighlighterState(7).String())
}
