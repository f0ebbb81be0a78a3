package render

import (
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/glamour/ansi"
	"github.com/charmbracelet/glamour/styles"
	"golang.org/x/term"
)

const defaultTerminalWidth = 80

type terminalKey struct {
	width int
	dark  bool
}

// terminalRenderers caches glamour renderers by width and theme; building
// one parses the whole style sheet.
var terminalRenderers sync.Map // map[terminalKey]*glamour.TermRenderer

func terminalRenderer(width int, dark bool) (*glamour.TermRenderer, error) {
	key := terminalKey{width: width, dark: dark}
	if cached, ok := terminalRenderers.Load(key); ok {
		return cached.(*glamour.TermRenderer), nil
	}

	var style ansi.StyleConfig
	if dark {
		style = styles.DarkStyleConfig
	} else {
		style = styles.LightStyleConfig
	}
	margin := uint(0)
	style.Document.Margin = &margin
	style.Document.BlockPrefix = ""
	style.Document.BlockSuffix = ""
	style.CodeBlock.Margin = &margin

	r, err := glamour.NewTermRenderer(
		glamour.WithStyles(style),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil, err
	}
	actual, _ := terminalRenderers.LoadOrStore(key, r)
	return actual.(*glamour.TermRenderer), nil
}

// Terminal renders markdown as ANSI text wrapped at width columns. A
// non-positive width uses the width of stdout.
func Terminal(markdown string, width int, dark bool) (string, error) {
	if markdown == "" {
		return "", nil
	}
	if width <= 0 {
		width = TerminalWidth(os.Stdout)
	}
	r, err := terminalRenderer(width, dark)
	if err != nil {
		return "", err
	}
	out, err := r.Render(markdown)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// TerminalWidth returns the column count of f, or 80 when f is not a
// terminal.
func TerminalWidth(f *os.File) int {
	if f == nil || !term.IsTerminal(int(f.Fd())) {
		return defaultTerminalWidth
	}
	w, _, err := term.GetSize(int(f.Fd()))
	if err != nil || w <= 0 {
		return defaultTerminalWidth
	}
	return w
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}
