// Package render turns completed markdown into HTML for display and
// highlights code blocks once the highlighter has been loaded.
package render

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"

	"github.com/samsaffron/mdstream/internal/langs"
)

// placeholderClass marks the element that wraps every code block. Augment
// replaces its contents with highlighted markup.
const placeholderClass = "md-code"

// codeRenderer emits code blocks as placeholders and renders image syntax
// as plain text followed by a link. Images are never embedded.
type codeRenderer struct {
	reg *langs.Registry
}

func (r *codeRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindFencedCodeBlock, r.renderFencedCodeBlock)
	reg.Register(ast.KindCodeBlock, r.renderCodeBlock)
	reg.Register(ast.KindImage, r.renderImage)
}

func (r *codeRenderer) renderFencedCodeBlock(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.FencedCodeBlock)
	var lang, title string
	if info := n.Language(source); info != nil {
		lang, title, _ = strings.Cut(string(info), ":")
	}
	writePlaceholder(w, r.reg.Normalize(lang), strings.TrimSpace(title), blockText(n, source))
	return ast.WalkSkipChildren, nil
}

func (r *codeRenderer) renderCodeBlock(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	writePlaceholder(w, langs.FallbackID, "", blockText(node, source))
	return ast.WalkSkipChildren, nil
}

func (r *codeRenderer) renderImage(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.Image)
	_ = w.WriteByte('!')
	_, _ = w.WriteString(`<a href="`)
	if !isDangerousURL(n.Destination) {
		_, _ = w.Write(util.EscapeHTML(util.URLEscape(n.Destination, true)))
	}
	_, _ = w.WriteString(`"`)
	if n.Title != nil {
		_, _ = w.WriteString(` title="`)
		_, _ = w.Write(util.EscapeHTML(n.Title))
		_, _ = w.WriteString(`"`)
	}
	_ = w.WriteByte('>')
	writeAltText(w, source, n)
	_, _ = w.WriteString("</a>")
	return ast.WalkSkipChildren, nil
}

func writeAltText(w util.BufWriter, source []byte, n ast.Node) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch t := c.(type) {
		case *ast.Text:
			_, _ = w.Write(util.EscapeHTML(t.Value(source)))
			if t.SoftLineBreak() {
				_ = w.WriteByte('\n')
			}
		case *ast.String:
			_, _ = w.Write(util.EscapeHTML(t.Value))
		default:
			writeAltText(w, source, c)
		}
	}
}

func blockText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		line := lines.At(i)
		buf.Write(line.Value(source))
	}
	return buf.String()
}

// writePlaceholder writes the wrapper carrying the raw block and a plain
// escaped rendering inside it, so the output is readable without
// highlighting.
func writePlaceholder(w util.BufWriter, lang, title, code string) {
	_, _ = w.WriteString(`<div class="` + placeholderClass + `" data-lang="`)
	_, _ = w.Write(util.EscapeHTML([]byte(lang)))
	_ = w.WriteByte('"')
	if title != "" {
		_, _ = w.WriteString(` data-title="`)
		_, _ = w.Write(util.EscapeHTML([]byte(title)))
		_ = w.WriteByte('"')
	}
	_, _ = w.WriteString(` data-code="`)
	_, _ = w.Write(util.EscapeHTML([]byte(url.PathEscape(code))))
	_, _ = w.WriteString(`">`)
	writeFallback(w, lang, code)
	_, _ = w.WriteString("</div>\n")
}

func writeFallback(w util.BufWriter, lang, code string) {
	_, _ = w.WriteString(`<pre><code class="language-`)
	_, _ = w.Write(util.EscapeHTML([]byte(lang)))
	_, _ = w.WriteString(`">`)
	_, _ = w.Write(util.EscapeHTML([]byte(code)))
	_, _ = w.WriteString("</code></pre>")
}

var dangerousSchemes = [][]byte{
	[]byte("javascript:"),
	[]byte("vbscript:"),
	[]byte("file:"),
	[]byte("data:"),
}

func isDangerousURL(dest []byte) bool {
	lower := bytes.ToLower(bytes.TrimSpace(dest))
	for _, scheme := range dangerousSchemes {
		if bytes.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}

// newMarkdown returns a GFM parser whose code and image output is handled
// by codeRenderer. Raw HTML in the input is omitted.
func newMarkdown(reg *langs.Registry) goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(
			renderer.WithNodeRenderers(util.Prioritized(&codeRenderer{reg: reg}, 100)),
		),
	)
}
