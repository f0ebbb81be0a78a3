package render

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// highlightFunc returns highlighted markup for a block, or false to keep
// the plain rendering.
type highlightFunc func(lang, code string) (string, bool)

// augment replaces the contents of every placeholder in src with the
// output of highlight. It returns the new document and the number of
// blocks replaced. Anything it does not recognise is copied unchanged.
func augment(src string, highlight highlightFunc) (string, int) {
	z := html.NewTokenizer(strings.NewReader(src))
	var out, inner strings.Builder
	out.Grow(len(src))

	var (
		depth    int
		lang     string
		code     string
		replaced int
	)
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			// io.EOF, or malformed input after which nothing is parsed
			out.WriteString(inner.String())
			out.Write(z.Raw())
			return out.String(), replaced
		}
		raw := string(z.Raw())

		if depth > 0 {
			name, _ := z.TagName()
			if string(name) == "div" {
				switch tt {
				case html.StartTagToken:
					depth++
				case html.EndTagToken:
					depth--
				}
			}
			if depth == 0 {
				if markup, ok := highlight(lang, code); ok {
					out.WriteString(markup)
					replaced++
				} else {
					out.WriteString(inner.String())
				}
				inner.Reset()
				out.WriteString(raw)
				continue
			}
			inner.WriteString(raw)
			continue
		}

		if tt == html.StartTagToken {
			if l, c, ok := placeholderAttrs(z); ok {
				depth, lang, code = 1, l, c
			}
		}
		out.WriteString(raw)
	}
}

// placeholderAttrs reads the current start tag and reports whether it is a
// code placeholder.
func placeholderAttrs(z *html.Tokenizer) (lang, code string, ok bool) {
	name, more := z.TagName()
	if string(name) != "div" {
		return "", "", false
	}
	var isPlaceholder, hasCode bool
	for more {
		var key, val []byte
		key, val, more = z.TagAttr()
		switch string(key) {
		case "class":
			isPlaceholder = string(val) == placeholderClass
		case "data-lang":
			lang = string(val)
		case "data-code":
			decoded, err := url.PathUnescape(string(val))
			if err != nil {
				return "", "", false
			}
			code, hasCode = decoded, true
		}
	}
	return lang, code, isPlaceholder && hasCode
}
