// Package fence extracts fenced code blocks from completed markdown text.
package fence

import (
	"fmt"
	"iter"
	"path"
	"regexp"
	"strings"

	"github.com/samsaffron/mdstream/internal/langs"
)

// CodeBlock is one fenced block found in a markdown document.
type CodeBlock struct {
	Language  string `json:"language"`
	Extension string `json:"extension"`
	Title     string `json:"title"`
	Text      string `json:"text"`
}

// Filename returns a name suitable for storing the block. index is the
// zero-based position of the block in its message.
func (b CodeBlock) Filename(index int) string {
	title := strings.TrimSpace(b.Title)
	if title == "" {
		return fmt.Sprintf("snippet-%d.%s", index+1, b.Extension)
	}
	title = strings.ReplaceAll(title, "\\", "/")
	title = path.Base(path.Clean("/" + title))
	if title == "/" || title == "." {
		return fmt.Sprintf("snippet-%d.%s", index+1, b.Extension)
	}
	if path.Ext(title) == "" {
		title += "." + b.Extension
	}
	return title
}

const delimiter = "```"

// openerRe matches "```lang" or "```lang:title" followed by a newline.
var openerRe = regexp.MustCompile("```(\\w+)(?::([^\\n]*))?\\n")

// Extractor resolves languages against a registry.
type Extractor struct {
	reg *langs.Registry
}

// NewExtractor returns an extractor backed by reg. A nil registry uses the
// embedded table.
func NewExtractor(reg *langs.Registry) *Extractor {
	if reg == nil {
		reg = langs.Default()
	}
	return &Extractor{reg: reg}
}

// All yields the code blocks of md in source order. Each range over the
// returned sequence rescans md from the start.
func (e *Extractor) All(md string) iter.Seq[CodeBlock] {
	return func(yield func(CodeBlock) bool) {
		pos := 0
		for pos < len(md) {
			loc := openerRe.FindStringSubmatchIndex(md[pos:])
			if loc == nil {
				return
			}
			bodyStart := pos + loc[1]
			end := closingDelimiter(md, bodyStart)
			if end < 0 {
				// Unterminated fence: nothing after this point can close.
				return
			}

			lang := md[pos+loc[2] : pos+loc[3]]
			var title string
			if loc[4] >= 0 {
				title = strings.TrimSpace(md[pos+loc[4] : pos+loc[5]])
			}
			norm := e.reg.Normalize(lang)
			block := CodeBlock{
				Language:  norm,
				Extension: e.reg.ExtensionFor(norm),
				Title:     title,
				Text:      strings.TrimSpace(md[bodyStart:end]),
			}
			if !yield(block) {
				return
			}
			pos = end + len(delimiter)
		}
	}
}

// Extract collects All into a slice.
func (e *Extractor) Extract(md string) []CodeBlock {
	var blocks []CodeBlock
	for b := range e.All(md) {
		blocks = append(blocks, b)
	}
	return blocks
}

// closingDelimiter finds the next triple backtick at or after from that is
// not preceded by a backslash.
func closingDelimiter(md string, from int) int {
	for i := from; i <= len(md)-len(delimiter); {
		j := strings.Index(md[i:], delimiter)
		if j < 0 {
			return -1
		}
		at := i + j
		if at > 0 && md[at-1] == '\\' {
			i = at + 1
			continue
		}
		return at
	}
	return -1
}

var defaultExtractor = NewExtractor(nil)

// All yields blocks using the embedded language table.
func All(md string) iter.Seq[CodeBlock] { return defaultExtractor.All(md) }

// Extract returns blocks using the embedded language table.
func Extract(md string) []CodeBlock { return defaultExtractor.Extract(md) }
