// Package streaming decides, fragment by fragment, when streamed markdown can
// be forwarded without tearing a construct that is still being written.
//
// A fragment that cannot start a construct is passed straight through. A
// fragment that starts one, or that arrives while one is open, is held until
// the held text no longer contains an unfinished header, emphasis run, code
// span, link, code fence or table row. At the end of the stream everything
// still held is released verbatim.
package streaming

import (
	"strings"
)

// Action says what Classify did with a fragment.
type Action int

const (
	// Emit forwards the fragment directly; nothing was held.
	Emit Action = iota
	// Hold absorbs the fragment into the pending text.
	Hold
	// Flush releases all pending text including the fragment.
	Flush
	// Split releases a safe prefix and keeps the rest pending.
	Split
)

func (a Action) String() string {
	switch a {
	case Emit:
		return "emit"
	case Hold:
		return "hold"
	case Flush:
		return "flush"
	case Split:
		return "split"
	default:
		return "unknown"
	}
}

// Decision is the outcome of classifying one fragment.
// Emitted + Pending always equals pending + token.
type Decision struct {
	Action    Action
	Construct Construct // construct keeping Pending open
	Emitted   string
	Pending   string
}

// Classifier holds configuration only. All state lives in the pending text
// passed to Classify, so one Classifier can serve any number of streams.
type Classifier struct {
	split      bool
	maxPending int
}

// NewClassifier returns a classifier configured by opts.
func NewClassifier(opts ...Option) *Classifier {
	c := &Classifier{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify decides what to do with token given the currently held text.
func (c *Classifier) Classify(pending, token string) Decision {
	if pending == "" && !c.mayOpen(token) {
		return Decision{Action: Emit, Emitted: token}
	}

	candidate := pending + token
	at, kind := findOpen(candidate)
	switch {
	case at < 0:
		return Decision{Action: Flush, Emitted: candidate}
	case c.maxPending > 0 && len(candidate)-at > c.maxPending:
		return Decision{Action: Flush, Construct: kind, Emitted: candidate}
	case c.split && at > 0:
		return Decision{Action: Split, Construct: kind, Emitted: candidate[:at], Pending: candidate[at:]}
	default:
		return Decision{Action: Hold, Construct: kind, Pending: candidate}
	}
}

func (c *Classifier) mayOpen(token string) bool {
	if startsConstruct(token) {
		return true
	}
	return c.split && strings.ContainsAny(token, specialChars)
}

// Stats counts what a Buffer did over its lifetime.
type Stats struct {
	Fragments  int // fragments pushed
	Direct     int // fragments emitted on the fast path
	Held       int // fragments absorbed without emitting
	Releases   int // times held text was released, including the final flush
	MaxPending int // largest pending size in bytes
}

// Buffer is the per-stream state: text held back and text already emitted.
// At every point Accumulated() + Pending() equals everything pushed.
// A Buffer is not safe for concurrent use.
type Buffer struct {
	classifier  *Classifier
	pending     string
	accumulated strings.Builder
	stats       Stats
}

// NewBuffer creates a buffer with its own classifier.
func NewBuffer(opts ...Option) *Buffer {
	return NewBufferWith(NewClassifier(opts...))
}

// NewBufferWith creates a buffer sharing an existing classifier.
func NewBufferWith(c *Classifier) *Buffer {
	if c == nil {
		c = NewClassifier()
	}
	return &Buffer{classifier: c}
}

// Push feeds one fragment and returns the text that may be forwarded now,
// which is empty while a construct is held.
func (b *Buffer) Push(token string) string {
	if token == "" {
		return ""
	}
	b.stats.Fragments++

	d := b.classifier.Classify(b.pending, token)
	b.pending = d.Pending
	if len(b.pending) > b.stats.MaxPending {
		b.stats.MaxPending = len(b.pending)
	}
	switch d.Action {
	case Emit:
		b.stats.Direct++
	case Hold:
		b.stats.Held++
	default:
		b.stats.Releases++
	}
	b.accumulated.WriteString(d.Emitted)
	return d.Emitted
}

// Flush releases whatever is still held, complete or not.
func (b *Buffer) Flush() string {
	out := b.pending
	b.pending = ""
	if out != "" {
		b.stats.Releases++
		b.accumulated.WriteString(out)
	}
	return out
}

// Pending returns the held text.
func (b *Buffer) Pending() string { return b.pending }

// Holding reports which construct keeps the pending text back.
func (b *Buffer) Holding() Construct {
	if b.pending == "" {
		return None
	}
	return InProgress(b.pending)
}

// Accumulated returns everything emitted so far.
func (b *Buffer) Accumulated() string { return b.accumulated.String() }

// Text returns all input consumed so far.
func (b *Buffer) Text() string { return b.accumulated.String() + b.pending }

// Stats returns counters for this buffer.
func (b *Buffer) Stats() Stats { return b.stats }
