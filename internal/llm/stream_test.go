package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

// collect drains s and returns the concatenated text, the events seen and
// the terminal error (nil on a clean io.EOF).
func collect(t *testing.T, s Stream) (string, []Event, error) {
	t.Helper()
	defer s.Close()
	var b strings.Builder
	var events []Event
	for {
		ev, err := s.Recv()
		if err == io.EOF {
			return b.String(), events, nil
		}
		if err != nil {
			return b.String(), events, err
		}
		events = append(events, ev)
		if ev.Type == EventTextDelta {
			b.WriteString(ev.Text)
		}
	}
}

func TestEventStreamReportsProducerError(t *testing.T) {
	boom := errors.New("boom")
	s := newEventStream(context.Background(), func(ctx context.Context, events chan<- Event) error {
		if err := sendEvent(ctx, events, Event{Type: EventTextDelta, Text: "partial"}); err != nil {
			return err
		}
		return boom
	})
	text, _, err := collect(t, s)
	if text != "partial" {
		t.Fatalf("text=%q, want partial", text)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v, want boom", err)
	}
}

func TestEventStreamCloseStopsProducer(t *testing.T) {
	stopped := make(chan struct{})
	s := newEventStream(context.Background(), func(ctx context.Context, events chan<- Event) error {
		defer close(stopped)
		for {
			if err := sendEvent(ctx, events, Event{Type: EventTextDelta, Text: "x"}); err != nil {
				return err
			}
		}
	})
	if _, err := s.Recv(); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	s.Close()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("producer still running after Close")
	}
}

func TestDebugProviderName(t *testing.T) {
	tests := []struct {
		variant string
		want    string
	}{
		{"", "debug"},
		{"normal", "debug"},
		{"fast", "debug:fast"},
		{"burst", "debug:burst"},
		{"unknown", "debug:unknown"}, // Unknown variants still get named
	}

	for _, tt := range tests {
		t.Run(tt.variant, func(t *testing.T) {
			p := NewDebugProvider(tt.variant)
			if got := p.Name(); got != tt.want {
				t.Errorf("Name() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDebugProviderStreamsWholeDocument(t *testing.T) {
	p := NewDebugProvider("instant")
	s, err := p.Stream(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	text, events, err := collect(t, s)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if text != DebugMarkdown() {
		t.Fatalf("streamed text differs from canned markdown")
	}
	var deltas int
	var sawUsage, sawDone bool
	for _, ev := range events {
		switch ev.Type {
		case EventTextDelta:
			deltas++
			if !utf8.ValidString(ev.Text) {
				t.Errorf("delta %q is not valid UTF-8", ev.Text)
			}
		case EventUsage:
			sawUsage = true
		case EventDone:
			sawDone = true
		}
	}
	if deltas < 2 {
		t.Errorf("expected the document in several chunks, got %d", deltas)
	}
	if !sawUsage || !sawDone {
		t.Errorf("usage=%v done=%v, want both", sawUsage, sawDone)
	}
}

func TestDebugProviderInjectedFailure(t *testing.T) {
	p := NewDebugProvider("instant", WithDebugText("abcdefghij"), WithDebugFailure(2))
	s, _ := p.Stream(context.Background(), Request{})
	text, _, err := collect(t, s)
	if !errors.Is(err, ErrDebugInjected) {
		t.Fatalf("err=%v, want ErrDebugInjected", err)
	}
	if text != "abcdef" {
		t.Fatalf("text=%q, want the first two chunks", text)
	}
}

func TestRuneBoundary(t *testing.T) {
	s := "a✅b"
	if got := runeBoundary(s, 2); got != 1 {
		t.Errorf("runeBoundary(2)=%d, want 1", got)
	}
	if got := runeBoundary("✅", 1); got != len("✅") {
		t.Errorf("a lone multi-byte rune must be emitted whole, got %d", got)
	}
	if got := runeBoundary(s, 100); got != len(s) {
		t.Errorf("runeBoundary(100)=%d", got)
	}
}

// oneByteReader returns a single byte per Read call.
type oneByteReader struct{ r io.Reader }

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return o.r.Read(p[:1])
}

func TestReaderStreamKeepsRunesWhole(t *testing.T) {
	input := "héllo ✅ **wörld** 日本語"
	s := NewReaderStream(context.Background(), oneByteReader{strings.NewReader(input)}, 4)
	text, events, err := collect(t, s)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if text != input {
		t.Fatalf("text=%q, want %q", text, input)
	}
	for _, ev := range events {
		if ev.Type == EventTextDelta && !utf8.ValidString(ev.Text) {
			t.Fatalf("delta %q split a rune", ev.Text)
		}
	}
}

func TestReaderStreamPassesTruncatedTail(t *testing.T) {
	input := "ok\xe2\x9c"
	s := NewReaderStream(context.Background(), strings.NewReader(input), 8)
	text, _, err := collect(t, s)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if text != input {
		t.Fatalf("text=%q, want %q", text, input)
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }

func TestReaderStreamReadError(t *testing.T) {
	_, _, err := collect(t, NewReaderStream(context.Background(), errReader{}, 8))
	if err == nil || !strings.Contains(err.Error(), "disk gone") {
		t.Fatalf("err=%v, want read error", err)
	}
}

func TestCompletePrefix(t *testing.T) {
	tests := []struct {
		in   []byte
		want int
	}{
		{[]byte("abc"), 3},
		{[]byte("ab\xe2"), 2},
		{[]byte("ab\xe2\x9c"), 2},
		{[]byte("ab\xe2\x9c\x85"), 5},
		{[]byte{}, 0},
	}
	for _, tt := range tests {
		if got := completePrefix(tt.in); got != tt.want {
			t.Errorf("completePrefix(%q)=%d, want %d", tt.in, got, tt.want)
		}
	}
}
