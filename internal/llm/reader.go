package llm

import (
	"context"
	"errors"
	"io"
	"unicode/utf8"
)

// NewReaderStream turns raw markdown from r into a stream of text deltas of
// about chunkSize bytes. Multi-byte characters split across reads are
// carried over so that every delta is valid UTF-8.
func NewReaderStream(ctx context.Context, r io.Reader, chunkSize int) Stream {
	if chunkSize < 1 {
		chunkSize = 64
	}
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		buf := make([]byte, chunkSize)
		var carry []byte
		for {
			n, readErr := r.Read(buf)
			if n > 0 {
				data := append(carry, buf[:n]...)
				cut := completePrefix(data)
				carry = append([]byte(nil), data[cut:]...)
				if cut > 0 {
					if err := sendEvent(ctx, events, Event{Type: EventTextDelta, Text: string(data[:cut])}); err != nil {
						return err
					}
				}
			}
			if errors.Is(readErr, io.EOF) {
				if len(carry) > 0 {
					// Truncated sequence at end of input: pass it through as is.
					if err := sendEvent(ctx, events, Event{Type: EventTextDelta, Text: string(carry)}); err != nil {
						return err
					}
				}
				return sendEvent(ctx, events, Event{Type: EventDone})
			}
			if readErr != nil {
				return readErr
			}
		}
	})
}

// completePrefix returns the length of the longest prefix of b that does not
// end inside an incomplete UTF-8 sequence.
func completePrefix(b []byte) int {
	// A rune is at most utf8.UTFMax bytes, so only the tail needs checking.
	start := max(len(b)-utf8.UTFMax+1, 0)
	for i := len(b) - 1; i >= start; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}
