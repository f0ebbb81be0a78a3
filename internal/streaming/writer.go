package streaming

import (
	"errors"
	"io"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("streaming: write after close")

// flusher matches http.Flusher without importing net/http.
type flusher interface {
	Flush()
}

// Writer is an io.Writer that forwards markdown to out as soon as it is safe
// to do so. Close must be called to release held text.
type Writer struct {
	buf    *Buffer
	out    io.Writer
	closed bool
}

// NewWriter wraps out.
func NewWriter(out io.Writer, opts ...Option) *Writer {
	return &Writer{buf: NewBuffer(opts...), out: out}
}

// Write implements io.Writer. The bytes are always consumed into the buffer,
// even when forwarding them to out fails.
func (w *Writer) Write(p []byte) (int, error) {
	if _, err := w.WriteString(string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteString feeds s as a single fragment.
func (w *Writer) WriteString(s string) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}
	if err := w.forward(w.buf.Push(s)); err != nil {
		return 0, err
	}
	return len(s), nil
}

// Close releases held text to out. It is safe to call more than once.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.forward(w.buf.Flush())
}

// Buffer exposes the underlying buffer.
func (w *Writer) Buffer() *Buffer { return w.buf }

func (w *Writer) forward(s string) error {
	if s == "" {
		return nil
	}
	if _, err := io.WriteString(w.out, s); err != nil {
		return err
	}
	if f, ok := w.out.(flusher); ok {
		f.Flush()
	}
	return nil
}
