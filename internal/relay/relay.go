// Package relay forwards a model's output stream to a client while holding
// back incomplete markdown, and stores the reconstructed message when the
// stream ends.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/samsaffron/mdstream/internal/llm"
	"github.com/samsaffron/mdstream/internal/logging"
	"github.com/samsaffron/mdstream/internal/metrics"
	"github.com/samsaffron/mdstream/internal/session"
	"github.com/samsaffron/mdstream/internal/streaming"
)

// ErrAlreadyRun is returned when a Turn is run a second time.
var ErrAlreadyRun = errors.New("relay: turn already run")

// State is the lifecycle of one relayed stream.
type State int32

const (
	Idle State = iota
	Streaming
	Completed
	Errored
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Streaming:
		return "streaming"
	case Completed:
		return "completed"
	case Errored:
		return "errored"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Persister stores the final assistant message. session.Store satisfies it.
type Persister interface {
	PersistAssistantMessage(ctx context.Context, userID, chatID, text string, status session.MessageStatus) (*session.Message, []session.File, error)
}

// Target identifies the conversation a stream belongs to.
type Target struct {
	UserID string
	ChatID string
}

// Result describes a finished turn.
type Result struct {
	State   State
	Text    string // everything received from upstream
	Emitted int    // bytes written to the sink
	Usage   *llm.Usage
	Stats   streaming.Stats

	Message *session.Message
	Files   []session.File

	// Err is the upstream or sink failure that ended the stream early.
	Err error
	// PersistErr is logged and reported here only; it never changes State.
	PersistErr error
}

const defaultPersistTimeout = 15 * time.Second

// Relay holds the configuration shared by all turns.
type Relay struct {
	persister      Persister
	log            zerolog.Logger
	streamOpts     []streaming.Option
	persistTimeout time.Duration
}

// Option configures a Relay.
type Option func(*Relay)

// WithStreamOptions passes classifier options to every turn.
func WithStreamOptions(opts ...streaming.Option) Option {
	return func(r *Relay) { r.streamOpts = append(r.streamOpts, opts...) }
}

// WithPersistTimeout bounds the persistence call.
func WithPersistTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.persistTimeout = d
		}
	}
}

// New returns a Relay. A nil persister disables persistence.
func New(p Persister, log zerolog.Logger, opts ...Option) *Relay {
	r := &Relay{
		persister:      p,
		log:            log.With().Str("component", "relay").Logger(),
		persistTimeout: defaultPersistTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Prompt turns stored history into model messages. When the store keeps no
// history only latest is sent.
func Prompt(system string, history []session.Message, latest string) []llm.Message {
	var out []llm.Message
	if system != "" {
		out = append(out, llm.SystemText(system))
	}
	if len(history) == 0 {
		return append(out, llm.UserText(latest))
	}
	for _, m := range history {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case session.RoleUser:
			out = append(out, llm.UserText(m.Content))
		case session.RoleAssistant:
			out = append(out, llm.AssistantText(m.Content))
		}
	}
	return out
}

// Turn is one stream being relayed.
type Turn struct {
	relay  *Relay
	target Target
	state  atomic.Int32
}

// Begin prepares a turn for target.
func (r *Relay) Begin(target Target) *Turn {
	return &Turn{relay: r, target: target}
}

// Run is Begin followed by Turn.Run.
func (r *Relay) Run(ctx context.Context, target Target, upstream llm.Stream, sink io.Writer) Result {
	return r.Begin(target).Run(ctx, upstream, sink)
}

// State returns the current state. It is safe to call while Run is active.
func (t *Turn) State() State {
	return State(t.state.Load())
}

// Run reads upstream until it ends, fails, ctx is cancelled or sink stops
// accepting writes. Text is forwarded to sink as soon as it no longer
// continues an open markdown construct; whatever is still held when the
// stream ends is flushed. The upstream is always closed.
//
// Both terminal states trigger exactly one persistence attempt, on a
// context detached from ctx so that a client disconnect does not lose the
// partial reply.
func (t *Turn) Run(ctx context.Context, upstream llm.Stream, sink io.Writer) Result {
	if !t.state.CompareAndSwap(int32(Idle), int32(Streaming)) {
		return Result{State: t.State(), Err: ErrAlreadyRun}
	}
	defer upstream.Close()

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	// Recv does not take a context; closing the upstream unblocks it.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			upstream.Close()
		case <-stop:
		}
	}()

	counter := &countingWriter{w: sink}
	w := streaming.NewWriter(counter, t.relay.streamOpts...)
	log := t.relay.log.With().Str("user_id", t.target.UserID).Str("chat_id", t.target.ChatID).Logger()

	var res Result
	res.Err = t.pump(ctx, upstream, w, &res, log)

	// Release held text; on failure this is the best-effort partial render.
	if err := w.Close(); err != nil && res.Err == nil {
		res.Err = fmt.Errorf("write to client: %w", err)
	}

	buf := w.Buffer()
	res.Text = buf.Text()
	res.Emitted = counter.n
	res.Stats = buf.Stats()

	res.State = Completed
	status := session.StatusComplete
	if res.Err != nil {
		res.State = Errored
		status = session.StatusPartial
	}
	t.state.Store(int32(res.State))

	metrics.StreamsTotal.WithLabelValues(res.State.String()).Inc()
	metrics.BufferedTokens.Add(float64(res.Stats.Held))

	if res.Err != nil {
		log.Warn().Err(res.Err).Int("received", len(res.Text)).Msg("stream ended early")
	}

	t.persist(ctx, &res, status, log)
	return res
}

func (t *Turn) pump(ctx context.Context, upstream llm.Stream, w *streaming.Writer, res *Result, log zerolog.Logger) error {
	for {
		ev, err := upstream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("client disconnected: %w", context.Cause(ctx))
			}
			return err
		}
		switch ev.Type {
		case llm.EventTextDelta:
			if _, err := w.WriteString(ev.Text); err != nil {
				return fmt.Errorf("write to client: %w", err)
			}
		case llm.EventUsage:
			res.Usage = ev.Use
		case llm.EventRetry:
			log.Info().
				Int("attempt", ev.RetryAttempt).
				Int("max_attempts", ev.RetryMaxAttempts).
				Float64("wait_secs", ev.RetryWaitSecs).
				Msg("retrying upstream")
		case llm.EventDone:
			return nil
		}
	}
}

func (t *Turn) persist(ctx context.Context, res *Result, status session.MessageStatus, log zerolog.Logger) {
	if t.relay.persister == nil || res.Text == "" {
		return
	}
	pctx, cancel := logging.DetachContextWithTimeout(ctx, t.relay.persistTimeout)
	defer cancel()

	msg, files, err := t.relay.persister.PersistAssistantMessage(pctx, t.target.UserID, t.target.ChatID, res.Text, status)
	if err != nil {
		res.PersistErr = err
		metrics.PersistFailures.Inc()
		log.Error().Err(err).Str("state", res.State.String()).Int("bytes", len(res.Text)).
			Msg("persist assistant message failed")
		return
	}
	res.Message = msg
	res.Files = files
	log.Debug().Str("message_id", msg.ID).Int("files", len(files)).Str("status", string(status)).
		Msg("assistant message persisted")
}

// countingWriter counts bytes accepted by w and forwards Flush.
type countingWriter struct {
	w io.Writer
	n int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += n
	return n, err
}

func (c *countingWriter) Flush() {
	if f, ok := c.w.(interface{ Flush() }); ok {
		f.Flush()
	}
}
