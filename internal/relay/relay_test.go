package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsaffron/mdstream/internal/llm"
	"github.com/samsaffron/mdstream/internal/session"
)

const scenario = "Hello **world**, see [link](http://x.com) and:\n```js\nconsole.log(1)\n```\nDone."

// scriptStream replays events, then returns err (io.EOF when nil).
type scriptStream struct {
	mu     sync.Mutex
	events []llm.Event
	err    error
	closed bool
}

func textStream(chunks ...string) *scriptStream {
	s := &scriptStream{}
	for _, c := range chunks {
		s.events = append(s.events, llm.Event{Type: llm.EventTextDelta, Text: c})
	}
	return s
}

func (s *scriptStream) Recv() (llm.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		if s.err != nil {
			return llm.Event{Type: llm.EventError, Err: s.err}, s.err
		}
		return llm.Event{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *scriptStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *scriptStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// recordingSink keeps every write separately.
type recordingSink struct {
	writes  []string
	flushes int
}

func (r *recordingSink) Write(p []byte) (int, error) {
	r.writes = append(r.writes, string(p))
	return len(p), nil
}

func (r *recordingSink) Flush() { r.flushes++ }

func (r *recordingSink) String() string { return strings.Join(r.writes, "") }

type persistCall struct {
	userID, chatID, text string
	status               session.MessageStatus
}

type fakePersister struct {
	mu    sync.Mutex
	calls []persistCall
	err   error
	ctxOK bool
}

func (f *fakePersister) PersistAssistantMessage(ctx context.Context, userID, chatID, text string, status session.MessageStatus) (*session.Message, []session.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, persistCall{userID, chatID, text, status})
	f.ctxOK = ctx.Err() == nil
	if f.err != nil {
		return nil, nil, f.err
	}
	return &session.Message{ID: "m1", Content: text, Status: status}, nil, nil
}

func chars(s string) []string {
	var out []string
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

func TestRunCompletesScenario(t *testing.T) {
	p := &fakePersister{}
	r := New(p, zerolog.Nop())
	sink := &recordingSink{}
	upstream := textStream(chars(scenario)...)
	upstream.events = append(upstream.events,
		llm.Event{Type: llm.EventUsage, Use: &llm.Usage{InputTokens: 3, OutputTokens: 9}},
		llm.Event{Type: llm.EventDone})

	res := r.Run(context.Background(), Target{UserID: "u1", ChatID: "c1"}, upstream, sink)

	require.NoError(t, res.Err)
	assert.Equal(t, Completed, res.State)
	assert.Equal(t, scenario, sink.String())
	assert.Equal(t, scenario, res.Text)
	assert.Equal(t, len(scenario), res.Emitted)
	assert.Equal(t, 9, res.Usage.OutputTokens)
	assert.True(t, upstream.isClosed())
	assert.Positive(t, sink.flushes)
	assert.Positive(t, res.Stats.Held)

	require.Len(t, p.calls, 1)
	assert.Equal(t, persistCall{"u1", "c1", scenario, session.StatusComplete}, p.calls[0])
	require.NotNil(t, res.Message)
	assert.Equal(t, "m1", res.Message.ID)

	for _, w := range sink.writes {
		assert.NotEqual(t, "**", w, "a bare marker must not be emitted on its own")
	}
}

func TestRunBoldIsEmittedAsOneUnit(t *testing.T) {
	sink := &recordingSink{}
	res := New(nil, zerolog.Nop()).Run(context.Background(), Target{}, textStream("**bo", "ld**"), sink)
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"**bold**"}, sink.writes)
}

func TestRunUpstreamErrorFlushesAndPersistsPartial(t *testing.T) {
	p := &fakePersister{}
	sink := &recordingSink{}
	upstream := textStream("Intro\n", "```go\nfunc main() {")
	upstream.err = errors.New("upstream reset")

	res := New(p, zerolog.Nop()).Run(context.Background(), Target{UserID: "u", ChatID: "c"}, upstream, sink)

	assert.Equal(t, Errored, res.State)
	require.ErrorContains(t, res.Err, "upstream reset")
	assert.Equal(t, "Intro\n```go\nfunc main() {", sink.String(), "held fence text is force-flushed")
	require.Len(t, p.calls, 1)
	assert.Equal(t, session.StatusPartial, p.calls[0].status)
	assert.Equal(t, res.Text, p.calls[0].text)
}

func TestRunPersistFailureDoesNotChangeState(t *testing.T) {
	var logs bytes.Buffer
	p := &fakePersister{err: errors.New("db locked")}
	res := New(p, zerolog.New(&logs)).Run(context.Background(), Target{UserID: "u", ChatID: "c"}, textStream("hi"), &recordingSink{})

	assert.Equal(t, Completed, res.State)
	assert.NoError(t, res.Err)
	require.ErrorContains(t, res.PersistErr, "db locked")
	assert.Len(t, p.calls, 1, "persistence is not retried")
	assert.Contains(t, logs.String(), "persist assistant message failed")
	assert.Contains(t, logs.String(), `"chat_id":"c"`)
}

func TestRunSkipsPersistForEmptyText(t *testing.T) {
	p := &fakePersister{}
	upstream := &scriptStream{err: errors.New("401")}
	res := New(p, zerolog.Nop()).Run(context.Background(), Target{}, upstream, &recordingSink{})
	assert.Equal(t, Errored, res.State)
	assert.Empty(t, p.calls)
}

type brokenSink struct{ after int }

func (b *brokenSink) Write(p []byte) (int, error) {
	if b.after <= 0 {
		return 0, errors.New("broken pipe")
	}
	b.after--
	return len(p), nil
}

func TestRunSinkFailureClosesUpstream(t *testing.T) {
	p := &fakePersister{}
	upstream := textStream("one ", "two ", "three")
	res := New(p, zerolog.Nop()).Run(context.Background(), Target{}, upstream, &brokenSink{after: 1})

	assert.Equal(t, Errored, res.State)
	require.ErrorContains(t, res.Err, "broken pipe")
	assert.Equal(t, "one two ", res.Text, "reading stops at the failed write")
	assert.Equal(t, 4, res.Emitted)
	assert.True(t, upstream.isClosed())
	require.Len(t, p.calls, 1)
	assert.Equal(t, session.StatusPartial, p.calls[0].status)
}

// blockingStream yields one delta, then blocks until closed.
type blockingStream struct {
	sent   bool
	closed chan struct{}
	once   sync.Once
}

func (b *blockingStream) Recv() (llm.Event, error) {
	if !b.sent {
		b.sent = true
		return llm.Event{Type: llm.EventTextDelta, Text: "partial *answer"}, nil
	}
	<-b.closed
	return llm.Event{}, context.Canceled
}

func (b *blockingStream) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

func TestRunClientDisconnectPersistsWithDetachedContext(t *testing.T) {
	p := &fakePersister{}
	ctx, cancel := context.WithCancel(context.Background())
	upstream := &blockingStream{closed: make(chan struct{})}

	done := make(chan Result, 1)
	go func() {
		done <- New(p, zerolog.Nop()).Run(ctx, Target{UserID: "u", ChatID: "c"}, upstream, &recordingSink{})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	var res Result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, Errored, res.State)
	require.ErrorContains(t, res.Err, "client disconnected")
	require.Len(t, p.calls, 1)
	assert.Equal(t, "partial *answer", p.calls[0].text)
	assert.True(t, p.ctxOK, "persistence must not inherit the cancelled context")
}

func TestTurnRunsOnce(t *testing.T) {
	r := New(nil, zerolog.Nop())
	turn := r.Begin(Target{})
	assert.Equal(t, Idle, turn.State())

	res := turn.Run(context.Background(), textStream("a"), io.Discard)
	assert.Equal(t, Completed, res.State)
	assert.Equal(t, Completed, turn.State())

	again := turn.Run(context.Background(), textStream("b"), io.Discard)
	assert.ErrorIs(t, again.Err, ErrAlreadyRun)
	assert.Equal(t, Completed, again.State)
}

func TestRunWithDebugProvider(t *testing.T) {
	p := &fakePersister{}
	provider := llm.NewDebugProvider("instant")
	upstream, err := provider.Stream(context.Background(), llm.Request{})
	require.NoError(t, err)

	sink := &recordingSink{}
	res := New(p, zerolog.Nop()).Run(context.Background(), Target{UserID: "u", ChatID: "c"}, upstream, sink)
	require.NoError(t, res.Err)
	assert.Equal(t, llm.DebugMarkdown(), sink.String())
	assert.Equal(t, llm.DebugMarkdown(), res.Text)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "errored", Errored.String())
	assert.Equal(t, "State(9)", State(9).String())
}

func TestPrompt(t *testing.T) {
	t.Run("no history sends latest", func(t *testing.T) {
		got := Prompt("be brief", nil, "hi")
		assert.Equal(t, []llm.Message{llm.SystemText("be brief"), llm.UserText("hi")}, got)
	})

	t.Run("history replaces latest and skips empty turns", func(t *testing.T) {
		history := []session.Message{
			{Role: session.RoleUser, Content: "first"},
			{Role: session.RoleAssistant, Content: ""},
			{Role: session.RoleAssistant, Content: "answer"},
			{Role: session.RoleUser, Content: "second"},
		}
		got := Prompt("", history, "second")
		assert.Equal(t, []llm.Message{
			llm.UserText("first"),
			llm.AssistantText("answer"),
			llm.UserText("second"),
		}, got)
	})
}
