package llm

import (
	"context"
	"io"
)

// eventStream adapts a producer goroutine to the Stream interface.
type eventStream struct {
	events chan Event
	cancel context.CancelFunc
	// err is written before events is closed and read only after.
	err error
}

// newEventStream runs produce in a goroutine. Whatever produce returns is
// reported by Recv once all events have been consumed: nil becomes io.EOF.
func newEventStream(parent context.Context, produce func(ctx context.Context, events chan<- Event) error) Stream {
	ctx, cancel := context.WithCancel(parent)
	s := &eventStream{
		events: make(chan Event, 16),
		cancel: cancel,
	}
	go func() {
		s.err = produce(ctx, s.events)
		close(s.events)
	}()
	return s
}

func (s *eventStream) Recv() (Event, error) {
	ev, ok := <-s.events
	if !ok {
		if s.err != nil {
			return Event{Type: EventError, Err: s.err}, s.err
		}
		return Event{}, io.EOF
	}
	if ev.Type == EventError && ev.Err != nil {
		return ev, ev.Err
	}
	return ev, nil
}

// Close cancels the producer and drains anything it still sends.
func (s *eventStream) Close() error {
	s.cancel()
	go func() {
		for range s.events {
		}
	}()
	return nil
}

// sendEvent delivers ev unless ctx is done first.
func sendEvent(ctx context.Context, events chan<- Event, ev Event) error {
	select {
	case events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
