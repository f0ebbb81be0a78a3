package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

// scriptedProvider fails the first failures calls with err, optionally after
// emitting some text, then succeeds with "ok".
type scriptedProvider struct {
	calls     atomic.Int32
	failures  int32
	err       error
	textFirst string
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	n := p.calls.Add(1)
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		if n <= p.failures {
			if p.textFirst != "" {
				if err := sendEvent(ctx, events, Event{Type: EventTextDelta, Text: p.textFirst}); err != nil {
					return err
				}
			}
			return p.err
		}
		if err := sendEvent(ctx, events, Event{Type: EventTextDelta, Text: "ok"}); err != nil {
			return err
		}
		return sendEvent(ctx, events, Event{Type: EventDone})
	}), nil
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestRetryRecoversFromTransientError(t *testing.T) {
	inner := &scriptedProvider{failures: 2, err: &APIError{Provider: "x", StatusCode: http.StatusServiceUnavailable}}
	p := WrapWithRetry(inner, fastRetry())

	s, err := p.Stream(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	text, events, err := collect(t, s)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if text != "ok" {
		t.Fatalf("text=%q", text)
	}
	retries := 0
	for _, ev := range events {
		if ev.Type == EventRetry {
			retries++
		}
	}
	if retries != 2 || inner.calls.Load() != 3 {
		t.Fatalf("retries=%d calls=%d, want 2 and 3", retries, inner.calls.Load())
	}
}

func TestRetryGivesUpOnPermanentError(t *testing.T) {
	inner := &scriptedProvider{failures: 5, err: &APIError{Provider: "x", StatusCode: http.StatusUnauthorized}}
	p := WrapWithRetry(inner, fastRetry())
	s, _ := p.Stream(context.Background(), Request{})
	_, _, err := collect(t, s)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("err=%v, want 401 APIError", err)
	}
	if inner.calls.Load() != 1 {
		t.Fatalf("calls=%d, want 1", inner.calls.Load())
	}
}

func TestRetryDoesNotReplayAfterText(t *testing.T) {
	inner := &scriptedProvider{failures: 1, err: fmt.Errorf("connection reset by peer"), textFirst: "half"}
	p := WrapWithRetry(inner, fastRetry())
	s, _ := p.Stream(context.Background(), Request{})
	text, _, err := collect(t, s)
	if err == nil {
		t.Fatal("expected the mid-stream error to surface")
	}
	if text != "half" {
		t.Fatalf("text=%q, want only the first attempt's output", text)
	}
	if inner.calls.Load() != 1 {
		t.Fatalf("calls=%d, want 1", inner.calls.Load())
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.Canceled, false},
		{&APIError{StatusCode: 429}, true},
		{&APIError{StatusCode: 502}, true},
		{&APIError{StatusCode: 400}, false},
		{fmt.Errorf("wrapped: %w", &APIError{StatusCode: 503}), true},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("Rate limit exceeded"), true},
		{errors.New("invalid model"), false},
		{&net.DNSError{Err: "server misbehaving", Name: "api.example.com", IsTimeout: true}, true},
	}
	for _, tt := range tests {
		if got := isRetryable(tt.err); got != tt.want {
			t.Errorf("isRetryable(%v)=%v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestCalculateBackoff(t *testing.T) {
	r := &RetryProvider{config: RetryConfig{MaxAttempts: 3, BaseBackoff: 100 * time.Millisecond, MaxBackoff: 2 * time.Second}}

	if got := r.calculateBackoff(1, &APIError{StatusCode: 429, RetryAfter: time.Second}); got != time.Second {
		t.Errorf("Retry-After header: got %s", got)
	}
	if got := r.calculateBackoff(1, &APIError{StatusCode: 429, RetryAfter: time.Minute}); got != 2*time.Second {
		t.Errorf("Retry-After must be capped, got %s", got)
	}
	if got := r.calculateBackoff(1, errors.New("please retry after 1 seconds")); got != time.Second {
		t.Errorf("Retry-After in message: got %s", got)
	}
	got := r.calculateBackoff(2, errors.New("503"))
	if got < 150*time.Millisecond || got > 250*time.Millisecond {
		t.Errorf("attempt 2 backoff %s outside jitter window", got)
	}
}
