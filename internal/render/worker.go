package render

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Worker.Render after Close.
var ErrClosed = errors.New("render: worker closed")

// Request asks a Worker for one render.
type Request struct {
	Markdown   string `json:"markdown"`
	IsDarkMode bool   `json:"isDarkMode"`
}

type job struct {
	ctx   context.Context
	req   Request
	reply chan Result
}

// Worker runs renders on its own goroutine, one at a time, so that a slow
// highlighter load or a large document never runs on the caller's
// goroutine. It signals Ready once, after the highlighter loaded or the
// init timeout passed.
type Worker struct {
	pipeline    *Pipeline
	initTimeout time.Duration

	jobs      chan job
	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	stopped   chan struct{}
}

// NewWorker starts a worker. The highlighter starts loading immediately.
func NewWorker(p *Pipeline, initTimeout time.Duration) *Worker {
	w := &Worker{
		pipeline:    p,
		initTimeout: initTimeout,
		jobs:        make(chan job),
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	go w.loop()
	return w
}

// Ready is closed once the worker accepts renders.
func (w *Worker) Ready() <-chan struct{} { return w.ready }

func (w *Worker) loop() {
	defer close(w.stopped)

	if hl := w.pipeline.Highlighter(); hl != nil {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-w.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		hl.Initialize(ctx, w.initTimeout)
		cancel()
	}
	close(w.ready)

	for {
		select {
		case <-w.done:
			return
		case j := <-w.jobs:
			if j.ctx.Err() != nil {
				continue
			}
			j.reply <- w.pipeline.Render(j.req.Markdown, j.req.IsDarkMode)
		}
	}
}

// Render queues req and waits for its result. Renders submitted before
// Ready wait for it.
func (w *Worker) Render(ctx context.Context, req Request) (Result, error) {
	j := job{ctx: ctx, req: req, reply: make(chan Result, 1)}
	select {
	case w.jobs <- j:
	case <-w.done:
		return Result{}, ErrClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	select {
	case res := <-j.reply:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Close stops the worker after the render in progress, if any, and waits
// for it to exit.
func (w *Worker) Close() {
	w.closeOnce.Do(func() { close(w.done) })
	<-w.stopped
}
