// Package signal ties process shutdown signals to contexts.
package signal

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// NotifyContext returns a context that is cancelled when SIGINT or SIGTERM is
// received. A second signal after the first exits the process with status 130.
// The returned stop function should be called to release resources.
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case <-ch:
			cancel()
		case <-done:
			return
		}
		select {
		case <-ch:
			os.Exit(130)
		case <-done:
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			signal.Stop(ch)
			close(done)
			cancel()
		})
	}
	return ctx, stop
}
