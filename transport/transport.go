// Package transport provides concrete transports for the session package:
// plain TCP and WebSocket tunneling. Both guarantee the session's callback
// contract: every event is dispatched from a single goroutine, one at a
// time, and all teardown paths converge on a single OnClosed.
package transport

import (
	"errors"
	"strings"
	"time"
)

const (
	// DefaultDialTimeout bounds the asynchronous connect.
	DefaultDialTimeout = 5 * time.Second

	readBufferSize = 16 * 1024
)

// ErrNotBound is returned when a transport is used before Bind.
var ErrNotBound = errors.New("transport: no event sink bound")

// ErrClosed is returned by Send after the transport shut down.
var ErrClosed = errors.New("transport: closed")

// dispatcher serializes event callbacks onto one goroutine. Producers post
// closures; once the dispatcher stops (after delivering OnClosed), further
// posts are discarded instead of blocking the producer goroutines.
type dispatcher struct {
	tasks   chan func()
	stopped chan struct{}
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		tasks:   make(chan func(), 64),
		stopped: make(chan struct{}),
	}
}

func (d *dispatcher) run() {
	defer close(d.stopped)
	for f := range d.tasks {
		if f == nil {
			return
		}
		f()
	}
}

func (d *dispatcher) post(f func()) {
	select {
	case d.tasks <- f:
	case <-d.stopped:
	}
}

// stop ends the run loop after everything queued so far has been delivered.
func (d *dispatcher) stop() {
	d.post(nil)
}

// isShutdownError reports network errors that are expected during normal
// teardown and not worth logging at error level.
func isShutdownError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "connection reset by peer") ||
		strings.Contains(errStr, "broken pipe")
}
