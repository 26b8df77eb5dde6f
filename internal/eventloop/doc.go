// Package eventloop provides a single-threaded readiness loop for
// non-blocking sockets.
//
// A Loop owns an epoll instance. Callers register persistent read events for
// file descriptors; every time a descriptor becomes readable the loop invokes
// its callback on the goroutine running Run or RunOnce. Callbacks run to
// completion before the loop waits again, so a callback that blocks stalls
// every other descriptor on the same loop.
//
// # Thread Safety
//
// AddReadEvent, Event.Del, RunOnce, Run and Close must be called from the
// goroutine that drives the loop (or before it starts). Stop and Post may be
// called from any goroutine; Post is how other goroutines get work done on
// the loop.
package eventloop

import "errors"

var (
	// ErrClosed is returned when operating on a closed loop.
	ErrClosed = errors.New("event loop closed")

	// ErrDuplicate is returned when a descriptor is registered twice.
	ErrDuplicate = errors.New("descriptor already registered")

	// ErrUnsupportedPlatform is returned by New where no poller is available.
	ErrUnsupportedPlatform = errors.New("event loop not supported on this platform")
)
