//go:build linux

package eventloop

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/postalsys/muti-link/internal/logging"
	"github.com/postalsys/muti-link/internal/recovery"
)

const maxEventsPerWait = 64

// Loop is an epoll based event loop.
type Loop struct {
	epfd   int
	wakefd int
	logger *slog.Logger

	events  map[int]*Event
	ready   [maxEventsPerWait]unix.EpollEvent
	stopped bool

	// mu guards the posted queue, closed and writes to wakefd.
	mu       sync.Mutex
	posted   []func()
	closed   bool
	stopWant atomic.Bool
}

// Event is a persistent read-readiness registration.
type Event struct {
	loop    *Loop
	fd      int
	cb      func(fd int)
	deleted bool
}

// New creates an event loop. A nil logger discards output.
func New(logger *slog.Logger) (*Loop, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("register wakeup descriptor: %w", err)
	}

	return &Loop{
		epfd:   epfd,
		wakefd: wakefd,
		logger: logger.With(logging.KeyComponent, "eventloop"),
		events: make(map[int]*Event),
	}, nil
}

// AddReadEvent registers cb to run every time fd is readable. The
// registration stays active until Del is called on the returned Event.
func (l *Loop) AddReadEvent(fd int, cb func(fd int)) (*Event, error) {
	if l.closed {
		return nil, ErrClosed
	}
	if _, ok := l.events[fd]; ok {
		return nil, fmt.Errorf("fd %d: %w", fd, ErrDuplicate)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return nil, fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}

	e := &Event{loop: l, fd: fd, cb: cb}
	l.events[fd] = e
	return e, nil
}

// Del removes the registration. It is safe to call more than once and from
// within the event's own callback.
func (e *Event) Del() error {
	if e.deleted {
		return nil
	}
	e.deleted = true

	l := e.loop
	if cur, ok := l.events[e.fd]; ok && cur == e {
		delete(l.events, e.fd)
	}
	if l.closed {
		return nil
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, e.fd, nil); err != nil && !errors.Is(err, unix.EBADF) && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("epoll_ctl del fd %d: %w", e.fd, err)
	}
	return nil
}

// Fd returns the registered descriptor.
func (e *Event) Fd() int {
	return e.fd
}

// Len returns the number of active registrations.
func (l *Loop) Len() int {
	return len(l.events)
}

// RunOnce waits up to timeout for readiness and dispatches the ready
// callbacks. A negative timeout waits indefinitely. It returns the number of
// callbacks invoked.
func (l *Loop) RunOnce(timeout time.Duration) (int, error) {
	if l.closed {
		return 0, ErrClosed
	}

	msec := -1
	if timeout >= 0 {
		msec = int(timeout / time.Millisecond)
	}

	n, err := unix.EpollWait(l.epfd, l.ready[:], msec)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll_wait: %w", err)
	}

	dispatched := 0
	for i := 0; i < n; i++ {
		fd := int(l.ready[i].Fd)
		if fd == l.wakefd {
			l.drainWakeup()
			continue
		}
		e, ok := l.events[fd]
		if !ok {
			continue
		}
		l.dispatch(e)
		dispatched++
	}
	return dispatched, nil
}

// Run dispatches events until Stop is called or ctx is done. It returns
// ctx.Err() when the context ended the loop and nil after Stop.
func (l *Loop) Run(ctx context.Context) error {
	release := context.AfterFunc(ctx, l.Stop)
	defer release()

	l.stopped = false
	for !l.stopped {
		if _, err := l.RunOnce(-1); err != nil {
			return err
		}
	}
	l.stopped = false
	return ctx.Err()
}

// Stop wakes the loop and makes Run return. It may be called from any
// goroutine.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.stopWant.Store(true)
	l.wakeLocked()
}

// Post queues fn to run on the loop goroutine during the next dispatch
// round. Functions run in the order they were posted. It may be called from
// any goroutine and returns ErrClosed once the loop is closed.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.posted = append(l.posted, fn)
	l.wakeLocked()
	return nil
}

func (l *Loop) wakeLocked() {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(l.wakefd, one[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		l.logger.Debug("wakeup write failed", logging.KeyError, err)
	}
}

// Close releases the loop's descriptors. Registered events are dropped
// without closing their descriptors.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	dropped := len(l.posted)
	l.posted = nil
	l.mu.Unlock()

	if dropped > 0 {
		l.logger.Debug("discarding posted functions", logging.KeyCount, dropped)
	}
	for fd, e := range l.events {
		e.deleted = true
		delete(l.events, fd)
	}
	werr := unix.Close(l.wakefd)
	if err := unix.Close(l.epfd); err != nil {
		return fmt.Errorf("close epoll: %w", err)
	}
	if werr != nil {
		return fmt.Errorf("close eventfd: %w", werr)
	}
	return nil
}

func (l *Loop) drainWakeup() {
	var buf [8]byte
	for {
		if _, err := unix.Read(l.wakefd, buf[:]); err != nil {
			break
		}
	}

	l.mu.Lock()
	posted := l.posted
	l.posted = nil
	l.mu.Unlock()

	for _, fn := range posted {
		l.runPosted(fn)
	}

	if l.stopWant.Swap(false) {
		l.stopped = true
	}
}

func (l *Loop) runPosted(fn func()) {
	defer recovery.RecoverWithLog(l.logger, "eventloop")
	fn()
}

func (l *Loop) dispatch(e *Event) {
	defer recovery.RecoverWithLog(l.logger, "eventloop")
	e.cb(e.fd)
}
