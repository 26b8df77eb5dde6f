//go:build linux

package eventloop

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"golang.org/x/sys/unix"

	"github.com/postalsys/muti-link/internal/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func readOne(fd int) {
	var b [1]byte
	unix.Read(fd, b[:])
}

func TestLoop_PersistentReadEvent(t *testing.T) {
	l := newLoop(t)
	r, w := newPipe(t)

	calls := 0
	if _, err := l.AddReadEvent(r, func(fd int) {
		if fd != r {
			t.Errorf("callback fd = %d, want %d", fd, r)
		}
		readOne(fd)
		calls++
	}); err != nil {
		t.Fatalf("AddReadEvent: %v", err)
	}

	unix.Write(w, []byte("ab"))

	for i := 0; i < 2; i++ {
		n, err := l.RunOnce(time.Second)
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if n != 1 {
			t.Fatalf("RunOnce dispatched %d events, want 1", n)
		}
	}
	if calls != 2 {
		t.Errorf("callback ran %d times, want 2", calls)
	}

	n, err := l.RunOnce(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 0 {
		t.Errorf("RunOnce on drained pipe dispatched %d events, want 0", n)
	}
}

func TestEvent_Del(t *testing.T) {
	l := newLoop(t)
	r, w := newPipe(t)

	called := false
	ev, err := l.AddReadEvent(r, func(int) { called = true })
	if err != nil {
		t.Fatalf("AddReadEvent: %v", err)
	}
	if l.Len() != 1 {
		t.Errorf("Len() = %d, want 1", l.Len())
	}

	if err := ev.Del(); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if err := ev.Del(); err != nil {
		t.Errorf("second Del: %v", err)
	}
	if l.Len() != 0 {
		t.Errorf("Len() after Del = %d, want 0", l.Len())
	}

	unix.Write(w, []byte("x"))
	if n, _ := l.RunOnce(20 * time.Millisecond); n != 0 {
		t.Errorf("RunOnce after Del dispatched %d events", n)
	}
	if called {
		t.Error("callback ran after Del")
	}

	if _, err := l.AddReadEvent(r, func(int) {}); err != nil {
		t.Errorf("re-adding after Del: %v", err)
	}
}

func TestEvent_DelFromCallback(t *testing.T) {
	l := newLoop(t)
	r, w := newPipe(t)

	calls := 0
	var ev *Event
	ev, err := l.AddReadEvent(r, func(int) {
		calls++
		ev.Del()
	})
	if err != nil {
		t.Fatalf("AddReadEvent: %v", err)
	}

	unix.Write(w, []byte("xx"))
	l.RunOnce(time.Second)
	l.RunOnce(20 * time.Millisecond)

	if calls != 1 {
		t.Errorf("callback ran %d times, want 1", calls)
	}
}

func TestLoop_Duplicate(t *testing.T) {
	l := newLoop(t)
	r, _ := newPipe(t)

	if _, err := l.AddReadEvent(r, func(int) {}); err != nil {
		t.Fatalf("AddReadEvent: %v", err)
	}
	if _, err := l.AddReadEvent(r, func(int) {}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate AddReadEvent error = %v, want ErrDuplicate", err)
	}
}

func TestLoop_Closed(t *testing.T) {
	l, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r, _ := newPipe(t)
	ev, err := l.AddReadEvent(r, func(int) {})
	if err != nil {
		t.Fatalf("AddReadEvent: %v", err)
	}

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := ev.Del(); err != nil {
		t.Errorf("Del after Close: %v", err)
	}
	if _, err := l.AddReadEvent(r, func(int) {}); !errors.Is(err, ErrClosed) {
		t.Errorf("AddReadEvent after Close error = %v, want ErrClosed", err)
	}
	if _, err := l.RunOnce(0); !errors.Is(err, ErrClosed) {
		t.Errorf("RunOnce after Close error = %v, want ErrClosed", err)
	}
}

func TestLoop_Stop(t *testing.T) {
	l := newLoop(t)

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	l.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v after Stop, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestLoop_RunContextCancel(t *testing.T) {
	l := newLoop(t)
	r, w := newPipe(t)

	ctx, cancel := context.WithCancel(context.Background())
	received := make(chan struct{}, 1)
	if _, err := l.AddReadEvent(r, func(fd int) {
		readOne(fd)
		received <- struct{}{}
	}); err != nil {
		t.Fatalf("AddReadEvent: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	unix.Write(w, []byte("x"))
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked by Run")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestLoop_CallbackPanicRecovered(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(logging.NewLoggerWithWriter("debug", "text", &buf))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()
	r, w := newPipe(t)

	calls := 0
	if _, err := l.AddReadEvent(r, func(fd int) {
		readOne(fd)
		calls++
		if calls == 1 {
			panic("boom")
		}
	}); err != nil {
		t.Fatalf("AddReadEvent: %v", err)
	}

	unix.Write(w, []byte("ab"))
	l.RunOnce(time.Second)
	l.RunOnce(time.Second)

	if calls != 2 {
		t.Errorf("callback ran %d times, want 2", calls)
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Errorf("expected panic to be logged, got: %s", buf.String())
	}
}

func TestLoop_PostRunsInOrder(t *testing.T) {
	l := newLoop(t)

	var order []int
	for i := 0; i < 3; i++ {
		if err := l.Post(func() { order = append(order, i) }); err != nil {
			t.Fatalf("Post: %v", err)
		}
	}
	if len(order) != 0 {
		t.Fatal("posted functions ran before the loop was driven")
	}

	if _, err := l.RunOnce(time.Second); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Errorf("order = %v, want [0 1 2]", order)
	}
}

func TestLoop_PostDoesNotStopRun(t *testing.T) {
	l := newLoop(t)

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	const workers, perWorker = 8, 50
	ran := make(chan struct{}, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if err := l.Post(func() { ran <- struct{}{} }); err != nil {
					t.Errorf("Post: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	for i := 0; i < workers*perWorker; i++ {
		select {
		case <-ran:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d posted functions ran", i, workers*perWorker)
		}
	}

	select {
	case err := <-done:
		t.Fatalf("Run returned early: %v", err)
	default:
	}

	l.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestLoop_PostAfterClose(t *testing.T) {
	l, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := l.Post(func() { t.Error("discarded function ran") }); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := l.Post(func() {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Post after Close error = %v, want ErrClosed", err)
	}
	// Stop after Close must not touch the closed eventfd
	l.Stop()
}

func TestLoop_PostPanicRecovered(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(logging.NewLoggerWithWriter("debug", "text", &buf))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	after := false
	l.Post(func() { panic("boom") })
	l.Post(func() { after = true })

	if _, err := l.RunOnce(time.Second); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !after {
		t.Error("function posted after a panicking one did not run")
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Errorf("expected panic to be logged, got: %s", buf.String())
	}
}
