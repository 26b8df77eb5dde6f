//go:build !linux

package eventloop

import (
	"context"
	"log/slog"
	"time"
)

// Loop is unavailable on this platform.
type Loop struct{}

// Event is unavailable on this platform.
type Event struct{}

// New always fails with ErrUnsupportedPlatform.
func New(logger *slog.Logger) (*Loop, error) {
	return nil, ErrUnsupportedPlatform
}

// AddReadEvent always fails with ErrUnsupportedPlatform.
func (l *Loop) AddReadEvent(fd int, cb func(fd int)) (*Event, error) {
	return nil, ErrUnsupportedPlatform
}

// Del is a no-op.
func (e *Event) Del() error { return nil }

// Fd returns -1.
func (e *Event) Fd() int { return -1 }

// Len returns 0.
func (l *Loop) Len() int { return 0 }

// RunOnce always fails with ErrUnsupportedPlatform.
func (l *Loop) RunOnce(timeout time.Duration) (int, error) {
	return 0, ErrUnsupportedPlatform
}

// Run always fails with ErrUnsupportedPlatform.
func (l *Loop) Run(ctx context.Context) error {
	return ErrUnsupportedPlatform
}

// Post always fails with ErrUnsupportedPlatform.
func (l *Loop) Post(fn func()) error {
	return ErrUnsupportedPlatform
}

// Stop is a no-op.
func (l *Loop) Stop() {}

// Close is a no-op.
func (l *Loop) Close() error { return nil }
