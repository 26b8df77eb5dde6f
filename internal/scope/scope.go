// Package scope ties resource cleanup to the end of an owning lifetime.
//
// A Scope collects cleanup functions and runs them exactly once, in reverse
// registration order, when it is closed. Components register their teardown
// at construction time so that release happens on every exit path without
// explicit teardown calls.
package scope

import "sync"

// Scope is a lifetime that owns a list of cleanups.
type Scope struct {
	mu       sync.Mutex
	cleanups []func()
	closed   bool
	children []*Scope
}

// New creates an open scope.
func New() *Scope {
	return &Scope{}
}

// Child creates a scope that is closed when s is closed. It may also be
// closed on its own earlier.
func (s *Scope) Child() *Scope {
	c := New()
	s.mu.Lock()
	closed := s.closed
	if !closed {
		s.children = append(s.children, c)
	}
	s.mu.Unlock()
	if closed {
		c.Close()
	}
	return c
}

// OnClose registers fn to run when the scope closes. If the scope is
// already closed, fn runs immediately.
func (s *Scope) OnClose(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.cleanups = append(s.cleanups, fn)
	s.mu.Unlock()
}

// Close runs the registered cleanups, children first, then the scope's own
// cleanups in reverse order. Subsequent calls do nothing.
func (s *Scope) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	children := s.children
	cleanups := s.cleanups
	s.children = nil
	s.cleanups = nil
	s.mu.Unlock()

	for i := len(children) - 1; i >= 0; i-- {
		children[i].Close()
	}
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
}

// Closed reports whether Close has been called.
func (s *Scope) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
