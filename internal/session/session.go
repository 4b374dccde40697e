// Package session holds the state shared by every stage of a single capture
// or playback run: a fixed set of named one-shot completion signals and a
// monotone cancellation flag. It is created once at startup, passed
// explicitly into every stage, and never reset mid-run.
package session

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Session couples the completion signals and the cancellation flag for one
// pipeline run. Cancellation is cooperative: setting it wakes registered
// hooks (typically buffer Cancel methods) so that every blocked stage
// unwinds promptly, and it is never cleared.
type Session struct {
	cancelled atomic.Bool

	mu    sync.Mutex
	hooks []func()
	done  map[string]chan struct{}
}

// New creates a Session with the given fixed set of completion signal names,
// one per stage family.
func New(names ...string) *Session {
	s := &Session{done: make(map[string]chan struct{}, len(names))}
	for _, name := range names {
		s.done[name] = make(chan struct{})
	}
	return s
}

// Cancel sets the cancellation flag and runs all registered hooks. It is
// idempotent; hooks run at most once.
func (s *Session) Cancel() {
	if !s.cancelled.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	hooks := s.hooks
	s.hooks = nil
	s.mu.Unlock()
	for _, f := range hooks {
		f()
	}
}

// Cancelled reports whether the session has been cancelled.
func (s *Session) Cancelled() bool {
	return s.cancelled.Load()
}

// OnCancel registers f to run when the session is cancelled. If the session
// is already cancelled, f runs immediately.
func (s *Session) OnCancel(f func()) {
	s.mu.Lock()
	if s.cancelled.Load() {
		s.mu.Unlock()
		f()
		return
	}
	s.hooks = append(s.hooks, f)
	s.mu.Unlock()
}

// Complete posts the named completion signal. Posting the same signal more
// than once is a no-op; posting a name that was not registered at
// construction panics, since the signal set is fixed for the session.
func (s *Session) Complete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.done[name]
	if !ok {
		panic(fmt.Sprintf("session: unknown completion signal %q", name))
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// Done returns a channel closed when the named signal has been posted.
// Unknown names panic, matching Complete.
func (s *Session) Done(name string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.done[name]
	if !ok {
		panic(fmt.Sprintf("session: unknown completion signal %q", name))
	}
	return ch
}

// Wait blocks until every named signal has been posted.
func (s *Session) Wait(names ...string) {
	for _, name := range names {
		<-s.Done(name)
	}
}
