// Package notify provides the hand-off primitives used between foreground
// operations and background workers.
package notify

import (
	"context"
	"sync"
)

// Signal broadcasts "something changed" to any number of waiters. A waiter
// takes C(), checks its condition, and blocks on the channel; Notify closes
// the current channel and installs a fresh one.
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewSignal creates a ready-to-use Signal.
func NewSignal() *Signal { return &Signal{ch: make(chan struct{})} }

// Notify wakes every current waiter.
func (s *Signal) Notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.ch)
	s.ch = make(chan struct{})
}

// C returns the channel closed by the next Notify.
func (s *Signal) C() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// WaitFor blocks until cond returns true, re-checking after every Notify.
func (s *Signal) WaitFor(ctx context.Context, cond func() bool) error {
	for {
		ch := s.C()
		if cond() {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
