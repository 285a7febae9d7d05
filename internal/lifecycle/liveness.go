// Package lifecycle watches caller liveness channels and turns a caller's
// disappearance into a queued cleanup.
package lifecycle

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// ErrDisconnected is returned when attaching to a liveness channel whose
// caller is already gone.
var ErrDisconnected = errors.New("caller already disconnected")

// Liveness is a caller's one-shot disconnect notification source.
type Liveness interface {
	// Watch arranges for onDisconnect to run at most once when the caller
	// disappears. The returned handle stops the watch.
	Watch(onDisconnect func()) (Handle, error)
}

// Handle is a registered watch. Cancel is idempotent and safe to call from
// any goroutine; after it returns the callback will not start.
type Handle interface {
	Cancel()
}

// watch is the shared one-shot state behind every Handle in this package.
type watch struct {
	mu        sync.Mutex
	fired     bool
	cancelled bool
	fn        func()
	stop      chan struct{}
	// release, when set, drops the watch from its owner on Cancel.
	release func(*watch)
}

func newWatch(fn func()) *watch {
	return &watch{fn: fn, stop: make(chan struct{})}
}

func (w *watch) fire() {
	w.mu.Lock()
	if w.fired || w.cancelled {
		w.mu.Unlock()
		return
	}
	w.fired = true
	fn := w.fn
	w.mu.Unlock()
	fn()
}

func (w *watch) Cancel() {
	w.mu.Lock()
	if w.cancelled {
		w.mu.Unlock()
		return
	}
	w.cancelled = true
	close(w.stop)
	release := w.release
	w.mu.Unlock()

	if release != nil {
		release(w)
	}
}

// contextLiveness treats the end of a context as the caller disconnecting.
type contextLiveness struct {
	ctx context.Context
}

// FromContext returns a Liveness that fires when ctx is done. Serving
// goroutines pass their request context so a dropped connection becomes a
// disconnect.
func FromContext(ctx context.Context) Liveness {
	return contextLiveness{ctx: ctx}
}

func (c contextLiveness) Watch(onDisconnect func()) (Handle, error) {
	if c.ctx.Err() != nil {
		return nil, ErrDisconnected
	}
	w := newWatch(onDisconnect)
	go func() {
		select {
		case <-c.ctx.Done():
			w.fire()
		case <-w.stop:
		}
	}()
	return w, nil
}

// Signal is a manually triggered Liveness.
type Signal struct {
	mu      sync.Mutex
	dead    bool
	watches []*watch
}

func NewSignal() *Signal {
	return &Signal{}
}

func (s *Signal) Watch(onDisconnect func()) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return nil, ErrDisconnected
	}
	w := newWatch(onDisconnect)
	w.release = s.remove
	s.watches = append(s.watches, w)
	return w, nil
}

func (s *Signal) remove(w *watch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.watches {
		if cur == w {
			s.watches = slices.Delete(s.watches, i, i+1)
			return
		}
	}
}

// Disconnect fires every live watch once. Later calls do nothing.
func (s *Signal) Disconnect() {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return
	}
	s.dead = true
	watches := s.watches
	s.watches = nil
	s.mu.Unlock()

	for _, w := range watches {
		w.fire()
	}
}

// Watchers counts watches that are neither cancelled nor fired.
func (s *Signal) Watchers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches)
}
