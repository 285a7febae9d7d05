// Package broadcast implements the listener fan-out set used for one command
// key, or for error notifications, within a caller session.
//
// Writers (add, remove, kill) are serialized by a mutex and publish a fresh
// copy of the member list; readers fan out over whatever snapshot they load,
// so a broadcast running on a transport goroutine never races a concurrent
// mutation from the dispatcher.
package broadcast

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrKilled is returned when adding to a group that has been killed.
var ErrKilled = errors.New("broadcast group killed")

// Member is anything that can sit in a group. Members are identified by ID;
// adding the same ID twice is a no-op.
type Member interface {
	ID() string
}

// Group is an ordered, deduplicated set of members.
type Group[T Member] struct {
	name   string
	logger *slog.Logger

	mu      sync.Mutex
	members atomic.Pointer[[]T]
	killed  atomic.Bool
}

// New creates an empty, active group. name is only used in log lines.
func New[T Member](name string, logger *slog.Logger) *Group[T] {
	g := &Group[T]{name: name, logger: logger}
	empty := []T{}
	g.members.Store(&empty)
	return g
}

// Add appends m. first is true when the group went from empty to one member.
func (g *Group[T]) Add(m T) (first bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.killed.Load() {
		return false, ErrKilled
	}
	cur := *g.members.Load()
	for _, existing := range cur {
		if existing.ID() == m.ID() {
			return false, nil
		}
	}
	next := make([]T, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, m)
	g.members.Store(&next)
	return len(cur) == 0, nil
}

// Remove drops the member with the given id. removed reports whether it was
// present; last is true when that removal emptied the group.
func (g *Group[T]) Remove(id string) (removed, last bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cur := *g.members.Load()
	idx := -1
	for i, m := range cur {
		if m.ID() == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, false
	}
	next := make([]T, 0, len(cur)-1)
	next = append(next, cur[:idx]...)
	next = append(next, cur[idx+1:]...)
	g.members.Store(&next)
	return true, len(next) == 0
}

// Kill detaches every member and makes the group terminal. It returns the
// members that were detached. Killing twice is harmless.
func (g *Group[T]) Kill() []T {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.killed.Swap(true) {
		return nil
	}
	cur := *g.members.Load()
	empty := []T{}
	g.members.Store(&empty)
	return cur
}

func (g *Group[T]) Killed() bool { return g.killed.Load() }

func (g *Group[T]) Len() int { return len(*g.members.Load()) }

func (g *Group[T]) Empty() bool { return g.Len() == 0 }

// Snapshot returns the current members in registration order.
func (g *Group[T]) Snapshot() []T {
	cur := *g.members.Load()
	out := make([]T, len(cur))
	copy(out, cur)
	return out
}

// Broadcast calls deliver for every member of the current snapshot. A member
// whose delivery fails or panics is logged and skipped; it stays in the group.
func (g *Group[T]) Broadcast(deliver func(T) error) (delivered, failed int) {
	for _, m := range *g.members.Load() {
		if err := g.deliverOne(m, deliver); err != nil {
			failed++
			g.logger.Warn("listener delivery failed",
				"group", g.name,
				"listener", m.ID(),
				"error", err,
			)
			continue
		}
		delivered++
	}
	return delivered, failed
}

func (g *Group[T]) deliverOne(m T, deliver func(T) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	return deliver(m)
}
