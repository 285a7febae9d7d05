// Package router fans inbound device traffic out to the listeners of one
// caller session. A Router is the transport.Handler of its session: it runs on
// the session's delivery goroutine and reads the key table directly, never
// going through the dispatcher.
package router

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mattjoyce/cpucom/internal/broadcast"
	"github.com/mattjoyce/cpucom/internal/command"
	"github.com/mattjoyce/cpucom/internal/transport"
)

// Listener receives commands for the keys it subscribed to. Payloads are
// shared between listeners and must be treated as read-only.
type Listener interface {
	ID() string
	OnCommand(cmd command.Command) error
}

// ErrorListener receives channel-wide error notifications.
type ErrorListener interface {
	ID() string
	OnError(key command.Key, code int) error
}

type (
	CommandGroup = broadcast.Group[Listener]
	ErrorGroup   = broadcast.Group[ErrorListener]
)

var _ transport.Handler = (*Router)(nil)

// Router holds one session's key table and error slot. Mutators are called
// from the dispatcher; OnCommand and OnError from the transport.
type Router struct {
	caller string
	logger *slog.Logger

	mu     sync.RWMutex
	groups map[command.Key]*CommandGroup

	errGroup atomic.Pointer[ErrorGroup]
}

func New(caller string, logger *slog.Logger) *Router {
	return &Router{
		caller: caller,
		logger: logger,
		groups: make(map[command.Key]*CommandGroup),
	}
}

func (r *Router) Caller() string { return r.caller }

// Group returns the group for key, creating it when create is set. created
// reports whether a new group was made.
func (r *Router) Group(key command.Key, create bool) (g *CommandGroup, created bool) {
	r.mu.RLock()
	g, ok := r.groups[key]
	r.mu.RUnlock()
	if ok || !create {
		return g, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok = r.groups[key]; ok {
		return g, false
	}
	g = broadcast.New[Listener](r.caller+"/"+key.String(), r.logger)
	r.groups[key] = g
	return g, true
}

// Drop removes the group for key and returns it.
func (r *Router) Drop(key command.Key) (*CommandGroup, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[key]
	if ok {
		delete(r.groups, key)
	}
	return g, ok
}

// DropAll empties the table and returns every group it held, keyed.
func (r *Router) DropAll() map[command.Key]*CommandGroup {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.groups
	r.groups = make(map[command.Key]*CommandGroup)
	return out
}

// Keys lists subscribed keys in hash order.
func (r *Router) Keys() []command.Key {
	r.mu.RLock()
	keys := make([]command.Key, 0, len(r.groups))
	for k := range r.groups {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].Hash() < keys[j].Hash() })
	return keys
}

func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups)
}

// ErrorGroup returns the current error group, or nil.
func (r *Router) ErrorGroup() *ErrorGroup { return r.errGroup.Load() }

// SwapErrorGroup installs g (which may be nil) and returns the previous group.
func (r *Router) SwapErrorGroup(g *ErrorGroup) *ErrorGroup { return r.errGroup.Swap(g) }

// OnCommand fans cmd out to the listeners of its key.
func (r *Router) OnCommand(cmd command.Command) {
	g, _ := r.Group(cmd.Key, false)
	if g == nil {
		r.logger.Debug("no listeners for command", "caller", r.caller, "command", cmd.Key.String())
		return
	}
	delivered, failed := g.Broadcast(func(l Listener) error {
		return l.OnCommand(cmd)
	})
	r.logger.Debug("command delivered",
		"caller", r.caller,
		"command", cmd.Key.String(),
		"delivered", delivered,
		"failed", failed,
	)
}

// OnError fans an error out to the session's error group.
func (r *Router) OnError(key command.Key, code int) {
	g := r.errGroup.Load()
	if g == nil {
		r.logger.Debug("no error listener", "caller", r.caller, "command", key.String(), "code", code)
		return
	}
	g.Broadcast(func(l ErrorListener) error {
		return l.OnError(key, code)
	})
}
