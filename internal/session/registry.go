package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mattjoyce/cpucom/internal/broadcast"
	"github.com/mattjoyce/cpucom/internal/command"
	"github.com/mattjoyce/cpucom/internal/lifecycle"
	"github.com/mattjoyce/cpucom/internal/router"
	"github.com/mattjoyce/cpucom/internal/transport"
)

var (
	// ErrSessionOpen wraps a transport failure while creating a session.
	ErrSessionOpen = errors.New("open transport session")
	// ErrLivenessAttach wraps a failure to watch the caller's liveness channel.
	ErrLivenessAttach = errors.New("attach liveness channel")
)

// Close reasons passed to the Recorder.
const (
	ReasonIdle         = "idle"
	ReasonDisconnected = "disconnected"
	ReasonShutdown     = "shutdown"
)

// Recorder is told about session lifecycle transitions. It may be nil.
type Recorder interface {
	SessionOpened(callerID string, handle transport.Handle)
	SessionClosed(callerID string, handle transport.Handle, reason string)
}

// Recorders fans session events out in order.
type Recorders []Recorder

func (rs Recorders) SessionOpened(callerID string, handle transport.Handle) {
	for _, r := range rs {
		r.SessionOpened(callerID, handle)
	}
}

func (rs Recorders) SessionClosed(callerID string, handle transport.Handle, reason string) {
	for _, r := range rs {
		r.SessionClosed(callerID, handle, reason)
	}
}

// Registry maps caller IDs to their sessions.
type Registry struct {
	transport transport.Transport
	monitor   *lifecycle.Monitor
	recorder  Recorder
	logger    *slog.Logger

	sessions  map[string]*State
	anonymous *State
	now       func() time.Time
}

// New builds a registry and opens the anonymous session.
func New(t transport.Transport, monitor *lifecycle.Monitor, recorder Recorder, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		transport: t,
		monitor:   monitor,
		recorder:  recorder,
		logger:    logger,
		sessions:  make(map[string]*State),
		now:       time.Now,
	}

	rt := router.New(AnonymousID, logger)
	h, err := t.Open(AnonymousID, rt)
	if err != nil {
		return nil, fmt.Errorf("%w for anonymous caller: %v", ErrSessionOpen, err)
	}
	r.anonymous = &State{callerID: AnonymousID, handle: h, router: rt, openedAt: r.now()}
	return r, nil
}

// Get returns the caller's session. The anonymous session is not returned
// here; use Anonymous.
func (r *Registry) Get(callerID string) (*State, bool) {
	st, ok := r.sessions[callerID]
	return st, ok
}

func (r *Registry) Anonymous() *State { return r.anonymous }

// Len counts caller sessions, not including the anonymous one.
func (r *Registry) Len() int { return len(r.sessions) }

// getOrCreate returns the caller's session, opening one if needed. On failure
// nothing is left behind.
func (r *Registry) getOrCreate(id Identity) (*State, error) {
	if id.Anonymous() {
		return r.anonymous, nil
	}
	if st, ok := r.sessions[id.ID]; ok {
		return st, nil
	}

	rt := router.New(id.ID, r.logger)
	h, err := r.transport.Open(id.ID, rt)
	if err != nil {
		r.logger.Warn("can not create session", "caller", id.ID, "error", err)
		return nil, fmt.Errorf("%w for %q: %v", ErrSessionOpen, id.ID, err)
	}
	watch, err := r.monitor.Attach(id.ID, id.Liveness)
	if err != nil {
		if cerr := r.transport.Close(h); cerr != nil {
			r.logger.Warn("close after failed liveness attach", "caller", id.ID, "error", cerr)
		}
		r.logger.Warn("can not create session", "caller", id.ID, "error", err)
		return nil, fmt.Errorf("%w for %q: %v", ErrLivenessAttach, id.ID, err)
	}

	st := &State{callerID: id.ID, handle: h, router: rt, watch: watch, openedAt: r.now()}
	r.sessions[id.ID] = st
	r.logger.Info("caller connected", "caller", id.ID, "handle", uint64(h))
	if r.recorder != nil {
		r.recorder.SessionOpened(id.ID, h)
	}
	return st, nil
}

// Subscribe adds l to the caller's listeners for key. The first listener on a
// key subscribes it with the transport.
func (r *Registry) Subscribe(id Identity, key command.Key, l router.Listener) error {
	st, err := r.getOrCreate(id)
	if err != nil {
		return err
	}

	g, _ := st.router.Group(key, true)
	first, err := g.Add(l)
	if err != nil {
		return fmt.Errorf("subscribe %s for %q: %w", key, id.ID, err)
	}
	if first {
		if err := r.transport.Subscribe(st.handle, key); err != nil {
			g.Remove(l.ID())
			st.router.Drop(key)
			g.Kill()
			r.reclaimIfIdle(st)
			return fmt.Errorf("subscribe %s for %q: %w", key, id.ID, err)
		}
	}
	r.logger.Info("subscribed", "caller", id.ID, "command", key.String(), "listener", l.ID())
	return nil
}

// Unsubscribe removes l from the caller's listeners for key. It reports
// whether anything was removed; unknown callers, keys and listeners are no-ops.
func (r *Registry) Unsubscribe(callerID string, key command.Key, l router.Listener) bool {
	st := r.lookup(callerID)
	if st == nil {
		r.logger.Debug("unsubscribe for unknown caller", "caller", callerID, "command", key.String())
		return false
	}

	removed := false
	if g, _ := st.router.Group(key, false); g != nil {
		var last bool
		removed, last = g.Remove(l.ID())
		if last {
			if err := r.transport.Unsubscribe(st.handle, key); err != nil {
				r.logger.Warn("transport unsubscribe failed", "caller", callerID, "command", key.String(), "error", err)
			}
			st.router.Drop(key)
			g.Kill()
		}
	}
	if removed {
		r.logger.Info("unsubscribed", "caller", callerID, "command", key.String(), "listener", l.ID())
	} else {
		r.logger.Debug("unsubscribe for unknown listener", "caller", callerID, "command", key.String(), "listener", l.ID())
	}

	r.reclaimIfIdle(st)
	return removed
}

// SetErrorListener replaces the caller's error group with one holding l. A
// nil l clears it. The new group is installed in the same step that detaches
// the old one, so no error is delivered twice.
func (r *Registry) SetErrorListener(id Identity, l router.ErrorListener) error {
	if l == nil {
		r.ClearErrorListener(id.ID)
		return nil
	}

	st, err := r.getOrCreate(id)
	if err != nil {
		return err
	}
	g := broadcast.New[router.ErrorListener](id.ID+"/errors", r.logger)
	if _, err := g.Add(l); err != nil {
		return fmt.Errorf("set error listener for %q: %w", id.ID, err)
	}
	if old := st.router.SwapErrorGroup(g); old != nil {
		old.Kill()
	}
	r.logger.Info("registered error listener", "caller", id.ID, "listener", l.ID())
	return nil
}

// ClearErrorListener drops the caller's error group and reclaims the session
// if nothing else holds it. It reports whether a listener was cleared.
func (r *Registry) ClearErrorListener(callerID string) bool {
	st := r.lookup(callerID)
	if st == nil {
		r.logger.Debug("clear error listener for unknown caller", "caller", callerID)
		return false
	}
	old := st.router.SwapErrorGroup(nil)
	if old != nil {
		old.Kill()
		r.logger.Info("unregistered error listener", "caller", callerID)
	}
	r.reclaimIfIdle(st)
	return old != nil
}

// Send writes cmd through the caller's session, or through the anonymous
// session when the caller has none.
func (r *Registry) Send(callerID string, cmd command.Command) error {
	st, ok := r.sessions[callerID]
	if !ok {
		st = r.anonymous
	}
	if err := r.transport.Send(st.handle, cmd); err != nil {
		return fmt.Errorf("send %s for %q: %w", cmd.Key, callerID, err)
	}
	r.logger.Info("send", "caller", callerID, "session", st.callerID, "command", cmd.Key.String(), "bytes", len(cmd.Payload))
	return nil
}

// Destroy tears down the caller's session regardless of what it holds. It
// reports whether a session existed.
func (r *Registry) Destroy(callerID string) bool {
	st, ok := r.sessions[callerID]
	if !ok {
		return false
	}
	r.destroy(st, ReasonDisconnected)
	return true
}

// Close destroys every caller session and then the anonymous one.
func (r *Registry) Close() {
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		r.destroy(r.sessions[id], ReasonShutdown)
	}
	if r.anonymous != nil {
		r.detach(r.anonymous)
		if err := r.transport.Close(r.anonymous.handle); err != nil {
			r.logger.Warn("close anonymous session", "error", err)
		}
		r.anonymous = nil
	}
}

// Snapshot describes every session, anonymous first, then by caller ID.
func (r *Registry) Snapshot() []Info {
	out := make([]Info, 0, len(r.sessions)+1)
	if r.anonymous != nil {
		out = append(out, r.anonymous.info())
	}
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		out = append(out, r.sessions[id].info())
	}
	return out
}

func (r *Registry) lookup(callerID string) *State {
	if callerID == AnonymousID {
		return r.anonymous
	}
	return r.sessions[callerID]
}

func (r *Registry) reclaimIfIdle(st *State) {
	if st.Anonymous() || !st.idle() {
		return
	}
	r.destroy(st, ReasonIdle)
}

func (r *Registry) destroy(st *State, reason string) {
	if st.watch != nil {
		st.watch.Cancel()
	}
	r.detach(st)
	if err := r.transport.Close(st.handle); err != nil {
		r.logger.Warn("transport close failed", "caller", st.callerID, "error", err)
	}
	delete(r.sessions, st.callerID)
	r.logger.Info("caller disconnected", "caller", st.callerID, "reason", reason)
	if r.recorder != nil {
		r.recorder.SessionClosed(st.callerID, st.handle, reason)
	}
}

// detach unsubscribes every key and kills every group of st.
func (r *Registry) detach(st *State) {
	groups := st.router.DropAll()
	keys := make([]command.Key, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Hash() < keys[j].Hash() })
	for _, key := range keys {
		if err := r.transport.Unsubscribe(st.handle, key); err != nil {
			r.logger.Warn("transport unsubscribe failed", "caller", st.callerID, "command", key.String(), "error", err)
		}
		groups[key].Kill()
	}
	if eg := st.router.SwapErrorGroup(nil); eg != nil {
		eg.Kill()
	}
}
