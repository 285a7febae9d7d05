// Package transporttest provides an in-memory Transport that records every
// call, for tests of the packages layered above the transport.
package transporttest

import (
	"fmt"
	"sync"

	"github.com/mattjoyce/cpucom/internal/command"
	"github.com/mattjoyce/cpucom/internal/transport"
)

// Call is one recorded transport operation.
type Call struct {
	Op     string
	Handle transport.Handle
	Caller string
	Key    command.Key
}

// Fake is a recording Transport. Inbound traffic is pushed with Deliver and
// DeliverError, which call the session's handler synchronously.
type Fake struct {
	mu       sync.Mutex
	next     transport.Handle
	sessions map[transport.Handle]session
	calls    []Call
	sent     []command.Command

	// OpenErr, SubscribeErr and SendErr, when set, fail the matching call.
	OpenErr      error
	SubscribeErr error
	SendErr      error
}

type session struct {
	caller  string
	handler transport.Handler
}

func New() *Fake {
	return &Fake{sessions: make(map[transport.Handle]session)}
}

var _ transport.Transport = (*Fake)(nil)

func (f *Fake) Open(callerID string, h transport.Handler) (transport.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OpenErr != nil {
		return 0, f.OpenErr
	}
	f.next++
	f.sessions[f.next] = session{caller: callerID, handler: h}
	f.calls = append(f.calls, Call{Op: "open", Handle: f.next, Caller: callerID})
	return f.next, nil
}

func (f *Fake) Close(h transport.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[h]
	if !ok {
		return fmt.Errorf("close %d: %w", h, transport.ErrUnknownSession)
	}
	delete(f.sessions, h)
	f.calls = append(f.calls, Call{Op: "close", Handle: h, Caller: s.caller})
	return nil
}

func (f *Fake) Send(h transport.Handle, cmd command.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[h]
	if !ok {
		return fmt.Errorf("send %d: %w", h, transport.ErrUnknownSession)
	}
	if f.SendErr != nil {
		return f.SendErr
	}
	f.sent = append(f.sent, cmd)
	f.calls = append(f.calls, Call{Op: "send", Handle: h, Caller: s.caller, Key: cmd.Key})
	return nil
}

func (f *Fake) Subscribe(h transport.Handle, key command.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[h]
	if !ok {
		return fmt.Errorf("subscribe %d: %w", h, transport.ErrUnknownSession)
	}
	if f.SubscribeErr != nil {
		return f.SubscribeErr
	}
	f.calls = append(f.calls, Call{Op: "subscribe", Handle: h, Caller: s.caller, Key: key})
	return nil
}

func (f *Fake) Unsubscribe(h transport.Handle, key command.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[h]
	if !ok {
		return fmt.Errorf("unsubscribe %d: %w", h, transport.ErrUnknownSession)
	}
	f.calls = append(f.calls, Call{Op: "unsubscribe", Handle: h, Caller: s.caller, Key: key})
	return nil
}

// Deliver hands cmd to the handler of every open session of callerID.
func (f *Fake) Deliver(callerID string, cmd command.Command) int {
	n := 0
	for _, h := range f.handlers(callerID) {
		h.OnCommand(cmd)
		n++
	}
	return n
}

// DeliverError hands an error notification to every open session of callerID.
func (f *Fake) DeliverError(callerID string, key command.Key, code int) int {
	n := 0
	for _, h := range f.handlers(callerID) {
		h.OnError(key, code)
		n++
	}
	return n
}

func (f *Fake) handlers(callerID string) []transport.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []transport.Handler
	for _, s := range f.sessions {
		if s.caller == callerID {
			out = append(out, s.handler)
		}
	}
	return out
}

// Calls returns every recorded call in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Count returns how many calls of op were recorded for callerID.
func (f *Fake) Count(op, callerID string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Op == op && c.Caller == callerID {
			n++
		}
	}
	return n
}

// Sent returns every command passed to Send.
func (f *Fake) Sent() []command.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]command.Command, len(f.sent))
	copy(out, f.sent)
	return out
}

// OpenSessions reports the number of open sessions.
func (f *Fake) OpenSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}
