package session

import (
	"time"

	"github.com/mattjoyce/cpucom/internal/auth"
	"github.com/mattjoyce/cpucom/internal/command"
	"github.com/mattjoyce/cpucom/internal/lifecycle"
	"github.com/mattjoyce/cpucom/internal/router"
	"github.com/mattjoyce/cpucom/internal/transport"
)

// AnonymousID is the caller ID of the anonymous session.
const AnonymousID = ""

// Identity is who is asking. Liveness is the channel whose disconnect
// reclaims the caller's session; it is only consulted when a session has to
// be created.
type Identity struct {
	ID        string
	Principal auth.Principal
	Liveness  lifecycle.Liveness
}

func (id Identity) Anonymous() bool { return id.ID == AnonymousID }

// State is one caller's session.
type State struct {
	callerID string
	handle   transport.Handle
	router   *router.Router
	watch    lifecycle.Handle
	openedAt time.Time
}

func (s *State) CallerID() string { return s.callerID }
func (s *State) Handle() transport.Handle { return s.handle }
func (s *State) Router() *router.Router { return s.router }
func (s *State) Anonymous() bool { return s.callerID == AnonymousID }

// idle reports whether nothing keeps the session alive.
func (s *State) idle() bool {
	return s.router.Len() == 0 && s.router.ErrorGroup() == nil
}

// Info is a point-in-time description of a session.
type Info struct {
	Caller           string         `json:"caller"`
	Anonymous        bool           `json:"anonymous"`
	Handle           uint64         `json:"handle"`
	OpenedAt         time.Time      `json:"opened_at"`
	Subscriptions    []Subscription `json:"subscriptions"`
	HasErrorListener bool           `json:"has_error_listener"`
}

// Subscription is one key and the number of listeners on it.
type Subscription struct {
	Command    uint8 `json:"command"`
	Subcommand uint8 `json:"subcommand"`
	Listeners  int   `json:"listeners"`
}

func (s *State) info() Info {
	in := Info{
		Caller:           s.callerID,
		Anonymous:        s.Anonymous(),
		Handle:           uint64(s.handle),
		OpenedAt:         s.openedAt,
		HasErrorListener: s.router.ErrorGroup() != nil,
		Subscriptions:    []Subscription{},
	}
	for _, key := range s.router.Keys() {
		n := 0
		if g, _ := s.router.Group(key, false); g != nil {
			n = g.Len()
		}
		in.Subscriptions = append(in.Subscriptions, subscriptionOf(key, n))
	}
	return in
}

func subscriptionOf(key command.Key, listeners int) Subscription {
	return Subscription{Command: key.Command, Subcommand: key.Subcommand, Listeners: listeners}
}
