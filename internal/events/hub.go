// Package events is the in-memory feed of registry lifecycle and boundary
// events for operators. It keeps a short replay buffer so a client that
// reconnects with Last-Event-ID misses nothing still buffered.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/cpucom/internal/command"
	"github.com/mattjoyce/cpucom/internal/session"
	"github.com/mattjoyce/cpucom/internal/transport"
)

const (
	TypeSessionOpened    = "session.opened"
	TypeSessionClosed    = "session.closed"
	TypePermissionDenied = "permission.denied"
	TypeInvalidCommand   = "command.invalid"
)

type Event struct {
	ID     int64           `json:"id"`
	Type   string          `json:"type"`
	Caller string          `json:"caller"`
	At     time.Time       `json:"at"`
	Data   json.RawMessage `json:"data"`
}

// SessionData is the payload of session events.
type SessionData struct {
	Caller string `json:"caller"`
	Handle uint64 `json:"handle"`
	Reason string `json:"reason,omitempty"`
}

// RejectionData is the payload of permission and validation events.
type RejectionData struct {
	Caller     string `json:"caller"`
	Principal  string `json:"principal,omitempty"`
	Op         string `json:"op"`
	Command    int    `json:"command"`
	Subcommand int    `json:"subcommand"`
	Error      string `json:"error,omitempty"`
}

// Hub fans events out to subscribers and remembers the last few.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]subscriber
	nextSubID int
}

type subscriber struct {
	ch     chan Event
	caller string
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]subscriber),
	}
}

func (h *Hub) Publish(eventType, caller string, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	// IDs are taken under the lock so the ring stays in ID order.
	ev := Event{
		ID:     h.nextID.Add(1),
		Type:   eventType,
		Caller: caller,
		At:     time.Now().UTC(),
		Data:   payload,
	}
	h.pushLocked(ev)
	for _, s := range h.subs {
		if s.caller != "" && s.caller != caller {
			continue
		}
		// Don't let slow clients block producers.
		select {
		case s.ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of events for caller, or for everyone when
// caller is empty. cancel closes the channel.
func (h *Hub) Subscribe(caller string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, buffer)
	h.subs[id] = subscriber{ch: ch, caller: caller}

	cancel := func() {
		h.mu.Lock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(s.ch)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID for caller (or all
// callers when empty), oldest first.
func (h *Hub) SnapshotSince(caller string, lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID <= lastID {
			continue
		}
		if caller != "" && ev.Caller != caller {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}
	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}

// The methods below let the hub sit next to the journal as a session
// recorder and boundary auditor.

func (h *Hub) SessionOpened(callerID string, handle transport.Handle) {
	h.Publish(TypeSessionOpened, callerID, SessionData{Caller: callerID, Handle: uint64(handle)})
}

func (h *Hub) SessionClosed(callerID string, handle transport.Handle, reason string) {
	h.Publish(TypeSessionClosed, callerID, SessionData{Caller: callerID, Handle: uint64(handle), Reason: reason})
}

func (h *Hub) PermissionDenied(id session.Identity, op string, key command.Key) {
	h.Publish(TypePermissionDenied, id.ID, RejectionData{
		Caller:     id.ID,
		Principal:  id.Principal.Name,
		Op:         op,
		Command:    int(key.Command),
		Subcommand: int(key.Subcommand),
	})
}

func (h *Hub) InvalidCommand(id session.Identity, op string, raw command.Raw, err error) {
	data := RejectionData{
		Caller:     id.ID,
		Principal:  id.Principal.Name,
		Op:         op,
		Command:    raw.Command,
		Subcommand: raw.Subcommand,
	}
	if err != nil {
		data.Error = err.Error()
	}
	h.Publish(TypeInvalidCommand, id.ID, data)
}
