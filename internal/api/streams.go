package api

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/cpucom/internal/command"
	"github.com/mattjoyce/cpucom/internal/lifecycle"
	"github.com/mattjoyce/cpucom/internal/router"
)

var (
	errStreamFull   = errors.New("stream buffer full")
	errStreamClosed = errors.New("stream closed")
	errStreamExists = errors.New("caller already has an open stream")
)

// Event is one SSE frame.
type Event struct {
	ID   int64
	Type string
	At   time.Time
	Data []byte // JSON payload
}

// stream is a caller's open SSE connection. It is the caller's command
// listener, its error listener and its liveness channel at once.
type stream struct {
	id        string
	caller    string
	principal string
	sig       *lifecycle.Signal

	nextID atomic.Int64
	events chan Event

	closeOnce sync.Once
	done      chan struct{}
}

var (
	_ router.Listener      = (*stream)(nil)
	_ router.ErrorListener = (*stream)(nil)
)

func newStream(caller, principal string, buffer int) *stream {
	return &stream{
		id:        uuid.NewString(),
		caller:    caller,
		principal: principal,
		sig:       lifecycle.NewSignal(),
		events:    make(chan Event, buffer),
		done:      make(chan struct{}),
	}
}

func (s *stream) ID() string { return s.id }

func (s *stream) OnCommand(cmd command.Command) error {
	return s.push("command", CommandEvent{
		Command:    cmd.Key.Command,
		Subcommand: cmd.Key.Subcommand,
		Data:       cmd.Payload,
	})
}

func (s *stream) OnError(key command.Key, code int) error {
	return s.push("error", ErrorEvent{
		Command:    key.Command,
		Subcommand: key.Subcommand,
		Code:       code,
	})
}

// push never blocks the delivery goroutine. A slow client loses events.
func (s *stream) push(eventType string, data any) error {
	payload := []byte("{}")
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return err
		}
		payload = b
	}
	ev := Event{
		ID:   s.nextID.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}

	select {
	case <-s.done:
		return errStreamClosed
	default:
	}
	select {
	case s.events <- ev:
		return nil
	default:
		return errStreamFull
	}
}

// close ends the serving loop. It does not disconnect the caller; the
// handler does that once the loop has returned.
func (s *stream) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// streamTable holds at most one stream per caller ID.
type streamTable struct {
	mu      sync.Mutex
	streams map[string]*stream
}

func newStreamTable() *streamTable {
	return &streamTable{streams: make(map[string]*stream)}
}

func (t *streamTable) add(st *stream) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.streams[st.caller]; ok {
		return errStreamExists
	}
	t.streams[st.caller] = st
	return nil
}

func (t *streamTable) get(caller string) (*stream, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.streams[caller]
	return st, ok
}

// remove deletes st only if it is still the caller's current stream.
func (t *streamTable) remove(st *stream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.streams[st.caller]; ok && cur == st {
		delete(t.streams, st.caller)
	}
}

func (t *streamTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}

func (t *streamTable) closeAll() {
	t.mu.Lock()
	all := make([]*stream, 0, len(t.streams))
	for _, st := range t.streams {
		all = append(all, st)
	}
	t.mu.Unlock()
	for _, st := range all {
		st.close()
	}
}
