// Package device emulates the remote peer at the far end of the command
// channel. The Emulator implements transport.Transport: every session gets its
// own delivery goroutine, replies are produced from configured rules, and
// unsolicited events can be injected for testing and demos.
package device

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/cpucom/internal/command"
	"github.com/mattjoyce/cpucom/internal/config"
	"github.com/mattjoyce/cpucom/internal/transport"
)

type reply struct {
	key     command.Key
	payload []byte
	echo    bool
}

type rule struct {
	replies []reply
	errCode *int
}

type event struct {
	cmd     command.Command
	isError bool
	code    int
}

type session struct {
	handle  transport.Handle
	caller  string
	handler transport.Handler
	subs    map[command.Key]struct{}
	inbox   chan event
	done    chan struct{}
}

// SessionInfo describes one open emulator session.
type SessionInfo struct {
	Handle        uint64   `json:"handle"`
	Caller        string   `json:"caller"`
	Subscriptions []string `json:"subscriptions"`
}

// Emulator is an in-process device.
type Emulator struct {
	name      string
	latency   time.Duration
	queueSize int
	rules     map[command.Key]rule
	logger    *slog.Logger

	mu       sync.Mutex
	next     transport.Handle
	sessions map[transport.Handle]*session
	wg       sync.WaitGroup
}

var _ transport.Transport = (*Emulator)(nil)

// NewEmulator builds an emulator from cfg. cfg is expected to be validated.
func NewEmulator(cfg config.DeviceConfig, logger *slog.Logger) (*Emulator, error) {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1
	}
	e := &Emulator{
		name:      cfg.Name,
		latency:   cfg.Latency,
		queueSize: queueSize,
		rules:     make(map[command.Key]rule, len(cfg.Rules)),
		logger:    logger,
		sessions:  make(map[transport.Handle]*session),
	}

	for i, rc := range cfg.Rules {
		on, err := rc.On.Key()
		if err != nil {
			return nil, fmt.Errorf("device rule %d: %w", i, err)
		}
		r := rule{errCode: rc.Error}
		for j, rp := range rc.Reply {
			key, err := config.CommandRef{Command: rp.Command, Subcommand: rp.Subcommand}.Key()
			if err != nil {
				return nil, fmt.Errorf("device rule %d reply %d: %w", i, j, err)
			}
			payload, err := rp.Payload()
			if err != nil {
				return nil, fmt.Errorf("device rule %d reply %d: %w", i, j, err)
			}
			r.replies = append(r.replies, reply{key: key, payload: payload, echo: rp.Echo})
		}
		e.rules[on] = r
	}
	return e, nil
}

func (e *Emulator) Open(callerID string, h transport.Handler) (transport.Handle, error) {
	if h == nil {
		return 0, fmt.Errorf("open session for %q: handler is nil", callerID)
	}

	e.mu.Lock()
	e.next++
	s := &session{
		handle:  e.next,
		caller:  callerID,
		handler: h,
		subs:    make(map[command.Key]struct{}),
		inbox:   make(chan event, e.queueSize),
		done:    make(chan struct{}),
	}
	e.sessions[s.handle] = s
	e.wg.Add(1)
	e.mu.Unlock()

	go e.run(s)
	e.logger.Debug("session opened", "caller", callerID, "handle", uint64(s.handle))
	return s.handle, nil
}

// run is the session's delivery goroutine.
func (e *Emulator) run(s *session) {
	defer e.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.inbox:
			if ev.isError {
				s.handler.OnError(ev.cmd.Key, ev.code)
			} else {
				s.handler.OnCommand(ev.cmd)
			}
		}
	}
}

func (e *Emulator) Close(h transport.Handle) error {
	e.mu.Lock()
	s, ok := e.sessions[h]
	if ok {
		delete(e.sessions, h)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("close %d: %w", h, transport.ErrUnknownSession)
	}
	close(s.done)
	e.logger.Debug("session closed", "caller", s.caller, "handle", uint64(h))
	return nil
}

func (e *Emulator) Subscribe(h transport.Handle, key command.Key) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[h]
	if !ok {
		return fmt.Errorf("subscribe %d: %w", h, transport.ErrUnknownSession)
	}
	s.subs[key] = struct{}{}
	return nil
}

func (e *Emulator) Unsubscribe(h transport.Handle, key command.Key) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[h]
	if !ok {
		return fmt.Errorf("unsubscribe %d: %w", h, transport.ErrUnknownSession)
	}
	delete(s.subs, key)
	return nil
}

// Send hands cmd to the device. Replies go to every session subscribed to the
// reply key; a rule's error goes to the sending session only.
func (e *Emulator) Send(h transport.Handle, cmd command.Command) error {
	e.mu.Lock()
	sender, ok := e.sessions[h]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("send %d: %w", h, transport.ErrUnknownSession)
	}

	r, ok := e.rules[cmd.Key]
	if !ok {
		e.logger.Debug("no rule for command", "device", e.name, "command", cmd.Key.String())
		return nil
	}

	e.after(func() {
		if r.errCode != nil {
			e.enqueue(sender, event{cmd: command.Command{Key: cmd.Key}, isError: true, code: *r.errCode})
		}
		for _, rp := range r.replies {
			payload := rp.payload
			if rp.echo {
				payload = cmd.Payload
			}
			e.Inject(command.Command{Key: rp.key, Payload: payload})
		}
	})
	return nil
}

func (e *Emulator) after(fn func()) {
	if e.latency <= 0 {
		fn()
		return
	}
	time.AfterFunc(e.latency, fn)
}

// Inject delivers an unsolicited command to every session subscribed to its
// key and returns how many sessions it was queued for.
func (e *Emulator) Inject(cmd command.Command) int {
	n := 0
	for _, s := range e.subscribers(cmd.Key) {
		if e.enqueue(s, event{cmd: cmd}) {
			n++
		}
	}
	return n
}

// InjectError raises a channel error on every open session.
func (e *Emulator) InjectError(key command.Key, code int) int {
	e.mu.Lock()
	all := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		all = append(all, s)
	}
	e.mu.Unlock()

	n := 0
	for _, s := range all {
		if e.enqueue(s, event{cmd: command.Command{Key: key}, isError: true, code: code}) {
			n++
		}
	}
	return n
}

func (e *Emulator) subscribers(key command.Key) []*session {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*session
	for _, s := range e.sessions {
		if _, ok := s.subs[key]; ok {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].handle < out[j].handle })
	return out
}

// enqueue never blocks: a full session queue drops the event.
func (e *Emulator) enqueue(s *session, ev event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- ev:
		return true
	default:
		e.logger.Warn("session queue full, dropping event",
			"caller", s.caller,
			"handle", uint64(s.handle),
			"command", ev.cmd.Key.String(),
		)
		return false
	}
}

// Sessions lists open sessions by handle.
func (e *Emulator) Sessions() []SessionInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]SessionInfo, 0, len(e.sessions))
	for _, s := range e.sessions {
		info := SessionInfo{Handle: uint64(s.handle), Caller: s.caller, Subscriptions: []string{}}
		keys := make([]command.Key, 0, len(s.subs))
		for k := range s.subs {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i].Hash() < keys[j].Hash() })
		for _, k := range keys {
			info.Subscriptions = append(info.Subscriptions, k.String())
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// Shutdown closes every remaining session and waits for their goroutines.
func (e *Emulator) Shutdown() {
	e.mu.Lock()
	remaining := e.sessions
	e.sessions = make(map[transport.Handle]*session)
	e.mu.Unlock()

	for _, s := range remaining {
		close(s.done)
	}
	e.wg.Wait()
}
