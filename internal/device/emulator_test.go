package device

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/cpucom/internal/command"
	"github.com/mattjoyce/cpucom/internal/config"
	"github.com/mattjoyce/cpucom/internal/log"
	"github.com/mattjoyce/cpucom/internal/transport"
)

type handler struct {
	mu     sync.Mutex
	cmds   []command.Command
	errors []int
	block  chan struct{}
}

func (h *handler) OnCommand(cmd command.Command) {
	if h.block != nil {
		<-h.block
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cmds = append(h.cmds, cmd)
}

func (h *handler) OnError(_ command.Key, code int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors = append(h.errors, code)
}

func (h *handler) snapshot() ([]command.Command, []int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]command.Command(nil), h.cmds...), append([]int(nil), h.errors...)
}

func intPtr(v int) *int { return &v }

func newEmulator(t *testing.T, cfg config.DeviceConfig) *Emulator {
	t.Helper()
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 16
	}
	e, err := NewEmulator(cfg, log.Discard())
	require.NoError(t, err)
	t.Cleanup(e.Shutdown)
	return e
}

var (
	keyFD01 = command.NewKey(0xFD, 0x01)
	keyFD81 = command.NewKey(0xFD, 0x81)
)

func TestReplyGoesToSubscribedSessions(t *testing.T) {
	e := newEmulator(t, config.DeviceConfig{Rules: []config.RuleConfig{{
		On:    config.CommandRef{Command: 0xFD, Subcommand: 0x01},
		Reply: []config.ReplyConfig{{Command: 0xFD, Subcommand: 0x81, Data: "cafe"}},
	}}})

	sender, watcher, bystander := &handler{}, &handler{}, &handler{}
	hs, err := e.Open("sender", sender)
	require.NoError(t, err)
	hw, err := e.Open("watcher", watcher)
	require.NoError(t, err)
	hb, err := e.Open("bystander", bystander)
	require.NoError(t, err)

	require.NoError(t, e.Subscribe(hw, keyFD81))
	require.NoError(t, e.Subscribe(hb, command.NewKey(0xFD, 0x82)))
	require.NoError(t, e.Send(hs, command.Command{Key: keyFD01}))

	require.Eventually(t, func() bool {
		cmds, _ := watcher.snapshot()
		return len(cmds) == 1
	}, time.Second, 5*time.Millisecond)

	cmds, _ := watcher.snapshot()
	assert.Equal(t, keyFD81, cmds[0].Key)
	assert.Equal(t, []byte{0xca, 0xfe}, cmds[0].Payload)

	got, _ := sender.snapshot()
	assert.Empty(t, got)
	got, _ = bystander.snapshot()
	assert.Empty(t, got)
}

func TestEchoReply(t *testing.T) {
	e := newEmulator(t, config.DeviceConfig{Rules: []config.RuleConfig{{
		On:    config.CommandRef{Command: 0xFD, Subcommand: 0x01},
		Reply: []config.ReplyConfig{{Command: 0xFD, Subcommand: 0x81, Echo: true}},
	}}})
	h := &handler{}
	hd, err := e.Open("x", h)
	require.NoError(t, err)
	require.NoError(t, e.Subscribe(hd, keyFD81))

	require.NoError(t, e.Send(hd, command.Command{Key: keyFD01, Payload: []byte("ping")}))
	require.Eventually(t, func() bool {
		cmds, _ := h.snapshot()
		return len(cmds) == 1 && string(cmds[0].Payload) == "ping"
	}, time.Second, 5*time.Millisecond)
}

func TestErrorRuleGoesToSender(t *testing.T) {
	e := newEmulator(t, config.DeviceConfig{
		Latency: 5 * time.Millisecond,
		Rules: []config.RuleConfig{{
			On:    config.CommandRef{Command: 0x10, Subcommand: 0x00},
			Error: intPtr(7),
		}},
	})
	sender, other := &handler{}, &handler{}
	hs, err := e.Open("sender", sender)
	require.NoError(t, err)
	_, err = e.Open("other", other)
	require.NoError(t, err)

	require.NoError(t, e.Send(hs, command.Command{Key: command.NewKey(0x10, 0x00)}))
	require.Eventually(t, func() bool {
		_, errs := sender.snapshot()
		return len(errs) == 1 && errs[0] == 7
	}, time.Second, 5*time.Millisecond)

	_, errs := other.snapshot()
	assert.Empty(t, errs)
}

func TestInjectErrorReachesEverySession(t *testing.T) {
	e := newEmulator(t, config.DeviceConfig{})
	a, b := &handler{}, &handler{}
	_, err := e.Open("a", a)
	require.NoError(t, err)
	_, err = e.Open("b", b)
	require.NoError(t, err)

	assert.Equal(t, 2, e.InjectError(keyFD01, 2))
	require.Eventually(t, func() bool {
		_, ea := a.snapshot()
		_, eb := b.snapshot()
		return len(ea) == 1 && len(eb) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	e := newEmulator(t, config.DeviceConfig{})
	h := &handler{}
	hd, err := e.Open("x", h)
	require.NoError(t, err)

	require.NoError(t, e.Subscribe(hd, keyFD01))
	assert.Equal(t, 1, e.Inject(command.Command{Key: keyFD01}))
	require.NoError(t, e.Unsubscribe(hd, keyFD01))
	assert.Equal(t, 0, e.Inject(command.Command{Key: keyFD01}))
}

func TestClosedSessionIsUnknown(t *testing.T) {
	e := newEmulator(t, config.DeviceConfig{})
	hd, err := e.Open("x", &handler{})
	require.NoError(t, err)
	require.NoError(t, e.Close(hd))

	assert.True(t, errors.Is(e.Close(hd), transport.ErrUnknownSession))
	assert.True(t, errors.Is(e.Send(hd, command.Command{}), transport.ErrUnknownSession))
	assert.True(t, errors.Is(e.Subscribe(hd, keyFD01), transport.ErrUnknownSession))
	assert.Empty(t, e.Sessions())
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	e := newEmulator(t, config.DeviceConfig{QueueSize: 1})
	h := &handler{block: make(chan struct{})}
	hd, err := e.Open("slow", h)
	require.NoError(t, err)
	require.NoError(t, e.Subscribe(hd, keyFD01))

	delivered := 0
	for i := 0; i < 5; i++ {
		delivered += e.Inject(command.Command{Key: keyFD01})
	}
	close(h.block)
	// One event is in the handler and at most one is buffered.
	assert.LessOrEqual(t, delivered, 2)
	assert.GreaterOrEqual(t, delivered, 1)
}

func TestSessionsListing(t *testing.T) {
	e := newEmulator(t, config.DeviceConfig{})
	h1, err := e.Open("a", &handler{})
	require.NoError(t, err)
	_, err = e.Open("b", &handler{})
	require.NoError(t, err)
	require.NoError(t, e.Subscribe(h1, keyFD81))
	require.NoError(t, e.Subscribe(h1, keyFD01))

	sessions := e.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, "a", sessions[0].Caller)
	assert.Equal(t, []string{"0xFD/0x01", "0xFD/0x81"}, sessions[0].Subscriptions)
}

func TestNoRuleIsIgnored(t *testing.T) {
	e := newEmulator(t, config.DeviceConfig{})
	hd, err := e.Open("x", &handler{})
	require.NoError(t, err)
	assert.NoError(t, e.Send(hd, command.Command{Key: keyFD01}))
}
