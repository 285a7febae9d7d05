package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/cpucom/internal/auth"
	"github.com/mattjoyce/cpucom/internal/command"
	"github.com/mattjoyce/cpucom/internal/dispatch"
	"github.com/mattjoyce/cpucom/internal/lifecycle"
	"github.com/mattjoyce/cpucom/internal/log"
	"github.com/mattjoyce/cpucom/internal/session"
	"github.com/mattjoyce/cpucom/internal/transport/transporttest"
)

type listener struct {
	id string

	mu   sync.Mutex
	cmds []command.Command
}

func (l *listener) ID() string { return l.id }

func (l *listener) OnCommand(cmd command.Command) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cmds = append(l.cmds, cmd)
	return nil
}

func (l *listener) OnError(command.Key, int) error { return nil }

type auditRecord struct {
	op   string
	kind string
}

type auditor struct {
	mu      sync.Mutex
	records []auditRecord
}

func (a *auditor) PermissionDenied(_ session.Identity, op string, _ command.Key) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, auditRecord{op: op, kind: "denied"})
}

func (a *auditor) InvalidCommand(_ session.Identity, op string, _ command.Raw, _ error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, auditRecord{op: op, kind: "invalid"})
}

type harness struct {
	svc     *Service
	disp    *dispatch.Dispatcher
	fake    *transporttest.Fake
	auditor *auditor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fake := transporttest.New()
	monitor := lifecycle.NewMonitor(nil, log.Discard())
	reg, err := session.New(fake, monitor, nil, log.Discard())
	require.NoError(t, err)
	disp := dispatch.New(reg, log.Discard())
	monitor.SetHandler(disp.Destroy)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = disp.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	a := &auditor{}
	svc := New(disp, auth.NewGate(nil, log.Discard()), a, log.Discard())
	return &harness{svc: svc, disp: disp, fake: fake, auditor: a}
}

func (h *harness) barrier(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.disp.Barrier(ctx))
}

func identity(id string, perms ...string) session.Identity {
	return session.Identity{
		ID:        id,
		Principal: auth.NewPrincipal(id, perms),
		Liveness:  lifecycle.NewSignal(),
	}
}

func TestSendDeniedNeverReachesTransport(t *testing.T) {
	h := newHarness(t)
	id := identity("x", "cmd_0101")

	err := h.svc.Send(id, command.Raw{Command: 0xFD, Subcommand: 0x01})
	require.ErrorIs(t, err, ErrPermissionDenied)
	h.barrier(t)

	assert.Empty(t, h.fake.Sent())
	assert.Equal(t, []auditRecord{{op: "send", kind: "denied"}}, h.auditor.records)
}

func TestSendAllowedUsesAnonymousSession(t *testing.T) {
	h := newHarness(t)
	id := identity("x", "cmd_FD*")

	require.NoError(t, h.svc.Send(id, command.Raw{Command: 0xFD, Subcommand: 0x01, Payload: []byte{9}}))
	h.barrier(t)

	sent := h.fake.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []byte{9}, sent[0].Payload)
	assert.Equal(t, 1, h.fake.Count("send", session.AnonymousID))
}

func TestOutOfRangeCommandCreatesNoState(t *testing.T) {
	h := newHarness(t)
	id := identity("x", "*")
	l := &listener{id: "l"}

	err := h.svc.Subscribe(id, command.Raw{Command: 300, Subcommand: 0}, l)
	require.ErrorIs(t, err, command.ErrInvalidCommand)
	err = h.svc.Send(id, command.Raw{Command: 1, Subcommand: -1})
	require.ErrorIs(t, err, command.ErrInvalidCommand)
	h.barrier(t)

	assert.Equal(t, 0, h.fake.Count("open", "x"))
	assert.Empty(t, h.fake.Sent())
	assert.Len(t, h.auditor.records, 2)
}

func TestSubscribeDeniedCreatesNoState(t *testing.T) {
	h := newHarness(t)
	id := identity("x")

	err := h.svc.Subscribe(id, command.Raw{Command: 0xFD, Subcommand: 0x01}, &listener{id: "l"})
	require.ErrorIs(t, err, ErrPermissionDenied)
	h.barrier(t)

	assert.Equal(t, 0, h.fake.Count("open", "x"))
}

func TestSubscribeManyIsPerKey(t *testing.T) {
	h := newHarness(t)
	id := identity("x", "cmd_FD*")
	l := &listener{id: "l"}

	err := h.svc.SubscribeMany(id, []command.Raw{
		{Command: 0xFD, Subcommand: 0x01},
		{Command: 0x01, Subcommand: 0x01},
		{Command: 0xFD, Subcommand: 0x02},
		{Command: 999},
	}, l)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.ErrorIs(t, err, command.ErrInvalidCommand)
	h.barrier(t)

	assert.Equal(t, 2, h.fake.Count("subscribe", "x"))

	h.fake.Deliver("x", command.Command{Key: command.NewKey(0xFD, 0x02)})
	assert.Len(t, l.cmds, 1)

	require.NoError(t, h.svc.UnsubscribeMany(id, []command.Raw{
		{Command: 0xFD, Subcommand: 0x01},
		{Command: 0xFD, Subcommand: 0x02},
	}, l))
	h.barrier(t)
	assert.Equal(t, 2, h.fake.Count("unsubscribe", "x"))
	assert.Equal(t, 1, h.fake.Count("close", "x"))
}

func TestKeyedDeliveryScenario(t *testing.T) {
	h := newHarness(t)
	id := identity("x", "*")
	fd01 := &listener{id: "fd01"}
	fd02 := &listener{id: "fd02"}

	require.NoError(t, h.svc.Subscribe(id, command.Raw{Command: 0xFD, Subcommand: 0x01}, fd01))
	require.NoError(t, h.svc.Subscribe(id, command.Raw{Command: 0xFD, Subcommand: 0x02}, fd02))
	h.barrier(t)

	h.fake.Deliver("x", command.Command{Key: command.NewKey(0xFD, 0x01), Payload: []byte("a")})
	assert.Len(t, fd01.cmds, 1)
	assert.Empty(t, fd02.cmds)
}

func TestListenerRequired(t *testing.T) {
	h := newHarness(t)
	id := identity("x", "*")
	assert.ErrorIs(t, h.svc.Subscribe(id, command.Raw{}, nil), ErrNoListener)
	assert.ErrorIs(t, h.svc.Unsubscribe(id, command.Raw{}, nil), ErrNoListener)
	assert.ErrorIs(t, h.svc.SubscribeMany(id, nil, nil), ErrNoListener)
}

func TestUnsubscribeIsNotGated(t *testing.T) {
	h := newHarness(t)
	id := identity("x")
	require.NoError(t, h.svc.Unsubscribe(id, command.Raw{Command: 0xFD, Subcommand: 0x01}, &listener{id: "l"}))
	assert.Empty(t, h.auditor.records)
}
