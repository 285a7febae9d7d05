// Package bridge taps the multiplexer onto NATS. The bridge is an ordinary
// caller: it subscribes to configured keys under its own caller ID and
// republishes what it receives, and it forwards commands published on its
// send subject. Its session lives as long as its NATS connection.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mattjoyce/cpucom/internal/auth"
	"github.com/mattjoyce/cpucom/internal/command"
	"github.com/mattjoyce/cpucom/internal/config"
	"github.com/mattjoyce/cpucom/internal/lifecycle"
	"github.com/mattjoyce/cpucom/internal/router"
	"github.com/mattjoyce/cpucom/internal/session"
)

// ErrConnectionClosed is returned by Start when NATS closes the connection
// for good.
var ErrConnectionClosed = errors.New("nats connection closed")

// Service is the subset of *service.Service the bridge uses.
type Service interface {
	Send(id session.Identity, raw command.Raw) error
	SubscribeMany(id session.Identity, raws []command.Raw, l router.Listener) error
	SetErrorListener(id session.Identity, l router.ErrorListener) error
}

type Bridge struct {
	cfg    config.BridgeConfig
	svc    Service
	logger *slog.Logger

	mu sync.RWMutex
	nc *nats.Conn

	ready chan struct{}
}

var (
	_ router.Listener      = (*Bridge)(nil)
	_ router.ErrorListener = (*Bridge)(nil)
)

func New(cfg config.BridgeConfig, svc Service, logger *slog.Logger) *Bridge {
	return &Bridge{cfg: cfg, svc: svc, logger: logger, ready: make(chan struct{})}
}

// Ready is closed once the bridge is connected and registered.
func (b *Bridge) Ready() <-chan struct{} { return b.ready }

func (b *Bridge) ID() string { return "nats:" + b.cfg.Caller }

// EventSubject is the subject inbound commands on key are published to.
func (b *Bridge) EventSubject(key command.Key) string {
	return fmt.Sprintf("%s.event.%02X.%02X", b.cfg.SubjectPrefix, key.Command, key.Subcommand)
}

func (b *Bridge) ErrorSubject() string { return b.cfg.SubjectPrefix + ".error" }

func (b *Bridge) SendSubject() string { return b.cfg.SubjectPrefix + ".send" }

// Start connects, registers the bridge caller and blocks until ctx is done or
// the connection is closed.
func (b *Bridge) Start(ctx context.Context) error {
	liveCtx, disconnect := context.WithCancel(ctx)
	defer disconnect()

	nc, err := nats.Connect(b.cfg.URL,
		nats.Name(b.cfg.Caller),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			b.logger.Info("nats connection closed")
			disconnect()
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to nats at %s: %w", b.cfg.URL, err)
	}
	b.mu.Lock()
	b.nc = nc
	b.mu.Unlock()
	defer nc.Close()

	b.logger.Info("connected to nats", "url", nc.ConnectedUrl(), "prefix", b.cfg.SubjectPrefix)

	id := session.Identity{
		ID:        b.cfg.Caller,
		Principal: auth.NewPrincipal(b.cfg.Caller, b.cfg.Permissions),
		Liveness:  lifecycle.FromContext(liveCtx),
	}

	sub, err := nc.Subscribe(b.SendSubject(), func(msg *nats.Msg) {
		b.handleSend(id, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.SendSubject(), err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := b.svc.SetErrorListener(id, b); err != nil {
		return fmt.Errorf("register error listener: %w", err)
	}
	if len(b.cfg.Subscribe) > 0 {
		raws := make([]command.Raw, 0, len(b.cfg.Subscribe))
		for _, ref := range b.cfg.Subscribe {
			raws = append(raws, ref.Raw())
		}
		// Rejected keys are logged; the rest stay subscribed.
		if err := b.svc.SubscribeMany(id, raws, b); err != nil {
			b.logger.Warn("some bridge subscriptions were rejected", "error", err)
		}
	}
	if err := nc.Flush(); err != nil {
		return fmt.Errorf("flush nats: %w", err)
	}
	close(b.ready)

	<-liveCtx.Done()
	if err := ctx.Err(); err != nil {
		b.logger.Info("bridge stopping")
		return err
	}
	return ErrConnectionClosed
}

func (b *Bridge) handleSend(id session.Identity, msg *nats.Msg) {
	var req SendRequest
	err := Unmarshal(msg.Data, &req)
	if err == nil {
		err = b.svc.Send(id, req.raw())
	}
	if err != nil {
		b.logger.Warn("bridge send rejected", "subject", msg.Subject, "error", err)
	}
	if msg.Reply == "" {
		return
	}

	reply := SendReply{Accepted: err == nil}
	if err != nil {
		reply.Error = err.Error()
	}
	data, merr := Marshal(reply)
	if merr != nil {
		b.logger.Error("encode send reply", "error", merr)
		return
	}
	if err := msg.Respond(data); err != nil {
		b.logger.Warn("send reply failed", "error", err)
	}
}

func (b *Bridge) OnCommand(cmd command.Command) error {
	return b.publish(b.EventSubject(cmd.Key), EventMessage{
		Command:    cmd.Key.Command,
		Subcommand: cmd.Key.Subcommand,
		Data:       cmd.Payload,
	})
}

func (b *Bridge) OnError(key command.Key, code int) error {
	return b.publish(b.ErrorSubject(), ErrorMessage{
		Command:    key.Command,
		Subcommand: key.Subcommand,
		Code:       code,
	})
}

func (b *Bridge) publish(subject string, v any) error {
	b.mu.RLock()
	nc := b.nc
	b.mu.RUnlock()
	if nc == nil {
		return ErrConnectionClosed
	}
	data, err := Marshal(v)
	if err != nil {
		return err
	}
	return nc.Publish(subject, data)
}
