// Package service is the caller-facing surface of the multiplexer. Every
// operation is validated and gated here and then queued on the dispatcher;
// nothing in this package touches the session registry directly.
package service

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/cpucom/internal/auth"
	"github.com/mattjoyce/cpucom/internal/command"
	"github.com/mattjoyce/cpucom/internal/router"
	"github.com/mattjoyce/cpucom/internal/session"
)

var (
	// ErrPermissionDenied is returned when the gate refuses a command key.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrNoListener is returned when a subscribe or unsubscribe carries no
	// listener.
	ErrNoListener = errors.New("listener is required")
)

// Queue is the serialized registry worker. *dispatch.Dispatcher implements it.
type Queue interface {
	Subscribe(id session.Identity, key command.Key, l router.Listener)
	Unsubscribe(callerID string, key command.Key, l router.Listener)
	Send(callerID string, cmd command.Command)
	SetErrorListener(id session.Identity, l router.ErrorListener)
}

// Auditor is told about operations dropped at the boundary. It may be nil.
type Auditor interface {
	PermissionDenied(id session.Identity, op string, key command.Key)
	InvalidCommand(id session.Identity, op string, raw command.Raw, err error)
}

// Auditors fans boundary rejections out in order.
type Auditors []Auditor

func (as Auditors) PermissionDenied(id session.Identity, op string, key command.Key) {
	for _, a := range as {
		a.PermissionDenied(id, op, key)
	}
}

func (as Auditors) InvalidCommand(id session.Identity, op string, raw command.Raw, err error) {
	for _, a := range as {
		a.InvalidCommand(id, op, raw, err)
	}
}

type Service struct {
	queue   Queue
	gate    *auth.Gate
	auditor Auditor
	logger  *slog.Logger
}

func New(q Queue, gate *auth.Gate, auditor Auditor, logger *slog.Logger) *Service {
	return &Service{queue: q, gate: gate, auditor: auditor, logger: logger}
}

// Send queues raw for writing to the device.
func (s *Service) Send(id session.Identity, raw command.Raw) error {
	cmd, err := raw.ToCommand()
	if err != nil {
		return s.invalid(id, "send", raw, err)
	}
	if !s.gate.Check(id.Principal, id.ID, cmd.Key) {
		return s.denied(id, "send", cmd.Key)
	}
	s.queue.Send(id.ID, cmd)
	return nil
}

// Subscribe queues adding l to the listeners of raw's key.
func (s *Service) Subscribe(id session.Identity, raw command.Raw, l router.Listener) error {
	if l == nil {
		return ErrNoListener
	}
	key, err := raw.Key()
	if err != nil {
		return s.invalid(id, "subscribe", raw, err)
	}
	if !s.gate.Check(id.Principal, id.ID, key) {
		return s.denied(id, "subscribe", key)
	}
	s.queue.Subscribe(id, key, l)
	return nil
}

// Unsubscribe queues removing l from the listeners of raw's key. It is not
// gated: a caller can only remove its own listeners.
func (s *Service) Unsubscribe(id session.Identity, raw command.Raw, l router.Listener) error {
	if l == nil {
		return ErrNoListener
	}
	key, err := raw.Key()
	if err != nil {
		return s.invalid(id, "unsubscribe", raw, err)
	}
	s.queue.Unsubscribe(id.ID, key, l)
	return nil
}

// SubscribeMany subscribes l to each key in turn. Keys are handled
// independently: a rejected key does not stop the others, and every
// rejection is returned joined.
func (s *Service) SubscribeMany(id session.Identity, raws []command.Raw, l router.Listener) error {
	if l == nil {
		return ErrNoListener
	}
	var errs []error
	for _, raw := range raws {
		if err := s.Subscribe(id, raw, l); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UnsubscribeMany unsubscribes l from each key in turn.
func (s *Service) UnsubscribeMany(id session.Identity, raws []command.Raw, l router.Listener) error {
	if l == nil {
		return ErrNoListener
	}
	s.logger.Info("unsubscribing list", "caller", id.ID, "count", len(raws))
	var errs []error
	for _, raw := range raws {
		if err := s.Unsubscribe(id, raw, l); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetErrorListener queues replacing the caller's error listener. A nil l
// clears it.
func (s *Service) SetErrorListener(id session.Identity, l router.ErrorListener) error {
	s.queue.SetErrorListener(id, l)
	return nil
}

func (s *Service) invalid(id session.Identity, op string, raw command.Raw, err error) error {
	s.logger.Warn("invalid command dropped",
		"caller", id.ID,
		"op", op,
		"command", raw.Command,
		"subcommand", raw.Subcommand,
	)
	if s.auditor != nil {
		s.auditor.InvalidCommand(id, op, raw, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Service) denied(id session.Identity, op string, key command.Key) error {
	if s.auditor != nil {
		s.auditor.PermissionDenied(id, op, key)
	}
	return fmt.Errorf("%s %s: %w", op, key.Permission(), ErrPermissionDenied)
}
