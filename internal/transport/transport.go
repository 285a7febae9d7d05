// Package transport describes the native session layer to the device. The
// daemon opens one session per caller; each session has its own inbound
// delivery goroutine that the transport guarantees is sequential.
package transport

import (
	"errors"

	"github.com/mattjoyce/cpucom/internal/command"
)

//go:generate mockgen -destination=mocks/mock_transport.go -package=mocks github.com/mattjoyce/cpucom/internal/transport Transport

// ErrUnknownSession is returned for operations on a closed or foreign handle.
var ErrUnknownSession = errors.New("unknown transport session")

// Handle identifies an open native session.
type Handle uint64

// Handler receives inbound traffic for one session. Both methods are called
// from the session's delivery goroutine, one at a time.
type Handler interface {
	OnCommand(cmd command.Command)
	OnError(key command.Key, code int)
}

// Transport is the single-owner channel to the device.
type Transport interface {
	Open(callerID string, h Handler) (Handle, error)
	Close(h Handle) error
	Send(h Handle, cmd command.Command) error
	Subscribe(h Handle, key command.Key) error
	Unsubscribe(h Handle, key command.Key) error
}
