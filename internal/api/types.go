package api

import (
	"github.com/mattjoyce/cpucom/internal/command"
)

// CommandRef names one key in a request.
type CommandRef struct {
	Command    int `json:"command"`
	Subcommand int `json:"subcommand"`
}

// CommandsRequest is the JSON body of send, subscribe and unsubscribe.
// Listener, when set, must name the caller's open stream.
type CommandsRequest struct {
	Commands []CommandRef `json:"commands"`
	Data     []byte       `json:"data,omitempty"`
	Listener string       `json:"listener,omitempty"`
}

func (r CommandsRequest) raws() []command.Raw {
	out := make([]command.Raw, 0, len(r.Commands))
	for _, c := range r.Commands {
		out = append(out, command.Raw{Command: c.Command, Subcommand: c.Subcommand, Payload: r.Data})
	}
	return out
}

// AcceptedResponse reports how many commands were queued. Rejected commands
// are listed in Errors.
type AcceptedResponse struct {
	Accepted int      `json:"accepted"`
	Errors   []string `json:"errors,omitempty"`
}

// ReadyEvent is the first event on every stream.
type ReadyEvent struct {
	Caller   string `json:"caller"`
	Listener string `json:"listener"`
}

// CommandEvent is an inbound device command delivered on a stream.
type CommandEvent struct {
	Command    uint8  `json:"command"`
	Subcommand uint8  `json:"subcommand"`
	Data       []byte `json:"data,omitempty"`
}

// ErrorEvent is a channel error delivered on a stream.
type ErrorEvent struct {
	Command    uint8 `json:"command"`
	Subcommand uint8 `json:"subcommand"`
	Code       int   `json:"code"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Streams       int    `json:"streams"`
	PendingTasks  int    `json:"pending_tasks"`
}
