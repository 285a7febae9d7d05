package journal

import "time"

// Kind classifies a journal entry.
type Kind string

const (
	KindSessionOpened    Kind = "session_opened"
	KindSessionClosed    Kind = "session_closed"
	KindPermissionDenied Kind = "permission_denied"
	KindInvalidCommand   Kind = "invalid_command"
)

// Entry is one journal row. Command and Subcommand are kept as ints so an
// out-of-range command can be recorded as it was received.
type Entry struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Caller     string    `json:"caller"`
	Principal  string    `json:"principal,omitempty"`
	Command    *int      `json:"command,omitempty"`
	Subcommand *int      `json:"subcommand,omitempty"`
	Handle     *uint64   `json:"handle,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Filter narrows List. Zero values match everything; Limit defaults to 100.
type Filter struct {
	Caller string
	Kind   Kind
	Limit  int
}
