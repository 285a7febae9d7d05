// Package journal is the append-only audit record of the daemon: sessions
// opened and closed, permission denials and rejected commands.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/cpucom/internal/command"
	"github.com/mattjoyce/cpucom/internal/session"
	"github.com/mattjoyce/cpucom/internal/transport"
)

const (
	defaultLimit = 100
	maxLimit     = 1000

	// writeTimeout bounds each fire-and-forget write.
	writeTimeout = 2 * time.Second

	// timeLayout is fixed width so created_at orders correctly as text.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

type Journal struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func New(db *sql.DB, logger *slog.Logger) *Journal {
	return &Journal{db: db, logger: logger, now: time.Now}
}

var _ session.Recorder = (*Journal)(nil)

// Record appends e and returns its id. ID and CreatedAt are filled in when
// empty.
func (j *Journal) Record(ctx context.Context, e Entry) (string, error) {
	if e.Kind == "" {
		return "", fmt.Errorf("journal kind is empty")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = j.now()
	}

	_, err := j.db.ExecContext(ctx, `
INSERT INTO journal(id, kind, caller, principal, command, subcommand, handle, detail, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, e.ID, string(e.Kind), e.Caller, nullString(e.Principal), nullInt(e.Command), nullInt(e.Subcommand),
		nullHandle(e.Handle), nullString(e.Detail), e.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return "", fmt.Errorf("record journal entry: %w", err)
	}
	return e.ID, nil
}

// List returns entries newest first.
func (j *Journal) List(ctx context.Context, f Filter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	query := `
SELECT id, kind, caller, principal, command, subcommand, handle, detail, created_at
FROM journal
WHERE (? = '' OR caller = ?) AND (? = '' OR kind = ?)
ORDER BY created_at DESC, rowid DESC
LIMIT ?;`
	rows, err := j.db.QueryContext(ctx, query, f.Caller, f.Caller, string(f.Kind), string(f.Kind), limit)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                   Entry
			kind, createdAt     string
			principal, detail   sql.NullString
			cmd, subcmd, handle sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &kind, &e.Caller, &principal, &cmd, &subcmd, &handle, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		e.Kind = Kind(kind)
		e.Principal = principal.String
		e.Detail = detail.String
		if cmd.Valid {
			v := int(cmd.Int64)
			e.Command = &v
		}
		if subcmd.Valid {
			v := int(subcmd.Int64)
			e.Subcommand = &v
		}
		if handle.Valid {
			v := uint64(handle.Int64)
			e.Handle = &v
		}
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at %q: %w", createdAt, err)
		}
		e.CreatedAt = t
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}
	return out, nil
}

// SessionOpened records a new native session.
func (j *Journal) SessionOpened(callerID string, h transport.Handle) {
	j.write(openedEntry(callerID, h))
}

// SessionClosed records a torn-down native session.
func (j *Journal) SessionClosed(callerID string, h transport.Handle, reason string) {
	j.write(closedEntry(callerID, h, reason))
}

// PermissionDenied records a gated operation.
func (j *Journal) PermissionDenied(id session.Identity, op string, key command.Key) {
	j.write(deniedEntry(id, op, key))
}

// InvalidCommand records a command rejected before it reached the registry.
func (j *Journal) InvalidCommand(id session.Identity, op string, raw command.Raw, err error) {
	j.write(invalidEntry(id, op, raw, err))
}

func openedEntry(callerID string, h transport.Handle) Entry {
	hv := uint64(h)
	return Entry{Kind: KindSessionOpened, Caller: callerID, Handle: &hv, CreatedAt: time.Now()}
}

func closedEntry(callerID string, h transport.Handle, reason string) Entry {
	hv := uint64(h)
	return Entry{Kind: KindSessionClosed, Caller: callerID, Handle: &hv, Detail: reason, CreatedAt: time.Now()}
}

func deniedEntry(id session.Identity, op string, key command.Key) Entry {
	c, s := int(key.Command), int(key.Subcommand)
	return Entry{
		Kind:       KindPermissionDenied,
		Caller:     id.ID,
		Principal:  id.Principal.Name,
		Command:    &c,
		Subcommand: &s,
		Detail:     op + " " + key.Permission(),
		CreatedAt:  time.Now(),
	}
}

func invalidEntry(id session.Identity, op string, raw command.Raw, err error) Entry {
	c, s := raw.Command, raw.Subcommand
	return Entry{
		Kind:       KindInvalidCommand,
		Caller:     id.ID,
		Principal:  id.Principal.Name,
		Command:    &c,
		Subcommand: &s,
		Detail:     fmt.Sprintf("%s: %v", op, err),
		CreatedAt:  time.Now(),
	}
}

func (j *Journal) write(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if _, err := j.Record(ctx, e); err != nil {
		j.logger.Warn("journal write failed", "kind", string(e.Kind), "caller", e.Caller, "error", err)
	}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullHandle(v *uint64) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}
