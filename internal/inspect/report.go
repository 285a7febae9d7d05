// Package inspect renders a caller's journal history as a report: each
// native session it held, and every command rejected at the boundary.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mattjoyce/cpucom/internal/journal"
)

// ErrNoHistory is returned when the journal holds nothing for the caller.
var ErrNoHistory = errors.New("no journal entries for caller")

// Lister reads the journal. *journal.Journal implements it.
type Lister interface {
	List(ctx context.Context, f journal.Filter) ([]journal.Entry, error)
}

// Report is the structured JSON representation of a caller report.
type Report struct {
	Caller     string      `json:"caller"`
	Sessions   []Session   `json:"sessions"`
	Rejections []Rejection `json:"rejections"`
}

// Session is one native session, open when ClosedAt is nil.
type Session struct {
	Handle   uint64     `json:"handle"`
	OpenedAt time.Time  `json:"opened_at"`
	ClosedAt *time.Time `json:"closed_at,omitempty"`
	Reason   string     `json:"reason,omitempty"`
}

// Rejection is a denied or invalid command.
type Rejection struct {
	At        time.Time    `json:"at"`
	Kind      journal.Kind `json:"kind"`
	Principal string       `json:"principal,omitempty"`
	Detail    string       `json:"detail"`
}

// BuildReport renders a terminal-friendly history for caller.
func BuildReport(ctx context.Context, l Lister, caller string, limit int) (string, error) {
	report, err := gatherReport(ctx, l, caller, limit)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Caller Report\n")
	fmt.Fprintf(&out, "Caller      : %s\n", displayCaller(report.Caller))
	fmt.Fprintf(&out, "Sessions    : %d\n", len(report.Sessions))
	fmt.Fprintf(&out, "Rejections  : %d\n", len(report.Rejections))
	fmt.Fprintf(&out, "\n")

	for i, s := range report.Sessions {
		fmt.Fprintf(&out, "[%d] handle %d\n", i+1, s.Handle)
		if s.OpenedAt.IsZero() {
			fmt.Fprintf(&out, "    opened     : <before window>\n")
		} else {
			fmt.Fprintf(&out, "    opened     : %s\n", s.OpenedAt.Format(time.RFC3339))
		}
		switch {
		case s.ClosedAt != nil && s.OpenedAt.IsZero():
			fmt.Fprintf(&out, "    closed     : %s (%s)\n", s.ClosedAt.Format(time.RFC3339), s.Reason)
		case s.ClosedAt != nil:
			fmt.Fprintf(&out, "    closed     : %s (%s, held %s)\n",
				s.ClosedAt.Format(time.RFC3339), s.Reason, s.ClosedAt.Sub(s.OpenedAt).Round(time.Millisecond))
		default:
			fmt.Fprintf(&out, "    closed     : <open>\n")
		}
	}

	if len(report.Rejections) > 0 {
		fmt.Fprintf(&out, "\nRejected commands\n")
		for _, r := range report.Rejections {
			principal := r.Principal
			if principal == "" {
				principal = "<none>"
			}
			fmt.Fprintf(&out, "  %s %-17s %-10s %s\n", r.At.Format(time.RFC3339), r.Kind, principal, r.Detail)
		}
	}

	return out.String(), nil
}

// BuildJSONReport returns the report as indented JSON.
func BuildJSONReport(ctx context.Context, l Lister, caller string, limit int) ([]byte, error) {
	report, err := gatherReport(ctx, l, caller, limit)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(report, "", "  ")
}

func gatherReport(ctx context.Context, l Lister, caller string, limit int) (*Report, error) {
	entries, err := l.List(ctx, journal.Filter{Caller: caller, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list journal for %q: %w", caller, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w %q", ErrNoHistory, caller)
	}

	// List is newest first; the report reads oldest first.
	slices.Reverse(entries)

	report := &Report{Caller: caller, Sessions: []Session{}, Rejections: []Rejection{}}
	open := make(map[uint64]int)
	for _, e := range entries {
		switch e.Kind {
		case journal.KindSessionOpened:
			if e.Handle == nil {
				continue
			}
			open[*e.Handle] = len(report.Sessions)
			report.Sessions = append(report.Sessions, Session{Handle: *e.Handle, OpenedAt: e.CreatedAt})
		case journal.KindSessionClosed:
			if e.Handle == nil {
				continue
			}
			at := e.CreatedAt
			idx, ok := open[*e.Handle]
			if !ok {
				// Opened before the window the limit allows.
				report.Sessions = append(report.Sessions, Session{Handle: *e.Handle, ClosedAt: &at, Reason: e.Detail})
				continue
			}
			report.Sessions[idx].ClosedAt = &at
			report.Sessions[idx].Reason = e.Detail
			delete(open, *e.Handle)
		case journal.KindPermissionDenied, journal.KindInvalidCommand:
			report.Rejections = append(report.Rejections, Rejection{
				At:        e.CreatedAt,
				Kind:      e.Kind,
				Principal: e.Principal,
				Detail:    e.Detail,
			})
		}
	}
	return report, nil
}

func displayCaller(id string) string {
	if id == "" {
		return "<anonymous>"
	}
	return id
}
