package journal

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mattjoyce/cpucom/internal/command"
	"github.com/mattjoyce/cpucom/internal/session"
	"github.com/mattjoyce/cpucom/internal/transport"
)

const defaultWriterBuffer = 1024

// Writer records journal entries from a goroutine of its own so the
// dispatcher and the service never wait on sqlite. Entries are stamped when
// they are queued. A full buffer drops the entry with a warning.
type Writer struct {
	journal *Journal
	logger  *slog.Logger
	entries chan Entry
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

var _ session.Recorder = (*Writer)(nil)

// NewWriter starts a writer over j. Close must be called to flush it.
func NewWriter(j *Journal, buffer int, logger *slog.Logger) *Writer {
	if buffer <= 0 {
		buffer = defaultWriterBuffer
	}
	w := &Writer{
		journal: j,
		logger:  logger,
		entries: make(chan Entry, buffer),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Writer) run() {
	defer close(w.done)
	for e := range w.entries {
		w.journal.write(e)
	}
}

func (w *Writer) SessionOpened(callerID string, h transport.Handle) {
	w.enqueue(openedEntry(callerID, h))
}

func (w *Writer) SessionClosed(callerID string, h transport.Handle, reason string) {
	w.enqueue(closedEntry(callerID, h, reason))
}

func (w *Writer) PermissionDenied(id session.Identity, op string, key command.Key) {
	w.enqueue(deniedEntry(id, op, key))
}

func (w *Writer) InvalidCommand(id session.Identity, op string, raw command.Raw, err error) {
	w.enqueue(invalidEntry(id, op, raw, err))
}

func (w *Writer) enqueue(e Entry) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.logger.Warn("journal writer closed, dropping entry", "kind", string(e.Kind), "caller", e.Caller)
		return
	}
	select {
	case w.entries <- e:
	default:
		w.dropped.Add(1)
		w.logger.Warn("journal buffer full, dropping entry", "kind", string(e.Kind), "caller", e.Caller)
	}
}

// Dropped counts entries lost to a full buffer.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// Close stops accepting entries and waits until the queued ones are written.
// It is safe to call more than once.
func (w *Writer) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.entries)
	}
	w.mu.Unlock()
	<-w.done
}
