package lifecycle

import (
	"fmt"
	"log/slog"
)

// Monitor attaches to callers' liveness channels. It does no cleanup itself:
// a disconnect is handed to onDisconnect, which is expected to enqueue the
// destroy on the dispatcher.
type Monitor struct {
	onDisconnect func(callerID string)
	logger       *slog.Logger
}

func NewMonitor(onDisconnect func(callerID string), logger *slog.Logger) *Monitor {
	return &Monitor{onDisconnect: onDisconnect, logger: logger}
}

// SetHandler replaces the disconnect handler. It must be called before the
// first Attach.
func (m *Monitor) SetHandler(onDisconnect func(callerID string)) {
	m.onDisconnect = onDisconnect
}

// Attach starts watching l for callerID.
func (m *Monitor) Attach(callerID string, l Liveness) (Handle, error) {
	if l == nil {
		return nil, fmt.Errorf("attach liveness for %q: no liveness channel", callerID)
	}
	h, err := l.Watch(func() {
		m.logger.Info("liveness fired", "caller", callerID)
		if m.onDisconnect != nil {
			m.onDisconnect(callerID)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("attach liveness for %q: %w", callerID, err)
	}
	return h, nil
}
