package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mattjoyce/cpucom/internal/command"
	"github.com/mattjoyce/cpucom/internal/router"
	"github.com/mattjoyce/cpucom/internal/session"
)

// ErrStopped is returned by Barrier and Query once the worker has exited.
var ErrStopped = errors.New("dispatcher stopped")

// task is one unit of work for the registry.
type task struct {
	name   string
	caller string
	run    func(reg *session.Registry) error
}

// Dispatcher owns the session registry and runs submitted tasks serially.
type Dispatcher struct {
	registry *session.Registry
	logger   *slog.Logger

	mu      sync.Mutex
	pending []task
	stopped bool
	notify  chan struct{}
	done    chan struct{}
}

// New creates a Dispatcher for reg. Nothing runs until Start.
func New(reg *session.Registry, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		logger:   logger,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start runs the dispatch loop until ctx is cancelled. On the way out every
// session is closed and queued tasks are dropped.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("dispatch loop started")
	defer d.logger.Info("dispatch loop stopped")
	defer close(d.done)

	for {
		for {
			t, ok := d.next()
			if !ok {
				break
			}
			d.execute(t)
			if ctx.Err() != nil {
				break
			}
		}

		select {
		case <-ctx.Done():
			d.shutdown()
			return ctx.Err()
		case <-d.notify:
		}
	}
}

func (d *Dispatcher) next() (task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return task{}, false
	}
	t := d.pending[0]
	d.pending[0] = task{}
	d.pending = d.pending[1:]
	return t, true
}

func (d *Dispatcher) execute(t task) {
	if err := t.run(d.registry); err != nil {
		d.logger.Warn("task failed", "task", t.name, "caller", t.caller, "error", err)
		return
	}
	d.logger.Debug("task done", "task", t.name, "caller", t.caller)
}

func (d *Dispatcher) shutdown() {
	d.mu.Lock()
	d.stopped = true
	dropped := len(d.pending)
	d.pending = nil
	d.mu.Unlock()

	if dropped > 0 {
		d.logger.Warn("dropping queued tasks on shutdown", "count", dropped)
	}
	d.registry.Close()
}

func (d *Dispatcher) submit(t task) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.logger.Warn("task submitted after shutdown", "task", t.name, "caller", t.caller)
		return
	}
	d.pending = append(d.pending, t)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued tasks.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Subscribe queues adding l to id's listeners for key.
func (d *Dispatcher) Subscribe(id session.Identity, key command.Key, l router.Listener) {
	d.submit(task{name: "subscribe", caller: id.ID, run: func(reg *session.Registry) error {
		return reg.Subscribe(id, key, l)
	}})
}

// Unsubscribe queues removing l from callerID's listeners for key.
func (d *Dispatcher) Unsubscribe(callerID string, key command.Key, l router.Listener) {
	d.submit(task{name: "unsubscribe", caller: callerID, run: func(reg *session.Registry) error {
		reg.Unsubscribe(callerID, key, l)
		return nil
	}})
}

// Send queues writing cmd on callerID's session.
func (d *Dispatcher) Send(callerID string, cmd command.Command) {
	d.submit(task{name: "send", caller: callerID, run: func(reg *session.Registry) error {
		return reg.Send(callerID, cmd)
	}})
}

// SetErrorListener queues replacing id's error listener. A nil l clears it.
func (d *Dispatcher) SetErrorListener(id session.Identity, l router.ErrorListener) {
	d.submit(task{name: "set-error-listener", caller: id.ID, run: func(reg *session.Registry) error {
		return reg.SetErrorListener(id, l)
	}})
}

// Destroy queues tearing down callerID's session. It is the disconnect
// handler of the lifecycle monitor and may be called from any goroutine.
func (d *Dispatcher) Destroy(callerID string) {
	d.submit(task{name: "destroy", caller: callerID, run: func(reg *session.Registry) error {
		if !reg.Destroy(callerID) {
			d.logger.Debug("destroy for unknown caller", "caller", callerID)
		}
		return nil
	}})
}

// Barrier waits until every task submitted before it has run.
func (d *Dispatcher) Barrier(ctx context.Context) error {
	return d.Query(ctx, func(*session.Registry) {})
}

// Query runs fn on the worker, after everything queued before it, and waits
// for it to return. fn must not retain reg.
func (d *Dispatcher) Query(ctx context.Context, fn func(reg *session.Registry)) error {
	ran := make(chan struct{})
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrStopped
	}
	d.mu.Unlock()

	d.submit(task{name: "query", run: func(reg *session.Registry) error {
		fn(reg)
		close(ran)
		return nil
	}})

	select {
	case <-ran:
		return nil
	case <-d.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the registry snapshot as seen by the worker.
func (d *Dispatcher) Snapshot(ctx context.Context) ([]session.Info, error) {
	result := make(chan []session.Info, 1)
	if err := d.Query(ctx, func(reg *session.Registry) {
		result <- reg.Snapshot()
	}); err != nil {
		return nil, err
	}
	return <-result, nil
}
