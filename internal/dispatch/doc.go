// Package dispatch serializes every mutation of the session registry onto one
// worker goroutine.
//
// Callers submit tasks (subscribe, unsubscribe, send, error listener changes,
// destroy) and return immediately. The worker runs them one at a time in
// submission order across all callers, so the registry itself needs no locks
// and a disconnect racing a final unsubscribe resolves to exactly one teardown.
//
// Key features:
//   - Strict FIFO across callers (one task at a time)
//   - Unbounded queue: submission never blocks, including from liveness
//     callbacks and transport goroutines
//   - Barrier and Query run a function on the worker and wait for it, for
//     inspection endpoints and tests
//   - On shutdown the worker closes every session before returning
//
// Error handling:
//   - A failing task is logged and the loop continues
//   - Tasks submitted after shutdown are dropped and logged
//   - Barrier and Query return ErrStopped once the worker has exited
package dispatch
