// Package token provides a lock-free, one-shot cancellation signal used
// throughout the engine's suspension points, in place of a full
// context.Context (no deadlines or request-scoped values are needed).
package token

import "sync/atomic"

// CancelToken is a one-shot cancellation flag. Construct it with New: the
// zero value has no Done channel, so it is not a usable token.
type CancelToken struct {
	cancelled atomic.Bool
	done      chan struct{}
	closeOnce atomic.Bool
}

// New returns a fresh, not-cancelled token.
func New() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancelled reports whether Cancel has been called. Safe for concurrent
// use without locking.
func (t *CancelToken) Cancelled() bool {
	return t.cancelled.Load()
}

// Cancel flips the token. Safe to call more than once or concurrently;
// only the first call closes Done().
func (t *CancelToken) Cancel() {
	t.cancelled.Store(true)
	if t.closeOnce.CompareAndSwap(false, true) {
		close(t.done)
	}
}

// Done returns a channel that is closed once Cancel has been called, for
// use in select statements at suspension points.
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}
