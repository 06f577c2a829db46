// Package pending bounds asynchronous operations with deadlines and keyed
// supersession. Registering a new operation under a key cancels the one
// already running there, so stale calls from before a suspend or reconnect
// can never race against fresh ones.
package pending

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openclub/livesync/pkg/constants"
	"github.com/openclub/livesync/pkg/logger"
)

type operation struct {
	cancel context.CancelCauseFunc
}

// Tracker runs keyed operations with at most one active operation per key.
type Tracker struct {
	mu     sync.Mutex
	ops    map[string]*operation
	logger logger.Logger
}

func NewTracker(l logger.Logger) *Tracker {
	return &Tracker{
		ops:    make(map[string]*operation),
		logger: l,
	}
}

// Do runs fn bounded by timeout under the given key. A later Do with the
// same key cancels this one, which then returns constants.ErrCancelled.
// Deadline overruns return constants.ErrTimeout.
//
// Cancellation is cooperative: fn keeps running until it observes ctx, but
// its eventual result is discarded, so it must not touch shared state after
// its context is done.
func (t *Tracker) Do(ctx context.Context, key string, timeout time.Duration, fn func(context.Context) error) error {
	opCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if timeout > 0 {
		var cancelTimer context.CancelFunc
		opCtx, cancelTimer = context.WithTimeoutCause(opCtx, timeout, constants.ErrTimeout)
		defer cancelTimer()
	}

	op := &operation{cancel: cancel}

	t.mu.Lock()
	if prev, ok := t.ops[key]; ok {
		prev.cancel(constants.ErrCancelled)
	}
	t.ops[key] = op
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		if t.ops[key] == op {
			delete(t.ops, key)
		}
		t.mu.Unlock()
	}()

	result := make(chan error, 1)
	go func() {
		result <- fn(opCtx)
	}()

	var err error
	select {
	case err = <-result:
	case <-opCtx.Done():
		err = context.Cause(opCtx)
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, constants.ErrCancelled):
		// Supersession is intentional, never an error-level event.
		t.logger.Debug("pending operation superseded", "key", key)
		return constants.ErrCancelled
	case errors.Is(err, constants.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %q exceeded %v", constants.ErrTimeout, key, timeout)
	default:
		return err
	}
}

// Cancel cancels the operation registered under key, if any.
func (t *Tracker) Cancel(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if op, ok := t.ops[key]; ok {
		op.cancel(constants.ErrCancelled)
		delete(t.ops, key)
	}
}

// CancelAll cancels every pending operation. Called when the connection is
// suspended or torn down for a reconnect.
func (t *Tracker) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, op := range t.ops {
		op.cancel(constants.ErrCancelled)
		delete(t.ops, key)
	}
}

// Active reports whether an operation is currently registered under key.
func (t *Tracker) Active(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.ops[key]
	return ok
}

// Len returns the number of pending operations.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}
