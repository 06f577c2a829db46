// Package subs maps (table, action, filter) interests to change-feed
// subscriptions on the transport, deduplicating identical interests behind a
// single feed with reference counting.
package subs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/openclub/livesync/pkg/connection"
	"github.com/openclub/livesync/pkg/constants"
	"github.com/openclub/livesync/pkg/logger"
)

// Key identifies one logical change-feed interest.
type Key struct {
	Table  string
	Action connection.Action
	Filter string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Table, k.Action, k.Filter)
}

// Options configures one Subscribe call. Callback receives events in
// transport delivery order. OnError receives transport-level subscription
// failures; the registry never retries on its own, re-establishment belongs
// to the connection state machine's reconnect cycle.
type Options struct {
	Table  string
	Action connection.Action // defaults to ActionAll
	Filter string

	Callback func(connection.ChangeEvent)
	OnError  func(error)
}

type attachment struct {
	id       int
	callback func(connection.ChangeEvent)
	onError  func(error)
}

type entry struct {
	key    Key
	handle *connection.Handle
	// ready is closed once the feed is open (handle set) or creation
	// failed (entry removed). Later subscribers for the key wait on it
	// instead of holding the registry lock across the network call.
	ready chan struct{}

	attachments []*attachment
	nextID      int
}

func (e *entry) attach(opts Options) *attachment {
	att := &attachment{id: e.nextID, callback: opts.Callback, onError: opts.OnError}
	e.nextID++
	e.attachments = append(e.attachments, att)
	return att
}

// Registry owns every active change-feed subscription. Many callers may
// attach to one underlying feed; the feed is opened when the first caller
// subscribes and killed when the last one detaches.
type Registry struct {
	client connection.Client
	logger logger.Logger

	mu      sync.Mutex
	entries map[Key]*entry
}

func NewRegistry(client connection.Client, l logger.Logger) *Registry {
	return &Registry{
		client:  client,
		logger:  l,
		entries: make(map[Key]*entry),
	}
}

// Subscribe attaches a callback to the feed for the given key, opening the
// feed if this is the first attachment. The returned function detaches the
// callback; the underlying feed is torn down when the attachment count
// reaches zero.
func (r *Registry) Subscribe(ctx context.Context, opts Options) (func(), error) {
	if opts.Table == "" {
		return nil, fmt.Errorf("%w: table is required", constants.ErrSubscription)
	}
	if opts.Callback == nil {
		return nil, fmt.Errorf("%w: callback is required", constants.ErrSubscription)
	}
	if opts.Action == "" {
		opts.Action = connection.ActionAll
	}

	key := Key{Table: opts.Table, Action: opts.Action, Filter: opts.Filter}

	for {
		r.mu.Lock()
		e, ok := r.entries[key]
		if !ok {
			// First subscriber for this key opens the feed. The lock is
			// dropped for the network call; the placeholder entry keeps
			// concurrent subscribers from opening a second feed.
			e = &entry{key: key, ready: make(chan struct{})}
			r.entries[key] = e
			r.mu.Unlock()

			handle, err := r.client.Subscribe(ctx, connection.SubscriptionRequest{
				Table:  key.Table,
				Action: key.Action,
				Filter: key.Filter,
			})

			r.mu.Lock()
			if err != nil {
				delete(r.entries, key)
				close(e.ready)
				r.mu.Unlock()
				return nil, fmt.Errorf("%w: %s: %w", constants.ErrSubscription, key, err)
			}
			e.handle = handle
			att := e.attach(opts)
			close(e.ready)
			r.mu.Unlock()

			go r.deliver(e, handle)
			return func() { r.detach(key, att) }, nil
		}

		if e.handle != nil {
			att := e.attach(opts)
			r.mu.Unlock()
			return func() { r.detach(key, att) }, nil
		}

		// Another subscriber is opening this feed right now; wait, then
		// retry. The retry handles the case where the opener failed and
		// removed the placeholder.
		ready := e.ready
		r.mu.Unlock()
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *Registry) detach(key Key, att *attachment) {
	r.mu.Lock()

	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return
	}

	found := false
	for i, a := range e.attachments {
		if a == att {
			e.attachments = append(e.attachments[:i], e.attachments[i+1:]...)
			found = true
			break
		}
	}

	if !found || len(e.attachments) > 0 {
		r.mu.Unlock()
		return
	}

	delete(r.entries, key)
	handle := e.handle
	r.mu.Unlock()

	if err := r.client.Unsubscribe(context.Background(), handle); err != nil {
		r.logger.Warn("failed to kill change feed", "key", key.String(), "error", err)
	}
}

// deliver fans events from one feed out to its attachments. One goroutine
// per feed keeps transport delivery order per key.
func (r *Registry) deliver(e *entry, handle *connection.Handle) {
	events := handle.Events
	errs := handle.Errs

	for events != nil || errs != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			r.dispatch(e, handle, ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			r.dispatchError(e, handle, err)
		}
	}
}

func (r *Registry) snapshot(e *entry, handle *connection.Handle) []*attachment {
	r.mu.Lock()
	defer r.mu.Unlock()

	// The entry may have been re-pointed at a fresh feed by ResubscribeAll;
	// a stale delivery goroutine must not dispatch through it.
	if e.handle != handle {
		return nil
	}
	out := make([]*attachment, len(e.attachments))
	copy(out, e.attachments)
	return out
}

func (r *Registry) dispatch(e *entry, handle *connection.Handle, ev connection.ChangeEvent) {
	for _, att := range r.snapshot(e, handle) {
		r.safeCall(e.key, att, ev)
	}
}

// safeCall isolates a panicking callback so siblings on the same key still
// receive the event.
func (r *Registry) safeCall(key Key, att *attachment, ev connection.ChangeEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("subscription callback panicked",
				"key", key.String(), "panic", fmt.Sprint(rec))
		}
	}()
	att.callback(ev)
}

func (r *Registry) dispatchError(e *entry, handle *connection.Handle, err error) {
	if !errors.Is(err, constants.ErrSubscription) {
		err = fmt.Errorf("%w: %w", constants.ErrSubscription, err)
	}
	for _, att := range r.snapshot(e, handle) {
		if att.onError == nil {
			continue
		}
		att.onError(err)
	}
}

// ResubscribeAll re-establishes every active feed on a fresh transport
// connection. Called by the state machine's resume hook after a reconnect.
// Attachments survive; only the underlying feeds are replaced.
func (r *Registry) ResubscribeAll(ctx context.Context) error {
	r.mu.Lock()
	open := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.handle != nil {
			open = append(open, e)
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, e := range open {
		r.mu.Lock()
		old := e.handle
		r.mu.Unlock()

		// Best effort: on a real reconnect the old feed died with the
		// socket and this is a no-op.
		if err := r.client.Unsubscribe(ctx, old); err != nil {
			r.logger.Debug("stale feed cleanup failed", "key", e.key.String(), "error", err)
		}

		handle, err := r.client.Subscribe(ctx, connection.SubscriptionRequest{
			Table:  e.key.Table,
			Action: e.key.Action,
			Filter: e.key.Filter,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.key, err))
			continue
		}

		r.mu.Lock()
		if r.entries[e.key] != e {
			// The last attachment detached while we were resubscribing.
			r.mu.Unlock()
			if err := r.client.Unsubscribe(ctx, handle); err != nil {
				r.logger.Debug("surplus feed cleanup failed", "key", e.key.String(), "error", err)
			}
			continue
		}
		e.handle = handle
		r.mu.Unlock()
		go r.deliver(e, handle)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: resubscribe: %w", constants.ErrSubscription, errors.Join(errs...))
	}
	return nil
}

// CloseAll tears down every feed. Called on shutdown.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	handles := make(map[Key]*connection.Handle, len(r.entries))
	for key, e := range r.entries {
		if e.handle != nil {
			handles[key] = e.handle
		}
		delete(r.entries, key)
	}
	r.mu.Unlock()

	for key, h := range handles {
		if err := r.client.Unsubscribe(ctx, h); err != nil {
			r.logger.Warn("failed to kill change feed", "key", key.String(), "error", err)
		}
	}
}

// ActiveFeeds returns the number of underlying transport subscriptions.
func (r *Registry) ActiveFeeds() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Attachments returns the attachment count for one key.
func (r *Registry) Attachments(key Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return len(e.attachments)
	}
	return 0
}
