// Package mock provides a scriptable in-memory connection.Client used by
// tests across the sync layer. Change events are injected with Emit, and
// every remote interaction can be made to fail through the *Err hooks.
package mock

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"

	"github.com/openclub/livesync/pkg/connection"
)

type sub struct {
	handle *connection.Handle
	events chan connection.ChangeEvent
	errs   chan error
}

type Client struct {
	mu        sync.Mutex
	connected bool
	subs      map[uuid.UUID]*sub

	subscribeCalls   int
	unsubscribeCalls int
	pingCalls        int
	connectCalls     int
	closeCalls       int

	// Optional per-call hooks. Nil hooks mean success.
	ConnectErr   func() error
	PingErr      func() error
	SubscribeErr func() error
	FetchFn      func(query string, params map[string]any) (any, error)
	InvokeFn     func(proc string, params map[string]any) (any, error)
}

var _ connection.Client = (*Client)(nil)

func NewClient() *Client {
	return &Client{subs: make(map[uuid.UUID]*sub)}
}

func (c *Client) Connect(context.Context) error {
	c.mu.Lock()
	hook := c.ConnectErr
	c.connectCalls++
	c.mu.Unlock()

	if hook != nil {
		if err := hook(); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *Client) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	c.connected = false
	for id, s := range c.subs {
		close(s.events)
		close(s.errs)
		delete(c.subs, id)
	}
	return nil
}

func (c *Client) Ping(context.Context) error {
	c.mu.Lock()
	hook := c.PingErr
	c.pingCalls++
	c.mu.Unlock()

	if hook != nil {
		return hook()
	}
	return nil
}

func (c *Client) Subscribe(_ context.Context, req connection.SubscriptionRequest) (*connection.Handle, error) {
	c.mu.Lock()
	c.subscribeCalls++
	hook := c.SubscribeErr
	c.mu.Unlock()

	// The hook runs unlocked so tests can block a subscribe in flight.
	if hook != nil {
		if err := hook(); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s := &sub{
		events: make(chan connection.ChangeEvent, 64),
		errs:   make(chan error, 1),
	}
	s.handle = &connection.Handle{
		ID:      uuid.New(),
		Request: req,
		Events:  s.events,
		Errs:    s.errs,
	}
	c.subs[s.handle.ID] = s
	return s.handle, nil
}

func (c *Client) Unsubscribe(_ context.Context, h *connection.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.unsubscribeCalls++
	s, ok := c.subs[h.ID]
	if !ok {
		return nil
	}
	delete(c.subs, h.ID)
	close(s.events)
	close(s.errs)
	return nil
}

func (c *Client) Fetch(_ context.Context, query string, params map[string]any, dest any) error {
	c.mu.Lock()
	fn := c.FetchFn
	c.mu.Unlock()

	if fn == nil {
		return nil
	}
	v, err := fn(query, params)
	if err != nil {
		return err
	}
	return assign(dest, v)
}

func (c *Client) Invoke(_ context.Context, proc string, params map[string]any, dest any) error {
	c.mu.Lock()
	fn := c.InvokeFn
	c.mu.Unlock()

	if fn == nil {
		return nil
	}
	v, err := fn(proc, params)
	if err != nil {
		return err
	}
	return assign(dest, v)
}

// Emit delivers a change event to every open feed whose request matches the
// event's table (and, for non-ALL feeds, its action).
func (c *Client) Emit(ev connection.ChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.subs {
		req := s.handle.Request
		if req.Table != ev.Table {
			continue
		}
		if req.Action != connection.ActionAll && req.Action != ev.Action {
			continue
		}
		s.events <- ev
	}
}

// EmitError pushes a transport error to every feed on the given table.
func (c *Client) EmitError(table string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.subs {
		if s.handle.Request.Table != table {
			continue
		}
		select {
		case s.errs <- err:
		default:
		}
	}
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) ActiveSubscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *Client) SubscribeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribeCalls
}

func (c *Client) UnsubscribeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubscribeCalls
}

func (c *Client) PingCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingCalls
}

func (c *Client) ConnectCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectCalls
}

func (c *Client) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

func assign(dest, v any) error {
	if dest == nil || v == nil {
		return nil
	}
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Ptr || dv.IsNil() {
		return fmt.Errorf("dest must be a non-nil pointer, got %T", dest)
	}
	sv := reflect.ValueOf(v)
	if !sv.Type().AssignableTo(dv.Elem().Type()) {
		return fmt.Errorf("cannot assign %T to %T", v, dest)
	}
	dv.Elem().Set(sv)
	return nil
}
