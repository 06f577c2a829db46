package livesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openclub/livesync/pkg/cache"
	"github.com/openclub/livesync/pkg/connection"
	"github.com/openclub/livesync/pkg/constants"
	"github.com/openclub/livesync/pkg/logger"
	"github.com/openclub/livesync/pkg/pending"
	"github.com/openclub/livesync/pkg/recovery"
	"github.com/openclub/livesync/pkg/state"
	"github.com/openclub/livesync/pkg/subs"
)

// Client is the top-level handle for the sync layer. It owns one network
// connection and the state machine, subscription registry, query cache and
// recovery manager built around it. All methods are safe for concurrent
// use; there is no package-level instance, callers construct their own.
type Client struct {
	conf     *Config
	conn     connection.Client
	logger   logger.Logger
	tracker  *pending.Tracker
	machine  *state.Machine
	registry *subs.Registry
	cache    *cache.Cache
	recovery *recovery.Manager

	mu        sync.Mutex
	tableSubs map[string]func()
	gcStop    chan struct{}
	closed    bool
}

// New wires a Client from conf. The client starts disconnected; call
// Connect to bring the connection up.
func New(conf *Config) (*Client, error) {
	if conf == nil {
		return nil, fmt.Errorf("%w: nil config", constants.ErrConnection)
	}
	conf = conf.withDefaults()

	conn := conf.Conn
	if conn == nil {
		if conf.URL == "" {
			return nil, constants.ErrNoBaseURL
		}
		conn = connection.NewWebSocketClient(connection.NewClientParams{
			BaseURL:     conf.URL,
			Marshaler:   conf.Marshaler,
			Unmarshaler: conf.Unmarshaler,
			Logger:      conf.Logger,
		})
	}

	c := &Client{
		conf:      conf,
		conn:      conn,
		logger:    conf.Logger,
		tableSubs: make(map[string]func()),
	}

	c.tracker = pending.NewTracker(conf.Logger)
	c.machine = state.NewMachine(conn, c.tracker, conf.Logger, conf.State)
	c.registry = subs.NewRegistry(conn, conf.Logger)

	cacheConf := conf.Cache
	cacheConf.Cascades = conf.Cascades
	cacheConf.NetworkQuality = conf.NetworkQuality
	cacheConf.Logger = conf.Logger
	c.cache = cache.New(cacheConf)

	c.recovery = recovery.NewManager(
		conf.Recovery,
		recovery.PrefixClassifier(conf.KeyTiers, conf.DefaultTier),
		c.cache.Keys,
		c.revalidate,
		c.tracker,
		conf.Logger,
	)

	c.machine.OnResume(c.onResume)
	return c, nil
}

// Connect brings the connection up and starts the cache collector.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.machine.Connect(ctx); err != nil {
		return err
	}
	c.startGC()
	return nil
}

// Close tears down subscriptions, stops background work and closes the
// connection. The client cannot be reused afterwards.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stop := c.gcStop
	c.gcStop = nil
	c.tableSubs = make(map[string]func())
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	c.tracker.CancelAll()
	c.registry.CloseAll(ctx)
	return c.machine.Disconnect(ctx)
}

// Handle feeds an environment signal (visibility change, network change,
// heartbeat failure) into the state machine. The embedding application
// calls this from wherever it observes those signals.
func (c *Client) Handle(ctx context.Context, ev state.Event) error {
	return c.machine.Handle(ctx, ev)
}

// Status reports the current connection status.
func (c *Client) Status() state.Status {
	return c.machine.Status()
}

// Degraded reports whether reconnection attempts are exhausted and the
// client is serving cached data only.
func (c *Client) Degraded() bool {
	return c.machine.Degraded()
}

// WatchStatus returns a channel of status transitions and a stop function.
func (c *Client) WatchStatus() (<-chan state.Change, func()) {
	return c.machine.Watch()
}

// Subscribe attaches a callback to the change feed for opts. Feeds are
// shared: two subscriptions with the same table, action and filter reuse
// one server-side feed. The returned function detaches the callback and
// tears the feed down once no attachment remains.
func (c *Client) Subscribe(ctx context.Context, opts subs.Options) (func(), error) {
	return c.registry.Subscribe(ctx, opts)
}

// Bind declares that change events on table update the cached entry at key
// with the given strategy, and opens the backing feed if the table has
// none yet. Bindings are static; declare them up front.
func (c *Client) Bind(ctx context.Context, key cache.Key, table string, strategy cache.Strategy) error {
	c.cache.Bind(key, table, strategy)
	return c.ensureTableFeed(ctx, table)
}

// ensureTableFeed opens one registry subscription per bound table whose
// callback routes events into the cache. Cascade-only tables need a feed
// too, so Reconcile calls this for them as well.
func (c *Client) ensureTableFeed(ctx context.Context, table string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return constants.ErrClosed
	}
	if _, ok := c.tableSubs[table]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	unsub, err := c.registry.Subscribe(ctx, subs.Options{
		Table:    table,
		Callback: c.cache.Dispatch,
		OnError: func(err error) {
			c.logger.Warn("change feed error", "table", table, "error", err)
		},
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	surplus := false
	if _, ok := c.tableSubs[table]; ok || c.closed {
		surplus = true
	} else {
		c.tableSubs[table] = unsub
	}
	c.mu.Unlock()

	// Lost the race to another caller, or shut down meanwhile.
	if surplus {
		unsub()
	}
	return nil
}

// Reconcile opens feeds for every table named in the cascade table, so
// cross-key invalidations fire even for tables no key is bound to.
func (c *Client) Reconcile(ctx context.Context) error {
	var errs []error
	for table := range c.conf.Cascades {
		if err := c.ensureTableFeed(ctx, table); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Query returns the cached value for key, refetching through the
// configured Fetcher when the entry is missing or stale. Concurrent
// queries for one key share a single fetch.
func (c *Client) Query(ctx context.Context, key cache.Key) (any, error) {
	if c.conf.Fetcher == nil {
		return nil, errors.New("no fetcher configured")
	}
	return c.cache.GetOrFetch(ctx, key, func(ctx context.Context) (any, error) {
		return c.conf.Fetcher(ctx, key)
	})
}

// Mutate runs an optimistic mutation against the cache.
func (c *Client) Mutate(ctx context.Context, m cache.Mutation) (connection.Row, error) {
	return c.cache.Mutate(ctx, m)
}

// Invoke calls a named server procedure.
func (c *Client) Invoke(ctx context.Context, proc string, params map[string]any, dest any) error {
	return c.conn.Invoke(ctx, proc, params, dest)
}

// Fetch runs a one-off query against the server, bypassing the cache.
func (c *Client) Fetch(ctx context.Context, query string, params map[string]any, dest any) error {
	return c.conn.Fetch(ctx, query, params, dest)
}

// Recover runs a recovery cycle of the given scope by hand. Resume paths
// trigger this automatically with a scope derived from the gap.
func (c *Client) Recover(ctx context.Context, scope recovery.Scope) error {
	return c.recovery.Recover(ctx, scope)
}

// RecoveryStats reports diagnostics from past recovery cycles.
func (c *Client) RecoveryStats() recovery.Stats {
	return c.recovery.Stats()
}

// Cache exposes the query cache for direct seeding and inspection.
func (c *Client) Cache() *cache.Cache {
	return c.cache
}

// onResume is the machine's resume hook: re-establish server-side feeds
// after a reconnect, then refresh cached data to a depth matching how
// long the client was away.
func (c *Client) onResume(ctx context.Context, info state.Resume) {
	if info.Reconnected {
		if err := c.registry.ResubscribeAll(ctx); err != nil {
			c.logger.Warn("resubscribe after reconnect", "error", err)
		}
	}
	scope := recovery.ScopeForGap(info.BackgroundFor, info.NetworkLost, info.FocusOnly)
	if err := c.recovery.Recover(ctx, scope); err != nil && !errors.Is(err, constants.ErrCancelled) {
		c.logger.Warn("recovery after resume", "scope", scope.String(), "error", err)
	}
}

// revalidate refreshes one key during recovery. Without a Fetcher the key
// is invalidated instead, so the next read refetches it.
func (c *Client) revalidate(ctx context.Context, key cache.Key) error {
	if c.conf.Fetcher == nil {
		c.cache.Invalidate(key)
		return nil
	}
	v, err := c.conf.Fetcher(ctx, key)
	if err != nil {
		return err
	}
	c.cache.SetValue(key, v)
	return nil
}

func (c *Client) startGC() {
	if c.conf.GCInterval < 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.gcStop != nil {
		return
	}
	stop := make(chan struct{})
	c.gcStop = stop

	go func() {
		ticker := time.NewTicker(c.conf.GCInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				if n := c.cache.GC(now); n > 0 {
					c.logger.Debug("cache gc", "dropped", n)
				}
			}
		}
	}()
}
