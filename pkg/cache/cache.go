// Package cache holds query results and keeps them synchronized with the
// backend: change-feed events are merged in through per-key update
// strategies, reads coalesce their refetches, and optimistic mutations are
// applied speculatively with per-mutation rollback.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/openclub/livesync/pkg/connection"
	"github.com/openclub/livesync/pkg/constants"
	"github.com/openclub/livesync/pkg/logger"
)

// Quality is the embedding application's view of current network quality,
// used to decide whether invalidations fire immediately or are briefly
// deferred to coalesce bursts.
type Quality int

const (
	QualityGood Quality = iota
	QualityDegraded
)

// Config tunes the Cache. Zero values take the package defaults.
type Config struct {
	// IDField is the row identity field, "id" by default.
	IDField string
	// StaleAfter is how long a fetched value is trusted.
	StaleAfter time.Duration
	// TTL is how long an unused entry survives before GC removes it.
	TTL time.Duration
	// InvalidateDefer is the hold-back applied to invalidations on a
	// degraded network.
	InvalidateDefer time.Duration
	// NetworkQuality reports current quality; nil means always good.
	NetworkQuality func() Quality
	// Cascades maps a table to the keys its events additionally
	// invalidate. Static and declared up front, never inferred.
	Cascades map[string][]Key

	Logger logger.Logger
}

func (c Config) withDefaults() Config {
	if c.IDField == "" {
		c.IDField = "id"
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = constants.DefaultStaleAfter
	}
	if c.TTL == 0 {
		c.TTL = constants.DefaultCacheTTL
	}
	if c.InvalidateDefer == 0 {
		c.InvalidateDefer = constants.DefaultInvalidateDefer
	}
	if c.Logger == nil {
		c.Logger = logger.Discard()
	}
	return c
}

type appliedKey struct {
	rowID  string
	action connection.Action
}

type entry struct {
	value    any // []connection.Row for lists, connection.Row otherwise
	hasValue bool

	fetchedAt  time.Time
	staleAt    time.Time
	stale      bool
	lastAccess time.Time

	inflight bool
	fetchErr error
	waiters  []chan struct{}
	// dirtyDuringFetch is set when a change event lands while a refetch is
	// in flight; the fetch result is then stored already stale so the next
	// read picks the event up. No update is lost either way.
	dirtyDuringFetch bool

	// applied records events already folded in, for strategies that cannot
	// detect redelivery structurally (Append).
	applied      map[appliedKey]struct{}
	appliedOrder []appliedKey

	invalTimer *time.Timer
}

const appliedLimit = 512

func (e *entry) markApplied(k appliedKey) {
	if e.applied == nil {
		e.applied = make(map[appliedKey]struct{})
	}
	if _, ok := e.applied[k]; ok {
		return
	}
	e.applied[k] = struct{}{}
	e.appliedOrder = append(e.appliedOrder, k)
	if len(e.appliedOrder) > appliedLimit {
		oldest := e.appliedOrder[0]
		e.appliedOrder = e.appliedOrder[1:]
		delete(e.applied, oldest)
	}
}

func (e *entry) wasApplied(k appliedKey) bool {
	_, ok := e.applied[k]
	return ok
}

// Cache is a keyed store of query results. Writes to one key serialize
// through the cache mutex and the entry's in-flight flag, so a change event
// and a concurrent refetch cannot lose each other's update.
type Cache struct {
	conf Config

	mu       sync.Mutex
	entries  map[Key]*entry
	bindings map[string][]binding
}

type binding struct {
	key      Key
	strategy Strategy
}

func New(conf Config) *Cache {
	return &Cache{
		conf:     conf.withDefaults(),
		entries:  make(map[Key]*entry),
		bindings: make(map[string][]binding),
	}
}

func (c *Cache) ensureLocked(key Key) *entry {
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	return e
}

// SetList seeds or replaces the cached list for key.
func (c *Cache) SetList(key Key, rows []connection.Row) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.ensureLocked(key)
	c.storeLocked(e, append([]connection.Row(nil), rows...))
}

// SetValue seeds or replaces the entry at key with an arbitrary fetched
// value.
func (c *Cache) SetValue(key Key, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(c.ensureLocked(key), v)
}

// Set seeds or replaces a single-row entry.
func (c *Cache) Set(key Key, row connection.Row) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.ensureLocked(key)
	c.storeLocked(e, row)
}

func (c *Cache) storeLocked(e *entry, v any) {
	now := time.Now()
	e.value = v
	e.hasValue = true
	e.stale = false
	e.fetchedAt = now
	e.staleAt = now.Add(c.conf.StaleAfter)
	e.lastAccess = now
}

// List returns a copy of the cached list for key. ok is false when the key
// holds no list.
func (c *Cache) List(key Key) (rows []connection.Row, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.entries[key]
	if !found || !e.hasValue {
		return nil, false
	}
	e.lastAccess = time.Now()
	list, isList := e.value.([]connection.Row)
	if !isList {
		return nil, false
	}
	return append([]connection.Row(nil), list...), true
}

// Get returns the cached value for key along with its staleness. The value
// is a snapshot detached from the entry; later change events do not mutate
// it under the caller.
func (c *Cache) Get(key Key) (value any, stale, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.entries[key]
	if !found || !e.hasValue {
		return nil, false, false
	}
	e.lastAccess = time.Now()
	return snapshotValue(e.value), e.stale || time.Now().After(e.staleAt), true
}

// snapshotValue detaches a cached value from the entry. Lists get a fresh
// slice and single rows a fresh map; row maps inside lists are shared but
// never mutated in place, writers install replacement maps instead.
func snapshotValue(v any) any {
	switch tv := v.(type) {
	case []connection.Row:
		return append([]connection.Row(nil), tv...)
	case connection.Row:
		return cloneRow(tv)
	default:
		return v
	}
}

func cloneRow(r connection.Row) connection.Row {
	out := make(connection.Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// GetOrFetch returns the cached value if it is fresh, otherwise runs fetch.
// Concurrent callers for one key coalesce onto a single in-flight fetch;
// at most one refetch per key runs at a time.
func (c *Cache) GetOrFetch(ctx context.Context, key Key, fetch func(context.Context) (any, error)) (any, error) {
	c.mu.Lock()
	e := c.ensureLocked(key)
	now := time.Now()
	e.lastAccess = now

	if e.hasValue && !e.stale && now.Before(e.staleAt) {
		v := snapshotValue(e.value)
		c.mu.Unlock()
		return v, nil
	}

	if e.inflight {
		ch := make(chan struct{})
		e.waiters = append(e.waiters, ch)
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if e.fetchErr != nil {
			return nil, e.fetchErr
		}
		return snapshotValue(e.value), nil
	}

	e.inflight = true
	c.mu.Unlock()

	v, err := fetch(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	e.inflight = false
	e.fetchErr = err
	if err == nil {
		c.storeLocked(e, v)
		if e.dirtyDuringFetch {
			e.stale = true
			e.dirtyDuringFetch = false
		}
	}
	for _, ch := range e.waiters {
		close(ch)
	}
	e.waiters = nil

	if err != nil {
		return nil, err
	}
	return snapshotValue(e.value), nil
}

// Invalidate marks the entry stale so the next read refetches. On a
// degraded network the invalidation is deferred briefly; invalidations
// arriving during the hold-back coalesce into the already scheduled one.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked(key)
}

func (c *Cache) invalidateLocked(key Key) {
	e, ok := c.entries[key]
	if !ok {
		return
	}

	if c.quality() == QualityGood {
		e.stale = true
		return
	}

	if e.invalTimer != nil {
		return
	}
	e.invalTimer = time.AfterFunc(c.conf.InvalidateDefer, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if cur, ok := c.entries[key]; ok {
			cur.stale = true
			cur.invalTimer = nil
		}
	})
}

func (c *Cache) quality() Quality {
	if c.conf.NetworkQuality == nil {
		return QualityGood
	}
	return c.conf.NetworkQuality()
}

// Remove drops the entry for key.
func (c *Cache) Remove(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		if e.invalTimer != nil {
			e.invalTimer.Stop()
		}
		delete(c.entries, key)
	}
}

// Keys returns every cached key, for recovery planning.
func (c *Cache) Keys() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Key, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	return out
}

// GC removes entries unused for longer than the TTL and returns how many
// were dropped.
func (c *Cache) GC(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for k, e := range c.entries {
		if e.inflight {
			continue
		}
		if now.Sub(e.lastAccess) > c.conf.TTL {
			if e.invalTimer != nil {
				e.invalTimer.Stop()
			}
			delete(c.entries, k)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
