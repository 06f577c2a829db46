package cache

import (
	"github.com/openclub/livesync/pkg/connection"
)

// Strategy decides how a change-feed event folds into a cached entry.
type Strategy int

const (
	// StrategyInvalidate marks the entry stale; the next read refetches.
	StrategyInvalidate Strategy = iota
	// StrategyMerge locates the row by identity: INSERT appends if absent,
	// UPDATE merges fields into the existing row, DELETE removes.
	StrategyMerge
	// StrategyReplace is Merge, except UPDATE replaces the whole row.
	StrategyReplace
	// StrategyAppend grows append-only feeds on INSERT without an
	// existing-item lookup. Other actions are ignored.
	StrategyAppend
	// StrategyRemove handles DELETE only.
	StrategyRemove
)

func (s Strategy) String() string {
	switch s {
	case StrategyInvalidate:
		return "invalidate"
	case StrategyMerge:
		return "merge"
	case StrategyReplace:
		return "replace"
	case StrategyAppend:
		return "append"
	case StrategyRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Bind declares that events on table update the entry at key with the given
// strategy. Bindings are how Dispatch routes table events to cache keys.
func (c *Cache) Bind(key Key, table string, s Strategy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings[table] = append(c.bindings[table], binding{key: key, strategy: s})
}

// Dispatch routes a change event to every key bound to its table, then
// fires the table's declared cross-key cascade invalidations. This is the
// single place cascades happen.
func (c *Cache) Dispatch(ev connection.ChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, b := range c.bindings[ev.Table] {
		c.applyLocked(b.key, b.strategy, ev)
	}
	for _, dep := range c.conf.Cascades[ev.Table] {
		c.invalidateLocked(dep)
	}
}

// ApplyChangeEvent folds one event into the entry at key using the first
// strategy bound to (key, event table). Events for keys with no cached list
// are dropped; no implicit fetch happens here.
func (c *Cache) ApplyChangeEvent(key Key, ev connection.ChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, b := range c.bindings[ev.Table] {
		if b.key == key {
			c.applyLocked(key, b.strategy, ev)
			return
		}
	}
	c.conf.Logger.Debug("event for unbound key dropped", "key", key.String(), "table", ev.Table)
}

func (c *Cache) applyLocked(key Key, s Strategy, ev connection.ChangeEvent) {
	if s == StrategyInvalidate {
		c.invalidateLocked(key)
		return
	}

	e, ok := c.entries[key]
	if !ok || !e.hasValue {
		// Nothing cached for this key: drop the event.
		return
	}
	list, isList := e.value.([]connection.Row)
	if !isList {
		return
	}

	if e.inflight {
		e.dirtyDuringFetch = true
	}

	id := c.eventRowID(ev)
	if id == "" {
		c.conf.Logger.Debug("event without row identity dropped", "table", ev.Table)
		return
	}

	switch s {
	case StrategyMerge, StrategyReplace:
		e.value = c.applyKeyed(list, s, ev, id)
	case StrategyAppend:
		if ev.Action != connection.ActionInsert {
			return
		}
		ak := appliedKey{rowID: id, action: ev.Action}
		if e.wasApplied(ak) {
			return
		}
		e.markApplied(ak)
		e.value = append(list, ev.Row)
	case StrategyRemove:
		if ev.Action != connection.ActionDelete {
			return
		}
		e.value = removeByID(list, c.conf.IDField, id)
	}
}

// applyKeyed handles the identity-aware strategies. Every branch is
// idempotent under redelivery: INSERT appends only if absent, UPDATE writes
// the same result twice, DELETE of a missing row is a no-op.
func (c *Cache) applyKeyed(list []connection.Row, s Strategy, ev connection.ChangeEvent, id string) []connection.Row {
	idx := indexByID(list, c.conf.IDField, id)

	switch ev.Action {
	case connection.ActionInsert:
		if idx >= 0 {
			return list
		}
		return append(list, ev.Row)

	case connection.ActionUpdate:
		if idx < 0 {
			// The row is not in this cached list: drop, never fetch.
			return list
		}
		if s == StrategyReplace {
			list[idx] = ev.Row
			return list
		}
		merged := make(connection.Row, len(list[idx])+len(ev.Row))
		for k, v := range list[idx] {
			merged[k] = v
		}
		for k, v := range ev.Row {
			merged[k] = v
		}
		list[idx] = merged
		return list

	case connection.ActionDelete:
		if idx < 0 {
			return list
		}
		return append(list[:idx], list[idx+1:]...)

	default:
		return list
	}
}

func (c *Cache) eventRowID(ev connection.ChangeEvent) string {
	if id := ev.Row.ID(c.conf.IDField); id != "" {
		return id
	}
	return ev.Old.ID(c.conf.IDField)
}

func indexByID(list []connection.Row, field, id string) int {
	for i, row := range list {
		if row.ID(field) == id {
			return i
		}
	}
	return -1
}

func removeByID(list []connection.Row, field, id string) []connection.Row {
	if idx := indexByID(list, field, id); idx >= 0 {
		return append(list[:idx], list[idx+1:]...)
	}
	return list
}
