package cache

import (
	"context"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/openclub/livesync/pkg/connection"
	"github.com/openclub/livesync/pkg/constants"
)

// TempIDPrefix tags speculative rows that have not been confirmed by the
// backend yet.
const TempIDPrefix = "temp-"

// NewTempID returns a fresh temporary row id. ULIDs keep speculative rows
// sortable in creation order.
func NewTempID() string {
	return TempIDPrefix + ulid.Make().String()
}

// IsTempID reports whether id names a speculative row.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Txn records the speculative changes of one mutation together with their
// inverses. Undo is per operation, so rolling one mutation back never
// erases another mutation's still-pending change on the same entry.
type Txn struct {
	c       *Cache
	undos   []func()
	tempID  string
	tempKey Key
}

// Insert appends row to the cached list at key. A missing identity gets a
// fresh temporary id, which is returned. Keys with no cached list drop the
// insert, matching the integration layer's no-implicit-fetch rule.
func (t *Txn) Insert(key Key, row connection.Row) string {
	idField := t.c.conf.IDField

	speculative := make(connection.Row, len(row)+1)
	for k, v := range row {
		speculative[k] = v
	}
	id := speculative.ID(idField)
	if id == "" {
		id = NewTempID()
		speculative[idField] = id
	}
	if IsTempID(id) {
		t.tempIDFor(key, id)
	}

	e, ok := t.c.entries[key]
	if !ok || !e.hasValue {
		return id
	}
	list, isList := e.value.([]connection.Row)
	if !isList {
		return id
	}

	e.value = append(list, speculative)
	t.undos = append(t.undos, func() {
		if cur, ok := t.c.entries[key]; ok {
			if l, isL := cur.value.([]connection.Row); isL {
				cur.value = removeByID(l, idField, id)
			}
		}
	})
	return id
}

// Update merges fields into the row identified by id at key, recording the
// prior values of exactly the touched fields for rollback. The row is
// replaced by an updated copy rather than mutated in place, so snapshots
// already handed out by reads stay stable.
func (t *Txn) Update(key Key, id string, fields connection.Row) {
	idField := t.c.conf.IDField
	e, ok := t.c.entries[key]
	if !ok || !e.hasValue {
		return
	}

	target := t.findRow(e, idField, id)
	if target == nil {
		return
	}

	prior := make(connection.Row, len(fields))
	absent := make([]string, 0, len(fields))
	for k := range fields {
		if v, ok := target[k]; ok {
			prior[k] = v
		} else {
			absent = append(absent, k)
		}
	}

	updated := cloneRow(target)
	for k, v := range fields {
		updated[k] = v
	}
	setRow(e, idField, id, updated)

	t.undos = append(t.undos, func() {
		cur, ok := t.c.entries[key]
		if !ok || !cur.hasValue {
			return
		}
		row := t.findRow(cur, idField, id)
		if row == nil {
			return
		}
		restored := cloneRow(row)
		for k, v := range prior {
			restored[k] = v
		}
		for _, k := range absent {
			delete(restored, k)
		}
		setRow(cur, idField, id, restored)
	})
}

// Delete removes the row identified by id from the list at key, recording
// its position for rollback.
func (t *Txn) Delete(key Key, id string) {
	idField := t.c.conf.IDField
	e, ok := t.c.entries[key]
	if !ok || !e.hasValue {
		return
	}
	list, isList := e.value.([]connection.Row)
	if !isList {
		return
	}
	idx := indexByID(list, idField, id)
	if idx < 0 {
		return
	}

	removed := list[idx]
	e.value = append(list[:idx], list[idx+1:]...)

	t.undos = append(t.undos, func() {
		cur, ok := t.c.entries[key]
		if !ok || !cur.hasValue {
			return
		}
		l, isL := cur.value.([]connection.Row)
		if !isL {
			return
		}
		if indexByID(l, idField, id) >= 0 {
			return
		}
		at := idx
		if at > len(l) {
			at = len(l)
		}
		l = append(l, nil)
		copy(l[at+1:], l[at:])
		l[at] = removed
		cur.value = l
	})
}

// setRow installs row where the row with the given id currently sits,
// either as a list element or as the entry's single value.
func setRow(e *entry, idField, id string, row connection.Row) {
	switch v := e.value.(type) {
	case []connection.Row:
		if idx := indexByID(v, idField, id); idx >= 0 {
			v[idx] = row
		}
	case connection.Row:
		if v.ID(idField) == id {
			e.value = row
		}
	}
}

func (t *Txn) findRow(e *entry, idField, id string) connection.Row {
	switch v := e.value.(type) {
	case []connection.Row:
		if idx := indexByID(v, idField, id); idx >= 0 {
			return v[idx]
		}
	case connection.Row:
		if v.ID(idField) == id {
			return v
		}
	}
	return nil
}

func (t *Txn) tempIDFor(key Key, id string) {
	t.tempID = id
	t.tempKey = key
}

func (t *Txn) rollback() {
	for i := len(t.undos) - 1; i >= 0; i-- {
		t.undos[i]()
	}
}

// Mutation is one optimistic write: Optimistic applies the speculative
// change synchronously, Commit performs the network round trip and returns
// the authoritative row.
type Mutation struct {
	Optimistic func(*Txn)
	Commit     func(ctx context.Context) (connection.Row, error)
}

// Mutate applies the speculative update, runs Commit, and reconciles: on
// success any temporary row is replaced in place by the authoritative one;
// on failure the speculative change is rolled back and the error returned
// wrapped as a mutation error, never swallowed.
func (c *Cache) Mutate(ctx context.Context, m Mutation) (connection.Row, error) {
	if m.Commit == nil {
		return nil, fmt.Errorf("%w: commit is required", constants.ErrMutation)
	}

	txn := &Txn{c: c}
	if m.Optimistic != nil {
		c.mu.Lock()
		m.Optimistic(txn)
		c.mu.Unlock()
	}

	row, err := m.Commit(ctx)
	if err != nil {
		c.mu.Lock()
		txn.rollback()
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", constants.ErrMutation, err)
	}

	if txn.tempID != "" && row != nil {
		c.confirm(txn.tempKey, txn.tempID, row)
	}
	return row, nil
}

// confirm swaps the speculative row for the authoritative one, keyed by the
// temp-to-real id mapping established at mutation time. If a change-feed
// INSERT for the real row already landed, the temp row is simply dropped so
// the list holds no duplicate and no gap.
func (c *Cache) confirm(key Key, tempID string, row connection.Row) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idField := c.conf.IDField
	e, ok := c.entries[key]
	if !ok || !e.hasValue {
		return
	}
	list, isList := e.value.([]connection.Row)
	if !isList {
		return
	}

	realID := row.ID(idField)
	tempIdx := indexByID(list, idField, tempID)
	if tempIdx < 0 {
		return
	}

	if realID != "" && indexByID(list, idField, realID) >= 0 {
		e.value = append(list[:tempIdx], list[tempIdx+1:]...)
	} else {
		list[tempIdx] = cloneRow(row)
	}

	// A redelivered change-feed INSERT for this row must not append a
	// duplicate to append-only feeds.
	if realID != "" {
		e.markApplied(appliedKey{rowID: realID, action: connection.ActionInsert})
	}
}
