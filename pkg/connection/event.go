package connection

import (
	"fmt"
)

// Action is a change-feed event type.
type Action string

const (
	ActionInsert Action = "INSERT"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
	// ActionAll subscribes to every event type for a table.
	ActionAll Action = "*"
)

// Row is one record as delivered by the change feed. Field sets vary per
// table; the one structural requirement is an identity field.
type Row map[string]any

// ID returns the row's identity under the given field name, or "" if absent.
func (r Row) ID(field string) string {
	if r == nil {
		return ""
	}
	switch v := r[field].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return ""
	}
}

// ChangeEvent is one row-level change, already narrowed from the wire shape.
// Row holds the new version of the record (nil for DELETE); Old holds the
// previous version when the backend supplies it (nil for INSERT).
type ChangeEvent struct {
	Action Action
	Table  string
	Row    Row
	Old    Row
}

// wireEvent is the raw notification payload pushed by the backend.
type wireEvent struct {
	ID     string `cbor:"id" json:"id"`
	Action string `cbor:"action" json:"action"`
	Table  string `cbor:"table" json:"table"`
	New    Row    `cbor:"new" json:"new"`
	Old    Row    `cbor:"old" json:"old"`
}

// narrow validates a wire payload into a ChangeEvent. Payloads are narrowed
// here, at the subscription boundary, so nothing downstream handles
// loosely-shaped data.
func (w *wireEvent) narrow() (ChangeEvent, error) {
	var ev ChangeEvent

	switch Action(w.Action) {
	case ActionInsert:
		if w.New == nil {
			return ev, fmt.Errorf("%s event without new row", w.Action)
		}
	case ActionUpdate:
		if w.New == nil {
			return ev, fmt.Errorf("%s event without new row", w.Action)
		}
	case ActionDelete:
		if w.Old == nil {
			return ev, fmt.Errorf("%s event without old row", w.Action)
		}
	default:
		return ev, fmt.Errorf("unknown change action %q", w.Action)
	}

	if w.Table == "" {
		return ev, fmt.Errorf("%s event without table", w.Action)
	}

	ev.Action = Action(w.Action)
	ev.Table = w.Table
	ev.Row = w.New
	ev.Old = w.Old
	return ev, nil
}
