package connection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNarrowValidShapes(t *testing.T) {
	tests := []struct {
		name string
		wire wireEvent
		want Action
	}{
		{
			name: "insert",
			wire: wireEvent{ID: "x", Action: "INSERT", Table: "comments", New: Row{"id": "c1"}},
			want: ActionInsert,
		},
		{
			name: "update carries old row",
			wire: wireEvent{ID: "x", Action: "UPDATE", Table: "comments", New: Row{"id": "c1"}, Old: Row{"id": "c1"}},
			want: ActionUpdate,
		},
		{
			name: "delete only needs old row",
			wire: wireEvent{ID: "x", Action: "DELETE", Table: "comments", Old: Row{"id": "c1"}},
			want: ActionDelete,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := tt.wire.narrow()
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Action)
			assert.Equal(t, "comments", ev.Table)
		})
	}
}

func TestNarrowRejectsMalformedPayloads(t *testing.T) {
	tests := []struct {
		name string
		wire wireEvent
	}{
		{name: "unknown action", wire: wireEvent{Action: "UPSERT", Table: "comments", New: Row{}}},
		{name: "insert without row", wire: wireEvent{Action: "INSERT", Table: "comments"}},
		{name: "update without row", wire: wireEvent{Action: "UPDATE", Table: "comments"}},
		{name: "delete without old row", wire: wireEvent{Action: "DELETE", Table: "comments"}},
		{name: "missing table", wire: wireEvent{Action: "INSERT", New: Row{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.wire.narrow()
			assert.Error(t, err)
		})
	}
}

func TestRowID(t *testing.T) {
	assert.Equal(t, "c1", Row{"id": "c1"}.ID("id"))
	assert.Equal(t, "", Row{"id": 42}.ID("id"))
	assert.Equal(t, "", Row(nil).ID("id"))
	assert.Equal(t, "", Row{}.ID("id"))
}
