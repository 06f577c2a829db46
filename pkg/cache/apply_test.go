package cache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclub/livesync/pkg/cache"
	"github.com/openclub/livesync/pkg/connection"
)

func row(id string, extra ...any) connection.Row {
	r := connection.Row{"id": id}
	for i := 0; i+1 < len(extra); i += 2 {
		r[extra[i].(string)] = extra[i+1]
	}
	return r
}

func insert(table string, r connection.Row) connection.ChangeEvent {
	return connection.ChangeEvent{Action: connection.ActionInsert, Table: table, Row: r}
}

func update(table string, r connection.Row) connection.ChangeEvent {
	return connection.ChangeEvent{Action: connection.ActionUpdate, Table: table, Row: r}
}

func deleteEv(table string, r connection.Row) connection.ChangeEvent {
	return connection.ChangeEvent{Action: connection.ActionDelete, Table: table, Old: r, Row: nil}
}

func ids(rows []connection.Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.ID("id")
	}
	return out
}

func TestInsertIntoCachedList(t *testing.T) {
	c := cache.New(cache.Config{})
	key := cache.NewKey("comments", map[string]any{"content_id": "X"})
	c.Bind(key, "comments", cache.StrategyMerge)

	c.SetList(key, []connection.Row{row("c1"), row("c2"), row("c3")})

	c.Dispatch(insert("comments", row("c4")))

	rows, ok := c.List(key)
	require.True(t, ok)
	assert.Equal(t, []string{"c1", "c2", "c3", "c4"}, ids(rows), "new item last")
}

func TestEventForAbsentListIsDropped(t *testing.T) {
	c := cache.New(cache.Config{})
	key := cache.NewKey("comments", nil)
	c.Bind(key, "comments", cache.StrategyMerge)

	// No cached list for the key: the event must be dropped without any
	// implicit fetch.
	c.Dispatch(insert("comments", row("c1")))

	_, ok := c.List(key)
	assert.False(t, ok)
}

func TestInsertReplayIsIdempotent(t *testing.T) {
	for _, s := range []cache.Strategy{cache.StrategyMerge, cache.StrategyAppend} {
		t.Run(s.String(), func(t *testing.T) {
			c := cache.New(cache.Config{})
			key := cache.NewKey("feed", nil)
			c.Bind(key, "activities", s)
			c.SetList(key, []connection.Row{row("a1")})

			ev := insert("activities", row("a2"))
			c.Dispatch(ev)
			once, ok := c.List(key)
			require.True(t, ok)

			c.Dispatch(ev)
			twice, _ := c.List(key)
			assert.Equal(t, ids(once), ids(twice), "replaying an event must not duplicate")
			assert.Equal(t, []string{"a1", "a2"}, ids(twice))
		})
	}
}

func TestDeleteReplayIsIdempotent(t *testing.T) {
	c := cache.New(cache.Config{})
	key := cache.NewKey("comments", nil)
	c.Bind(key, "comments", cache.StrategyMerge)
	c.SetList(key, []connection.Row{row("c1"), row("c2")})

	ev := deleteEv("comments", row("c1"))
	c.Dispatch(ev)
	c.Dispatch(ev)

	rows, _ := c.List(key)
	assert.Equal(t, []string{"c2"}, ids(rows))
}

func TestUpdateMergeKeepsUntouchedFields(t *testing.T) {
	c := cache.New(cache.Config{})
	key := cache.NewKey("profiles", nil)
	c.Bind(key, "profiles", cache.StrategyMerge)
	c.SetList(key, []connection.Row{row("p1", "name", "ada", "bio", "pioneer")})

	c.Dispatch(update("profiles", row("p1", "name", "ada lovelace")))

	rows, _ := c.List(key)
	require.Len(t, rows, 1)
	assert.Equal(t, "ada lovelace", rows[0]["name"])
	assert.Equal(t, "pioneer", rows[0]["bio"], "merge keeps fields the event did not carry")
}

func TestUpdateReplaceSwapsWholeRow(t *testing.T) {
	c := cache.New(cache.Config{})
	key := cache.NewKey("profiles", nil)
	c.Bind(key, "profiles", cache.StrategyReplace)
	c.SetList(key, []connection.Row{row("p1", "name", "ada", "bio", "pioneer")})

	c.Dispatch(update("profiles", row("p1", "name", "ada lovelace")))

	rows, _ := c.List(key)
	require.Len(t, rows, 1)
	assert.NotContains(t, rows[0], "bio", "replace does not keep old fields")
}

func TestUpdateForUncachedRowIsDropped(t *testing.T) {
	c := cache.New(cache.Config{})
	key := cache.NewKey("comments", nil)
	c.Bind(key, "comments", cache.StrategyMerge)
	c.SetList(key, []connection.Row{row("c1")})

	c.Dispatch(update("comments", row("c9", "body", "?")))

	rows, _ := c.List(key)
	assert.Equal(t, []string{"c1"}, ids(rows))
}

func TestAppendIgnoresNonInserts(t *testing.T) {
	c := cache.New(cache.Config{})
	key := cache.NewKey("feed", nil)
	c.Bind(key, "activities", cache.StrategyAppend)
	c.SetList(key, []connection.Row{row("a1")})

	c.Dispatch(deleteEv("activities", row("a1")))
	c.Dispatch(update("activities", row("a1", "kind", "edited")))

	rows, _ := c.List(key)
	assert.Equal(t, []string{"a1"}, ids(rows))
}

func TestRemoveStrategyHandlesDeleteOnly(t *testing.T) {
	c := cache.New(cache.Config{})
	key := cache.NewKey("members", nil)
	c.Bind(key, "members", cache.StrategyRemove)
	c.SetList(key, []connection.Row{row("m1"), row("m2")})

	c.Dispatch(insert("members", row("m3")))
	c.Dispatch(deleteEv("members", row("m1")))

	rows, _ := c.List(key)
	assert.Equal(t, []string{"m2"}, ids(rows))
}

func TestInvalidateStrategyMarksStale(t *testing.T) {
	c := cache.New(cache.Config{})
	key := cache.NewKey("unread", nil)
	c.Bind(key, "messages", cache.StrategyInvalidate)
	c.Set(key, row("u1", "count", 3))

	c.Dispatch(insert("messages", row("m1")))

	_, stale, ok := c.Get(key)
	require.True(t, ok)
	assert.True(t, stale)
}

func TestCascadeInvalidatesDeclaredDependents(t *testing.T) {
	memberList := cache.NewKey("member-list", nil)
	c := cache.New(cache.Config{
		Cascades: map[string][]cache.Key{
			"profiles": {memberList},
		},
	})
	profileKey := cache.NewKey("profile", map[string]any{"id": "p1"})
	c.Bind(profileKey, "profiles", cache.StrategyMerge)
	c.SetList(profileKey, []connection.Row{row("p1")})
	c.SetList(memberList, []connection.Row{row("p1"), row("p2")})

	c.Dispatch(update("profiles", row("p1", "name", "new")))

	_, stale, ok := c.Get(memberList)
	require.True(t, ok)
	assert.True(t, stale, "profile events invalidate the member list")
}

func TestDegradedNetworkDefersInvalidation(t *testing.T) {
	quality := cache.QualityDegraded
	c := cache.New(cache.Config{
		InvalidateDefer: 20 * time.Millisecond,
		NetworkQuality:  func() cache.Quality { return quality },
	})
	key := cache.NewKey("browse", nil)
	c.SetList(key, []connection.Row{row("b1")})

	c.Invalidate(key)
	_, stale, _ := c.Get(key)
	assert.False(t, stale, "invalidation is held back on a degraded network")

	// A second invalidation during the hold-back coalesces with the first.
	c.Invalidate(key)

	assert.Eventually(t, func() bool {
		_, stale, _ := c.Get(key)
		return stale
	}, time.Second, 5*time.Millisecond)
}
