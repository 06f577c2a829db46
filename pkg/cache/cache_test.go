package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclub/livesync/pkg/cache"
	"github.com/openclub/livesync/pkg/connection"
)

const (
	oneSecond = time.Second
	tick      = 5 * time.Millisecond
)

func TestNewKeyCanonicalizesParams(t *testing.T) {
	a := cache.NewKey("comments", map[string]any{"limit": 10, "content_id": "X"})
	b := cache.NewKey("comments", map[string]any{"content_id": "X", "limit": 10})
	assert.Equal(t, a, b, "map ordering must not change the key")

	c := cache.NewKey("comments", map[string]any{"content_id": "Y", "limit": 10})
	assert.NotEqual(t, a, c)

	assert.Equal(t, "comments", cache.NewKey("comments", nil).String())
}

func TestGetOrFetchReturnsFreshValueWithoutFetching(t *testing.T) {
	c := cache.New(cache.Config{})
	key := cache.NewKey("feed", nil)
	c.SetList(key, []connection.Row{row("a1")})

	var calls atomic.Int32
	v, err := c.GetOrFetch(context.Background(), key, func(context.Context) (any, error) {
		calls.Add(1)
		return nil, errors.New("should not be called")
	})
	require.NoError(t, err)
	assert.Equal(t, int32(0), calls.Load())
	assert.Len(t, v.([]connection.Row), 1)
}

func TestGetOrFetchRefetchesStaleEntries(t *testing.T) {
	c := cache.New(cache.Config{})
	key := cache.NewKey("feed", nil)
	c.SetList(key, []connection.Row{row("a1")})
	c.Invalidate(key)

	v, err := c.GetOrFetch(context.Background(), key, func(context.Context) (any, error) {
		return []connection.Row{row("a1"), row("a2")}, nil
	})
	require.NoError(t, err)
	assert.Len(t, v.([]connection.Row), 2)

	_, stale, ok := c.Get(key)
	require.True(t, ok)
	assert.False(t, stale, "a successful fetch clears staleness")
}

func TestGetReturnsDetachedSnapshot(t *testing.T) {
	c := cache.New(cache.Config{})
	key := cache.NewKey("comments", nil)
	c.SetList(key, []connection.Row{row("c1", "body", "first")})
	c.Bind(key, "comments", cache.StrategyMerge)

	v, _, ok := c.Get(key)
	require.True(t, ok)
	before := v.([]connection.Row)
	require.Len(t, before, 1)

	c.Dispatch(update("comments", row("c1", "body", "edited")))
	c.Dispatch(insert("comments", row("c2")))

	assert.Len(t, before, 1, "a snapshot must not grow under the caller")
	assert.Equal(t, "first", before[0]["body"], "a snapshot must not change under the caller")

	after, _, ok := c.Get(key)
	require.True(t, ok)
	assert.Len(t, after.([]connection.Row), 2)
	assert.Equal(t, "edited", after.([]connection.Row)[0]["body"])
}

func TestGetOrFetchCoalescesConcurrentRefetches(t *testing.T) {
	c := cache.New(cache.Config{})
	key := cache.NewKey("feed", nil)

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	fetch := func(context.Context) (any, error) {
		calls.Add(1)
		close(started)
		<-release
		return []connection.Row{row("a1")}, nil
	}
	wait := func(context.Context) (any, error) {
		calls.Add(1)
		return nil, errors.New("second fetch must not run")
	}

	var wg sync.WaitGroup
	wg.Add(2)
	results := make([]any, 2)
	go func() {
		defer wg.Done()
		v, err := c.GetOrFetch(context.Background(), key, fetch)
		require.NoError(t, err)
		results[0] = v
	}()
	<-started
	go func() {
		defer wg.Done()
		v, err := c.GetOrFetch(context.Background(), key, wait)
		require.NoError(t, err)
		results[1] = v
	}()

	// Give the second caller time to park as a waiter, then let the
	// in-flight fetch finish.
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "refetches for one key must coalesce")
	assert.Equal(t, results[0], results[1])
}

func TestGetOrFetchPropagatesFetchErrors(t *testing.T) {
	c := cache.New(cache.Config{})
	key := cache.NewKey("feed", nil)

	boom := errors.New("boom")
	_, err := c.GetOrFetch(context.Background(), key, func(context.Context) (any, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestChangeEventDuringRefetchLeavesEntryStale(t *testing.T) {
	c := cache.New(cache.Config{})
	key := cache.NewKey("comments", nil)
	c.Bind(key, "comments", cache.StrategyMerge)
	c.SetList(key, []connection.Row{row("c1")})
	c.Invalidate(key)

	fetching := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_, err := c.GetOrFetch(context.Background(), key, func(context.Context) (any, error) {
			close(fetching)
			<-release
			return []connection.Row{row("c1")}, nil
		})
		require.NoError(t, err)
	}()

	<-fetching
	// A change event lands while the refetch is in flight.
	c.Dispatch(insert("comments", row("c2")))
	close(release)
	<-done

	_, stale, ok := c.Get(key)
	require.True(t, ok)
	assert.True(t, stale, "the fetch result may predate the event, so the entry stays stale")
}

func TestGCDropsUnusedEntries(t *testing.T) {
	c := cache.New(cache.Config{TTL: 50 * time.Millisecond})
	c.SetList(cache.NewKey("old", nil), []connection.Row{row("a")})
	c.SetList(cache.NewKey("fresh", nil), []connection.Row{row("b")})
	require.Equal(t, 2, c.Len())

	// Touch only "fresh" late enough that "old" exceeds the TTL.
	time.Sleep(60 * time.Millisecond)
	_, ok := c.List(cache.NewKey("fresh", nil))
	require.True(t, ok)

	dropped := c.GC(time.Now())
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 1, c.Len())

	_, ok = c.List(cache.NewKey("old", nil))
	assert.False(t, ok)
}

func TestKeysListsCachedKeys(t *testing.T) {
	c := cache.New(cache.Config{})
	c.SetList(cache.NewKey("a", nil), nil)
	c.SetList(cache.NewKey("b", nil), nil)
	assert.Len(t, c.Keys(), 2)
}
