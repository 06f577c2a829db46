package state_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclub/livesync/internal/mock"
	"github.com/openclub/livesync/pkg/constants"
	"github.com/openclub/livesync/pkg/logger"
	"github.com/openclub/livesync/pkg/pending"
	"github.com/openclub/livesync/pkg/state"
)

func newMachine(client *mock.Client, conf state.Config) *state.Machine {
	return state.NewMachine(client, pending.NewTracker(logger.Discard()), logger.Discard(), conf)
}

func fastConfig() state.Config {
	return state.Config{
		HeartbeatInterval:     10 * time.Millisecond,
		HeartbeatTimeout:      50 * time.Millisecond,
		HeartbeatFailureLimit: 2,
		ConnectTimeout:        100 * time.Millisecond,
		ReconnectMaxTries:     3,
		BackoffInitial:        time.Millisecond,
		BackoffMax:            5 * time.Millisecond,
	}
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectTransitionsToConnected(t *testing.T) {
	client := mock.NewClient()
	m := newMachine(client, fastConfig())

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, state.StatusConnected, m.Status())
	assert.True(t, client.Connected())

	// Connect from connected is an invalid transition.
	assert.Error(t, m.Connect(context.Background()))

	require.NoError(t, m.Disconnect(context.Background()))
	assert.Equal(t, state.StatusDisconnected, m.Status())
}

func TestInitialConnectFailureDoesNotRetry(t *testing.T) {
	client := mock.NewClient()
	client.ConnectErr = func() error { return errors.New("boom") }
	m := newMachine(client, fastConfig())

	err := m.Connect(context.Background())
	require.ErrorIs(t, err, constants.ErrConnection)
	assert.Equal(t, state.StatusDisconnected, m.Status())
	assert.Equal(t, 1, client.ConnectCalls())
}

func TestHeartbeatRunsWhileConnected(t *testing.T) {
	client := mock.NewClient()
	m := newMachine(client, fastConfig())

	require.NoError(t, m.Connect(context.Background()))
	defer m.Disconnect(context.Background())

	waitFor(t, time.Second, "heartbeats", func() bool { return client.PingCalls() >= 2 })
}

func TestNoHeartbeatWhileSuspended(t *testing.T) {
	client := mock.NewClient()
	m := newMachine(client, fastConfig())

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Handle(context.Background(), state.EventVisibilityHidden))
	assert.Equal(t, state.StatusSuspended, m.Status())

	before := client.PingCalls()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, before, client.PingCalls(), "no heartbeat may fire while suspended")
}

func TestResumeAfterSuspendReconnectsOnce(t *testing.T) {
	client := mock.NewClient()
	m := newMachine(client, fastConfig())

	var (
		mu      sync.Mutex
		resumes []state.Resume
	)
	m.OnResume(func(_ context.Context, r state.Resume) {
		mu.Lock()
		resumes = append(resumes, r)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Handle(context.Background(), state.EventVisibilityHidden))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Handle(context.Background(), state.EventVisibilityVisible))

	assert.Equal(t, state.StatusConnected, m.Status())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, resumes, 1, "exactly one resume cycle after foregrounding")
	assert.True(t, resumes[0].Reconnected)
	assert.False(t, resumes[0].FocusOnly)
	assert.Greater(t, resumes[0].BackgroundFor, time.Duration(0))
}

func TestFocusWithoutDisconnectIsFocusOnly(t *testing.T) {
	client := mock.NewClient()
	m := newMachine(client, fastConfig())

	var (
		mu      sync.Mutex
		resumes []state.Resume
	)
	m.OnResume(func(_ context.Context, r state.Resume) {
		mu.Lock()
		resumes = append(resumes, r)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Handle(context.Background(), state.EventVisibilityVisible))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, resumes, 1)
	assert.True(t, resumes[0].FocusOnly)
	assert.False(t, resumes[0].Reconnected)
}

func TestConsecutiveHeartbeatFailuresForceReconnect(t *testing.T) {
	client := mock.NewClient()

	var mu sync.Mutex
	failing := true
	client.PingErr = func() error {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return errors.New("no pong")
		}
		return nil
	}

	m := newMachine(client, fastConfig())
	require.NoError(t, m.Connect(context.Background()))

	// Let the failure counter hit the limit, then allow recovery.
	waitFor(t, time.Second, "error state", func() bool {
		return m.Status() == state.StatusError || m.Status() == state.StatusConnecting ||
			client.ConnectCalls() > 1
	})
	mu.Lock()
	failing = false
	mu.Unlock()

	waitFor(t, time.Second, "reconnect", func() bool {
		return m.Status() == state.StatusConnected && client.ConnectCalls() > 1
	})
	assert.False(t, m.Degraded())
}

func TestNetworkLossAndRecovery(t *testing.T) {
	client := mock.NewClient()
	m := newMachine(client, fastConfig())

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Handle(context.Background(), state.EventNetworkOffline))
	assert.Equal(t, state.StatusError, m.Status())

	var got state.Resume
	m.OnResume(func(_ context.Context, r state.Resume) { got = r })

	require.NoError(t, m.Handle(context.Background(), state.EventNetworkOnline))
	assert.Equal(t, state.StatusConnected, m.Status())
	assert.True(t, got.NetworkLost)
	assert.True(t, got.Reconnected)
}

func TestExhaustedReconnectEntersDegradedMode(t *testing.T) {
	client := mock.NewClient()
	m := newMachine(client, fastConfig())

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Handle(context.Background(), state.EventNetworkOffline))

	client.ConnectErr = func() error { return errors.New("still down") }

	err := m.Handle(context.Background(), state.EventNetworkOnline)
	require.ErrorIs(t, err, constants.ErrConnection)
	assert.Equal(t, state.StatusError, m.Status())
	assert.True(t, m.Degraded())

	// An explicit reconnect event can still bring it back later.
	client.ConnectErr = nil
	require.NoError(t, m.Handle(context.Background(), state.EventReconnect))
	assert.Equal(t, state.StatusConnected, m.Status())
	assert.False(t, m.Degraded())
}

func TestDisconnectDuringReconnectAbortsCleanly(t *testing.T) {
	client := mock.NewClient()

	release := make(chan struct{})
	var calls atomic.Int64
	client.ConnectErr = func() error {
		if calls.Add(1) == 1 {
			return nil
		}
		<-release
		return nil
	}

	m := newMachine(client, fastConfig())
	require.NoError(t, m.Connect(context.Background()))

	done := make(chan error, 1)
	go func() {
		done <- m.Handle(context.Background(), state.EventHeartbeatFail)
	}()

	waitFor(t, time.Second, "reconnect in flight", func() bool {
		return m.Status() == state.StatusConnecting
	})

	// Shutting down mid-reconnect cancels the pending connect attempt; the
	// reconnect cycle must yield to the disconnect, not fight it.
	require.NoError(t, m.Disconnect(context.Background()))
	close(release)

	err := <-done
	assert.ErrorIs(t, err, constants.ErrCancelled)
	assert.Equal(t, state.StatusDisconnected, m.Status())
	assert.False(t, m.Degraded())
}

// zombieClient mimics the websocket transport on a dead-but-open socket:
// Connect is a no-op while the previous socket was never closed, so only a
// close followed by a connect counts as a fresh dial.
type zombieClient struct {
	*mock.Client

	mu    sync.Mutex
	alive bool
	dials int
}

func (z *zombieClient) Connect(ctx context.Context) error {
	z.mu.Lock()
	if z.alive {
		z.mu.Unlock()
		return nil
	}
	z.alive = true
	z.dials++
	z.mu.Unlock()
	return z.Client.Connect(ctx)
}

func (z *zombieClient) Close(ctx context.Context) error {
	z.mu.Lock()
	z.alive = false
	z.mu.Unlock()
	return z.Client.Close(ctx)
}

func (z *zombieClient) Dials() int {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.dials
}

func TestReconnectDialsFreshSocketOnDeadTransport(t *testing.T) {
	inner := mock.NewClient()
	var healthy atomic.Bool
	inner.PingErr = func() error {
		if healthy.Load() {
			return nil
		}
		return errors.New("no pong")
	}

	client := &zombieClient{Client: inner}
	m := state.NewMachine(client, pending.NewTracker(logger.Discard()), logger.Discard(), fastConfig())

	require.NoError(t, m.Connect(context.Background()))

	// Heartbeats time out while the socket still looks open. The reconnect
	// cycle must tear the socket down and dial again instead of trusting
	// the no-op Connect and looping forever.
	waitFor(t, time.Second, "fresh dial", func() bool { return client.Dials() >= 2 })

	healthy.Store(true)
	waitFor(t, time.Second, "stable reconnect", func() bool {
		return m.Status() == state.StatusConnected
	})
	require.NoError(t, m.Disconnect(context.Background()))
}

func TestWatchDeliversTransitions(t *testing.T) {
	client := mock.NewClient()
	m := newMachine(client, fastConfig())

	ch, stop := m.Watch()
	defer stop()

	require.NoError(t, m.Connect(context.Background()))

	first := <-ch
	assert.Equal(t, state.StatusDisconnected, first.From)
	assert.Equal(t, state.StatusConnecting, first.To)

	second := <-ch
	assert.Equal(t, state.StatusConnecting, second.From)
	assert.Equal(t, state.StatusConnected, second.To)
}
