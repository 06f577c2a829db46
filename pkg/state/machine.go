package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/openclub/livesync/pkg/connection"
	"github.com/openclub/livesync/pkg/constants"
	"github.com/openclub/livesync/pkg/logger"
	"github.com/openclub/livesync/pkg/pending"
)

const (
	pendingKeyConnect   = "state:connect"
	pendingKeyHeartbeat = "state:heartbeat"
)

// Config tunes the Machine. Zero values take the package defaults.
type Config struct {
	HeartbeatInterval     time.Duration
	HeartbeatTimeout      time.Duration
	HeartbeatFailureLimit int
	ConnectTimeout        time.Duration
	ReconnectMaxTries     uint
	BackoffInitial        time.Duration
	BackoffMax            time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = constants.DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = constants.DefaultHeartbeatTimeout
	}
	if c.HeartbeatFailureLimit == 0 {
		c.HeartbeatFailureLimit = constants.DefaultHeartbeatFailureLimit
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = constants.DefaultConnectTimeout
	}
	if c.ReconnectMaxTries == 0 {
		c.ReconnectMaxTries = constants.DefaultReconnectMaxTries
	}
	if c.BackoffInitial == 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 30 * time.Second
	}
	return c
}

// Machine owns the single network client and is the only component allowed
// to mutate connection status. All retry and backoff policy for the
// connection lives here; nothing else in the layer runs its own timer loop.
type Machine struct {
	client  connection.Client
	tracker *pending.Tracker
	logger  logger.Logger
	conf    Config

	mu             sync.Mutex
	status         Status
	lastTransition time.Time
	failures       int
	degraded       bool
	hiddenSince    time.Time
	netLost        bool
	reconnecting   bool
	hbStop         chan struct{}

	watchMu     sync.Mutex
	watchers    map[int]chan Change
	nextWatcher int

	resumeHooks []func(context.Context, Resume)
}

// NewMachine builds a Machine around the given client and pending tracker.
// The machine starts disconnected; nothing runs until Connect.
func NewMachine(client connection.Client, tracker *pending.Tracker, l logger.Logger, conf Config) *Machine {
	return &Machine{
		client:   client,
		tracker:  tracker,
		logger:   l,
		conf:     conf.withDefaults(),
		status:   StatusDisconnected,
		watchers: make(map[int]chan Change),
	}
}

// OnResume registers a hook invoked after the machine returns to the
// foreground or re-establishes its connection. Hooks run synchronously in
// registration order; the owner wires re-subscription and recovery here.
// Register hooks before Connect.
func (m *Machine) OnResume(fn func(context.Context, Resume)) {
	m.resumeHooks = append(m.resumeHooks, fn)
}

// Status returns the current connection status.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// LastTransition returns when the status last changed.
func (m *Machine) LastTransition() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTransition
}

// Degraded reports whether reconnect attempts were exhausted and the layer
// is running read-mostly from cache. Passive indicator, never an error.
func (m *Machine) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// Watch returns a channel of status changes and a stop function. Slow
// watchers miss changes rather than blocking transitions.
func (m *Machine) Watch() (<-chan Change, func()) {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()

	id := m.nextWatcher
	m.nextWatcher++
	ch := make(chan Change, 8)
	m.watchers[id] = ch

	return ch, func() {
		m.watchMu.Lock()
		defer m.watchMu.Unlock()
		delete(m.watchers, id)
	}
}

func (m *Machine) transition(to Status) error {
	m.mu.Lock()
	next, err := m.status.transitionTo(to)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	change := Change{From: m.status, To: next, At: time.Now()}
	m.status = next
	m.lastTransition = change.At
	m.mu.Unlock()

	m.logger.Debug("connection state transitioned",
		"from", change.From.String(), "to", change.To.String())

	m.watchMu.Lock()
	for _, ch := range m.watchers {
		select {
		case ch <- change:
		default:
		}
	}
	m.watchMu.Unlock()
	return nil
}

// Connect establishes the initial connection. Unlike the reconnect cycle it
// does not retry: an initial failure is usually misconfiguration, and the
// caller decides what to do with it.
func (m *Machine) Connect(ctx context.Context) error {
	if err := m.transition(StatusConnecting); err != nil {
		return err
	}

	err := m.tracker.Do(ctx, pendingKeyConnect, m.conf.ConnectTimeout, m.client.Connect)
	if err != nil {
		// The transition fails only when a concurrent Disconnect already
		// moved the machine; either way we end up disconnected.
		if terr := m.transition(StatusDisconnected); terr != nil {
			m.logger.Debug("connect overtaken by disconnect", "status", m.Status().String())
		}
		return fmt.Errorf("%w: %w", constants.ErrConnection, err)
	}

	if terr := m.transition(StatusConnected); terr != nil {
		// A concurrent Disconnect won; the socket it closed stays closed.
		m.logger.Debug("connect overtaken by disconnect", "status", m.Status().String())
		return constants.ErrCancelled
	}
	m.startHeartbeat()
	return nil
}

// Disconnect stops the heartbeat, cancels all pending operations and closes
// the client. Call only on shutdown.
func (m *Machine) Disconnect(ctx context.Context) error {
	m.stopHeartbeat()
	m.tracker.CancelAll()

	err := m.client.Close(ctx)

	if terr := m.transition(StatusDisconnected); terr != nil {
		m.logger.Warn("disconnect from unexpected state", "error", terr)
	}
	return err
}

// Handle reacts to an external event. Transitions it causes are validated;
// events that do not apply to the current state are logged and ignored.
func (m *Machine) Handle(ctx context.Context, ev Event) error {
	m.logger.Debug("handling connection event", "event", ev.String(), "status", m.Status().String())

	switch ev {
	case EventConnect:
		return m.Connect(ctx)

	case EventDisconnect:
		return m.Disconnect(ctx)

	case EventVisibilityHidden:
		return m.suspend()

	case EventVisibilityVisible:
		return m.resume(ctx)

	case EventNetworkOffline:
		if m.Status() != StatusConnected {
			return nil
		}
		m.stopHeartbeat()
		m.mu.Lock()
		m.netLost = true
		m.mu.Unlock()
		return m.transition(StatusError)

	case EventNetworkOnline:
		m.mu.Lock()
		lost := m.netLost
		m.mu.Unlock()
		if m.Status() != StatusError || !lost {
			return nil
		}
		return m.reconnect(ctx, Resume{NetworkLost: true})

	case EventHeartbeatFail:
		if m.Status() != StatusConnected {
			return nil
		}
		m.stopHeartbeat()
		if err := m.transition(StatusError); err != nil {
			return err
		}
		return m.reconnect(ctx, Resume{})

	case EventReconnect:
		if m.Status() != StatusError {
			return nil
		}
		return m.reconnect(ctx, Resume{})

	default:
		return fmt.Errorf("unknown event %v", ev)
	}
}

// suspend parks the machine while the app is backgrounded. Heartbeats stop
// and every pending operation is cancelled, so no stale in-flight work can
// pile up and race against fresh calls after resuming.
func (m *Machine) suspend() error {
	if m.Status() != StatusConnected {
		return nil
	}

	m.stopHeartbeat()
	m.tracker.CancelAll()

	m.mu.Lock()
	m.hiddenSince = time.Now()
	m.mu.Unlock()

	return m.transition(StatusSuspended)
}

func (m *Machine) resume(ctx context.Context) error {
	switch m.Status() {
	case StatusConnected:
		// Focus regained without losing the connection.
		m.runResumeHooks(ctx, Resume{FocusOnly: true})
		return nil
	case StatusSuspended:
		m.mu.Lock()
		gap := time.Since(m.hiddenSince)
		m.mu.Unlock()
		return m.reconnect(ctx, Resume{BackgroundFor: gap})
	default:
		return nil
	}
}

// reconnect cancels pending work, then retries the connection with
// exponential backoff up to the configured bound. On success it restarts
// the heartbeat and runs the resume hooks; on exhaustion the machine stays
// in the error state with the degraded flag set.
func (m *Machine) reconnect(ctx context.Context, info Resume) error {
	m.mu.Lock()
	if m.reconnecting {
		m.mu.Unlock()
		return nil
	}
	m.reconnecting = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	// Pending operations from before the gap are stale by definition.
	m.tracker.CancelAll()

	if err := m.transition(StatusConnecting); err != nil {
		return err
	}

	// The old socket may still look alive while the server has stopped
	// responding; tear it down so every attempt below dials fresh.
	closeCtx, cancelClose := context.WithTimeout(ctx, m.conf.ConnectTimeout)
	if err := m.client.Close(closeCtx); err != nil {
		m.logger.Debug("closing stale connection", "error", err)
	}
	cancelClose()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.conf.BackoffInitial
	b.MaxInterval = m.conf.BackoffMax

	attempt := func() (struct{}, error) {
		err := m.tracker.Do(ctx, pendingKeyConnect, m.conf.ConnectTimeout, m.client.Connect)
		if errors.Is(err, constants.ErrCancelled) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(m.conf.ReconnectMaxTries),
	)
	if err != nil {
		if errors.Is(err, constants.ErrCancelled) {
			// Cancelled from outside; the concurrent Disconnect that
			// cancelled us owns the machine's state now.
			return constants.ErrCancelled
		}
		if terr := m.transition(StatusError); terr != nil {
			m.logger.Debug("reconnect overtaken by disconnect", "status", m.Status().String())
			return constants.ErrCancelled
		}
		m.mu.Lock()
		m.degraded = true
		m.mu.Unlock()
		m.logger.Warn("reconnect attempts exhausted, entering degraded mode", "error", err)
		return fmt.Errorf("%w: reconnect failed: %w", constants.ErrConnection, err)
	}

	if terr := m.transition(StatusConnected); terr != nil {
		// The dial won a race against Disconnect, which already closed the
		// fresh socket again. Do not restart heartbeats.
		m.logger.Debug("reconnect overtaken by disconnect", "status", m.Status().String())
		return constants.ErrCancelled
	}
	m.mu.Lock()
	m.failures = 0
	m.degraded = false
	m.netLost = false
	m.mu.Unlock()

	m.startHeartbeat()

	info.Reconnected = true
	m.runResumeHooks(ctx, info)
	return nil
}

func (m *Machine) runResumeHooks(ctx context.Context, info Resume) {
	for _, fn := range m.resumeHooks {
		fn(ctx, info)
	}
}

func (m *Machine) startHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hbStop != nil {
		return
	}
	stop := make(chan struct{})
	m.hbStop = stop
	m.failures = 0
	go m.heartbeatLoop(stop)
}

func (m *Machine) stopHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hbStop != nil {
		close(m.hbStop)
		m.hbStop = nil
	}
}

// heartbeatLoop runs liveness checks while connected. The loop is stopped
// before entering suspended, so no heartbeat ever fires in the background.
func (m *Machine) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(m.conf.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if m.Status() != StatusConnected {
			continue
		}

		err := m.tracker.Do(context.Background(), pendingKeyHeartbeat, m.conf.HeartbeatTimeout, m.client.Ping)
		if errors.Is(err, constants.ErrCancelled) {
			continue
		}
		if err == nil {
			m.mu.Lock()
			m.failures = 0
			m.mu.Unlock()
			continue
		}

		m.mu.Lock()
		m.failures++
		failures := m.failures
		m.mu.Unlock()
		m.logger.Warn("heartbeat failed", "error", err, "consecutive", failures)

		if failures >= m.conf.HeartbeatFailureLimit {
			// The reconnect must not run on this goroutine: it stops the
			// heartbeat loop it would be running on.
			go func() {
				if err := m.Handle(context.Background(), EventHeartbeatFail); err != nil &&
					!errors.Is(err, constants.ErrCancelled) {
					m.logger.Warn("reconnect after heartbeat failures did not complete", "error", err)
				}
			}()
			return
		}
	}
}
