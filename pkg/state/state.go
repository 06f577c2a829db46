package state

import (
	"fmt"
	"time"
)

// Status is the connection state. Exactly one Machine owns the network
// client, and every status change goes through the transition table below.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	// StatusSuspended means the page/app is backgrounded. No heartbeats and
	// no speculative work run while suspended.
	StatusSuspended
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusSuspended:
		return "suspended"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// transitionTo validates a state transition and returns the new state.
func (s Status) transitionTo(next Status) (Status, error) {
	switch s {
	case StatusDisconnected:
		if next == StatusConnecting {
			return next, nil
		}
	case StatusConnecting:
		switch next {
		case StatusConnected, StatusError, StatusDisconnected:
			return next, nil
		}
	case StatusConnected:
		switch next {
		case StatusSuspended, StatusError, StatusDisconnected:
			return next, nil
		}
	case StatusSuspended:
		switch next {
		case StatusConnecting, StatusDisconnected:
			return next, nil
		}
	case StatusError:
		switch next {
		case StatusConnecting, StatusDisconnected:
			return next, nil
		}
	}

	return s, fmt.Errorf("invalid state transition from %v to %v", s, next)
}

// Event is an external signal handled by the Machine. Visibility and
// network events come from the embedding application's platform layer.
type Event int

const (
	EventConnect Event = iota
	EventDisconnect
	EventVisibilityHidden
	EventVisibilityVisible
	EventNetworkOffline
	EventNetworkOnline
	EventHeartbeatFail
	EventReconnect
)

func (e Event) String() string {
	switch e {
	case EventConnect:
		return "CONNECT"
	case EventDisconnect:
		return "DISCONNECT"
	case EventVisibilityHidden:
		return "VISIBILITY_HIDDEN"
	case EventVisibilityVisible:
		return "VISIBILITY_VISIBLE"
	case EventNetworkOffline:
		return "NETWORK_OFFLINE"
	case EventNetworkOnline:
		return "NETWORK_ONLINE"
	case EventHeartbeatFail:
		return "HEARTBEAT_FAIL"
	case EventReconnect:
		return "RECONNECT"
	default:
		return fmt.Sprintf("unknown(%d)", int(e))
	}
}

// Change is one status transition, delivered to watchers.
type Change struct {
	From Status
	To   Status
	At   time.Time
}

// Resume describes why the machine came back to the foreground, so the
// owner can pick a recovery scope.
type Resume struct {
	// BackgroundFor is how long the app was suspended. Zero for focus-only
	// resumes and network recoveries.
	BackgroundFor time.Duration
	// NetworkLost is set when the resume follows a network-loss signal.
	NetworkLost bool
	// FocusOnly is set when the app regained focus without ever losing the
	// connection.
	FocusOnly bool
	// Reconnected is set when a fresh connection was established.
	Reconnected bool
}
