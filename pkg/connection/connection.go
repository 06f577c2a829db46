package connection

import (
	"context"

	"github.com/google/uuid"

	"github.com/openclub/livesync/internal/codec"
	"github.com/openclub/livesync/pkg/logger"
)

// Client is the sync layer's only boundary to the backend. Every remote
// interaction (connecting, liveness checks, change-feed subscriptions,
// fetches and remote procedure calls) goes through this interface, so tests
// can substitute a fake and the rest of the layer never touches a socket.
type Client interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error

	// Ping is the liveness check used by the heartbeat loop. It must
	// return promptly once ctx is done.
	Ping(ctx context.Context) error

	// Subscribe opens a change feed for the given table/action/filter and
	// returns a handle whose Events channel delivers row-level changes in
	// transport order. Transport-level subscription failures arrive on the
	// handle's Errs channel, never on Events.
	Subscribe(ctx context.Context, req SubscriptionRequest) (*Handle, error)
	Unsubscribe(ctx context.Context, h *Handle) error

	// Fetch runs a named read query and unmarshals the result into dest.
	Fetch(ctx context.Context, query string, params map[string]any, dest any) error

	// Invoke calls a server-side procedure treated as one opaque atomic
	// operation (unread counts, interaction toggles, writes).
	Invoke(ctx context.Context, proc string, params map[string]any, dest any) error
}

// SubscriptionRequest identifies one change feed. Filter uses the backend's
// own predicate syntax (for example "content_id=eq.42") and is treated as an
// opaque string by this layer.
type SubscriptionRequest struct {
	Table  string
	Action Action
	Filter string
}

// Handle represents one open change feed on the transport.
type Handle struct {
	ID      uuid.UUID
	Request SubscriptionRequest
	Events  <-chan ChangeEvent
	Errs    <-chan error
}

// NewClientParams carries the collaborators a concrete Client needs.
type NewClientParams struct {
	BaseURL     string
	Marshaler   codec.Marshaler
	Unmarshaler codec.Unmarshaler
	Logger      logger.Logger
}
