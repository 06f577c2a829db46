package constants

import "time"

const (
	// RequestIDLength is the size of the id sent on a WS request.
	RequestIDLength = 16
	// CloseMessageCode is the message id for a close request.
	CloseMessageCode = 1000

	// DefaultRPCTimeout bounds a single RPC round trip.
	DefaultRPCTimeout = 30 * time.Second
	// DefaultConnectTimeout bounds one connection attempt. Attempts that
	// outlive it count as failures.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultHeartbeatInterval is how often the liveness check runs while
	// connected. Heartbeats never run while suspended.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultHeartbeatTimeout is the deadline for a single liveness check.
	DefaultHeartbeatTimeout = 3 * time.Second
	// DefaultHeartbeatFailureLimit is the number of consecutive failed
	// heartbeats that forces the connection into the error state.
	DefaultHeartbeatFailureLimit = 3

	// DefaultReconnectMaxTries bounds the reconnect backoff cycle before
	// the client settles into degraded mode.
	DefaultReconnectMaxTries = 10

	// DefaultRecoveryBatchSize is the number of cache keys revalidated per
	// recovery batch.
	DefaultRecoveryBatchSize = 5
	// DefaultRecoveryMaxBatches is the bound on simultaneously running
	// recovery batches.
	DefaultRecoveryMaxBatches = 3
	// DefaultRecoveryMemberTimeout is the deadline for revalidating one key.
	DefaultRecoveryMemberTimeout = 10 * time.Second

	// DefaultCacheTTL is how long an unused cache entry survives before the
	// garbage-collection sweep removes it.
	DefaultCacheTTL = 5 * time.Minute
	// DefaultStaleAfter is how long a fetched result is trusted before a
	// read triggers a refetch.
	DefaultStaleAfter = 30 * time.Second
	// DefaultInvalidateDefer is how long an invalidation is held back on a
	// degraded network so that closely spaced events coalesce.
	DefaultInvalidateDefer = 2 * time.Second
)

const (
	WebsocketScheme       = "ws"
	WebsocketSecureScheme = "wss"
)
