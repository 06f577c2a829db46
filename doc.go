// Package livesync keeps client-side query caches synchronized with a
// realtime backend over a single websocket connection.
//
// A Client bundles four cooperating pieces: a connection state machine
// that owns heartbeats, reconnect backoff and suspend/resume handling; a
// subscription registry that deduplicates change feeds and refcounts
// their consumers; a query cache that folds incoming change events into
// cached results with per-binding strategies; and a recovery manager
// that refreshes cached data in priority tiers after the client was
// backgrounded or offline.
//
// Construct a Client with New around a NewConfig, declare cache bindings
// with Bind, then Connect. Environment signals such as visibility and
// network changes are fed in through Handle; everything downstream of
// them (resubscription, tiered recovery, deferred invalidation) happens
// inside the layer.
package livesync
