package livesync

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/openclub/livesync/internal/codec"
	"github.com/openclub/livesync/pkg/cache"
	"github.com/openclub/livesync/pkg/connection"
	"github.com/openclub/livesync/pkg/logger"
	"github.com/openclub/livesync/pkg/recovery"
	"github.com/openclub/livesync/pkg/state"
)

// Config configures a Client. Build one with NewConfig and adjust fields
// before passing it to New; zero values take package defaults.
type Config struct {
	// URL is the websocket endpoint of the realtime backend. Required
	// unless Conn is set.
	URL string

	// Conn overrides the transport. When set, URL is ignored. Tests use
	// this to run the full layer against an in-memory client.
	Conn connection.Client

	// Marshaler and Unmarshaler frame outgoing and incoming messages.
	// Both default to CBOR.
	Marshaler   codec.Marshaler
	Unmarshaler codec.Unmarshaler

	Logger logger.Logger

	// State tunes heartbeats, connect timeouts and reconnect backoff.
	State state.Config

	// Cache tunes staleness, GC and deferred invalidation.
	Cache cache.Config

	// Recovery tunes batch sizing for refresh-after-resume.
	Recovery recovery.Config

	// Cascades maps a table name to the cache keys its change events
	// additionally invalidate, on top of the keys bound to the table.
	Cascades map[string][]cache.Key

	// KeyTiers assigns recovery priority by cache key name prefix. The
	// longest matching prefix wins; unmatched keys get DefaultTier.
	KeyTiers    map[string]recovery.Tier
	DefaultTier recovery.Tier

	// Fetcher resolves a cache key to a fresh value. It backs both
	// Query and recovery revalidation; when nil, recovery falls back to
	// invalidating keys instead of refetching them.
	Fetcher func(ctx context.Context, key cache.Key) (any, error)

	// NetworkQuality reports current link quality. Nil means always
	// good; on a degraded link cache invalidations are deferred and
	// coalesced.
	NetworkQuality func() cache.Quality

	// GCInterval is how often unused cache entries are collected. Zero
	// takes the default; negative disables the collector.
	GCInterval time.Duration
}

// NewConfig returns a Config for the given endpoint with CBOR framing and
// an error-level stderr logger.
func NewConfig(url string) *Config {
	c := codec.NewCBOR()
	return &Config{
		URL:         url,
		Marshaler:   c,
		Unmarshaler: c,
		Logger:      logger.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}
}

func (c *Config) withDefaults() *Config {
	if c.Marshaler == nil || c.Unmarshaler == nil {
		cb := codec.NewCBOR()
		if c.Marshaler == nil {
			c.Marshaler = cb
		}
		if c.Unmarshaler == nil {
			c.Unmarshaler = cb
		}
	}
	if c.Logger == nil {
		c.Logger = logger.Discard()
	}
	if c.GCInterval == 0 {
		c.GCInterval = time.Minute
	}
	return c
}
