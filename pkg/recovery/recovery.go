// Package recovery re-validates cached queries after a connectivity gap.
// Instead of refetching everything at once, keys are classified into
// priority tiers and revalidated tier by tier in bounded batches, so a
// reconnect never turns into a thundering herd of simultaneous requests.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openclub/livesync/pkg/cache"
	"github.com/openclub/livesync/pkg/constants"
	"github.com/openclub/livesync/pkg/logger"
	"github.com/openclub/livesync/pkg/pending"
)

// Scope selects how much of the cache a recovery cycle revalidates.
type Scope int

const (
	ScopeNone Scope = iota
	// ScopeLight revalidates only critical keys (identity/session data).
	ScopeLight
	// ScopePartial adds high-priority keys (fast-changing social data).
	ScopePartial
	// ScopeFull revalidates every tier.
	ScopeFull
)

func (s Scope) String() string {
	switch s {
	case ScopeNone:
		return "none"
	case ScopeLight:
		return "light"
	case ScopePartial:
		return "partial"
	case ScopeFull:
		return "full"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Tier is a key's priority class, derived from its semantic category.
type Tier int

const (
	TierCritical Tier = iota
	TierHigh
	TierNormal
	TierLow
)

var tiers = []Tier{TierCritical, TierHigh, TierNormal, TierLow}

func (t Tier) String() string {
	switch t {
	case TierCritical:
		return "critical"
	case TierHigh:
		return "high"
	case TierNormal:
		return "normal"
	case TierLow:
		return "low"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

func (s Scope) includes(t Tier) bool {
	switch s {
	case ScopeLight:
		return t == TierCritical
	case ScopePartial:
		return t == TierCritical || t == TierHigh
	case ScopeFull:
		return true
	default:
		return false
	}
}

// ScopeForGap picks the recovery scope for a resume. Short gaps get a light
// pass, long gaps or a real network loss get a full one, and a simple
// window focus without any disconnect stays light.
func ScopeForGap(background time.Duration, networkLost, focusOnly bool) Scope {
	switch {
	case networkLost:
		return ScopeFull
	case focusOnly:
		return ScopeLight
	case background < 30*time.Second:
		return ScopeLight
	case background < 5*time.Minute:
		return ScopePartial
	default:
		return ScopeFull
	}
}

// Classifier assigns a priority tier to a cache key.
type Classifier func(cache.Key) Tier

// PrefixClassifier builds a Classifier from a key-name-prefix table. The
// longest matching prefix wins; unmatched keys get fallback.
func PrefixClassifier(prefixes map[string]Tier, fallback Tier) Classifier {
	return func(k cache.Key) Tier {
		best := -1
		tier := fallback
		for prefix, t := range prefixes {
			if strings.HasPrefix(k.Name, prefix) && len(prefix) > best {
				best = len(prefix)
				tier = t
			}
		}
		return tier
	}
}

// Revalidator refetches one cache key.
type Revalidator func(ctx context.Context, key cache.Key) error

// Config tunes the Manager. Zero values take the package defaults.
type Config struct {
	BatchSize     int
	MaxBatches    int
	MemberTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize == 0 {
		c.BatchSize = constants.DefaultRecoveryBatchSize
	}
	if c.MaxBatches == 0 {
		c.MaxBatches = constants.DefaultRecoveryMaxBatches
	}
	if c.MemberTimeout == 0 {
		c.MemberTimeout = constants.DefaultRecoveryMemberTimeout
	}
	return c
}

// Stats is a snapshot of recovery diagnostics.
type Stats struct {
	Runs             uint64
	BatchesAttempted uint64
	BatchesSucceeded uint64
	BatchesFailed    uint64
	LastDuration     time.Duration
	// AvgDuration is an exponential moving average of run durations.
	AvgDuration time.Duration
}

type run struct {
	scope  Scope
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs recovery cycles. At most one cycle runs at a time: a request
// with equal or lower scope than the running one is a no-op, a higher-scope
// request supersedes it.
type Manager struct {
	conf       Config
	classify   Classifier
	keys       func() []cache.Key
	revalidate Revalidator
	tracker    *pending.Tracker
	logger     logger.Logger

	mu      sync.Mutex
	current *run
	stats   Stats
}

func NewManager(
	conf Config,
	classify Classifier,
	keys func() []cache.Key,
	revalidate Revalidator,
	tracker *pending.Tracker,
	l logger.Logger,
) *Manager {
	return &Manager{
		conf:       conf.withDefaults(),
		classify:   classify,
		keys:       keys,
		revalidate: revalidate,
		tracker:    tracker,
		logger:     l,
	}
}

// Recover runs one recovery cycle of the given scope. Tiers are processed
// strictly in priority order; within a tier, keys run in fixed-size batches
// with a bound on simultaneous batches. Member failures are collected, not
// short-circuited: a failed key never blocks its siblings.
func (m *Manager) Recover(ctx context.Context, scope Scope) error {
	if scope == ScopeNone {
		return nil
	}

	m.mu.Lock()
	if cur := m.current; cur != nil {
		if scope <= cur.scope {
			m.mu.Unlock()
			m.logger.Debug("recovery already running, request absorbed",
				"running", cur.scope.String(), "requested", scope.String())
			return nil
		}
		// A wider recovery supersedes the narrower one in progress.
		cur.cancel()
		done := cur.done
		m.mu.Unlock()
		<-done
		m.mu.Lock()
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{scope: scope, cancel: cancel, done: make(chan struct{})}
	m.current = r
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		if m.current == r {
			m.current = nil
		}
		m.mu.Unlock()
		close(r.done)
	}()

	start := time.Now()
	m.logger.Info("recovery started", "scope", scope.String())

	byTier := make(map[Tier][]cache.Key)
	for _, k := range m.keys() {
		t := m.classify(k)
		if scope.includes(t) {
			byTier[t] = append(byTier[t], k)
		}
	}

	var errs []error
	for _, tier := range tiers {
		keys := byTier[tier]
		if len(keys) == 0 {
			continue
		}
		if runCtx.Err() != nil {
			// Superseded; the wider run takes over from here.
			return constants.ErrCancelled
		}
		if err := m.runTier(runCtx, tier, keys); err != nil {
			if errors.Is(err, constants.ErrCancelled) {
				return constants.ErrCancelled
			}
			errs = append(errs, fmt.Errorf("tier %s: %w", tier, err))
		}
	}

	dur := time.Since(start)
	m.recordRun(dur)
	m.logger.Info("recovery finished", "scope", scope.String(),
		"duration", dur, "errors", len(errs))

	return errors.Join(errs...)
}

// Running returns the scope of the recovery in progress, or ScopeNone.
func (m *Manager) Running() Scope {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ScopeNone
	}
	return m.current.scope
}

// Stats returns a snapshot of the recovery diagnostics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Manager) recordRun(dur time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Runs++
	m.stats.LastDuration = dur
	if m.stats.AvgDuration == 0 {
		m.stats.AvgDuration = dur
		return
	}
	const alpha = 0.2
	m.stats.AvgDuration += time.Duration(alpha * float64(dur-m.stats.AvgDuration))
}

func (m *Manager) runTier(ctx context.Context, tier Tier, keys []cache.Key) error {
	var (
		wg     sync.WaitGroup
		sem    = make(chan struct{}, m.conf.MaxBatches)
		errsMu sync.Mutex
		errs   []error
	)

	for start := 0; start < len(keys); start += m.conf.BatchSize {
		end := start + m.conf.BatchSize
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]

		select {
		case <-ctx.Done():
			wg.Wait()
			return constants.ErrCancelled
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(batch []cache.Key) {
			defer wg.Done()
			defer func() { <-sem }()

			m.bump(func(s *Stats) { s.BatchesAttempted++ })

			failed := false
			var mwg sync.WaitGroup
			for _, key := range batch {
				mwg.Add(1)
				go func(key cache.Key) {
					defer mwg.Done()
					err := m.tracker.Do(ctx, "recover:"+key.String(), m.conf.MemberTimeout,
						func(ctx context.Context) error {
							return m.revalidate(ctx, key)
						})
					if err == nil || errors.Is(err, constants.ErrCancelled) || errors.Is(err, context.Canceled) {
						return
					}
					errsMu.Lock()
					errs = append(errs, fmt.Errorf("%s: %w", key, err))
					failed = true
					errsMu.Unlock()
				}(key)
			}
			mwg.Wait()

			if failed {
				m.bump(func(s *Stats) { s.BatchesFailed++ })
			} else {
				m.bump(func(s *Stats) { s.BatchesSucceeded++ })
			}
		}(batch)
	}

	wg.Wait()

	if ctx.Err() != nil {
		return constants.ErrCancelled
	}
	return errors.Join(errs...)
}

func (m *Manager) bump(f func(*Stats)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f(&m.stats)
}
