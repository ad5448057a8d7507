package recovery

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crawlhub/crawlhub/internal/agent"
)

// MonitorOptions configures the periodic recovery monitor.
type MonitorOptions struct {
	// Interval between recovery passes over tasks and outbox rows.
	Interval time.Duration
	// PoolInterval between identity pool maintenance passes.
	PoolInterval time.Duration
	// SuspensionWindow is how long a suspended identity rests before it
	// becomes eligible for recovery.
	SuspensionWindow time.Duration
	// CooldownWindow is how long a rate-limited identity cools down.
	CooldownWindow time.Duration
}

// IdentityStore persists identity state changed by pool maintenance, so
// recoveries and counter resets survive a restart.
type IdentityStore interface {
	SaveIdentity(ctx context.Context, a *agent.Identity) error
}

// Monitor drives the recovery jobs and identity pool maintenance on
// timers, including the midnight reset of per-identity daily counters.
type Monitor struct {
	jobs       *Jobs
	pool       *agent.Pool
	identities IdentityStore
	opts       MonitorOptions
}

// NewMonitor creates a monitor over the given jobs and pool. A nil
// identity store skips the write-back after pool maintenance.
func NewMonitor(jobs *Jobs, pool *agent.Pool, identities IdentityStore, opts MonitorOptions) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.PoolInterval <= 0 {
		opts.PoolInterval = 30 * time.Second
	}
	if opts.SuspensionWindow <= 0 {
		opts.SuspensionWindow = 6 * time.Hour
	}
	if opts.CooldownWindow <= 0 {
		opts.CooldownWindow = 5 * time.Minute
	}
	return &Monitor{jobs: jobs, pool: pool, identities: identities, opts: opts}
}

// Run blocks until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	recoveryTicker := time.NewTicker(m.opts.Interval)
	defer recoveryTicker.Stop()
	poolTicker := time.NewTicker(m.opts.PoolInterval)
	defer poolTicker.Stop()

	now := m.jobs.clock.Now()
	dailyReset := time.NewTimer(untilNextMidnight(now))
	defer dailyReset.Stop()

	log.Info().
		Dur("interval", m.opts.Interval).
		Dur("pool_interval", m.opts.PoolInterval).
		Msg("Recovery monitor started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Recovery monitor stopped")
			return

		case <-recoveryTicker.C:
			if err := m.jobs.RunAll(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Recovery pass failed")
			}

		case <-poolTicker.C:
			m.maintainPool(ctx)

		case <-dailyReset.C:
			now := m.jobs.clock.Now()
			if m.pool != nil {
				m.pool.ResetDailyCounters(now)
				m.flushPool(ctx)
			}
			log.Info().Msg("Daily identity request counters reset")
			dailyReset.Reset(untilNextMidnight(now))
		}
	}
}

func (m *Monitor) maintainPool(ctx context.Context) {
	if m.pool == nil {
		return
	}
	now := m.jobs.clock.Now()

	recovered := m.pool.RecoverSuspended(now.Add(-m.opts.SuspensionWindow), now)
	if recovered > 0 {
		log.Info().Int("count", recovered).Msg("Recovered suspended identities")
	}

	// Cooled-down identities rejoin without a session check; the next
	// borrow discovers an expired session and routes to SESSION_REQUIRED.
	woken := m.pool.RecoverCooldowns(m.opts.CooldownWindow, now, nil)
	if woken > 0 {
		log.Info().Int("count", woken).Msg("Identities finished cooldown")
	}

	if recovered > 0 || woken > 0 {
		m.flushPool(ctx)
	}

	if m.jobs.metrics != nil {
		counts := make(map[string]int)
		for status, n := range m.pool.CountByStatus() {
			counts[string(status)] = n
		}
		m.jobs.metrics.SetIdentityCounts(counts)
	}
}

// flushPool writes the whole pool back to the store. Maintenance passes
// touch an unbounded subset of identities, and the pool is small enough
// that a full flush beats tracking dirtiness.
func (m *Monitor) flushPool(ctx context.Context) {
	if m.identities == nil {
		return
	}
	for _, a := range m.pool.List() {
		if err := m.identities.SaveIdentity(ctx, a); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Int64("identity_id", a.ID).Msg("Failed to persist identity state")
		}
	}
}

func untilNextMidnight(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	return next.Sub(now)
}
