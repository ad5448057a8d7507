package agent

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNoIdleIdentity is returned when every identity is borrowed, cooling
// down, suspended or blocked. Callers should back off rather than
// busy-loop on it.
var ErrNoIdleIdentity = errors.New("no idle client identity available")

// Pool manages the rotating set of client identities. A borrow is an
// atomic idle -> borrowed transition under the pool lock, so two
// concurrent consumers can never receive the same identity.
type Pool struct {
	mu         sync.Mutex
	identities map[int64]*Identity
}

// NewPool creates a pool over the given identities.
func NewPool(identities []*Identity) *Pool {
	p := &Pool{identities: make(map[int64]*Identity, len(identities))}
	for _, a := range identities {
		p.identities[a.ID] = a
	}
	return p
}

// Add registers an identity with the pool.
func (p *Pool) Add(a *Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.identities[a.ID] = a
}

// Borrow hands out the healthiest idle identity, preferring the least
// recently used among equals so load spreads across the pool.
func (p *Pool) Borrow(now time.Time) (*Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *Identity
	for _, a := range p.identities {
		if a.Status != StatusIdle {
			continue
		}
		if best == nil || a.HealthScore > best.HealthScore ||
			(a.HealthScore == best.HealthScore && a.LastUsedAt.Before(best.LastUsedAt)) {
			best = a
		}
	}
	if best == nil {
		return nil, ErrNoIdleIdentity
	}
	if err := best.MarkBorrowed(now); err != nil {
		return nil, err
	}
	return best, nil
}

// ReturnSuccess returns a borrowed identity after a successful fetch.
func (p *Pool) ReturnSuccess(id int64, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.identities[id]
	if !ok {
		return ErrNotFound
	}
	return a.ReturnSuccess(now)
}

// ReturnFailure returns a borrowed identity after a failed fetch,
// degrading it according to the observed HTTP status.
func (p *Pool) ReturnFailure(id int64, httpStatus int, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.identities[id]
	if !ok {
		return ErrNotFound
	}
	if err := a.ReturnWithCooldown(httpStatus, now); err != nil {
		return err
	}
	if a.Status == StatusSuspended {
		log.Warn().
			Int64("identity_id", id).
			Int("health_score", a.HealthScore).
			Int("http_status", httpStatus).
			Msg("Client identity suspended")
	}
	return nil
}

// Snapshot returns a copy of one identity's current state, taken under
// the pool lock so it is safe to hand to a persistence write.
func (p *Pool) Snapshot(id int64) (*Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.identities[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *a
	return &copied, nil
}

// Get looks up an identity by id.
func (p *Pool) Get(id int64) (*Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.identities[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

// Block permanently removes an identity from rotation.
func (p *Pool) Block(id int64, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.identities[id]
	if !ok {
		return ErrNotFound
	}
	return a.Block(now)
}

// Unblock returns a blocked identity to rotation.
func (p *Pool) Unblock(id int64, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.identities[id]
	if !ok {
		return ErrNotFound
	}
	return a.Unblock(now)
}

// ResetHealth restores an identity to full health.
func (p *Pool) ResetHealth(id int64, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.identities[id]
	if !ok {
		return ErrNotFound
	}
	a.ResetHealth(now)
	return nil
}

// CountByStatus derives the pool availability breakdown on demand, for
// observability. No ambient counters are maintained.
func (p *Pool) CountByStatus() map[Status]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	counts := make(map[Status]int)
	for _, a := range p.identities {
		counts[a.Status]++
	}
	return counts
}

// RecoverSuspended re-activates suspended identities whose last use is
// older than the threshold. Returns how many recovered.
func (p *Pool) RecoverSuspended(threshold, now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	recovered := 0
	for _, a := range p.identities {
		if !a.IsRecoverable(threshold) {
			continue
		}
		if err := a.Recover(now); err != nil {
			log.Error().Err(err).Int64("identity_id", a.ID).Msg("Failed to recover suspended identity")
			continue
		}
		recovered++
	}
	if recovered > 0 {
		log.Info().Int("recovered", recovered).Msg("Recovered suspended client identities")
	}
	return recovered
}

// RecoverCooldowns releases identities from cooldown once their cooldown
// window has elapsed. The sessionValid callback lets the caller decide
// per identity whether a re-authentication step is still needed; nil
// treats every session as valid.
func (p *Pool) RecoverCooldowns(cooldown time.Duration, now time.Time, sessionValid func(*Identity) bool) int {
	if sessionValid == nil {
		sessionValid = func(*Identity) bool { return true }
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	recovered := 0
	for _, a := range p.identities {
		if a.Status != StatusCooldown || now.Sub(a.LastUsedAt) < cooldown {
			continue
		}
		if err := a.RecoverFromCooldown(now, sessionValid(a)); err != nil {
			log.Error().Err(err).Int64("identity_id", a.ID).Msg("Failed to recover identity from cooldown")
			continue
		}
		recovered++
	}
	return recovered
}

// ResetDailyCounters zeroes per-period request counters across the pool.
func (p *Pool) ResetDailyCounters(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, a := range p.identities {
		a.ResetDailyRequests(now)
	}
}

// List returns a stable snapshot of all identities ordered by id.
func (p *Pool) List() []*Identity {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Identity, 0, len(p.identities))
	for _, a := range p.identities {
		copied := *a
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
