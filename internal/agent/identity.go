package agent

import (
	"errors"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a client identity
type Status string

const (
	StatusIdle            Status = "idle"
	StatusBorrowed        Status = "borrowed"
	StatusCooldown        Status = "cooldown"
	StatusSessionRequired Status = "session_required"
	StatusSuspended       Status = "suspended"
	StatusBlocked         Status = "blocked"
)

// Health score bounds and adjustment policy. An identity degrades
// gracefully: one 5xx leaves it usable, repeated failures compound
// toward suspension.
const (
	HealthMax       = 100
	HealthInitial   = 100
	HealthRecovered = 70
	HealthCooldown  = 80

	SuccessReward      = 5
	ServerErrorPenalty = 10
	OtherErrorPenalty  = 5

	SuspensionThreshold = 30

	// MaxConsecutiveRateLimits is how many 429-driven cooldowns in a row
	// escalate the identity to suspended instead of recycling forever.
	MaxConsecutiveRateLimits = 5
)

// ErrNotFound is returned when a referenced identity does not exist.
var ErrNotFound = errors.New("client identity not found")

// InvalidStateError reports a guarded identity transition whose
// precondition failed.
type InvalidStateError struct {
	From Status
	To   Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid identity state transition: %s -> %s", e.From, e.To)
}

// Identity is one rotating client identity (user-agent string plus
// session token) used to perform outbound fetches. The token and
// user-agent values are immutable; status, health and usage counters
// move through the guarded methods below.
type Identity struct {
	ID        int64
	Token     string
	UserAgent string

	Status          Status
	HealthScore     int
	LastUsedAt      time.Time
	RequestsPerDay  int
	Consecutive429s int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewIdentity creates an idle identity at full health.
func NewIdentity(id int64, token, userAgent string, now time.Time) *Identity {
	return &Identity{
		ID:          id,
		Token:       token,
		UserAgent:   userAgent,
		Status:      StatusIdle,
		HealthScore: HealthInitial,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// MarkBorrowed moves idle -> borrowed and counts the request against the
// current period.
func (a *Identity) MarkBorrowed(now time.Time) error {
	if a.Status != StatusIdle {
		return &InvalidStateError{From: a.Status, To: StatusBorrowed}
	}
	a.Status = StatusBorrowed
	a.LastUsedAt = now
	a.RequestsPerDay++
	a.UpdatedAt = now
	return nil
}

// ReturnSuccess moves borrowed -> idle and rewards the health score.
func (a *Identity) ReturnSuccess(now time.Time) error {
	if a.Status != StatusBorrowed {
		return &InvalidStateError{From: a.Status, To: StatusIdle}
	}
	a.HealthScore = clampHealth(a.HealthScore + SuccessReward)
	a.Consecutive429s = 0
	a.Status = StatusIdle
	a.LastUsedAt = now
	a.UpdatedAt = now
	return nil
}

// ReturnWithCooldown moves borrowed -> cooldown|suspended|idle depending
// on the observed failure class:
//
//   - 429: health pinned to the cooldown level; repeated consecutive
//     rate limits escalate to suspended rather than cycling forever.
//   - 5xx: fixed penalty; below the suspension threshold the identity is
//     pulled from rotation, otherwise it returns to idle.
//   - anything else: smaller penalty, same threshold check.
func (a *Identity) ReturnWithCooldown(httpStatus int, now time.Time) error {
	if a.Status != StatusBorrowed {
		return &InvalidStateError{From: a.Status, To: StatusCooldown}
	}

	switch {
	case httpStatus == 429:
		a.HealthScore = HealthCooldown
		a.Consecutive429s++
		if a.Consecutive429s >= MaxConsecutiveRateLimits {
			a.Status = StatusSuspended
		} else {
			a.Status = StatusCooldown
		}
	case httpStatus >= 500:
		a.Consecutive429s = 0
		a.HealthScore = clampHealth(a.HealthScore - ServerErrorPenalty)
		a.applySuspensionCheck()
	default:
		a.Consecutive429s = 0
		a.HealthScore = clampHealth(a.HealthScore - OtherErrorPenalty)
		a.applySuspensionCheck()
	}

	a.LastUsedAt = now
	a.UpdatedAt = now
	return nil
}

// RecoverFromCooldown moves cooldown -> idle when a valid session is
// still held, otherwise to session_required so an external component
// re-authenticates the identity before reuse.
func (a *Identity) RecoverFromCooldown(now time.Time, sessionValid bool) error {
	if a.Status != StatusCooldown {
		return &InvalidStateError{From: a.Status, To: StatusIdle}
	}
	if sessionValid {
		a.Status = StatusIdle
	} else {
		a.Status = StatusSessionRequired
	}
	a.UpdatedAt = now
	return nil
}

// Recover moves suspended -> idle with the recovery health level.
func (a *Identity) Recover(now time.Time) error {
	if a.Status != StatusSuspended {
		return &InvalidStateError{From: a.Status, To: StatusIdle}
	}
	a.Status = StatusIdle
	a.HealthScore = HealthRecovered
	a.Consecutive429s = 0
	a.UpdatedAt = now
	return nil
}

// Suspend manually pulls an idle identity from rotation.
func (a *Identity) Suspend(now time.Time) error {
	if a.Status != StatusIdle {
		return &InvalidStateError{From: a.Status, To: StatusSuspended}
	}
	a.Status = StatusSuspended
	a.UpdatedAt = now
	return nil
}

// Block permanently removes the identity from rotation. Escape hatch is
// an explicit Unblock.
func (a *Identity) Block(now time.Time) error {
	if a.Status == StatusBlocked {
		return &InvalidStateError{From: a.Status, To: StatusBlocked}
	}
	a.Status = StatusBlocked
	a.UpdatedAt = now
	return nil
}

// Unblock moves blocked -> idle with the recovery health level.
func (a *Identity) Unblock(now time.Time) error {
	if a.Status != StatusBlocked {
		return &InvalidStateError{From: a.Status, To: StatusIdle}
	}
	a.Status = StatusIdle
	a.HealthScore = HealthRecovered
	a.Consecutive429s = 0
	a.UpdatedAt = now
	return nil
}

// ChangeStatus is the administrative transition. Changing into idle
// always restores the recovery health level.
func (a *Identity) ChangeStatus(newStatus Status, now time.Time) error {
	if a.Status == newStatus {
		return &InvalidStateError{From: a.Status, To: newStatus}
	}
	if newStatus == StatusIdle {
		a.HealthScore = HealthRecovered
		a.Consecutive429s = 0
	}
	a.Status = newStatus
	a.UpdatedAt = now
	return nil
}

// ResetDailyRequests zeroes the per-period request counter.
func (a *Identity) ResetDailyRequests(now time.Time) {
	a.RequestsPerDay = 0
	a.UpdatedAt = now
}

// ResetHealth restores full health unconditionally, used after a long
// cooldown or manual review.
func (a *Identity) ResetHealth(now time.Time) {
	a.HealthScore = HealthInitial
	a.Consecutive429s = 0
	a.UpdatedAt = now
}

// IsRecoverable reports whether a suspended identity has been unused for
// long enough to re-enter rotation.
func (a *Identity) IsRecoverable(threshold time.Time) bool {
	return a.Status == StatusSuspended && !a.LastUsedAt.IsZero() && a.LastUsedAt.Before(threshold)
}

func (a *Identity) applySuspensionCheck() {
	if a.HealthScore < SuspensionThreshold {
		a.Status = StatusSuspended
	} else {
		a.Status = StatusIdle
	}
}

func clampHealth(score int) int {
	if score > HealthMax {
		return HealthMax
	}
	if score < 0 {
		return 0
	}
	return score
}
