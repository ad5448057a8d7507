package agent

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(n int) *Pool {
	identities := make([]*Identity, 0, n)
	for i := 1; i <= n; i++ {
		identities = append(identities, NewIdentity(int64(i), "token", "ua", testNow))
	}
	return NewPool(identities)
}

func TestBorrowPrefersHealthiest(t *testing.T) {
	p := newTestPool(3)
	weak, err := p.Get(2)
	require.NoError(t, err)
	weak.HealthScore = 40

	a, err := p.Borrow(testNow)
	require.NoError(t, err)
	assert.NotEqual(t, int64(2), a.ID)
	assert.Equal(t, StatusBorrowed, a.Status)
}

func TestBorrowExhaustion(t *testing.T) {
	p := newTestPool(2)

	_, err := p.Borrow(testNow)
	require.NoError(t, err)
	_, err = p.Borrow(testNow)
	require.NoError(t, err)

	_, err = p.Borrow(testNow)
	assert.ErrorIs(t, err, ErrNoIdleIdentity)
}

func TestConcurrentBorrowNeverDoubleHandsOut(t *testing.T) {
	const size = 8
	p := newTestPool(size)

	var mu sync.Mutex
	seen := make(map[int64]int)
	var wg sync.WaitGroup

	for i := 0; i < size*4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := p.Borrow(time.Now())
			if err != nil {
				return
			}
			mu.Lock()
			seen[a.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, size)
	for id, count := range seen {
		assert.Equal(t, 1, count, "identity %d borrowed more than once", id)
	}
}

func TestReturnFailureDegrades(t *testing.T) {
	p := newTestPool(1)
	a, err := p.Borrow(testNow)
	require.NoError(t, err)

	require.NoError(t, p.ReturnFailure(a.ID, 503, testNow))
	got, err := p.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, 90, got.HealthScore)
	assert.Equal(t, StatusIdle, got.Status)
}

func TestReturnUnknownIdentity(t *testing.T) {
	p := newTestPool(1)
	assert.ErrorIs(t, p.ReturnSuccess(99, testNow), ErrNotFound)
	assert.ErrorIs(t, p.ReturnFailure(99, 500, testNow), ErrNotFound)
}

func TestSnapshotIsACopy(t *testing.T) {
	p := newTestPool(1)
	snap, err := p.Snapshot(1)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, snap.Status)

	// Mutating the snapshot must not touch the pooled identity
	snap.Status = StatusBlocked
	live, err := p.Get(1)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, live.Status)

	_, err = p.Snapshot(99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCountByStatus(t *testing.T) {
	p := newTestPool(3)
	_, err := p.Borrow(testNow)
	require.NoError(t, err)

	counts := p.CountByStatus()
	assert.Equal(t, 2, counts[StatusIdle])
	assert.Equal(t, 1, counts[StatusBorrowed])
}

func TestRecoverSuspended(t *testing.T) {
	p := newTestPool(2)

	a, err := p.Get(1)
	require.NoError(t, err)
	a.Status = StatusSuspended
	a.LastUsedAt = testNow.Add(-2 * time.Hour)

	b, err := p.Get(2)
	require.NoError(t, err)
	b.Status = StatusSuspended
	b.LastUsedAt = testNow.Add(-time.Minute)

	recovered := p.RecoverSuspended(testNow.Add(-time.Hour), testNow)
	assert.Equal(t, 1, recovered)

	a, _ = p.Get(1)
	assert.Equal(t, StatusIdle, a.Status)
	assert.Equal(t, HealthRecovered, a.HealthScore)
	b, _ = p.Get(2)
	assert.Equal(t, StatusSuspended, b.Status)
}

func TestRecoverCooldowns(t *testing.T) {
	p := newTestPool(1)
	a, err := p.Borrow(testNow)
	require.NoError(t, err)
	require.NoError(t, p.ReturnFailure(a.ID, 429, testNow))

	later := testNow.Add(10 * time.Minute)
	recovered := p.RecoverCooldowns(5*time.Minute, later, func(*Identity) bool { return false })
	assert.Equal(t, 1, recovered)

	got, _ := p.Get(a.ID)
	assert.Equal(t, StatusSessionRequired, got.Status)
}

func TestResetDailyCounters(t *testing.T) {
	p := newTestPool(2)
	a, err := p.Borrow(testNow)
	require.NoError(t, err)
	require.NoError(t, p.ReturnSuccess(a.ID, testNow))

	p.ResetDailyCounters(testNow)
	for _, id := range p.List() {
		assert.Equal(t, 0, id.RequestsPerDay)
	}
}
