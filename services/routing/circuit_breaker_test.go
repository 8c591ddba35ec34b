package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type manualClock struct{ t time.Time }

func (c *manualClock) Now() time.Time          { return c.t }
func (c *manualClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, recovery time.Duration) (*CircuitBreaker, *manualClock) {
	clock := &manualClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("anthropic", threshold, recovery)
	cb.now = clock.Now
	return cb, clock
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	for _, k := range []int{1, 2, 5} {
		cb, _ := newTestBreaker(k, time.Minute)

		for i := 0; i < k-1; i++ {
			cb.RecordFailure()
		}
		assert.Equal(t, StateClosed, cb.State(), "k-1 failures keeps k=%d breaker closed", k)
		assert.True(t, cb.CanExecute())

		cb.RecordFailure()
		assert.Equal(t, StateOpen, cb.State(), "k failures opens k=%d breaker", k)
		assert.False(t, cb.CanExecute())
	}
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 2, cb.Snapshot().ConsecutiveFailures)
}

func TestCircuitBreaker_RecoveryTimeout(t *testing.T) {
	cb, clock := newTestBreaker(2, 30*time.Second)
	cb.RecordFailure()
	cb.RecordFailure()

	clock.Advance(29 * time.Second)
	assert.False(t, cb.CanExecute(), "before recovery timeout")
	assert.Equal(t, StateOpen, cb.State())

	clock.Advance(time.Second)
	assert.True(t, cb.CanExecute(), "at recovery timeout")
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenAdmitsOneTrial(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Second)
	cb.RecordFailure()
	clock.Advance(time.Second)
	require.True(t, cb.CanExecute())

	admitted, claimed := cb.beginAttempt()
	require.True(t, admitted)
	require.True(t, claimed)

	assert.False(t, cb.CanExecute(), "trial in flight")
	admitted, _ = cb.beginAttempt()
	assert.False(t, admitted)

	cb.releaseAttempt()
	assert.True(t, cb.CanExecute(), "released trial slot is available again")
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	cb, clock := newTestBreaker(2, time.Second)
	cb.RecordFailure()
	cb.RecordFailure()
	clock.Advance(2 * time.Second)
	require.True(t, cb.CanExecute())
	cb.beginAttempt()

	cb.RecordSuccess()

	snap := cb.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.True(t, cb.CanExecute())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(2, 10*time.Second)
	cb.RecordFailure()
	cb.RecordFailure()
	firstFailure := cb.Snapshot().LastFailure

	clock.Advance(10 * time.Second)
	require.True(t, cb.CanExecute())
	cb.beginAttempt()
	cb.RecordFailure()

	snap := cb.Snapshot()
	assert.Equal(t, StateOpen, snap.State)
	assert.GreaterOrEqual(t, snap.ConsecutiveFailures, 2)
	assert.True(t, snap.LastFailure.After(firstFailure), "timestamp refreshed")

	clock.Advance(9 * time.Second)
	assert.False(t, cb.CanExecute(), "recovery window restarts from the failed trial")
}

func TestCircuitBreaker_OpenAdmitsForcedAttemptWithoutClaim(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Hour)
	cb.RecordFailure()

	admitted, claimed := cb.beginAttempt()
	assert.True(t, admitted)
	assert.False(t, claimed)

	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
}

func TestNewCircuitBreaker_MinimumThreshold(t *testing.T) {
	cb, _ := newTestBreaker(0, time.Second)
	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
}
