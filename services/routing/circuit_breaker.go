package routing

import (
	"sync"
	"time"
)

// State is a circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// BreakerSnapshot is a point-in-time view of one breaker
type BreakerSnapshot struct {
	Provider            string    `json:"provider"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
}

// CircuitBreaker stops traffic to a provider after FailureThreshold
// consecutive failures and lets one trial call through once
// RecoveryTimeout has elapsed since the last failure.
type CircuitBreaker struct {
	mu sync.Mutex

	name             string
	failureThreshold int
	recoveryTimeout  time.Duration

	state         State
	failures      int
	lastFailure   time.Time
	trialInFlight bool

	now func() time.Time
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(name string, failureThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		state:            StateClosed,
		now:              time.Now,
	}
}

// CanExecute reports whether a call would currently be permitted. An open
// breaker whose recovery timeout has elapsed moves to half_open here.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.recoveryTimeout {
			return false
		}
		cb.state = StateHalfOpen
		return !cb.trialInFlight
	default:
		return !cb.trialInFlight
	}
}

// beginAttempt admits an attempt and, in half_open, claims the single trial
// slot. Closed and open (forced) breakers admit without claiming.
func (cb *CircuitBreaker) beginAttempt() (admitted, claimed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateHalfOpen {
		return true, false
	}
	if cb.trialInFlight {
		return false, false
	}
	cb.trialInFlight = true
	return true, true
}

// releaseAttempt frees the trial slot for an attempt that produced no
// outcome for the provider.
func (cb *CircuitBreaker) releaseAttempt() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trialInFlight = false
}

// RecordSuccess closes the breaker and resets the failure count
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.state = StateClosed
	cb.trialInFlight = false
}

// RecordFailure counts a failure. A failed half_open trial reopens the
// breaker with a fresh timestamp.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = cb.now()
	cb.trialInFlight = false

	if cb.state == StateHalfOpen || cb.failures >= cb.failureThreshold {
		cb.state = StateOpen
	}
}

// State returns the current state without advancing it
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns the breaker's current counters
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerSnapshot{
		Provider:            cb.name,
		State:               cb.state,
		ConsecutiveFailures: cb.failures,
		LastFailure:         cb.lastFailure,
	}
}
