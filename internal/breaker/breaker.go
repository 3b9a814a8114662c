// Package breaker implements a per-service circuit breaker: after a run
// of consecutive failures, calls to that service are rejected for a
// cooldown period instead of being attempted.
package breaker

import (
	"time"
)

// State is the circuit breaker state.
type State int

const (
	// StateClosed allows calls through normally.
	StateClosed State = iota

	// StateOpen rejects calls immediately without invoking the backend.
	StateOpen

	// StateHalfOpen allows a single trial call to probe recovery.
	StateHalfOpen
)

// String returns the human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes one circuit breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit. Default: 3.
	FailureThreshold int

	// ResetTimeout is how long an open circuit holds before allowing a
	// trial call. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenSuccessThreshold is the number of consecutive successes in
	// half-open needed to close. Default: 1.
	HalfOpenSuccessThreshold int
}

// DefaultConfig returns the default breaker tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:         3,
		ResetTimeout:             30 * time.Second,
		HalfOpenSuccessThreshold: 1,
	}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenSuccessThreshold <= 0 {
		c.HalfOpenSuccessThreshold = 1
	}
	return c
}

// breaker is the per-service state machine. The registry owns the lock;
// all methods assume the registry's mutex is held.
type breaker struct {
	serviceKey string
	cfg        Config

	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	trialInFlight        bool
	trialStartedAt       time.Time
}

func newBreaker(serviceKey string, cfg Config) *breaker {
	return &breaker{
		serviceKey: serviceKey,
		cfg:        cfg.withDefaults(),
		state:      StateClosed,
	}
}

// allow reports whether a call may proceed, transitioning OPEN to
// HALF_OPEN once the reset timeout has elapsed. In half-open only one
// trial call is in flight at a time; a trial whose outcome is never
// recorded expires after the reset timeout so the breaker cannot wedge.
func (b *breaker) allow(now time.Time) bool {
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.openedAt) >= b.cfg.ResetTimeout {
			b.transition(StateHalfOpen)
			b.trialInFlight = true
			b.trialStartedAt = now
			return true
		}
		return false
	case StateHalfOpen:
		if b.trialInFlight && now.Sub(b.trialStartedAt) < b.cfg.ResetTimeout {
			return false
		}
		b.trialInFlight = true
		b.trialStartedAt = now
		return true
	default:
		return false
	}
}

func (b *breaker) recordSuccess(now time.Time) {
	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.trialInFlight = false
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.HalfOpenSuccessThreshold {
			b.transition(StateClosed)
			b.consecutiveFailures = 0
			b.consecutiveSuccesses = 0
		}
	}
}

func (b *breaker) recordFailure(now time.Time) {
	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
			b.openedAt = now
		}
	case StateHalfOpen:
		// Any failure during the trial reopens immediately.
		b.trialInFlight = false
		b.consecutiveSuccesses = 0
		b.transition(StateOpen)
		b.openedAt = now
	}
}

func (b *breaker) reset() {
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.trialInFlight = false
	b.openedAt = time.Time{}
	b.trialStartedAt = time.Time{}
}

func (b *breaker) transition(to State) {
	if b.state == to {
		return
	}
	recordTransition(b.serviceKey, b.state, to)
	b.state = to
}
