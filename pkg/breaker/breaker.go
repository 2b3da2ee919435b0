// Package breaker implements a generic three-state circuit breaker:
// closed (requests pass through), open (requests rejected immediately),
// half-open (exactly one probe request allowed through to test recovery).
//
// Grounded on original_source's helpers.circuit_breaker.CircuitBreaker, as
// used by skills/mcp_bridge.py's RemoteMCPBridge (`allows_request` gate
// before a call, `record_success`/`record_failure` after).
package breaker

import (
	"sync"
	"time"
)

// State is one of the breaker's three states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

// Breaker tracks consecutive-failure count and the timestamp a breaker
// opened at, transitioning states per Allow/RecordSuccess/RecordFailure.
type Breaker struct {
	failureThreshold int
	resetTimeout     time.Duration
	now              func() time.Time

	mu               sync.Mutex
	state            State
	consecutiveFails int
	openedAt         time.Time
	probeInFlight    bool
}

// New builds a Breaker that opens after failureThreshold consecutive
// failures and allows a single half-open probe once resetTimeout has
// elapsed since it opened. failureThreshold is clamped to at least 1,
// resetTimeout to at least 0.
func New(failureThreshold int, resetTimeout time.Duration) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	if resetTimeout < 0 {
		resetTimeout = 0
	}
	return &Breaker{failureThreshold: failureThreshold, resetTimeout: resetTimeout, now: time.Now}
}

// Allow reports whether a call may proceed, transitioning open → half_open
// when resetTimeout has elapsed. In half_open, only the first caller after
// the transition gets true — concurrent callers arriving before that
// probe resolves are rejected, matching "one probe allowed".
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return false
		}
		b.state = StateHalfOpen
		b.probeInFlight = true
		return true
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess resets the consecutive-failure count and, from half_open,
// closes the breaker — the probe succeeded.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails = 0
	b.probeInFlight = false
	b.state = StateClosed
}

// RecordFailure increments the consecutive-failure count and opens the
// breaker once it reaches failureThreshold, or immediately re-opens on a
// half_open probe failure.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInFlight = false

	if b.state == StateHalfOpen {
		b.open()
		return
	}

	b.consecutiveFails++
	if b.consecutiveFails >= b.failureThreshold {
		b.open()
	}
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.consecutiveFails = b.failureThreshold
}

// State returns the breaker's current state without mutating it (a
// long-open breaker past resetTimeout still reports StateOpen here; Allow
// performs the open→half_open transition).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
