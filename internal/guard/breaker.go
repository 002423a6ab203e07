package guard

import (
	"sync"
	"time"
)

// CircuitState is the breaker's position.
type CircuitState int

const (
	// CircuitClosed admits all traffic.
	CircuitClosed CircuitState = iota
	// CircuitOpen refuses all traffic until the cooldown elapses.
	CircuitOpen
	// CircuitHalfOpen admits a single probing request.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// breaker is the per-queue circuit breaker. Consecutive downstream
// failures arm it; successes while closed pay the counter back down so
// transient blips never trip it.
type breaker struct {
	mux       sync.Mutex
	threshold int
	cooldown  time.Duration

	state       CircuitState
	failures    int
	lastFailure time.Time
	probing     bool
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{threshold: threshold, cooldown: cooldown, state: CircuitClosed}
}

// allow reports whether a new submission may enter the queue. It never
// changes state; the half-open probe slot is only leased at dispatch
// time by acquire.
func (b *breaker) allow(now time.Time) bool {
	b.mux.Lock()
	defer b.mux.Unlock()

	switch b.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		return now.Sub(b.lastFailure) >= b.cooldown
	case CircuitHalfOpen:
		return !b.probing
	}
	return false
}

// acquire grants permission for one downstream call, immediately before
// it goes out. While open it transitions to half-open once the cooldown
// has elapsed and leases the single probe slot to the caller; probe
// reports that lease. The slot comes back through success, failure, or
// release.
func (b *breaker) acquire(now time.Time) (ok, probe bool) {
	b.mux.Lock()
	defer b.mux.Unlock()

	switch b.state {
	case CircuitClosed:
		return true, false
	case CircuitOpen:
		if now.Sub(b.lastFailure) >= b.cooldown {
			b.state = CircuitHalfOpen
			b.probing = true
			return true, true
		}
		return false, false
	case CircuitHalfOpen:
		if b.probing {
			return false, false
		}
		b.probing = true
		return true, true
	}
	return false, false
}

// release returns the probe slot without recording an outcome, for
// probes that terminate before any downstream attempt.
func (b *breaker) release() {
	b.mux.Lock()
	defer b.mux.Unlock()
	b.probing = false
}

func (b *breaker) success() {
	b.mux.Lock()
	defer b.mux.Unlock()

	switch b.state {
	case CircuitClosed:
		if b.failures > 0 {
			b.failures--
		}
	case CircuitHalfOpen:
		b.state = CircuitClosed
		b.failures = 0
		b.probing = false
	}
}

func (b *breaker) failure(now time.Time) {
	b.mux.Lock()
	defer b.mux.Unlock()

	switch b.state {
	case CircuitClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = CircuitOpen
			b.lastFailure = now
		}
	case CircuitHalfOpen:
		b.state = CircuitOpen
		b.lastFailure = now
		b.probing = false
	case CircuitOpen:
		b.lastFailure = now
	}
}

func (b *breaker) snapshot() (CircuitState, int) {
	b.mux.Lock()
	defer b.mux.Unlock()
	return b.state, b.failures
}
