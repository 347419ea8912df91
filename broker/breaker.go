package broker

import (
	"sync"
	"time"

	"github.com/suffragium/suffragium/audit"
	"github.com/suffragium/suffragium/log"
)

// Circuit breaker states.
const (
	CircuitClosed = iota
	CircuitOpen
	CircuitHalfOpen
)

var circuitStateNames = map[int]string{
	CircuitClosed:   "closed",
	CircuitOpen:     "open",
	CircuitHalfOpen: "half_open",
}

// CircuitStateName returns the human-readable name of a breaker state.
func CircuitStateName(state int) string {
	return circuitStateNames[state]
}

// BreakerParams are the per-destination thresholds: F consecutive failures
// open the circuit, after T the single probe is allowed, S consecutive probe
// successes close it again.
type BreakerParams struct {
	FailureThreshold int           // F
	OpenTimeout      time.Duration // T
	SuccessThreshold int           // S
}

// DefaultBreakerParams returns the thresholds used when the daemon
// configuration does not override them.
func DefaultBreakerParams() BreakerParams {
	return BreakerParams{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		SuccessThreshold: 2,
	}
}

type circuit struct {
	params               BreakerParams
	state                int
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	probing              bool // half-open probe handed out, not yet resolved
}

// CircuitBreaker tracks destination health. Transitions are atomic per
// destination and reported to the audit trail.
type CircuitBreaker struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	defaults BreakerParams
	audit    *audit.Log
}

// NewCircuitBreaker creates a breaker with default thresholds for every
// destination not explicitly configured via Configure.
func NewCircuitBreaker(defaults BreakerParams, auditLog *audit.Log) *CircuitBreaker {
	return &CircuitBreaker{
		circuits: make(map[string]*circuit),
		defaults: defaults,
		audit:    auditLog,
	}
}

// Configure sets destination-specific thresholds.
func (b *CircuitBreaker) Configure(destination string, params BreakerParams) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.circuits[destination] = &circuit{params: params, state: CircuitClosed}
}

func (b *CircuitBreaker) circuitFor(destination string) *circuit {
	c, ok := b.circuits[destination]
	if !ok {
		c = &circuit{params: b.defaults, state: CircuitClosed}
		b.circuits[destination] = c
	}
	return c
}

// Allow reports whether a send to the destination may be attempted now. In
// OPEN state it refuses until the open timeout elapses, then moves to
// HALF_OPEN and hands out exactly one probe; further calls refuse until that
// probe resolves through Success or Failure.
func (b *CircuitBreaker) Allow(destination string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuitFor(destination)
	switch c.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(c.openedAt) < c.params.OpenTimeout {
			return false
		}
		b.transition(destination, c, CircuitHalfOpen)
		c.consecutiveSuccesses = 0
		c.probing = true
		return true
	case CircuitHalfOpen:
		if c.probing {
			return false
		}
		c.probing = true
		return true
	}
	return false
}

// IsOpen reports whether the destination refuses sends right now: the
// circuit is OPEN and the probe window has not yet opened. Unlike Allow it
// has no side effects, so the scheduler can skip a whole batch with it
// without consuming the half-open probe. Once the open timeout elapses it
// returns false even though State is still OPEN, because the next Allow
// will hand out a probe.
func (b *CircuitBreaker) IsOpen(destination string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuitFor(destination)
	return c.state == CircuitOpen && time.Since(c.openedAt) < c.params.OpenTimeout
}

// Success records a successful send.
func (b *CircuitBreaker) Success(destination string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuitFor(destination)
	switch c.state {
	case CircuitClosed:
		c.consecutiveFailures = 0
	case CircuitHalfOpen:
		c.probing = false
		c.consecutiveSuccesses++
		if c.consecutiveSuccesses >= c.params.SuccessThreshold {
			b.transition(destination, c, CircuitClosed)
			c.consecutiveFailures = 0
			c.consecutiveSuccesses = 0
		}
	case CircuitOpen:
		// A straggler from before the circuit opened; ignore.
	}
}

// Failure records a failed send.
func (b *CircuitBreaker) Failure(destination string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuitFor(destination)
	switch c.state {
	case CircuitClosed:
		c.consecutiveFailures++
		if c.consecutiveFailures >= c.params.FailureThreshold {
			b.transition(destination, c, CircuitOpen)
			c.openedAt = time.Now()
		}
	case CircuitHalfOpen:
		c.probing = false
		b.transition(destination, c, CircuitOpen)
		c.openedAt = time.Now()
	case CircuitOpen:
	}
}

// State returns the current state of a destination circuit.
func (b *CircuitBreaker) State(destination string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.circuitFor(destination).state
}

// Reset forces a destination circuit back to CLOSED. Admin operation.
func (b *CircuitBreaker) Reset(destination string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuitFor(destination)
	if c.state != CircuitClosed {
		b.transition(destination, c, CircuitClosed)
	}
	c.consecutiveFailures = 0
	c.consecutiveSuccesses = 0
	c.probing = false
}

// transition flips the state and reports it. Callers hold the lock.
func (b *CircuitBreaker) transition(destination string, c *circuit, to int) {
	from := c.state
	c.state = to
	log.Warnw("circuit breaker transition",
		"destination", destination,
		"from", CircuitStateName(from),
		"to", CircuitStateName(to))
	if b.audit != nil {
		b.audit.MustWrite("breaker", nil,
			destination+" "+CircuitStateName(from)+" -> "+CircuitStateName(to))
	}
}
