package genclient

import (
	"sync"
	"time"
)

type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker is the shared per-endpoint circuit state machine. All
// conversations hitting the same endpoint share one instance; every
// transition happens under the mutex and no lock is held across I/O.
//
// Closed counts consecutive transient failures; crossing the threshold
// opens the circuit. While open, calls fail fast until the cool-down
// elapses, at which point exactly one trial call is let through
// (half-open). The trial's outcome closes or re-opens the circuit; the
// open->closed path never skips half-open. The cool-down doubles on
// every trip, capped, and resets on a successful close.
type Breaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	threshold   int
	cooldown    time.Duration
	cooldownMin time.Duration
	cooldownMax time.Duration
	nextProbe   time.Time
	probing     bool

	now func() time.Time
}

func NewBreaker(threshold int, cooldown, cooldownMax time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if cooldownMax < cooldown {
		cooldownMax = cooldown
	}
	return &Breaker{
		threshold:   threshold,
		cooldown:    cooldown,
		cooldownMin: cooldown,
		cooldownMax: cooldownMax,
		now:         time.Now,
	}
}

// Allow reports whether a call may proceed. It returns ErrCircuitOpen
// without any network attempt while the circuit is open or a half-open
// trial is already in flight.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	default: // StateOpen
		if b.now().Before(b.nextProbe) {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probing = true
		return nil
	}
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.cooldown = b.cooldownMin
	}
	b.failures = 0
	b.probing = false
}

// Failure records a transient failure and opens the circuit when the
// consecutive-failure threshold is crossed. A half-open trial failure
// re-opens immediately.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probing = false
		b.trip()
		return
	}

	b.failures++
	if b.state == StateClosed && b.failures >= b.threshold {
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.nextProbe = b.now().Add(b.cooldown)
	b.cooldown *= 2
	if b.cooldown > b.cooldownMax {
		b.cooldown = b.cooldownMax
	}
}

// State returns the stored mode. The open to half-open transition on
// cool-down expiry happens in Allow, not here.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the rolling consecutive transient-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
