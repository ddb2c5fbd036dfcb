// Package circuitbreaker stops calling a failing operation for a while after
// it has failed repeatedly.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	Closed Status = iota
	Open
	HalfOpen
)

// ErrOpen signals that the circuit is open and no attempt was made.
var ErrOpen = errors.New("circuit breaker is open")

type Status int

func (s Status) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type CircuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration
	clock        clock.Clock

	// mu guards failures, openedAt, status and probing.
	mu       sync.Mutex
	failures int
	openedAt time.Time
	status   Status
	// probing is set while the single half-open attempt is in flight.
	probing bool
}

// New returns a closed circuit that opens after maxFailures consecutive
// failures and allows one probe attempt once resetTimeout has passed. A nil
// clock selects the system clock.
func New(maxFailures int, resetTimeout time.Duration, clk clock.Clock) *CircuitBreaker {
	if clk == nil {
		clk = clock.New()
	}
	return &CircuitBreaker{
		maxFailures:  max(maxFailures, 1),
		resetTimeout: resetTimeout,
		clock:        clk,
	}
}

// Run calls attempt unless the circuit is open. Attempts run without holding
// the breaker lock, so concurrent callers are not serialised while closed.
// While half-open only one caller probes; the others get ErrOpen.
func (cb *CircuitBreaker) Run(attempt func() error) error {
	if !cb.admit() {
		return ErrOpen
	}
	err := attempt()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.status {
	case Open:
		if cb.clock.Since(cb.openedAt) < cb.resetTimeout {
			return false
		}
		cb.status = HalfOpen
		cb.probing = true
		return true
	case HalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	probe := cb.status == HalfOpen
	if probe {
		cb.probing = false
	}
	if err == nil {
		cb.status = Closed
		cb.failures = 0
		return
	}
	cb.failures++
	if probe || cb.failures >= cb.maxFailures {
		cb.status = Open
		cb.openedAt = cb.clock.Now()
	}
}

// GetStatus returns the current status of the CircuitBreaker.
func (cb *CircuitBreaker) GetStatus() Status {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.status
}
