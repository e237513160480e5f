package events

import (
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/claimflow/internal/config"
)

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

// The numeric values match the claimflow_circuit_breaker_state gauge.
const (
	// BreakerClosed lets calls through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerHalfOpen lets probe calls through.
	BreakerHalfOpen
	// BreakerOpen rejects calls until the cool-down elapses.
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned by Allow while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// minErrorRateSamples is the minimum number of calls in a window before the
// error rate threshold is evaluated.
const minErrorRateSamples = 10

// Breaker guards one downstream sink. It trips on consecutive failures or on
// the error rate within a tumbling window. Safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
	cfg       config.CircuitBreakerConfig
	now       func() time.Time
	onChange  func(BreakerState)

	windowStart    time.Time
	windowTotal    int
	windowFailures int
}

// NewBreaker creates a breaker. onChange, if non-nil, is called with the new
// state whenever it changes, while the breaker's lock is held.
func NewBreaker(cfg config.CircuitBreakerConfig, onChange func(BreakerState)) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	b := &Breaker{
		state:    BreakerClosed,
		cfg:      cfg,
		now:      time.Now,
		onChange: onChange,
	}
	b.windowStart = b.now()
	return b
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()
	if b.state == BreakerOpen {
		return ErrCircuitOpen
	}
	return nil
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
		b.countWindow(false)
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.failures = 0
			b.successes = 0
			b.resetWindow()
			b.setState(BreakerClosed)
		}
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		b.countWindow(true)
		if b.failures >= b.cfg.FailureThreshold || b.errorRateExceeded() {
			b.trip()
		}
	case BreakerHalfOpen:
		b.trip()
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.successes = 0
	b.resetWindow()
	b.setState(BreakerOpen)
}

func (b *Breaker) maybeHalfOpen() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) > b.cfg.Timeout {
		b.successes = 0
		b.setState(BreakerHalfOpen)
	}
}

func (b *Breaker) setState(s BreakerState) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onChange != nil {
		b.onChange(s)
	}
}

func (b *Breaker) countWindow(failed bool) {
	if b.cfg.ErrorRateWindow <= 0 {
		return
	}
	if b.now().Sub(b.windowStart) > b.cfg.ErrorRateWindow {
		b.resetWindow()
	}
	b.windowTotal++
	if failed {
		b.windowFailures++
	}
}

func (b *Breaker) resetWindow() {
	b.windowStart = b.now()
	b.windowTotal = 0
	b.windowFailures = 0
}

func (b *Breaker) errorRateExceeded() bool {
	if b.cfg.ErrorRateThreshold <= 0 || b.cfg.ErrorRateWindow <= 0 {
		return false
	}
	if b.windowTotal < minErrorRateSamples {
		return false
	}
	return float64(b.windowFailures)/float64(b.windowTotal) >= b.cfg.ErrorRateThreshold
}
