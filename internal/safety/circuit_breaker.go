// Package safety protects venues from the engine: a token bucket per venue
// connection, a circuit breaker per venue and pre-flight order checks.
package safety

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Call while the breaker rejects calls
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig holds configuration for a circuit breaker
type CircuitBreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold" json:"failure_threshold"` // consecutive venue failures before opening
	Cooldown         time.Duration `yaml:"cooldown" json:"cooldown"`                   // open time before a probe is let through
}

// CircuitBreaker stops calling a venue that keeps failing. While half-open
// exactly one probe call is in flight; its outcome closes or reopens the
// breaker.
type CircuitBreaker struct {
	name string
	cfg  CircuitBreakerConfig
	now  func() time.Time

	mu          sync.Mutex
	state       CircuitBreakerState
	consecutive uint32
	probing     bool
	openedAt    time.Time
	opens       uint64
	rejected    uint64
	lastErr     string
	onChange    func(name string, from, to CircuitBreakerState)
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &CircuitBreaker{name: name, cfg: cfg, now: time.Now}
}

// SetStateChangeCallback registers fn for state changes. It runs on its own
// goroutine.
func (cb *CircuitBreaker) SetStateChangeCallback(fn func(name string, from, to CircuitBreakerState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onChange = fn
}

// Call executes fn unless the breaker is open. isFailure decides which
// errors count against the venue; a nil isFailure counts every error.
func (cb *CircuitBreaker) Call(fn func() error, isFailure func(error) bool) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn()
	failed := err != nil && (isFailure == nil || isFailure(err))
	cb.settle(probe, failed, err)
	return err
}

func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.Cooldown {
			cb.rejected++
			return false, ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
	}

	if cb.probing {
		cb.rejected++
		return false, ErrCircuitOpen
	}
	cb.probing = true
	return true, nil
}

func (cb *CircuitBreaker) settle(probe, failed bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.probing = false
	}
	if !failed {
		cb.consecutive = 0
		if cb.state == StateHalfOpen {
			cb.transition(StateClosed)
		}
		return
	}

	cb.consecutive++
	cb.lastErr = err.Error()
	if probe || cb.state == StateOpen || cb.consecutive >= cb.cfg.FailureThreshold {
		cb.openedAt = cb.now()
		if cb.state != StateOpen {
			cb.opens++
		}
		cb.transition(StateOpen)
	}
}

func (cb *CircuitBreaker) transition(to CircuitBreakerState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.onChange != nil {
		go cb.onChange(cb.name, from, to)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CircuitBreakerStats is a point-in-time view of a breaker
type CircuitBreakerStats struct {
	Name                string
	State               CircuitBreakerState
	ConsecutiveFailures uint32
	Opens               uint64 // times the breaker tripped
	Rejected            uint64 // calls refused while open or probing
	LastError           string
	OpenedAt            time.Time
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		Name:                cb.name,
		State:               cb.state,
		ConsecutiveFailures: cb.consecutive,
		Opens:               cb.opens,
		Rejected:            cb.rejected,
		LastError:           cb.lastErr,
		OpenedAt:            cb.openedAt,
	}
}
