// Package circuitbreaker stops calls to an external API that keeps failing
// and lets a few probes through once a cooldown has passed.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/indexnow-engine/internal/logging"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means the circuit is closed and requests are allowed
	StateClosed State = "closed"
	// StateOpen means the circuit is open and requests are blocked
	StateOpen State = "open"
	// StateHalfOpen means the circuit is testing if the service has recovered
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config configures a circuit breaker
type Config struct {
	Name string

	// ConsecutiveFailures opens the circuit. Default: 10.
	ConsecutiveFailures int

	// Cooldown is how long the circuit stays open before probing. Default: 30s.
	Cooldown time.Duration

	// HalfOpenProbes is how many successes in half-open close the circuit again. Default: 3.
	HalfOpenProbes int

	// IsFailure decides which errors count against the service.
	// Default: every non-nil error.
	IsFailure func(err error) bool

	Logger *logging.Logger
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	probes      int
	isFailure   func(err error) bool
	logger      *logging.Logger
	now         func() time.Time

	mu               sync.Mutex
	state            State
	consecutiveFails int
	probeSuccesses   int
	probesInFlight   int
	lastStateChange  time.Time
	opens            int
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(cfg Config) *CircuitBreaker {
	if cfg.ConsecutiveFailures <= 0 {
		cfg.ConsecutiveFailures = 10
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetGlobalLogger()
	}

	return &CircuitBreaker{
		name:            cfg.Name,
		maxFailures:     cfg.ConsecutiveFailures,
		cooldown:        cfg.Cooldown,
		probes:          cfg.HalfOpenProbes,
		isFailure:       cfg.IsFailure,
		logger:          cfg.Logger.WithField("circuit_breaker", cfg.Name),
		now:             time.Now,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn()
	cb.afterRequest(err)

	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastStateChange) < cb.cooldown {
			return ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		cb.logger.Info("Circuit breaker transitioning to half-open")
		fallthrough

	case StateHalfOpen:
		if cb.probesInFlight >= cb.probes {
			return ErrCircuitOpen
		}
		cb.probesInFlight++
	}

	return nil
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.probesInFlight > 0 {
		cb.probesInFlight--
	}

	if cb.isFailure(err) {
		cb.onFailure()
		return
	}
	cb.onSuccess()
}

func (cb *CircuitBreaker) onSuccess() {
	cb.consecutiveFails = 0

	if cb.state != StateHalfOpen {
		return
	}
	cb.probeSuccesses++
	if cb.probeSuccesses >= cb.probes {
		cb.setState(StateClosed)
		cb.logger.Info("Circuit breaker closed after successful recovery")
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.consecutiveFails++

	switch cb.state {
	case StateClosed:
		if cb.consecutiveFails >= cb.maxFailures {
			cb.setState(StateOpen)
			cb.opens++
			cb.logger.WithField("consecutive_failures", cb.consecutiveFails).Warn("Circuit breaker opened due to failures")
		}

	case StateHalfOpen:
		// Any failure in half-open state reopens the circuit
		cb.setState(StateOpen)
		cb.opens++
		cb.logger.Warn("Circuit breaker reopened after failure in half-open state")
	}
}

func (cb *CircuitBreaker) setState(state State) {
	cb.state = state
	cb.lastStateChange = cb.now()
	cb.probeSuccesses = 0
	cb.probesInFlight = 0
	if state == StateClosed {
		cb.consecutiveFails = 0
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	ConsecutiveFails int       `json:"consecutiveFails"`
	Opens            int       `json:"opens"`
	LastStateChange  time.Time `json:"lastStateChange"`
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Name:             cb.name,
		State:            cb.state,
		ConsecutiveFails: cb.consecutiveFails,
		Opens:            cb.opens,
		LastStateChange:  cb.lastStateChange,
	}
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed)
	cb.logger.Info("Circuit breaker manually reset")
}
