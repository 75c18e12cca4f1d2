package engine

import (
	"sync"
	"time"

	"github.com/rendis/flowchat/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	// Zero disables the breaker.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of test requests allowed in half-open state.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns the configuration used for the chat
// completion collaborator.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// CircuitBreaker tracks consecutive failures of one collaborator and rejects
// calls while it is considered down, so a dead model endpoint fails nodes
// fast instead of holding workers for the full request timeout.
type CircuitBreaker struct {
	mu                  sync.Mutex
	name                string
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              CircuitBreakerConfig
	now                 func() time.Time
}

// NewCircuitBreaker creates a closed breaker for the named collaborator.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreaker{
		name:   name,
		state:  CircuitClosed,
		config: config,
		now:    time.Now,
	}
}

// Allow checks whether a call is allowed. Returns nil if allowed, or a
// COLLABORATOR_ERROR if the circuit is open.
func (cb *CircuitBreaker) Allow() error {
	if cb.config.FailureThreshold <= 0 {
		return nil
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := cb.now().Sub(cb.lastFailureTime)
		if elapsed >= cb.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this request counts as the first test request
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCollaborator,
			"%s unavailable: circuit open after %d consecutive failures", cb.name, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"collaborator":         cb.name,
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"cooldown_remaining":   (cb.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= cb.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCollaborator,
				"%s unavailable: circuit half-open, max test requests reached", cb.name)
		}
		cb.halfOpenAttempts++
		return nil
	}

	return nil
}

// RecordSuccess closes the circuit and resets the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure records a failed call. Returns the new circuit state.
func (cb *CircuitBreaker) RecordFailure() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = cb.now()

	if cb.config.FailureThreshold <= 0 {
		return cb.state
	}

	if cb.state == CircuitHalfOpen {
		// Any failure in half-open reopens the circuit.
		cb.state = CircuitOpen
		return CircuitOpen
	}

	if cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
		return CircuitOpen
	}

	return cb.state
}

// State returns the current state of the circuit.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.now().Sub(cb.lastFailureTime) >= cb.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}

	return cb.state
}

// Stats returns diagnostic information about the breaker.
func (cb *CircuitBreaker) Stats() map[string]any {
	state := cb.State()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]any{
		"collaborator":         cb.name,
		"state":                state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    cb.config.FailureThreshold,
		"cooldown":             cb.config.Cooldown.String(),
	}
}
