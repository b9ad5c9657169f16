package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without invoking the wrapped operation while the circuit is open.
var ErrCircuitOpen = errors.New("Circuit breaker is OPEN")

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int32

const (
	StateClosed CircuitBreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// HalfOpenPolicy decides what a failure during HALF_OPEN does.
type HalfOpenPolicy int

const (
	// ReopenImmediately sends the circuit back to OPEN on the first HALF_OPEN failure.
	ReopenImmediately HalfOpenPolicy = iota
	// AccumulateToThreshold counts HALF_OPEN failures toward Threshold like CLOSED does.
	AccumulateToThreshold
)

// CircuitBreakerConfig defines configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the circuit
	Threshold int

	// Timeout is how long to wait before transitioning from Open to Half-Open
	Timeout time.Duration

	// HalfOpenRequests is the number of consecutive successes needed in Half-Open to go to Closed
	HalfOpenRequests int

	// HalfOpenPolicy controls failures observed while Half-Open
	HalfOpenPolicy HalfOpenPolicy

	// OnStateChange is called after every transition, outside the breaker lock
	OnStateChange func(name string, from, to CircuitBreakerState)
}

// DefaultCircuitBreakerConfig returns a default configuration
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Threshold:        5,
		Timeout:          60 * time.Second,
		HalfOpenRequests: 3,
		HalfOpenPolicy:   ReopenImmediately,
	}
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	def := DefaultCircuitBreakerConfig()
	if c.Threshold <= 0 {
		c.Threshold = def.Threshold
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.HalfOpenRequests <= 0 {
		c.HalfOpenRequests = def.HalfOpenRequests
	}
	return c
}

// CircuitBreaker implements the circuit breaker pattern for a single endpoint.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	now    func() time.Time

	mu              sync.Mutex
	state           CircuitBreakerState
	failures        int
	successes       int
	lastFailureTime time.Time
}

type transition struct {
	from, to CircuitBreakerState
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return NewNamedCircuitBreaker("", config)
}

// NewNamedCircuitBreaker creates a circuit breaker whose name is passed to OnStateChange.
func NewNamedCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		config: config.withDefaults(),
		now:    time.Now,
		state:  StateClosed,
	}
}

// Name returns the endpoint key the breaker guards.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute wraps a function call with circuit breaker logic
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) notify(changes []transition) {
	if cb.config.OnStateChange == nil {
		return
	}
	for _, t := range changes {
		cb.config.OnStateChange(cb.name, t.from, t.to)
	}
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(to CircuitBreakerState, changes []transition) []transition {
	from := cb.state
	if from == to {
		return changes
	}
	cb.state = to
	switch to {
	case StateClosed, StateHalfOpen:
		cb.failures = 0
		cb.successes = 0
	case StateOpen:
		cb.successes = 0
		cb.lastFailureTime = cb.now()
	}
	return append(changes, transition{from, to})
}

// beforeRequest checks if the request should be allowed
func (cb *CircuitBreaker) beforeRequest() error {
	var changes []transition
	cb.mu.Lock()
	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastFailureTime) < cb.config.Timeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		changes = cb.setState(StateHalfOpen, changes)
	}
	cb.mu.Unlock()
	cb.notify(changes)
	return nil
}

func (cb *CircuitBreaker) afterRequest(err error) {
	if err != nil && errors.Is(err, context.Canceled) {
		return
	}
	var changes []transition
	cb.mu.Lock()
	if err == nil {
		changes = cb.onSuccess(changes)
	} else {
		changes = cb.onFailure(changes)
	}
	cb.mu.Unlock()
	cb.notify(changes)
}

func (cb *CircuitBreaker) onSuccess(changes []transition) []transition {
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.HalfOpenRequests {
			changes = cb.setState(StateClosed, changes)
		}
	}
	return changes
}

func (cb *CircuitBreaker) onFailure(changes []transition) []transition {
	cb.failures++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.Threshold {
			changes = cb.setState(StateOpen, changes)
		}
	case StateHalfOpen:
		cb.successes = 0
		if cb.config.HalfOpenPolicy == ReopenImmediately || cb.failures >= cb.config.Threshold {
			changes = cb.setState(StateOpen, changes)
		}
	}
	return changes
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current failure count
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Successes returns the current probe success count (only relevant in half-open state)
func (cb *CircuitBreaker) Successes() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.successes
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	var changes []transition
	cb.mu.Lock()
	changes = cb.setState(StateClosed, changes)
	cb.failures = 0
	cb.successes = 0
	cb.lastFailureTime = time.Time{}
	cb.mu.Unlock()
	cb.notify(changes)
}

// CircuitBreakerStats is a point in time copy of the breaker counters
type CircuitBreakerStats struct {
	State           CircuitBreakerState
	Failures        int
	Successes       int
	LastFailureTime time.Time
}

// Stats returns current statistics
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		State:           cb.state,
		Failures:        cb.failures,
		Successes:       cb.successes,
		LastFailureTime: cb.lastFailureTime,
	}
}
