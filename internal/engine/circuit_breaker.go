package engine

import (
	"context"
	"sync"
	"time"

	"github.com/tessen/flowcore/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitOpen                         // failing, rejecting calls
	CircuitHalfOpen                     // testing recovery
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

// CircuitBreakerConfig configures breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before half-open.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of half-open successes that close the circuit.
	SuccessThreshold int
}

// DefaultCircuitBreakerConfig returns the standard configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
	}
}

// circuitBreaker tracks failure state for a single target.
type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	halfOpenSuccesses   int
	lastFailureTime     time.Time
	config              CircuitBreakerConfig
}

// CircuitBreakerRegistry manages per-target circuit breakers. Targets are
// typically upstream hosts for apiCall steps.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
}

// NewCircuitBreakerRegistry creates a registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = DefaultCircuitBreakerConfig().ResetTimeout
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultCircuitBreakerConfig().SuccessThreshold
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
	}
}

// AllowRequest checks whether a call to the target is admitted.
// Returns nil if allowed, or an EngineError with CIRCUIT_OPEN.
func (r *CircuitBreakerRegistry) AllowRequest(target string) error {
	cb := r.getOrCreate(target)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.ResetTimeout {
			cb.state = CircuitHalfOpen
			cb.halfOpenSuccesses = 0
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for %q after %d consecutive failures", target, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"target":               target,
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"reset_remaining":      (cb.config.ResetTimeout - time.Since(cb.lastFailureTime)).String(),
			})

	case CircuitHalfOpen:
		return nil
	}

	return nil
}

// RecordSuccess records a successful call against the target.
func (r *CircuitBreakerRegistry) RecordSuccess(target string) {
	cb := r.getOrCreate(target)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	if cb.state == CircuitHalfOpen {
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.config.SuccessThreshold {
			cb.state = CircuitClosed
			cb.halfOpenSuccesses = 0
		}
		return
	}
	cb.state = CircuitClosed
}

// RecordFailure records a failed call and returns the new state.
func (r *CircuitBreakerRegistry) RecordFailure(target string) CircuitState {
	cb := r.getOrCreate(target)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	if cb.state == CircuitHalfOpen {
		// Any half-open failure reopens the circuit.
		cb.state = CircuitOpen
		cb.halfOpenSuccesses = 0
		return CircuitOpen
	}

	if cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
		return CircuitOpen
	}

	return cb.state
}

// GetState returns the current state for a target, applying the
// open → half-open transition when the reset timeout has elapsed.
func (r *CircuitBreakerRegistry) GetState(target string) CircuitState {
	cb := r.getOrCreate(target)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.lastFailureTime) >= cb.config.ResetTimeout {
		cb.state = CircuitHalfOpen
		cb.halfOpenSuccesses = 0
	}
	return cb.state
}

// Guard admits the call through the breaker, bounds it with timeout when
// positive, and records the outcome. Timeouts count as failures.
func (r *CircuitBreakerRegistry) Guard(ctx context.Context, target string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if err := r.AllowRequest(target); err != nil {
		return err
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := fn(callCtx)
	if err == nil && callCtx.Err() == context.DeadlineExceeded {
		err = schema.NewErrorf(schema.ErrCodeTimeout, "call to %q timed out after %s", target, timeout)
	}
	if err != nil {
		r.RecordFailure(target)
		return err
	}
	r.RecordSuccess(target)
	return nil
}

// GetStats returns diagnostic information for a target's breaker.
func (r *CircuitBreakerRegistry) GetStats(target string) map[string]any {
	cb := r.getOrCreate(target)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"target":               target,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    cb.config.FailureThreshold,
		"reset_timeout":        cb.config.ResetTimeout.String(),
	}
}

func (r *CircuitBreakerRegistry) getOrCreate(target string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[target]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed, config: r.config}
		r.breakers[target] = cb
	}
	return cb
}
