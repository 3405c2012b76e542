// Package resilience retries and circuit-breaks calls to external services.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState is the state of a CircuitBreaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrCircuitOpen is returned without calling through while the breaker is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls when the breaker opens and how long it stays
// open.
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before one probe is let
	// through.
	Cooldown time.Duration
	// Trips decides which errors count as failures. Defaults to any error.
	Trips func(err error) bool
	// OnStateChange observes transitions.
	OnStateChange func(from, to CircuitState)
}

// CircuitFromConfig builds a breaker config from config-file integers. Zero
// values keep the defaults.
func CircuitFromConfig(failureThreshold, cooldownSecs int) CircuitBreakerConfig {
	cfg := CircuitBreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second}
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if cooldownSecs > 0 {
		cfg.Cooldown = time.Duration(cooldownSecs) * time.Second
	}
	return cfg
}

// CircuitBreaker stops calling a failing dependency until a cooldown passes,
// then lets a single probe decide whether to close again.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool

	now func() time.Time
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Trips == nil {
		cfg.Trips = func(err error) bool { return err != nil }
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := ExecuteVal(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteVal is Execute for functions that return a value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.admit(); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	cb.record(err)
	if err != nil {
		return zero, err
	}
	return val, nil
}

// State reports the current state. An open breaker whose cooldown has passed
// reports half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.Cooldown {
		return CircuitHalfOpen
	}
	return cb.state
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.probing = false
	cb.setState(CircuitClosed)
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.Cooldown {
			return ErrCircuitOpen
		}
		cb.setState(CircuitHalfOpen)
		cb.probing = true
		return nil
	case CircuitHalfOpen:
		// One probe at a time.
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen {
		cb.probing = false
	}
	if err == nil || !cb.cfg.Trips(err) {
		cb.failures = 0
		cb.setState(CircuitClosed)
		return
	}

	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
		cb.openedAt = cb.now()
		cb.setState(CircuitOpen)
	}
}

func (cb *CircuitBreaker) setState(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}
