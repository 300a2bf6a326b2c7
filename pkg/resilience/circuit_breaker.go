package resilience

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when the circuit breaker rejects a call
var ErrCircuitOpen = errors.New("circuit breaker is open")

// errCallerGone marks a failure caused by the caller's context, which says
// nothing about the dependency.
var errCallerGone = errors.New("caller context done")

// CircuitState represents the state of a circuit breaker
type CircuitState = gobreaker.State

const (
	CircuitClosed   = gobreaker.StateClosed
	CircuitHalfOpen = gobreaker.StateHalfOpen
	CircuitOpen     = gobreaker.StateOpen
)

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit
	FailureThreshold int
	// Cooldown is how long the circuit stays open before letting a probe through
	Cooldown time.Duration
	// OnStateChange, when set, is called after every transition
	OnStateChange func(name string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig suits a remote sink called a few times per run:
// three failed uploads in a row stop further attempts for ten minutes.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 3,
		Cooldown:         10 * time.Minute,
	}
}

// CircuitBreaker guards calls to a dependency that may be unavailable.
// In half-open state a single probe call is let through at a time.
type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewCircuitBreaker creates a new circuit breaker with the given name and config
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	threshold := uint32(1)
	if config.FailureThreshold > 0 {
		threshold = uint32(config.FailureThreshold)
	}
	return &CircuitBreaker{cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     config.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errCallerGone)
		},
		OnStateChange: config.OnStateChange,
	})}
}

// Name returns the breaker's name.
func (b *CircuitBreaker) Name() string {
	return b.cb.Name()
}

// State returns the current state of the circuit breaker
func (b *CircuitBreaker) State() CircuitState {
	return b.cb.State()
}

// Execute runs fn unless the circuit is open. A failure while ctx is done is
// returned as is and never trips the circuit.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := b.cb.Execute(func() (interface{}, error) {
		if err := fn(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, errors.Mark(err, errCallerGone)
			}
			return nil, err
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Wrapf(ErrCircuitOpen, "%s: %v", b.cb.Name(), err)
	}
	return err
}
