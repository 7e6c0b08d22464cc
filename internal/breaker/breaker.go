// Package breaker guards calls to an external endpoint with a circuit
// breaker. It wraps sony/gobreaker: CLOSED counts failures within a rolling
// interval, OPEN fails fast until the reset timeout, HALF_OPEN admits a
// single trial call (gobreaker's own race-free gate).
//
// State lives in process memory only. After a restart the breaker is CLOSED
// again, and in a multi-instance deployment each instance trips on its own.
package breaker

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrOpen is returned without attempting the call while the breaker denies
// traffic (open, or half-open with the trial slot already taken).
var ErrOpen = errors.New("circuit breaker open")

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes one breaker instance.
type Config struct {
	// FailureThreshold is the consecutive failure count that opens the circuit.
	FailureThreshold uint32
	// Interval is the rolling window after which the closed-state counters reset.
	Interval time.Duration
	// ResetTimeout is how long the circuit stays open before the half-open trial.
	ResetTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 3
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	return c
}

// Breaker is an explicit owned state object, one per downstream endpoint.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

func New(name string, cfg Config, logger *zap.Logger) *Breaker {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn through the breaker. Denied calls return ErrOpen; fn's own
// error passes through unchanged and counts as a failure.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

func (b *Breaker) State() State {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
