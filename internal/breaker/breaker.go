// Package breaker implements the three-state circuit breaker (spec §4.2)
// around sony/gobreaker. The teacher has no breaker of its own; this is
// enrichment from the wider retrieval pack (jordigilh-kubernaut's go.mod and
// test suites exercise gobreaker.Settings with ReadyToTrip/OnStateChange in
// exactly this shape).
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrUpstreamUnavailable is returned when the breaker is open (spec §7
// "upstream_unavailable").
var ErrUpstreamUnavailable = errors.New("upstream_unavailable")

// ClientError marks an error as non-retriable (spec §4.2: "client errors
// (4xx equivalent) count as failures but are not retried").
type ClientError struct{ Err error }

func (e *ClientError) Error() string { return e.Err.Error() }
func (e *ClientError) Unwrap() error { return e.Err }

// AsClientError wraps err so the breaker counts it as a failure without the
// caller retrying it.
func AsClientError(err error) error {
	if err == nil {
		return nil
	}
	return &ClientError{Err: err}
}

// Breaker wraps gobreaker.CircuitBreaker with the spec's naming, zap logging
// of state changes, and an optional Config.OnStateChange callback.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// Config parameterizes the breaker per spec §4.2.
type Config struct {
	Name             string
	FailureThreshold uint32
	OpenFor          time.Duration
	OnStateChange    func(name string, from, to State)
	Logger           *zap.Logger
}

// State mirrors gobreaker's three states under spec naming.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func fromGobreakerState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// New creates a Breaker. closed -> open when consecutive failures reach
// FailureThreshold; open -> half-open after OpenFor elapses; half-open ->
// closed on the next success, half-open -> open (resetting OpenFor) on the
// next failure.
func New(cfg Config) *Breaker {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	openFor := cfg.OpenFor
	if openFor <= 0 {
		openFor = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:    cfg.Name,
		Timeout: openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", fromGobreakerState(from).String()),
				zap.String("to", fromGobreakerState(to).String()),
			)
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, fromGobreakerState(from), fromGobreakerState(to))
			}
		},
	}

	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	return fromGobreakerState(b.cb.State())
}

// CanAttempt reports whether a call would currently be allowed through,
// without actually making one. Only false while open and before the open_for
// expiry.
func (b *Breaker) CanAttempt() bool {
	return b.State() != StateOpen
}

// Execute runs fn through the breaker. If the breaker is open, fn is never
// called and ErrUpstreamUnavailable is returned. A *ClientError result
// still counts as a breaker failure but is returned to the caller unwrapped
// so it is recognizable as non-retriable.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrUpstreamUnavailable
	}
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Err
	}
	return err
}

// Counts exposes gobreaker's raw counters for health/metrics reporting.
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}
