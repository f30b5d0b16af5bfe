package fetch

import (
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-ingest/internal/metrics"
)

// State is a circuit breaker state.
type State string

// Circuit states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// BreakerConfig tunes the source's circuit breaker.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int `mapstructure:"failure_threshold"`
	// ResetTimeout is how long the circuit stays open before one probe.
	ResetTimeout time.Duration `mapstructure:"reset_timeout"`
	// Interval clears closed-state counts periodically. Zero never clears.
	Interval time.Duration `mapstructure:"interval"`
}

// DefaultBreakerConfig returns the thresholds used when a source sets none.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		Interval:         60 * time.Second,
	}
}

// Breaker guards a source. Open fails fast, half-open admits exactly one
// probe, and a single probe outcome closes or reopens the circuit.
type Breaker struct {
	source string
	cb     *gobreaker.CircuitBreaker[Result]
}

// NewBreaker builds a Breaker for source.
func NewBreaker(source string, cfg BreakerConfig, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	threshold := uint32(cfg.FailureThreshold)
	settings := gobreaker.Settings{
		Name:        source,
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return !countsAsFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit state changed",
				zap.String("source", name),
				zap.String("from", string(convertState(from))),
				zap.String("to", string(convertState(to))),
			)
			metrics.SetCircuitState(name, gaugeValue(convertState(to)))
		},
	}
	metrics.SetCircuitState(source, metrics.CircuitClosed)
	return &Breaker{source: source, cb: gobreaker.NewCircuitBreaker[Result](settings)}
}

// State reports the current state, moving Open to HalfOpen once the reset
// timeout has passed.
func (b *Breaker) State() State {
	return convertState(b.cb.State())
}

// Allow reports whether a request may be attempted right now.
func (b *Breaker) Allow() error {
	if b.State() == StateOpen {
		return &CircuitOpenError{Source: b.source}
	}
	return nil
}

// Execute runs fn through the breaker.
func (b *Breaker) Execute(fn func() (Result, error)) (Result, error) {
	res, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Result{}, &CircuitOpenError{Source: b.source}
	}
	return res, err
}

func convertState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func gaugeValue(s State) int {
	switch s {
	case StateOpen:
		return metrics.CircuitOpen
	case StateHalfOpen:
		return metrics.CircuitHalfOpen
	default:
		return metrics.CircuitClosed
	}
}
