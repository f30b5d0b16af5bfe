package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/listing-ingest/internal/metrics"
)

// RateLimit configures the token reservoir shared by one source's fetches.
type RateLimit struct {
	RequestsPerWindow int           `mapstructure:"requests_per_window"`
	Window            time.Duration `mapstructure:"window"`
	MaxConcurrent     int           `mapstructure:"max_concurrent"`
}

// Validate reports the first field that cannot drive a limiter.
func (r RateLimit) Validate() error {
	switch {
	case r.RequestsPerWindow <= 0:
		return errors.New("requests_per_window must be > 0")
	case r.Window <= 0:
		return errors.New("window must be > 0")
	case r.MaxConcurrent <= 0:
		return errors.New("max_concurrent must be > 0")
	}
	return nil
}

// Limiter holds RequestsPerWindow tokens, refilled one at a time every
// Window/RequestsPerWindow, and caps in-flight requests at MaxConcurrent.
type Limiter struct {
	source   string
	window   time.Duration
	tokens   *rate.Limiter
	inFlight *semaphore.Weighted
}

// NewLimiter builds a Limiter for one source.
func NewLimiter(source string, cfg RateLimit) *Limiter {
	every := cfg.Window / time.Duration(cfg.RequestsPerWindow)
	return &Limiter{
		source:   source,
		window:   cfg.Window,
		tokens:   rate.NewLimiter(rate.Every(every), cfg.RequestsPerWindow),
		inFlight: semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
}

// Acquire suspends until a token and a concurrency slot are free. Waiting for
// the token is bounded by one window; past that it fails with RateLimitError.
// The returned release must be called once the request finishes.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, l.window)
	err := l.tokens.Wait(waitCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("rate limit wait: %w", ctx.Err())
		}
		return nil, &RateLimitError{Source: l.source, Waited: time.Since(start)}
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(l.source, waited)
	}
	if err := l.inFlight.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("concurrency wait: %w", err)
	}
	return func() { l.inFlight.Release(1) }, nil
}
