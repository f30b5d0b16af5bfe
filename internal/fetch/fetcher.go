// Package fetch issues rate-limited, circuit-broken, retried GET requests
// against a single listing source.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-ingest/internal/metrics"
	"github.com/JakeFAU/listing-ingest/internal/retry"
)

// Config describes one source's fetch behavior.
type Config struct {
	Source    string
	URL       string
	HTTP      HTTPConfig
	RateLimit RateLimit
	Retry     retry.Policy
	Breaker   BreakerConfig
}

// Fetcher owns the limiter and breaker for one source. It is safe for
// concurrent use; concurrent calls share the same token reservoir and circuit.
type Fetcher struct {
	cfg       Config
	transport *Transport
	limiter   *Limiter
	breaker   *Breaker
	logger    *zap.Logger
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.URL == "" {
		return nil, errors.New("fetch url is required")
	}
	if err := cfg.RateLimit.Validate(); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("retry policy: %w", err)
	}
	transport, err := NewTransport(cfg.Source, cfg.HTTP)
	if err != nil {
		return nil, err
	}
	logger = logger.Named("fetch").With(zap.String("source", cfg.Source))
	return &Fetcher{
		cfg:       cfg,
		transport: transport,
		limiter:   NewLimiter(cfg.Source, cfg.RateLimit),
		breaker:   NewBreaker(cfg.Source, cfg.Breaker, logger),
		logger:    logger,
	}, nil
}

// CircuitState reports the breaker state.
func (f *Fetcher) CircuitState() State {
	return f.breaker.State()
}

// Fetch retrieves the source page. Failures are retried per the retry policy
// unless the circuit is open, the error is not transient or ctx is done.
func (f *Fetcher) Fetch(ctx context.Context) (Result, error) {
	var result Result
	err := retry.Do(ctx, f.cfg.Retry, Retryable, f.logRetry, func(ctx context.Context, _ int) error {
		res, err := f.attempt(ctx)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

func (f *Fetcher) attempt(ctx context.Context) (Result, error) {
	if err := f.breaker.Allow(); err != nil {
		metrics.ObserveFetchFailure(f.cfg.Source, "circuit_open")
		return Result{}, err
	}
	release, err := f.limiter.Acquire(ctx)
	if err != nil {
		metrics.ObserveFetchFailure(f.cfg.Source, failureKind(err))
		return Result{}, err
	}
	defer release()

	res, err := f.breaker.Execute(func() (Result, error) {
		start := time.Now()
		res, err := f.transport.Get(ctx, f.cfg.URL)
		latency := res.Latency
		if latency == 0 {
			latency = time.Since(start)
		}
		metrics.ObserveFetch(f.cfg.Source, res.Status, latency)
		if err != nil {
			return Result{}, err
		}
		if res.Status < 200 || res.Status > 299 {
			return Result{}, classifyStatus(f.cfg.Source, f.cfg.URL, f.transport.proxyLabel, res.Status)
		}
		return res, nil
	})
	if err != nil {
		metrics.ObserveFetchFailure(f.cfg.Source, failureKind(err))
		return Result{}, err
	}
	return res, nil
}

func (f *Fetcher) logRetry(attempt int, err error, delay time.Duration) {
	f.logger.Warn("fetch failed, retrying",
		zap.Int("attempt", attempt+1),
		zap.Duration("backoff", delay),
		zap.Error(err),
	)
}

func failureKind(err error) string {
	var (
		open  *CircuitOpenError
		proxy *ProxyError
		rl    *RateLimitError
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.As(err, &open):
		return "circuit_open"
	case errors.As(err, &proxy):
		return "proxy"
	case errors.As(err, &rl):
		return "rate_limit"
	default:
		return "network"
	}
}
