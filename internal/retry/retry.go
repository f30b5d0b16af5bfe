// Package retry runs operations under a bounded exponential backoff policy.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"
)

// Policy bounds how often and how long an operation is retried.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter spreads each delay uniformly over [delay/2, delay).
	Jitter bool
}

// DefaultPolicy is used for sources that configure no retry numbers.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// Validate reports the first field that cannot drive a backoff.
func (p Policy) Validate() error {
	switch {
	case p.MaxRetries < 0:
		return errors.New("max_retries must be >= 0")
	case p.BaseDelay <= 0:
		return errors.New("base_delay must be > 0")
	case p.MaxDelay < p.BaseDelay:
		return errors.New("max_delay must be >= base_delay")
	}
	return nil
}

// Backoff returns the wait before retry number attempt, counted from zero:
// min(BaseDelay * 2^attempt, MaxDelay).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	d := time.Duration(delay)
	if !p.Jitter {
		return d
	}
	return d/2 + randomJitter(d/2)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Permanent marks err as not worth retrying regardless of the classifier.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Classifier reports whether an error may succeed on a later attempt.
type Classifier func(error) bool

// Always treats every error except cancellation as retryable.
func Always(error) bool { return true }

// Notify is called before sleeping ahead of retry number attempt.
type Notify func(attempt int, err error, delay time.Duration)

// Do runs fn until it succeeds, the classifier rejects its error, retries run
// out or ctx is done. The last error from fn is returned unchanged apart from
// Permanent unwrapping. Cancellation is only observed between attempts.
func Do(ctx context.Context, p Policy, retryable Classifier, notify Notify, fn func(ctx context.Context, attempt int) error) error {
	if retryable == nil {
		retryable = Always
	}
	for attempt := 0; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if attempt >= p.MaxRetries || !retryable(err) {
			return err
		}
		delay := p.Backoff(attempt)
		if notify != nil {
			notify(attempt, err, delay)
		}
		if serr := Sleep(ctx, delay); serr != nil {
			return fmt.Errorf("retry after %w: %w", err, serr)
		}
	}
}

// Sleep waits for delay or until ctx is done.
func Sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
