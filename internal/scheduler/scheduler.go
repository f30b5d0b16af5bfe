// Package scheduler runs every configured source on its own interval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/listing-ingest/internal/scraper"
)

// Source is one scrape pipeline.
type Source interface {
	Name() string
	Scrape(ctx context.Context) (scraper.Report, error)
}

// Entry schedules a source every Interval.
type Entry struct {
	Source   Source
	Interval time.Duration
}

// Outcome is the latest cycle of one source.
type Outcome struct {
	Report scraper.Report
	Err    error
	At     time.Time
}

// Scheduler fans scrape cycles out to one goroutine per source. A failing
// source never stops the others.
type Scheduler struct {
	entries []Entry
	drain   time.Duration
	logger  *zap.Logger

	mu       sync.RWMutex
	outcomes map[string]Outcome
}

// New builds a Scheduler. drain bounds how long in-flight cycles may keep
// running after Run's context ends; zero cancels them immediately.
func New(entries []Entry, drain time.Duration, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	seen := make(map[string]bool, len(entries))
	for i, e := range entries {
		if e.Source == nil {
			return nil, fmt.Errorf("entry %d: source is required", i)
		}
		if e.Interval <= 0 {
			return nil, fmt.Errorf("source %s: interval must be > 0", e.Source.Name())
		}
		if seen[e.Source.Name()] {
			return nil, fmt.Errorf("source %s is scheduled twice", e.Source.Name())
		}
		seen[e.Source.Name()] = true
	}
	return &Scheduler{
		entries:  entries,
		drain:    drain,
		logger:   logger.Named("scheduler"),
		outcomes: make(map[string]Outcome, len(entries)),
	}, nil
}

// Run scrapes each source immediately and then on its interval until ctx is
// done. No cycle starts after that; running cycles get the drain period to
// finish before their context is cancelled. Run returns once all have ended.
func (s *Scheduler) Run(ctx context.Context) error {
	work, cancel := s.workContext(ctx)
	defer cancel()

	var g errgroup.Group
	for _, e := range s.entries {
		g.Go(func() error {
			ticker := time.NewTicker(e.Interval)
			defer ticker.Stop()
			for {
				if ctx.Err() != nil {
					return nil
				}
				_ = s.runOnce(work, e.Source)
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}
	err := g.Wait()
	s.logger.Info("scheduler stopped")
	return err
}

// RunOnce scrapes every source once, concurrently, and joins their errors.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var g errgroup.Group
	errs := make([]error, len(s.entries))
	for i, e := range s.entries {
		g.Go(func() error {
			if err := s.runOnce(ctx, e.Source); err != nil {
				errs[i] = fmt.Errorf("%s: %w", e.Source.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Outcomes returns the latest cycle per source name.
func (s *Scheduler) Outcomes() map[string]Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Outcome, len(s.outcomes))
	for k, v := range s.outcomes {
		out[k] = v
	}
	return out
}

// Healthy fails when every source that has run failed its latest cycle.
func (s *Scheduler) Healthy(context.Context) error {
	outcomes := s.Outcomes()
	if len(outcomes) == 0 {
		return nil
	}
	var errs []error
	for name, o := range outcomes {
		if o.Err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, o.Err))
	}
	return errors.Join(errs...)
}

func (s *Scheduler) runOnce(ctx context.Context, src Source) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	start := time.Now()
	rep, err := src.Scrape(ctx)
	s.mu.Lock()
	s.outcomes[src.Name()] = Outcome{Report: rep, Err: err, At: time.Now()}
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("scrape cycle failed",
			zap.String("source", src.Name()),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
	}
	return err
}

// workContext outlives ctx by the drain period.
func (s *Scheduler) workContext(ctx context.Context) (context.Context, context.CancelFunc) {
	work, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		if s.drain <= 0 {
			cancel()
			return
		}
		timer := time.AfterFunc(s.drain, cancel)
		context.AfterFunc(work, func() { timer.Stop() })
	})
	return work, func() {
		stop()
		cancel()
	}
}
