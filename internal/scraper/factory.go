// Package scraper builds and drives one scrape pipeline per source:
// fetch, parse, extract, validate, publish.
package scraper

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-ingest/internal/archive"
	"github.com/JakeFAU/listing-ingest/internal/dedupe"
	"github.com/JakeFAU/listing-ingest/internal/fetch"
	"github.com/JakeFAU/listing-ingest/internal/metrics"
	"github.com/JakeFAU/listing-ingest/internal/queue"
	"github.com/JakeFAU/listing-ingest/internal/record"
	"github.com/JakeFAU/listing-ingest/internal/validate"
)

// Lifecycle counter names reported through the metrics sink.
const (
	MetricCreated = "scraper_created_total"
	MetricErrors  = "scraper_errors_total"
	MetricActive  = "scraper_active"
)

// Deps are the collaborators shared by every scraper a Factory builds.
type Deps struct {
	Publisher queue.Publisher
	Logger    *zap.Logger
	Metrics   metrics.Sink
	Clock     validate.Clock
	IDs       validate.IDGenerator

	// HTTP holds the base request settings sources may override.
	HTTP fetch.HTTPConfig
	// Topic is used by sources that name none.
	Topic string

	// Dedupe is optional.
	Dedupe    dedupe.Store
	DedupeTTL time.Duration
	// Archive is optional.
	Archive       archive.Store
	ArchivePrefix string
}

// Counts is one kind's lifecycle snapshot.
type Counts struct {
	Created int64
	Active  int64
	Errors  int64
}

// Factory constructs scrapers and tracks their lifecycle per kind.
type Factory struct {
	deps   Deps
	logger *zap.Logger
	sink   metrics.Sink

	mu     sync.Mutex
	counts map[record.Kind]*Counts
}

// NewFactory validates deps and returns a Factory.
func NewFactory(deps Deps) (*Factory, error) {
	if deps.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.Dedupe != nil && deps.DedupeTTL <= 0 {
		deps.DedupeTTL = 24 * time.Hour
	}
	return &Factory{
		deps:   deps,
		logger: deps.Logger.Named("scraper"),
		sink:   deps.Metrics,
		counts: make(map[record.Kind]*Counts),
	}, nil
}

// Create validates opts, merges them over the kind defaults and returns an
// independent scraper with its own fetcher. Invalid options yield a
// *ConfigurationError and nothing is constructed.
func (f *Factory) Create(kind string, opts Options) (*Scraper, error) {
	cfg, ext, err := resolve(kind, opts, f.deps.HTTP, f.deps.Topic)
	if err != nil {
		var cerr *ConfigurationError
		if errors.As(err, &cerr) && cerr.Kind != "" {
			f.failed(record.Kind(cerr.Kind))
		}
		return nil, err
	}
	fetcher, err := fetch.New(cfg.Fetch, f.deps.Logger)
	if err != nil {
		f.failed(cfg.Kind)
		return nil, configErr(string(cfg.Kind), "fetch", err)
	}

	s := &Scraper{
		cfg:       cfg,
		fetcher:   fetcher,
		extractor: ext,
		validator: validate.New(cfg.Rules, f.deps.Clock, f.deps.IDs),
		publisher: f.deps.Publisher,
		dedupe:    f.deps.Dedupe,
		dedupeTTL: f.deps.DedupeTTL,
		archive:   f.deps.Archive,
		prefix:    f.deps.ArchivePrefix,
		factory:   f,
		logger:    f.logger.With(zap.String("source", cfg.Name), zap.String("kind", string(cfg.Kind))),
	}

	f.mu.Lock()
	c := f.countsLocked(cfg.Kind)
	c.Created++
	c.Active++
	f.mu.Unlock()
	f.sink.IncCounter(MetricCreated, map[string]string{"kind": string(cfg.Kind)})
	s.logger.Info("scraper created",
		zap.String("url", cfg.URL),
		zap.String("topic", cfg.Topic),
		zap.Duration("interval", cfg.Interval),
	)
	return s, nil
}

// Counts returns a snapshot of every kind seen so far.
func (f *Factory) Counts() map[record.Kind]Counts {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[record.Kind]Counts, len(f.counts))
	for k, c := range f.counts {
		out[k] = *c
	}
	return out
}

// Report publishes the lifecycle counts every interval until ctx is done.
func (f *Factory) Report(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.report()
		}
	}
}

func (f *Factory) report() {
	counts := f.Counts()
	kinds := make([]record.Kind, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	for _, k := range kinds {
		c := counts[k]
		f.sink.SetGauge(MetricActive, float64(c.Active), map[string]string{"kind": string(k)})
		f.logger.Info("scraper lifecycle",
			zap.String("kind", string(k)),
			zap.Int64("created", c.Created),
			zap.Int64("active", c.Active),
			zap.Int64("errors", c.Errors),
		)
	}
}

func (f *Factory) failed(kind record.Kind) {
	f.mu.Lock()
	f.countsLocked(kind).Errors++
	f.mu.Unlock()
	f.sink.IncCounter(MetricErrors, map[string]string{"kind": string(kind)})
}

func (f *Factory) released(kind record.Kind) {
	f.mu.Lock()
	f.countsLocked(kind).Active--
	f.mu.Unlock()
}

func (f *Factory) countsLocked(kind record.Kind) *Counts {
	c, ok := f.counts[kind]
	if !ok {
		c = &Counts{}
		f.counts[kind] = c
	}
	return c
}
