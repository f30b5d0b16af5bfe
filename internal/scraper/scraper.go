package scraper

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-ingest/internal/archive"
	"github.com/JakeFAU/listing-ingest/internal/dedupe"
	"github.com/JakeFAU/listing-ingest/internal/extract"
	"github.com/JakeFAU/listing-ingest/internal/fetch"
	"github.com/JakeFAU/listing-ingest/internal/metrics"
	"github.com/JakeFAU/listing-ingest/internal/parse"
	"github.com/JakeFAU/listing-ingest/internal/queue"
	"github.com/JakeFAU/listing-ingest/internal/record"
	"github.com/JakeFAU/listing-ingest/internal/retry"
	"github.com/JakeFAU/listing-ingest/internal/telemetry"
	"github.com/JakeFAU/listing-ingest/internal/validate"
)

// HeaderSourceURL carries the page a record was extracted from.
const HeaderSourceURL = "x-source-url"

// Report summarizes one scrape cycle.
type Report struct {
	Source        string
	Extracted     int
	Valid         int
	Invalid       int
	Published     int
	PublishFailed int
	Duplicates    int
	Archived      string
	Duration      time.Duration
}

// Scraper drives one source. Scrape may be called repeatedly; concurrent
// calls share the source's rate limiter and circuit.
type Scraper struct {
	cfg       Config
	fetcher   *fetch.Fetcher
	extractor extract.Extractor
	validator *validate.Validator
	publisher queue.Publisher
	dedupe    dedupe.Store
	dedupeTTL time.Duration
	archive   archive.Store
	prefix    string
	factory   *Factory
	logger    *zap.Logger
	closed    atomic.Bool
}

// Config returns the resolved configuration.
func (s *Scraper) Config() Config { return s.cfg }

// Name returns the source name.
func (s *Scraper) Name() string { return s.cfg.Name }

// CircuitState reports the fetcher's breaker state.
func (s *Scraper) CircuitState() fetch.State { return s.fetcher.CircuitState() }

// Close marks the scraper inactive. Later Scrape calls fail.
func (s *Scraper) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.factory.released(s.cfg.Kind)
		s.logger.Info("scraper closed")
	}
}

// Scrape runs one fetch, parse, extract, validate, publish cycle. Fetch and
// parse failures abort the cycle. Invalid records and publish failures are
// counted and the cycle continues. Cancellation is honoured between records.
func (s *Scraper) Scrape(ctx context.Context) (Report, error) {
	start := time.Now()
	rep := Report{Source: s.cfg.Name}
	if s.closed.Load() {
		return rep, errors.New("scraper closed")
	}

	ctx, span := telemetry.Tracer().Start(ctx, "scrape", trace.WithAttributes(
		attribute.String("source", s.cfg.Name),
		attribute.String("kind", string(s.cfg.Kind)),
	))
	defer span.End()

	rep, err := s.scrape(ctx, rep)
	rep.Duration = time.Since(start)
	span.SetAttributes(attribute.Int("published", rep.Published), attribute.Int("invalid", rep.Invalid))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		status := "error"
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = "canceled"
		} else {
			s.factory.failed(s.cfg.Kind)
		}
		metrics.ObserveScrape(s.cfg.Name, status, rep.Duration)
		s.logger.Error("scrape failed",
			zap.Duration("duration", rep.Duration),
			zap.Int("extracted", rep.Extracted),
			zap.Int("published", rep.Published),
			zap.Error(err),
		)
		return rep, err
	}

	metrics.ObserveScrape(s.cfg.Name, "ok", rep.Duration)
	s.logger.Info("scrape finished",
		zap.Duration("duration", rep.Duration),
		zap.Int("extracted", rep.Extracted),
		zap.Int("valid", rep.Valid),
		zap.Int("invalid", rep.Invalid),
		zap.Int("published", rep.Published),
		zap.Int("publish_failed", rep.PublishFailed),
		zap.Int("duplicates", rep.Duplicates),
	)
	return rep, nil
}

func (s *Scraper) scrape(ctx context.Context, rep Report) (Report, error) {
	res, err := s.fetcher.Fetch(ctx)
	if err != nil {
		return rep, fmt.Errorf("fetch %s: %w", s.cfg.URL, err)
	}
	page := res.FinalURL
	if page == "" {
		page = s.cfg.URL
	}
	rep.Archived = s.archivePage(ctx, page, res.Body)

	doc, err := parse.Parse(res.Body, page)
	if err != nil {
		return rep, err
	}

	headers := map[string]string{HeaderSourceURL: page}
	telemetry.Inject(ctx, headers)
	for cand := range s.extractor.Extract(doc).All() {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Extracted++
		s.applyOverrides(cand)

		rec, result, err := s.validator.Accept(s.cfg.Name, cand)
		if err != nil {
			return rep, fmt.Errorf("accept record: %w", err)
		}
		if !result.Valid {
			rep.Invalid++
			metrics.ObserveRecords(s.cfg.Name, "invalid", 1)
			s.logger.Info("record rejected",
				zap.String("title", cand.Heading()),
				zap.Error(result.Err()),
			)
			continue
		}
		rep.Valid++

		key, fresh := s.markNew(ctx, rec)
		if !fresh {
			rep.Duplicates++
			metrics.ObserveRecords(s.cfg.Name, "duplicate", 1)
			continue
		}

		if err := s.publish(ctx, rec, headers); err != nil {
			if ctx.Err() != nil {
				s.release(ctx, key)
				return rep, ctx.Err()
			}
			rep.PublishFailed++
			metrics.ObserveRecords(s.cfg.Name, "publish_failed", 1)
			s.logger.Error("publish failed",
				zap.String("record_id", rec.ID()),
				zap.String("topic", s.cfg.Topic),
				zap.Error(err),
			)
			s.release(ctx, key)
			continue
		}
		rep.Published++
		metrics.ObserveRecords(s.cfg.Name, "published", 1)
	}
	return rep, nil
}

// publish retries with the scraper's own policy, separate from fetch retries.
func (s *Scraper) publish(ctx context.Context, rec validate.Record, headers map[string]string) error {
	return retry.Do(ctx, s.cfg.PublishRetry, retry.Always, func(attempt int, err error, delay time.Duration) {
		s.logger.Warn("publish failed, retrying",
			zap.String("record_id", rec.ID()),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
	}, func(ctx context.Context, _ int) error {
		return s.publisher.Publish(ctx, s.cfg.Topic, rec, headers)
	})
}

func (s *Scraper) applyOverrides(cand record.Candidate) {
	switch c := cand.(type) {
	case *record.TechnologyCandidate:
		if s.cfg.Classification != "" {
			c.Classification = s.cfg.Classification
		}
	case *record.GrantCandidate:
		if s.cfg.Classification != "" {
			c.Classification = s.cfg.Classification
		}
		if s.cfg.Currency != "" && c.Amount > 0 && c.Currency == "" {
			c.Currency = s.cfg.Currency
		}
	}
}

// archivePage stores the raw body. Failures are logged and ignored.
func (s *Scraper) archivePage(ctx context.Context, page string, body []byte) string {
	if s.archive == nil {
		return ""
	}
	uri, err := s.archive.Put(ctx, archive.Path(s.prefix, page, body), archive.ContentTypeHTML, body)
	if err != nil {
		s.logger.Warn("archive page failed", zap.String("page", page), zap.Error(err))
		return ""
	}
	return uri
}

// markNew reports whether rec should be published. Store errors fail open.
func (s *Scraper) markNew(ctx context.Context, rec validate.Record) (string, bool) {
	if s.dedupe == nil {
		return "", true
	}
	key, err := dedupe.Key(rec)
	if err != nil {
		s.logger.Warn("dedupe key failed", zap.String("record_id", rec.ID()), zap.Error(err))
		return "", true
	}
	fresh, err := s.dedupe.MarkIfNew(ctx, key, s.dedupeTTL)
	if err != nil {
		s.logger.Warn("dedupe check failed", zap.String("record_id", rec.ID()), zap.Error(err))
		return "", true
	}
	return key, fresh
}

func (s *Scraper) release(ctx context.Context, key string) {
	if s.dedupe == nil || key == "" {
		return
	}
	if err := s.dedupe.Release(context.WithoutCancel(ctx), key); err != nil {
		s.logger.Warn("dedupe release failed", zap.String("key", key), zap.Error(err))
	}
}
