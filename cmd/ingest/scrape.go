package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-ingest/internal/archive"
	"github.com/JakeFAU/listing-ingest/internal/clock/system"
	"github.com/JakeFAU/listing-ingest/internal/config"
	"github.com/JakeFAU/listing-ingest/internal/dedupe"
	"github.com/JakeFAU/listing-ingest/internal/fetch"
	"github.com/JakeFAU/listing-ingest/internal/health"
	"github.com/JakeFAU/listing-ingest/internal/id/uuid"
	"github.com/JakeFAU/listing-ingest/internal/metrics"
	"github.com/JakeFAU/listing-ingest/internal/queue"
	"github.com/JakeFAU/listing-ingest/internal/queue/memory"
	"github.com/JakeFAU/listing-ingest/internal/queue/pubsub"
	"github.com/JakeFAU/listing-ingest/internal/scheduler"
	"github.com/JakeFAU/listing-ingest/internal/scraper"
)

func newScrapeCmd(a *app) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Scrapes configured sources and publishes validated records",
		Long: `Runs every configured source on its interval until interrupted. Each cycle
fetches the source page, extracts listings, validates them and publishes the
accepted records to broker.topic.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runScrape(cmd.Context(), once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "scrape every source once and exit")
	return cmd
}

func (a *app) runScrape(ctx context.Context, once bool) error {
	cfg, logger := a.cfg, a.logger
	if len(cfg.Sources) == 0 {
		return errors.New("no sources configured")
	}
	// The memory broker keeps every record in process; only bounded runs may use it.
	if !once && strings.EqualFold(cfg.Broker.Driver, config.DriverMemory) {
		return errors.New("the memory broker driver requires --once")
	}

	publisher, err := a.newPublisher(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init publisher: %w", err)
	}
	// Deferred first so it runs last, after every scraper has stopped.
	defer func() {
		if cerr := publisher.Close(); cerr != nil {
			logger.Warn("publisher close failed", zap.Error(cerr))
		}
	}()

	seen, err := dedupe.New(cfg.Dedupe)
	if err != nil {
		return fmt.Errorf("init dedupe: %w", err)
	}
	if seen != nil {
		defer closeQuietly(logger, "dedupe", seen)
	}

	pages, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		return fmt.Errorf("init archive: %w", err)
	}
	if closer, ok := pages.(io.Closer); ok {
		defer closeQuietly(logger, "archive", closer)
	}

	factory, err := scraper.NewFactory(scraper.Deps{
		Publisher:     publisher,
		Logger:        logger,
		Metrics:       metrics.NewPrometheusSink(nil, "ingest"),
		Clock:         system.New(),
		IDs:           uuid.New(),
		HTTP:          cfg.HTTP,
		Topic:         cfg.PublishTopic(),
		Dedupe:        seen,
		DedupeTTL:     cfg.Dedupe.TTL,
		Archive:       pages,
		ArchivePrefix: cfg.Archive.Prefix,
	})
	if err != nil {
		return err
	}

	entries := make([]scheduler.Entry, 0, len(cfg.Sources))
	scrapers := make([]*scraper.Scraper, 0, len(cfg.Sources))
	defer func() {
		for _, s := range scrapers {
			s.Close()
		}
	}()
	for _, opts := range cfg.Sources {
		s, err := factory.Create(opts.Kind, opts)
		if err != nil {
			return err
		}
		scrapers = append(scrapers, s)
		entries = append(entries, scheduler.Entry{Source: s, Interval: s.Config().Interval})
		logger.Info("source configured",
			zap.String("source", s.Name()),
			zap.String("kind", string(s.Config().Kind)),
			zap.Duration("interval", s.Config().Interval),
		)
	}

	sched, err := scheduler.New(entries, cfg.Scheduler.DrainTimeout, logger)
	if err != nil {
		return err
	}

	if once {
		return sched.RunOnce(ctx)
	}

	registry := health.NewRegistry(0)
	registry.Register("scheduler", sched.Healthy)
	registry.Register("circuits", circuitProbe(scrapers))
	srv := health.NewServer(fmt.Sprintf(":%d", cfg.Server.Port), health.NewRouter(registry, logger))
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	reportCtx, stopReport := context.WithCancel(ctx)
	defer stopReport()
	go factory.Report(reportCtx, cfg.Metrics.ReportInterval)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	schedDone := make(chan error, 1)
	go func() { schedDone <- sched.Run(runCtx) }()

	select {
	case err = <-schedDone:
	case err = <-serveErr:
		logger.Error("http server error", zap.Error(err))
		cancel()
		<-schedDone
		err = fmt.Errorf("http server: %w", err)
	}
	logger.Info("shutdown initiated")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancelShutdown()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Error("server shutdown error", zap.Error(serr))
	}
	return err
}

// circuitProbe fails only when every source's breaker is open.
func circuitProbe(scrapers []*scraper.Scraper) health.Probe {
	return func(context.Context) error {
		var open []string
		for _, s := range scrapers {
			if s.CircuitState() == fetch.StateOpen {
				open = append(open, s.Name())
			}
		}
		if len(scrapers) > 0 && len(open) == len(scrapers) {
			return fmt.Errorf("all circuits open: %s", strings.Join(open, ", "))
		}
		return nil
	}
}

// newPublisher builds the producer selected by broker.driver.
func newPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (queue.Publisher, error) {
	switch strings.ToLower(cfg.Broker.Driver) {
	case config.DriverKafka:
		return queue.NewProducer(cfg.Broker.ProducerConfig, logger)
	case config.DriverPubSub:
		return pubsub.New(ctx, cfg.Broker.PubSub, logger)
	case config.DriverMemory:
		logger.Warn("memory broker selected; published records stay in this process")
		return queue.NewProducerWithWriter(memory.NewBroker(1), cfg.Broker.Timeout, logger), nil
	default:
		return nil, fmt.Errorf("unsupported broker driver %q", cfg.Broker.Driver)
	}
}

func shutdownTimeout(cfg config.Config) time.Duration {
	if cfg.Server.ShutdownTimeout > 0 {
		return cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

func closeQuietly(logger *zap.Logger, name string, c io.Closer) {
	if err := c.Close(); err != nil {
		logger.Warn("close failed", zap.String("component", name), zap.Error(err))
	}
}
