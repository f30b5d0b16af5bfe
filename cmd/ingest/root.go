package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-ingest/internal/config"
	"github.com/JakeFAU/listing-ingest/internal/logging"
	"github.com/JakeFAU/listing-ingest/internal/metrics"
	"github.com/JakeFAU/listing-ingest/internal/queue"
	"github.com/JakeFAU/listing-ingest/internal/telemetry"
)

// app carries what every subcommand needs. The constructors are fields so
// tests can swap in in-process brokers.
type app struct {
	cfg          config.Config
	logger       *zap.Logger
	flushTracing func(context.Context) error

	newPublisher func(ctx context.Context, cfg config.Config, logger *zap.Logger) (queue.Publisher, error)
	newLogger    func(cfg config.LoggingConfig) (*zap.Logger, error)
}

func newApp() *app {
	return &app{
		newPublisher: newPublisher,
		newLogger: func(cfg config.LoggingConfig) (*zap.Logger, error) {
			return logging.New(cfg.Development, cfg.Level)
		},
	}
}

func newRootCmd(a *app) *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Scrapes research listings and streams validated records to a broker.",
		Long: `ingest fetches technology-transfer and grant listings from configured sources,
validates them and publishes one message per record. The consume command runs
the downstream consumer group with dead-letter rerouting.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			logger, err := a.newLogger(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			metrics.Init()
			flush, err := telemetry.Init(cfg.Tracing)
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			a.flushTracing = flush
			a.cfg = cfg
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a.logger == nil {
				return
			}
			if a.flushTracing != nil {
				if err := a.flushTracing(context.WithoutCancel(cmd.Context())); err != nil {
					a.logger.Warn("tracing flush failed", zap.Error(err))
				}
			}
			if err := a.logger.Sync(); err != nil {
				fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", err)
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a config file (env vars use the INGEST_ prefix)")
	cmd.AddCommand(newScrapeCmd(a), newConsumeCmd(a))
	return cmd
}
