package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-ingest/internal/config"
	"github.com/JakeFAU/listing-ingest/internal/health"
	"github.com/JakeFAU/listing-ingest/internal/queue"
)

func newConsumeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Consumes published records with dead-letter rerouting",
		Long: `Joins consumer.group_id on the listings topic and its dead-letter topic and logs
every decoded record. Offsets are committed only after a message is handled,
rerouted or dropped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runConsume(cmd.Context())
		},
	}
}

func (a *app) runConsume(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	if !strings.EqualFold(cfg.Broker.Driver, config.DriverKafka) {
		return fmt.Errorf("consume requires the kafka broker driver (got %q)", cfg.Broker.Driver)
	}

	var dlq queue.Publisher
	if cfg.Consumer.DeadLetter.Topic != "" {
		producer, err := queue.NewProducer(cfg.Broker.ProducerConfig, logger.Named("dlq"))
		if err != nil {
			return fmt.Errorf("init dead-letter producer: %w", err)
		}
		dlq = producer
		// Closed after the consumer so reroutes in flight can finish.
		defer closeQuietly(logger, "dead-letter producer", producer)
	}

	consumer, err := queue.NewConsumer(cfg.Consumer, dlq, logRecord(logger), logger)
	if err != nil {
		return fmt.Errorf("init consumer: %w", err)
	}
	defer closeQuietly(logger, "consumer", consumer)

	registry := health.NewRegistry(0)
	registry.Register("consumer", consumerProbe(consumer))
	srv := health.NewServer(fmt.Sprintf(":%d", cfg.Server.Port), health.NewRouter(registry, logger))
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	err = consumer.Run(ctx)
	logger.Info("shutdown initiated", zap.Stringer("state", consumer.State()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Error("server shutdown error", zap.Error(serr))
	}
	if errors.Is(err, queue.ErrConsumerClosed) {
		return nil
	}
	return err
}

// logRecord decodes each message and logs the listing it carries.
func logRecord(logger *zap.Logger) queue.Handler {
	return func(_ context.Context, msg queue.Message) error {
		env, err := msg.Envelope()
		if err != nil {
			return err
		}
		logger.Info("record received",
			zap.String("topic", msg.Topic),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Int("attempt", msg.Attempt),
			zap.String("id", env.ID),
			zap.String("kind", string(env.Kind)),
			zap.String("source", env.Source),
			zap.String("title", env.Candidate().Heading()),
		)
		return nil
	}
}

// consumerProbe reports a consumer that was closed.
func consumerProbe(c *queue.Consumer) health.Probe {
	return func(context.Context) error {
		if c.Closed() {
			return errors.New("consumer closed")
		}
		return nil
	}
}
