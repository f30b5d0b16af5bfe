// Package queue publishes validated records to the event stream and consumes
// them back with bounded in-place retries and dead-letter rerouting.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-ingest/internal/metrics"
	"github.com/JakeFAU/listing-ingest/internal/validate"
)

// Publisher sends records and raw messages to a broker. Implementations are
// safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, topic string, rec validate.Record, headers map[string]string) error
	PublishMessage(ctx context.Context, msg Message) error
	Close() error
}

// Writer is the subset of *kafka.Writer the producer uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ProducerConfig tunes the Kafka writer.
type ProducerConfig struct {
	BrokerConfig `mapstructure:",squash"`
	Compression  string        `mapstructure:"compression"`
	Timeout      time.Duration `mapstructure:"publish_timeout"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// Producer publishes to Kafka requiring acknowledgment from all in-sync replicas.
type Producer struct {
	writer  Writer
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// NewProducer creates a Kafka producer for the configured brokers. The topic
// is chosen per message.
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	codec, err := ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	transport, err := cfg.transport()
	if err != nil {
		return nil, fmt.Errorf("kafka transport: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Compression:            codec,
		WriteTimeout:           timeout,
		BatchTimeout:           batchTimeout,
		Transport:              transport,
		AllowAutoTopicCreation: false,
	}
	return NewProducerWithWriter(writer, timeout, logger), nil
}

// NewProducerWithWriter builds a producer using a custom writer (tests).
func NewProducerWithWriter(writer Writer, timeout time.Duration, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Producer{
		writer:  writer,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.Named("producer"),
	}
}

// Publish serializes rec, attaches the standard headers and writes it to topic.
func (p *Producer) Publish(ctx context.Context, topic string, rec validate.Record, headers map[string]string) error {
	msg, err := NewMessage(topic, rec, headers, p.now())
	if err != nil {
		return &PublishError{Topic: topic, Key: rec.ID(), Err: err}
	}
	return p.PublishMessage(ctx, msg)
}

// PublishMessage writes msg as-is. The call fails with PublishError when the
// write is not acknowledged within the producer timeout.
func (p *Producer) PublishMessage(ctx context.Context, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.writer.WriteMessages(ctx, toKafka(msg)); err != nil {
		metrics.ObservePublish(msg.Topic, "error")
		p.logger.Warn("publish failed",
			zap.String("topic", msg.Topic),
			zap.String("key", msg.Key),
			zap.Error(err),
		)
		return &PublishError{Topic: msg.Topic, Key: msg.Key, Err: err}
	}
	metrics.ObservePublish(msg.Topic, "ok")
	return nil
}

// Close flushes and shuts down the underlying writer.
func (p *Producer) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
