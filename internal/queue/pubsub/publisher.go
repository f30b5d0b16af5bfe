// Package pubsub publishes validated records to Google Cloud Pub/Sub. Headers
// become message attributes and the record ID is the ordering key.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-ingest/internal/metrics"
	"github.com/JakeFAU/listing-ingest/internal/queue"
	"github.com/JakeFAU/listing-ingest/internal/validate"
)

// Config selects the project and publish behaviour.
type Config struct {
	ProjectID string        `mapstructure:"project_id"`
	Timeout   time.Duration `mapstructure:"publish_timeout"`
	// Ordering enables per-key ordering; the topic's subscriptions must have
	// message ordering enabled to benefit.
	Ordering bool `mapstructure:"ordering"`
	// Compression gzips publish requests whose payload reaches
	// CompressionThreshold bytes.
	Compression          bool `mapstructure:"compression"`
	CompressionThreshold int  `mapstructure:"compression_threshold"`
}

// DefaultCompressionThreshold matches the client library's default.
const DefaultCompressionThreshold = 240

// Publisher implements queue.Publisher on a Pub/Sub client.
type Publisher struct {
	client *pubsub.Client
	owned  bool
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	closed bool
}

var _ queue.Publisher = (*Publisher)(nil)

// New dials Pub/Sub using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("pubsub project_id is required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	p := NewWithClient(client, cfg, logger)
	p.owned = true
	return p, nil
}

// NewWithClient wraps an existing client. Close does not close it.
func NewWithClient(client *pubsub.Client, cfg Config, logger *zap.Logger) *Publisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = DefaultCompressionThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		client: client,
		cfg:    cfg,
		logger: logger.Named("pubsub"),
		now:    time.Now,
		topics: make(map[string]*pubsub.Topic),
	}
}

// Publish sends rec to topic and waits for the server acknowledgment.
func (p *Publisher) Publish(ctx context.Context, topic string, rec validate.Record, headers map[string]string) error {
	msg, err := queue.NewMessage(topic, rec, headers, p.now())
	if err != nil {
		return err
	}
	return p.PublishMessage(ctx, msg)
}

// PublishMessage sends a prepared message.
func (p *Publisher) PublishMessage(ctx context.Context, msg queue.Message) error {
	t, err := p.topic(msg.Topic)
	if err != nil {
		return &queue.PublishError{Topic: msg.Topic, Key: msg.Key, Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	out := &pubsub.Message{
		Data:       msg.Payload,
		Attributes: make(map[string]string, len(msg.Headers)),
	}
	for k, v := range msg.Headers {
		out.Attributes[k] = v
	}
	if p.cfg.Ordering {
		out.OrderingKey = msg.Key
	}

	id, err := t.Publish(ctx, out).Get(ctx)
	if err != nil {
		if p.cfg.Ordering && msg.Key != "" {
			// A failed ordered publish pauses the key until resumed.
			t.ResumePublish(msg.Key)
		}
		metrics.ObservePublish(msg.Topic, "error")
		p.logger.Warn("publish failed", zap.String("topic", msg.Topic), zap.String("key", msg.Key), zap.Error(err))
		return &queue.PublishError{Topic: msg.Topic, Key: msg.Key, Err: err}
	}
	metrics.ObservePublish(msg.Topic, "ok")
	p.logger.Debug("published", zap.String("topic", msg.Topic), zap.String("server_id", id))
	return nil
}

func (p *Publisher) topic(name string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("publisher closed")
	}
	if t, ok := p.topics[name]; ok {
		return t, nil
	}
	t := p.client.Topic(name)
	t.EnableMessageOrdering = p.cfg.Ordering
	t.PublishSettings.EnableCompression = p.cfg.Compression
	t.PublishSettings.CompressionBytesThreshold = p.cfg.CompressionThreshold
	p.topics[name] = t
	return t, nil
}

// Close flushes pending publishes and, for clients created by New, closes
// the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	topics := p.topics
	p.mu.Unlock()

	for _, t := range topics {
		t.Stop()
	}
	if !p.owned {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub client: %w", err)
	}
	return nil
}
