package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/listing-ingest/internal/metrics"
	"github.com/JakeFAU/listing-ingest/internal/retry"
	"github.com/JakeFAU/listing-ingest/internal/telemetry"
)

// State is the consumer's most recent lifecycle transition.
type State int32

// Consumer states.
const (
	StateIdle State = iota
	StateConnected
	StateConsuming
	StateProcessing
	StateCommitted
	StateRetried
	StateDeadLettered
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateConsuming:
		return "consuming"
	case StateProcessing:
		return "processing"
	case StateCommitted:
		return "committed"
	case StateRetried:
		return "retried"
	case StateDeadLettered:
		return "dead_lettered"
	default:
		return "unknown"
	}
}

// Handler processes one message. A returned error triggers in-place retries
// and then dead-letter rerouting.
type Handler func(ctx context.Context, msg Message) error

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DeadLetterConfig bounds rerouting of failed messages.
type DeadLetterConfig struct {
	Topic       string `mapstructure:"topic"`
	MaxAttempts int    `mapstructure:"max_attempts"`
	// RedeliveryDelay holds messages read back from Topic until they are at
	// least this old.
	RedeliveryDelay time.Duration `mapstructure:"redelivery_delay"`
	PublishRetries  int           `mapstructure:"publish_retries"`
}

// ConsumerConfig tunes the consumer group.
type ConsumerConfig struct {
	BrokerConfig      `mapstructure:",squash"`
	GroupID           string           `mapstructure:"group_id"`
	Topic             string           `mapstructure:"topic"`
	MaxPartitions     int              `mapstructure:"max_partitions"`
	HandlerRetries    int              `mapstructure:"handler_retries"`
	HandlerBackoff    time.Duration    `mapstructure:"handler_backoff"`
	HandlerMaxBackoff time.Duration    `mapstructure:"handler_max_backoff"`
	HeartbeatInterval time.Duration    `mapstructure:"heartbeat_interval"`
	SessionTimeout    time.Duration    `mapstructure:"session_timeout"`
	CommitTimeout     time.Duration    `mapstructure:"commit_timeout"`
	DeadLetter        DeadLetterConfig `mapstructure:"dead_letter"`
}

// Validate reports the first unusable setting.
func (c ConsumerConfig) Validate() error {
	switch {
	case c.Topic == "":
		return errors.New("topic is required")
	case c.MaxPartitions <= 0:
		return errors.New("max_partitions must be > 0")
	case c.HandlerRetries < 0:
		return errors.New("handler_retries must be >= 0")
	case c.DeadLetter.MaxAttempts < 0:
		return errors.New("dead_letter.max_attempts must be >= 0")
	case c.DeadLetter.Topic != "" && c.DeadLetter.Topic == c.Topic:
		return errors.New("dead_letter.topic must differ from topic")
	}
	return nil
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.HandlerBackoff <= 0 {
		c.HandlerBackoff = 200 * time.Millisecond
	}
	if c.HandlerMaxBackoff < c.HandlerBackoff {
		c.HandlerMaxBackoff = 5 * time.Second
		if c.HandlerMaxBackoff < c.HandlerBackoff {
			c.HandlerMaxBackoff = c.HandlerBackoff
		}
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = 10 * time.Second
	}
	if c.DeadLetter.PublishRetries <= 0 {
		c.DeadLetter.PublishRetries = 3
	}
	return c
}

// Consumer reads a topic (and its dead-letter topic) as part of a consumer
// group. Partitions are handled concurrently up to MaxPartitions; messages of
// one partition are handled in order. An offset is committed only after the
// handler succeeds or the message has been rerouted or dropped.
type Consumer struct {
	cfg     ConsumerConfig
	reader  Reader
	dlq     Publisher
	handler Handler
	logger  *zap.Logger

	slots  *semaphore.Weighted
	state  atomic.Int32
	closed atomic.Bool
	now    func() time.Time
}

// NewConsumer builds a Kafka consumer group reader for cfg.Topic and, when
// configured, cfg.DeadLetter.Topic. dlq publishes rerouted messages.
func NewConsumer(cfg ConsumerConfig, dlq Publisher, handler Handler, logger *zap.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("group_id is required")
	}
	dialer, err := cfg.dialer()
	if err != nil {
		return nil, fmt.Errorf("kafka dialer: %w", err)
	}
	topics := []string{cfg.Topic}
	if cfg.DeadLetter.Topic != "" {
		topics = append(topics, cfg.DeadLetter.Topic)
	}
	readerCfg := kafka.ReaderConfig{
		Brokers:           cfg.Brokers,
		GroupID:           cfg.GroupID,
		GroupTopics:       topics,
		Dialer:            dialer,
		HeartbeatInterval: cfg.HeartbeatInterval,
		SessionTimeout:    cfg.SessionTimeout,
		StartOffset:       kafka.FirstOffset,
		MinBytes:          1,
		MaxBytes:          10e6,
		MaxWait:           500 * time.Millisecond,
	}
	if err := readerCfg.Validate(); err != nil {
		return nil, fmt.Errorf("kafka reader config: %w", err)
	}
	return NewConsumerWithReader(kafka.NewReader(readerCfg), cfg, dlq, handler, logger)
}

// NewConsumerWithReader builds a consumer using a custom reader (tests).
func NewConsumerWithReader(reader Reader, cfg ConsumerConfig, dlq Publisher, handler Handler, logger *zap.Logger) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if cfg.DeadLetter.Topic != "" && dlq == nil {
		return nil, errors.New("dead-letter publisher is required when dead_letter.topic is set")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Consumer{
		cfg:     cfg.withDefaults(),
		reader:  reader,
		dlq:     dlq,
		handler: handler,
		logger:  logger.Named("consumer").With(zap.String("topic", cfg.Topic), zap.String("group", cfg.GroupID)),
		slots:   semaphore.NewWeighted(int64(cfg.MaxPartitions)),
		now:     time.Now,
	}
	c.setState(StateIdle)
	return c, nil
}

// State reports the latest transition.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
}

// Run consumes until ctx is done, a commit fails or a dead-letter publish
// keeps failing. Cancellation is a clean stop and returns nil.
func (c *Consumer) Run(ctx context.Context) error {
	if c.closed.Load() {
		return ErrConsumerClosed
	}
	c.setState(StateConnected)
	c.logger.Info("consumer started", zap.Int("max_partitions", c.cfg.MaxPartitions))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		partitions := make(map[string]chan Message)
		defer func() {
			for _, ch := range partitions {
				close(ch)
			}
		}()
		for {
			km, err := c.reader.FetchMessage(gctx)
			if err != nil {
				switch {
				case gctx.Err() != nil:
					return nil
				case errors.Is(err, io.EOF) || c.closed.Load():
					return ErrConsumerClosed
				default:
					return fmt.Errorf("fetch message: %w", err)
				}
			}
			c.setState(StateConsuming)
			msg := fromKafka(km)
			key := fmt.Sprintf("%s/%d", msg.Topic, msg.Partition)
			ch, ok := partitions[key]
			if !ok {
				ch = make(chan Message, 64)
				partitions[key] = ch
				g.Go(func() error { return c.drain(gctx, ch) })
			}
			select {
			case ch <- msg:
			case <-gctx.Done():
				return nil
			}
		}
	})

	err := g.Wait()
	if ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)) {
		c.logger.Info("consumer stopped")
		return nil
	}
	return err
}

// drain handles one partition's messages in arrival order.
func (c *Consumer) drain(ctx context.Context, ch <-chan Message) error {
	for msg := range ch {
		if err := c.slots.Acquire(ctx, 1); err != nil {
			return nil
		}
		err := c.process(ctx, msg)
		c.slots.Release(1)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Consumer) process(ctx context.Context, msg Message) error {
	c.setState(StateProcessing)
	ctx, span := telemetry.Tracer().Start(telemetry.Extract(ctx, msg.Headers), "consume "+msg.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", msg.Topic),
			attribute.Int("messaging.partition", msg.Partition),
			attribute.Int64("messaging.offset", msg.Offset),
			attribute.Int("attempt", msg.Attempt),
		),
	)
	defer span.End()
	log := c.logger.With(append([]zap.Field{
		zap.String("message_topic", msg.Topic),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.Int("attempt", msg.Attempt),
	}, telemetry.LogFields(ctx)...)...)

	if c.isDeadLetter(msg) && c.cfg.DeadLetter.RedeliveryDelay > 0 {
		due := msg.Time.Add(c.cfg.DeadLetter.RedeliveryDelay)
		if err := retry.Sleep(ctx, due.Sub(c.now())); err != nil {
			return nil
		}
	}

	policy := retry.Policy{
		MaxRetries: c.cfg.HandlerRetries,
		BaseDelay:  c.cfg.HandlerBackoff,
		MaxDelay:   c.cfg.HandlerMaxBackoff,
	}
	err := retry.Do(ctx, policy, retry.Always, func(attempt int, err error, delay time.Duration) {
		c.setState(StateRetried)
		metrics.ObserveConsume(msg.Topic, "retried")
		log.Warn("handler failed, retrying", zap.Int("retry", attempt+1), zap.Duration("backoff", delay), zap.Error(err))
	}, func(ctx context.Context, _ int) error {
		return c.handler(ctx, msg)
	})
	if err == nil {
		return c.commit(ctx, msg, StateCommitted, "committed")
	}
	if ctx.Err() != nil {
		// Uncommitted; the group redelivers it.
		return nil
	}

	herr := &HandlerError{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset, Attempt: msg.Attempt, Err: err}
	span.RecordError(herr)
	span.SetStatus(codes.Error, "handler failed")
	if c.cfg.DeadLetter.Topic != "" && msg.Attempt < c.cfg.DeadLetter.MaxAttempts {
		rerouted := msg.Reroute(c.cfg.DeadLetter.Topic)
		dlqPolicy := retry.Policy{
			MaxRetries: c.cfg.DeadLetter.PublishRetries,
			BaseDelay:  c.cfg.HandlerBackoff,
			MaxDelay:   c.cfg.HandlerMaxBackoff,
		}
		perr := retry.Do(ctx, dlqPolicy, retry.Always, nil, func(ctx context.Context, _ int) error {
			return c.dlq.PublishMessage(ctx, rerouted)
		})
		if perr != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("dead-letter publish failed, stopping without commit", zap.Error(perr), zap.NamedError("handler_error", herr))
			return fmt.Errorf("dead-letter %s[%d]@%d: %w", msg.Topic, msg.Partition, msg.Offset, perr)
		}
		log.Warn("message rerouted to dead-letter topic",
			zap.String("dead_letter_topic", c.cfg.DeadLetter.Topic),
			zap.Int("next_attempt", rerouted.Attempt),
			zap.Error(herr),
		)
		return c.commit(ctx, msg, StateDeadLettered, "dead_lettered")
	}

	log.Error("message dropped after final attempt",
		zap.String("original_topic", msg.OriginalTopic()),
		zap.Int("final_attempt", msg.Attempt),
		zap.Error(herr),
	)
	return c.commit(ctx, msg, StateCommitted, "dropped")
}

func (c *Consumer) isDeadLetter(msg Message) bool {
	return c.cfg.DeadLetter.Topic != "" && msg.Topic == c.cfg.DeadLetter.Topic
}

func (c *Consumer) commit(ctx context.Context, msg Message, next State, outcome string) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CommitTimeout)
	defer cancel()
	err := c.reader.CommitMessages(cctx, kafka.Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	})
	if err != nil {
		return fmt.Errorf("commit %s[%d]@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
	}
	c.setState(next)
	metrics.ObserveConsume(msg.Topic, outcome)
	return nil
}

// Closed reports whether Close was called.
func (c *Consumer) Closed() bool { return c.closed.Load() }

// Close stops the reader. A running Run returns shortly after.
func (c *Consumer) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("close kafka reader: %w", err)
	}
	return nil
}
