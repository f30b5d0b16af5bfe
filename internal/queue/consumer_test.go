package queue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/listing-ingest/internal/telemetry"
)

const (
	mainTopic = "listings"
	dlqTopic  = "listings.dlq"
)

func consumerConfig(maxAttempts int) ConsumerConfig {
	return ConsumerConfig{
		GroupID:           "indexer",
		Topic:             mainTopic,
		MaxPartitions:     4,
		HandlerRetries:    3,
		HandlerBackoff:    time.Millisecond,
		HandlerMaxBackoff: 2 * time.Millisecond,
		DeadLetter: DeadLetterConfig{
			Topic:          dlqTopic,
			MaxAttempts:    maxAttempts,
			PublishRetries: 1,
		},
	}
}

func kafkaMessage(topic string, partition int, offset int64, attempt int) kafka.Message {
	return kafka.Message{
		Topic:     topic,
		Partition: partition,
		Offset:    offset,
		Key:       []byte("key-" + strconv.FormatInt(offset, 10)),
		Value:     []byte(`{"n":` + strconv.FormatInt(offset, 10) + `}`),
		Headers:   []kafka.Header{{Key: HeaderAttempt, Value: []byte(strconv.Itoa(attempt))}},
		Time:      time.Now(),
	}
}

// runConsumer starts c and returns a stop function that cancels and waits.
func runConsumer(t *testing.T, c *Consumer) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("consumer did not stop")
			return nil
		}
	}
}

func TestHandlerSucceedsOnThirdAttempt(t *testing.T) {
	t.Parallel()

	reader := newFakeReader()
	dlq := &fakeDLQ{}
	var calls atomic.Int32
	c, err := NewConsumerWithReader(reader, consumerConfig(5), dlq, func(context.Context, Message) error {
		if calls.Add(1) <= 2 {
			return errors.New("downstream unavailable")
		}
		return nil
	}, nil)
	require.NoError(t, err)
	require.Equal(t, StateIdle, c.State())

	reader.msgs <- kafkaMessage(mainTopic, 0, 7, 0)
	stop := runConsumer(t, c)
	require.Eventually(t, func() bool { return len(reader.Committed()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	require.Equal(t, int32(3), calls.Load())
	require.Len(t, reader.Committed(), 1)
	require.Equal(t, int64(7), reader.Committed()[0].Offset)
	require.Empty(t, dlq.Published())
	require.Equal(t, StateCommitted, c.State())
}

func TestExhaustedHandlerReroutesToDeadLetter(t *testing.T) {
	t.Parallel()

	reader := newFakeReader()
	dlq := &fakeDLQ{}
	var calls atomic.Int32
	c, err := NewConsumerWithReader(reader, consumerConfig(5), dlq, func(context.Context, Message) error {
		calls.Add(1)
		return errors.New("poison")
	}, nil)
	require.NoError(t, err)

	reader.msgs <- kafkaMessage(mainTopic, 2, 11, 0)
	stop := runConsumer(t, c)
	require.Eventually(t, func() bool { return len(reader.Committed()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	require.Equal(t, int32(4), calls.Load(), "first attempt plus three in-place retries")
	published := dlq.Published()
	require.Len(t, published, 1)
	require.Equal(t, dlqTopic, published[0].Topic)
	require.Equal(t, "key-11", published[0].Key)
	require.Equal(t, 1, published[0].Attempt)
	require.Equal(t, "1", published[0].Headers[HeaderAttempt])
	require.Equal(t, mainTopic, published[0].Headers[HeaderOriginalTopic])
	require.Equal(t, `{"n":11}`, string(published[0].Payload))
	require.Equal(t, StateDeadLettered, c.State())
}

func TestMessageAtMaxAttemptsIsDropped(t *testing.T) {
	t.Parallel()

	reader := newFakeReader()
	dlq := &fakeDLQ{}
	c, err := NewConsumerWithReader(reader, consumerConfig(5), dlq, func(context.Context, Message) error {
		return errors.New("still broken")
	}, nil)
	require.NoError(t, err)

	reader.msgs <- kafkaMessage(dlqTopic, 0, 3, 5)
	stop := runConsumer(t, c)
	require.Eventually(t, func() bool { return len(reader.Committed()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())
	require.Empty(t, dlq.Published())
}

func TestDeadLetterChainIsBounded(t *testing.T) {
	t.Parallel()

	const maxAttempts = 3
	reader := newFakeReader()
	dlq := &fakeDLQ{feed: reader}
	cfg := consumerConfig(maxAttempts)
	cfg.HandlerRetries = 0
	c, err := NewConsumerWithReader(reader, cfg, dlq, func(context.Context, Message) error {
		return errors.New("never works")
	}, nil)
	require.NoError(t, err)

	reader.msgs <- kafkaMessage(mainTopic, 0, 1, 0)
	stop := runConsumer(t, c)
	// The original plus one redelivery per reroute are all committed.
	require.Eventually(t, func() bool { return len(reader.Committed()) == maxAttempts+1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, stop())

	published := dlq.Published()
	require.Len(t, published, maxAttempts)
	for i, msg := range published {
		require.Equal(t, i+1, msg.Attempt)
		require.LessOrEqual(t, msg.Attempt, maxAttempts)
		require.Equal(t, mainTopic, msg.OriginalTopic())
	}
	require.Len(t, reader.Committed(), maxAttempts+1)
}

func TestDeadLetterPublishFailureStopsWithoutCommit(t *testing.T) {
	t.Parallel()

	reader := newFakeReader()
	dlq := &fakeDLQ{fail: errors.New("broker down")}
	cfg := consumerConfig(5)
	cfg.HandlerRetries = 0
	c, err := NewConsumerWithReader(reader, cfg, dlq, func(context.Context, Message) error {
		return errors.New("poison")
	}, nil)
	require.NoError(t, err)

	reader.msgs <- kafkaMessage(mainTopic, 0, 9, 0)
	err = c.Run(context.Background())
	require.ErrorContains(t, err, "broker down")
	require.Empty(t, reader.Committed())
}

func TestCommitFailureStopsConsumer(t *testing.T) {
	t.Parallel()

	reader := newFakeReader()
	reader.commitErr = errors.New("rebalance in progress")
	c, err := NewConsumerWithReader(reader, consumerConfig(5), &fakeDLQ{}, func(context.Context, Message) error {
		return nil
	}, nil)
	require.NoError(t, err)

	reader.msgs <- kafkaMessage(mainTopic, 0, 1, 0)
	err = c.Run(context.Background())
	require.ErrorContains(t, err, "rebalance in progress")
}

func TestPartitionOrderingAndConcurrencyBound(t *testing.T) {
	t.Parallel()

	reader := newFakeReader()
	cfg := consumerConfig(5)
	cfg.MaxPartitions = 2

	var (
		mu       sync.Mutex
		seen     = map[int][]int64{}
		inFlight atomic.Int32
		peak     atomic.Int32
	)
	c, err := NewConsumerWithReader(reader, cfg, &fakeDLQ{}, func(_ context.Context, msg Message) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		seen[msg.Partition] = append(seen[msg.Partition], msg.Offset)
		mu.Unlock()
		inFlight.Add(-1)
		return nil
	}, nil)
	require.NoError(t, err)

	const perPartition = 10
	for offset := int64(0); offset < perPartition; offset++ {
		for partition := 0; partition < 4; partition++ {
			reader.msgs <- kafkaMessage(mainTopic, partition, offset, 0)
		}
	}
	stop := runConsumer(t, c)
	require.Eventually(t, func() bool { return len(reader.Committed()) == 4*perPartition }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	require.LessOrEqual(t, peak.Load(), int32(2))
	mu.Lock()
	defer mu.Unlock()
	for partition := 0; partition < 4; partition++ {
		got := seen[partition]
		require.Len(t, got, perPartition)
		for i := range got {
			require.Equal(t, int64(i), got[i], "partition %d out of order", partition)
		}
	}
}

func TestDeadLetterRedeliveryDelay(t *testing.T) {
	t.Parallel()

	reader := newFakeReader()
	cfg := consumerConfig(5)
	cfg.DeadLetter.RedeliveryDelay = 150 * time.Millisecond

	handled := make(chan time.Time, 1)
	c, err := NewConsumerWithReader(reader, cfg, &fakeDLQ{}, func(context.Context, Message) error {
		handled <- time.Now()
		return nil
	}, nil)
	require.NoError(t, err)

	msg := kafkaMessage(dlqTopic, 0, 1, 1)
	reader.msgs <- msg
	stop := runConsumer(t, c)
	at := <-handled
	require.NoError(t, stop())
	require.GreaterOrEqual(t, at.Sub(msg.Time), 140*time.Millisecond)
}

func TestCancellationLeavesMessageUncommitted(t *testing.T) {
	t.Parallel()

	reader := newFakeReader()
	started := make(chan struct{})
	c, err := NewConsumerWithReader(reader, consumerConfig(5), &fakeDLQ{}, func(ctx context.Context, _ Message) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, nil)
	require.NoError(t, err)

	reader.msgs <- kafkaMessage(mainTopic, 0, 1, 0)
	stop := runConsumer(t, c)
	<-started
	require.NoError(t, stop())
	require.Empty(t, reader.Committed())
}

func TestCloseStopsRun(t *testing.T) {
	t.Parallel()

	reader := newFakeReader()
	c, err := NewConsumerWithReader(reader, consumerConfig(5), &fakeDLQ{}, func(context.Context, Message) error { return nil }, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, time.Millisecond)
	require.False(t, c.Closed())
	require.NoError(t, c.Close())
	require.True(t, c.Closed())
	require.ErrorIs(t, <-done, ErrConsumerClosed)
	require.NoError(t, c.Close())
	require.ErrorIs(t, c.Run(context.Background()), ErrConsumerClosed)
}

func TestConsumerConfigValidate(t *testing.T) {
	t.Parallel()

	handler := func(context.Context, Message) error { return nil }
	_, err := NewConsumerWithReader(newFakeReader(), ConsumerConfig{}, nil, handler, nil)
	require.EqualError(t, err, "topic is required")

	cfg := consumerConfig(5)
	cfg.MaxPartitions = 0
	_, err = NewConsumerWithReader(newFakeReader(), cfg, &fakeDLQ{}, handler, nil)
	require.EqualError(t, err, "max_partitions must be > 0")

	cfg = consumerConfig(5)
	cfg.DeadLetter.Topic = mainTopic
	_, err = NewConsumerWithReader(newFakeReader(), cfg, &fakeDLQ{}, handler, nil)
	require.EqualError(t, err, "dead_letter.topic must differ from topic")

	_, err = NewConsumerWithReader(newFakeReader(), consumerConfig(5), nil, handler, nil)
	require.ErrorContains(t, err, "dead-letter publisher is required")

	_, err = NewConsumerWithReader(newFakeReader(), consumerConfig(5), &fakeDLQ{}, nil, nil)
	require.EqualError(t, err, "handler is required")

	_, err = NewConsumer(consumerConfig(5), &fakeDLQ{}, handler, nil)
	require.EqualError(t, err, "at least one broker is required")
}

func TestStateString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "dead_lettered", StateDeadLettered.String())
	require.Equal(t, "unknown", State(99).String())
}

func TestHandlerSeesPublisherTraceContext(t *testing.T) {
	t.Parallel()

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x4b, 0xf9, 0x2f, 0x35, 0x77, 0xb3, 0x4d, 0xa6, 0xa3, 0xce, 0x92, 0x9d, 0x0e, 0x0e, 0x47, 0x36},
		SpanID:     trace.SpanID{0x00, 0xf0, 0x67, 0xaa, 0x0b, 0xa9, 0x02, 0xb7},
		TraceFlags: trace.FlagsSampled,
	})
	headers := map[string]string{}
	telemetry.Inject(trace.ContextWithSpanContext(context.Background(), sc), headers)
	require.Contains(t, headers, "traceparent")

	km := kafkaMessage(mainTopic, 0, 1, 0)
	km.Headers = append(km.Headers, kafka.Header{Key: "traceparent", Value: []byte(headers["traceparent"])})

	seen := make(chan trace.TraceID, 1)
	reader := newFakeReader()
	c, err := NewConsumerWithReader(reader, consumerConfig(5), &fakeDLQ{}, func(ctx context.Context, _ Message) error {
		seen <- trace.SpanContextFromContext(ctx).TraceID()
		return nil
	}, nil)
	require.NoError(t, err)
	stop := runConsumer(t, c)
	reader.msgs <- km

	select {
	case got := <-seen:
		require.Equal(t, sc.TraceID(), got)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called")
	}
	require.Eventually(t, func() bool { return len(reader.Committed()) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, stop())
}
