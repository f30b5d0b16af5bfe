package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-ingest/internal/validate"
)

func TestProducerPublishAttachesStandardHeaders(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}
	prod := NewProducerWithWriter(writer, time.Second, nil)
	sent := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)
	prod.now = func() time.Time { return sent }

	rec := acceptedRecord(t)
	err := prod.Publish(context.Background(), "listings", rec, map[string]string{
		"x-scraper":  "grants",
		HeaderSource: "spoofed",
	})
	require.NoError(t, err)
	require.Len(t, writer.msgs, 1)

	km := writer.msgs[0]
	require.Equal(t, "listings", km.Topic)
	require.Equal(t, rec.ID(), string(km.Key))

	msg := fromKafka(km)
	require.Equal(t, map[string]string{
		HeaderSource:      "grants-gov",
		HeaderTimestamp:   "2026-03-02T10:00:00Z",
		HeaderRecordKind:  "grant",
		HeaderRecordID:    rec.ID(),
		HeaderAttempt:     "0",
		HeaderContentType: ContentTypeJSON,
		"x-scraper":       "grants",
	}, msg.Headers)
	require.Zero(t, msg.Attempt)
}

func TestProducerWrapsWriteFailures(t *testing.T) {
	t.Parallel()

	rec := acceptedRecord(t)
	prod := NewProducerWithWriter(&fakeWriter{err: errors.New("not enough replicas")}, time.Second, nil)
	err := prod.Publish(context.Background(), "listings", rec, nil)
	var pe *PublishError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, "listings", pe.Topic)
	require.Equal(t, rec.ID(), pe.Key)
	require.ErrorContains(t, err, "not enough replicas")
}

func TestProducerTimesOutUnacknowledgedWrites(t *testing.T) {
	t.Parallel()

	prod := NewProducerWithWriter(&fakeWriter{block: true}, 30*time.Millisecond, nil)
	start := time.Now()
	err := prod.Publish(context.Background(), "listings", acceptedRecord(t), nil)
	var pe *PublishError
	require.True(t, errors.As(err, &pe))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
}

func TestProducerRejectsUnacceptedRecords(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}
	err := NewProducerWithWriter(writer, time.Second, nil).Publish(context.Background(), "listings", validate.Record{}, nil)
	var pe *PublishError
	require.True(t, errors.As(err, &pe))
	require.Empty(t, writer.msgs)
}

func TestProducerClose(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}
	require.NoError(t, NewProducerWithWriter(writer, 0, nil).Close())
	require.True(t, writer.closed)
}

func TestNewProducerValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := NewProducer(ProducerConfig{}, nil)
	require.EqualError(t, err, "at least one broker is required")

	_, err = NewProducer(ProducerConfig{BrokerConfig: BrokerConfig{Brokers: []string{"localhost:9092"}}, Compression: "brotli"}, nil)
	require.EqualError(t, err, `unsupported compression "brotli"`)

	_, err = NewProducer(ProducerConfig{BrokerConfig: BrokerConfig{
		Brokers: []string{"localhost:9092"},
		SASL:    SASLConfig{Mechanism: "kerberos"},
	}}, nil)
	require.ErrorContains(t, err, `unsupported sasl mechanism "kerberos"`)

	prod, err := NewProducer(ProducerConfig{BrokerConfig: BrokerConfig{
		Brokers:  []string{"localhost:9092"},
		ClientID: "ingest",
		SASL:     SASLConfig{Mechanism: "scram-sha-512", Username: "u", Password: "p"},
	}, Compression: "zstd"}, nil)
	require.NoError(t, err)
	w, ok := prod.writer.(*kafka.Writer)
	require.True(t, ok)
	require.Equal(t, kafka.RequireAll, w.RequiredAcks)
	require.Equal(t, kafka.Zstd, w.Compression)
	require.NoError(t, prod.Close())
}

func TestParseCompression(t *testing.T) {
	t.Parallel()

	for name, want := range map[string]kafka.Compression{"": kafka.Snappy, "GZIP": kafka.Gzip, "lz4": kafka.Lz4, "snappy": kafka.Snappy} {
		got, err := ParseCompression(name)
		require.NoError(t, err)
		require.Equal(t, want, got, name)
	}
}

func TestTLSConfigBuild(t *testing.T) {
	t.Parallel()

	cfg, err := TLSConfig{}.build()
	require.NoError(t, err)
	require.Nil(t, cfg)

	cfg, err = TLSConfig{Enabled: true}.build()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	_, err = TLSConfig{Enabled: true, CAFile: "/does/not/exist.pem"}.build()
	require.ErrorContains(t, err, "read ca file")
}
