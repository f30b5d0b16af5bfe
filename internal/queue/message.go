package queue

import (
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/JakeFAU/listing-ingest/internal/record"
	"github.com/JakeFAU/listing-ingest/internal/validate"
)

// Standard message headers.
const (
	HeaderSource        = "x-source"
	HeaderTimestamp     = "x-timestamp"
	HeaderRecordKind    = "x-record-kind"
	HeaderRecordID      = "x-record-id"
	HeaderAttempt       = "x-attempt"
	HeaderOriginalTopic = "x-original-topic"
	HeaderContentType   = "content-type"

	ContentTypeJSON = "application/json"
)

// Message is the broker-neutral wire shape. Attempt mirrors the x-attempt
// header and only grows as a message is rerouted.
type Message struct {
	Topic   string
	Key     string
	Headers map[string]string
	Payload []byte
	Attempt int

	// Set on consumed messages.
	Partition int
	Offset    int64
	Time      time.Time
}

// NewMessage serializes rec for topic. Caller headers are kept unless they
// collide with a standard header.
func NewMessage(topic string, rec validate.Record, headers map[string]string, now time.Time) (Message, error) {
	if rec.IsZero() {
		return Message{}, fmt.Errorf("encode message: record was not accepted")
	}
	payload, err := rec.Envelope().Marshal()
	if err != nil {
		return Message{}, fmt.Errorf("encode message: %w", err)
	}
	h := make(map[string]string, len(headers)+6)
	for k, v := range headers {
		h[k] = v
	}
	h[HeaderSource] = rec.Source()
	h[HeaderTimestamp] = now.UTC().Format(time.RFC3339Nano)
	h[HeaderRecordKind] = string(rec.Kind())
	h[HeaderRecordID] = rec.ID()
	h[HeaderAttempt] = "0"
	h[HeaderContentType] = ContentTypeJSON
	return Message{
		Topic:   topic,
		Key:     rec.ID(),
		Headers: h,
		Payload: payload,
	}, nil
}

// Envelope decodes the payload.
func (m Message) Envelope() (record.Envelope, error) {
	return record.Decode(m.Payload)
}

// OriginalTopic returns the topic the message was first published to.
func (m Message) OriginalTopic() string {
	if t := m.Headers[HeaderOriginalTopic]; t != "" {
		return t
	}
	return m.Topic
}

// Reroute returns a copy addressed to topic with the attempt incremented and
// the original topic recorded.
func (m Message) Reroute(topic string) Message {
	h := make(map[string]string, len(m.Headers)+2)
	for k, v := range m.Headers {
		h[k] = v
	}
	h[HeaderOriginalTopic] = m.OriginalTopic()
	attempt := m.Attempt + 1
	h[HeaderAttempt] = strconv.Itoa(attempt)
	return Message{
		Topic:   topic,
		Key:     m.Key,
		Headers: h,
		Payload: append([]byte(nil), m.Payload...),
		Attempt: attempt,
	}
}

// AttemptOf reads x-attempt; a missing or malformed header counts as zero.
func AttemptOf(headers map[string]string) int {
	n, err := strconv.Atoi(headers[HeaderAttempt])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func toKafka(m Message) kafka.Message {
	km := kafka.Message{
		Topic: m.Topic,
		Value: m.Payload,
	}
	if m.Key != "" {
		km.Key = []byte(m.Key)
	}
	for k, v := range m.Headers {
		km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return km
}

func fromKafka(km kafka.Message) Message {
	headers := make(map[string]string, len(km.Headers))
	for _, h := range km.Headers {
		headers[h.Key] = string(h.Value)
	}
	return Message{
		Topic:     km.Topic,
		Key:       string(km.Key),
		Headers:   headers,
		Payload:   km.Value,
		Attempt:   AttemptOf(headers),
		Partition: km.Partition,
		Offset:    km.Offset,
		Time:      km.Time,
	}
}
