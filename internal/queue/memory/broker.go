// Package memory provides an in-process broker with Kafka semantics for local
// runs and tests. It plugs into queue.NewProducerWithWriter and
// queue.NewConsumerWithReader.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// ErrClosed is returned once the broker or a reader has been closed.
var ErrClosed = errors.New("memory broker closed")

// Broker keeps every topic as an append-only log split into partitions.
// Keys are assigned to partitions with kafka-go's hash balancer, so ordering
// per key matches a real cluster.
type Broker struct {
	partitions int
	balancer   kafka.Balancer

	mu       sync.Mutex
	logs     map[string][][]kafka.Message
	readers  []*Reader
	closed   bool
	notifyCh chan struct{}
}

// NewBroker returns a broker whose topics have the given partition count.
func NewBroker(partitions int) *Broker {
	if partitions <= 0 {
		partitions = 1
	}
	return &Broker{
		partitions: partitions,
		balancer:   &kafka.Hash{},
		logs:       make(map[string][][]kafka.Message),
		notifyCh:   make(chan struct{}),
	}
}

// WriteMessages appends msgs to their topics.
func (b *Broker) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	ids := make([]int, b.partitions)
	for i := range ids {
		ids[i] = i
	}
	for _, m := range msgs {
		if m.Topic == "" {
			return errors.New("message topic is required")
		}
		log := b.topic(m.Topic)
		p := b.balancer.Balance(m, ids...)
		m.Partition = p
		m.Offset = int64(len(log[p]))
		if m.Time.IsZero() {
			m.Time = time.Now()
		}
		m.Headers = slices.Clone(m.Headers)
		log[p] = append(log[p], m)
	}
	b.broadcast()
	return nil
}

// Messages returns a copy of everything written to topic, partition by
// partition.
func (b *Broker) Messages(topic string) []kafka.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []kafka.Message
	for _, part := range b.logs[topic] {
		out = append(out, part...)
	}
	return out
}

// Reader subscribes to topics from the first offset. Readers do not share
// partitions; each one sees every message.
func (b *Broker) Reader(topics ...string) *Reader {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := &Reader{
		broker:    b,
		topics:    slices.Clone(topics),
		next:      make(map[position]int64),
		committed: make(map[position]int64),
	}
	b.readers = append(b.readers, r)
	return r
}

// Close is a no-op for producers sharing the broker; use Shutdown to stop it.
func (b *Broker) Close() error { return nil }

// Shutdown closes the broker. Blocked readers return ErrClosed.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.broadcast()
}

func (b *Broker) topic(name string) [][]kafka.Message {
	log, ok := b.logs[name]
	if !ok {
		log = make([][]kafka.Message, b.partitions)
		b.logs[name] = log
	}
	return log
}

// broadcast wakes every waiting reader. Callers hold b.mu.
func (b *Broker) broadcast() {
	close(b.notifyCh)
	b.notifyCh = make(chan struct{})
}

type position struct {
	topic     string
	partition int
}

// Reader implements queue.Reader over a Broker.
type Reader struct {
	broker *Broker
	topics []string

	// next and committed are guarded by broker.mu.
	next      map[position]int64
	committed map[position]int64
	closed    bool
}

// FetchMessage returns the next unread message, blocking until one arrives.
// Partitions are scanned in topic order, so one reader interleaves them.
func (r *Reader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	for {
		r.broker.mu.Lock()
		if r.closed || r.broker.closed {
			r.broker.mu.Unlock()
			return kafka.Message{}, ErrClosed
		}
		if m, ok := r.poll(); ok {
			r.broker.mu.Unlock()
			return m, nil
		}
		wait := r.broker.notifyCh
		r.broker.mu.Unlock()

		select {
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		case <-wait:
		}
	}
}

func (r *Reader) poll() (kafka.Message, bool) {
	for _, topic := range r.topics {
		for p, part := range r.broker.logs[topic] {
			pos := position{topic: topic, partition: p}
			offset := r.next[pos]
			if offset < int64(len(part)) {
				r.next[pos] = offset + 1
				m := part[offset]
				m.Headers = slices.Clone(m.Headers)
				return m, true
			}
		}
	}
	return kafka.Message{}, false
}

// CommitMessages records the offset after each message.
func (r *Reader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.broker.mu.Lock()
	defer r.broker.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	for _, m := range msgs {
		pos := position{topic: m.Topic, partition: m.Partition}
		if !slices.Contains(r.topics, m.Topic) {
			return fmt.Errorf("commit %s: topic not subscribed", m.Topic)
		}
		if m.Offset+1 > r.committed[pos] {
			r.committed[pos] = m.Offset + 1
		}
	}
	return nil
}

// Committed returns the committed offset (next to read) for a partition.
func (r *Reader) Committed(topic string, partition int) int64 {
	r.broker.mu.Lock()
	defer r.broker.mu.Unlock()
	return r.committed[position{topic: topic, partition: partition}]
}

// Lag returns how many messages across the reader's topics are not yet
// committed.
func (r *Reader) Lag() int64 {
	r.broker.mu.Lock()
	defer r.broker.mu.Unlock()
	var lag int64
	for _, topic := range r.topics {
		for p, part := range r.broker.logs[topic] {
			lag += int64(len(part)) - r.committed[position{topic: topic, partition: p}]
		}
	}
	return lag
}

// Close stops the reader. Blocked fetches return ErrClosed.
func (r *Reader) Close() error {
	r.broker.mu.Lock()
	defer r.broker.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.broker.broadcast()
	return nil
}
