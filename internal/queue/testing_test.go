package queue

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/JakeFAU/listing-ingest/internal/record"
	"github.com/JakeFAU/listing-ingest/internal/validate"
)

type fakeReader struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []kafka.Message
	commitErr error
	closeOnce sync.Once
}

func newFakeReader() *fakeReader {
	return &fakeReader{msgs: make(chan kafka.Message, 128)}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m, ok := <-r.msgs:
		if !ok {
			return kafka.Message{}, io.EOF
		}
		return m, nil
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.commitErr != nil {
		return r.commitErr
	}
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.closeOnce.Do(func() { close(r.msgs) })
	return nil
}

func (r *fakeReader) Committed() []kafka.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kafka.Message(nil), r.committed...)
}

// fakeDLQ records rerouted messages and optionally feeds them back to a reader.
type fakeDLQ struct {
	mu        sync.Mutex
	published []Message
	fail      error
	feed      *fakeReader
	offset    int64
}

func (d *fakeDLQ) Publish(context.Context, string, validate.Record, map[string]string) error {
	return errors.New("not used")
}

func (d *fakeDLQ) PublishMessage(_ context.Context, msg Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	d.published = append(d.published, msg)
	if d.feed != nil {
		d.offset++
		km := toKafka(msg)
		km.Offset = d.offset
		km.Time = time.Now()
		d.feed.msgs <- km
	}
	return nil
}

func (d *fakeDLQ) Close() error { return nil }

func (d *fakeDLQ) Published() []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Message(nil), d.published...)
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	block  bool
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.block {
		<-ctx.Done()
		return ctx.Err()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type staticIDs struct{ id string }

func (g staticIDs) NewID() (string, error) { return g.id, nil }

func acceptedRecord(t *testing.T) validate.Record {
	t.Helper()
	now := time.Date(2026, time.March, 2, 9, 30, 0, 123456789, time.UTC)
	deadline := now.AddDate(0, 2, 0)
	v := validate.New(validate.Rules{}, fixedClock{now: now}, staticIDs{id: "0190f0b8-5c2e-7a1e-8d4e-3b2a1c0d9e8f"})
	rec, res, err := v.Accept("grants-gov", &record.GrantCandidate{
		SourceURL:         "https://grants.example.gov/list",
		DetailURL:         "https://grants.example.gov/opp/42",
		Title:             "Coastal resilience research",
		Description:       "Multi-year funding for research on coastal erosion and storm surge mitigation.",
		Agency:            "NOAA",
		OpportunityNumber: "NOAA-2026-42",
		Amount:            750000,
		AmountRaw:         "$750,000",
		Currency:          "USD",
		Deadline:          &deadline,
		DeadlineRaw:       deadline.Format("2006-01-02"),
		Classification:    "public",
		Categories:        []string{"climate", "oceans"},
	})
	if err != nil || !res.Valid {
		t.Fatalf("accept record: %v %+v", err, res)
	}
	return rec
}
