package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/listing-ingest/internal/config"
	"github.com/JakeFAU/listing-ingest/internal/queue"
	"github.com/JakeFAU/listing-ingest/internal/queue/memory"
	"github.com/JakeFAU/listing-ingest/internal/record"
	"github.com/JakeFAU/listing-ingest/internal/validate"
)

const grantPage = `<html><body><table>
<tr class="opp">
  <td class="title">Coastal resilience research</td>
  <td class="desc">Multi-year funding for research on coastal erosion and storm surge mitigation in vulnerable communities.</td>
  <td class="agency">NOAA</td>
  <td class="amount">Up to 750,000</td>
  <td class="deadline">Deadline: 2030-12-01</td>
</tr>
<tr class="opp">
  <td class="title">Tiny seed grant</td>
  <td class="desc">Too short.</td>
  <td class="agency">NSF</td>
</tr>
</table></body></html>`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ingest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// testApp publishes into broker and logs into an observer.
func testApp(broker *memory.Broker) (*app, *observer.ObservedLogs) {
	core, logs := observer.New(zap.InfoLevel)
	a := newApp()
	a.newLogger = func(config.LoggingConfig) (*zap.Logger, error) { return zap.New(core), nil }
	a.newPublisher = func(_ context.Context, cfg config.Config, logger *zap.Logger) (queue.Publisher, error) {
		return queue.NewProducerWithWriter(broker, cfg.Broker.Timeout, logger), nil
	}
	return a, logs
}

func execute(t *testing.T, a *app, args ...string) error {
	t.Helper()
	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return cmd.ExecuteContext(ctx)
}

func TestScrapeOncePublishesValidRecords(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(grantPage))
	}))
	t.Cleanup(srv.Close)

	path := writeConfig(t, fmt.Sprintf(`
broker:
  driver: memory
  topic: listings
http:
  respect_robots: false
sources:
  - name: grants
    kind: grant
    url: %s
    currency: usd
    retry:
      max_retries: 0
    grant:
      listing: tr.opp
      title: .title
      description: .desc
      agency: .agency
      amount: .amount
      deadline: .deadline
`, srv.URL))

	broker := memory.NewBroker(2)
	a, logs := testApp(broker)
	require.NoError(t, execute(t, a, "scrape", "--once", "--config", path))

	msgs := broker.Messages("listings")
	require.Len(t, msgs, 1)
	headers := make(map[string]string, len(msgs[0].Headers))
	for _, h := range msgs[0].Headers {
		headers[h.Key] = string(h.Value)
	}
	require.Equal(t, "grants", headers[queue.HeaderSource])
	require.Contains(t, headers["x-source-url"], srv.URL)
	require.Equal(t, 1, logs.FilterMessage("source configured").Len())
}

func TestScrapeRequiresSources(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "broker:\n  driver: memory\n")
	a, _ := testApp(memory.NewBroker(1))
	require.EqualError(t, execute(t, a, "scrape", "--once", "--config", path), "no sources configured")
}

func TestScrapeMemoryDriverRequiresOnce(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
broker:
  driver: memory
sources:
  - name: grants
    kind: grant
    url: https://grants.example.org/open
    grant:
      listing: tr.opp
      title: .title
      description: .desc
      agency: .agency
`)
	broker := memory.NewBroker(1)
	a, _ := testApp(broker)
	require.EqualError(t, execute(t, a, "scrape", "--config", path), "the memory broker driver requires --once")
	require.Empty(t, broker.Messages("listings"))
}

func TestConfigErrorsSurface(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "server:\n  port: 0\n")
	a, _ := testApp(memory.NewBroker(1))
	require.ErrorContains(t, execute(t, a, "scrape", "--config", path), "server.port must be > 0")
}

func TestConsumeRequiresKafka(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "broker:\n  driver: memory\n")
	a, _ := testApp(memory.NewBroker(1))
	require.ErrorContains(t, execute(t, a, "consume", "--config", path), "consume requires the kafka broker driver")
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type staticID string

func (s staticID) NewID() (string, error) { return string(s), nil }

func TestLogRecordHandler(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, time.June, 1, 12, 0, 0, 0, time.UTC)
	v := validate.New(validate.DefaultRules(), fixedClock{now: now}, staticID("rec-1"))
	rec, res, err := v.Accept("grants", &record.GrantCandidate{
		SourceURL:   "https://grants.example.org/open",
		Title:       "Coastal resilience research",
		Description: "Multi-year funding for research on coastal erosion and storm surge mitigation.",
		Agency:      "NOAA",
	})
	require.NoError(t, err)
	require.True(t, res.Valid, "%v", res.Errors)

	msg, err := queue.NewMessage("listings", rec, nil, now)
	require.NoError(t, err)

	core, logs := observer.New(zap.InfoLevel)
	handle := logRecord(zap.New(core))
	require.NoError(t, handle(context.Background(), msg))
	entries := logs.FilterMessage("record received").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "rec-1", fields["id"])
	require.Equal(t, "Coastal resilience research", fields["title"])

	require.ErrorContains(t, handle(context.Background(), queue.Message{Payload: []byte("{")}), "decode envelope")

	empty := queue.Message{Payload: []byte(`{"id":"rec-2","kind":"grant","source":"grants"}`)}
	require.ErrorContains(t, handle(context.Background(), empty), "missing \"grant\" body")
}

func TestNewPublisherDrivers(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)

	cfg.Broker.Driver = config.DriverMemory
	pub, err := newPublisher(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, pub.Close())

	cfg.Broker.Driver = "carrier-pigeon"
	_, err = newPublisher(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "unsupported broker driver")
}
