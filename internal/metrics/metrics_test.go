package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestObserveFunctions(t *testing.T) {
	Init()
	Init()

	ObserveFetch("metrics-test", 200, 10*time.Millisecond)
	ObserveFetch("metrics-test", 200, 20*time.Millisecond)
	require.InDelta(t, 2, testutil.ToFloat64(fetchRequestsTotal.WithLabelValues("metrics-test", "200")), 0)

	ObserveFetchFailure("metrics-test", "network")
	require.InDelta(t, 1, testutil.ToFloat64(fetchFailuresTotal.WithLabelValues("metrics-test", "network")), 0)

	SetCircuitState("metrics-test", CircuitOpen)
	require.InDelta(t, 2, testutil.ToFloat64(circuitState.WithLabelValues("metrics-test")), 0)

	ObserveRecords("metrics-test", "published", 3)
	ObserveRecords("metrics-test", "published", 0)
	require.InDelta(t, 3, testutil.ToFloat64(recordsTotal.WithLabelValues("metrics-test", "published")), 0)

	ObservePublish("metrics-topic", "ok")
	ObserveConsume("metrics-topic", "committed")
	require.InDelta(t, 1, testutil.ToFloat64(queuePublishedTotal.WithLabelValues("metrics-topic", "ok")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(queueConsumedTotal.WithLabelValues("metrics-topic", "committed")), 0)
}

func TestPrometheusSink(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg, "test")

	sink.IncCounter("scrapers_created_total", map[string]string{"kind": "grant"})
	sink.IncCounter("scrapers_created_total", map[string]string{"kind": "grant"})
	sink.IncCounter("scrapers_created_total", map[string]string{"other": "x"})
	sink.SetGauge("scrapers_active", 4, map[string]string{"kind": "grant"})

	require.InDelta(t, 2, testutil.ToFloat64(sink.counters["scrapers_created_total"].WithLabelValues("grant")), 0)
	require.InDelta(t, 4, testutil.ToFloat64(sink.gauges["scrapers_active"].WithLabelValues("grant")), 0)

	// A second sink on the same registry reuses the registered collectors.
	again := NewPrometheusSink(reg, "test")
	again.IncCounter("scrapers_created_total", map[string]string{"kind": "grant"})
	require.InDelta(t, 3, testutil.ToFloat64(sink.counters["scrapers_created_total"].WithLabelValues("grant")), 0)

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
