package fetch

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"
)

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback)   { s.onRequest = cb }
func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }
func (s *stubHooks) OnError(cb colly.ErrorCallback)       { s.onError = cb }

func TestClampTimeout(t *testing.T) {
	t.Parallel()

	tests := map[time.Duration]time.Duration{
		0:                      DefaultTimeout,
		time.Millisecond:       time.Second,
		-time.Second:           time.Second,
		5 * time.Second:        5 * time.Second,
		60 * time.Second:       60 * time.Second,
		10 * time.Minute:       60 * time.Second,
		999 * time.Millisecond: time.Second,
	}
	for in, want := range tests {
		require.Equal(t, want, ClampTimeout(in), in.String())
	}
}

func TestBuildCollector(t *testing.T) {
	t.Parallel()

	tr, err := NewTransport("s", HTTPConfig{UserAgent: "coverage-agent", RespectRobots: true})
	require.NoError(t, err)
	c := tr.buildCollector(context.Background())
	require.Equal(t, "coverage-agent", c.UserAgent)
	require.False(t, c.IgnoreRobotsTxt)
	require.True(t, c.AllowURLRevisit)
	require.True(t, c.ParseHTTPErrorResponse)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	tr, err := NewTransport("s", HTTPConfig{AcceptLanguage: "de", Headers: map[string]string{"X-Trace": "yes"}})
	require.NoError(t, err)

	var (
		result   Result
		fetchErr error
	)
	hooks := &stubHooks{}
	tr.configureCollectorHooks(hooks, time.Unix(0, 0), &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	req := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(req)
	require.Equal(t, "yes", req.Headers.Get("X-Trace"))
	require.Equal(t, "de", req.Headers.Get("Accept-Language"))

	target, err := url.Parse("https://example.com/final")
	require.NoError(t, err)
	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: target},
	})
	require.Equal(t, http.StatusCreated, result.Status)
	require.Equal(t, "body", string(result.Body))
	require.Equal(t, "ok", result.Header.Get("X-Resp"))
	require.Equal(t, "https://example.com/final", result.FinalURL)

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func TestTransportUsesProxyWithBasicAuth(t *testing.T) {
	t.Parallel()

	auth := make(chan string, 1)
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Proxy-Authorization")
		_, _ = w.Write([]byte("<html><body>via proxy</body></html>"))
	}))
	defer proxy.Close()

	tr, err := NewTransport("s", HTTPConfig{Proxy: Proxy{URL: proxy.URL, Username: "scraper", Password: "s3cret"}})
	require.NoError(t, err)
	res, err := tr.Get(context.Background(), "http://listings.invalid/page")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.Status)
	require.Contains(t, string(res.Body), "via proxy")
	require.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("scraper:s3cret")), <-auth)
}

func TestProxyFailures(t *testing.T) {
	t.Parallel()

	denied := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusProxyAuthRequired)
	}))
	defer denied.Close()

	cfg := testConfig("http://listings.invalid/page")
	cfg.HTTP.Proxy = Proxy{URL: denied.URL}
	_, err := newTestFetcher(t, cfg).Fetch(context.Background())
	var pe *ProxyError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, http.StatusProxyAuthRequired, pe.Status)
	require.False(t, Retryable(err))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg.HTTP.Proxy = Proxy{URL: "http://" + addr}
	_, err = newTestFetcher(t, cfg).Fetch(context.Background())
	require.True(t, errors.As(err, &pe), "got %v", err)
	require.Zero(t, pe.Status)
}

func TestTransportCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	tr, err := NewTransport("s", HTTPConfig{Timeout: 5 * time.Second})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = tr.Get(ctx, srv.URL)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTransportCancellationAbortsRequest(t *testing.T) {
	t.Parallel()

	var aborted atomic.Bool
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			aborted.Store(true)
		case <-release:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()
	defer close(release)

	tr, err := NewTransport("s", HTTPConfig{Timeout: 5 * time.Second})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = tr.Get(ctx, srv.URL)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 2*time.Second, "the request is cut short rather than left running")
	require.Eventually(t, aborted.Load, 2*time.Second, 10*time.Millisecond)
}
