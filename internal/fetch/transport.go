package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
)

// Timeout bounds for a single request.
const (
	MinTimeout     = time.Second
	MaxTimeout     = 60 * time.Second
	DefaultTimeout = 15 * time.Second
)

// ClampTimeout keeps d inside [MinTimeout, MaxTimeout]; zero means DefaultTimeout.
func ClampTimeout(d time.Duration) time.Duration {
	switch {
	case d == 0:
		return DefaultTimeout
	case d < MinTimeout:
		return MinTimeout
	case d > MaxTimeout:
		return MaxTimeout
	}
	return d
}

// Proxy routes requests through an HTTP proxy, optionally with basic auth.
type Proxy struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// HTTPConfig controls how requests are issued.
type HTTPConfig struct {
	UserAgent      string            `mapstructure:"user_agent"`
	AcceptLanguage string            `mapstructure:"accept_language"`
	Headers        map[string]string `mapstructure:"headers"`
	Timeout        time.Duration     `mapstructure:"timeout"`
	Proxy          Proxy             `mapstructure:"proxy"`
	RespectRobots  bool              `mapstructure:"respect_robots"`
}

// Result is a fetched page.
type Result struct {
	URL      string
	FinalURL string
	Status   int
	Header   http.Header
	Body     []byte
	Latency  time.Duration
}

// Transport issues GET requests with a colly collector.
type Transport struct {
	cfg           HTTPConfig
	source        string
	proxyLabel    string
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// NewTransport builds a Transport for source.
func NewTransport(source string, cfg HTTPConfig) (*Transport, error) {
	transport := newHTTPTransport()
	proxyLabel := ""
	if cfg.Proxy.URL != "" {
		proxyURL, err := url.Parse(cfg.Proxy.URL)
		if err != nil || proxyURL.Host == "" {
			return nil, fmt.Errorf("parse proxy url %q: invalid", cfg.Proxy.URL)
		}
		if cfg.Proxy.Username != "" {
			proxyURL.User = url.UserPassword(cfg.Proxy.Username, cfg.Proxy.Password)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
		proxyLabel = proxyURL.Redacted()
	}

	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(transport)
	c.SetRequestTimeout(ClampTimeout(cfg.Timeout))

	return &Transport{
		cfg:           cfg,
		source:        source,
		proxyLabel:    proxyLabel,
		baseCollector: c,
	}, nil
}

// Get fetches target. Any response status is returned in the Result; only
// transport failures produce an error.
func (t *Transport) Get(ctx context.Context, target string) (Result, error) {
	var (
		result   Result
		fetchErr error
	)
	start := time.Now()
	collector := t.buildCollector(ctx)
	t.configureCollectorHooks(collector, start, &result, &fetchErr)

	if err := t.runCollector(ctx, collector, target, &fetchErr); err != nil {
		return Result{URL: target}, err
	}
	result.URL = target
	return result, nil
}

func (t *Transport) buildCollector(ctx context.Context) *colly.Collector {
	collector := t.baseCollector.Clone()
	collector.Context = ctx
	if t.cfg.UserAgent != "" {
		collector.UserAgent = t.cfg.UserAgent
	}
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = !t.cfg.RespectRobots
	collector.ParseHTTPErrorResponse = true
	return collector
}

func (t *Transport) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *Result,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		t.copyHeaders(r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = Result{
			FinalURL: r.Request.URL.String(),
			Status:   r.StatusCode,
			Header:   r.Headers.Clone(),
			Body:     append([]byte(nil), r.Body...),
			Latency:  time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

// runCollector returns only after the visit has finished, so callers may
// release per-request resources once it returns. The request carries ctx and
// is aborted when ctx is done.
func (t *Transport) runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		<-done
		return fmt.Errorf("fetch %s canceled: %w", target, ctx.Err())
	case err := <-done:
		if ctx.Err() != nil {
			return fmt.Errorf("fetch %s canceled: %w", target, ctx.Err())
		}
		if err == nil {
			err = *fetchErr
		}
		if err == nil {
			return nil
		}
		if errors.Is(err, colly.ErrRobotsTxtBlocked) {
			return &NetworkError{URL: target, Err: err}
		}
		return classifyTransport(target, t.proxyLabel, err)
	}
}

func (t *Transport) copyHeaders(r *colly.Request) {
	if t.cfg.AcceptLanguage != "" {
		r.Headers.Set("Accept-Language", t.cfg.AcceptLanguage)
	}
	for key, value := range t.cfg.Headers {
		r.Headers.Set(key, value)
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
