package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// NetworkError is a failed request or an unusable response status.
type NetworkError struct {
	URL string
	// Status is zero when no response arrived.
	Status    int
	Retryable bool
	Err       error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RateLimitError reports that no request slot became available in time, or
// that the source answered 429.
type RateLimitError struct {
	Source string
	Status int
	Waited time.Duration
}

func (e *RateLimitError) Error() string {
	if e.Status == http.StatusTooManyRequests {
		return fmt.Sprintf("rate limited by %s", e.Source)
	}
	return fmt.Sprintf("rate limit for %s not available after %s", e.Source, e.Waited)
}

// CircuitOpenError is returned without touching the network while the
// source's breaker is open.
type CircuitOpenError struct {
	Source string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s", e.Source)
}

// ProxyError reports a failure to reach or authenticate with the proxy.
type ProxyError struct {
	Proxy  string
	Status int
	Err    error
}

func (e *ProxyError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("proxy %s: status %d", e.Proxy, e.Status)
	}
	return fmt.Sprintf("proxy %s: %v", e.Proxy, e.Err)
}

func (e *ProxyError) Unwrap() error { return e.Err }

// Retryable reports whether a fetch error may succeed on a later attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var (
		open  *CircuitOpenError
		proxy *ProxyError
		rl    *RateLimitError
		ne    *NetworkError
	)
	switch {
	case errors.As(err, &open), errors.As(err, &proxy):
		return false
	case errors.As(err, &rl):
		return true
	case errors.As(err, &ne):
		return ne.Retryable
	}
	return false
}

// countsAsFailure decides which errors feed the breaker. Client errors mean
// the source is reachable, so they do not trip it.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return !errors.Is(err, context.Canceled)
}

// classifyStatus maps a non-success response onto the error taxonomy.
func classifyStatus(source, url, proxy string, status int) error {
	switch {
	case status == http.StatusProxyAuthRequired:
		return &ProxyError{Proxy: proxy, Status: status}
	case status == http.StatusTooManyRequests:
		return &RateLimitError{Source: source, Status: status}
	case status >= 500, status == http.StatusRequestTimeout:
		return &NetworkError{URL: url, Status: status, Retryable: true}
	default:
		return &NetworkError{URL: url, Status: status}
	}
}

// classifyTransport maps a transport failure onto the error taxonomy.
func classifyTransport(url, proxy string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if proxy != "" && isProxyFailure(err) {
		return &ProxyError{Proxy: proxy, Err: err}
	}
	return &NetworkError{URL: url, Retryable: true, Err: err}
}

func isProxyFailure(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "proxyconnect" {
		return true
	}
	return strings.Contains(err.Error(), "proxyconnect")
}
