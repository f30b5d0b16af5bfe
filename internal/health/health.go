// Package health aggregates liveness probes and serves them over HTTP next
// to the Prometheus endpoint.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Probe returns nil when the checked dependency is usable.
type Probe func(ctx context.Context) error

// Status values.
const (
	StatusOK   = "ok"
	StatusFail = "fail"
)

// CheckResult is one probe's outcome.
type CheckResult struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

// Status is the aggregate of every registered probe.
type Status struct {
	Status string        `json:"status"`
	Checks []CheckResult `json:"checks"`
}

// OK reports whether every probe passed.
func (s Status) OK() bool { return s.Status == StatusOK }

// Registry holds named probes.
type Registry struct {
	timeout time.Duration

	mu     sync.RWMutex
	probes map[string]Probe
}

// NewRegistry returns a registry whose probes each get timeout to answer.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Registry{timeout: timeout, probes: make(map[string]Probe)}
}

// Register adds or replaces a probe.
func (r *Registry) Register(name string, probe Probe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes[name] = probe
}

// Check runs every probe concurrently.
func (r *Registry) Check(ctx context.Context) Status {
	r.mu.RLock()
	names := make([]string, 0, len(r.probes))
	probes := make(map[string]Probe, len(r.probes))
	for name, p := range r.probes {
		names = append(names, name)
		probes[name] = p
	}
	r.mu.RUnlock()
	sort.Strings(names)

	results := make([]CheckResult, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = r.run(ctx, name, probes[name])
		}()
	}
	wg.Wait()

	status := Status{Status: StatusOK, Checks: results}
	for _, res := range results {
		if res.Status != StatusOK {
			status.Status = StatusFail
		}
	}
	return status
}

func (r *Registry) run(ctx context.Context, name string, probe Probe) (res CheckResult) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	start := time.Now()
	res = CheckResult{Name: name, Status: StatusOK}
	defer func() {
		if rec := recover(); rec != nil {
			res.Status = StatusFail
			res.Error = fmt.Sprintf("probe panicked: %v", rec)
		}
		res.Duration = time.Since(start).String()
	}()
	if err := probe(ctx); err != nil {
		res.Status = StatusFail
		res.Error = err.Error()
	}
	return res
}
