package metrics

import (
	"errors"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the narrow metrics surface handed to pipeline components.
type Sink interface {
	IncCounter(name string, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

// Nop discards everything.
type Nop struct{}

// IncCounter implements Sink.
func (Nop) IncCounter(string, map[string]string) {}

// SetGauge implements Sink.
func (Nop) SetGauge(string, float64, map[string]string) {}

// PrometheusSink registers a vector per metric name on first use. The label
// keys seen first fix the vector's label names; later calls with other keys
// are dropped.
type PrometheusSink struct {
	mu        sync.Mutex
	reg       prometheus.Registerer
	namespace string
	counters  map[string]*prometheus.CounterVec
	gauges    map[string]*prometheus.GaugeVec
}

// NewPrometheusSink builds a sink on reg, or the default registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer, namespace string) *PrometheusSink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PrometheusSink{
		reg:       reg,
		namespace: namespace,
		counters:  make(map[string]*prometheus.CounterVec),
		gauges:    make(map[string]*prometheus.GaugeVec),
	}
}

// IncCounter implements Sink.
func (s *PrometheusSink) IncCounter(name string, labels map[string]string) {
	s.mu.Lock()
	vec, ok := s.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: s.namespace,
			Name:      name,
			Help:      name + " counter.",
		}, labelNames(labels))
		vec = register(s.reg, vec)
		s.counters[name] = vec
	}
	s.mu.Unlock()
	if c, err := vec.GetMetricWith(labels); err == nil {
		c.Inc()
	}
}

// SetGauge implements Sink.
func (s *PrometheusSink) SetGauge(name string, value float64, labels map[string]string) {
	s.mu.Lock()
	vec, ok := s.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: s.namespace,
			Name:      name,
			Help:      name + " gauge.",
		}, labelNames(labels))
		vec = register(s.reg, vec)
		s.gauges[name] = vec
	}
	s.mu.Unlock()
	if g, err := vec.GetMetricWith(labels); err == nil {
		g.Set(value)
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
