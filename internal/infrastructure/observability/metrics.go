// Package observability adapts the metrics and tracing ports to Prometheus
// and OpenTelemetry.
package observability

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/logging"
	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

// Metric names emitted by the engine, re-exported for adapters and tests.
const (
	MetricPlanExecutions        = ports.MetricPlanExecutions
	MetricNodeExecutions        = ports.MetricNodeExecutions
	MetricAdviserDirectives     = ports.MetricAdviserDirectives
	MetricResumeCallbacks       = ports.MetricResumeCallbacks
	MetricPlanExecutionsActive  = ports.MetricPlanExecutionsActive
	MetricPlanExecutionDuration = ports.MetricPlanExecutionDuration
	MetricNodeExecutionDuration = ports.MetricNodeExecutionDuration
)

type metricKind int

const (
	kindCounter metricKind = iota
	kindGauge
	kindHistogram
)

type family struct {
	kind   metricKind
	labels []string
	vec    prometheus.Collector
}

// PrometheusCollector implements ports.MetricsCollector on a Prometheus
// registry. The engine's own metrics are registered up front; any other name
// is registered on first use with the label keys of that call.
type PrometheusCollector struct {
	registry *prometheus.Registry
	logger   ports.Logger

	mu       sync.Mutex
	families map[string]*family
}

// NewPrometheusCollector registers the engine metrics on registry. A nil
// registry gets a fresh one.
func NewPrometheusCollector(registry *prometheus.Registry, logger ports.Logger) (*PrometheusCollector, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	c := &PrometheusCollector{
		registry: registry,
		logger:   logger,
		families: make(map[string]*family),
	}
	predefined := []struct {
		name   string
		help   string
		kind   metricKind
		labels []string
	}{
		{MetricPlanExecutions, "Plan executions that reached a final status.", kindCounter, []string{"status"}},
		{MetricNodeExecutions, "Node executions that reached a final status.", kindCounter, []string{"status", "step_type"}},
		{MetricAdviserDirectives, "Directives returned by failure advisers.", kindCounter, []string{"directive"}},
		{MetricResumeCallbacks, "Resume callback outcomes.", kindCounter, []string{"result"}},
		{MetricPlanExecutionsActive, "Plan executions currently running in this process.", kindGauge, nil},
		{MetricPlanExecutionDuration, "Duration of plan executions in seconds.", kindHistogram, []string{"status"}},
		{MetricNodeExecutionDuration, "Duration of node executions in seconds.", kindHistogram, []string{"step_type"}},
	}
	for _, m := range predefined {
		if _, err := c.register(m.name, m.help, m.kind, m.labels); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Registry exposes the registry for the /metrics handler.
func (c *PrometheusCollector) Registry() *prometheus.Registry { return c.registry }

func (c *PrometheusCollector) register(name, help string, kind metricKind, labels []string) (*family, error) {
	var vec prometheus.Collector
	switch kind {
	case kindCounter:
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	case kindGauge:
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	default:
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: prometheus.DefBuckets}, labels)
	}
	if err := c.registry.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, err
		}
		vec = already.ExistingCollector
	}
	f := &family{kind: kind, labels: labels, vec: vec}
	c.families[name] = f
	return f, nil
}

func (c *PrometheusCollector) lookup(ctx context.Context, name string, kind metricKind, labels map[string]string) (*family, prometheus.Labels, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.families[name]
	if !ok {
		keys := make([]string, 0, len(labels))
		for k := range labels {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var err error
		f, err = c.register(name, strings.ReplaceAll(name, "_", " "), kind, keys)
		if err != nil {
			c.logger.Warn(ctx, "metric registration failed", "metric", name, "error", err)
			return nil, nil, false
		}
	}
	if f.kind != kind {
		c.logger.Warn(ctx, "metric used with a different kind", "metric", name)
		return nil, nil, false
	}
	values := make(prometheus.Labels, len(f.labels))
	for _, key := range f.labels {
		values[key] = labels[key]
	}
	return f, values, true
}

func (c *PrometheusCollector) IncCounter(ctx context.Context, name string, labels map[string]string) {
	f, values, ok := c.lookup(ctx, name, kindCounter, labels)
	if !ok {
		return
	}
	f.vec.(*prometheus.CounterVec).With(values).Inc()
}

func (c *PrometheusCollector) SetGauge(ctx context.Context, name string, value float64, labels map[string]string) {
	f, values, ok := c.lookup(ctx, name, kindGauge, labels)
	if !ok {
		return
	}
	f.vec.(*prometheus.GaugeVec).With(values).Set(value)
}

func (c *PrometheusCollector) ObserveHistogram(ctx context.Context, name string, value float64, labels map[string]string) {
	f, values, ok := c.lookup(ctx, name, kindHistogram, labels)
	if !ok {
		return
	}
	f.vec.(*prometheus.HistogramVec).With(values).Observe(value)
}

var _ ports.MetricsCollector = (*PrometheusCollector)(nil)
