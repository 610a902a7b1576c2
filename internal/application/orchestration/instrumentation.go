package orchestration

import (
	"context"

	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

func (c *core) incCounter(ctx context.Context, name string, labels map[string]string) {
	if c.metrics != nil {
		c.metrics.IncCounter(ctx, name, labels)
	}
}

func (c *core) observe(ctx context.Context, name string, value float64, labels map[string]string) {
	if c.metrics != nil {
		c.metrics.ObserveHistogram(ctx, name, value, labels)
	}
}

func (c *core) setActive(ctx context.Context, delta int64) {
	value := c.active.Add(delta)
	if c.metrics != nil {
		c.metrics.SetGauge(ctx, ports.MetricPlanExecutionsActive, float64(value), nil)
	}
}

func (c *core) startSpan(ctx context.Context, name string, attributes ...interface{}) (context.Context, ports.Span) {
	if c.tracer == nil {
		return ctx, noopSpan{}
	}
	return c.tracer.StartSpan(ctx, name, attributes...)
}

// endSpan closes span with a status derived from err.
func endSpan(span ports.Span, err error) {
	if err != nil {
		span.SetStatus(ports.SpanStatusError, err.Error())
	} else {
		span.SetStatus(ports.SpanStatusOK, "")
	}
	span.End()
}

type noopSpan struct{}

func (noopSpan) SetAttribute(string, interface{})     {}
func (noopSpan) SetStatus(ports.SpanStatus, string) {}
func (noopSpan) End()                               {}

type nopLogger struct{}

func (nopLogger) Debug(context.Context, string, ...interface{}) {}
func (nopLogger) Info(context.Context, string, ...interface{})  {}
func (nopLogger) Warn(context.Context, string, ...interface{})  {}
func (nopLogger) Error(context.Context, string, ...interface{}) {}
func (l nopLogger) With(...interface{}) ports.Logger            { return l }

// track counts pe as running in this process until untrack.
func (c *core) track(ctx context.Context, planExecutionID string) {
	if _, loaded := c.begun.LoadOrStore(planExecutionID, struct{}{}); !loaded {
		c.setActive(ctx, 1)
	}
}

func (c *core) untrack(ctx context.Context, planExecutionID string) {
	if _, loaded := c.begun.LoadAndDelete(planExecutionID); loaded {
		c.setActive(ctx, -1)
	}
}
