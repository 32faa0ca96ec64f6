// Package observability wires OpenTelemetry tracing into nebulastream.
//
// Spans are opened per batch: a worker flush, the sink round trip inside it
// and the dead-letter routing that may follow. Until Initialize installs an
// sdk provider every span is a no-op.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/ajitpratap0/nebulastream"

// Span is an otel span whose attributes are applied when it ends.
type Span struct {
	span  trace.Span
	start time.Time
	attrs []attribute.KeyValue
}

// SetAttribute queues key=value for the span. Unsupported value types are
// recorded in their fmt representation.
func (s *Span) SetAttribute(key string, value interface{}) {
	s.attrs = append(s.attrs, toAttribute(key, value))
}

func toAttribute(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case time.Duration:
		return attribute.String(key, v.String())
	default:
		return attribute.String(key, fmt.Sprint(v))
	}
}

// AddEvent records a timestamped event on the span.
func (s *Span) AddEvent(name string, attrs ...attribute.KeyValue) {
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// RecordError sets the span status from err. A nil err marks it Ok.
func (s *Span) RecordError(err error) {
	if err == nil {
		s.span.SetStatus(codes.Ok, "")
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// Duration is the time since the span started.
func (s *Span) Duration() time.Duration { return time.Since(s.start) }

func (s *Span) End() {
	s.span.SetAttributes(s.attrs...)
	s.span.End()
}

// ComponentTracer opens spans named "<component>.<operation>", for example
// "worker.flush".
type ComponentTracer struct {
	component string
}

func NewComponentTracer(component string) *ComponentTracer {
	return &ComponentTracer{component: component}
}

// StartSpan opens a span on the global tracer provider.
func (ct *ComponentTracer) StartSpan(ctx context.Context, operation string) (context.Context, *Span) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, ct.component+"."+operation,
		trace.WithAttributes(attribute.String("component", ct.component)))
	return ctx, &Span{span: span, start: time.Now()}
}

// TraceBatch runs fn in a span carrying batch.size, the outcome and, on
// success, batch.throughput in rows per second.
func (ct *ComponentTracer) TraceBatch(ctx context.Context, batchSize int, operation string, fn func(ctx context.Context) error) error {
	ctx, span := ct.StartSpan(ctx, operation)
	defer span.End()
	span.SetAttribute("batch.size", batchSize)

	err := fn(ctx)
	span.RecordError(err)
	if secs := span.Duration().Seconds(); err == nil && secs > 0 {
		span.SetAttribute("batch.throughput", float64(batchSize)/secs)
	}
	return err
}
