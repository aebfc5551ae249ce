package tracer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	traceSpan "go.opentelemetry.io/otel/trace"
)

// RecordErrorOnSpan records err on span and marks the span as failed.
func (t *Tracer) RecordErrorOnSpan(span traceSpan.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// StartSpan starts a new span as a child of the span stored in ctx, if any.
//
// Parameters:
//   - ctx: The parent context, possibly carrying a span extracted from message headers
//   - name: The span name, e.g. "amqpcli.publish"
//
// Returns:
//   - context.Context: ctx with the new span attached; pass it on to the operation
//   - trace.Span: The new span, which the caller must End
//
// Example:
//
//	ctx, span := t.StartSpan(ctx, "amqpcli.consume")
//	defer span.End()
//	t.SetAttributes(span, map[string]interface{}{"messaging.source": "q1"})
func (t *Tracer) StartSpan(ctx context.Context, name string) (context.Context, traceSpan.Span) {
	return t.tracer.Tracer("github.com/Aleph-Alpha/amqpcli").Start(ctx, name)
}

// SetAttributes converts attrs to typed OpenTelemetry attributes and sets them on span.
func (t *Tracer) SetAttributes(span traceSpan.Span, attrs map[string]interface{}) {
	if len(attrs) == 0 {
		return
	}

	attributes := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			attributes = append(attributes, attribute.String(k, val))
		case int:
			attributes = append(attributes, attribute.Int(k, val))
		case int64:
			attributes = append(attributes, attribute.Int64(k, val))
		case uint64:
			attributes = append(attributes, attribute.Int64(k, int64(val)))
		case float64:
			attributes = append(attributes, attribute.Float64(k, val))
		case bool:
			attributes = append(attributes, attribute.Bool(k, val))
		default:
			attributes = append(attributes, attribute.String(k, fmt.Sprint(val)))
		}
	}

	span.SetAttributes(attributes...)
}

// GetCarrier serializes the trace context of ctx with the W3C propagator so it
// can travel inside message headers.
//
// Parameters:
//   - ctx: The context holding the active span
//
// Returns:
//   - map[string]string: The traceparent, tracestate and baggage entries. The
//     map is empty when ctx carries no span.
//
// Example:
//
//	headers := t.GetCarrier(ctx)
//	for k, v := range headers {
//	    msg.Headers[k] = v
//	}
func (t *Tracer) GetCarrier(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	t.propagator.Inject(ctx, carrier)
	return carrier
}

// SetCarrierOnContext restores the trace context written by GetCarrier, so
// spans started on the consuming side join the publisher's trace.
//
// Parameters:
//   - ctx: The base context
//   - carrier: String headers of a delivery
//
// Returns:
//   - context.Context: ctx with the remote span context attached, or ctx
//     unchanged when the headers hold no trace context
//
// Example:
//
//	ctx = t.SetCarrierOnContext(ctx, msg.Headers)
//	ctx, span := t.StartSpan(ctx, "handle")
//	defer span.End()
func (t *Tracer) SetCarrierOnContext(ctx context.Context, carrier map[string]string) context.Context {
	return t.propagator.Extract(ctx, propagation.MapCarrier(carrier))
}
