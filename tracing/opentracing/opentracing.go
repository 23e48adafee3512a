// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package opentracing

import (
	"context"

	"github.com/featurebasedb/gridcursor/logger"
	"github.com/featurebasedb/gridcursor/tracing"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
)

// Ensure type implements interface.
var _ tracing.Tracer = (*Tracer)(nil)

// Tracer represents a wrapper for OpenTracing that implements tracing.Tracer.
type Tracer struct {
	tracer opentracing.Tracer
	logger logger.Logger
}

// NewTracer returns a new instance of Tracer.
func NewTracer(tracer opentracing.Tracer, logger logger.Logger) *Tracer {
	return &Tracer{tracer: tracer, logger: logger}
}

// StartSpanFromContext returns a new child span and context from a given context.
func (t *Tracer) StartSpanFromContext(ctx context.Context, operationName string) (tracing.Span, context.Context) {
	var opts []opentracing.StartSpanOption
	if parent := opentracing.SpanFromContext(ctx); parent != nil {
		opts = append(opts, opentracing.ChildOf(parent.Context()))
	}
	span := t.tracer.StartSpan(operationName, opts...)
	return span, opentracing.ContextWithSpan(ctx, span)
}

// Inject writes the span context of ctx, if any, into carrier.
func (t *Tracer) Inject(ctx context.Context, carrier tracing.Carrier) {
	span := opentracing.SpanFromContext(ctx)
	if span == nil {
		return
	}
	if err := t.tracer.Inject(span.Context(), opentracing.TextMap, opentracing.TextMapCarrier(carrier)); err != nil {
		t.logger.Errorf("opentracing inject error: %s", err)
	}
}

// Extract starts a server-side span continuing the trace in carrier. A
// missing or corrupt carrier starts a new trace.
func (t *Tracer) Extract(ctx context.Context, carrier tracing.Carrier, operationName string) (tracing.Span, context.Context) {
	wireContext, _ := t.tracer.Extract(opentracing.TextMap, opentracing.TextMapCarrier(carrier))

	span := t.tracer.StartSpan(operationName, ext.RPCServerOption(wireContext))
	return span, opentracing.ContextWithSpan(ctx, span)
}
