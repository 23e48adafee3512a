// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package tracing is a thin tracing facade. The cursor, dispatcher and grid
// start spans through GlobalTracer, which is a no-op until a real tracer is
// installed.
package tracing

import (
	"context"
)

// GlobalTracer is a single, global instance of Tracer.
var GlobalTracer Tracer = NopTracer()

// StartSpanFromContext returns a new child span and context from a given
// context using the global tracer.
func StartSpanFromContext(ctx context.Context, operationName string) (Span, context.Context) {
	return GlobalTracer.StartSpanFromContext(ctx, operationName)
}

// Carrier holds span context in a form that can travel inside a task.
type Carrier map[string]string

// Tracer implements a generic distributed tracing interface.
type Tracer interface {
	// Returns a new child span and context from a given context.
	StartSpanFromContext(ctx context.Context, operationName string) (Span, context.Context)

	// Copies the span context found in ctx into carrier.
	Inject(ctx context.Context, carrier Carrier)

	// Starts a span which continues the trace recorded in carrier.
	Extract(ctx context.Context, carrier Carrier, operationName string) (Span, context.Context)
}

// Span represents a single span in a distributed trace.
type Span interface {
	// Sets the end timestamp and finalizes Span state.
	Finish()

	// Adds key/value pairs to the span.
	LogKV(alternatingKeyValues ...interface{})
}

// NopTracer returns a tracer that doesn't do anything.
func NopTracer() Tracer {
	return &nopTracer{}
}

type nopTracer struct{}

func (t *nopTracer) StartSpanFromContext(ctx context.Context, operationName string) (Span, context.Context) {
	return &nopSpan{}, ctx
}

func (t *nopTracer) Inject(ctx context.Context, carrier Carrier) {}

func (t *nopTracer) Extract(ctx context.Context, carrier Carrier, operationName string) (Span, context.Context) {
	return &nopSpan{}, ctx
}

type nopSpan struct{}

func (s *nopSpan) Finish()                                   {}
func (s *nopSpan) LogKV(alternatingKeyValues ...interface{}) {}
