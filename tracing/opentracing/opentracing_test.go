// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package opentracing_test

import (
	"context"
	"testing"

	"github.com/featurebasedb/gridcursor/logger"
	"github.com/featurebasedb/gridcursor/tracing"
	gcot "github.com/featurebasedb/gridcursor/tracing/opentracing"
	"github.com/opentracing/opentracing-go/mocktracer"
	"github.com/stretchr/testify/require"
)

func TestTracer_InjectExtract(t *testing.T) {
	mt := mocktracer.New()
	tr := gcot.NewTracer(mt, logger.NopLogger)

	parent, ctx := tr.StartSpanFromContext(context.Background(), "Cursor.Open")
	carrier := tracing.Carrier{}
	tr.Inject(ctx, carrier)
	require.NotEmpty(t, carrier)

	child, _ := tr.Extract(context.Background(), carrier, "Grid.FetchBatch")
	child.Finish()
	parent.Finish()

	spans := mt.FinishedSpans()
	require.Len(t, spans, 2)
	require.Equal(t, "Grid.FetchBatch", spans[0].OperationName)
	require.Equal(t, spans[1].SpanContext.SpanID, spans[0].ParentID)
	require.Equal(t, spans[1].SpanContext.TraceID, spans[0].SpanContext.TraceID)
}

func TestTracer_InjectWithoutSpan(t *testing.T) {
	tr := gcot.NewTracer(mocktracer.New(), logger.NopLogger)
	carrier := tracing.Carrier{}
	tr.Inject(context.Background(), carrier)
	require.Empty(t, carrier)
}
