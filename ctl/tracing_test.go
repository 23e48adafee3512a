// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"testing"

	"github.com/featurebasedb/gridcursor/logger"
	"github.com/featurebasedb/gridcursor/tracing"
	"github.com/stretchr/testify/require"
)

func TestTracingConfig_Disabled(t *testing.T) {
	cfg := NewTracingConfig()
	require.False(t, cfg.Enabled())

	cfg.AgentHostPort = "localhost:6831"
	cfg.SamplerType = "off"
	require.False(t, cfg.Enabled())

	prev := tracing.GlobalTracer
	closer, err := cfg.Setup(logger.NopLogger)
	require.NoError(t, err)
	require.Equal(t, prev, tracing.GlobalTracer)
	require.NoError(t, closer.Close())
}

func TestTracingConfig_Setup(t *testing.T) {
	cfg := TracingConfig{
		SamplerType:   "const",
		SamplerParam:  1,
		AgentHostPort: "127.0.0.1:6831",
	}
	prev := tracing.GlobalTracer

	closer, err := cfg.Setup(logger.NewLogfLogger(t))
	require.NoError(t, err)
	require.NotEqual(t, prev, tracing.GlobalTracer)

	span, _ := tracing.StartSpanFromContext(context.Background(), "TestTracingConfig_Setup")
	span.Finish()

	require.NoError(t, closer.Close())
	require.Equal(t, prev, tracing.GlobalTracer)
}
