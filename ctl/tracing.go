// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"io"

	"github.com/featurebasedb/gridcursor/errors"
	"github.com/featurebasedb/gridcursor/logger"
	"github.com/featurebasedb/gridcursor/tracing"
	"github.com/featurebasedb/gridcursor/tracing/opentracing"
	"github.com/uber/jaeger-client-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"
)

// TracingConfig represents the tracing section of the configuration.
type TracingConfig struct {
	// SamplerType is the type of sampler to use.
	SamplerType string `toml:"sampler-type"`
	// SamplerParam is the parameter passed to the tracing sampler.
	// Its meaning is dependent on the type of sampler.
	SamplerParam float64 `toml:"sampler-param"`
	// AgentHostPort is the host:port of the local agent.
	AgentHostPort string `toml:"agent-host-port"`
}

func NewTracingConfig() TracingConfig {
	return TracingConfig{
		SamplerType:  jaeger.SamplerTypeRemote,
		SamplerParam: 0.001,
	}
}

// Enabled reports whether Setup installs a tracer.
func (c TracingConfig) Enabled() bool {
	return c.AgentHostPort != "" && c.SamplerType != "off"
}

// Setup installs a Jaeger tracer as the global tracer. The returned closer
// flushes it and restores the previous tracer.
func (c TracingConfig) Setup(log logger.Logger) (io.Closer, error) {
	if !c.Enabled() {
		return nopCloser{}, nil
	}

	cfg := jaegercfg.Configuration{
		ServiceName: "gridcursor",
		Sampler: &jaegercfg.SamplerConfig{
			Type:  c.SamplerType,
			Param: c.SamplerParam,
		},
		Reporter: &jaegercfg.ReporterConfig{
			LocalAgentHostPort: c.AgentHostPort,
		},
	}
	tracer, closer, err := cfg.NewTracer()
	if err != nil {
		return nil, errors.Wrap(err, "initializing jaeger tracer")
	}

	prev := tracing.GlobalTracer
	tracing.GlobalTracer = opentracing.NewTracer(tracer, log)
	return tracerCloser{closer: closer, prev: prev}, nil
}

type tracerCloser struct {
	closer io.Closer
	prev   tracing.Tracer
}

func (c tracerCloser) Close() error {
	tracing.GlobalTracer = c.prev
	return c.closer.Close()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
