package runner

import (
	internaltracing "github.com/wehubfusion/Okeanos/internal/tracing"
	"github.com/wehubfusion/Okeanos/pkg/config"
)

// TracingConfig is the public tracing configuration used by Runner clients.
// It mirrors the internal tracing configuration but keeps the implementation private.
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRatio    float64
}

// DefaultTracingConfig returns a development-friendly tracing configuration.
func DefaultTracingConfig(serviceName string) TracingConfig {
	cfg := internaltracing.DefaultConfig(serviceName)
	return fromInternalConfig(cfg)
}

// TracingFromWorkerConfig returns the tracing configuration of a worker, or
// nil when no OTLP endpoint is configured.
func TracingFromWorkerConfig(serviceName string, wc *config.WorkerConfig) *TracingConfig {
	if wc == nil || wc.OTLPEndpoint == "" {
		return nil
	}
	tc := DefaultTracingConfig(serviceName)
	tc.OTLPEndpoint = wc.OTLPEndpoint
	tc.Environment = wc.Environment
	return &tc
}

func (c TracingConfig) toInternalConfig(runID string, rank int) internaltracing.TracingConfig {
	return internaltracing.TracingConfig{
		ServiceName:    c.ServiceName,
		ServiceVersion: c.ServiceVersion,
		Environment:    c.Environment,
		OTLPEndpoint:   c.OTLPEndpoint,
		SampleRatio:    c.SampleRatio,
		RunID:          runID,
		Rank:           rank,
	}
}

func fromInternalConfig(cfg internaltracing.TracingConfig) TracingConfig {
	return TracingConfig{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRatio:    cfg.SampleRatio,
	}
}

// Replaced in tests to observe tracing setup without an exporter.
var (
	setupTracing    = internaltracing.SetupTracing
	shutdownTracing = internaltracing.ShutdownTracing
)
