// Package otel wires opt-in OpenTelemetry tracing for Resonate services.
package otel

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/resonatefm/resonate/internal/platform/config"
)

// settings gates and shapes the exporter. Tracing stays off unless an
// endpoint is configured.
type settings struct {
	Endpoint    string  `env:"RESONATE_OTEL_ENDPOINT"`
	Enabled     string  `env:"RESONATE_OTEL_ENABLED" envDefault:"true"`
	SampleRatio float64 `env:"RESONATE_OTEL_SAMPLE_RATIO" envDefault:"1"`
}

func (s settings) active() bool {
	return s.Endpoint != "" && !strings.EqualFold(s.Enabled, "false")
}

func (s settings) sampler() (sdktrace.Sampler, error) {
	if s.SampleRatio < 0 || s.SampleRatio > 1 {
		return nil, fmt.Errorf("sample ratio %v out of range [0,1]", s.SampleRatio)
	}
	if s.SampleRatio >= 1 {
		return sdktrace.AlwaysSample(), nil
	}
	return sdktrace.TraceIDRatioBased(s.SampleRatio), nil
}

// Setup initialises OpenTelemetry tracing for the given service.
//
// Tracing is opt-in: when RESONATE_OTEL_ENDPOINT is empty or
// RESONATE_OTEL_ENABLED is "false", Setup returns a no-op shutdown function
// and no global provider is registered. RESONATE_OTEL_SAMPLE_RATIO (default
// 1) head-samples traces.
//
// The returned shutdown function flushes pending spans and should be deferred
// by the caller.
func Setup(ctx context.Context, serviceName string) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	var cfg settings
	if err := config.ParseEnv(&cfg); err != nil {
		return noop, err
	}
	if !cfg.active() {
		return noop, nil
	}

	tp, err := newTracerProvider(ctx, serviceName, cfg)
	if err != nil {
		return noop, err
	}

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}

func newTracerProvider(ctx context.Context, serviceName string, cfg settings) (*sdktrace.TracerProvider, error) {
	sampler, err := cfg.sampler()
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(cfg.Endpoint),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	), nil
}
