// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	stderrors "errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/jllopis/flowllm/pkg/errors"
)

// Resource attribute keys describing the pipeline a process runs.
const (
	ResourceLLMProvider = "flowllm.llm.provider"
	ResourceLLMModel    = "flowllm.llm.model"
	ResourceRouterMode  = "flowllm.router.mode"
)

// ShutdownFunc flushes and stops the exporters.
type ShutdownFunc func(context.Context) error

// Config selects the exporter and describes the process on every exported signal.
// Exporter is one of "stdout", "otlp" or "none".
type Config struct {
	ServiceName  string
	Version      string
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool

	// Pipeline description, attached as resource attributes when set.
	Provider   string
	Model      string
	RouterMode string
}

func (c Config) resourceAttributes() []attribute.KeyValue {
	name := c.ServiceName
	if name == "" {
		name = "flowllm"
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if c.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(c.Version))
	}
	for key, val := range map[string]string{
		ResourceLLMProvider: c.Provider,
		ResourceLLMModel:    c.Model,
		ResourceRouterMode:  c.RouterMode,
	} {
		if val != "" {
			attrs = append(attrs, attribute.String(key, val))
		}
	}
	return attrs
}

// Init installs global tracer and meter providers for cfg and returns their shutdown.
// The "none" exporter installs nothing.
func Init(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	if cfg.Exporter == "none" {
		return func(context.Context) error { return nil }, nil
	}
	res, err := resource.New(ctx, resource.WithAttributes(cfg.resourceAttributes()...))
	if err != nil {
		return nil, errors.New(errors.CodeInvalidConfig, "build telemetry resource", err)
	}

	tp, mp, err := newProviders(ctx, res, cfg)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		return stderrors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func newProviders(ctx context.Context, res *resource.Resource, cfg Config) (*sdktrace.TracerProvider, *sdkmetric.MeterProvider, error) {
	var (
		spans   sdktrace.SpanExporter
		metrics sdkmetric.Exporter
		err     error
	)
	switch cfg.Exporter {
	case "", "stdout":
		if spans, err = stdouttrace.New(stdouttrace.WithPrettyPrint()); err == nil {
			metrics, err = stdoutmetric.New()
		}
	case "otlp":
		if cfg.OTLPEndpoint == "" {
			return nil, nil, errors.New(errors.CodeMissingConfig, "otlp endpoint is required", nil).
				WithContext("field", "telemetry.otlp_endpoint")
		}
		spans, metrics, err = otlpExporters(ctx, cfg)
	default:
		return nil, nil, errors.New(errors.CodeInvalidConfig, "unknown telemetry exporter", nil).
			WithContext("field", "telemetry.exporter").
			WithContext("value", cfg.Exporter)
	}
	if err != nil {
		return nil, nil, errors.New(errors.CodeInvalidConfig, "create telemetry exporter", err).
			WithContext("exporter", cfg.Exporter)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spans, sdktrace.WithBatchTimeout(time.Second)),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metrics, sdkmetric.WithInterval(time.Minute))),
		sdkmetric.WithResource(res),
	)
	return tp, mp, nil
}

func otlpExporters(ctx context.Context, cfg Config) (sdktrace.SpanExporter, sdkmetric.Exporter, error) {
	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.OTLPInsecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, err
	}
	metrics, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, nil, err
	}
	return spans, metrics, nil
}
