// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jllopis/flowllm/pkg/errors"
)

// Metric names.
const (
	MetricLLMRequests     = "flowllm.llm.requests"
	MetricLLMDuration     = "flowllm.llm.duration_ms"
	MetricLLMTokens       = "flowllm.llm.tokens"
	MetricRouterDecisions = "flowllm.router.decisions"
	MetricErrors          = "flowllm.errors.total"
)

// PipelineMetrics records LLM, routing and error metrics for production monitoring.
// A nil *PipelineMetrics is valid and records nothing.
type PipelineMetrics struct {
	llmRequests     metric.Int64Counter
	llmDuration     metric.Float64Histogram
	llmTokens       metric.Int64Counter
	routerDecisions metric.Int64Counter
	errorCounter    metric.Int64Counter
}

// NewPipelineMetrics creates the instruments on the global meter provider.
func NewPipelineMetrics() (*PipelineMetrics, error) {
	return NewPipelineMetricsWithMeter(otel.Meter("flowllm"))
}

// NewPipelineMetricsWithMeter creates the instruments on meter.
func NewPipelineMetricsWithMeter(meter metric.Meter) (*PipelineMetrics, error) {
	llmRequests, err := meter.Int64Counter(
		MetricLLMRequests,
		metric.WithDescription("LLM requests by provider, model and outcome"),
	)
	if err != nil {
		return nil, err
	}

	llmDuration, err := meter.Float64Histogram(
		MetricLLMDuration,
		metric.WithDescription("LLM call latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	llmTokens, err := meter.Int64Counter(
		MetricLLMTokens,
		metric.WithDescription("Tokens consumed by kind (input, output)"),
	)
	if err != nil {
		return nil, err
	}

	routerDecisions, err := meter.Int64Counter(
		MetricRouterDecisions,
		metric.WithDescription("Selected router outputs by source (rules, ai, fallback)"),
	)
	if err != nil {
		return nil, err
	}

	errorCounter, err := meter.Int64Counter(
		MetricErrors,
		metric.WithDescription("Total errors by code and component"),
	)
	if err != nil {
		return nil, err
	}

	return &PipelineMetrics{
		llmRequests:     llmRequests,
		llmDuration:     llmDuration,
		llmTokens:       llmTokens,
		routerDecisions: routerDecisions,
		errorCounter:    errorCounter,
	}, nil
}

// RecordLLMCall records one provider call. err is nil on success.
func (m *PipelineMetrics) RecordLLMCall(ctx context.Context, provider, model string, durationMs float64, inputTokens, outputTokens int, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrLLMProvider, provider),
		attribute.String(AttrLLMModel, model),
		attribute.String("outcome", outcome),
	)
	m.llmRequests.Add(ctx, 1, attrs)
	m.llmDuration.Record(ctx, durationMs, attrs)
	if inputTokens > 0 {
		m.llmTokens.Add(ctx, int64(inputTokens), metric.WithAttributes(
			attribute.String(AttrLLMModel, model),
			attribute.String("kind", "input"),
		))
	}
	if outputTokens > 0 {
		m.llmTokens.Add(ctx, int64(outputTokens), metric.WithAttributes(
			attribute.String(AttrLLMModel, model),
			attribute.String("kind", "output"),
		))
	}
}

// RecordDecision records one selected router output.
func (m *PipelineMetrics) RecordDecision(ctx context.Context, mode, source string) {
	if m == nil {
		return
	}
	m.routerDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrRouterMode, mode),
		attribute.String(AttrRouterSource, source),
	))
}

// RecordError increments the error counter for the given error and component.
func (m *PipelineMetrics) RecordError(ctx context.Context, err error, component string) {
	if m == nil || err == nil {
		return
	}
	code := "UNKNOWN"
	recoverable := "unknown"
	if fe := errors.AsFlowError(err); fe != nil && fe.Code != errors.CodeInternal {
		code = string(fe.Code)
		recoverable = fe.RecoverableString()
	}
	m.errorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrErrorCode, code),
		attribute.String(AttrComponent, component),
		attribute.String(AttrRecoverable, recoverable),
	))
}
