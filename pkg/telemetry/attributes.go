// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides OpenTelemetry integration, structured logging and
// pipeline metrics for flowllm nodes.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic conventions for flowllm telemetry.
// These follow OpenTelemetry naming conventions where applicable.
const (
	// Node attributes
	AttrNodeID   = "flowllm.node.id"
	AttrNodeName = "flowllm.node.name"
	AttrNodeType = "flowllm.node.type"
	AttrRole     = "flowllm.role"
	AttrWorkID   = "flowllm.work.id"

	// Prompt attributes
	AttrPromptLength = "flowllm.prompt.length"
	AttrPromptTokens = "flowllm.prompt.estimated_tokens"

	// Router attributes
	AttrRouterMode     = "flowllm.router.mode"
	AttrRouterOutputs  = "flowllm.router.outputs"
	AttrRouterSource   = "flowllm.router.source"
	AttrRouterRules    = "flowllm.router.rules_evaluated"
	AttrRouterMatched  = "flowllm.router.rules_matched"
	AttrRouterFallback = "flowllm.router.fallback"
	AttrRouterDuration = "flowllm.router.duration_ms"

	// Error attributes
	AttrErrorCode   = "error.code"
	AttrComponent   = "component"
	AttrRecoverable = "recoverable"

	// LLM attributes (extending standard gen_ai conventions)
	AttrLLMModel        = "gen_ai.request.model"
	AttrLLMProvider     = "gen_ai.system"
	AttrLLMMaxTokens    = "gen_ai.request.max_tokens"
	AttrLLMTemperature  = "gen_ai.request.temperature"
	AttrLLMTokensInput  = "gen_ai.usage.input_tokens"
	AttrLLMTokensOutput = "gen_ai.usage.output_tokens"
	AttrLLMTokensTotal  = "gen_ai.usage.total_tokens"
	AttrLLMDurationMs   = "gen_ai.duration_ms"
	AttrLLMFinishReason = "gen_ai.finish_reason"
)

// NodeAttributes returns common attributes for node spans.
func NodeAttributes(nodeID, nodeName, nodeType, role string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrNodeID, nodeID),
		attribute.String(AttrNodeType, nodeType),
	}
	if nodeName != "" {
		attrs = append(attrs, attribute.String(AttrNodeName, nodeName))
	}
	if role != "" {
		attrs = append(attrs, attribute.String(AttrRole, role))
	}
	return attrs
}

// WorkAttributes returns the work unit attribute.
func WorkAttributes(workID string) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String(AttrWorkID, workID)}
}

// PromptAttributes returns prompt size attributes.
func PromptAttributes(length, estimatedTokens int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrPromptLength, length),
		attribute.Int(AttrPromptTokens, estimatedTokens),
	}
}

// LLMAttributes returns attributes for LLM call spans.
func LLMAttributes(model, provider string, maxTokens int, temperature float64) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrLLMModel, model),
	}
	if provider != "" {
		attrs = append(attrs, attribute.String(AttrLLMProvider, provider))
	}
	if maxTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMMaxTokens, maxTokens))
	}
	attrs = append(attrs, attribute.Float64(AttrLLMTemperature, temperature))
	return attrs
}

// LLMUsageAttributes returns token usage attributes.
func LLMUsageAttributes(inputTokens, outputTokens int, durationMs float64, finishReason string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{}
	if inputTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensInput, inputTokens))
	}
	if outputTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensOutput, outputTokens))
	}
	if inputTokens > 0 || outputTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensTotal, inputTokens+outputTokens))
	}
	if durationMs > 0 {
		attrs = append(attrs, attribute.Float64(AttrLLMDurationMs, durationMs))
	}
	if finishReason != "" {
		attrs = append(attrs, attribute.String(AttrLLMFinishReason, finishReason))
	}
	return attrs
}

// RouterAttributes returns attributes for routing spans.
func RouterAttributes(mode string, outputs []int, fallback bool, durationMs float64) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrRouterMode, mode),
		attribute.IntSlice(AttrRouterOutputs, outputs),
		attribute.Bool(AttrRouterFallback, fallback),
	}
	if durationMs > 0 {
		attrs = append(attrs, attribute.Float64(AttrRouterDuration, durationMs))
	}
	return attrs
}

// RuleAttributes returns attributes for the rule evaluation span.
func RuleAttributes(evaluated, matched int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrRouterRules, evaluated),
		attribute.Int(AttrRouterMatched, matched),
	}
}
