// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package providers builds the configured chat provider.
package providers

import (
	"context"
	"strings"

	"github.com/jllopis/flowllm/pkg/config"
	"github.com/jllopis/flowllm/pkg/errors"
	"github.com/jllopis/flowllm/pkg/llm"
	"github.com/jllopis/flowllm/providers/anthropic"
	"github.com/jllopis/flowllm/providers/gemini"
	"github.com/jllopis/flowllm/providers/openai"
)

// New returns the provider named by cfg.Provider. Empty API keys fall back to each
// SDK's environment variable.
func New(ctx context.Context, cfg config.LLMConfig) (llm.Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		return openai.New(
			openai.WithAPIKey(cfg.APIKey),
			openai.WithBaseURL(cfg.BaseURL),
			openai.WithModel(cfg.Model),
		), nil
	case "anthropic":
		return anthropic.New(
			anthropic.WithAPIKey(cfg.APIKey),
			anthropic.WithBaseURL(cfg.BaseURL),
			anthropic.WithModel(cfg.Model),
			anthropic.WithMaxTokens(int64(cfg.MaxTokens)),
		), nil
	case "gemini":
		var (
			p   *gemini.Provider
			err error
		)
		if cfg.APIKey != "" {
			p, err = gemini.NewWithAPIKey(ctx, cfg.APIKey, gemini.WithModel(cfg.Model))
		} else {
			p, err = gemini.New(ctx, gemini.WithModel(cfg.Model))
		}
		if err != nil {
			return nil, errors.New(errors.CodeInvalidConfig, "failed to create gemini provider", err)
		}
		return p, nil
	case "ollama":
		return llm.NewOllama(cfg.BaseURL), nil
	case "mock":
		return &llm.MockProvider{ChatFunc: echo}, nil
	default:
		return nil, errors.New(errors.CodeInvalidConfig, "unknown LLM provider", nil).
			WithContext("provider", cfg.Provider)
	}
}

// echo answers with the last user message, for dry runs without a model.
func echo(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	var content string
	for _, msg := range req.Messages {
		if msg.Role == llm.RoleUser {
			content = msg.Content
		}
	}
	if req.ResponseFormat == llm.ResponseFormatJSON && !strings.HasPrefix(strings.TrimSpace(content), "{") {
		content = `{"outputs":[0]}`
	}
	tokens := len(content) / 4
	return &llm.ChatResponse{
		Content:      content,
		Model:        "mock",
		FinishReason: "stop",
		Usage:        llm.Usage{PromptTokens: tokens, CompletionTokens: tokens, TotalTokens: 2 * tokens},
	}, nil
}
