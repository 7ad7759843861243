// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jllopis/flowllm/pkg/llm"
)

func TestProviderImplementsInterface(t *testing.T) {
	var _ llm.Provider = (*Provider)(nil)
	var _ llm.Named = (*Provider)(nil)
}

func TestNewProvider(t *testing.T) {
	p := New()
	if p == nil {
		t.Fatal("expected non-nil provider")
	}
	if p.model != "claude-sonnet-4-20250514" {
		t.Errorf("expected model claude-sonnet-4-20250514, got %s", p.model)
	}
	if p.maxTokens != 4096 {
		t.Errorf("expected maxTokens 4096, got %d", p.maxTokens)
	}
}

func TestWithModel(t *testing.T) {
	p := New(WithModel("claude-opus-4-20250514"))
	if p.model != "claude-opus-4-20250514" {
		t.Errorf("expected model claude-opus-4-20250514, got %s", p.model)
	}
}

func TestWithMaxTokens(t *testing.T) {
	p := New(WithMaxTokens(8192))
	if p.maxTokens != 8192 {
		t.Errorf("expected maxTokens 8192, got %d", p.maxTokens)
	}
}

func TestNewWithAPIKey(t *testing.T) {
	p := NewWithAPIKey("test-key")
	if p == nil {
		t.Fatal("expected non-nil provider")
	}
}

func TestBuildParams(t *testing.T) {
	p := New(WithAPIKey("test"))
	params, _ := p.buildParams(llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "Be a router."},
			{Role: llm.RoleUser, Content: "Hello"},
			{Role: llm.RoleAssistant, Content: "Hi"},
		},
		MaxTokens:      200,
		Stop:           []string{"END"},
		ResponseFormat: llm.ResponseFormatJSON,
	})

	if string(params.Model) != DefaultModel {
		t.Errorf("expected default model, got %s", params.Model)
	}
	if params.MaxTokens != 200 {
		t.Errorf("request max tokens should win, got %d", params.MaxTokens)
	}
	if len(params.Messages) != 2 {
		t.Errorf("system message should be lifted out, got %d messages", len(params.Messages))
	}
	if len(params.System) != 1 || params.System[0].Text != "Be a router.\n\n"+jsonInstruction {
		t.Errorf("unexpected system prompt %+v", params.System)
	}
	if len(params.StopSequences) != 1 || params.StopSequences[0] != "END" {
		t.Errorf("unexpected stop sequences %v", params.StopSequences)
	}
}

func TestChatAgainstServer(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-sonnet-4-20250514",
			"content": [{"type": "text", "text": "A fox "}, {"type": "text", "text": "summary."}],
			"stop_reason": "end_turn",
			"stop_sequence": null,
			"usage": {"input_tokens": 9, "output_tokens": 3}
		}`)
	}))
	defer srv.Close()

	p := New(WithAPIKey("test"), WithBaseURL(srv.URL))
	resp, err := p.Chat(context.Background(), llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Summarize"}},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "A fox summary." {
		t.Errorf("expected concatenated text blocks, got %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 12 || resp.FinishReason != "end_turn" {
		t.Errorf("unexpected response %+v", resp)
	}
	if body["max_tokens"] != float64(4096) {
		t.Errorf("expected provider max tokens, got %v", body["max_tokens"])
	}
}
