// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package openai

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
	if p.model != "gpt-5-mini" {
		t.Errorf("expected model gpt-5-mini, got %s", p.model)
	}
}

func TestWithModel(t *testing.T) {
	p := New(WithModel("gpt-4-turbo"))
	if p.model != "gpt-4-turbo" {
		t.Errorf("expected model gpt-4-turbo, got %s", p.model)
	}
	p = New(WithModel(""))
	if p.model != DefaultModel {
		t.Errorf("empty model should keep the default, got %s", p.model)
	}
}

func TestNewWithAPIKey(t *testing.T) {
	p := NewWithAPIKey("test-key", WithBaseURL("http://localhost:1"))
	if p == nil {
		t.Fatal("expected non-nil provider")
	}
	if len(p.clientOpts) != 2 {
		t.Errorf("expected api key and base url to combine, got %d options", len(p.clientOpts))
	}
}

func TestChatAgainstServer(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-5-mini",
			"choices": [{"index": 0, "finish_reason": "stop", "logprobs": null,
				"message": {"role": "assistant", "content": "{\"outputs\":[1]}", "refusal": null}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
		}`)
	}))
	defer srv.Close()

	p := New(WithAPIKey("test"), WithBaseURL(srv.URL))
	resp, err := p.Chat(context.Background(), llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "route"},
			{Role: llm.RoleUser, Content: "hello"},
		},
		Temperature:    0.3,
		MaxTokens:      100,
		Stop:           []string{"END"},
		ResponseFormat: llm.ResponseFormatJSON,
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != `{"outputs":[1]}` || resp.Usage.TotalTokens != 16 || resp.FinishReason != "stop" {
		t.Errorf("unexpected response %+v", resp)
	}
	if body["model"] != "gpt-5-mini" {
		t.Errorf("expected default model in request, got %v", body["model"])
	}
	if rf, _ := body["response_format"].(map[string]any); rf["type"] != "json_object" {
		t.Errorf("expected json response format, got %v", body["response_format"])
	}
	if stop, _ := body["stop"].([]any); len(stop) != 1 || stop[0] != "END" {
		t.Errorf("expected stop sequences, got %v", body["stop"])
	}
	if msgs, _ := body["messages"].([]any); len(msgs) != 2 {
		t.Errorf("expected 2 messages, got %v", body["messages"])
	}
}
