// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit records LLM requests, responses and routing decisions.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jllopis/flowllm/pkg/llm"
	"github.com/jllopis/flowllm/pkg/router"
	"github.com/jllopis/flowllm/pkg/telemetry"
)

// Kind classifies an audit event.
type Kind string

const (
	KindLLMRequest    Kind = "llm.request"
	KindLLMResponse   Kind = "llm.response"
	KindLLMError      Kind = "llm.error"
	KindRouteDecision Kind = "route.decision"
)

// Event is one audit record.
type Event struct {
	Kind      Kind      `json:"kind"`
	NodeID    string    `json:"nodeId,omitempty"`
	WorkID    string    `json:"workId,omitempty"`
	Model     string    `json:"model,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Error     string    `json:"error,omitempty"`
	ElapsedMs float64   `json:"elapsedMs,omitempty"`
	At        time.Time `json:"at"`
}

// Store persists audit events.
type Store interface {
	Record(ctx context.Context, event Event) error
	List(ctx context.Context, filter Filter) ([]Event, error)
}

// Filter limits audit event queries.
type Filter struct {
	Kind   Kind
	NodeID string
	WorkID string
	Limit  int
}

func (f Filter) match(ev Event) bool {
	if f.Kind != "" && ev.Kind != f.Kind {
		return false
	}
	if f.NodeID != "" && ev.NodeID != f.NodeID {
		return false
	}
	if f.WorkID != "" && ev.WorkID != f.WorkID {
		return false
	}
	return true
}

// MemoryStore keeps audit events in memory.
type MemoryStore struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryStore returns an in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Record appends an audit event.
func (s *MemoryStore) Record(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// List returns filtered audit events in insertion order.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, 0, len(s.events))
	for _, ev := range s.events {
		if !filter.match(ev) {
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Hooks returns invoker hooks that record every request and its outcome in store.
// Store failures are logged and never fail the call.
func Hooks(store Store, logger *slog.Logger) (llm.RequestHook, llm.ResponseHook) {
	if logger == nil {
		logger = slog.Default()
	}
	record := func(ctx context.Context, ev Event) {
		ev.NodeID, ev.WorkID = telemetry.NodeFromContext(ctx)
		ev.At = time.Now().UTC()
		if err := store.Record(ctx, ev); err != nil {
			logger.WarnContext(ctx, "audit record failed", "kind", string(ev.Kind), "error", err)
		}
	}

	onRequest := func(ctx context.Context, req llm.Request) {
		record(ctx, Event{
			Kind:  KindLLMRequest,
			Model: req.Model,
			Payload: map[string]any{
				"prompt":      req.Prompt,
				"max_tokens":  req.MaxTokens,
				"temperature": req.Temperature,
			},
		})
	}
	onResponse := func(ctx context.Context, req llm.Request, resp *llm.Response, err error, elapsed time.Duration) {
		ev := Event{
			Kind:      KindLLMResponse,
			Model:     req.Model,
			ElapsedMs: float64(elapsed.Microseconds()) / 1000,
		}
		if err != nil {
			ev.Kind = KindLLMError
			ev.Error = err.Error()
		} else if resp != nil {
			if resp.Model != "" {
				ev.Model = resp.Model
			}
			ev.Payload = map[string]any{
				"output":        resp.Output(),
				"finish_reason": resp.FinishReason,
				"usage":         resp.Usage,
			}
		}
		record(ctx, ev)
	}
	return onRequest, onResponse
}

// InvokerOptions wraps Hooks as invoker options.
func InvokerOptions(store Store, logger *slog.Logger) []llm.InvokerOption {
	onRequest, onResponse := Hooks(store, logger)
	return []llm.InvokerOption{llm.WithRequestHook(onRequest), llm.WithResponseHook(onResponse)}
}

// RecordDecision stores a routing result.
func RecordDecision(ctx context.Context, store Store, res router.Result) error {
	nodeID, workID := telemetry.NodeFromContext(ctx)
	ev := Event{
		Kind:      KindRouteDecision,
		NodeID:    nodeID,
		WorkID:    workID,
		ElapsedMs: float64(res.ExecutionTime.Microseconds()) / 1000,
		Payload: map[string]any{
			"mode":     string(res.Decision.Mode),
			"outputs":  res.Decision.Outputs,
			"labels":   res.Decision.Labels,
			"fallback": res.Decision.Fallback,
		},
		At: time.Now().UTC(),
	}
	if res.Error != nil {
		ev.Error = res.Error.Error()
	}
	return store.Record(ctx, ev)
}

// encodePayload marshals the payload into JSON.
func encodePayload(payload any) ([]byte, error) {
	if payload == nil {
		return []byte("null"), nil
	}
	return json.Marshal(payload)
}

// decodePayload parses a JSON payload.
func decodePayload(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
