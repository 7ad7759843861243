// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"bytes"
	"context"
	stderrors "errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/flowllm/pkg/audit"
	"github.com/jllopis/flowllm/pkg/errors"
	"github.com/jllopis/flowllm/pkg/llm"
	"github.com/jllopis/flowllm/pkg/message"
	"github.com/jllopis/flowllm/pkg/output"
	"github.com/jllopis/flowllm/pkg/roles"
	"github.com/jllopis/flowllm/pkg/router"
	"github.com/jllopis/flowllm/pkg/store"
)

func summarizerRegistry(t *testing.T, extra ...roles.Role) *roles.Registry {
	t.Helper()
	all := append([]roles.Role{{Name: "summarizer", Template: "Please summarize: {{content}}"}}, extra...)
	r, err := roles.NewRegistry(roles.WithRoles(all...))
	require.NoError(t, err)
	return r
}

type recordingCall struct {
	prompts []string
	reqs    []llm.Request
	resp    *llm.Response
	err     error
}

func (c *recordingCall) call(_ context.Context, req llm.Request) (*llm.Response, error) {
	c.prompts = append(c.prompts, req.Prompt)
	c.reqs = append(c.reqs, req)
	return c.resp, c.err
}

func newTestNode(t *testing.T, rec *recordingCall, opts ...LLMOption) (*LLMNode, *store.MemoryStore) {
	t.Helper()
	works := store.NewMemoryStore()
	base := []LLMOption{
		WithRole("summarizer"),
		WithRegistry(summarizerRegistry(t)),
		WithGenerator(llm.NewInvoker(rec.call)),
		WithWorkStore(works),
		WithIDGenerator(func() string { return "work-1" }),
	}
	n, err := NewLLMNode("llm-1", append(base, opts...)...)
	require.NoError(t, err)
	return n, works
}

func TestLLMNodeEndToEndSummarizer(t *testing.T) {
	rec := &recordingCall{resp: &llm.Response{Text: "A fox summary.", Model: "test"}}
	n, works := newTestNode(t, rec)

	in := &message.Envelope{Payload: "Summarize: the quick brown fox", Fields: map[string]any{"jobId": "job-7"}}
	out, err := n.Process(context.Background(), in)
	require.NoError(t, err)

	require.Len(t, rec.prompts, 1)
	assert.Equal(t, "Please summarize: Summarize: the quick brown fox", rec.prompts[0])
	assert.Equal(t, "A fox summary.", out.Payload)
	assert.Equal(t, "A fox summary.", out.LLM.Response)
	assert.Equal(t, "test", out.LLM.Model)
	require.NotNil(t, out.LLM.Usage)
	assert.Equal(t, "work-1", out.WorkID)
	assert.Equal(t, "summarizer", out.RoleID)
	assert.Equal(t, "job-7", out.Fields["jobId"])
	assert.Nil(t, in.LLM, "input envelope must not be modified")

	unit, err := works.Get(context.Background(), "work-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, unit.Status)
	assert.Equal(t, "job-7", unit.JobID)
	assert.Equal(t, "summarizer", unit.RoleID)
	assert.Equal(t, 1, unit.Attempts)
	assert.Equal(t, "A fox summary.", unit.Payload)
}

func TestLLMNodeParsesJSONResponse(t *testing.T) {
	rec := &recordingCall{resp: &llm.Response{Text: `{"summary":"fox"}`}}
	n, _ := newTestNode(t, rec)

	out, err := n.Process(context.Background(), &message.Envelope{Payload: "x"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"summary": "fox"}, out.Payload)
	assert.Equal(t, llm.ResponseFormat(""), rec.reqs[0].ResponseFormat)
}

func TestLLMNodeSchemaFromMessage(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"summary"},
		"properties": map[string]any{
			"summary": map[string]any{"type": "string"},
		},
	}

	t.Run("valid", func(t *testing.T) {
		rec := &recordingCall{resp: &llm.Response{Text: `{"summary":"fox"}`}}
		n, _ := newTestNode(t, rec)
		out, err := n.Process(context.Background(), &message.Envelope{
			Payload: "x",
			LLM:     &message.Meta{ResponseSchema: schema},
		})
		require.NoError(t, err)
		assert.Equal(t, "fox", out.Payload.(map[string]any)["summary"])
		assert.Equal(t, llm.ResponseFormatJSON, rec.reqs[0].ResponseFormat)
	})

	t.Run("invalid", func(t *testing.T) {
		rec := &recordingCall{resp: &llm.Response{Text: `{"title":"fox"}`}}
		n, works := newTestNode(t, rec)
		_, err := n.Process(context.Background(), &message.Envelope{
			Payload: "x",
			LLM:     &message.Meta{ResponseSchema: schema},
		})
		assert.Equal(t, errors.CodeSchemaValidation, errors.CodeOf(err))

		unit, gerr := works.Get(context.Background(), "work-1")
		require.NoError(t, gerr)
		assert.Equal(t, store.StatusFailed, unit.Status)
		assert.Contains(t, unit.Error, "SCHEMA_VALIDATION_ERROR")
	})
}

func TestLLMNodeSchemaRejectsPlainText(t *testing.T) {
	rec := &recordingCall{resp: &llm.Response{Text: "Sure, the summary is fox."}}
	n, works := newTestNode(t, rec)

	_, err := n.Process(context.Background(), &message.Envelope{
		Payload: "x",
		LLM:     &message.Meta{ResponseSchema: map[string]any{"type": "object"}},
	})
	assert.Equal(t, errors.CodeParse, errors.CodeOf(err))

	unit, gerr := works.Get(context.Background(), "work-1")
	require.NoError(t, gerr)
	assert.Equal(t, store.StatusFailed, unit.Status)
}

func TestLLMNodeFormatOverrideKeepsText(t *testing.T) {
	rec := &recordingCall{resp: &llm.Response{Text: "plain words"}}
	n, _ := newTestNode(t, rec, WithOutputFormat(output.FormatText))

	out, err := n.Process(context.Background(), &message.Envelope{
		Payload: "x",
		LLM:     &message.Meta{ResponseSchema: map[string]any{"type": "object"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "plain words", out.Payload)
}

type sharedErrGenerator struct{ err error }

func (g sharedErrGenerator) Generate(context.Context, string, llm.Options) (*llm.Response, error) {
	return nil, g.err
}

func TestLLMNodeDoesNotMutateInnerError(t *testing.T) {
	shared := errors.New(errors.CodeLLMError, "provider failed", nil).WithContext("provider", "openai")
	n, _ := newTestNode(t, &recordingCall{}, WithGenerator(sharedErrGenerator{err: shared}))

	_, err := n.Process(context.Background(), &message.Envelope{Payload: "x"})
	fe := errors.AsFlowError(err)
	require.NotNil(t, fe)
	assert.Equal(t, errors.CodeLLMError, fe.Code)
	assert.Equal(t, "llm-1", fe.Context["node_id"])
	assert.Equal(t, "openai", fe.Context["provider"])
	assert.NotContains(t, shared.Context, "node_id")
	assert.NotContains(t, shared.Context, "work_id")
}

func TestLLMNodeSchemaFromRoleVariables(t *testing.T) {
	rec := &recordingCall{resp: &llm.Response{Text: `{"label":"fox"}`}}
	reg := summarizerRegistry(t, roles.Role{
		Name:      "classifier",
		Template:  "Classify: {{content}}",
		Variables: map[string]any{"responseSchema": map[string]any{"type": "array"}},
	})
	n, err := NewLLMNode("llm-2",
		WithRole("classifier"),
		WithRegistry(reg),
		WithGenerator(llm.NewInvoker(rec.call)),
	)
	require.NoError(t, err)

	_, err = n.Process(context.Background(), &message.Envelope{Payload: "x"})
	assert.Equal(t, errors.CodeSchemaValidation, errors.CodeOf(err))
	assert.Equal(t, []string{"Classify: x"}, rec.prompts)
}

func TestLLMNodeProviderFailureLoggedOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	rec := &recordingCall{err: stderrors.New("401 unauthorized")}
	n, works := newTestNode(t, rec, WithLogger(logger))

	_, err := n.Process(context.Background(), &message.Envelope{Payload: "x"})
	assert.Equal(t, errors.CodeLLMError, errors.CodeOf(err))
	fe := errors.AsFlowError(err)
	assert.Equal(t, "llm-1", fe.Context["node_id"])
	assert.Equal(t, 1, strings.Count(buf.String(), "llm node failed"))

	unit, gerr := works.Get(context.Background(), "work-1")
	require.NoError(t, gerr)
	assert.Equal(t, store.StatusFailed, unit.Status)
}

func TestLLMNodeNormalizationFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	rec := &recordingCall{resp: &llm.Response{Text: "x"}}
	n, works := newTestNode(t, rec, WithLogger(logger))

	_, err := n.Process(context.Background(), nil)
	assert.Equal(t, errors.CodeNormalization, errors.CodeOf(err))
	assert.Empty(t, rec.prompts)
	assert.NotContains(t, buf.String(), "llm node failed")
	assert.Equal(t, 1, strings.Count(buf.String(), "message normalization failed"))

	_, gerr := works.Get(context.Background(), "work-1")
	assert.True(t, store.IsNotFound(gerr))
}

func TestLLMNodeAuditHooks(t *testing.T) {
	events := audit.NewMemoryStore()
	rec := &recordingCall{resp: &llm.Response{Text: "done"}}
	n, _ := newTestNode(t, rec)
	n.gen = llm.NewInvoker(rec.call, audit.InvokerOptions(events, nil)...)

	_, err := n.Process(context.Background(), &message.Envelope{Payload: "x"})
	require.NoError(t, err)

	list, err := events.List(context.Background(), audit.Filter{WorkID: "work-1"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, audit.KindLLMRequest, list[0].Kind)
	assert.Equal(t, "llm-1", list[0].NodeID)
}

func TestNewLLMNodeValidation(t *testing.T) {
	_, err := NewLLMNode("x", WithRegistry(summarizerRegistry(t)))
	assert.Equal(t, errors.CodeMissingConfig, errors.CodeOf(err))

	_, err = NewLLMNode("x", WithGenerator(llm.NewInvoker(nil)))
	assert.Equal(t, errors.CodeMissingConfig, errors.CodeOf(err))

	_, err = NewLLMNode("", WithRegistry(summarizerRegistry(t)), WithGenerator(llm.NewInvoker(nil)))
	assert.Equal(t, errors.CodeInvalidConfig, errors.CodeOf(err))
}

func TestRouterNode(t *testing.T) {
	r, err := router.New(router.Config{
		Mode:           router.ModeRule,
		OutputLabels:   []string{"default", "animals"},
		FallbackOutput: 0,
		Rules: []router.Rule{
			{Property: "payload", Operator: router.OpContains, Value: "fox", Output: 1},
		},
	})
	require.NoError(t, err)
	events := audit.NewMemoryStore()
	n, err := NewRouterNode("router-1", r, WithAuditStore(events))
	require.NoError(t, err)

	out, res, err := n.Process(context.Background(), &message.Envelope{Payload: "the quick brown fox"})
	require.NoError(t, err)
	require.NoError(t, res.Error)
	require.Len(t, out, 2)
	assert.Nil(t, out[0])
	require.NotNil(t, out[1])
	assert.Equal(t, "animals", out[1].Routing.Label)
	assert.Equal(t, "router-1", out[1].LLM.NodeID)

	out, res, err = n.Process(context.Background(), &message.Envelope{Payload: "nothing"})
	require.NoError(t, err)
	assert.True(t, res.Decision.Fallback)
	assert.NotNil(t, out[0])

	list, _ := events.List(context.Background(), audit.Filter{Kind: audit.KindRouteDecision})
	assert.Len(t, list, 2)
}

func TestRouterNodeNestedPayloadRule(t *testing.T) {
	r, err := router.New(router.Config{
		Mode:           router.ModeRule,
		OutputLabels:   []string{"default", "invoices"},
		FallbackOutput: 0,
		Rules: []router.Rule{
			{Property: "payload.kind", Operator: router.OpEq, Value: "invoice", Output: 1},
		},
	})
	require.NoError(t, err)
	n, err := NewRouterNode("router-1", r)
	require.NoError(t, err)

	in := &message.Envelope{Payload: map[string]any{"kind": "invoice", "total": 12.5}}
	out, res, err := n.Process(context.Background(), in)
	require.NoError(t, err)
	require.NoError(t, res.Error)
	assert.False(t, res.Decision.Fallback)
	assert.Equal(t, []int{1}, res.Decision.Outputs)
	require.NotNil(t, out[1])
	assert.Nil(t, out[0])
	assert.IsType(t, "", out[1].Payload, "dispatched message carries the normalized payload")
	assert.Equal(t, map[string]any{"kind": "invoice", "total": 12.5}, in.Payload)

	_, res, err = n.Process(context.Background(), &message.Envelope{Payload: map[string]any{"kind": "receipt"}})
	require.NoError(t, err)
	assert.True(t, res.Decision.Fallback)
}

func TestRouterNodeNormalizationFailure(t *testing.T) {
	r, err := router.New(router.Config{Mode: router.ModeRule, OutputLabels: []string{"a"}})
	require.NoError(t, err)
	n, err := NewRouterNode("router-1", r)
	require.NoError(t, err)

	_, res, err := n.Process(context.Background(), nil)
	assert.Equal(t, errors.CodeNormalization, errors.CodeOf(err))
	assert.Error(t, res.Error)

	_, err = NewRouterNode("router-2", nil)
	assert.Equal(t, errors.CodeMissingConfig, errors.CodeOf(err))
}
