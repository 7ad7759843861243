// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package node wires normalization, prompt construction, LLM invocation,
// output processing and routing into the two flow nodes hosts embed.
package node

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/flowllm/pkg/errors"
	"github.com/jllopis/flowllm/pkg/llm"
	"github.com/jllopis/flowllm/pkg/message"
	"github.com/jllopis/flowllm/pkg/output"
	"github.com/jllopis/flowllm/pkg/prompt"
	"github.com/jllopis/flowllm/pkg/roles"
	"github.com/jllopis/flowllm/pkg/store"
	"github.com/jllopis/flowllm/pkg/telemetry"
)

// KeyJobID is the optional top-level message field naming the job a work unit belongs to.
const KeyJobID = "jobId"

// Generator produces a completion for a prompt. *llm.Invoker implements it.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts llm.Options) (*llm.Response, error)
}

// LLMNode turns an inbound message into an LLM response envelope.
type LLMNode struct {
	id         string
	name       string
	role       string
	debug      bool
	registry   *roles.Registry
	builder    *prompt.Builder
	normalizer *message.Normalizer
	gen        Generator
	genOpts    llm.Options
	vars       map[string]any
	schema     map[string]any
	format     output.Format
	works      store.WorkStore
	logger     *slog.Logger
	tracer     trace.Tracer
	newID      func() string
}

// LLMOption configures an LLMNode.
type LLMOption func(*LLMNode) error

// WithName sets the display name reported in _debug.
func WithName(name string) LLMOption {
	return func(n *LLMNode) error {
		n.name = name
		return nil
	}
}

// WithRole sets the role used when the message names none.
func WithRole(role string) LLMOption {
	return func(n *LLMNode) error {
		n.role = role
		return nil
	}
}

// WithDebug attaches a _debug block to processed messages.
func WithDebug(debug bool) LLMOption {
	return func(n *LLMNode) error {
		n.debug = debug
		return nil
	}
}

// WithRegistry sets the role registry used to build prompts. Required.
func WithRegistry(registry *roles.Registry) LLMOption {
	return func(n *LLMNode) error {
		if registry == nil {
			return errors.New(errors.CodeMissingConfig, "role registry is required", nil)
		}
		n.registry = registry
		n.builder = prompt.NewBuilder(registry)
		return nil
	}
}

// WithGenerator sets the LLM invoker. Required.
func WithGenerator(gen Generator) LLMOption {
	return func(n *LLMNode) error {
		n.gen = gen
		return nil
	}
}

// WithGenerateOptions sets per-call LLM options.
func WithGenerateOptions(opts llm.Options) LLMOption {
	return func(n *LLMNode) error {
		n.genOpts = opts
		return nil
	}
}

// WithVariables adds render variables that take precedence over role variables.
func WithVariables(vars map[string]any) LLMOption {
	return func(n *LLMNode) error {
		n.vars = vars
		return nil
	}
}

// WithResponseSchema validates every response against schema unless the
// message carries its own _llm.responseSchema.
func WithResponseSchema(schema map[string]any) LLMOption {
	return func(n *LLMNode) error {
		n.schema = schema
		return nil
	}
}

// WithOutputFormat forces the interpretation of LLM output.
func WithOutputFormat(f output.Format) LLMOption {
	return func(n *LLMNode) error {
		n.format = f
		return nil
	}
}

// WithWorkStore persists one work unit per processed message.
func WithWorkStore(s store.WorkStore) LLMOption {
	return func(n *LLMNode) error {
		n.works = s
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) LLMOption {
	return func(n *LLMNode) error {
		if logger != nil {
			n.logger = logger
		}
		return nil
	}
}

// WithIDGenerator overrides the work id source.
func WithIDGenerator(fn func() string) LLMOption {
	return func(n *LLMNode) error {
		if fn != nil {
			n.newID = fn
		}
		return nil
	}
}

// NewLLMNode creates an LLM node with a required id.
func NewLLMNode(id string, opts ...LLMOption) (*LLMNode, error) {
	n := &LLMNode{
		id:     id,
		logger: slog.Default(),
		tracer: otel.Tracer("flowllm/node"),
		newID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		if err := opt(n); err != nil {
			return nil, err
		}
	}
	if n.id == "" {
		return nil, errors.New(errors.CodeInvalidConfig, "node id is required", nil)
	}
	if n.registry == nil {
		return nil, errors.New(errors.CodeMissingConfig, "role registry is required", nil).WithContext("node_id", id)
	}
	if n.gen == nil {
		return nil, errors.New(errors.CodeMissingConfig, "no LLM provider configured", nil).WithContext("node_id", id)
	}
	n.normalizer = message.NewNormalizer(message.WithLogger(n.logger))
	return n, nil
}

// ID returns the node id.
func (n *LLMNode) ID() string { return n.id }

// Process normalizes env, builds the prompt, calls the LLM and attaches the processed
// response. The returned envelope carries payload, _llm.response, _llm.model,
// _llm.usage, workId and roleId. env is never mutated.
func (n *LLMNode) Process(ctx context.Context, env *message.Envelope) (*message.Envelope, error) {
	workID := n.newID()
	ctx = telemetry.WithNode(ctx, n.id, workID)
	ctx, span := n.tracer.Start(ctx, "LLMNode.Process",
		trace.WithAttributes(telemetry.NodeAttributes(n.id, n.name, "llm", n.role)...),
	)
	defer span.End()

	normalized, err := n.normalizer.Normalize(ctx, env, message.NodeInfo{
		ID:    n.id,
		Name:  n.name,
		Role:  n.role,
		Debug: n.debug,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "normalization failed")
		return nil, err
	}
	roleID := normalized.Role()
	unit := store.WorkUnit{
		ID:       workID,
		JobID:    jobID(normalized, workID),
		RoleID:   roleID,
		Attempts: 1,
	}

	out, err := n.run(ctx, span, normalized)
	if err != nil {
		fe := errors.AsFlowError(err).Derive().
			WithContext("node_id", n.id).
			WithContext("work_id", workID)
		span.RecordError(fe)
		span.SetStatus(codes.Error, fe.Message)
		n.logger.ErrorContext(ctx, "llm node failed",
			"node_id", n.id,
			"work_id", workID,
			"role", roleID,
			"code", string(fe.Code),
			"error", fe,
		)
		unit.Status = store.StatusFailed
		unit.Error = fe.Error()
		n.persist(ctx, unit)
		return nil, fe
	}

	out.AttachIdentifiers(workID, roleID)
	span.SetAttributes(telemetry.WorkAttributes(workID)...)
	unit.Status = store.StatusCompleted
	unit.Payload = out.Payload
	n.persist(ctx, unit)
	return out, nil
}

func (n *LLMNode) run(ctx context.Context, span trace.Span, env *message.Envelope) (*message.Envelope, error) {
	resolved, err := n.builder.Resolve(env, n.vars)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(telemetry.PromptAttributes(resolved.Length(), resolved.EstimatedTokens())...)

	schema := n.schemaFor(env)
	opts := n.genOpts
	if schema != nil {
		opts.ResponseFormat = llm.ResponseFormatJSON
	}
	resp, err := n.gen.Generate(ctx, resolved.Text(), opts)
	if err != nil {
		return nil, err
	}

	format := n.format
	if schema != nil && format == "" {
		format = output.FormatJSON
	}
	value, err := output.Process(resp.Output(), output.ProcessOptions{
		Schema:   schema,
		Validate: schema != nil,
		Format:   format,
	})
	if err != nil {
		return nil, err
	}

	out := env.Clone()
	out.Payload = value
	out.LLM.Response = value
	out.LLM.Model = resp.Model
	out.LLM.Usage = &message.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	return out, nil
}

// schemaFor picks _llm.responseSchema, then the node schema, then the role's
// responseSchema variable.
func (n *LLMNode) schemaFor(env *message.Envelope) map[string]any {
	if env.LLM != nil && env.LLM.ResponseSchema != nil {
		return env.LLM.ResponseSchema
	}
	if n.schema != nil {
		return n.schema
	}
	role, err := n.registry.GetRole(env.Role())
	if err != nil {
		return nil
	}
	if s, ok := role.Variables["responseSchema"].(map[string]any); ok {
		return s
	}
	return nil
}

func (n *LLMNode) persist(ctx context.Context, unit store.WorkUnit) {
	if n.works == nil {
		return
	}
	if err := n.works.Save(ctx, unit); err != nil {
		n.logger.WarnContext(ctx, "failed to persist work unit",
			"node_id", n.id,
			"work_id", unit.ID,
			"error", err,
		)
	}
}

func jobID(env *message.Envelope, fallback string) string {
	if env.Fields != nil {
		if s, ok := env.Fields[KeyJobID].(string); ok && s != "" {
			return s
		}
	}
	return fallback
}
