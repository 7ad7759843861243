// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/flowllm/pkg/audit"
	"github.com/jllopis/flowllm/pkg/errors"
	"github.com/jllopis/flowllm/pkg/message"
	"github.com/jllopis/flowllm/pkg/router"
	"github.com/jllopis/flowllm/pkg/telemetry"
)

// RouterNode normalizes a message, routes it and fans it out to the selected outputs.
type RouterNode struct {
	id         string
	name       string
	role       string
	router     *router.Router
	normalizer *message.Normalizer
	audit      audit.Store
	logger     *slog.Logger
	tracer     trace.Tracer
}

// RouterOption configures a RouterNode.
type RouterOption func(*RouterNode) error

// WithRouterName sets the display name.
func WithRouterName(name string) RouterOption {
	return func(n *RouterNode) error {
		n.name = name
		return nil
	}
}

// WithRouterRole sets the role used when the message names none.
func WithRouterRole(role string) RouterOption {
	return func(n *RouterNode) error {
		n.role = role
		return nil
	}
}

// WithAuditStore records every routing decision.
func WithAuditStore(s audit.Store) RouterOption {
	return func(n *RouterNode) error {
		n.audit = s
		return nil
	}
}

// WithRouterLogger sets the logger.
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(n *RouterNode) error {
		if logger != nil {
			n.logger = logger
		}
		return nil
	}
}

// NewRouterNode creates a router node with a required id and router.
func NewRouterNode(id string, r *router.Router, opts ...RouterOption) (*RouterNode, error) {
	n := &RouterNode{
		id:     id,
		router: r,
		logger: slog.Default(),
		tracer: otel.Tracer("flowllm/node"),
	}
	for _, opt := range opts {
		if err := opt(n); err != nil {
			return nil, err
		}
	}
	if n.id == "" {
		return nil, errors.New(errors.CodeInvalidConfig, "node id is required", nil)
	}
	if n.router == nil {
		return nil, errors.New(errors.CodeMissingConfig, "router is required", nil).WithContext("node_id", id)
	}
	n.normalizer = message.NewNormalizer(message.WithLogger(n.logger))
	return n, nil
}

// ID returns the node id.
func (n *RouterNode) ID() string { return n.id }

// routingView is the normalized message with the caller's payload restored, so rules
// and the AI prompt see nested payload fields instead of their string encoding.
func routingView(original, normalized *message.Envelope) *message.Envelope {
	if original.Payload == nil {
		return normalized
	}
	view := *normalized
	view.Payload = original.Payload
	return &view
}

// Process returns one slot per configured output: a routed copy of the message for
// every selected output and nil elsewhere. Routing errors are reported in the result
// and never returned; only normalization failures are.
func (n *RouterNode) Process(ctx context.Context, env *message.Envelope) ([]*message.Envelope, router.Result, error) {
	ctx = telemetry.WithNode(ctx, n.id, "")
	ctx, span := n.tracer.Start(ctx, "RouterNode.Process",
		trace.WithAttributes(telemetry.NodeAttributes(n.id, n.name, "router", n.role)...),
	)
	defer span.End()

	normalized, err := n.normalizer.Normalize(ctx, env, message.NodeInfo{ID: n.id, Name: n.name, Role: n.role})
	if err != nil {
		span.RecordError(err)
		return nil, router.Result{Error: err}, err
	}

	res := n.router.Route(ctx, routingView(env, normalized))
	if n.audit != nil {
		if err := audit.RecordDecision(ctx, n.audit, res); err != nil {
			n.logger.WarnContext(ctx, "audit record failed", "node_id", n.id, "error", err)
		}
	}
	return n.router.Dispatch(res, normalized), res, nil
}
