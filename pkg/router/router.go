// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package router selects output ports for a message using declarative rules, an LLM,
// or both concurrently.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jllopis/flowllm/pkg/errors"
	"github.com/jllopis/flowllm/pkg/message"
	"github.com/jllopis/flowllm/pkg/telemetry"
)

// Mode selects which evaluators run.
type Mode string

const (
	ModeRule   Mode = "rule"
	ModeAI     Mode = "ai"
	ModeHybrid Mode = "hybrid"
)

// Source names where a selection came from.
type Source string

const (
	SourceRules    Source = "rules"
	SourceAI       Source = "ai"
	SourceFallback Source = "fallback"
)

// NoFallback disables the fallback output.
const NoFallback = -1

// Selection is one chosen output port.
type Selection struct {
	Index    int     `json:"index"`
	Priority float64 `json:"priority"`
	Source   Source  `json:"source"`
}

// Config is the static routing configuration of a node.
type Config struct {
	Mode           Mode     `json:"mode" yaml:"mode"`
	OutputLabels   []string `json:"outputLabels" yaml:"output_labels"`
	FallbackOutput int      `json:"fallbackOutput" yaml:"fallback_output"`
	Rules          []Rule   `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// Validate checks the mode, the labels and the fallback index.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeRule, ModeAI, ModeHybrid:
	default:
		return errors.New(errors.CodeInvalidConfig, "unknown routing mode", nil).
			WithContext("mode", string(c.Mode))
	}
	if len(c.OutputLabels) == 0 {
		return errors.New(errors.CodeInvalidConfig, "router needs at least one output label", nil)
	}
	if c.FallbackOutput != NoFallback && (c.FallbackOutput < 0 || c.FallbackOutput >= len(c.OutputLabels)) {
		return errors.New(errors.CodeInvalidConfig, "fallback output out of range", nil).
			WithContext("fallback_output", c.FallbackOutput).
			WithContext("outputs", len(c.OutputLabels))
	}
	return nil
}

// Decision summarizes the routing outcome.
type Decision struct {
	Mode     Mode     `json:"mode"`
	Outputs  []int    `json:"outputs"`
	Labels   []string `json:"labels"`
	Fallback bool     `json:"fallback"`
}

// Debug holds the evaluator traces of one routing call.
type Debug struct {
	Rules *RulesTrace `json:"rules,omitempty"`
	AI    *AIDebug    `json:"ai,omitempty"`
}

// Result is the outcome of Router.Route. Error is set when an evaluator failed; the
// rest of the result is still well formed.
type Result struct {
	Outputs       []Selection
	Decision      Decision
	Debug         Debug
	ExecutionTime time.Duration
	Error         error
}

// MarshalJSON reports the execution time in milliseconds and the error as text.
func (r Result) MarshalJSON() ([]byte, error) {
	out := struct {
		Outputs       []Selection `json:"outputs"`
		Decision      Decision    `json:"decision"`
		Debug         Debug       `json:"debug"`
		ExecutionTime float64     `json:"executionTime"`
		Error         string      `json:"error,omitempty"`
	}{
		Outputs:       r.Outputs,
		Decision:      r.Decision,
		Debug:         r.Debug,
		ExecutionTime: float64(r.ExecutionTime.Microseconds()) / 1000,
	}
	if out.Outputs == nil {
		out.Outputs = []Selection{}
	}
	if r.Error != nil {
		out.Error = r.Error.Error()
	}
	return json.Marshal(out)
}

// Router runs the configured evaluators and merges their selections.
type Router struct {
	cfg     Config
	rules   *RuleEvaluator
	ai      *AIRouter
	logger  *slog.Logger
	metrics *telemetry.PipelineMetrics
	tracer  trace.Tracer
}

// Option configures a Router.
type Option func(*Router)

// WithRuleEvaluator sets the rule evaluator. A default one is used otherwise.
func WithRuleEvaluator(e *RuleEvaluator) Option {
	return func(r *Router) {
		if e != nil {
			r.rules = e
		}
	}
}

// WithAIRouter sets the AI router, required for ai and hybrid modes.
func WithAIRouter(ai *AIRouter) Option {
	return func(r *Router) { r.ai = ai }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *telemetry.PipelineMetrics) Option {
	return func(r *Router) { r.metrics = m }
}

// New creates a Router from a validated configuration.
func New(cfg Config, opts ...Option) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Router{
		cfg:    cfg,
		logger: slog.Default(),
		tracer: otel.Tracer("flowllm/router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.rules == nil {
		r.rules = NewRuleEvaluator(WithEvaluatorLogger(r.logger))
	}
	if (cfg.Mode == ModeAI || cfg.Mode == ModeHybrid) && r.ai == nil {
		return nil, errors.New(errors.CodeMissingConfig, "routing mode needs an AI router", nil).
			WithContext("mode", string(cfg.Mode))
	}
	return r, nil
}

// Config returns the routing configuration.
func (r *Router) Config() Config { return r.cfg }

// Route selects outputs for env. It never returns an error: failures are recorded in
// Result.Error and the fallback still applies.
func (r *Router) Route(ctx context.Context, env *message.Envelope) Result {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "Router.Route")
	defer span.End()

	res := Result{Decision: Decision{Mode: r.cfg.Mode}}
	var (
		ruleSel []Selection
		aiSel   []Selection
		err     error
	)

	switch r.cfg.Mode {
	case ModeRule:
		err = safely("rules", func() error {
			ruleSel = r.runRules(ctx, env, &res.Debug)
			return nil
		})
	case ModeAI:
		err = safely("ai", func() error {
			aiSel = r.runAI(ctx, env, &res.Debug)
			return nil
		})
	case ModeHybrid:
		var ruleDebug, aiDebug Debug
		var g errgroup.Group
		g.Go(func() error {
			return safely("rules", func() error {
				ruleSel = r.runRules(ctx, env, &ruleDebug)
				return nil
			})
		})
		g.Go(func() error {
			return safely("ai", func() error {
				aiSel = r.runAI(ctx, env, &aiDebug)
				return nil
			})
		})
		err = g.Wait()
		res.Debug = Debug{Rules: ruleDebug.Rules, AI: aiDebug.AI}
	}

	combined := append(append([]Selection(nil), ruleSel...), aiSel...)
	if len(combined) == 0 && r.cfg.FallbackOutput != NoFallback {
		combined = []Selection{{Index: r.cfg.FallbackOutput, Source: SourceFallback}}
		res.Decision.Fallback = true
	}
	res.Outputs = Dedup(combined)
	res.Decision.Outputs = make([]int, len(res.Outputs))
	res.Decision.Labels = make([]string, len(res.Outputs))
	for i, sel := range res.Outputs {
		res.Decision.Outputs[i] = sel.Index
		res.Decision.Labels[i] = r.label(sel.Index)
		r.metrics.RecordDecision(ctx, string(r.cfg.Mode), string(sel.Source))
	}
	res.ExecutionTime = time.Since(start)

	if err != nil {
		res.Error = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.metrics.RecordError(ctx, err, "router")
		r.logger.ErrorContext(ctx, "routing failed",
			"mode", string(r.cfg.Mode),
			"error", err,
			"outputs", res.Decision.Outputs,
		)
	}
	span.SetAttributes(telemetry.RouterAttributes(
		string(r.cfg.Mode),
		res.Decision.Outputs,
		res.Decision.Fallback,
		float64(res.ExecutionTime.Microseconds())/1000,
	)...)
	return res
}

func (r *Router) runRules(ctx context.Context, env *message.Envelope, dbg *Debug) []Selection {
	ctx, span := r.tracer.Start(ctx, "Router.Rules")
	defer span.End()

	sel, tr := r.rules.Evaluate(ctx, env, r.cfg.Rules, len(r.cfg.OutputLabels))
	dbg.Rules = &tr
	span.SetAttributes(telemetry.RuleAttributes(len(tr.Rules), tr.Matched)...)
	return sel
}

func (r *Router) runAI(ctx context.Context, env *message.Envelope, dbg *Debug) []Selection {
	ctx, span := r.tracer.Start(ctx, "Router.AI")
	defer span.End()

	out := r.ai.Route(ctx, env)
	dbg.AI = &out.Debug
	if out.Debug.Error != "" {
		span.SetStatus(codes.Error, out.Debug.Error)
	}
	return out.Selections
}

func (r *Router) label(i int) string {
	if i >= 0 && i < len(r.cfg.OutputLabels) {
		return r.cfg.OutputLabels[i]
	}
	return ""
}

// Dispatch builds one slot per output port. Selected ports get a copy of env carrying
// _routing metadata; the others are nil.
func (r *Router) Dispatch(res Result, env *message.Envelope) []*message.Envelope {
	return Dispatch(res, env, r.cfg.OutputLabels)
}

// Dispatch is Router.Dispatch for an explicit label list.
func Dispatch(res Result, env *message.Envelope, labels []string) []*message.Envelope {
	out := make([]*message.Envelope, len(labels))
	if env == nil {
		return out
	}
	for _, sel := range res.Outputs {
		if sel.Index < 0 || sel.Index >= len(labels) || out[sel.Index] != nil {
			continue
		}
		c := env.Clone()
		c.Routing = &message.RoutingInfo{
			Output:   sel.Index,
			Label:    labels[sel.Index],
			Source:   string(sel.Source),
			Priority: sel.Priority,
		}
		out[sel.Index] = c
	}
	return out
}

// Dedup keeps one selection per index: the one with the strictly greatest priority,
// the first seen on ties. Indexes keep their first-seen order.
func Dedup(in []Selection) []Selection {
	if len(in) == 0 {
		return []Selection{}
	}
	out := make([]Selection, 0, len(in))
	pos := make(map[int]int, len(in))
	for _, sel := range in {
		i, seen := pos[sel.Index]
		if !seen {
			pos[sel.Index] = len(out)
			out = append(out, sel)
			continue
		}
		if sel.Priority > out[i].Priority {
			out[i] = sel
		}
	}
	return out
}

// safely runs fn and turns a panic into a PROCESSING_ERROR.
func safely(stage string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.New(errors.CodeProcessing, fmt.Sprintf("%s evaluation panicked: %v", stage, p), nil).
				WithContext("stage", stage).
				WithContext("stack", string(debug.Stack()))
		}
	}()
	return fn()
}
