// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/jllopis/flowllm/pkg/errors"
	"github.com/jllopis/flowllm/pkg/llm"
	"github.com/jllopis/flowllm/pkg/message"
	"github.com/jllopis/flowllm/pkg/template"
)

// AIPriority is the priority of every AI selection. It sits above the default rule
// priority of 0 so AI decisions win index ties in hybrid mode.
const AIPriority = 10

// DefaultPromptTemplate is used when no routing prompt is configured.
const DefaultPromptTemplate = `You are a message router. Decide which outputs should receive the message below.

Available outputs (index: label):
{{outputs}}

Message:
{{message}}

Respond with a JSON object of the form {"outputs": [<index>, ...]} listing the chosen output indexes. Use an empty list when no output applies.`

const enhancePrompt = `Rewrite the following routing instructions so they are clear and unambiguous for a language model. Keep every output index, label and the message unchanged, and keep the required JSON response format. Reply with the rewritten instructions only.

{{prompt}}`

// Generator produces a completion for a prompt. *llm.Invoker implements it.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts llm.Options) (*llm.Response, error)
}

// Enhancer rewrites a routing prompt before it is sent.
type Enhancer interface {
	Enhance(ctx context.Context, prompt string) (string, error)
}

// EnhancerFunc adapts a function to Enhancer.
type EnhancerFunc func(ctx context.Context, prompt string) (string, error)

func (f EnhancerFunc) Enhance(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// LLMEnhancer returns an Enhancer that asks gen to rewrite prompts for clarity.
func LLMEnhancer(gen Generator) Enhancer {
	tmpl := template.MustCompile(enhancePrompt)
	return EnhancerFunc(func(ctx context.Context, prompt string) (string, error) {
		text, err := tmpl.Render(map[string]any{"prompt": prompt})
		if err != nil {
			return "", err
		}
		resp, err := gen.Generate(ctx, text, llm.Options{})
		if err != nil {
			return "", err
		}
		out := strings.TrimSpace(resp.Output())
		if out == "" {
			return "", fmt.Errorf("enhancer returned an empty prompt")
		}
		return out, nil
	})
}

// AIDebug is the debug trace of one AI routing call.
type AIDebug struct {
	Prompt       string `json:"prompt"`
	Enhanced     bool   `json:"enhanced"`
	EnhanceError string `json:"enhanceError,omitempty"`
	Response     string `json:"response,omitempty"`
	Model        string `json:"model,omitempty"`
	Outputs      []int  `json:"outputs"`
	Discarded    []any  `json:"discarded,omitempty"`
	ParseError   string `json:"parseError,omitempty"`
	Error        string `json:"error,omitempty"`
}

// AIResult is the outcome of AIRouter.Route.
type AIResult struct {
	Selections []Selection `json:"selections"`
	Debug      AIDebug     `json:"debug"`
}

// AIRouter asks an LLM which outputs a message belongs to.
type AIRouter struct {
	gen      Generator
	labels   []string
	tmpl     *template.Template
	enhancer Enhancer
	opts     llm.Options
	logger   *slog.Logger
}

// AIOption configures an AIRouter.
type AIOption func(*AIRouter) error

// WithPromptTemplate replaces the default routing prompt. It may reference
// {{outputs}} and {{message}}.
func WithPromptTemplate(tmpl string) AIOption {
	return func(r *AIRouter) error {
		if strings.TrimSpace(tmpl) == "" {
			return nil
		}
		t, err := template.Compile(tmpl)
		if err != nil {
			return errors.New(errors.CodeInvalidConfig, "invalid routing prompt template", err)
		}
		r.tmpl = t
		return nil
	}
}

// WithEnhancer runs every routing prompt through e first.
func WithEnhancer(e Enhancer) AIOption {
	return func(r *AIRouter) error {
		r.enhancer = e
		return nil
	}
}

// WithGenerateOptions sets the options of the routing call. JSON output is always requested.
func WithGenerateOptions(opts llm.Options) AIOption {
	return func(r *AIRouter) error {
		r.opts = opts
		return nil
	}
}

// WithAILogger sets the logger.
func WithAILogger(logger *slog.Logger) AIOption {
	return func(r *AIRouter) error {
		if logger != nil {
			r.logger = logger
		}
		return nil
	}
}

// NewAIRouter creates an AIRouter choosing among labels.
func NewAIRouter(gen Generator, labels []string, opts ...AIOption) (*AIRouter, error) {
	if gen == nil {
		return nil, errors.New(errors.CodeMissingConfig, "AI router needs an LLM", nil)
	}
	if len(labels) == 0 {
		return nil, errors.New(errors.CodeInvalidConfig, "AI router needs at least one output label", nil)
	}
	r := &AIRouter{
		gen:    gen,
		labels: append([]string(nil), labels...),
		tmpl:   template.MustCompile(DefaultPromptTemplate),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// BuildPrompt renders the routing prompt for env.
func (r *AIRouter) BuildPrompt(env *message.Envelope) (string, error) {
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return "", errors.New(errors.CodeSerialization, "failed to encode message for routing", err)
	}
	lines := make([]string, len(r.labels))
	for i, label := range r.labels {
		lines[i] = fmt.Sprintf("%d: %s", i, label)
	}
	return r.tmpl.Render(map[string]any{
		"outputs": strings.Join(lines, "\n"),
		"message": string(data),
	})
}

// Route never returns an error: LLM and parse failures are reported in the debug
// trace with zero selections so the caller can fall back.
func (r *AIRouter) Route(ctx context.Context, env *message.Envelope) AIResult {
	res := AIResult{Debug: AIDebug{Outputs: []int{}}}

	prompt, err := r.BuildPrompt(env)
	if err != nil {
		res.Debug.Error = err.Error()
		return res
	}
	if r.enhancer != nil {
		enhanced, err := r.enhancer.Enhance(ctx, prompt)
		if err != nil {
			res.Debug.EnhanceError = err.Error()
			r.logger.WarnContext(ctx, "routing prompt enhancement failed, using original prompt", "error", err)
		} else {
			prompt = enhanced
			res.Debug.Enhanced = true
		}
	}
	res.Debug.Prompt = prompt

	opts := r.opts
	opts.ResponseFormat = llm.ResponseFormatJSON
	resp, err := r.gen.Generate(ctx, prompt, opts)
	if err != nil {
		res.Debug.Error = err.Error()
		return res
	}
	res.Debug.Response = resp.Output()
	res.Debug.Model = resp.Model

	indexes, discarded, err := ParseOutputs(resp.Output(), len(r.labels))
	if err != nil {
		res.Debug.ParseError = err.Error()
		return res
	}
	res.Debug.Discarded = discarded
	for _, idx := range indexes {
		res.Debug.Outputs = append(res.Debug.Outputs, idx)
		res.Selections = append(res.Selections, Selection{Index: idx, Priority: AIPriority, Source: SourceAI})
	}
	return res
}

// ParseOutputs reads {"outputs": [...]} from an LLM response. raw may be a string
// (bare JSON, a fenced block or JSON embedded in prose) or an already decoded object.
// Integral values in [0, outputCount) are returned; anything else is discarded.
func ParseOutputs(raw any, outputCount int) ([]int, []any, error) {
	var obj map[string]any
	switch v := raw.(type) {
	case map[string]any:
		obj = v
	case string:
		decoded, err := decodeObject(v)
		if err != nil {
			return nil, nil, err
		}
		obj = decoded
	default:
		return nil, nil, fmt.Errorf("unsupported response type %T", raw)
	}

	list, ok := obj["outputs"].([]any)
	if !ok {
		return nil, nil, fmt.Errorf(`response has no "outputs" array`)
	}

	var (
		indexes   []int
		discarded []any
	)
	for _, item := range list {
		idx, ok := asIndex(item)
		if !ok || idx < 0 || idx >= outputCount {
			discarded = append(discarded, item)
			continue
		}
		indexes = append(indexes, idx)
	}
	return indexes, discarded, nil
}

func asIndex(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := strconv.Atoi(n.String())
		return i, err == nil
	}
	return 0, false
}

// decodeObject finds a JSON object in text.
func decodeObject(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty response")
	}

	candidates := []string{text}
	if block := fencedBlock(text); block != "" {
		candidates = append(candidates, block)
	}
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		candidates = append(candidates, text[start:end+1])
	}

	var lastErr error
	for _, c := range candidates {
		var obj map[string]any
		if err := json.Unmarshal([]byte(c), &obj); err != nil {
			lastErr = err
			continue
		}
		return obj, nil
	}
	return nil, fmt.Errorf("response is not a JSON object: %w", lastErr)
}

// fencedBlock returns the body of the first ``` fenced block, without its language tag.
func fencedBlock(text string) string {
	start := strings.Index(text, "```")
	if start < 0 {
		return ""
	}
	rest := text[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}
