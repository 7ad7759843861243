// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tidwall/gjson"

	"github.com/jllopis/flowllm/pkg/message"
	"github.com/jllopis/flowllm/pkg/template"
)

const regexCacheSize = 256

// ExpressionEvaluator evaluates jsonata-style expressions against a message document.
// Implementations must not mutate doc.
type ExpressionEvaluator interface {
	Evaluate(ctx context.Context, doc []byte, expr string) (bool, error)
}

// ScriptEvaluator runs sandboxed javascript conditions supplied by the host.
type ScriptEvaluator interface {
	Evaluate(ctx context.Context, doc []byte, script string) (bool, error)
}

// EvaluatorFunc adapts a function to ExpressionEvaluator and ScriptEvaluator.
type EvaluatorFunc func(ctx context.Context, doc []byte, expr string) (bool, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, doc []byte, expr string) (bool, error) {
	return f(ctx, doc, expr)
}

// GJSONEvaluator treats an expression as a gjson query and matches when the result is truthy.
type GJSONEvaluator struct{}

func (GJSONEvaluator) Evaluate(_ context.Context, doc []byte, expr string) (bool, error) {
	if !gjson.ValidBytes(doc) {
		return false, fmt.Errorf("message is not valid JSON")
	}
	return truthy(gjson.GetBytes(doc, expr)), nil
}

func truthy(r gjson.Result) bool {
	switch r.Type {
	case gjson.True:
		return true
	case gjson.Number:
		return r.Num != 0 && !math.IsNaN(r.Num)
	case gjson.String:
		return r.Str != ""
	case gjson.JSON:
		return true
	default:
		return false
	}
}

// RuleTrace records the outcome of one evaluated rule.
type RuleTrace struct {
	Rule      int      `json:"rule"`
	Name      string   `json:"name,omitempty"`
	Type      RuleType `json:"type"`
	Output    int      `json:"output"`
	Matched   bool     `json:"matched"`
	Discarded bool     `json:"discarded,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// RulesTrace is the debug trace of one evaluation pass.
type RulesTrace struct {
	Rules   []RuleTrace `json:"rules"`
	Matched int         `json:"matched"`
}

// RuleEvaluator applies rules to messages. It holds no per-message state.
type RuleEvaluator struct {
	loose   bool
	expr    ExpressionEvaluator
	script  ScriptEvaluator
	regexes *lru.Cache[string, *regexp.Regexp]
	logger  *slog.Logger
}

// EvaluatorOption configures a RuleEvaluator.
type EvaluatorOption func(*RuleEvaluator)

// WithLooseEquality makes eq/neq coerce between numbers, strings and booleans ("5" eq 5).
func WithLooseEquality() EvaluatorOption {
	return func(e *RuleEvaluator) { e.loose = true }
}

// WithExpressionEvaluator sets the jsonata rule evaluator. Defaults to GJSONEvaluator.
func WithExpressionEvaluator(ev ExpressionEvaluator) EvaluatorOption {
	return func(e *RuleEvaluator) {
		if ev != nil {
			e.expr = ev
		}
	}
}

// WithScriptEvaluator sets the javascript rule evaluator. Without one, script rules never match.
func WithScriptEvaluator(ev ScriptEvaluator) EvaluatorOption {
	return func(e *RuleEvaluator) { e.script = ev }
}

// WithEvaluatorLogger sets the logger.
func WithEvaluatorLogger(logger *slog.Logger) EvaluatorOption {
	return func(e *RuleEvaluator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewRuleEvaluator creates a RuleEvaluator.
func NewRuleEvaluator(opts ...EvaluatorOption) *RuleEvaluator {
	cache, _ := lru.New[string, *regexp.Regexp](regexCacheSize)
	e := &RuleEvaluator{
		expr:    GJSONEvaluator{},
		regexes: cache,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs rules in declaration order. Disabled rules are skipped without a trace
// entry. A rule error is logged and counts as a non-match. A match whose output is not
// below outputCount is discarded.
func (e *RuleEvaluator) Evaluate(ctx context.Context, env *message.Envelope, rules []Rule, outputCount int) ([]Selection, RulesTrace) {
	trace := RulesTrace{Rules: []RuleTrace{}}
	if len(rules) == 0 {
		return nil, trace
	}

	doc, docErr := json.Marshal(env)

	var selected []Selection
	for i, rule := range rules {
		if rule.Disabled {
			continue
		}
		rt := RuleTrace{Rule: i, Name: rule.Name, Type: rule.kind(), Output: rule.Output}

		var (
			matched bool
			err     error
		)
		if docErr != nil {
			err = fmt.Errorf("encode message: %w", docErr)
		} else {
			matched, err = e.evaluateRule(ctx, doc, rule)
		}
		if err != nil {
			rt.Error = err.Error()
			e.logger.WarnContext(ctx, "rule evaluation failed",
				"rule", i,
				"type", string(rule.kind()),
				"error", err,
			)
			matched = false
		}
		rt.Matched = matched

		if matched {
			if rule.Output < 0 || rule.Output >= outputCount {
				rt.Discarded = true
			} else {
				trace.Matched++
				selected = append(selected, Selection{
					Index:    rule.Output,
					Priority: rule.Priority,
					Source:   SourceRules,
				})
			}
		}
		trace.Rules = append(trace.Rules, rt)
	}
	return selected, trace
}

func (e *RuleEvaluator) evaluateRule(ctx context.Context, doc []byte, rule Rule) (bool, error) {
	switch rule.kind() {
	case RuleSimple:
		res := gjson.GetBytes(doc, rule.Property)
		return e.compare(rule.Operator, res, rule.Value)
	case RuleJSONata:
		return e.expr.Evaluate(ctx, doc, rule.source())
	case RuleJavaScript:
		if e.script == nil {
			return false, fmt.Errorf("no script evaluator configured")
		}
		return e.script.Evaluate(ctx, doc, rule.source())
	default:
		return false, fmt.Errorf("unknown rule type %q", rule.Type)
	}
}

func (e *RuleEvaluator) compare(op Operator, prop gjson.Result, want any) (bool, error) {
	var got any
	if prop.Exists() {
		got = prop.Value()
	}
	want = normalizeValue(want)

	switch op {
	case OpEq:
		return e.equal(prop.Exists(), got, want), nil
	case OpNeq:
		return !e.equal(prop.Exists(), got, want), nil
	case OpLt, OpLte, OpGt, OpGte:
		if !prop.Exists() {
			return false, nil
		}
		return relational(op, got, want), nil
	case OpContains:
		return strings.Contains(template.String(got), template.String(want)), nil
	case OpRegex:
		re, err := e.compileRegex(template.String(want))
		if err != nil {
			return false, err
		}
		return re.MatchString(template.String(got)), nil
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}

func (e *RuleEvaluator) compileRegex(pattern string) (*regexp.Regexp, error) {
	if re, ok := e.regexes.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex %q: %w", pattern, err)
	}
	e.regexes.Add(pattern, re)
	return re, nil
}

func (e *RuleEvaluator) equal(exists bool, got, want any) bool {
	if e.loose {
		return looseEqual(exists, got, want)
	}
	if !exists {
		return false
	}
	return reflect.DeepEqual(got, want)
}

// looseEqual follows JavaScript == for JSON values: null and a missing property are
// equal, numbers compare with numeric strings and booleans, objects compare by value.
func looseEqual(exists bool, got, want any) bool {
	if !exists || got == nil {
		return want == nil
	}
	if want == nil {
		return false
	}
	switch g := got.(type) {
	case string:
		if w, ok := want.(string); ok {
			return g == w
		}
	case bool:
		if w, ok := want.(bool); ok {
			return g == w
		}
	}
	if reflect.DeepEqual(got, want) {
		return true
	}
	gn, gok := toNumber(got)
	wn, wok := toNumber(want)
	return gok && wok && gn == wn
}

// relational compares strings lexically and everything else numerically; NaN never matches.
func relational(op Operator, got, want any) bool {
	gs, gIsStr := got.(string)
	ws, wIsStr := want.(string)
	if gIsStr && wIsStr {
		c := strings.Compare(gs, ws)
		return compareResult(op, float64(c), 0)
	}
	gn, gok := toNumber(got)
	wn, wok := toNumber(want)
	if !gok || !wok {
		return false
	}
	return compareResult(op, gn, wn)
}

func compareResult(op Operator, a, b float64) bool {
	switch op {
	case OpLt:
		return a < b
	case OpLte:
		return a <= b
	case OpGt:
		return a > b
	case OpGte:
		return a >= b
	}
	return false
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case nil:
		return 0, true
	case float64:
		return n, !math.IsNaN(n)
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, true
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return 0, false
}

// normalizeValue maps a configured rule value onto the JSON value space (float64
// numbers, []any, map[string]any) so it compares with values read from the message.
func normalizeValue(v any) any {
	switch n := v.(type) {
	case nil, string, bool, float64:
		return v
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case int32:
		return float64(n)
	case uint:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return n.String()
		}
		return f
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
