// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orderJSON = `{
	"payload": {"total": 120, "tier": "gold", "code": "5", "tags": ["a","b"], "note": "Urgent: call back", "flag": true},
	"topic": "orders"
}`

func TestSimpleOperators(t *testing.T) {
	tests := []struct {
		name  string
		rule  Rule
		match bool
	}{
		{name: "eq string", rule: Rule{Property: "payload.tier", Operator: OpEq, Value: "gold"}, match: true},
		{name: "eq number from int", rule: Rule{Property: "payload.total", Operator: OpEq, Value: 120}, match: true},
		{name: "eq bool", rule: Rule{Property: "payload.flag", Operator: OpEq, Value: true}, match: true},
		{name: "eq array", rule: Rule{Property: "payload.tags", Operator: OpEq, Value: []string{"a", "b"}}, match: true},
		{name: "eq strict string vs number", rule: Rule{Property: "payload.code", Operator: OpEq, Value: 5}, match: false},
		{name: "eq missing", rule: Rule{Property: "payload.none", Operator: OpEq, Value: nil}, match: false},
		{name: "neq", rule: Rule{Property: "payload.tier", Operator: OpNeq, Value: "silver"}, match: true},
		{name: "lt", rule: Rule{Property: "payload.total", Operator: OpLt, Value: 200}, match: true},
		{name: "lte equal", rule: Rule{Property: "payload.total", Operator: OpLte, Value: 120}, match: true},
		{name: "gt numeric string", rule: Rule{Property: "payload.code", Operator: OpGt, Value: 4}, match: true},
		{name: "gte", rule: Rule{Property: "payload.total", Operator: OpGte, Value: 121}, match: false},
		{name: "gt strings lexical", rule: Rule{Property: "payload.tier", Operator: OpGt, Value: "apple"}, match: true},
		{name: "lt missing never matches", rule: Rule{Property: "payload.none", Operator: OpLt, Value: 1}, match: false},
		{name: "lt non numeric", rule: Rule{Property: "payload.tier", Operator: OpLt, Value: 10}, match: false},
		{name: "contains", rule: Rule{Property: "payload.note", Operator: OpContains, Value: "Urgent"}, match: true},
		{name: "contains number", rule: Rule{Property: "payload.total", Operator: OpContains, Value: 12}, match: true},
		{name: "regex", rule: Rule{Property: "payload.note", Operator: OpRegex, Value: `(?i)^urgent`}, match: true},
		{name: "regex no match", rule: Rule{Property: "topic", Operator: OpRegex, Value: `^billing$`}, match: false},
	}

	ev := NewRuleEvaluator()
	env := testEnvelope(t, orderJSON)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.rule.Output = 0
			sel, trace := ev.Evaluate(context.Background(), env, []Rule{tc.rule}, 1)
			require.Len(t, trace.Rules, 1)
			assert.Equal(t, tc.match, trace.Rules[0].Matched)
			assert.Empty(t, trace.Rules[0].Error)
			if tc.match {
				assert.Equal(t, []Selection{{Index: 0, Source: SourceRules}}, sel)
			} else {
				assert.Empty(t, sel)
			}
		})
	}
}

func TestLooseEquality(t *testing.T) {
	env := testEnvelope(t, orderJSON)
	strict := NewRuleEvaluator()
	loose := NewRuleEvaluator(WithLooseEquality())

	tests := []struct {
		name        string
		rule        Rule
		strictMatch bool
		looseMatch  bool
	}{
		{name: "numeric string", rule: Rule{Property: "payload.code", Operator: OpEq, Value: 5}, strictMatch: false, looseMatch: true},
		{name: "bool vs number", rule: Rule{Property: "payload.flag", Operator: OpEq, Value: 1}, strictMatch: false, looseMatch: true},
		{name: "missing vs null", rule: Rule{Property: "payload.none", Operator: OpEq, Value: nil}, strictMatch: false, looseMatch: true},
		{name: "different strings", rule: Rule{Property: "payload.tier", Operator: OpEq, Value: "Gold"}, strictMatch: false, looseMatch: false},
		{name: "neq numeric string", rule: Rule{Property: "payload.code", Operator: OpNeq, Value: 5}, strictMatch: true, looseMatch: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, st := strict.Evaluate(context.Background(), env, []Rule{tc.rule}, 1)
			_, lt := loose.Evaluate(context.Background(), env, []Rule{tc.rule}, 1)
			assert.Equal(t, tc.strictMatch, st.Rules[0].Matched, "strict")
			assert.Equal(t, tc.looseMatch, lt.Rules[0].Matched, "loose")
		})
	}
}

func TestEvaluateSelectionSemantics(t *testing.T) {
	env := testEnvelope(t, orderJSON)
	rules := []Rule{
		{Name: "off", Property: "topic", Operator: OpEq, Value: "orders", Output: 0, Disabled: true},
		{Name: "bad regex", Property: "topic", Operator: OpRegex, Value: "(", Output: 0},
		{Name: "out of range", Property: "topic", Operator: OpEq, Value: "orders", Output: 5},
		{Name: "hit", Property: "topic", Operator: OpEq, Value: "orders", Output: 1, Priority: 2},
		{Name: "bad operator", Property: "topic", Operator: "like", Output: 0},
	}

	sel, trace := NewRuleEvaluator().Evaluate(context.Background(), env, rules, 2)
	assert.Equal(t, []Selection{{Index: 1, Priority: 2, Source: SourceRules}}, sel)

	require.Len(t, trace.Rules, 4, "disabled rules are not traced")
	assert.Equal(t, 1, trace.Rules[0].Rule)
	assert.NotEmpty(t, trace.Rules[0].Error)
	assert.False(t, trace.Rules[0].Matched)
	assert.True(t, trace.Rules[1].Matched)
	assert.True(t, trace.Rules[1].Discarded)
	assert.True(t, trace.Rules[2].Matched)
	assert.NotEmpty(t, trace.Rules[3].Error)
	assert.Equal(t, 1, trace.Matched)
}

func TestExpressionRules(t *testing.T) {
	env := testEnvelope(t, orderJSON)

	t.Run("gjson expression", func(t *testing.T) {
		rules := []Rule{
			{Type: RuleJSONata, Expression: `payload.tags.#(=="b")`, Output: 0},
			{Type: RuleJSONata, Condition: "payload.missing", Output: 1},
		}
		sel, trace := NewRuleEvaluator().Evaluate(context.Background(), env, rules, 2)
		assert.Equal(t, []Selection{{Index: 0, Source: SourceRules}}, sel)
		assert.False(t, trace.Rules[1].Matched)
	})

	t.Run("custom expression evaluator", func(t *testing.T) {
		var seen string
		ev := NewRuleEvaluator(WithExpressionEvaluator(EvaluatorFunc(func(ctx context.Context, doc []byte, expr string) (bool, error) {
			seen = expr
			return true, nil
		})))
		sel, _ := ev.Evaluate(context.Background(), env, []Rule{{Type: RuleJSONata, Expression: "$.total > 100", Output: 0}}, 1)
		assert.Len(t, sel, 1)
		assert.Equal(t, "$.total > 100", seen)
	})

	t.Run("script without evaluator is a non-match", func(t *testing.T) {
		sel, trace := NewRuleEvaluator().Evaluate(context.Background(), env, []Rule{{Type: RuleJavaScript, Condition: "msg.topic === 'orders'", Output: 0}}, 1)
		assert.Empty(t, sel)
		assert.Contains(t, trace.Rules[0].Error, "no script evaluator")
	})

	t.Run("injected script evaluator", func(t *testing.T) {
		ev := NewRuleEvaluator(WithScriptEvaluator(EvaluatorFunc(func(ctx context.Context, doc []byte, script string) (bool, error) {
			return script == "ok", nil
		})))
		sel, _ := ev.Evaluate(context.Background(), env, []Rule{{Type: RuleJavaScript, Condition: "ok", Output: 0}}, 1)
		assert.Len(t, sel, 1)
	})
}

func TestEvaluateNoRules(t *testing.T) {
	sel, trace := NewRuleEvaluator().Evaluate(context.Background(), testEnvelope(t, `{"payload":"x"}`), nil, 1)
	assert.Empty(t, sel)
	assert.Empty(t, trace.Rules)
}
