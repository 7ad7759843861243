// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jllopis/flowllm/pkg/errors"
)

// RuleType selects how a rule is evaluated.
type RuleType string

const (
	RuleSimple     RuleType = "simple"
	RuleJSONata    RuleType = "jsonata"
	RuleJavaScript RuleType = "javascript"
)

// Operator is a simple-rule comparison.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpContains Operator = "contains"
	OpRegex    Operator = "regex"
)

// Rule routes a message to Output when it matches.
type Rule struct {
	Name       string   `json:"name,omitempty" yaml:"name,omitempty"`
	Type       RuleType `json:"type,omitempty" yaml:"type,omitempty"`
	Property   string   `json:"property,omitempty" yaml:"property,omitempty"`
	Expression string   `json:"expression,omitempty" yaml:"expression,omitempty"`
	Condition  string   `json:"condition,omitempty" yaml:"condition,omitempty"`
	Operator   Operator `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value      any      `json:"value,omitempty" yaml:"value,omitempty"`
	Output     int      `json:"output" yaml:"output"`
	Priority   float64  `json:"priority,omitempty" yaml:"priority,omitempty"`
	Disabled   bool     `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// kind returns the rule type, defaulting to simple.
func (r Rule) kind() RuleType {
	if r.Type == "" {
		return RuleSimple
	}
	return r.Type
}

// source returns the expression or script text of non-simple rules.
func (r Rule) source() string {
	if r.Expression != "" {
		return r.Expression
	}
	return r.Condition
}

type ruleFile struct {
	Rules []Rule `json:"rules" yaml:"rules"`
}

// LoadRules reads rules from a YAML (.yaml, .yml) or JSON file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidConfig, "failed to read rules file", err).
			WithContext("path", path)
	}
	format := "json"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
	}
	rules, err := ParseRules(data, format)
	if err != nil {
		return nil, errors.AsFlowError(err).WithContext("path", path)
	}
	return rules, nil
}

// ParseRules decodes a rule list, either bare or under a "rules" key. format is
// "yaml" or "json".
func ParseRules(data []byte, format string) ([]Rule, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var (
		rules []Rule
		err   error
	)
	switch format {
	case "yaml", "yml":
		if err = yaml.Unmarshal(trimmed, &rules); err != nil {
			var wrapped ruleFile
			if werr := yaml.Unmarshal(trimmed, &wrapped); werr == nil {
				rules, err = wrapped.Rules, nil
			}
		}
	default:
		if trimmed[0] == '[' {
			err = json.Unmarshal(trimmed, &rules)
		} else {
			var wrapped ruleFile
			err = json.Unmarshal(trimmed, &wrapped)
			rules = wrapped.Rules
		}
	}
	if err != nil {
		return nil, errors.New(errors.CodeInvalidConfig, "failed to parse rules", err).
			WithContext("format", format)
	}

	for i, r := range rules {
		if err := validateRule(r); err != nil {
			return nil, err.WithContext("rule", i)
		}
	}
	return rules, nil
}

func validateRule(r Rule) *errors.FlowError {
	invalid := func(msg string) *errors.FlowError {
		return errors.New(errors.CodeInvalidConfig, msg, nil)
	}
	switch r.kind() {
	case RuleSimple:
		if r.Property == "" {
			return invalid("simple rule needs a property")
		}
		switch r.Operator {
		case OpEq, OpNeq, OpLt, OpLte, OpGt, OpGte, OpContains, OpRegex:
		default:
			return invalid("unknown operator").WithContext("operator", string(r.Operator))
		}
	case RuleJSONata, RuleJavaScript:
		if r.source() == "" {
			return invalid("rule needs an expression or condition")
		}
	default:
		return invalid("unknown rule type").WithContext("type", string(r.Type))
	}
	if r.Output < 0 {
		return invalid("rule output must not be negative")
	}
	return nil
}
