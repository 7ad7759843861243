// SPDX-License-Identifier: Apache-2.0
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestNew(t *testing.T) {
	cause := errors.New("connection reset")
	fe := New(CodeLLMError, "provider call failed", cause)

	if fe.Code != CodeLLMError {
		t.Errorf("expected CodeLLMError, got %v", fe.Code)
	}
	if fe.Message != "provider call failed" {
		t.Errorf("expected message 'provider call failed', got %q", fe.Message)
	}
	if fe.Err != cause {
		t.Errorf("expected cause to be preserved")
	}
	if !errors.Is(fe, cause) {
		t.Errorf("expected errors.Is to work with wrapped error")
	}
}

func TestWithContext(t *testing.T) {
	fe := New(CodeInvalidRole, "role invalid", nil)
	fe.WithContext("role", "summarizer").
		WithContext("field", "template")

	if fe.Context["role"] != "summarizer" {
		t.Errorf("expected context role to be 'summarizer'")
	}
	if fe.Context["field"] != "template" {
		t.Errorf("expected context field to be set")
	}
}

func TestWithAttribute(t *testing.T) {
	fe := New(CodeLLMError, "llm failed", nil)
	fe.WithAttribute("provider", "openai").
		WithAttribute("model", "gpt-5-mini")

	if fe.Attributes["provider"] != "openai" {
		t.Errorf("expected attribute provider")
	}
	if fe.Attributes["model"] != "gpt-5-mini" {
		t.Errorf("expected attribute model")
	}
}

func TestWithRecoverable(t *testing.T) {
	fe := New(CodeTimeout, "deadline", nil)
	if fe.Recoverable {
		t.Errorf("expected recoverable to be false by default")
	}
	fe.WithRecoverable(true)
	if !fe.Recoverable || fe.RecoverableString() != "true" {
		t.Errorf("expected recoverable to be true after WithRecoverable")
	}
}

func TestError(t *testing.T) {
	tests := []struct {
		name     string
		fe       *FlowError
		expected string
	}{
		{
			name:     "with cause",
			fe:       New(CodeTimeout, "operation timed out", errors.New("deadline exceeded")),
			expected: "[TIMEOUT] operation timed out: deadline exceeded",
		},
		{
			name:     "without cause",
			fe:       New(CodeRoleNotFound, "role not found", nil),
			expected: "[ROLE_NOT_FOUND] role not found",
		},
		{
			name:     "formatted",
			fe:       Newf(CodeCircularInheritance, "cycle at %q", "a"),
			expected: `[CIRCULAR_INHERITANCE] cycle at "a"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fe.Error(); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestAsFlowError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorCode
	}{
		{name: "nil error", err: nil, expected: ""},
		{name: "already FlowError", err: New(CodeParse, "failed", nil), expected: CodeParse},
		{name: "wrapped FlowError", err: fmt.Errorf("outer: %w", New(CodeTemplate, "bad", nil)), expected: CodeTemplate},
		{name: "generic error", err: errors.New("generic error"), expected: CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fe := AsFlowError(tt.err)
			if tt.expected == "" {
				if fe != nil {
					t.Errorf("expected nil for nil error")
				}
				return
			}
			if fe == nil {
				t.Fatalf("expected non-nil FlowError")
			}
			if fe.Code != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, fe.Code)
			}
		})
	}
}

func TestHasCode(t *testing.T) {
	inner := New(CodeSerialization, "payload", errors.New("unsupported type"))
	outer := New(CodeNormalization, "normalize failed", inner)

	if !HasCode(outer, CodeNormalization) {
		t.Errorf("expected outer code to match")
	}
	if !HasCode(outer, CodeSerialization) {
		t.Errorf("expected nested code to match")
	}
	if HasCode(outer, CodeTemplate) {
		t.Errorf("unexpected match for CodeTemplate")
	}
	if HasCode(errors.New("plain"), CodeInternal) {
		t.Errorf("plain errors carry no code")
	}
	if CodeOf(outer) != CodeNormalization {
		t.Errorf("expected CodeOf to return outermost code, got %v", CodeOf(outer))
	}
}

func TestMarshalJSON(t *testing.T) {
	fe := New(CodeSchemaValidation, "output failed schema", errors.New("missing age"))
	fe.WithContext("errors", []string{"/age"}).WithRecoverable(false)

	data, err := json.Marshal(fe)
	if err != nil {
		t.Fatalf("unexpected error marshaling: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unexpected error unmarshaling: %v", err)
	}
	if result["code"] != "SCHEMA_VALIDATION_ERROR" {
		t.Errorf("expected code SCHEMA_VALIDATION_ERROR, got %v", result["code"])
	}
	if result["error"] != "missing age" {
		t.Errorf("expected cause in error field, got %v", result["error"])
	}
	if _, ok := result["details"].(map[string]interface{}); !ok {
		t.Errorf("expected details object, got %T", result["details"])
	}
}

func TestDerive(t *testing.T) {
	cause := errors.New("401")
	inner := New(CodeLLMError, "provider failed", cause).
		WithContext("provider", "openai").
		WithAttribute("model", "m").
		WithRecoverable(true)

	out := inner.Derive().WithContext("node_id", "llm-1")

	if _, ok := inner.Context["node_id"]; ok {
		t.Error("Derive must not modify the original context")
	}
	if out.Code != CodeLLMError || out.Message != "provider failed" || !out.Recoverable {
		t.Errorf("unexpected derived error %+v", out)
	}
	if out.Context["provider"] != "openai" || out.Attributes["model"] != "m" {
		t.Errorf("context not copied: %v %v", out.Context, out.Attributes)
	}
	if !errors.Is(out, cause) {
		t.Error("derived error must keep the cause")
	}
	if out.Error() != inner.Error() {
		t.Errorf("expected same text, got %q and %q", out.Error(), inner.Error())
	}
}
