// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package template

import (
	stderrors "errors"
	"reflect"
	"testing"

	"github.com/jllopis/flowllm/pkg/errors"
)

func TestRender(t *testing.T) {
	ctx := map[string]any{
		"name":    "Ana",
		"count":   3.0,
		"ratio":   2.5,
		"ok":      true,
		"obj":     map[string]any{"a": 1.0},
		"user":    map[string]any{"name": "nested", "tags": []any{"a", nil}},
		"items":   []any{map[string]any{"name": "x"}, map[string]any{"name": "y"}},
		"nothing": nil,
		"raw":     "<b>bold</b>",
		"empty":   "",
	}

	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"plain", "Hello {{name}}!", "Hello Ana!"},
		{"whitespace in tag", "Hello {{ name }}!", "Hello Ana!"},
		{"missing renders empty", "[{{nope}}]", "[]"},
		{"integral float", "{{count}} items", "3 items"},
		{"fractional float", "{{ratio}}", "2.5"},
		{"bool", "{{ok}}", "true"},
		{"object as json", "{{obj}}", `{"a":1}`},
		{"dotted name", "{{user.name}}", "nested"},
		{"nested list as json", "{{user.tags}}", `["a",null]`},
		{"nil renders empty", "[{{nothing}}]", "[]"},
		{"list section", "{{#items}}<{{name}}>{{/items}}", "<x><y>"},
		{"nil section", "{{#nothing}}yes{{/nothing}}{{^nothing}}no{{/nothing}}", "no"},
		{"triple brace", "{{{raw}}}", "<b>bold</b>"},
		{"ampersand", "{{&raw}}", "<b>bold</b>"},
		{"comment", "a{{! ignore me }}b", "ab"},
		{"section true", "{{#ok}}yes{{/ok}}{{^ok}}no{{/ok}}", "yes"},
		{"section missing", "{{#nope}}yes{{/nope}}{{^nope}}no{{/nope}}", "no"},
		{"section empty string", "{{#empty}}yes{{/empty}}{{^empty}}no{{/empty}}", "no"},
		{"no tags", "just text", "just text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.tmpl, ctx)
			if err != nil {
				t.Fatalf("render: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderDottedWalk(t *testing.T) {
	got, err := Render("{{a.b.c}}", map[string]any{
		"a": map[string]any{"b": map[string]any{"c": "deep"}},
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "deep" {
		t.Errorf("got %q", got)
	}
}

func TestCompileReuse(t *testing.T) {
	tmpl := MustCompile("{{content}}")
	if tmpl.Source() != "{{content}}" {
		t.Errorf("unexpected source %q", tmpl.Source())
	}
	if got, err := tmpl.Render(map[string]any{"content": "one"}); err != nil || got != "one" {
		t.Errorf("got %q, %v", got, err)
	}
	if got, err := tmpl.Render(nil); err != nil || got != "" {
		t.Errorf("nil context should render empty, got %q, %v", got, err)
	}
	if got, _ := tmpl.Render(map[string]any{"content": "{{content}}"}); got != "{{content}}" {
		t.Errorf("values must not be re-rendered, got %q", got)
	}
}

func TestValidateRejectsMalformed(t *testing.T) {
	bad := map[string]string{
		"unclosed tag":     "Hello {{name",
		"stray close":      "Hello name}}",
		"nested open":      "{{a {{b}}",
		"empty tag":        "{{ }}",
		"empty section":    "{{# }}x",
		"unclosed section": "{{#items}}x",
		"unopened section": "x{{/items}}",
		"mismatched close": "{{#a}}x{{/b}}",
		"unclosed triple":  "{{{raw}}",
	}
	for name, tmpl := range bad {
		t.Run(name, func(t *testing.T) {
			err := Validate(tmpl)
			if err == nil {
				t.Fatalf("expected %q to be rejected", tmpl)
			}
			if errors.CodeOf(err) != errors.CodeTemplate {
				t.Errorf("expected TEMPLATE_ERROR, got %v", err)
			}
			if !stderrors.Is(err, ErrInvalidSyntax) {
				t.Errorf("expected ErrInvalidSyntax cause")
			}
			if _, rerr := Render(tmpl, nil); rerr == nil {
				t.Errorf("render must fail on invalid syntax")
			}
		})
	}
}

func TestValidateReportsOffset(t *testing.T) {
	fe := errors.AsFlowError(Validate("Hello {{name}} and {{oops"))
	if fe == nil || fe.Context["offset"] != 19 {
		t.Errorf("expected offset 19, got %+v", fe)
	}
}

func TestValidateAcceptsWellFormed(t *testing.T) {
	for _, tmpl := range []string{"", "plain", "{{a}}", "{{{a}}}", "{{#a}}{{b}}{{/a}}"} {
		if err := Validate(tmpl); err != nil {
			t.Errorf("%q: unexpected error %v", tmpl, err)
		}
	}
}

func TestExtractVariables(t *testing.T) {
	got := ExtractVariables("{{b}} {{a.c}} {{#s}}{{b}}{{/s}} {{! note }}")
	want := []string{"a.c", "b", "s"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if vars := ExtractVariables("{{broken"); vars != nil {
		t.Errorf("invalid template should yield nil, got %v", vars)
	}
	if vars := ExtractVariables("no variables"); len(vars) != 0 {
		t.Errorf("expected no variables, got %v", vars)
	}
}
