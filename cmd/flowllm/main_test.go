// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/jllopis/flowllm/pkg/errors"
)

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	g := &globalFlags{}
	cmd := buildRootCmd(g)
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd(&globalFlags{})
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, name := range []string{"roles", "prompt", "route", "generate", "output"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestConfigArgs(t *testing.T) {
	g := &globalFlags{configPath: "c.yaml", profile: "dev", overrides: []string{"llm.model=x", "router.mode=ai"}}
	got := strings.Join(g.configArgs(), " ")
	want := "--config c.yaml --profile dev --set llm.model=x --set router.mode=ai"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestPromptCommand(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "flowllm.yaml", `
roles:
  custom:
    summarizer:
      template: "Please summarize: {{content}}"
`)
	msg := writeFile(t, dir, "msg.json", `{"payload":"Summarize: the quick brown fox"}`)

	out, err := runCLI(t, "", "--config", cfg, "--json", "prompt", msg, "--role", "summarizer")
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if got["prompt"] != "Please summarize: Summarize: the quick brown fox" {
		t.Errorf("unexpected prompt %v", got["prompt"])
	}
}

func TestRouteCommand(t *testing.T) {
	dir := t.TempDir()
	rules := writeFile(t, dir, "rules.yaml", `
rules:
  - property: payload
    operator: contains
    value: fox
    output: 1
`)
	out, err := runCLI(t, `{"payload":"the quick brown fox"}`,
		"--json",
		"--set", `router.output_labels=["default","animals"]`,
		"route", "-", "--rules", rules)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	var res struct {
		Decision struct {
			Outputs []int    `json:"outputs"`
			Labels  []string `json:"labels"`
		} `json:"decision"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(res.Decision.Outputs) != 1 || res.Decision.Outputs[0] != 1 || res.Decision.Labels[0] != "animals" {
		t.Errorf("unexpected decision %+v", res.Decision)
	}
}

func TestRouteCommandNestedPayload(t *testing.T) {
	dir := t.TempDir()
	rules := writeFile(t, dir, "rules.yaml", `
rules:
  - property: payload.kind
    operator: eq
    value: invoice
    output: 1
`)
	out, err := runCLI(t, `{"payload":{"kind":"invoice"}}`,
		"--set", `router.output_labels=["default","invoices"]`,
		"route", "-", "--rules", rules)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(out), "1\tinvoices\trules") {
		t.Errorf("expected invoices output, got %q", out)
	}
}

func TestGenerateCommandWithMockProvider(t *testing.T) {
	out, err := runCLI(t, `{"payload":"hello fox"}`,
		"--set", "llm.provider=mock",
		"--set", "store.driver=memory",
		"generate", "-")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if strings.TrimSpace(out) != "hello fox" {
		t.Errorf("expected echoed payload, got %q", out)
	}
}

func TestRolesListJSON(t *testing.T) {
	out, err := runCLI(t, "", "--json", "roles", "list")
	if err != nil {
		t.Fatalf("roles list: %v", err)
	}
	var list []map[string]any
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) < 3 {
		t.Errorf("expected built-in roles, got %d", len(list))
	}
}

func TestRolesSyncNeedsStore(t *testing.T) {
	_, err := runCLI(t, "", "roles", "sync")
	if errors.CodeOf(err) != errors.CodeMissingConfig {
		t.Fatalf("expected MISSING_CONFIG, got %v", err)
	}

	out, err := runCLI(t, "", "--set", "store.driver=memory", "roles", "sync")
	if err != nil {
		t.Fatalf("roles sync: %v", err)
	}
	if !strings.HasPrefix(out, "saved ") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestOutputCommandSchema(t *testing.T) {
	dir := t.TempDir()
	schema := writeFile(t, dir, "schema.json", `{"type":"object","required":["name"]}`)

	if _, err := runCLI(t, "", "output", `{"name":"fox"}`, "--schema", schema); err != nil {
		t.Fatalf("valid output: %v", err)
	}
	_, err := runCLI(t, "", "output", `{"age":3}`, "--schema", schema)
	if errors.CodeOf(err) != errors.CodeSchemaValidation {
		t.Fatalf("expected SCHEMA_VALIDATION_ERROR, got %v", err)
	}
}

func TestInvalidConfigKeepsCode(t *testing.T) {
	_, err := runCLI(t, "", "--set", "llm.provider=nope", "roles", "list")
	if errors.CodeOf(err) != errors.CodeInvalidConfig {
		t.Fatalf("expected INVALID_CONFIG, got %v", err)
	}
	if !strings.Contains(err.Error(), "llm.provider") {
		t.Errorf("expected hint naming the field, got %q", err.Error())
	}
}

func TestPrintError(t *testing.T) {
	color.NoColor = true
	fe := errors.New(errors.CodeLLMError, "LLM provider call failed", nil).WithContext("provider", "openai")

	var buf bytes.Buffer
	printError(&buf, fe, true)
	var got map[string]map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if got["error"]["code"] != "LLM_ERROR" || got["error"]["hint"] == "" {
		t.Errorf("unexpected json error %v", got)
	}

	buf.Reset()
	printError(&buf, NewInvalidArgumentError("x.json", "missing"), false)
	text := buf.String()
	if !strings.Contains(text, "Invalid Input [INVALID_INPUT]") || !strings.Contains(text, "Hint:") {
		t.Errorf("unexpected text error %q", text)
	}
}
