// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package roles

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/jllopis/flowllm/pkg/errors"
)

func TestLoadRoleConfigWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "roles.json")

	cfg, err := LoadRoleConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	names := cfg.Names()
	if len(names) != 3 || names[0] != "assistant" || names[1] != "classifier" || names[2] != "summarizer" {
		t.Fatalf("unexpected default roles %v", names)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("defaults not persisted: %v", err)
	}
	var persisted map[string]PromptTemplate
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatalf("persisted file is not JSON: %v", err)
	}
	if _, ok := persisted["summarizer"]; !ok {
		t.Errorf("expected summarizer in persisted defaults")
	}
}

func TestLoadRoleConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	content := `
translator:
  system: "Translate to {{lang}}."
  user: "{{content}}"
  responseSchema:
    type: object
    required: [text]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadRoleConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	p, err := cfg.GeneratePrompt("translator", map[string]any{"lang": "French", "content": "hello"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(p.Messages) != 2 {
		t.Fatalf("expected system and user messages, got %d", len(p.Messages))
	}
	if p.Messages[0].Role != "system" || p.Messages[0].Content != "Translate to French." {
		t.Errorf("unexpected system message %+v", p.Messages[0])
	}
	if p.Messages[1].Content != "hello" {
		t.Errorf("unexpected user message %+v", p.Messages[1])
	}
	if p.ResponseSchema["type"] != "object" {
		t.Errorf("expected response schema, got %v", p.ResponseSchema)
	}
}

func TestLoadRoleConfigRejectsBadTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.json")
	if err := os.WriteFile(path, []byte(`{"x":{"system":"{{oops","user":"{{content}}"}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := LoadRoleConfig(path)
	if !errors.HasCode(err, errors.CodeInvalidConfig) {
		t.Fatalf("expected INVALID_CONFIG, got %v", err)
	}
}

func TestGeneratePromptUnknownRole(t *testing.T) {
	cfg, _ := LoadRoleConfig("")
	if _, err := cfg.GeneratePrompt("nope", nil); errors.CodeOf(err) != errors.CodeRoleNotFound {
		t.Errorf("expected ROLE_NOT_FOUND, got %v", err)
	}
}

func TestRoleConfigSeedsRegistry(t *testing.T) {
	cfg, _ := LoadRoleConfig("")
	r, err := NewRegistry(WithRoles(cfg.Roles()...))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	role, err := r.GetRole("summarizer")
	if err != nil {
		t.Fatalf("get summarizer: %v", err)
	}
	if role.Template != "Please summarize: {{content}}" {
		t.Errorf("unexpected summarizer template %q", role.Template)
	}
	classifier, _ := r.GetRole("classifier")
	if classifier.Variables["responseSchema"] == nil {
		t.Errorf("expected classifier schema carried in variables")
	}
}
