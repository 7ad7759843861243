// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package roles

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jllopis/flowllm/pkg/errors"
	"github.com/jllopis/flowllm/pkg/template"
)

// PromptTemplate is a system/user template pair with an optional response schema.
type PromptTemplate struct {
	System         string         `json:"system" yaml:"system"`
	User           string         `json:"user" yaml:"user"`
	ResponseSchema map[string]any `json:"responseSchema,omitempty" yaml:"responseSchema,omitempty"`
}

// PromptMessage is one rendered chat turn.
type PromptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GeneratedPrompt is the output of RoleConfig.GeneratePrompt.
type GeneratedPrompt struct {
	Messages       []PromptMessage `json:"messages"`
	ResponseSchema map[string]any  `json:"responseSchema,omitempty"`
}

// RoleConfig is a role name → prompt template mapping loaded once at start-up.
type RoleConfig struct {
	path      string
	templates map[string]PromptTemplate
}

// DefaultPromptTemplates returns the templates used when no role file exists.
func DefaultPromptTemplates() map[string]PromptTemplate {
	return map[string]PromptTemplate{
		"assistant": {
			System: "You are a helpful assistant. Answer accurately and concisely.",
			User:   "{{content}}",
		},
		"summarizer": {
			System: "You are an expert summarizer. Produce short, faithful summaries without adding information.",
			User:   "Please summarize: {{content}}",
		},
		"classifier": {
			System: "You are a text classifier. Reply only with JSON.",
			User:   "Classify the following input into one of: {{categories}}\n\nInput: {{content}}",
			ResponseSchema: map[string]any{
				"type":     "object",
				"required": []any{"category"},
				"properties": map[string]any{
					"category":   map[string]any{"type": "string"},
					"confidence": map[string]any{"type": "number"},
				},
			},
		},
	}
}

// LoadRoleConfig reads role templates from a JSON or YAML file.
// When the file does not exist the defaults are used and written to path as JSON.
// An empty path yields the defaults without touching the filesystem.
func LoadRoleConfig(path string) (*RoleConfig, error) {
	cfg := &RoleConfig{path: path}
	if strings.TrimSpace(path) == "" {
		cfg.templates = DefaultPromptTemplates()
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg.templates = DefaultPromptTemplates()
		if err := cfg.persist(); err != nil {
			return nil, err
		}
		slog.Info("role config not found, wrote defaults", "path", path)
		return cfg, nil
	}
	if err != nil {
		return nil, errors.New(errors.CodeMissingConfig, "read role config", err).
			WithContext("path", path)
	}

	templates, err := parseRoleConfig(path, data)
	if err != nil {
		return nil, err
	}
	for name, tmpl := range templates {
		for field, src := range map[string]string{"system": tmpl.System, "user": tmpl.User} {
			if err := template.Validate(src); err != nil {
				return nil, errors.New(errors.CodeInvalidConfig, "invalid role template", err).
					WithContext("role", name).
					WithContext("field", field)
			}
		}
	}
	cfg.templates = templates
	return cfg, nil
}

func parseRoleConfig(path string, data []byte) (map[string]PromptTemplate, error) {
	templates := make(map[string]PromptTemplate)
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &templates)
	default:
		err = json.Unmarshal(data, &templates)
	}
	if err != nil {
		return nil, errors.New(errors.CodeInvalidConfig, "parse role config", err).
			WithContext("path", path)
	}
	return templates, nil
}

func (c *RoleConfig) persist() error {
	if dir := filepath.Dir(c.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.New(errors.CodeStorage, "create role config dir", err).WithContext("path", c.path)
		}
	}
	data, err := json.MarshalIndent(c.templates, "", "  ")
	if err != nil {
		return errors.New(errors.CodeSerialization, "encode role config", err)
	}
	if err := os.WriteFile(c.path, data, 0o644); err != nil {
		return errors.New(errors.CodeStorage, "write role config", err).WithContext("path", c.path)
	}
	return nil
}

// Path returns the file backing the configuration, if any.
func (c *RoleConfig) Path() string {
	return c.path
}

// Names returns the configured role names in sorted order.
func (c *RoleConfig) Names() []string {
	names := make([]string, 0, len(c.templates))
	for name := range c.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Template returns the prompt template for role.
func (c *RoleConfig) Template(role string) (PromptTemplate, bool) {
	t, ok := c.templates[role]
	return t, ok
}

// GeneratePrompt renders the system and user templates of role with ctx.
func (c *RoleConfig) GeneratePrompt(role string, ctx map[string]any) (GeneratedPrompt, error) {
	tmpl, ok := c.templates[role]
	if !ok {
		return GeneratedPrompt{}, errors.New(errors.CodeRoleNotFound,
			fmt.Sprintf("role %q not found in role config", role), nil).
			WithContext("role", role)
	}
	system, err := template.Render(tmpl.System, ctx)
	if err != nil {
		return GeneratedPrompt{}, err
	}
	user, err := template.Render(tmpl.User, ctx)
	if err != nil {
		return GeneratedPrompt{}, err
	}
	return GeneratedPrompt{
		Messages: []PromptMessage{
			{Role: RoleSystem, Content: system},
			{Role: RoleUser, Content: user},
		},
		ResponseSchema: tmpl.ResponseSchema,
	}, nil
}

// Roles converts each entry into a registry Role so a Registry can be seeded from the same file.
// The role schema, when present, is carried in the "responseSchema" variable.
func (c *RoleConfig) Roles() []Role {
	out := make([]Role, 0, len(c.templates))
	for _, name := range c.Names() {
		tmpl := c.templates[name]
		role := Role{
			Name:        name,
			Description: tmpl.System,
			Template:    tmpl.User,
		}
		if tmpl.ResponseSchema != nil {
			role.Variables = map[string]any{"responseSchema": tmpl.ResponseSchema}
		}
		out = append(out, role)
	}
	return out
}
