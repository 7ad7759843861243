// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads flowllm settings from defaults, a YAML file, profile
// overlays, FLOWLLM_ environment variables and --set overrides, in that order.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/jllopis/flowllm/pkg/errors"
	"github.com/jllopis/flowllm/pkg/roles"
)

// EnvPrefix is the prefix for environment overrides (FLOWLLM_LLM_PROVIDER -> llm.provider).
const EnvPrefix = "FLOWLLM_"

type Config struct {
	Log       LogConfig       `koanf:"log"`
	LLM       LLMConfig       `koanf:"llm"`
	Roles     RolesConfig     `koanf:"roles"`
	Router    RouterConfig    `koanf:"router"`
	Store     StoreConfig     `koanf:"store"`
	Audit     AuditConfig     `koanf:"audit"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type LLMConfig struct {
	Provider    string        `koanf:"provider"` // openai, anthropic, gemini, ollama, mock
	Model       string        `koanf:"model"`
	BaseURL     string        `koanf:"base_url"`
	APIKey      string        `koanf:"api_key"`
	MaxTokens   int           `koanf:"max_tokens"`
	Temperature float64       `koanf:"temperature"`
	Timeout     time.Duration `koanf:"timeout"`
}

type RolesConfig struct {
	// File holds prompt templates per role (JSON or YAML). Created with defaults when missing.
	File   string                `koanf:"file"`
	Custom map[string]roles.Role `koanf:"custom"`
}

type RouterConfig struct {
	Mode           string   `koanf:"mode"` // rule, ai, hybrid
	OutputLabels   []string `koanf:"output_labels"`
	FallbackOutput int      `koanf:"fallback_output"`
	PromptTemplate string   `koanf:"prompt_template"`
	EnhancePrompt  bool     `koanf:"enhance_prompt"`
	LooseEquality  bool     `koanf:"loose_equality"`
	RulesFile      string   `koanf:"rules_file"`
}

type StoreConfig struct {
	Driver      string `koanf:"driver"` // none, memory, sqlite, postgres
	DSN         string `koanf:"dsn"`
	TablePrefix string `koanf:"table_prefix"`
}

type AuditConfig struct {
	Enabled bool   `koanf:"enabled"`
	Driver  string `koanf:"driver"` // memory, sqlite
	DSN     string `koanf:"dsn"`
}

type TelemetryConfig struct {
	Enabled      bool   `koanf:"enabled"`
	Exporter     string `koanf:"exporter"` // stdout, otlp, none
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
	ServiceName  string `koanf:"service_name"`
}

var (
	validProviders = map[string]bool{"openai": true, "anthropic": true, "gemini": true, "ollama": true, "mock": true}
	validModes     = map[string]bool{"rule": true, "ai": true, "hybrid": true}
	validStores    = map[string]bool{"none": true, "memory": true, "sqlite": true, "postgres": true}
	validAudits    = map[string]bool{"memory": true, "sqlite": true}
)

func setDefaults(k *koanf.Koanf) {
	k.Set("log.level", "info")
	k.Set("log.format", "text")

	k.Set("llm.provider", "ollama")
	k.Set("llm.model", "llama3.1")
	k.Set("llm.max_tokens", 1000)
	k.Set("llm.temperature", 0.7)
	k.Set("llm.timeout", "60s")

	k.Set("router.mode", "rule")
	k.Set("router.output_labels", []string{"default"})
	k.Set("router.fallback_output", 0)

	k.Set("store.driver", "none")
	k.Set("store.table_prefix", "flowllm_")

	k.Set("audit.enabled", false)
	k.Set("audit.driver", "memory")

	k.Set("telemetry.enabled", false)
	k.Set("telemetry.exporter", "stdout")
	k.Set("telemetry.otlp_endpoint", "localhost:4317")
	k.Set("telemetry.otlp_insecure", true)
	k.Set("telemetry.service_name", "flowllm")
}

// Load reads the configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	return LoadWithProfile(path, "")
}

// LoadWithProfile loads path and then overlays config.<profile>.yaml from the same
// directory when it exists.
func LoadWithProfile(path, profile string) (*Config, error) {
	return load(path, profile, nil)
}

// LoadWithCLI loads configuration using the flags found in args: --config, --profile
// (alias --env) and repeated --set key=value overrides. Unknown flags are ignored.
func LoadWithCLI(args []string) (*Config, error) {
	opts, overrides, err := parseCLIOverrides(args)
	if err != nil {
		return nil, err
	}
	return load(opts.path, opts.profile, overrides)
}

func load(path, profile string, overrides map[string]any) (*Config, error) {
	k := koanf.New(".")
	setDefaults(k)

	// 1. Load from file
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.New(errors.CodeInvalidConfig, "failed to load config file", err).
				WithContext("path", path)
		}
	}

	// 2. Profile overlay
	if p := profileConfigPath(path, profile); p != "" {
		if err := k.Load(file.Provider(p), yaml.Parser()); err != nil {
			return nil, errors.New(errors.CodeInvalidConfig, "failed to load profile config", err).
				WithContext("path", p)
		}
	}

	// 3. Load from ENV (FLOWLLM_LLM_BASE_URL -> llm.base_url)
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, errors.New(errors.CodeInvalidConfig, "failed to load environment", err)
	}

	// 4. CLI overrides
	for key, value := range overrides {
		if err := k.Set(key, value); err != nil {
			return nil, errors.New(errors.CodeInvalidConfig, "invalid override", err).WithContext("key", key)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.New(errors.CodeInvalidConfig, "failed to decode config", err)
	}
	return &cfg, nil
}

// envKey maps FLOWLLM_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(key, "_", ".", 1)
}

// profileConfigPath returns config.<profile>.yaml next to base, or "" when it does not exist.
func profileConfigPath(base, profile string) string {
	if base == "" || profile == "" {
		return ""
	}
	ext := filepath.Ext(base)
	candidate := strings.TrimSuffix(base, ext) + "." + profile + ext
	if _, err := os.Stat(candidate); err != nil {
		return ""
	}
	return candidate
}

type cliOptions struct {
	path    string
	profile string
}

func parseCLIOverrides(args []string) (cliOptions, map[string]any, error) {
	var opts cliOptions
	overrides := map[string]any{}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		switch name {
		case "--config", "--profile", "--env", "--set":
		default:
			continue
		}
		if !hasValue {
			if i+1 >= len(args) {
				return opts, nil, fmt.Errorf("missing value for %s", name)
			}
			i++
			value = args[i]
		}

		switch name {
		case "--config":
			opts.path = value
		case "--profile", "--env":
			opts.profile = value
		case "--set":
			key, raw, ok := strings.Cut(value, "=")
			if !ok || strings.TrimSpace(key) == "" {
				return opts, nil, fmt.Errorf("invalid --set value %q, expected key=value", value)
			}
			overrides[strings.TrimSpace(key)] = parseValue(raw)
		}
	}
	return opts, overrides, nil
}

// parseValue decodes JSON scalars, arrays and objects, falling back to the raw string.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

// Validate checks the enumerated settings and cross-field constraints.
func (c *Config) Validate() error {
	invalid := func(field string, value any, msg string) error {
		return errors.New(errors.CodeInvalidConfig, msg, nil).
			WithContext("field", field).
			WithContext("value", value)
	}

	if !validProviders[c.LLM.Provider] {
		return invalid("llm.provider", c.LLM.Provider, "unknown LLM provider")
	}
	if c.LLM.Timeout <= 0 {
		return invalid("llm.timeout", c.LLM.Timeout.String(), "llm timeout must be positive")
	}
	if c.LLM.MaxTokens < 0 {
		return invalid("llm.max_tokens", c.LLM.MaxTokens, "max tokens must not be negative")
	}
	if !validModes[c.Router.Mode] {
		return invalid("router.mode", c.Router.Mode, "unknown routing mode")
	}
	if len(c.Router.OutputLabels) == 0 {
		return invalid("router.output_labels", 0, "router needs at least one output")
	}
	if c.Router.FallbackOutput < 0 || c.Router.FallbackOutput >= len(c.Router.OutputLabels) {
		return invalid("router.fallback_output", c.Router.FallbackOutput, "fallback output out of range")
	}
	if !validStores[c.Store.Driver] {
		return invalid("store.driver", c.Store.Driver, "unknown store driver")
	}
	if (c.Store.Driver == "sqlite" || c.Store.Driver == "postgres") && c.Store.DSN == "" {
		return errors.New(errors.CodeMissingConfig, "store dsn is required", nil).WithContext("field", "store.dsn")
	}
	if c.Audit.Enabled && !validAudits[c.Audit.Driver] {
		return invalid("audit.driver", c.Audit.Driver, "unknown audit driver")
	}
	return nil
}

// RoleDefinitions returns roles.custom as roles named after their keys, sorted by name.
func (c *Config) RoleDefinitions() []roles.Role {
	names := make([]string, 0, len(c.Roles.Custom))
	for name := range c.Roles.Custom {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]roles.Role, 0, len(names))
	for _, name := range names {
		r := c.Roles.Custom[name]
		r.Name = name
		out = append(out, r)
	}
	return out
}
