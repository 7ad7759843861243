// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package output

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaCacheSize = 128

var schemaCache, _ = lru.New[string, *jsonschema.Schema](schemaCacheSize)

// Issue is one schema violation.
type Issue struct {
	Path    string         `json:"path"`
	Message string         `json:"message"`
	Keyword string         `json:"keyword"`
	Params  map[string]any `json:"params,omitempty"`
}

func (i Issue) String() string {
	path := i.Path
	if path == "" {
		path = "/"
	}
	return fmt.Sprintf("%s: %s", path, i.Message)
}

// Result is the outcome of Validate. Data is the validated value.
type Result struct {
	Valid  bool    `json:"valid"`
	Errors []Issue `json:"errors,omitempty"`
	Data   any     `json:"data,omitempty"`
}

// Validate checks a normalized value against schema. It succeeds without checking
// when schema is empty or the content is not JSON. schema may be a decoded map, a
// JSON string, []byte or json.RawMessage.
func Validate(n *Normalized, schema any) Result {
	data := n.Value()
	if isEmptySchema(schema) || n == nil || n.Format != FormatJSON {
		return Result{Valid: true, Data: data}
	}

	compiled, err := CompileSchema(schema)
	if err != nil {
		return Result{
			Valid:  false,
			Errors: []Issue{{Message: err.Error(), Keyword: "$schema"}},
			Data:   data,
		}
	}

	instance, err := toJSONValue(data)
	if err != nil {
		return Result{
			Valid:  false,
			Errors: []Issue{{Message: err.Error(), Keyword: "type"}},
			Data:   data,
		}
	}

	if err := compiled.Validate(instance); err != nil {
		return Result{Valid: false, Errors: issuesFrom(err), Data: data}
	}
	return Result{Valid: true, Data: data}
}

// CompileSchema compiles schema, caching compiled schemas by their JSON text.
func CompileSchema(schema any) (*jsonschema.Schema, error) {
	key, err := schemaKey(schema)
	if err != nil {
		return nil, err
	}
	if cached, ok := schemaCache.Get(key); ok {
		return cached, nil
	}
	compiled, err := jsonschema.CompileString("response.schema.json", key)
	if err != nil {
		return nil, fmt.Errorf("compile response schema: %w", err)
	}
	schemaCache.Add(key, compiled)
	return compiled, nil
}

func schemaKey(schema any) (string, error) {
	switch s := schema.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	case json.RawMessage:
		return string(s), nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return "", fmt.Errorf("encode response schema: %w", err)
	}
	return string(data), nil
}

func isEmptySchema(schema any) bool {
	switch s := schema.(type) {
	case nil:
		return true
	case map[string]any:
		return len(s) == 0
	case string:
		return strings.TrimSpace(s) == ""
	case []byte:
		return len(bytes.TrimSpace(s)) == 0
	case json.RawMessage:
		return len(bytes.TrimSpace(s)) == 0
	}
	return false
}

// toJSONValue round-trips v so typed Go values validate as their JSON form.
func toJSONValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode output: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	return out, nil
}

// issuesFrom flattens a validation error tree into its leaf causes.
func issuesFrom(err error) []Issue {
	var ve *jsonschema.ValidationError
	if !stderrors.As(err, &ve) {
		return []Issue{{Message: err.Error()}}
	}
	var issues []Issue
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			issues = append(issues, Issue{
				Path:    e.InstanceLocation,
				Message: e.Message,
				Keyword: keywordOf(e.KeywordLocation),
				Params: map[string]any{
					"keywordLocation":  e.KeywordLocation,
					"absoluteLocation": e.AbsoluteKeywordLocation,
				},
			})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return issues
}

func keywordOf(location string) string {
	if i := strings.LastIndex(location, "/"); i >= 0 {
		return location[i+1:]
	}
	return location
}
