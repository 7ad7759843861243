// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package template compiles role templates with named placeholders on top of
// mustache.
//
// Supported syntax:
//
//	{{name}}          variable reference, dotted names walk nested maps
//	{{{name}}} {{&name}}  unescaped reference (every reference is unescaped; prompts are never HTML)
//	{{#name}}...{{/name}} section rendered when name is truthy, once per item for lists
//	{{^name}}...{{/name}} section rendered when name is falsy or missing
//	{{! comment }}    ignored
//
// Rendering is permissive: missing variables render as "". Validation is strict:
// stray or nested braces and empty tags are rejected with their byte offset before
// mustache parses the section structure.
package template

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cbroglie/mustache"

	"github.com/jllopis/flowllm/pkg/errors"
)

// ErrInvalidSyntax is the cause carried by every template syntax error.
var ErrInvalidSyntax = stderrors.New("InvalidSyntax")

// Partials are not part of the template language; {{> name}} renders empty.
var noPartials = &mustache.StaticProvider{}

// Template is a parsed template ready to render many times.
type Template struct {
	source string
	tmpl   *mustache.Template
}

// Compile parses src and returns a reusable Template.
func Compile(src string) (*Template, error) {
	if err := checkDelimiters(src); err != nil {
		return nil, err
	}
	t, err := mustache.ParseStringPartialsRaw(src, noPartials, true)
	if err != nil {
		return nil, errors.New(errors.CodeTemplate, err.Error(), ErrInvalidSyntax)
	}
	return &Template{source: src, tmpl: t}, nil
}

// MustCompile is like Compile but panics on syntax errors. Intended for built-in templates.
func MustCompile(src string) *Template {
	t, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return t
}

// Source returns the original template text.
func (t *Template) Source() string {
	return t.source
}

// Render substitutes every reference with the matching context value.
func (t *Template) Render(ctx map[string]any) (string, error) {
	out, err := t.tmpl.Render(renderMap(ctx))
	if err != nil {
		return "", errors.New(errors.CodeTemplate, "render template", err)
	}
	return out, nil
}

// Variables returns the sorted set of names referenced by the template, section names included.
func (t *Template) Variables() []string {
	seen := make(map[string]struct{})
	collectTags(t.tmpl.Tags(), seen)
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func collectTags(tags []mustache.Tag, seen map[string]struct{}) {
	for _, tag := range tags {
		switch tag.Type() {
		case mustache.Variable:
			if tag.Name() != "." {
				seen[tag.Name()] = struct{}{}
			}
		case mustache.Section, mustache.InvertedSection:
			seen[tag.Name()] = struct{}{}
			collectTags(tag.Tags(), seen)
		}
	}
}

// Render compiles and renders src in one step.
func Render(src string, ctx map[string]any) (string, error) {
	t, err := Compile(src)
	if err != nil {
		return "", err
	}
	return t.Render(ctx)
}

// Validate parses src without rendering it.
func Validate(src string) error {
	_, err := Compile(src)
	return err
}

// ExtractVariables returns the sorted set of names referenced by src.
// Invalid templates yield nil.
func ExtractVariables(src string) []string {
	t, err := Compile(src)
	if err != nil {
		return nil
	}
	return t.Variables()
}

func syntaxError(offset int, format string, args ...any) error {
	return errors.New(errors.CodeTemplate, fmt.Sprintf(format, args...), ErrInvalidSyntax).
		WithContext("offset", offset)
}

// checkDelimiters rejects brace misuse mustache would render as literal text.
func checkDelimiters(src string) error {
	pos := 0
	for {
		open := strings.Index(src[pos:], "{{")
		if i := strings.Index(src[pos:], "}}"); i >= 0 && (open < 0 || i < open) {
			return syntaxError(pos+i, "unmatched %q", "}}")
		}
		if open < 0 {
			return nil
		}
		open += pos

		start, closing := open+2, "}}"
		triple := strings.HasPrefix(src[start:], "{")
		if triple {
			start, closing = start+1, "}}}"
		}
		end := strings.Index(src[start:], closing)
		if end < 0 {
			return syntaxError(open, "unclosed tag")
		}
		end += start
		body := src[start:end]
		switch {
		case strings.Contains(body, "{{"):
			return syntaxError(open, "nested %q inside tag", "{{")
		case triple && strings.Contains(body, "}"):
			return syntaxError(open, "mismatched triple braces")
		}
		tag := strings.TrimSpace(body)
		if tag != "" && strings.IndexByte("&#^/", tag[0]) >= 0 {
			tag = strings.TrimSpace(tag[1:])
		}
		if tag == "" {
			return syntaxError(open, "empty tag")
		}
		pos = end + len(closing)
	}
}

// Context values are converted so mustache prints them the way String does while
// sections still see maps, lists and falsy values.
type (
	jsonMap  map[string]any
	jsonList []any
	number   float64
	null     string
)

func (m jsonMap) String() string  { return marshal(map[string]any(m)) }
func (l jsonList) String() string { return marshal([]any(l)) }
func (n number) String() string   { return strconv.FormatFloat(float64(n), 'f', -1, 64) }

func (null) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

func marshal(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func renderMap(ctx map[string]any) jsonMap {
	out := make(jsonMap, len(ctx))
	for k, v := range ctx {
		out[k] = renderValue(v)
	}
	return out
}

func renderValue(v any) any {
	switch val := v.(type) {
	case nil:
		return null("")
	case map[string]any:
		return renderMap(val)
	case []any:
		out := make(jsonList, len(val))
		for i, item := range val {
			out[i] = renderValue(item)
		}
		return out
	case float64:
		return number(val)
	case string, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, json.Number:
		return val
	default:
		return String(val)
	}
}

// String coerces a context value to the text that is substituted into a template.
func String(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(val)
	case json.Number:
		return val.String()
	case fmt.Stringer:
		return val.String()
	case error:
		return val.Error()
	default:
		return marshal(val)
	}
}
