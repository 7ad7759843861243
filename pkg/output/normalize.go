// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package output normalizes raw LLM output into typed content and validates it
// against JSON Schema.
package output

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/jllopis/flowllm/pkg/errors"
	"github.com/jllopis/flowllm/pkg/template"
)

// Format names the shape of normalized content.
type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
	FormatArray    Format = "array"
)

// Content is the normalized value. It is one of Text, Markdown, JSON or Array.
type Content interface {
	Format() Format
	Value() any
	content()
}

// Text is plain text output.
type Text string

// Markdown is text carrying markdown markers.
type Markdown string

// JSON holds a decoded JSON value (object, array or scalar).
type JSON struct {
	Data any
}

// Array holds list output that did not arrive as a JSON string.
type Array []any

func (Text) Format() Format     { return FormatText }
func (Markdown) Format() Format { return FormatMarkdown }
func (JSON) Format() Format     { return FormatJSON }
func (Array) Format() Format    { return FormatArray }

func (t Text) Value() any     { return string(t) }
func (m Markdown) Value() any { return string(m) }
func (j JSON) Value() any     { return j.Data }
func (a Array) Value() any    { return []any(a) }

func (Text) content()     {}
func (Markdown) content() {}
func (JSON) content()     {}
func (Array) content()    {}

// Metadata describes how a value was normalized.
type Metadata struct {
	Normalized   bool   `json:"normalized"`
	OriginalType string `json:"originalType"`
	Length       int    `json:"length"`
}

// Normalized is the result of Normalize.
type Normalized struct {
	Content  Content  `json:"-"`
	Format   Format   `json:"format"`
	Metadata Metadata `json:"metadata"`
}

// Value returns the underlying content value.
func (n *Normalized) Value() any {
	if n == nil || n.Content == nil {
		return nil
	}
	return n.Content.Value()
}

// MarshalJSON encodes the content value alongside format and metadata.
func (n Normalized) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Content  any      `json:"content"`
		Format   Format   `json:"format"`
		Metadata Metadata `json:"metadata"`
	}{n.Value(), n.Format, n.Metadata})
}

type normalizeOptions struct {
	format Format
}

// Option configures Normalize.
type Option func(*normalizeOptions)

// WithFormat forces the interpretation of string output. Empty means auto-detect.
func WithFormat(f Format) Option {
	return func(o *normalizeOptions) { o.format = f }
}

// Normalize type-dispatches raw into a Normalized value. Strings holding a JSON object
// or array become JSON; strings with markdown markers become Markdown. An explicit
// FormatJSON on text that does not parse returns PARSE_ERROR.
func Normalize(raw any, opts ...Option) (*Normalized, error) {
	var o normalizeOptions
	for _, opt := range opts {
		opt(&o)
	}

	if raw == nil {
		return build(Text(""), "nil", false), nil
	}
	originalType := fmt.Sprintf("%T", raw)

	switch v := raw.(type) {
	case string:
		return normalizeString(v, originalType, o.format)
	case []byte:
		return normalizeString(string(v), originalType, o.format)
	case json.RawMessage:
		return normalizeString(string(v), originalType, FormatJSON)
	case Content:
		return build(v, originalType, true), nil
	}

	rv := reflect.ValueOf(raw)
	switch rv.Kind() {
	case reflect.Map, reflect.Struct:
		return build(JSON{Data: raw}, originalType, true), nil
	case reflect.Pointer:
		if rv.IsNil() {
			return build(Text(""), originalType, false), nil
		}
		if k := rv.Elem().Kind(); k == reflect.Map || k == reflect.Struct {
			return build(JSON{Data: raw}, originalType, true), nil
		}
	case reflect.Slice, reflect.Array:
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return build(Array(items), originalType, true), nil
	}
	return build(Text(template.String(raw)), originalType, true), nil
}

func normalizeString(s, originalType string, format Format) (*Normalized, error) {
	trimmed := strings.TrimSpace(s)

	if format == FormatJSON || (format == "" && looksLikeJSON(trimmed)) {
		var parsed any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			return build(JSON{Data: parsed}, originalType, true), nil
		} else if format == FormatJSON {
			return nil, errors.New(errors.CodeParse, "output is not valid JSON", err).
				WithContext("length", len(s))
		}
	}

	if format == FormatMarkdown || (format == "" && hasMarkdownMarkers(s)) {
		return build(Markdown(s), originalType, true), nil
	}
	return build(Text(s), originalType, true), nil
}

// looksLikeJSON limits auto-detection to objects and arrays so bare words such as
// "true" or "42" stay text.
func looksLikeJSON(s string) bool {
	if len(s) < 2 {
		return false
	}
	return (s[0] == '{' && s[len(s)-1] == '}') || (s[0] == '[' && s[len(s)-1] == ']')
}

func hasMarkdownMarkers(s string) bool {
	return strings.ContainsAny(s, "\n`#")
}

func build(c Content, originalType string, normalized bool) *Normalized {
	return &Normalized{
		Content: c,
		Format:  c.Format(),
		Metadata: Metadata{
			Normalized:   normalized,
			OriginalType: originalType,
			Length:       contentLength(c),
		},
	}
}

func contentLength(c Content) int {
	switch v := c.(type) {
	case Text:
		return utf8.RuneCountInString(string(v))
	case Markdown:
		return utf8.RuneCountInString(string(v))
	case Array:
		return len(v)
	case JSON:
		data, err := json.Marshal(v.Data)
		if err != nil {
			return 0
		}
		return len(data)
	}
	return 0
}
