// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package output

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/flowllm/pkg/errors"
)

var personSchema = map[string]any{
	"type":     "object",
	"required": []any{"name", "age"},
	"properties": map[string]any{
		"name": map[string]any{"type": "string"},
		"age":  map[string]any{"type": "integer"},
	},
}

func TestNormalizeDispatch(t *testing.T) {
	tests := []struct {
		name   string
		raw    any
		format Format
		want   any
	}{
		{name: "json object string", raw: `{"a":1}`, format: FormatJSON, want: map[string]any{"a": float64(1)}},
		{name: "json array string", raw: ` [1,2] `, format: FormatJSON, want: []any{float64(1), float64(2)}},
		{name: "plain text", raw: "A fox summary.", format: FormatText, want: "A fox summary."},
		{name: "bare scalar stays text", raw: "true", format: FormatText, want: "true"},
		{name: "markdown newline", raw: "line one\nline two", format: FormatMarkdown, want: "line one\nline two"},
		{name: "markdown heading", raw: "# Title", format: FormatMarkdown, want: "# Title"},
		{name: "map", raw: map[string]any{"k": "v"}, format: FormatJSON, want: map[string]any{"k": "v"}},
		{name: "slice", raw: []string{"a", "b"}, format: FormatArray, want: []any{"a", "b"}},
		{name: "number", raw: 42, format: FormatText, want: "42"},
		{name: "broken json falls back", raw: `{"a":`, format: FormatText, want: `{"a":`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			n, err := Normalize(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.format, n.Format)
			assert.Equal(t, tc.want, n.Value())
			assert.True(t, n.Metadata.Normalized)
		})
	}
}

func TestNormalizeNil(t *testing.T) {
	n, err := Normalize(nil)
	require.NoError(t, err)
	assert.Equal(t, FormatText, n.Format)
	assert.Equal(t, "", n.Value())
	assert.False(t, n.Metadata.Normalized)
}

func TestNormalizeExplicitFormat(t *testing.T) {
	n, err := Normalize("plain words", WithFormat(FormatMarkdown))
	require.NoError(t, err)
	assert.Equal(t, FormatMarkdown, n.Format)

	n, err = Normalize("42", WithFormat(FormatJSON))
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, n.Format)
	assert.Equal(t, float64(42), n.Value())

	_, err = Normalize("not json", WithFormat(FormatJSON))
	assert.Equal(t, errors.CodeParse, errors.CodeOf(err))
}

func TestNormalizeMetadata(t *testing.T) {
	n, err := Normalize("héllo")
	require.NoError(t, err)
	assert.Equal(t, 5, n.Metadata.Length)
	assert.Equal(t, "string", n.Metadata.OriginalType)

	n, err = Normalize([]int{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 3, n.Metadata.Length)
	assert.Equal(t, Array{1, 2, 3}, n.Content)
}

func TestValidateSkipsWithoutSchemaOrJSON(t *testing.T) {
	text, _ := Normalize("just text")
	res := Validate(text, personSchema)
	assert.True(t, res.Valid)
	assert.Equal(t, "just text", res.Data)

	obj, _ := Normalize(`{"anything":true}`)
	res = Validate(obj, nil)
	assert.True(t, res.Valid)
}

func TestValidateReportsIssues(t *testing.T) {
	n, err := Normalize(`{"name":"x"}`)
	require.NoError(t, err)

	res := Validate(n, personSchema)
	require.False(t, res.Valid)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, "required", res.Errors[0].Keyword)
	assert.Contains(t, res.Errors[0].Message, "age")
	assert.Equal(t, map[string]any{"name": "x"}, res.Data)
}

func TestValidateTypeMismatchPath(t *testing.T) {
	n, _ := Normalize(map[string]any{"name": "x", "age": "old"})
	res := Validate(n, personSchema)
	require.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "/age", res.Errors[0].Path)
	assert.Equal(t, "type", res.Errors[0].Keyword)
}

func TestValidateAcceptsTypedValues(t *testing.T) {
	type person struct {
		Name string `json:"name"`
		Age  int    `json:"age"`
	}
	n, _ := Normalize(person{Name: "x", Age: 3})
	assert.True(t, Validate(n, personSchema).Valid)
	assert.True(t, Validate(n, `{"type":"object"}`).Valid)
}

func TestValidateBadSchema(t *testing.T) {
	n, _ := Normalize(`{"a":1}`)
	res := Validate(n, `{"type": 12}`)
	assert.False(t, res.Valid)
	assert.Equal(t, "$schema", res.Errors[0].Keyword)
}

func TestProcess(t *testing.T) {
	t.Run("schema gate", func(t *testing.T) {
		_, err := Process(`{"name":"x"}`, ProcessOptions{Schema: personSchema, Validate: true})
		require.Error(t, err)
		assert.Equal(t, errors.CodeSchemaValidation, errors.CodeOf(err))
		issues := Issues(err)
		require.NotEmpty(t, issues)
		assert.Equal(t, "required", issues[0].Keyword)
	})

	t.Run("valid data returned", func(t *testing.T) {
		v, err := Process(`{"name":"x","age":3}`, ProcessOptions{Schema: personSchema, Validate: true})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"name": "x", "age": float64(3)}, v)
	})

	t.Run("no validation returns parsed value", func(t *testing.T) {
		v, err := Process(`{"name":"x"}`, ProcessOptions{Schema: personSchema})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"name": "x"}, v)
	})

	t.Run("forced json without validation keeps raw text", func(t *testing.T) {
		v, err := Process("A fox summary.", ProcessOptions{Format: FormatJSON})
		require.NoError(t, err)
		assert.Equal(t, "A fox summary.", v)
	})

	t.Run("forced json with validation fails to parse", func(t *testing.T) {
		_, err := Process("A fox summary.", ProcessOptions{Format: FormatJSON, Validate: true})
		assert.Equal(t, errors.CodeParse, errors.CodeOf(err))
	})

	t.Run("text passes validation", func(t *testing.T) {
		v, err := Process("A fox summary.", ProcessOptions{Schema: personSchema, Validate: true})
		require.NoError(t, err)
		assert.Equal(t, "A fox summary.", v)
	})
}

func TestCompileSchemaCaches(t *testing.T) {
	a, err := CompileSchema(personSchema)
	require.NoError(t, err)
	b, err := CompileSchema(personSchema)
	require.NoError(t, err)
	assert.Same(t, a, b)
}
