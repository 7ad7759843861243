// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package prompt

import (
	"strings"
	"unicode/utf8"

	"github.com/jllopis/flowllm/pkg/errors"
	"github.com/jllopis/flowllm/pkg/message"
	"github.com/jllopis/flowllm/pkg/roles"
)

// CharsPerToken is the fixed heuristic used for token estimates.
const CharsPerToken = 4

// Builder turns normalized envelopes into prompt strings.
type Builder struct {
	formatter *Formatter
}

// NewBuilder creates a Builder backed by registry.
func NewBuilder(registry *roles.Registry) *Builder {
	return &Builder{formatter: NewFormatter(registry)}
}

// Formatter returns the underlying formatter.
func (b *Builder) Formatter() *Formatter {
	return b.formatter
}

// Build returns the prompt for env.
func (b *Builder) Build(env *message.Envelope) (string, error) {
	return b.BuildWithContext(env, nil)
}

// BuildWithContext is Build with extra render variables that take precedence over
// role variables and message fields.
//
// A non-empty _llm.messages is formatted as a conversation. Otherwise content or
// payload is formatted with _llm.role (default "user"). Any other shape is INVALID_INPUT.
func (b *Builder) BuildWithContext(env *message.Envelope, ctx map[string]any) (string, error) {
	if env == nil {
		return "", errors.New(errors.CodeInvalidInput, "message is required", nil)
	}

	if env.LLM != nil && len(env.LLM.Messages) > 0 {
		turns := make([]map[string]any, len(env.LLM.Messages))
		for i, t := range env.LLM.Messages {
			turns[i] = t.Map()
		}
		return b.formatter.FormatConversation(turns, ctx)
	}

	_, hasContent := env.Content()
	if !hasContent && env.Payload == nil {
		return "", errors.New(errors.CodeInvalidInput,
			"message must carry _llm.messages, content or payload", nil)
	}

	msg, err := env.ToMap()
	if err != nil {
		return "", err
	}
	roleName := env.Role()
	if roleName == "" {
		roleName = roles.RoleUser
	}
	return b.formatter.FormatMessage(msg, roleName, ctx)
}

// Validation is the result of Builder.Validate.
type Validation struct {
	Valid           bool  `json:"valid"`
	Length          int   `json:"length,omitempty"`
	EstimatedTokens int   `json:"estimatedTokens,omitempty"`
	Error           error `json:"-"`
}

// Validate checks a prompt string or builds and checks a message.
// Accepted inputs are string, *message.Envelope, message.Envelope and map[string]any.
func (b *Builder) Validate(input any) Validation {
	text, err := b.text(input)
	if err != nil {
		return Validation{Error: err}
	}
	if strings.TrimSpace(text) == "" {
		return Validation{Error: errors.New(errors.CodeValidation, "empty prompt", nil)}
	}
	n := utf8.RuneCountInString(text)
	return Validation{Valid: true, Length: n, EstimatedTokens: EstimateTokensForLength(n)}
}

// EstimateTokens returns ceil(length/4) for a valid prompt or message.
func (b *Builder) EstimateTokens(input any) (int, error) {
	v := b.Validate(input)
	if !v.Valid {
		return 0, v.Error
	}
	return v.EstimatedTokens, nil
}

// Resolve builds and validates the prompt for env.
func (b *Builder) Resolve(env *message.Envelope, ctx map[string]any) (Resolved, error) {
	text, err := b.BuildWithContext(env, ctx)
	if err != nil {
		return Resolved{}, err
	}
	if strings.TrimSpace(text) == "" {
		return Resolved{}, errors.New(errors.CodeValidation, "empty prompt", nil)
	}
	return NewResolved(text), nil
}

func (b *Builder) text(input any) (string, error) {
	switch v := input.(type) {
	case string:
		return v, nil
	case *message.Envelope:
		return b.Build(v)
	case message.Envelope:
		return b.Build(&v)
	case map[string]any:
		env, err := message.FromMap(v)
		if err != nil {
			return "", err
		}
		return b.Build(env)
	default:
		return "", errors.Newf(errors.CodeInvalidInput, "cannot build a prompt from %T", input)
	}
}

// EstimateTokensForLength is ceil(length / CharsPerToken).
func EstimateTokensForLength(length int) int {
	return (length + CharsPerToken - 1) / CharsPerToken
}

// Resolved is an immutable prompt with its metadata.
type Resolved struct {
	text            string
	length          int
	estimatedTokens int
}

// NewResolved wraps text.
func NewResolved(text string) Resolved {
	n := utf8.RuneCountInString(text)
	return Resolved{text: text, length: n, estimatedTokens: EstimateTokensForLength(n)}
}

// Text returns the prompt.
func (r Resolved) Text() string { return r.text }

// Length returns the prompt length in characters.
func (r Resolved) Length() int { return r.length }

// EstimatedTokens returns the heuristic token count.
func (r Resolved) EstimatedTokens() int { return r.estimatedTokens }

// String implements fmt.Stringer.
func (r Resolved) String() string { return r.text }
