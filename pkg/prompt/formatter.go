// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package prompt turns normalized envelopes into the text sent to an LLM.
package prompt

import (
	"fmt"
	"strings"

	"github.com/jllopis/flowllm/pkg/errors"
	"github.com/jllopis/flowllm/pkg/roles"
	"github.com/jllopis/flowllm/pkg/template"
)

// ConversationSeparator joins formatted turns.
const ConversationSeparator = "\n\n"

// Formatter applies resolved roles to messages.
type Formatter struct {
	registry *roles.Registry
}

// NewFormatter creates a Formatter backed by registry.
func NewFormatter(registry *roles.Registry) *Formatter {
	return &Formatter{registry: registry}
}

// FormatMessage renders msg with the template of roleName.
//
// The render context is layered lowest to highest: role variables, the message's
// own fields, ctx, and finally content (msg.content, else msg.payload, else "").
func (f *Formatter) FormatMessage(msg map[string]any, roleName string, ctx map[string]any) (string, error) {
	role, err := f.registry.GetRole(roleName)
	if err != nil {
		return "", errors.New(errors.CodeOf(err), fmt.Sprintf("format message with role %q", roleName), err).
			WithContext("role", roleName).
			WithContext("message", msg)
	}

	renderCtx := make(map[string]any, len(role.Variables)+len(msg)+len(ctx)+1)
	for k, v := range role.Variables {
		renderCtx[k] = v
	}
	for k, v := range msg {
		renderCtx[k] = v
	}
	for k, v := range ctx {
		renderCtx[k] = v
	}
	renderCtx["content"] = contentOf(msg)

	out, err := template.Render(role.Template, renderCtx)
	if err != nil {
		return "", errors.New(errors.CodeTemplate, fmt.Sprintf("render role %q", roleName), err).
			WithContext("role", roleName)
	}
	return out, nil
}

// FormatConversation formats each message with its own role (default "user") and
// joins the results with a blank line, preserving order.
func (f *Formatter) FormatConversation(msgs []map[string]any, ctx map[string]any) (string, error) {
	parts := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		roleName, _ := msg["role"].(string)
		if roleName == "" {
			roleName = roles.RoleUser
		}
		out, err := f.FormatMessage(msg, roleName, ctx)
		if err != nil {
			return "", err
		}
		parts = append(parts, out)
	}
	return strings.Join(parts, ConversationSeparator), nil
}

func contentOf(msg map[string]any) any {
	if v, ok := msg["content"]; ok && v != nil {
		return v
	}
	if v, ok := msg["payload"]; ok && v != nil {
		return v
	}
	return ""
}
