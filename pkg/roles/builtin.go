// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package roles

// Built-in role names.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// BuiltinRoles returns fresh copies of the roles every registry starts with.
// They are ordinary entries and may be overridden.
func BuiltinRoles() []Role {
	return []Role{
		{
			Name:        RoleSystem,
			Description: "System instructions that frame the conversation",
			Template:    "{{content}}",
		},
		{
			Name:        RoleUser,
			Description: "Message authored by the end user",
			Template:    "{{content}}",
		},
		{
			Name:        RoleAssistant,
			Description: "Message authored by the model",
			Template:    "{{content}}",
		},
	}
}
