// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package roles stores named role definitions and resolves their inheritance chains.
//
// A role is a template plus a variable bundle describing how to phrase a message
// for the LLM. Roles may inherit from a parent role; the inheritance graph must be
// acyclic and is resolved on every lookup.
package roles

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/jllopis/flowllm/pkg/errors"
	"github.com/jllopis/flowllm/pkg/template"
)

// Role is a named template and variable bundle.
type Role struct {
	Name        string         `json:"name" yaml:"name" koanf:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty" koanf:"description"`
	Template    string         `json:"template" yaml:"template" koanf:"template"`
	Inherits    string         `json:"inherits,omitempty" yaml:"inherits,omitempty" koanf:"inherits"`
	Variables   map[string]any `json:"variables,omitempty" yaml:"variables,omitempty" koanf:"variables"`
}

func (r Role) clone() Role {
	out := r
	if r.Variables != nil {
		out.Variables = make(map[string]any, len(r.Variables))
		for k, v := range r.Variables {
			out.Variables[k] = v
		}
	}
	return out
}

// Registry holds role definitions keyed by name.
// It is safe for concurrent use; mutations are expected to be rare and administrative.
type Registry struct {
	mu     sync.RWMutex
	roles  map[string]Role
	logger *slog.Logger
	seed   []Role
}

// Option configures a Registry.
type Option func(*Registry)

// WithRoles registers additional roles after the built-ins. Later roles override earlier ones.
func WithRoles(roles ...Role) Option {
	return func(r *Registry) {
		r.seed = append(r.seed, roles...)
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates a registry seeded with the built-in roles and any custom roles.
func NewRegistry(opts ...Option) (*Registry, error) {
	r := &Registry{
		roles:  make(map[string]Role),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, role := range BuiltinRoles() {
		r.roles[role.Name] = role
	}
	for _, role := range r.seed {
		if err := r.AddRole(role.Name, role); err != nil {
			return nil, err
		}
	}
	r.seed = nil
	return r, nil
}

// AddRole validates def and stores it under name, replacing any previous definition.
func (r *Registry) AddRole(name string, def Role) error {
	def.Name = name
	if err := validateRole(def); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[name] = def.clone()
	return nil
}

// SetRole shallow-merges partial over the existing role (or creates it).
// Non-empty fields of partial win; a non-nil Variables map replaces the existing one.
func (r *Registry) SetRole(name string, partial Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	merged, ok := r.roles[name]
	if !ok {
		merged = Role{Name: name}
	}
	if partial.Description != "" {
		merged.Description = partial.Description
	}
	if partial.Template != "" {
		merged.Template = partial.Template
	}
	if partial.Inherits != "" {
		merged.Inherits = partial.Inherits
	}
	if partial.Variables != nil {
		merged.Variables = partial.Variables
	}
	merged.Name = name
	if err := validateRole(merged); err != nil {
		return err
	}
	r.roles[name] = merged.clone()
	return nil
}

// GetRole returns the fully resolved role for name.
func (r *Registry) GetRole(name string) (Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolve(name, make(map[string]bool))
}

// AllRoles returns every role resolved. Roles that fail resolution are logged and skipped.
func (r *Registry) AllRoles() map[string]Role {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Role, len(r.roles))
	for name := range r.roles {
		role, err := r.resolve(name, make(map[string]bool))
		if err != nil {
			r.logger.Warn("skipping unresolvable role", "role", name, "error", err)
			continue
		}
		out[name] = role
	}
	return out
}

// Names returns the registered role names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.roles))
	for name := range r.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.roles[name]
	return ok
}

// resolve walks the inheritance chain depth-first. visited is threaded through the
// recursion so a revisited name is reported as a cycle at that name.
func (r *Registry) resolve(name string, visited map[string]bool) (Role, error) {
	if visited[name] {
		return Role{}, errors.New(errors.CodeCircularInheritance,
			fmt.Sprintf("circular inheritance detected at role %q", name), nil).
			WithContext("role", name)
	}
	visited[name] = true

	role, ok := r.roles[name]
	if !ok {
		return Role{}, errors.New(errors.CodeRoleNotFound,
			fmt.Sprintf("role %q not found", name), nil).
			WithContext("role", name)
	}
	if role.Inherits == "" {
		return role.clone(), nil
	}

	parent, err := r.resolve(role.Inherits, visited)
	if err != nil {
		if errors.CodeOf(err) == errors.CodeRoleNotFound {
			return Role{}, errors.New(errors.CodeRoleNotFound,
				fmt.Sprintf("role %q inherits from unknown role %q", name, role.Inherits), err).
				WithContext("role", name).
				WithContext("inherits", role.Inherits)
		}
		return Role{}, err
	}
	return merge(parent, role), nil
}

func merge(parent, child Role) Role {
	out := parent.clone()
	out.Name = child.Name
	out.Inherits = child.Inherits
	if child.Description != "" {
		out.Description = child.Description
	}
	if child.Template != "" {
		out.Template = child.Template
	}
	if len(child.Variables) > 0 {
		if out.Variables == nil {
			out.Variables = make(map[string]any, len(child.Variables))
		}
		for k, v := range child.Variables {
			out.Variables[k] = v
		}
	}
	return out
}

func validateRole(role Role) error {
	if strings.TrimSpace(role.Name) == "" {
		return invalidRole(role.Name, "name", "role name must be a non-empty string", nil)
	}
	if role.Inherits != "" && strings.TrimSpace(role.Inherits) == "" {
		return invalidRole(role.Name, "inherits", "inherits must name a role", nil)
	}
	if err := template.Validate(role.Template); err != nil {
		return invalidRole(role.Name, "template", "template is invalid", err)
	}
	return nil
}

func invalidRole(name, field, msg string, cause error) error {
	return errors.New(errors.CodeInvalidRole, msg, cause).
		WithContext("role", name).
		WithContext("field", field)
}
