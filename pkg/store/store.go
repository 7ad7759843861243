// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists work units produced by LLM nodes and the role
// definitions they were rendered with.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jllopis/flowllm/pkg/errors"
	"github.com/jllopis/flowllm/pkg/roles"
)

// Status is the lifecycle state of a work unit.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// WorkUnit is one LLM invocation tied to a job.
type WorkUnit struct {
	ID        string    `json:"id"`
	JobID     string    `json:"jobId,omitempty"`
	RoleID    string    `json:"roleId,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Status    Status    `json:"status"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// WorkStore persists work units.
type WorkStore interface {
	Save(ctx context.Context, unit WorkUnit) error
	Get(ctx context.Context, id string) (WorkUnit, error)
	ListByJob(ctx context.Context, jobID string) ([]WorkUnit, error)
	UpdateStatus(ctx context.Context, id string, status Status, errText string) error
}

// RoleStore persists role definitions.
type RoleStore interface {
	SaveRole(ctx context.Context, role roles.Role) error
	ListRoles(ctx context.Context) ([]roles.Role, error)
}

func notFound(id string) error {
	return errors.New(errors.CodeStorage, "work unit not found", nil).WithContext("id", id)
}

// IsNotFound reports whether err is a missing work unit.
func IsNotFound(err error) bool {
	fe := errors.AsFlowError(err)
	return fe != nil && fe.Code == errors.CodeStorage && fe.Message == "work unit not found"
}

func stamp(unit *WorkUnit, now time.Time) {
	if unit.CreatedAt.IsZero() {
		unit.CreatedAt = now
	}
	unit.UpdatedAt = now
	if unit.Status == "" {
		unit.Status = StatusPending
	}
}

func validStatus(s Status) bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// MemoryStore keeps work units and roles in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	units map[string]WorkUnit
	order []string
	roles map[string]roles.Role
	now   func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		units: map[string]WorkUnit{},
		roles: map[string]roles.Role{},
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Save inserts or replaces a work unit.
func (s *MemoryStore) Save(_ context.Context, unit WorkUnit) error {
	if unit.ID == "" {
		return errors.New(errors.CodeInvalidInput, "work unit id is required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.units[unit.ID]; ok {
		if unit.CreatedAt.IsZero() {
			unit.CreatedAt = prev.CreatedAt
		}
	} else {
		s.order = append(s.order, unit.ID)
	}
	stamp(&unit, s.now())
	s.units[unit.ID] = unit
	return nil
}

// Get returns the work unit with id.
func (s *MemoryStore) Get(_ context.Context, id string) (WorkUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	unit, ok := s.units[id]
	if !ok {
		return WorkUnit{}, notFound(id)
	}
	return unit, nil
}

// ListByJob returns the job's work units in insertion order.
func (s *MemoryStore) ListByJob(_ context.Context, jobID string) ([]WorkUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []WorkUnit
	for _, id := range s.order {
		if u := s.units[id]; u.JobID == jobID {
			out = append(out, u)
		}
	}
	return out, nil
}

// UpdateStatus sets the status and error text of a work unit.
func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status Status, errText string) error {
	if !validStatus(status) {
		return errors.New(errors.CodeInvalidInput, "unknown work unit status", nil).WithContext("status", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	unit, ok := s.units[id]
	if !ok {
		return notFound(id)
	}
	unit.Status = status
	unit.Error = errText
	unit.UpdatedAt = s.now()
	s.units[id] = unit
	return nil
}

// SaveRole stores a role definition by name.
func (s *MemoryStore) SaveRole(_ context.Context, role roles.Role) error {
	if role.Name == "" {
		return errors.New(errors.CodeInvalidInput, "role name is required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[role.Name] = role
	return nil
}

// ListRoles returns stored roles sorted by name.
func (s *MemoryStore) ListRoles(_ context.Context) ([]roles.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]roles.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
