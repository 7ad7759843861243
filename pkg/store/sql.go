// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/jllopis/flowllm/pkg/errors"
	"github.com/jllopis/flowllm/pkg/roles"
)

// DefaultTablePrefix prefixes every table created by SQLStore.
const DefaultTablePrefix = "flowllm_"

var prefixPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// SQLStore persists work units and roles in SQLite or PostgreSQL.
type SQLStore struct {
	db     *sql.DB
	driver string
	units  string
	roles  string
	now    func() time.Time
}

// Open connects to dsn with driver ("sqlite" or "postgres") and ensures the schema.
func Open(ctx context.Context, driver, dsn, prefix string) (*SQLStore, error) {
	if driver != "sqlite" && driver != "postgres" {
		return nil, errors.New(errors.CodeInvalidConfig, "unsupported store driver", nil).WithContext("driver", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.New(errors.CodeStorage, "failed to open store", err).WithContext("driver", driver)
	}
	s, err := New(db, driver, prefix)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database. Call EnsureSchema before first use.
func New(db *sql.DB, driver, prefix string) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New(errors.CodeInvalidInput, "database connection is required", nil)
	}
	if prefix == "" {
		prefix = DefaultTablePrefix
	}
	if !prefixPattern.MatchString(prefix) {
		return nil, errors.New(errors.CodeInvalidConfig, "invalid table prefix", nil).WithContext("prefix", prefix)
	}
	return &SQLStore{
		db:     db,
		driver: driver,
		units:  prefix + "work_units",
		roles:  prefix + "roles",
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// DB returns the underlying connection.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close closes the underlying connection.
func (s *SQLStore) Close() error { return s.db.Close() }

// bind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) bind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// EnsureSchema creates the work unit and role tables when missing.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	payloadType := "TEXT"
	if s.driver == "postgres" {
		payloadType = "JSONB"
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(64) PRIMARY KEY,
			job_id VARCHAR(255) NOT NULL DEFAULT '',
			role_id VARCHAR(255) NOT NULL DEFAULT '',
			payload %s,
			status VARCHAR(16) NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			error_text TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`, s.units, payloadType),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_job ON %s (job_id)`, s.units, s.units),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			name VARCHAR(255) PRIMARY KEY,
			definition %s NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`, s.roles, payloadType),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.New(errors.CodeStorage, "failed to create store schema", err)
		}
	}
	return nil
}

// Save inserts or replaces a work unit.
func (s *SQLStore) Save(ctx context.Context, unit WorkUnit) error {
	if unit.ID == "" {
		return errors.New(errors.CodeInvalidInput, "work unit id is required", nil)
	}
	stamp(&unit, s.now())
	payload, err := json.Marshal(unit.Payload)
	if err != nil {
		return errors.New(errors.CodeSerialization, "failed to encode work unit payload", err).WithContext("id", unit.ID)
	}

	query := s.bind(fmt.Sprintf(`
		INSERT INTO %s (id, job_id, role_id, payload, status, attempts, error_text, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			job_id = excluded.job_id,
			role_id = excluded.role_id,
			payload = excluded.payload,
			status = excluded.status,
			attempts = excluded.attempts,
			error_text = excluded.error_text,
			updated_at = excluded.updated_at
	`, s.units))
	_, err = s.db.ExecContext(ctx, query,
		unit.ID,
		unit.JobID,
		unit.RoleID,
		string(payload),
		string(unit.Status),
		unit.Attempts,
		unit.Error,
		unit.CreatedAt,
		unit.UpdatedAt,
	)
	if err != nil {
		return errors.New(errors.CodeStorage, "failed to save work unit", err).WithContext("id", unit.ID)
	}
	return nil
}

const unitColumns = "id, job_id, role_id, payload, status, attempts, error_text, created_at, updated_at"

// Get returns the work unit with id.
func (s *SQLStore) Get(ctx context.Context, id string) (WorkUnit, error) {
	query := s.bind(fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, unitColumns, s.units))
	units, err := s.queryUnits(ctx, query, id)
	if err != nil {
		return WorkUnit{}, err
	}
	if len(units) == 0 {
		return WorkUnit{}, notFound(id)
	}
	return units[0], nil
}

// ListByJob returns the job's work units ordered by creation time.
func (s *SQLStore) ListByJob(ctx context.Context, jobID string) ([]WorkUnit, error) {
	query := s.bind(fmt.Sprintf(`SELECT %s FROM %s WHERE job_id = ? ORDER BY created_at ASC, id ASC`, unitColumns, s.units))
	return s.queryUnits(ctx, query, jobID)
}

// UpdateStatus sets the status and error text of a work unit.
func (s *SQLStore) UpdateStatus(ctx context.Context, id string, status Status, errText string) error {
	if !validStatus(status) {
		return errors.New(errors.CodeInvalidInput, "unknown work unit status", nil).WithContext("status", status)
	}
	query := s.bind(fmt.Sprintf(`UPDATE %s SET status = ?, error_text = ?, updated_at = ? WHERE id = ?`, s.units))
	res, err := s.db.ExecContext(ctx, query, string(status), errText, s.now(), id)
	if err != nil {
		return errors.New(errors.CodeStorage, "failed to update work unit", err).WithContext("id", id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound(id)
	}
	return nil
}

func (s *SQLStore) queryUnits(ctx context.Context, query string, args ...any) ([]WorkUnit, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.New(errors.CodeStorage, "failed to query work units", err)
	}
	defer rows.Close()

	var units []WorkUnit
	for rows.Next() {
		var (
			unit    WorkUnit
			payload sql.NullString
			status  string
		)
		if err := rows.Scan(
			&unit.ID,
			&unit.JobID,
			&unit.RoleID,
			&payload,
			&status,
			&unit.Attempts,
			&unit.Error,
			&unit.CreatedAt,
			&unit.UpdatedAt,
		); err != nil {
			return nil, errors.New(errors.CodeStorage, "failed to scan work unit", err)
		}
		unit.Status = Status(status)
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &unit.Payload); err != nil {
				return nil, errors.New(errors.CodeSerialization, "failed to decode work unit payload", err).WithContext("id", unit.ID)
			}
		}
		units = append(units, unit)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New(errors.CodeStorage, "failed to read work units", err)
	}
	return units, nil
}

// SaveRole inserts or replaces a role definition.
func (s *SQLStore) SaveRole(ctx context.Context, role roles.Role) error {
	if role.Name == "" {
		return errors.New(errors.CodeInvalidInput, "role name is required", nil)
	}
	def, err := json.Marshal(role)
	if err != nil {
		return errors.New(errors.CodeSerialization, "failed to encode role", err).WithContext("role", role.Name)
	}
	query := s.bind(fmt.Sprintf(`
		INSERT INTO %s (name, definition, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET definition = excluded.definition, updated_at = excluded.updated_at
	`, s.roles))
	if _, err := s.db.ExecContext(ctx, query, role.Name, string(def), s.now()); err != nil {
		return errors.New(errors.CodeStorage, "failed to save role", err).WithContext("role", role.Name)
	}
	return nil
}

// ListRoles returns stored roles sorted by name.
func (s *SQLStore) ListRoles(ctx context.Context) ([]roles.Role, error) {
	query := fmt.Sprintf(`SELECT definition FROM %s ORDER BY name ASC`, s.roles)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.New(errors.CodeStorage, "failed to query roles", err)
	}
	defer rows.Close()

	var out []roles.Role
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			return nil, errors.New(errors.CodeStorage, "failed to scan role", err)
		}
		var role roles.Role
		if err := json.Unmarshal([]byte(def), &role); err != nil {
			return nil, errors.New(errors.CodeSerialization, "failed to decode role", err)
		}
		out = append(out, role)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New(errors.CodeStorage, "failed to read roles", err)
	}
	return out, nil
}
