// Copyright 2025 The Analyst Copilot Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// System roles.
const (
	RoleAdmin    = "admin"
	RoleAnalyst  = "analyst"
	RoleReviewer = "reviewer"
	RoleViewer   = "viewer"
)

// Namespaced permissions.
const (
	PermIngestUpload         = "ingest:upload"
	PermIngestManage         = "ingest:manage"
	PermSearchQuery          = "search:query"
	PermWorkflowRun          = "workflow:run"
	PermExportDownload       = "export:download"
	PermDataViewSensitive    = "data:view_sensitive"
	PermDataViewConfidential = "data:view_confidential"
	PermDataViewRestricted   = "data:view_restricted"
	PermAdminAudit           = "admin:audit"
	PermAdminUsers           = "admin:users"
)

// systemRolePermissions seeds the default RBAC matrix.
var systemRolePermissions = map[string][]string{
	RoleAdmin: {
		PermIngestUpload, PermIngestManage, PermSearchQuery, PermWorkflowRun,
		PermExportDownload, PermDataViewSensitive, PermDataViewConfidential,
		PermDataViewRestricted, PermAdminAudit, PermAdminUsers,
	},
	RoleAnalyst: {
		PermIngestUpload, PermSearchQuery, PermWorkflowRun, PermExportDownload,
		PermDataViewSensitive, PermDataViewConfidential,
	},
	RoleReviewer: {
		PermSearchQuery, PermWorkflowRun, PermDataViewSensitive,
	},
	RoleViewer: {
		PermSearchQuery,
	},
}

// User is one account.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	Active       bool
	CreatedAt    time.Time
}

// SeedRBAC creates the system roles and permissions if missing. Safe to run
// on every startup.
func (s *Store) SeedRBAC(ctx context.Context) error {
	permIDs := make(map[string]string)
	for _, perms := range systemRolePermissions {
		for _, perm := range perms {
			if _, ok := permIDs[perm]; ok {
				continue
			}
			id, err := s.ensurePermission(ctx, perm)
			if err != nil {
				return err
			}
			permIDs[perm] = id
		}
	}

	for role, perms := range systemRolePermissions {
		roleID, err := s.ensureRole(ctx, role)
		if err != nil {
			return err
		}
		for _, perm := range perms {
			_, err := s.db.ExecContext(ctx, s.rebind(
				`INSERT INTO role_permissions (role_id, permission_id) VALUES (?, ?)`),
				roleID, permIDs[perm])
			if err != nil && !isDuplicateError(err) {
				return fmt.Errorf("failed to link role %s to %s: %w", role, perm, err)
			}
		}
	}
	return nil
}

func (s *Store) ensurePermission(ctx context.Context, name string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id FROM permissions WHERE name = ?`), name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to look up permission %s: %w", name, err)
	}

	id = uuid.NewString()
	if _, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO permissions (id, name) VALUES (?, ?)`), id, name); err != nil {
		return "", fmt.Errorf("failed to create permission %s: %w", name, err)
	}
	return id, nil
}

func (s *Store) ensureRole(ctx context.Context, name string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id FROM roles WHERE name = ?`), name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to look up role %s: %w", name, err)
	}

	id = uuid.NewString()
	if _, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO roles (id, name, description) VALUES (?, ?, ?)`),
		id, name, "system role"); err != nil {
		return "", fmt.Errorf("failed to create role %s: %w", name, err)
	}
	return id, nil
}

// CreateUser inserts an account.
func (s *Store) CreateUser(ctx context.Context, user *User) (string, error) {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO users (id, username, email, password_hash, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		user.ID, user.Username, user.Email, user.PasswordHash, user.Active, user.CreatedAt)
	if err != nil {
		if isDuplicateError(err) {
			return "", ErrConflict
		}
		return "", fmt.Errorf("failed to create user: %w", err)
	}
	return user.ID, nil
}

// GetUserByUsername loads an account for login.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, username, email, password_hash, active, created_at
		 FROM users WHERE username = ?`), username).
		Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Active, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &u, nil
}

// GetUser loads an account by id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, username, email, password_hash, active, created_at
		 FROM users WHERE id = ?`), id).
		Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Active, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &u, nil
}

// AssignRole grants a system role to a user.
func (s *Store) AssignRole(ctx context.Context, userID, role string) error {
	roleID, err := s.ensureRole(ctx, role)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO user_roles (user_id, role_id) VALUES (?, ?)`), userID, roleID)
	if err != nil && !isDuplicateError(err) {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	return nil
}

// RolesForUser returns the user's role names.
func (s *Store) RolesForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT r.name FROM roles r
		 JOIN user_roles ur ON ur.role_id = r.id
		 WHERE ur.user_id = ? ORDER BY r.name`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load roles: %w", err)
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, name)
	}
	return roles, rows.Err()
}

// PermissionsForUser returns the union of permissions across the user's
// roles.
func (s *Store) PermissionsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT DISTINCT p.name FROM permissions p
		 JOIN role_permissions rp ON rp.permission_id = p.id
		 JOIN user_roles ur ON ur.role_id = rp.role_id
		 WHERE ur.user_id = ? ORDER BY p.name`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load permissions: %w", err)
	}
	defer rows.Close()

	var perms []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, name)
	}
	return perms, rows.Err()
}
