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

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLStore persists audit entries in a relational table. Supported dialects:
// postgres, mysql, sqlite.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

const createAuditTableSQL = `
CREATE TABLE IF NOT EXISTS audit_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    action VARCHAR(255) NOT NULL,
    user_id VARCHAR(255),
    resource_type VARCHAR(255),
    resource_id VARCHAR(255),
    details TEXT,
    severity VARCHAR(20) NOT NULL,
    ip_address VARCHAR(64),
    user_agent TEXT,
    previous_hash VARCHAR(64),
    hash VARCHAR(64) NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_logs(action);
CREATE INDEX IF NOT EXISTS idx_audit_user_id ON audit_logs(user_id);
CREATE INDEX IF NOT EXISTS idx_audit_created_at ON audit_logs(created_at);
`

const createAuditTablePostgresSQL = `
CREATE TABLE IF NOT EXISTS audit_logs (
    id BIGSERIAL PRIMARY KEY,
    action VARCHAR(255) NOT NULL,
    user_id VARCHAR(255),
    resource_type VARCHAR(255),
    resource_id VARCHAR(255),
    details JSONB,
    severity VARCHAR(20) NOT NULL,
    ip_address VARCHAR(64),
    user_agent TEXT,
    previous_hash VARCHAR(64),
    hash VARCHAR(64) NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_logs(action);
CREATE INDEX IF NOT EXISTS idx_audit_user_id ON audit_logs(user_id);
CREATE INDEX IF NOT EXISTS idx_audit_created_at ON audit_logs(created_at);
`

const createAuditTableMySQL = `
CREATE TABLE IF NOT EXISTS audit_logs (
    id BIGINT PRIMARY KEY AUTO_INCREMENT,
    action VARCHAR(255) NOT NULL,
    user_id VARCHAR(255),
    resource_type VARCHAR(255),
    resource_id VARCHAR(255),
    details TEXT,
    severity VARCHAR(20) NOT NULL,
    ip_address VARCHAR(64),
    user_agent TEXT,
    previous_hash VARCHAR(64),
    hash VARCHAR(64) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    INDEX idx_audit_action (action),
    INDEX idx_audit_user_id (user_id),
    INDEX idx_audit_created_at (created_at)
);
`

// NewSQLStore creates the audit table if needed and returns a store.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ddl := createAuditTableSQL
	switch s.dialect {
	case "postgres":
		ddl = createAuditTablePostgresSQL
	case "mysql":
		ddl = createAuditTableMySQL
	}

	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *SQLStore) placeholder(n int) string {
	if s.dialect == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Insert persists the entry and assigns its monotonic ID.
func (s *SQLStore) Insert(ctx context.Context, e *Entry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal details: %w", err)
	}

	cols := "(action, user_id, resource_type, resource_id, details, severity, ip_address, user_agent, previous_hash, hash, created_at)"
	args := []any{
		e.Action, nullable(e.UserID), nullable(e.ResourceType), nullable(e.ResourceID),
		string(details), string(e.Severity), nullable(e.IPAddress), nullable(e.UserAgent),
		nullable(e.PreviousHash), e.Hash, e.CreatedAt,
	}

	if s.dialect == "postgres" {
		query := "INSERT INTO audit_logs " + cols +
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id"
		return s.db.QueryRowContext(ctx, query, args...).Scan(&e.ID)
	}

	query := "INSERT INTO audit_logs " + cols +
		" VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	e.ID = id
	return nil
}

// LastHash returns the hash of the newest entry, or "" for an empty chain.
func (s *SQLStore) LastHash(ctx context.Context) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		"SELECT hash FROM audit_logs ORDER BY id DESC LIMIT 1").Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return hash, nil
}

const auditSelectColumns = "id, action, user_id, resource_type, resource_id, details, severity, ip_address, user_agent, previous_hash, hash, created_at"

// List returns entries in insertion order. limit <= 0 means all entries.
func (s *SQLStore) List(ctx context.Context, limit int) ([]*Entry, error) {
	query := "SELECT " + auditSelectColumns + " FROM audit_logs ORDER BY id ASC"
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, query+" LIMIT "+s.placeholder(1), limit)
	} else {
		rows, err = s.db.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Get returns one entry by id.
func (s *SQLStore) Get(ctx context.Context, id int64) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+auditSelectColumns+" FROM audit_logs WHERE id = "+s.placeholder(1), id)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("audit entry %d not found", id)
	}
	return entry, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var userID, resourceType, resourceID, details, ipAddress, userAgent, previousHash sql.NullString
	var severity string

	err := row.Scan(&e.ID, &e.Action, &userID, &resourceType, &resourceID, &details,
		&severity, &ipAddress, &userAgent, &previousHash, &e.Hash, &e.CreatedAt)
	if err != nil {
		return nil, err
	}

	e.UserID = userID.String
	e.ResourceType = resourceType.String
	e.ResourceID = resourceID.String
	e.Severity = Severity(severity)
	e.IPAddress = ipAddress.String
	e.UserAgent = userAgent.String
	e.PreviousHash = previousHash.String

	if details.Valid && details.String != "" && details.String != "null" {
		if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal details for entry %d: %w", e.ID, err)
		}
	}
	return &e, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
