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
	"fmt"
	"strings"
)

// schema is written in a neutral form; dialect substitutions are applied at
// migration time. Statements run in order and are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT_PK,
		username VARCHAR(120) NOT NULL UNIQUE,
		email VARCHAR(255) NOT NULL,
		password_hash VARCHAR(255) NOT NULL,
		active BOOL_T NOT NULL DEFAULT TRUE_V,
		created_at TS_T NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS roles (
		id TEXT_PK,
		name VARCHAR(80) NOT NULL UNIQUE,
		description TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS permissions (
		id TEXT_PK,
		name VARCHAR(120) NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS user_roles (
		user_id VARCHAR(36) NOT NULL,
		role_id VARCHAR(36) NOT NULL,
		PRIMARY KEY (user_id, role_id)
	)`,
	`CREATE TABLE IF NOT EXISTS role_permissions (
		role_id VARCHAR(36) NOT NULL,
		permission_id VARCHAR(36) NOT NULL,
		PRIMARY KEY (role_id, permission_id)
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT_PK,
		user_id VARCHAR(36) NOT NULL,
		name VARCHAR(120) NOT NULL,
		key_hash VARCHAR(64) NOT NULL UNIQUE,
		active BOOL_T NOT NULL DEFAULT TRUE_V,
		created_at TS_T NOT NULL,
		last_used_at TS_T NULL,
		expires_at TS_T NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ingest_jobs (
		id TEXT_PK,
		source_type VARCHAR(40) NOT NULL,
		origin VARCHAR(255) NOT NULL,
		sensitivity VARCHAR(20) NOT NULL,
		uploader VARCHAR(36) NOT NULL,
		file_pointer TEXT,
		byte_size BIGINT NOT NULL DEFAULT 0,
		metadata TEXT,
		status VARCHAR(20) NOT NULL,
		error_message TEXT,
		chunks_created INT NOT NULL DEFAULT 0,
		retry_count INT NOT NULL DEFAULT 0,
		created_at TS_T NOT NULL,
		started_at TS_T NULL,
		completed_at TS_T NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ingest_jobs_status ON ingest_jobs (status)`,
	`CREATE INDEX IF NOT EXISTS idx_ingest_jobs_uploader ON ingest_jobs (uploader)`,
	`CREATE TABLE IF NOT EXISTS knowledge_chunks (
		id TEXT_PK,
		job_id VARCHAR(36) NULL,
		source_type VARCHAR(40) NOT NULL,
		source_location TEXT,
		chunk_text TEXT NOT NULL,
		chunk_index INT NOT NULL,
		metadata TEXT,
		embedding_model VARCHAR(120),
		embedding_version VARCHAR(40),
		vector_id VARCHAR(64) NOT NULL UNIQUE,
		sensitive BOOL_T NOT NULL DEFAULT FALSE_V,
		redacted BOOL_T NOT NULL DEFAULT FALSE_V,
		pii_types TEXT,
		created_at TS_T NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_chunks_job_index ON knowledge_chunks (job_id, chunk_index)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_source ON knowledge_chunks (source_type)`,
	`CREATE TABLE IF NOT EXISTS security_events (
		id TEXT_PK,
		event_type VARCHAR(80) NOT NULL,
		user_id VARCHAR(36) NULL,
		severity VARCHAR(20) NOT NULL,
		details TEXT,
		ip_address VARCHAR(64),
		created_at TS_T NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS pii_detections (
		id TEXT_PK,
		job_id VARCHAR(36) NOT NULL,
		entity_type VARCHAR(40) NOT NULL,
		match_count INT NOT NULL,
		created_at TS_T NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS export_jobs (
		id TEXT_PK,
		user_id VARCHAR(36) NOT NULL,
		format VARCHAR(20) NOT NULL,
		status VARCHAR(20) NOT NULL,
		file_path TEXT,
		record_count INT NOT NULL DEFAULT 0,
		error_message TEXT,
		created_at TS_T NOT NULL,
		completed_at TS_T NULL
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_executions (
		id TEXT_PK,
		workflow_type VARCHAR(40) NOT NULL,
		status VARCHAR(30) NOT NULL,
		user_id VARCHAR(36) NOT NULL,
		user_request TEXT NOT NULL,
		shared_data TEXT,
		results TEXT,
		current_step INT NOT NULL DEFAULT 0,
		error_message TEXT,
		priority INT NOT NULL DEFAULT 0,
		created_at TS_T NOT NULL,
		started_at TS_T NULL,
		completed_at TS_T NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_status ON workflow_executions (status)`,
	`CREATE TABLE IF NOT EXISTS workflow_steps (
		id TEXT_PK,
		execution_id VARCHAR(36) NOT NULL,
		stage VARCHAR(40) NOT NULL,
		step_index INT NOT NULL,
		status VARCHAR(30) NOT NULL,
		input TEXT,
		output TEXT,
		error_message TEXT,
		attempts INT NOT NULL DEFAULT 0,
		started_at TS_T NULL,
		completed_at TS_T NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_steps_execution ON workflow_steps (execution_id, step_index)`,
	`CREATE TABLE IF NOT EXISTS system_config (
		config_key VARCHAR(120) PRIMARY KEY,
		config_value TEXT NOT NULL,
		updated_at TS_T NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS data_retention_policies (
		id TEXT_PK,
		resource_type VARCHAR(60) NOT NULL UNIQUE,
		retention_days INT NOT NULL,
		created_at TS_T NOT NULL
	)`,
}

var dialectSubs = map[string]*strings.Replacer{
	"postgres": strings.NewReplacer(
		"TEXT_PK", "VARCHAR(36) PRIMARY KEY",
		"BOOL_T", "BOOLEAN",
		"TS_T", "TIMESTAMPTZ",
		"TRUE_V", "TRUE",
		"FALSE_V", "FALSE",
	),
	"mysql": strings.NewReplacer(
		"TEXT_PK", "VARCHAR(36) PRIMARY KEY",
		"BOOL_T", "TINYINT(1)",
		"TS_T", "DATETIME(6)",
		"TRUE_V", "1",
		"FALSE_V", "0",
	),
	"sqlite3": strings.NewReplacer(
		"TEXT_PK", "TEXT PRIMARY KEY",
		"BOOL_T", "BOOLEAN",
		"TS_T", "TIMESTAMP",
		"TRUE_V", "1",
		"FALSE_V", "0",
	),
}

// Migrate applies the schema. Safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	sub, ok := dialectSubs[s.dialect]
	if !ok {
		return fmt.Errorf("unsupported database dialect: %s", s.dialect)
	}
	for _, stmt := range schema {
		ddl := sub.Replace(stmt)
		// MySQL has no IF NOT EXISTS for indexes; strip it and tolerate
		// duplicate-name errors instead.
		if s.dialect == "mysql" && strings.Contains(ddl, "INDEX IF NOT EXISTS") {
			ddl = strings.Replace(ddl, "INDEX IF NOT EXISTS", "INDEX", 1)
		}
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			if s.dialect == "mysql" && strings.Contains(strings.ToLower(err.Error()), "duplicate") {
				continue
			}
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
