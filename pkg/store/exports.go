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

// Export job status values.
const (
	ExportPending   = "pending"
	ExportCompleted = "completed"
	ExportFailed    = "failed"
)

// ExportJob tracks one rendered export file.
type ExportJob struct {
	ID           string
	UserID       string
	Format       string
	Status       string
	FilePath     string
	RecordCount  int
	ErrorMessage string
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// CreateExportJob inserts a pending export record.
func (s *Store) CreateExportJob(ctx context.Context, job *ExportJob) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = ExportPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO export_jobs (id, user_id, format, status, file_path, record_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		job.ID, job.UserID, job.Format, job.Status, nullable(job.FilePath),
		job.RecordCount, job.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to create export job: %w", err)
	}
	return job.ID, nil
}

// FinishExportJob marks an export done or failed.
func (s *Store) FinishExportJob(ctx context.Context, id, status, filePath, errMsg string, records int) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE export_jobs SET status = ?, file_path = ?, error_message = ?,
			record_count = ?, completed_at = ? WHERE id = ?`),
		status, nullable(filePath), nullable(errMsg), records, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to finish export job: %w", err)
	}
	return nil
}

// GetExportJob loads one export job by id.
func (s *Store) GetExportJob(ctx context.Context, id string) (*ExportJob, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, user_id, format, status, file_path, record_count, error_message, created_at, completed_at
		 FROM export_jobs WHERE id = ?`), id)
	return scanExportJob(row)
}

// StaleExportJobs lists completed exports older than cutoff whose files are
// due for sweeping.
func (s *Store) StaleExportJobs(ctx context.Context, cutoff time.Time) ([]*ExportJob, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, user_id, format, status, file_path, record_count, error_message, created_at, completed_at
		 FROM export_jobs
		 WHERE status = ? AND completed_at IS NOT NULL AND completed_at < ? AND file_path IS NOT NULL`),
		ExportCompleted, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list stale exports: %w", err)
	}
	defer rows.Close()

	var jobs []*ExportJob
	for rows.Next() {
		job, err := scanExportJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClearExportFile nulls the file path after the sweep removed the file.
func (s *Store) ClearExportFile(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE export_jobs SET file_path = NULL WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to clear export file: %w", err)
	}
	return nil
}

func scanExportJob(row rowScanner) (*ExportJob, error) {
	var job ExportJob
	var filePath, errMsg sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&job.ID, &job.UserID, &job.Format, &job.Status, &filePath,
		&job.RecordCount, &errMsg, &job.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan export job: %w", err)
	}
	job.FilePath = filePath.String
	job.ErrorMessage = errMsg.String
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}
