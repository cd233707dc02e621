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
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job status values. Only the coordinator moves a job between them.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobCancelled  = "cancelled"
)

// Sensitivity tiers, most to least open.
const (
	SensitivityPublic       = "public"
	SensitivityInternal     = "internal"
	SensitivityConfidential = "confidential"
	SensitivityRestricted   = "restricted"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a state transition is not legal from the
// row's current status.
var ErrConflict = errors.New("conflicting state")

// IngestJob is one ingestion submission.
type IngestJob struct {
	ID            string
	SourceType    string
	Origin        string
	Sensitivity   string
	Uploader      string
	FilePointer   string
	ByteSize      int64
	Metadata      map[string]any
	Status        string
	ErrorMessage  string
	ChunksCreated int
	RetryCount    int
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Status     string
	Origin     string
	SourceType string
	Uploader   string
	Skip       int
	Limit      int
}

// CreateJob inserts a new pending job and returns its id.
func (s *Store) CreateJob(ctx context.Context, job *IngestJob) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	metadata, err := marshalJSON(job.Metadata)
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO ingest_jobs
			(id, source_type, origin, sensitivity, uploader, file_pointer, byte_size,
			 metadata, status, chunks_created, retry_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?)`),
		job.ID, job.SourceType, job.Origin, job.Sensitivity, job.Uploader,
		nullable(job.FilePointer), job.ByteSize, metadata, job.Status, job.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to insert job: %w", err)
	}
	return job.ID, nil
}

// GetJob loads one job.
func (s *Store) GetJob(ctx context.Context, id string) (*IngestJob, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, source_type, origin, sensitivity, uploader, file_pointer, byte_size,
			metadata, status, error_message, chunks_created, retry_count,
			created_at, started_at, completed_at
		 FROM ingest_jobs WHERE id = ?`), id)
	return scanJob(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*IngestJob, error) {
	var job IngestJob
	var filePointer, metadata, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&job.ID, &job.SourceType, &job.Origin, &job.Sensitivity,
		&job.Uploader, &filePointer, &job.ByteSize, &metadata, &job.Status,
		&errMsg, &job.ChunksCreated, &job.RetryCount, &job.CreatedAt,
		&startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	job.FilePointer = filePointer.String
	job.ErrorMessage = errMsg.String
	job.Metadata = unmarshalMap(metadata)
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}

// ListJobs returns jobs matching the filter, newest first.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]*IngestJob, error) {
	query := `SELECT id, source_type, origin, sensitivity, uploader, file_pointer, byte_size,
			metadata, status, error_message, chunks_created, retry_count,
			created_at, started_at, completed_at
		FROM ingest_jobs WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Origin != "" {
		query += " AND origin = ?"
		args = append(args, filter.Origin)
	}
	if filter.SourceType != "" {
		query += " AND source_type = ?"
		args = append(args, filter.SourceType)
	}
	if filter.Uploader != "" {
		query += " AND uploader = ?"
		args = append(args, filter.Uploader)
	}
	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Skip)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*IngestJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// AcquireJob transitions a pending job to processing. Returns ErrConflict
// when another worker won the race or the job is not pending.
func (s *Store) AcquireJob(ctx context.Context, id string) (*IngestJob, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE ingest_jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`),
		JobProcessing, now, id, JobPending)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire job: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrConflict
	}
	return s.GetJob(ctx, id)
}

// NextPendingJob pops the oldest pending job id, or ErrNotFound.
func (s *Store) NextPendingJob(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id FROM ingest_jobs WHERE status = ? ORDER BY created_at ASC LIMIT 1`),
		JobPending).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to find pending job: %w", err)
	}
	return id, nil
}

// CompleteJob marks a processing job completed with its final chunk count.
func (s *Store) CompleteJob(ctx context.Context, id string, chunksCreated int) error {
	return s.finishJob(ctx, id, JobCompleted, "", chunksCreated)
}

// FailJob marks a processing job failed and records the reason.
func (s *Store) FailJob(ctx context.Context, id, reason string) error {
	return s.finishJob(ctx, id, JobFailed, reason, 0)
}

func (s *Store) finishJob(ctx context.Context, id, status, reason string, chunks int) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE ingest_jobs SET status = ?, error_message = ?, chunks_created = ?, completed_at = ?
		 WHERE id = ? AND status = ?`),
		status, nullable(reason), chunks, time.Now().UTC(), id, JobProcessing)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

// CancelJob marks a pending or processing job cancelled.
func (s *Store) CancelJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE ingest_jobs SET status = ?, completed_at = ? WHERE id = ? AND status IN (?, ?)`),
		JobCancelled, time.Now().UTC(), id, JobPending, JobProcessing)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

// RetryJob resets a failed or completed job back to pending and clears the
// error message. Cancelled jobs stay cancelled.
func (s *Store) RetryJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE ingest_jobs
		 SET status = ?, error_message = NULL, retry_count = retry_count + 1,
			 started_at = NULL, completed_at = NULL
		 WHERE id = ? AND status IN (?, ?)`),
		JobPending, id, JobFailed, JobCompleted)
	if err != nil {
		return fmt.Errorf("failed to retry job: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return getErr
		}
		return ErrConflict
	}
	return nil
}

// DeleteJob removes a job row. Chunk cleanup is the caller's concern.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM ingest_jobs WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateJobMetadata replaces the metadata JSON. Used to record parser
// warnings on the job record.
func (s *Store) UpdateJobMetadata(ctx context.Context, id string, metadata map[string]any) error {
	raw, err := marshalJSON(metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`UPDATE ingest_jobs SET metadata = ? WHERE id = ?`), raw, id)
	if err != nil {
		return fmt.Errorf("failed to update job metadata: %w", err)
	}
	return nil
}
