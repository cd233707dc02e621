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

// Workflow execution statuses.
const (
	ExecPending         = "pending"
	ExecRunning         = "running"
	ExecWaitingForInput = "waiting_for_input"
	ExecCompleted       = "completed"
	ExecFailed          = "failed"
	ExecCancelled       = "cancelled"
	ExecTimeout         = "timeout"
)

// Workflow step statuses.
const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

// WorkflowExecution is one agent workflow run, durable enough to resume
// from its last completed step after a restart.
type WorkflowExecution struct {
	ID           string
	WorkflowType string
	Status       string
	UserID       string
	UserRequest  string
	SharedData   map[string]any
	Results      map[string]any
	CurrentStep  int
	ErrorMessage string
	Priority     int
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// WorkflowStep is one stage invocation within an execution.
type WorkflowStep struct {
	ID           string
	ExecutionID  string
	Stage        string
	StepIndex    int
	Status       string
	Input        map[string]any
	Output       map[string]any
	ErrorMessage string
	Attempts     int
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// CreateExecution inserts a pending execution and returns its id.
func (s *Store) CreateExecution(ctx context.Context, exec *WorkflowExecution) (string, error) {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.Status == "" {
		exec.Status = ExecPending
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}
	shared, err := marshalJSON(exec.SharedData)
	if err != nil {
		return "", fmt.Errorf("failed to encode shared data: %w", err)
	}
	results, err := marshalJSON(exec.Results)
	if err != nil {
		return "", fmt.Errorf("failed to encode results: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO workflow_executions
			(id, workflow_type, status, user_id, user_request, shared_data, results,
			 current_step, priority, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		exec.ID, exec.WorkflowType, exec.Status, exec.UserID, exec.UserRequest,
		shared, results, exec.CurrentStep, exec.Priority, exec.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to create workflow execution: %w", err)
	}
	return exec.ID, nil
}

const execSelect = `SELECT id, workflow_type, status, user_id, user_request,
	shared_data, results, current_step, error_message, priority,
	created_at, started_at, completed_at FROM workflow_executions`

// GetExecution loads one execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*WorkflowExecution, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(execSelect+` WHERE id = ?`), id)
	return scanExecution(row)
}

// ListExecutions returns executions for a user, newest first. An empty
// userID lists across all users.
func (s *Store) ListExecutions(ctx context.Context, userID, status string, limit int) ([]*WorkflowExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	query := execSelect
	var conds []string
	var args []any
	if userID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, userID)
	}
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, status)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow executions: %w", err)
	}
	defer rows.Close()

	var execs []*WorkflowExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// StartExecution moves pending to running. Returns ErrConflict if the
// execution is not pending.
func (s *Store) StartExecution(ctx context.Context, id string) error {
	return s.transitionExecution(ctx, id, ExecRunning, []string{ExecPending})
}

// SuspendExecution parks a running execution waiting for user input,
// recording the step to resume from.
func (s *Store) SuspendExecution(ctx context.Context, id string, resumeStep int) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE workflow_executions SET status = ?, current_step = ?
		 WHERE id = ? AND status = ?`),
		ExecWaitingForInput, resumeStep, id, ExecRunning)
	if err != nil {
		return fmt.Errorf("failed to suspend execution: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

// ResumeExecution merges answers into shared data and moves the execution
// back to running. started_at is refreshed so the workflow deadline counts
// active run time, not the time spent waiting for the user. Only valid
// from waiting_for_input.
func (s *Store) ResumeExecution(ctx context.Context, id string, answers map[string]any) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.rebind(
			`SELECT status, shared_data FROM workflow_executions WHERE id = ?`), id)
		var status string
		var shared sql.NullString
		if err := row.Scan(&status, &shared); err == sql.ErrNoRows {
			return ErrNotFound
		} else if err != nil {
			return fmt.Errorf("failed to load execution: %w", err)
		}
		if status != ExecWaitingForInput {
			return ErrConflict
		}
		data := unmarshalMap(shared)
		if data == nil {
			data = map[string]any{}
		}
		for k, v := range answers {
			data[k] = v
		}
		encoded, err := marshalJSON(data)
		if err != nil {
			return fmt.Errorf("failed to encode shared data: %w", err)
		}
		_, err = tx.ExecContext(ctx, s.rebind(
			`UPDATE workflow_executions SET status = ?, shared_data = ?, started_at = ? WHERE id = ?`),
			ExecRunning, encoded, time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("failed to resume execution: %w", err)
		}
		return nil
	})
}

// CompleteExecution stores final results and closes the execution.
func (s *Store) CompleteExecution(ctx context.Context, id string, results map[string]any) error {
	encoded, err := marshalJSON(results)
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE workflow_executions SET status = ?, results = ?, completed_at = ?
		 WHERE id = ? AND status = ?`),
		ExecCompleted, encoded, time.Now().UTC(), id, ExecRunning)
	if err != nil {
		return fmt.Errorf("failed to complete execution: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

// FailExecution records a terminal failure. Allowed from running or
// waiting_for_input (a stage may fail while assembling the question set).
func (s *Store) FailExecution(ctx context.Context, id, errMsg string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE workflow_executions SET status = ?, error_message = ?, completed_at = ?
		 WHERE id = ? AND status IN (?, ?)`),
		ExecFailed, errMsg, time.Now().UTC(), id, ExecRunning, ExecWaitingForInput)
	if err != nil {
		return fmt.Errorf("failed to fail execution: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

// TimeoutExecution marks an execution that exceeded its deadline.
func (s *Store) TimeoutExecution(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE workflow_executions SET status = ?, completed_at = ?
		 WHERE id = ? AND status IN (?, ?)`),
		ExecTimeout, time.Now().UTC(), id, ExecRunning, ExecWaitingForInput)
	if err != nil {
		return fmt.Errorf("failed to time out execution: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

// CancelExecution cancels any non-terminal execution.
func (s *Store) CancelExecution(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE workflow_executions SET status = ?, completed_at = ?
		 WHERE id = ? AND status IN (?, ?, ?)`),
		ExecCancelled, time.Now().UTC(), id, ExecPending, ExecRunning, ExecWaitingForInput)
	if err != nil {
		return fmt.Errorf("failed to cancel execution: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

// CheckpointExecution persists the current step pointer and shared data so
// a restarted worker can resume mid-workflow.
func (s *Store) CheckpointExecution(ctx context.Context, id string, step int, shared map[string]any) error {
	encoded, err := marshalJSON(shared)
	if err != nil {
		return fmt.Errorf("failed to encode shared data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`UPDATE workflow_executions SET current_step = ?, shared_data = ? WHERE id = ?`),
		step, encoded, id)
	if err != nil {
		return fmt.Errorf("failed to checkpoint execution: %w", err)
	}
	return nil
}

// NextPendingExecution pops the highest-priority, oldest pending
// execution id, or ErrNotFound.
func (s *Store) NextPendingExecution(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id FROM workflow_executions WHERE status = ?
		 ORDER BY priority DESC, created_at ASC LIMIT 1`),
		ExecPending).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to find pending execution: %w", err)
	}
	return id, nil
}

// ResumableExecutions finds executions interrupted mid-run, oldest first.
func (s *Store) ResumableExecutions(ctx context.Context) ([]*WorkflowExecution, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		execSelect+` WHERE status = ? ORDER BY created_at ASC`), ExecRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to list resumable executions: %w", err)
	}
	defer rows.Close()

	var execs []*WorkflowExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

func (s *Store) transitionExecution(ctx context.Context, id, to string, from []string) error {
	query := `UPDATE workflow_executions SET status = ?, started_at = ? WHERE id = ? AND status IN (`
	args := []any{to, time.Now().UTC(), id}
	for i, f := range from {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, f)
	}
	query += ")"
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to transition execution: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

// checkTransition disambiguates a zero-row guarded update: missing row is
// ErrNotFound, wrong current status is ErrConflict.
func (s *Store) checkTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id FROM workflow_executions WHERE id = ?`), id)
	var found string
	if err := row.Scan(&found); err == sql.ErrNoRows {
		return ErrNotFound
	} else if err != nil {
		return fmt.Errorf("failed to check execution: %w", err)
	}
	return ErrConflict
}

// UpsertStep records a stage invocation, replacing any prior record for the
// same (execution, index) so retried stages keep one row.
func (s *Store) UpsertStep(ctx context.Context, step *WorkflowStep) error {
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	input, err := marshalJSON(step.Input)
	if err != nil {
		return fmt.Errorf("failed to encode step input: %w", err)
	}
	output, err := marshalJSON(step.Output)
	if err != nil {
		return fmt.Errorf("failed to encode step output: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE workflow_steps SET stage = ?, status = ?, input = ?, output = ?,
			error_message = ?, attempts = ?, started_at = ?, completed_at = ?
		 WHERE execution_id = ? AND step_index = ?`),
		step.Stage, step.Status, input, output, nullable(step.ErrorMessage),
		step.Attempts, nullableTime(step.StartedAt), nullableTime(step.CompletedAt),
		step.ExecutionID, step.StepIndex)
	if err != nil {
		return fmt.Errorf("failed to update workflow step: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO workflow_steps
			(id, execution_id, stage, step_index, status, input, output,
			 error_message, attempts, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		step.ID, step.ExecutionID, step.Stage, step.StepIndex, step.Status,
		input, output, nullable(step.ErrorMessage), step.Attempts,
		nullableTime(step.StartedAt), nullableTime(step.CompletedAt))
	if err != nil {
		if isDuplicateError(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert workflow step: %w", err)
	}
	return nil
}

// StepsForExecution returns all recorded steps in execution order.
func (s *Store) StepsForExecution(ctx context.Context, executionID string) ([]*WorkflowStep, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, execution_id, stage, step_index, status, input, output,
			error_message, attempts, started_at, completed_at
		 FROM workflow_steps WHERE execution_id = ? ORDER BY step_index ASC`), executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow steps: %w", err)
	}
	defer rows.Close()

	var steps []*WorkflowStep
	for rows.Next() {
		var step WorkflowStep
		var input, output, errMsg sql.NullString
		var startedAt, completedAt sql.NullTime
		err := rows.Scan(&step.ID, &step.ExecutionID, &step.Stage, &step.StepIndex,
			&step.Status, &input, &output, &errMsg, &step.Attempts, &startedAt, &completedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow step: %w", err)
		}
		step.Input = unmarshalMap(input)
		step.Output = unmarshalMap(output)
		step.ErrorMessage = errMsg.String
		if startedAt.Valid {
			t := startedAt.Time
			step.StartedAt = &t
		}
		if completedAt.Valid {
			t := completedAt.Time
			step.CompletedAt = &t
		}
		steps = append(steps, &step)
	}
	return steps, rows.Err()
}

func scanExecution(row rowScanner) (*WorkflowExecution, error) {
	var exec WorkflowExecution
	var shared, results, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&exec.ID, &exec.WorkflowType, &exec.Status, &exec.UserID,
		&exec.UserRequest, &shared, &results, &exec.CurrentStep, &errMsg,
		&exec.Priority, &exec.CreatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan workflow execution: %w", err)
	}
	exec.SharedData = unmarshalMap(shared)
	exec.Results = unmarshalMap(results)
	exec.ErrorMessage = errMsg.String
	if startedAt.Valid {
		t := startedAt.Time
		exec.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		exec.CompletedAt = &t
	}
	return &exec, nil
}
