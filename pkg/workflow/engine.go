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

package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MartinT518/Analyst-copilot-sub000/pkg/agents"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/audit"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/httpclient"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/search"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/store"
)

// Submit creates a new pending execution and returns its id. Workers
// pick it up on their next poll.
func (e *Engine) Submit(ctx context.Context, userID, workflowType, request string, priority int) (string, error) {
	if _, ok := graphs[workflowType]; !ok {
		return "", fmt.Errorf("unknown workflow type %q", workflowType)
	}
	id, err := e.store.CreateExecution(ctx, &store.WorkflowExecution{
		WorkflowType: workflowType,
		UserID:       userID,
		UserRequest:  request,
		Priority:     priority,
		SharedData:   map[string]any{agents.KeyUserRequest: request},
	})
	if err != nil {
		return "", err
	}
	e.auditAppend(ctx, audit.Record{
		Action:       audit.ActionWorkflowStart,
		UserID:       userID,
		ResourceType: "workflow_execution",
		ResourceID:   id,
		Details:      map[string]any{"workflow_type": workflowType, "priority": priority},
		Severity:     audit.SeverityLow,
	})
	return id, nil
}

// SubmitAnswers feeds clarification answers to a suspended execution and
// reschedules it. ErrConflict when the execution is not waiting.
func (e *Engine) SubmitAnswers(ctx context.Context, userID, id string, answers map[string]any) error {
	merged := map[string]any{agents.KeyUserAnswers: answers}
	if err := e.store.ResumeExecution(ctx, id, merged); err != nil {
		return err
	}
	e.auditAppend(ctx, audit.Record{
		Action:       audit.ActionWorkflowResume,
		UserID:       userID,
		ResourceType: "workflow_execution",
		ResourceID:   id,
		Details:      map[string]any{"answers": len(answers)},
		Severity:     audit.SeverityLow,
	})
	e.dispatch(id)
	return nil
}

// Cancel stops an execution. An in-flight stage gets a cancellation
// hint through its context; the engine then exits between stages.
func (e *Engine) Cancel(ctx context.Context, userID, id string) error {
	if err := e.store.CancelExecution(ctx, id); err != nil {
		return err
	}
	e.cancelInFlight(id)
	e.auditAppend(ctx, audit.Record{
		Action:       audit.ActionWorkflowCancel,
		UserID:       userID,
		ResourceType: "workflow_execution",
		ResourceID:   id,
		Severity:     audit.SeverityMedium,
	})
	return nil
}

// Run starts the worker pool and blocks until ctx is cancelled. Running
// executions left over from a previous process are re-dispatched first.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.runCtx = ctx
	e.mu.Unlock()

	if err := e.recover(ctx); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			return e.workerLoop(ctx, worker)
		})
	}
	return g.Wait()
}

// recover re-dispatches executions that were mid-run when the previous
// process died. They restart at their last checkpoint.
func (e *Engine) recover(ctx context.Context) error {
	execs, err := e.store.ResumableExecutions(ctx)
	if err != nil {
		return fmt.Errorf("listing resumable executions: %w", err)
	}
	for _, exec := range execs {
		e.logger.Info("recovering interrupted execution", "execution_id", exec.ID, "step", exec.CurrentStep)
		id := exec.ID
		go e.execute(ctx, id)
	}
	return nil
}

func (e *Engine) workerLoop(ctx context.Context, worker int) error {
	e.logger.Info("workflow worker started", "worker", worker)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		id, err := e.store.NextPendingExecution(ctx)
		if errors.Is(err, store.ErrNotFound) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.cfg.PollInterval):
			}
			continue
		}
		if err != nil {
			e.logger.Error("polling executions failed", "worker", worker, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.cfg.PollInterval):
			}
			continue
		}
		if err := e.store.StartExecution(ctx, id); err != nil {
			if !errors.Is(err, store.ErrConflict) {
				e.logger.Error("claiming execution failed", "execution_id", id, "error", err)
			}
			continue
		}
		e.execute(ctx, id)
	}
}

// dispatch runs a resumed execution on the engine's root context. Before
// Run has started the execution stays in the store for startup recovery.
func (e *Engine) dispatch(id string) {
	e.mu.Lock()
	ctx := e.runCtx
	e.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	go e.execute(ctx, id)
}

// execute drives one running execution from its current step to a
// terminal state or a suspension point.
func (e *Engine) execute(ctx context.Context, id string) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer e.sem.Release(1)

	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		e.logger.Error("loading execution failed", "execution_id", id, "error", err)
		return
	}
	if exec.Status != store.ExecRunning {
		return
	}

	started := time.Now()
	if exec.StartedAt != nil {
		started = *exec.StartedAt
	}
	deadline := started.Add(e.cfg.WorkflowTimeout)
	wfCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	e.registerCancel(id, cancel)
	defer e.unregisterCancel(id)

	graph := graphs[exec.WorkflowType]
	if graph == nil {
		e.failExecution(ctx, exec, fmt.Sprintf("unknown workflow type %q", exec.WorkflowType))
		return
	}
	if exec.SharedData == nil {
		exec.SharedData = map[string]any{}
	}
	if e.restoreSuspension(ctx, exec, graph) {
		return
	}

	for i := exec.CurrentStep; i < len(graph); i++ {
		if stop := e.checkInterrupt(ctx, wfCtx, exec); stop {
			return
		}
		name := graph[i]
		if name == StageRetrieveContext {
			if err := e.retrieveContext(wfCtx, exec, i); err != nil {
				e.finishAfterStageError(ctx, wfCtx, exec, name, err)
				return
			}
			continue
		}

		out, err := e.runStage(wfCtx, exec, name, i)
		if err != nil {
			e.finishAfterStageError(ctx, wfCtx, exec, name, err)
			return
		}

		if name == agents.StageClarifier && i+1 < len(graph) && e.shouldSuspend(exec, out) {
			if err := e.store.SuspendExecution(ctx, exec.ID, i+1); err != nil {
				e.logger.Error("suspending execution failed", "execution_id", exec.ID, "error", err)
				return
			}
			e.logger.Info("execution waiting for input", "execution_id", exec.ID, "resume_step", i+1)
			return
		}
	}

	results := make(map[string]any)
	for _, name := range graph {
		if name == StageRetrieveContext {
			continue
		}
		if env, ok := exec.SharedData[name]; ok {
			results[name] = env
		}
	}
	if err := e.store.CompleteExecution(ctx, exec.ID, results); err != nil {
		e.logger.Error("completing execution failed", "execution_id", exec.ID, "error", err)
		return
	}
	e.auditAppend(ctx, audit.Record{
		Action:       audit.ActionWorkflowComplete,
		UserID:       exec.UserID,
		ResourceType: "workflow_execution",
		ResourceID:   exec.ID,
		Details:      map[string]any{"workflow_type": exec.WorkflowType, "stages": len(results)},
		Severity:     audit.SeverityLow,
	})
	if e.metrics != nil {
		e.metrics.WorkflowFinished(exec.WorkflowType, store.ExecCompleted)
	}
	e.logger.Info("execution completed", "execution_id", exec.ID, "workflow_type", exec.WorkflowType)
}

// checkInterrupt handles the between-stage cancellation and timeout
// checks. Returns true when the execution must stop.
func (e *Engine) checkInterrupt(ctx, wfCtx context.Context, exec *store.WorkflowExecution) bool {
	if wfCtx.Err() == nil {
		return false
	}
	if errors.Is(wfCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		e.timeoutExecution(ctx, exec)
		return true
	}
	// Engine shutdown or user cancel. A user cancel already moved the
	// row to cancelled; a shutdown leaves it running for recovery.
	return true
}

// runStage executes one agent stage with retry. Transient failures get
// up to StageAttempts tries with exponential backoff; permanent failures
// and exhausted retries surface to the caller.
func (e *Engine) runStage(wfCtx context.Context, exec *store.WorkflowExecution, name string, index int) (*agents.StageOutput, error) {
	stage := e.stages[name]
	in := agents.Input{
		RequestID:   exec.ID,
		UserID:      exec.UserID,
		UserRequest: exec.UserRequest,
		Shared:      exec.SharedData,
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt < e.cfg.StageAttempts; attempt++ {
		attempts = attempt + 1
		now := time.Now().UTC()
		step := &store.WorkflowStep{
			ExecutionID: exec.ID,
			Stage:       name,
			StepIndex:   index,
			Status:      store.StepRunning,
			Attempts:    attempt + 1,
			StartedAt:   &now,
		}
		if err := e.store.UpsertStep(wfCtx, step); err != nil {
			return nil, fmt.Errorf("recording step start: %w", err)
		}

		stageCtx, cancel := context.WithTimeout(wfCtx, e.cfg.StageTimeout)
		stageStart := time.Now()
		out, err := stage.Run(stageCtx, in)
		cancel()
		if e.metrics != nil {
			e.metrics.StageDuration(name, time.Since(stageStart))
		}
		if err == nil {
			outMap, mErr := out.AsMap()
			if mErr != nil {
				return nil, mErr
			}
			exec.SharedData[name] = outMap
			done := time.Now().UTC()
			step.Status = store.StepCompleted
			step.Output = outMap
			step.CompletedAt = &done
			if err := e.store.UpsertStep(wfCtx, step); err != nil {
				return nil, fmt.Errorf("recording step completion: %w", err)
			}
			if err := e.store.CheckpointExecution(wfCtx, exec.ID, index+1, exec.SharedData); err != nil {
				return nil, fmt.Errorf("writing checkpoint: %w", err)
			}
			return out, nil
		}

		lastErr = err
		if wfCtx.Err() != nil || agents.IsPermanent(err) {
			break
		}
		e.logger.Warn("stage attempt failed",
			"execution_id", exec.ID, "stage", name, "attempt", attempt+1, "error", err)
		if attempt+1 < e.cfg.StageAttempts {
			select {
			case <-wfCtx.Done():
			case <-time.After(httpclient.Backoff(e.cfg.RetryBackoffBase, e.cfg.RetryBackoffMax, attempt)):
			}
		}
	}

	done := time.Now().UTC()
	failed := &store.WorkflowStep{
		ExecutionID:  exec.ID,
		Stage:        name,
		StepIndex:    index,
		Status:       store.StepFailed,
		ErrorMessage: lastErr.Error(),
		Attempts:     attempts,
		CompletedAt:  &done,
	}
	if err := e.store.UpsertStep(context.WithoutCancel(wfCtx), failed); err != nil {
		e.logger.Error("recording step failure failed", "execution_id", exec.ID, "error", err)
	}
	return nil, lastErr
}

// retrieveContext runs the semantic search pseudo-stage. Absence of a
// search service or empty results are not failures.
func (e *Engine) retrieveContext(wfCtx context.Context, exec *store.WorkflowExecution, index int) error {
	now := time.Now().UTC()
	step := &store.WorkflowStep{
		ExecutionID: exec.ID,
		Stage:       StageRetrieveContext,
		StepIndex:   index,
		Status:      store.StepRunning,
		Attempts:    1,
		StartedAt:   &now,
	}
	if err := e.store.UpsertStep(wfCtx, step); err != nil {
		return fmt.Errorf("recording step start: %w", err)
	}

	var items []any
	if e.search != nil {
		results, err := e.search.Search(wfCtx, exec.UserID, search.Query{Text: exec.UserRequest, K: e.cfg.ContextK})
		if err != nil {
			e.logger.Warn("context retrieval failed", "execution_id", exec.ID, "error", err)
		}
		for _, r := range results {
			items = append(items, map[string]any{
				"chunk_id":    r.ChunkID,
				"text":        r.Text,
				"score":       r.Score,
				"source_type": r.SourceType,
				"origin":      r.Origin,
			})
		}
	}
	exec.SharedData[agents.KeyKnowledgeContext] = items

	done := time.Now().UTC()
	step.Status = store.StepCompleted
	step.Output = map[string]any{"results": len(items)}
	step.CompletedAt = &done
	if err := e.store.UpsertStep(wfCtx, step); err != nil {
		return fmt.Errorf("recording step completion: %w", err)
	}
	if err := e.store.CheckpointExecution(wfCtx, exec.ID, index+1, exec.SharedData); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	return nil
}

// restoreSuspension repairs an execution that checkpointed a clarifier
// step but crashed before the waiting_for_input write landed. The
// question set is re-derived from the checkpointed envelope so the
// answer window is never silently skipped after recovery.
func (e *Engine) restoreSuspension(ctx context.Context, exec *store.WorkflowExecution, graph []string) bool {
	i := exec.CurrentStep
	if i == 0 || i >= len(graph) || graph[i-1] != agents.StageClarifier {
		return false
	}
	if _, answered := exec.SharedData[agents.KeyUserAnswers]; answered {
		return false
	}
	if !clarifierAskedQuestions(exec.SharedData) {
		return false
	}
	if err := e.store.SuspendExecution(ctx, exec.ID, i); err != nil {
		e.logger.Error("suspending execution failed", "execution_id", exec.ID, "error", err)
		return true
	}
	e.logger.Info("execution waiting for input", "execution_id", exec.ID, "resume_step", i)
	return true
}

// clarifierAskedQuestions digs the checkpointed clarifier envelope for a
// non-empty question list.
func clarifierAskedQuestions(shared map[string]any) bool {
	env, ok := shared[agents.StageClarifier].(map[string]any)
	if !ok {
		return false
	}
	payload, ok := env["payload"].(map[string]any)
	if !ok {
		return false
	}
	questions, ok := payload["questions"].([]any)
	return ok && len(questions) > 0
}

// shouldSuspend decides the conditional edge after the clarifier: park
// for user input when questions exist and no answers were supplied yet.
func (e *Engine) shouldSuspend(exec *store.WorkflowExecution, out *agents.StageOutput) bool {
	if _, answered := exec.SharedData[agents.KeyUserAnswers]; answered {
		return false
	}
	payload, ok := out.Payload.(agents.ClarifierPayload)
	return ok && len(payload.Questions) > 0
}

// finishAfterStageError moves the execution to its terminal state after
// a stage gave up: timeout, cancelled, or failed.
func (e *Engine) finishAfterStageError(ctx, wfCtx context.Context, exec *store.WorkflowExecution, name string, stageErr error) {
	if wfCtx.Err() != nil {
		if errors.Is(wfCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			e.timeoutExecution(ctx, exec)
		}
		// Cancelled: either the user moved the row to cancelled already,
		// or the engine is shutting down and recovery will resume it.
		return
	}
	e.failExecution(ctx, exec, fmt.Sprintf("stage %s: %v", name, stageErr))
}

func (e *Engine) failExecution(ctx context.Context, exec *store.WorkflowExecution, msg string) {
	if err := e.store.FailExecution(ctx, exec.ID, msg); err != nil {
		e.logger.Error("failing execution failed", "execution_id", exec.ID, "error", err)
		return
	}
	e.auditAppend(ctx, audit.Record{
		Action:       audit.ActionWorkflowFail,
		UserID:       exec.UserID,
		ResourceType: "workflow_execution",
		ResourceID:   exec.ID,
		Details:      map[string]any{"error": msg},
		Severity:     audit.SeverityMedium,
	})
	if e.metrics != nil {
		e.metrics.WorkflowFinished(exec.WorkflowType, store.ExecFailed)
	}
	e.logger.Error("execution failed", "execution_id", exec.ID, "error", msg)
}

func (e *Engine) timeoutExecution(ctx context.Context, exec *store.WorkflowExecution) {
	if err := e.store.TimeoutExecution(ctx, exec.ID); err != nil {
		e.logger.Error("timing out execution failed", "execution_id", exec.ID, "error", err)
		return
	}
	e.auditAppend(ctx, audit.Record{
		Action:       audit.ActionWorkflowFail,
		UserID:       exec.UserID,
		ResourceType: "workflow_execution",
		ResourceID:   exec.ID,
		Details:      map[string]any{"error": "workflow timeout exceeded"},
		Severity:     audit.SeverityMedium,
	})
	if e.metrics != nil {
		e.metrics.WorkflowFinished(exec.WorkflowType, store.ExecTimeout)
	}
	e.logger.Error("execution timed out", "execution_id", exec.ID)
}
