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
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MartinT518/Analyst-copilot-sub000/pkg/agents"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/store"
)

type fakeStage struct {
	name string
	run  func(ctx context.Context, in agents.Input) (*agents.StageOutput, error)
}

func (f *fakeStage) Name() string { return f.name }

func (f *fakeStage) Run(ctx context.Context, in agents.Input) (*agents.StageOutput, error) {
	return f.run(ctx, in)
}

func stageOut(kind string, payload any) *agents.StageOutput {
	return &agents.StageOutput{
		StageKind:      kind,
		Confidence:     0.9,
		ConfidenceBand: agents.BandHigh,
		Reasoning:      "ok",
		GeneratedAt:    time.Now().UTC(),
		Payload:        payload,
	}
}

// happyStages returns stages that succeed immediately. The clarifier
// emits one question so the full graph exercises the suspension edge.
func happyStages() map[string]agents.Stage {
	return StageSet(
		&fakeStage{name: agents.StageClarifier, run: func(ctx context.Context, in agents.Input) (*agents.StageOutput, error) {
			return stageOut(agents.StageClarifier, agents.ClarifierPayload{
				Questions:       []agents.Question{{ID: "q1", Text: "Which system?", Kind: "integration", Importance: "high"}},
				AnalysisSummary: "needs a source system",
			}), nil
		}},
		&fakeStage{name: agents.StageSynthesizer, run: func(ctx context.Context, in agents.Input) (*agents.StageOutput, error) {
			return stageOut(agents.StageSynthesizer, agents.SynthesizerPayload{
				ToBeDocument: agents.Document{Title: "Target"},
			}), nil
		}},
		&fakeStage{name: agents.StageTaskmaster, run: func(ctx context.Context, in agents.Input) (*agents.StageOutput, error) {
			return stageOut(agents.StageTaskmaster, agents.TaskmasterPayload{
				Tasks: []agents.Task{{ID: "T1", Title: "Build it"}},
			}), nil
		}},
		&fakeStage{name: agents.StageVerifier, run: func(ctx context.Context, in agents.Input) (*agents.StageOutput, error) {
			return stageOut(agents.StageVerifier, agents.VerifierPayload{
				ApprovalStatus:    agents.ApprovalApproved,
				OverallValidation: agents.OverallValidation{Valid: true, Score: 0.9},
			}), nil
		}},
	)
}

func newTestEngine(t *testing.T, cfg Config, stages map[string]agents.Stage) (*Engine, *store.Store) {
	t.Helper()
	db, err := sql.Open("sqlite3", "file:"+t.TempDir()+"/store.db?_fk=off")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := store.NewWithDB(db, "sqlite3")
	require.NoError(t, st.Migrate(context.Background()))

	cfg.RetryBackoffBase = time.Millisecond
	cfg.RetryBackoffMax = 2 * time.Millisecond
	e, err := New(cfg, Deps{Store: st, Stages: stages})
	require.NoError(t, err)
	return e, st
}

func TestFullWorkflowSuspendsAndResumes(t *testing.T) {
	e, st := newTestEngine(t, Config{}, happyStages())
	ctx := context.Background()

	id, err := e.Submit(ctx, "user-1", TypeFull, "Migrate the ticket export", 0)
	require.NoError(t, err)
	require.NoError(t, st.StartExecution(ctx, id))
	e.execute(ctx, id)

	exec, err := st.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.ExecWaitingForInput, exec.Status)
	assert.Equal(t, 2, exec.CurrentStep, "resumes after the clarifier")

	steps, err := st.StepsForExecution(ctx, id)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, StageRetrieveContext, steps[0].Stage)
	assert.Equal(t, agents.StageClarifier, steps[1].Stage)
	assert.Equal(t, store.StepCompleted, steps[1].Status)

	require.NoError(t, e.SubmitAnswers(ctx, "user-1", id, map[string]any{"q1": "Jira"}))
	e.execute(ctx, id)

	exec, err = st.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.ExecCompleted, exec.Status)
	assert.Contains(t, exec.Results, agents.StageClarifier)
	assert.Contains(t, exec.Results, agents.StageSynthesizer)
	assert.Contains(t, exec.Results, agents.StageTaskmaster)
	assert.Contains(t, exec.Results, agents.StageVerifier)
	assert.Equal(t, "Jira", exec.SharedData[agents.KeyUserAnswers].(map[string]any)["q1"])

	steps, err = st.StepsForExecution(ctx, id)
	require.NoError(t, err)
	assert.Len(t, steps, 5)
	for _, s := range steps {
		assert.Equal(t, store.StepCompleted, s.Status)
	}
}

func TestResumeRestartsDeadlineClock(t *testing.T) {
	e, st := newTestEngine(t, Config{WorkflowTimeout: 150 * time.Millisecond}, happyStages())
	ctx := context.Background()

	id, err := e.Submit(ctx, "user-1", TypeFull, "Plan the rollout", 0)
	require.NoError(t, err)
	require.NoError(t, st.StartExecution(ctx, id))
	e.execute(ctx, id)

	exec, err := st.GetExecution(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.ExecWaitingForInput, exec.Status)
	require.NotNil(t, exec.StartedAt)
	suspendedStart := *exec.StartedAt

	// The user answers well past the original deadline.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, e.SubmitAnswers(ctx, "user-1", id, map[string]any{"q1": "Jira"}))

	exec, err = st.GetExecution(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, exec.StartedAt)
	assert.True(t, exec.StartedAt.After(suspendedStart), "started_at refreshed on resume")

	e.execute(ctx, id)
	exec, err = st.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.ExecCompleted, exec.Status, "answer latency does not consume the deadline")
}

func TestRecoveryRestoresLostSuspension(t *testing.T) {
	e, st := newTestEngine(t, Config{}, happyStages())
	ctx := context.Background()

	// A crash can land after the clarifier checkpoint but before the
	// waiting_for_input write. Recovery must re-derive the suspension
	// instead of running the remaining stages with no answers.
	id, err := st.CreateExecution(ctx, &store.WorkflowExecution{
		WorkflowType: TypeFull,
		UserID:       "user-1",
		UserRequest:  "Migrate the ticket export",
		CurrentStep:  2,
		SharedData: map[string]any{
			agents.KeyUserRequest: "Migrate the ticket export",
			agents.StageClarifier: map[string]any{
				"stage_kind": agents.StageClarifier,
				"payload": map[string]any{
					"questions": []any{map[string]any{"id": "q1", "text": "Which system?"}},
				},
			},
		},
	})
	require.NoError(t, err)
	require.NoError(t, st.StartExecution(ctx, id))

	e.execute(ctx, id)

	exec, err := st.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.ExecWaitingForInput, exec.Status)
	assert.Equal(t, 2, exec.CurrentStep)

	steps, err := st.StepsForExecution(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, steps, "no stage ran before the suspension was restored")

	require.NoError(t, e.SubmitAnswers(ctx, "user-1", id, map[string]any{"q1": "Jira"}))
	e.execute(ctx, id)

	exec, err = st.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.ExecCompleted, exec.Status)
}

func TestClarificationOnlyCompletesWithoutSuspension(t *testing.T) {
	e, st := newTestEngine(t, Config{}, happyStages())
	ctx := context.Background()

	id, err := e.Submit(ctx, "user-1", TypeClarificationOnly, "What is missing here?", 0)
	require.NoError(t, err)
	require.NoError(t, st.StartExecution(ctx, id))
	e.execute(ctx, id)

	exec, err := st.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.ExecCompleted, exec.Status, "terminal clarifier never suspends")
	assert.Contains(t, exec.Results, agents.StageClarifier)
	assert.NotContains(t, exec.Results, agents.StageSynthesizer)
}

func TestProceedsWhenClarifierAsksNothing(t *testing.T) {
	stages := happyStages()
	stages[agents.StageClarifier] = &fakeStage{name: agents.StageClarifier, run: func(ctx context.Context, in agents.Input) (*agents.StageOutput, error) {
		return stageOut(agents.StageClarifier, agents.ClarifierPayload{AnalysisSummary: "all clear"}), nil
	}}
	e, st := newTestEngine(t, Config{}, stages)
	ctx := context.Background()

	id, err := e.Submit(ctx, "user-1", TypeTaskGeneration, "Fully specified request", 0)
	require.NoError(t, err)
	require.NoError(t, st.StartExecution(ctx, id))
	e.execute(ctx, id)

	exec, err := st.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.ExecCompleted, exec.Status)
	assert.Contains(t, exec.Results, agents.StageTaskmaster)
}

func TestPermanentErrorFailsFast(t *testing.T) {
	stages := happyStages()
	stages[agents.StageSynthesizer] = &fakeStage{name: agents.StageSynthesizer, run: func(ctx context.Context, in agents.Input) (*agents.StageOutput, error) {
		return nil, &agents.PermanentError{Err: fmt.Errorf("schema mismatch")}
	}}
	e, st := newTestEngine(t, Config{StageAttempts: 3}, stages)
	ctx := context.Background()

	id, err := e.Submit(ctx, "user-1", TypeSynthesisOnly, "Design it", 0)
	require.NoError(t, err)
	require.NoError(t, st.StartExecution(ctx, id))
	e.execute(ctx, id)

	exec, err := st.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.ExecFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "synthesizer")
	assert.Contains(t, exec.ErrorMessage, "schema mismatch")

	steps, err := st.StepsForExecution(ctx, id)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, store.StepFailed, steps[0].Status)
	assert.Equal(t, 1, steps[0].Attempts, "no retry on permanent errors")
}

func TestTransientErrorsRetry(t *testing.T) {
	calls := 0
	stages := happyStages()
	stages[agents.StageSynthesizer] = &fakeStage{name: agents.StageSynthesizer, run: func(ctx context.Context, in agents.Input) (*agents.StageOutput, error) {
		calls++
		if calls < 3 {
			return nil, fmt.Errorf("upstream 503")
		}
		return stageOut(agents.StageSynthesizer, agents.SynthesizerPayload{ToBeDocument: agents.Document{Title: "Target"}}), nil
	}}
	e, st := newTestEngine(t, Config{StageAttempts: 3}, stages)
	ctx := context.Background()

	id, err := e.Submit(ctx, "user-1", TypeSynthesisOnly, "Design it", 0)
	require.NoError(t, err)
	require.NoError(t, st.StartExecution(ctx, id))
	e.execute(ctx, id)

	exec, err := st.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.ExecCompleted, exec.Status)
	assert.Equal(t, 3, calls)

	steps, err := st.StepsForExecution(ctx, id)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, 3, steps[0].Attempts)
}

func TestTransientErrorsExhaustAttempts(t *testing.T) {
	stages := happyStages()
	stages[agents.StageVerifier] = &fakeStage{name: agents.StageVerifier, run: func(ctx context.Context, in agents.Input) (*agents.StageOutput, error) {
		return nil, fmt.Errorf("llm timeout")
	}}
	e, st := newTestEngine(t, Config{StageAttempts: 2}, stages)
	ctx := context.Background()

	id, err := e.Submit(ctx, "user-1", TypeVerificationOnly, "Verify it", 0)
	require.NoError(t, err)
	require.NoError(t, st.StartExecution(ctx, id))
	e.execute(ctx, id)

	exec, err := st.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.ExecFailed, exec.Status)

	steps, err := st.StepsForExecution(ctx, id)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, 2, steps[0].Attempts)
}

func TestWorkflowTimeout(t *testing.T) {
	e, st := newTestEngine(t, Config{WorkflowTimeout: time.Millisecond}, happyStages())
	ctx := context.Background()

	id, err := e.Submit(ctx, "user-1", TypeSynthesisOnly, "Design it", 0)
	require.NoError(t, err)
	require.NoError(t, st.StartExecution(ctx, id))
	time.Sleep(10 * time.Millisecond)
	e.execute(ctx, id)

	exec, err := st.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.ExecTimeout, exec.Status)
}

func TestCancelInFlightStage(t *testing.T) {
	started := make(chan struct{})
	stages := happyStages()
	stages[agents.StageSynthesizer] = &fakeStage{name: agents.StageSynthesizer, run: func(ctx context.Context, in agents.Input) (*agents.StageOutput, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	e, st := newTestEngine(t, Config{}, stages)
	ctx := context.Background()

	id, err := e.Submit(ctx, "user-1", TypeSynthesisOnly, "Design it", 0)
	require.NoError(t, err)
	require.NoError(t, st.StartExecution(ctx, id))

	done := make(chan struct{})
	go func() {
		e.execute(ctx, id)
		close(done)
	}()
	<-started
	require.NoError(t, e.Cancel(ctx, "user-1", id))
	<-done

	exec, err := st.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.ExecCancelled, exec.Status)
}

func TestRecoveryResumesFromCheckpoint(t *testing.T) {
	synthesizerRuns := 0
	stages := happyStages()
	clarifierRan := false
	stages[agents.StageClarifier] = &fakeStage{name: agents.StageClarifier, run: func(ctx context.Context, in agents.Input) (*agents.StageOutput, error) {
		clarifierRan = true
		return stageOut(agents.StageClarifier, agents.ClarifierPayload{}), nil
	}}
	stages[agents.StageSynthesizer] = &fakeStage{name: agents.StageSynthesizer, run: func(ctx context.Context, in agents.Input) (*agents.StageOutput, error) {
		synthesizerRuns++
		return stageOut(agents.StageSynthesizer, agents.SynthesizerPayload{ToBeDocument: agents.Document{Title: "Target"}}), nil
	}}
	e, st := newTestEngine(t, Config{}, stages)
	ctx := context.Background()

	// Simulate a crash after the clarifier checkpoint of a full run.
	id, err := e.Submit(ctx, "user-1", TypeTaskGeneration, "Plan it", 0)
	require.NoError(t, err)
	require.NoError(t, st.StartExecution(ctx, id))
	clarEnv, err := stageOut(agents.StageClarifier, agents.ClarifierPayload{}).AsMap()
	require.NoError(t, err)
	shared := map[string]any{
		agents.KeyUserRequest:    "Plan it",
		agents.StageClarifier:    clarEnv,
		agents.KeyUserAnswers:    map[string]any{"q1": "Jira"},
		agents.KeyKnowledgeContext: []any{},
	}
	require.NoError(t, st.CheckpointExecution(ctx, id, 2, shared))

	e.execute(ctx, id)

	exec, err := st.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.ExecCompleted, exec.Status)
	assert.False(t, clarifierRan, "checkpointed stages are not re-run")
	assert.Equal(t, 1, synthesizerRuns)
}

func TestSubmitUnknownType(t *testing.T) {
	e, _ := newTestEngine(t, Config{}, happyStages())
	_, err := e.Submit(context.Background(), "user-1", "banana", "x", 0)
	require.Error(t, err)
}

func TestSubmitAnswersRequiresSuspension(t *testing.T) {
	e, _ := newTestEngine(t, Config{}, happyStages())
	ctx := context.Background()

	id, err := e.Submit(ctx, "user-1", TypeFull, "Migrate it", 0)
	require.NoError(t, err)
	err = e.SubmitAnswers(ctx, "user-1", id, map[string]any{"q1": "Jira"})
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestGraphDefinitions(t *testing.T) {
	g, ok := Graph(TypeFull)
	require.True(t, ok)
	assert.Equal(t, []string{StageRetrieveContext, agents.StageClarifier, agents.StageSynthesizer, agents.StageTaskmaster, agents.StageVerifier}, g)

	g, ok = Graph(TypeVerificationOnly)
	require.True(t, ok)
	assert.Equal(t, []string{agents.StageVerifier}, g)

	_, ok = Graph("banana")
	assert.False(t, ok)
}
