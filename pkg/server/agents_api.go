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

package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MartinT518/Analyst-copilot-sub000/pkg/agents"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/auth"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/cache"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/export"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/observability"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/store"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/workflow"
)

// AgentsDeps collects the agents service collaborators.
type AgentsDeps struct {
	Store      *store.Store
	Engine     *workflow.Engine
	Exports    *export.Service
	AuthMW     *auth.Middleware
	Authorizer *auth.Authorizer
	Cache      cache.Cache
	Metrics    *observability.Metrics
	Logger     *slog.Logger
}

type agentsAPI struct {
	deps   AgentsDeps
	health *healthHandler
}

// NewAgentsRouter assembles the agents service router.
func NewAgentsRouter(deps AgentsDeps, mw Middleware) (chi.Router, error) {
	if deps.Store == nil || deps.Engine == nil || deps.AuthMW == nil || deps.Authorizer == nil {
		return nil, fmt.Errorf("store, engine, auth middleware and authorizer are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	api := &agentsAPI{
		deps: deps,
		health: &healthHandler{
			store:  deps.Store,
			cache:  deps.Cache,
			logger: deps.Logger,
		},
	}

	r := chi.NewRouter()
	mw.apply(r)

	r.Get("/health", api.health.overall)
	r.Get("/health/live", api.health.live)
	r.Get("/health/ready", api.health.ready)
	r.Get("/health/startup", api.health.ready)
	if mw.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", mw.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(deps.AuthMW.Authenticate)
		r.Use(deps.AuthMW.RequirePermission(store.PermWorkflowRun))

		r.Post("/jobs", api.handleSubmit)
		r.Get("/jobs", api.handleList)
		r.Get("/jobs/{id}", api.handleStatus)
		r.Post("/jobs/{id}/answers", api.handleAnswers)
		r.Post("/jobs/{id}/cancel", api.handleCancel)
		r.Get("/jobs/{id}/results", api.handleResults)

		if deps.Exports != nil {
			r.Group(func(r chi.Router) {
				r.Use(deps.AuthMW.RequirePermission(store.PermExportDownload))
				r.Post("/jobs/{id}/export", api.handleExport)
				r.Get("/exports/{id}/download", api.handleDownload)
			})
		}
	})

	return r, nil
}

type submitRequest struct {
	WorkflowType string         `json:"workflow_type"`
	UserRequest  string         `json:"user_request"`
	Priority     int            `json:"priority"`
	Context      map[string]any `json:"context"`
	Metadata     map[string]any `json:"metadata"`
}

// stageMinutes is the rough planning estimate per stage, surfaced to the
// client as estimated_duration_minutes.
const stageMinutes = 2

func (a *agentsAPI) handleSubmit(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	var req submitRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if strings.TrimSpace(req.UserRequest) == "" {
		badRequest(w, "user_request is required")
		return
	}
	stages, ok := workflow.Graph(req.WorkflowType)
	if !ok {
		badRequest(w, fmt.Sprintf("unknown workflow_type %q; valid types: %s",
			req.WorkflowType, strings.Join(workflow.Types(), ", ")))
		return
	}

	id, err := a.deps.Engine.Submit(r.Context(), claims.Subject, req.WorkflowType, req.UserRequest, req.Priority)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"workflow_id":                id,
		"status":                     store.ExecPending,
		"estimated_duration_minutes": len(stages) * stageMinutes,
		"steps_planned":              stages,
	})
}

// executionView is the API shape of a workflow execution.
type executionView struct {
	WorkflowID   string     `json:"workflow_id"`
	WorkflowType string     `json:"workflow_type"`
	Status       string     `json:"status"`
	UserRequest  string     `json:"user_request"`
	CurrentStep  int        `json:"current_step"`
	TotalSteps   int        `json:"total_steps"`
	Progress     float64    `json:"progress"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

func viewOfExecution(exec *store.WorkflowExecution) executionView {
	total := 0
	if stages, ok := workflow.Graph(exec.WorkflowType); ok {
		total = len(stages)
	}
	progress := 0.0
	if total > 0 {
		progress = float64(exec.CurrentStep) / float64(total)
		if progress > 1 {
			progress = 1
		}
	}
	return executionView{
		WorkflowID:   exec.ID,
		WorkflowType: exec.WorkflowType,
		Status:       exec.Status,
		UserRequest:  exec.UserRequest,
		CurrentStep:  exec.CurrentStep,
		TotalSteps:   total,
		Progress:     progress,
		ErrorMessage: exec.ErrorMessage,
		CreatedAt:    exec.CreatedAt,
		StartedAt:    exec.StartedAt,
		CompletedAt:  exec.CompletedAt,
	}
}

// loadOwnedExecution fetches an execution and enforces that the caller owns
// it or holds the audit permission.
func (a *agentsAPI) loadOwnedExecution(r *http.Request, id string) (*store.WorkflowExecution, error) {
	claims := auth.ClaimsFromContext(r.Context())
	exec, err := a.deps.Store.GetExecution(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if exec.UserID == claims.Subject {
		return exec, nil
	}
	if err := a.deps.Authorizer.Require(r.Context(), claims.Subject, store.PermAdminAudit); err != nil {
		return nil, err
	}
	return exec, nil
}

func (a *agentsAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	exec, err := a.loadOwnedExecution(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	body := map[string]any{"execution": viewOfExecution(exec)}

	steps, err := a.deps.Store.StepsForExecution(r.Context(), exec.ID)
	if err == nil {
		stepViews := make([]map[string]any, len(steps))
		for i, step := range steps {
			stepViews[i] = map[string]any{
				"stage":        step.Stage,
				"step_index":   step.StepIndex,
				"status":       step.Status,
				"attempts":     step.Attempts,
				"started_at":   step.StartedAt,
				"completed_at": step.CompletedAt,
			}
			if step.ErrorMessage != "" {
				stepViews[i]["error_message"] = step.ErrorMessage
			}
		}
		body["steps"] = stepViews
	}

	if exec.Status == store.ExecWaitingForInput {
		if questions := pendingQuestions(exec.SharedData); questions != nil {
			body["questions"] = questions
		}
	}

	writeJSON(w, http.StatusOK, body)
}

// pendingQuestions digs the clarifier's questions out of the stored stage
// envelope.
func pendingQuestions(shared map[string]any) any {
	env, ok := shared[agents.StageClarifier].(map[string]any)
	if !ok {
		return nil
	}
	payload, ok := env["payload"].(map[string]any)
	if !ok {
		return nil
	}
	questions, ok := payload["questions"]
	if !ok {
		return nil
	}
	return questions
}

type answersRequest struct {
	Answers []struct {
		QuestionID string `json:"question_id"`
		Answer     string `json:"answer"`
	} `json:"answers"`
}

func (a *agentsAPI) handleAnswers(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	exec, err := a.loadOwnedExecution(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	var req answersRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if len(req.Answers) == 0 {
		badRequest(w, "at least one answer is required")
		return
	}
	answers := make(map[string]any, len(req.Answers))
	for _, ans := range req.Answers {
		if ans.QuestionID == "" {
			badRequest(w, "question_id is required on every answer")
			return
		}
		answers[ans.QuestionID] = ans.Answer
	}

	if err := a.deps.Engine.SubmitAnswers(r.Context(), claims.Subject, exec.ID, answers); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workflow_id": exec.ID,
		"status":      store.ExecPending,
		"accepted":    len(answers),
	})
}

func (a *agentsAPI) handleCancel(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	exec, err := a.loadOwnedExecution(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.deps.Engine.Cancel(r.Context(), claims.Subject, exec.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workflow_id": exec.ID,
		"status":      store.ExecCancelled,
	})
}

func (a *agentsAPI) handleResults(w http.ResponseWriter, r *http.Request) {
	exec, err := a.loadOwnedExecution(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if exec.Status != store.ExecCompleted {
		writeError(w, fmt.Errorf("workflow is %s: %w", exec.Status, store.ErrConflict))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workflow_id":  exec.ID,
		"status":       exec.Status,
		"results":      exec.Results,
		"completed_at": exec.CompletedAt,
	})
}

func (a *agentsAPI) handleList(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	limit := queryInt(r, "limit", 50)
	skip := queryInt(r, "skip", 0)

	execs, err := a.deps.Store.ListExecutions(r.Context(), claims.Subject, r.URL.Query().Get("status"), skip+limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if skip < len(execs) {
		execs = execs[skip:]
	} else {
		execs = nil
	}
	views := make([]executionView, len(execs))
	for i, exec := range execs {
		views[i] = viewOfExecution(exec)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workflows": views,
		"skip":      skip,
		"limit":     limit,
	})
}

type exportRequest struct {
	Format string `json:"format"`
}

func (a *agentsAPI) handleExport(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	exec, err := a.loadOwnedExecution(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	var req exportRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if !export.ValidFormat(req.Format) {
		badRequest(w, "format must be one of csv, json, markdown, html, zip")
		return
	}

	job, err := a.deps.Exports.ExportExecution(r.Context(), claims.Subject, exec.ID, req.Format)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"export_id":    job.ID,
		"status":       job.Status,
		"format":       job.Format,
		"record_count": job.RecordCount,
	})
}

func (a *agentsAPI) handleDownload(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	job, err := a.deps.Exports.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if job.UserID != claims.Subject {
		if err := a.deps.Authorizer.Require(r.Context(), claims.Subject, store.PermAdminAudit); err != nil {
			writeError(w, err)
			return
		}
	}
	if job.Status != store.ExportCompleted || job.FilePath == "" {
		writeError(w, fmt.Errorf("export is %s: %w", job.Status, store.ErrConflict))
		return
	}

	f, err := os.Open(job.FilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, fmt.Errorf("export file expired: %w", store.ErrNotFound))
			return
		}
		writeError(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(job.FilePath)+`"`)
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, filepath.Base(job.FilePath), job.CreatedAt, f)
}
