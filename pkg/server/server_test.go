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
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MartinT518/Analyst-copilot-sub000/pkg/agents"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/auth"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/cache"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/export"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/search"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/store"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/vector"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/workflow"
)

const testCollection = "test_chunks"

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (f fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (fixedEmbedder) Dimension() int    { return 3 }
func (fixedEmbedder) ModelName() string { return "fixed" }
func (fixedEmbedder) Close() error      { return nil }

type fakeStage struct {
	name string
}

func (s *fakeStage) Name() string { return s.name }

func (s *fakeStage) Run(ctx context.Context, in agents.Input) (*agents.StageOutput, error) {
	return &agents.StageOutput{
		StageKind:      s.name,
		RequestID:      in.RequestID,
		Confidence:     0.9,
		ConfidenceBand: agents.BandHigh,
	}, nil
}

type fixture struct {
	ingest  chi.Router
	agents  chi.Router
	store   *store.Store
	vectors *vector.MemoryStore
	exports *export.Service
	users   map[string]string // role -> user id
	tokens  map[string]string // role -> bearer token
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("sqlite3", "file:"+t.TempDir()+"/server.db")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := store.NewWithDB(db, "sqlite3")
	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.SeedRBAC(ctx))

	mem := cache.NewMemoryCache()
	vectors := vector.NewMemoryStore()
	require.NoError(t, vectors.EnsureCollection(ctx, testCollection, 3))

	tokens, err := auth.NewTokenService(auth.TokenConfig{
		Secret: "server-test-secret-0123456789abcdef",
	}, mem)
	require.NoError(t, err)
	authz := auth.NewAuthorizer(st)
	authMW := auth.NewMiddleware(tokens, st)

	searchSvc, err := search.New(search.Config{Collection: testCollection, DefaultThreshold: 0.1},
		st, vectors, fixedEmbedder{}, nil, nil)
	require.NoError(t, err)

	exports, err := export.New(export.Config{Dir: t.TempDir()}, st, nil, nil)
	require.NoError(t, err)

	engine, err := workflow.New(workflow.Config{}, workflow.Deps{
		Store: st,
		Stages: workflow.StageSet(
			&fakeStage{name: agents.StageClarifier},
			&fakeStage{name: agents.StageSynthesizer},
			&fakeStage{name: agents.StageTaskmaster},
			&fakeStage{name: agents.StageVerifier},
		),
	})
	require.NoError(t, err)

	f := &fixture{
		store:   st,
		vectors: vectors,
		exports: exports,
		users:   map[string]string{},
		tokens:  map[string]string{},
	}

	for role, password := range map[string]string{
		store.RoleAdmin:   "admin-password",
		store.RoleAnalyst: "analyst-password",
		store.RoleViewer:  "viewer-password",
	} {
		hash, err := auth.HashPassword(password)
		require.NoError(t, err)
		id, err := st.CreateUser(ctx, &store.User{
			Username:     role,
			Email:        role + "@example.com",
			PasswordHash: hash,
			Active:       true,
		})
		require.NoError(t, err)
		require.NoError(t, st.AssignRole(ctx, id, role))
		token, _, err := tokens.Issue(id, role, []string{role})
		require.NoError(t, err)
		f.users[role] = id
		f.tokens[role] = token
	}

	ingestRouter, err := NewIngestRouter(IngestAPIConfig{
		UploadDir:   t.TempDir(),
		MaxFileSize: 1 << 20,
		Collection:  testCollection,
	}, IngestDeps{
		Store:      st,
		Search:     searchSvc,
		Exports:    exports,
		Tokens:     tokens,
		AuthMW:     authMW,
		Authorizer: authz,
		Cache:      mem,
		Vectors:    vectors,
	}, Middleware{})
	require.NoError(t, err)

	agentsRouter, err := NewAgentsRouter(AgentsDeps{
		Store:      st,
		Engine:     engine,
		Exports:    exports,
		AuthMW:     authMW,
		Authorizer: authz,
		Cache:      mem,
	}, Middleware{})
	require.NoError(t, err)

	f.ingest = ingestRouter
	f.agents = agentsRouter
	return f
}

func (f *fixture) do(t *testing.T, router chi.Router, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func (f *fixture) upload(t *testing.T, token, filename, content, sensitivity string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("origin", filename))
	require.NoError(t, mw.WriteField("sensitivity", sensitivity))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	f.ingest.ServeHTTP(rec, req)
	return rec
}

func TestLoginIssuesToken(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, f.ingest, http.MethodPost, "/api/v1/auth/login", "",
		map[string]any{"username": "analyst", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, f.ingest, http.MethodPost, "/api/v1/auth/login", "",
		map[string]any{"username": "analyst", "password": "analyst-password"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeResponse(t, rec)
	assert.Equal(t, "bearer", body["token_type"])
	assert.NotEmpty(t, body["access_token"])
	assert.Greater(t, body["expires_in"].(float64), 0.0)

	// the issued token authenticates subsequent requests
	rec = f.do(t, f.ingest, http.MethodGet, "/api/v1/ingest/jobs", body["access_token"].(string), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLogoutRevokesToken(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, f.ingest, http.MethodPost, "/api/v1/auth/login", "",
		map[string]any{"username": "analyst", "password": "analyst-password"})
	require.Equal(t, http.StatusOK, rec.Code)
	token := decodeResponse(t, rec)["access_token"].(string)

	rec = f.do(t, f.ingest, http.MethodPost, "/api/v1/auth/logout", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, f.ingest, http.MethodGet, "/api/v1/ingest/jobs", token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUploadCreatesJob(t *testing.T) {
	f := newFixture(t)

	rec := f.upload(t, f.tokens[store.RoleAnalyst], "notes.md", "# Release notes\n\ncontent", store.SensitivityInternal)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeResponse(t, rec)
	jobID := body["job_id"].(string)
	require.NotEmpty(t, jobID)
	assert.Equal(t, store.JobPending, body["status"])
	fileInfo, ok := body["file_info"].(map[string]any)
	require.True(t, ok, "upload response carries file_info")
	assert.Equal(t, "notes.md", fileInfo["filename"])
	assert.Equal(t, "markdown", fileInfo["source_type"])
	assert.Greater(t, fileInfo["size_bytes"].(float64), 0.0)

	rec = f.do(t, f.ingest, http.MethodGet, "/api/v1/ingest/status/"+jobID, f.tokens[store.RoleAnalyst], nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeResponse(t, rec)
	assert.Equal(t, "markdown", status["source_type"])
	assert.Equal(t, store.SensitivityInternal, status["sensitivity"])

	job, err := f.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, f.users[store.RoleAnalyst], job.Uploader)
	assert.NotEmpty(t, job.FilePointer)
}

func TestUploadRejectsBadSensitivity(t *testing.T) {
	f := newFixture(t)

	rec := f.upload(t, f.tokens[store.RoleAnalyst], "notes.md", "content", "super-secret")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadRequiresPermission(t *testing.T) {
	f := newFixture(t)

	// viewers hold only search:query
	rec := f.upload(t, f.tokens[store.RoleViewer], "notes.md", "content", store.SensitivityPublic)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.upload(t, "", "notes.md", "content", store.SensitivityPublic)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPasteTooLarge(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, f.ingest, http.MethodPost, "/api/v1/ingest/paste", f.tokens[store.RoleAnalyst], map[string]any{
		"text":        strings.Repeat("x", (1<<20)+1),
		"origin":      "pasted",
		"sensitivity": store.SensitivityPublic,
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestPasteStoresContentButNeverEchoesIt(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, f.ingest, http.MethodPost, "/api/v1/ingest/paste", f.tokens[store.RoleAnalyst], map[string]any{
		"text":        "meeting notes about the migration",
		"origin":      "meeting-notes",
		"sensitivity": store.SensitivityConfidential,
		"ticket_id":   "PROJ-7",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeResponse(t, rec)
	jobID := body["job_id"].(string)
	assert.Equal(t, float64(len("meeting notes about the migration")), body["text_length"])

	rec = f.do(t, f.ingest, http.MethodGet, "/api/v1/ingest/status/"+jobID, f.tokens[store.RoleAnalyst], nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "meeting notes about the migration")

	job, err := f.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, "meeting notes about the migration", job.Metadata["content"])
	assert.Equal(t, "PROJ-7", job.Metadata["ticket_id"])
}

func TestJobOwnership(t *testing.T) {
	f := newFixture(t)

	rec := f.upload(t, f.tokens[store.RoleAnalyst], "mine.md", "content", store.SensitivityPublic)
	require.Equal(t, http.StatusOK, rec.Code)
	jobID := decodeResponse(t, rec)["job_id"].(string)

	// another non-manager caller cannot see it
	rec = f.do(t, f.ingest, http.MethodGet, "/api/v1/ingest/status/"+jobID, f.tokens[store.RoleViewer], nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// admins hold ingest:manage and can
	rec = f.do(t, f.ingest, http.MethodGet, "/api/v1/ingest/status/"+jobID, f.tokens[store.RoleAdmin], nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListJobsScopedToOwner(t *testing.T) {
	f := newFixture(t)

	rec := f.upload(t, f.tokens[store.RoleAnalyst], "a.md", "content", store.SensitivityPublic)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.upload(t, f.tokens[store.RoleAdmin], "b.md", "content", store.SensitivityPublic)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, f.ingest, http.MethodGet, "/api/v1/ingest/jobs", f.tokens[store.RoleAnalyst], nil)
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decodeResponse(t, rec)["jobs"].([]any)
	require.Len(t, jobs, 1)
	assert.Equal(t, "a.md", jobs[0].(map[string]any)["origin"])

	// admin sees both
	rec = f.do(t, f.ingest, http.MethodGet, "/api/v1/ingest/jobs", f.tokens[store.RoleAdmin], nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeResponse(t, rec)["jobs"].([]any), 2)
}

func TestRetryRequiresFailedJob(t *testing.T) {
	f := newFixture(t)

	rec := f.upload(t, f.tokens[store.RoleAnalyst], "a.md", "content", store.SensitivityPublic)
	require.Equal(t, http.StatusOK, rec.Code)
	jobID := decodeResponse(t, rec)["job_id"].(string)

	rec = f.do(t, f.ingest, http.MethodPost, "/api/v1/ingest/jobs/"+jobID+"/retry", f.tokens[store.RoleAnalyst], nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// fail it, then retry succeeds
	ctx := context.Background()
	_, err := f.store.AcquireJob(ctx, jobID)
	require.NoError(t, err)
	require.NoError(t, f.store.FailJob(ctx, jobID, "parser exploded"))

	rec = f.do(t, f.ingest, http.MethodPost, "/api/v1/ingest/jobs/"+jobID+"/retry", f.tokens[store.RoleAnalyst], nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.JobPending, decodeResponse(t, rec)["status"])
}

func TestDeleteJobCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.upload(t, f.tokens[store.RoleAnalyst], "a.md", "content", store.SensitivityPublic)
	require.Equal(t, http.StatusOK, rec.Code)
	jobID := decodeResponse(t, rec)["job_id"].(string)

	require.NoError(t, f.store.InsertChunk(ctx, &store.KnowledgeChunk{
		JobID:     jobID,
		ChunkText: "content",
		VectorID:  "vec-del",
		Metadata:  map[string]any{"sensitivity": store.SensitivityPublic},
	}))
	require.NoError(t, f.vectors.Upsert(ctx, testCollection, []vector.Point{{
		ID: "vec-del", Vector: []float32{1, 0, 0},
	}}))

	rec = f.do(t, f.ingest, http.MethodDelete, "/api/v1/ingest/jobs/"+jobID, f.tokens[store.RoleAnalyst], nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, decodeResponse(t, rec)["chunks_deleted"])

	_, err := f.store.GetJob(ctx, jobID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	points, err := f.vectors.Get(ctx, testCollection, []string{"vec-del"})
	require.NoError(t, err)
	assert.Empty(t, points)
}

func seedSearchableChunk(t *testing.T, f *fixture, idx int, text string) {
	t.Helper()
	ctx := context.Background()
	vectorID := fmt.Sprintf("vec-%d", idx)
	require.NoError(t, f.store.InsertChunk(ctx, &store.KnowledgeChunk{
		JobID:      "job-seed",
		SourceType: "markdown",
		ChunkText:  text,
		ChunkIndex: idx,
		VectorID:   vectorID,
		Metadata:   map[string]any{"sensitivity": store.SensitivityPublic, "origin": "docs"},
	}))
	require.NoError(t, f.vectors.Upsert(ctx, testCollection, []vector.Point{{
		ID:     vectorID,
		Vector: []float32{1, 0, 0},
		Payload: map[string]any{
			"sensitivity": store.SensitivityPublic,
			"source_type": "markdown",
			"origin":      "docs",
		},
	}}))
}

func TestSearchEndpoint(t *testing.T) {
	f := newFixture(t)
	seedSearchableChunk(t, f, 0, "how to rotate the signing keys")

	rec := f.do(t, f.ingest, http.MethodPost, "/api/v1/search", f.tokens[store.RoleViewer], map[string]any{
		"query": "key rotation",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeResponse(t, rec)
	assert.Equal(t, "key rotation", body["query"])
	require.Len(t, body["results"].([]any), 1)
	assert.Contains(t, body, "processing_time_ms")

	rec = f.do(t, f.ingest, http.MethodPost, "/api/v1/search", f.tokens[store.RoleViewer], map[string]any{
		"query": "",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchExportStreamsCSV(t *testing.T) {
	f := newFixture(t)
	seedSearchableChunk(t, f, 0, "quarterly capacity plan")

	rec := f.do(t, f.ingest, http.MethodPost, "/api/v1/search/export", f.tokens[store.RoleAnalyst], map[string]any{
		"query":  "capacity",
		"format": "csv",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "rank,chunk_id,score,source_type,origin,text", lines[0])
	assert.Contains(t, lines[1], "quarterly capacity plan")

	// viewers lack export:download
	rec = f.do(t, f.ingest, http.MethodPost, "/api/v1/search/export", f.tokens[store.RoleViewer], map[string]any{
		"query":  "capacity",
		"format": "csv",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, f.ingest, http.MethodPost, "/api/v1/search/export", f.tokens[store.RoleAnalyst], map[string]any{
		"query":  "capacity",
		"format": "xml",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIKeyLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, f.ingest, http.MethodPost, "/api/v1/auth/api-keys", f.tokens[store.RoleAnalyst],
		map[string]any{"name": "ci"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeResponse(t, rec)
	plaintext := body["api_key"].(string)
	keyID := body["id"].(string)
	require.NotEmpty(t, plaintext)

	// the key authenticates in place of a session token
	rec = f.do(t, f.ingest, http.MethodGet, "/api/v1/ingest/jobs", plaintext, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// listing never exposes the plaintext or its hash
	rec = f.do(t, f.ingest, http.MethodGet, "/api/v1/auth/api-keys", f.tokens[store.RoleAnalyst], nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), plaintext)

	rec = f.do(t, f.ingest, http.MethodDelete, "/api/v1/auth/api-keys/"+keyID, f.tokens[store.RoleAnalyst], nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, f.ingest, http.MethodGet, "/api/v1/ingest/jobs", plaintext, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, f.ingest, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, f.ingest, http.MethodGet, "/health/ready", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeResponse(t, rec)
	assert.Equal(t, "healthy", body["status"])
	components := body["components"].(map[string]any)
	for _, name := range []string{"database", "cache", "vector_store"} {
		require.Contains(t, components, name)
		assert.Equal(t, "healthy", components[name].(map[string]any)["status"])
	}
}

func TestSubmitWorkflow(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, f.agents, http.MethodPost, "/api/v1/jobs", f.tokens[store.RoleAnalyst], map[string]any{
		"workflow_type": workflow.TypeFull,
		"user_request":  "migrate billing to the new ledger",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeResponse(t, rec)
	assert.NotEmpty(t, body["workflow_id"])
	assert.Equal(t, store.ExecPending, body["status"])
	steps := body["steps_planned"].([]any)
	require.Len(t, steps, 5)
	assert.Equal(t, "retrieve_context", steps[0])

	rec = f.do(t, f.agents, http.MethodPost, "/api/v1/jobs", f.tokens[store.RoleAnalyst], map[string]any{
		"workflow_type": "mystery",
		"user_request":  "anything",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorkflowStatusAndOwnership(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, f.agents, http.MethodPost, "/api/v1/jobs", f.tokens[store.RoleAnalyst], map[string]any{
		"workflow_type": workflow.TypeSynthesisOnly,
		"user_request":  "draft the to-be architecture",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	id := decodeResponse(t, rec)["workflow_id"].(string)

	rec = f.do(t, f.agents, http.MethodGet, "/api/v1/jobs/"+id, f.tokens[store.RoleAnalyst], nil)
	require.Equal(t, http.StatusOK, rec.Code)
	exec := decodeResponse(t, rec)["execution"].(map[string]any)
	assert.Equal(t, store.ExecPending, exec["status"])
	assert.Equal(t, 1.0, exec["total_steps"])

	// viewers lack workflow:run entirely
	rec = f.do(t, f.agents, http.MethodGet, "/api/v1/jobs/"+id, f.tokens[store.RoleViewer], nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// admin may inspect any workflow
	rec = f.do(t, f.agents, http.MethodGet, "/api/v1/jobs/"+id, f.tokens[store.RoleAdmin], nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAnswersRequireWaitingWorkflow(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, f.agents, http.MethodPost, "/api/v1/jobs", f.tokens[store.RoleAnalyst], map[string]any{
		"workflow_type": workflow.TypeFull,
		"user_request":  "anything",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	id := decodeResponse(t, rec)["workflow_id"].(string)

	rec = f.do(t, f.agents, http.MethodPost, "/api/v1/jobs/"+id+"/answers", f.tokens[store.RoleAnalyst], map[string]any{
		"answers": []map[string]any{{"question_id": "q1", "answer": "postgres"}},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestResultsOnlyWhenCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.do(t, f.agents, http.MethodPost, "/api/v1/jobs", f.tokens[store.RoleAnalyst], map[string]any{
		"workflow_type": workflow.TypeVerificationOnly,
		"user_request":  "verify the cutover plan",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	id := decodeResponse(t, rec)["workflow_id"].(string)

	rec = f.do(t, f.agents, http.MethodGet, "/api/v1/jobs/"+id+"/results", f.tokens[store.RoleAnalyst], nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, f.store.StartExecution(ctx, id))
	require.NoError(t, f.store.CompleteExecution(ctx, id, map[string]any{
		"verifier": map[string]any{"confidence": 0.9},
	}))

	rec = f.do(t, f.agents, http.MethodGet, "/api/v1/jobs/"+id+"/results", f.tokens[store.RoleAnalyst], nil)
	require.Equal(t, http.StatusOK, rec.Code)
	results := decodeResponse(t, rec)["results"].(map[string]any)
	assert.Contains(t, results, "verifier")
}

func TestExportCompletedWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.do(t, f.agents, http.MethodPost, "/api/v1/jobs", f.tokens[store.RoleAnalyst], map[string]any{
		"workflow_type": workflow.TypeTaskGeneration,
		"user_request":  "plan the ledger migration",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	id := decodeResponse(t, rec)["workflow_id"].(string)

	out := &agents.StageOutput{
		StageKind:      agents.StageTaskmaster,
		Confidence:     0.9,
		ConfidenceBand: agents.BandHigh,
		Payload: agents.TaskmasterPayload{
			Tasks: []agents.Task{{ID: "T1", Title: "Stand up the ledger service", Priority: "high"}},
		},
	}
	outMap, err := out.AsMap()
	require.NoError(t, err)
	require.NoError(t, f.store.StartExecution(ctx, id))
	require.NoError(t, f.store.CompleteExecution(ctx, id, map[string]any{
		agents.StageTaskmaster: outMap,
	}))

	rec = f.do(t, f.agents, http.MethodPost, "/api/v1/jobs/"+id+"/export", f.tokens[store.RoleAnalyst],
		map[string]any{"format": "json"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeResponse(t, rec)
	exportID := body["export_id"].(string)
	assert.Equal(t, store.ExportCompleted, body["status"])

	rec = f.do(t, f.agents, http.MethodGet, "/api/v1/exports/"+exportID+"/download", f.tokens[store.RoleAnalyst], nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Stand up the ledger service")

	// exports are private to their creator
	rec = f.do(t, f.agents, http.MethodGet, "/api/v1/exports/"+exportID+"/download", f.tokens[store.RoleViewer], nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
