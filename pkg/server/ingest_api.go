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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/MartinT518/Analyst-copilot-sub000/pkg/audit"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/auth"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/cache"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/export"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/parsers"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/search"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/store"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/vector"
)

var validSensitivities = map[string]bool{
	store.SensitivityPublic:       true,
	store.SensitivityInternal:     true,
	store.SensitivityConfidential: true,
	store.SensitivityRestricted:   true,
}

// IngestAPIConfig tunes the ingest HTTP surface.
type IngestAPIConfig struct {
	// UploadDir is where uploaded files are spooled before processing.
	UploadDir string

	// MaxFileSize caps the accepted upload size in bytes.
	MaxFileSize int64

	// Collection is the vector collection chunks live in, used for
	// cascade deletes.
	Collection string
}

// IngestDeps collects the ingest service collaborators.
type IngestDeps struct {
	Store      *store.Store
	Search     *search.Service
	Exports    *export.Service
	Tokens     *auth.TokenService
	AuthMW     *auth.Middleware
	Authorizer *auth.Authorizer
	Chain      *audit.Chain
	Cache      cache.Cache
	Vectors    vector.Store
	Logger     *slog.Logger
}

type ingestAPI struct {
	cfg    IngestAPIConfig
	deps   IngestDeps
	health *healthHandler
}

// NewIngestRouter assembles the ingest service router.
func NewIngestRouter(cfg IngestAPIConfig, deps IngestDeps, mw Middleware) (chi.Router, error) {
	if deps.Store == nil || deps.Search == nil || deps.Tokens == nil || deps.AuthMW == nil || deps.Authorizer == nil {
		return nil, fmt.Errorf("store, search, tokens, auth middleware and authorizer are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = filepath.Join(os.TempDir(), "acp-uploads")
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 100 * 1024 * 1024
	}
	if cfg.Collection == "" {
		cfg.Collection = "acp_chunks"
	}

	api := &ingestAPI{
		cfg:  cfg,
		deps: deps,
		health: &healthHandler{
			store:      deps.Store,
			cache:      deps.Cache,
			vectors:    deps.Vectors,
			collection: cfg.Collection,
			logger:     deps.Logger,
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
		r.Post("/auth/login", api.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(deps.AuthMW.Authenticate)

			r.Post("/auth/logout", api.handleLogout)
			r.Post("/auth/api-keys", api.handleCreateAPIKey)
			r.Get("/auth/api-keys", api.handleListAPIKeys)
			r.Delete("/auth/api-keys/{id}", api.handleRevokeAPIKey)

			r.Group(func(r chi.Router) {
				r.Use(deps.AuthMW.RequirePermission(store.PermIngestUpload))
				r.Post("/ingest/upload", api.handleUpload)
				r.Post("/ingest/paste", api.handlePaste)
			})
			r.Get("/ingest/status/{job_id}", api.handleJobStatus)
			r.Get("/ingest/jobs", api.handleListJobs)
			r.Delete("/ingest/jobs/{id}", api.handleDeleteJob)
			r.Post("/ingest/jobs/{id}/retry", api.handleRetryJob)

			r.Group(func(r chi.Router) {
				r.Use(deps.AuthMW.RequirePermission(store.PermSearchQuery))
				r.Post("/search", api.handleSearch)
				r.Get("/search/similar/{chunk_id}", api.handleSimilar)
			})
			r.With(deps.AuthMW.RequirePermission(store.PermExportDownload)).
				Post("/search/export", api.handleSearchExport)
		})
	})

	return r, nil
}

// jobView is the API shape of an ingest job.
type jobView struct {
	JobID         string         `json:"job_id"`
	SourceType    string         `json:"source_type"`
	Origin        string         `json:"origin"`
	Sensitivity   string         `json:"sensitivity"`
	Status        string         `json:"status"`
	ChunksCreated int            `json:"chunks_created"`
	RetryCount    int            `json:"retry_count"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

func viewOfJob(job *store.IngestJob) jobView {
	metadata := job.Metadata
	if metadata != nil {
		// Pasted content is carried in metadata; never echo it back on
		// status responses.
		trimmed := make(map[string]any, len(metadata))
		for k, v := range metadata {
			if k != "content" {
				trimmed[k] = v
			}
		}
		metadata = trimmed
	}
	return jobView{
		JobID:         job.ID,
		SourceType:    job.SourceType,
		Origin:        job.Origin,
		Sensitivity:   job.Sensitivity,
		Status:        job.Status,
		ChunksCreated: job.ChunksCreated,
		RetryCount:    job.RetryCount,
		ErrorMessage:  job.ErrorMessage,
		Metadata:      metadata,
		CreatedAt:     job.CreatedAt,
		StartedAt:     job.StartedAt,
		CompletedAt:   job.CompletedAt,
	}
}

func (a *ingestAPI) handleUpload(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxFileSize)
	if err := r.ParseMultipartForm(4 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{
				Error: fmt.Sprintf("file exceeds the %d byte limit", a.cfg.MaxFileSize),
			})
			return
		}
		badRequest(w, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		badRequest(w, "file field is required")
		return
	}
	defer file.Close()

	origin := strings.TrimSpace(r.FormValue("origin"))
	if origin == "" {
		origin = header.Filename
	}
	sensitivity := strings.TrimSpace(r.FormValue("sensitivity"))
	if !validSensitivities[sensitivity] {
		badRequest(w, "sensitivity must be one of public, internal, confidential, restricted")
		return
	}

	sourceType := parsers.SourceType(r.FormValue("source_type"))
	if sourceType == "" {
		sourceType = parsers.Detect(header.Filename, header.Header.Get("Content-Type"))
	}
	if sourceType == parsers.SourceUnknown {
		badRequest(w, "could not determine source type; pass source_type explicitly")
		return
	}

	metadata, err := parseMetadataField(r.FormValue("metadata"))
	if err != nil {
		badRequest(w, "metadata must be a JSON object")
		return
	}

	path, size, err := a.spoolUpload(file, header)
	if err != nil {
		a.deps.Logger.Error("failed to spool upload", "error", err)
		writeError(w, err)
		return
	}

	job := &store.IngestJob{
		SourceType:  string(sourceType),
		Origin:      origin,
		Sensitivity: sensitivity,
		Uploader:    claims.Subject,
		FilePointer: path,
		ByteSize:    size,
		Metadata:    metadata,
	}
	id, err := a.deps.Store.CreateJob(r.Context(), job)
	if err != nil {
		_ = os.Remove(path)
		writeError(w, err)
		return
	}

	a.auditAppend(r, audit.Record{
		Action:       audit.ActionIngestStart,
		UserID:       claims.Subject,
		ResourceType: "ingest_job",
		ResourceID:   id,
		Severity:     audit.SeverityLow,
		Details:      map[string]any{"source_type": string(sourceType), "byte_size": size},
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id": id,
		"status": job.Status,
		"file_info": map[string]any{
			"filename":     header.Filename,
			"size_bytes":   size,
			"content_type": header.Header.Get("Content-Type"),
			"source_type":  string(sourceType),
		},
	})
}

// spoolUpload streams the file to the upload directory. The returned path
// is inside UploadDir with a generated name; the client filename is never
// used on disk.
func (a *ingestAPI) spoolUpload(file multipart.File, header *multipart.FileHeader) (string, int64, error) {
	ext := strings.ToLower(filepath.Ext(header.Filename))
	path := filepath.Join(a.cfg.UploadDir, uuid.NewString()+ext)
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", 0, err
	}
	size, err := io.Copy(dst, file)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", 0, err
	}
	return path, size, nil
}

type pasteRequest struct {
	Text        string         `json:"text"`
	Origin      string         `json:"origin"`
	Sensitivity string         `json:"sensitivity"`
	SourceType  string         `json:"source_type"`
	TicketID    string         `json:"ticket_id"`
	Metadata    map[string]any `json:"metadata"`
}

func (a *ingestAPI) handlePaste(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	var req pasteRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		badRequest(w, "text is required")
		return
	}
	if req.Origin == "" {
		badRequest(w, "origin is required")
		return
	}
	if !validSensitivities[req.Sensitivity] {
		badRequest(w, "sensitivity must be one of public, internal, confidential, restricted")
		return
	}
	if int64(len(req.Text)) > a.cfg.MaxFileSize {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{
			Error: fmt.Sprintf("text exceeds the %d byte limit", a.cfg.MaxFileSize),
		})
		return
	}

	sourceType := req.SourceType
	if sourceType == "" {
		sourceType = string(parsers.SourcePaste)
	}
	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["content"] = req.Text
	if req.TicketID != "" {
		metadata["ticket_id"] = req.TicketID
	}

	job := &store.IngestJob{
		SourceType:  sourceType,
		Origin:      req.Origin,
		Sensitivity: req.Sensitivity,
		Uploader:    claims.Subject,
		ByteSize:    int64(len(req.Text)),
		Metadata:    metadata,
	}
	id, err := a.deps.Store.CreateJob(r.Context(), job)
	if err != nil {
		writeError(w, err)
		return
	}

	a.auditAppend(r, audit.Record{
		Action:       audit.ActionIngestStart,
		UserID:       claims.Subject,
		ResourceType: "ingest_job",
		ResourceID:   id,
		Severity:     audit.SeverityLow,
		Details:      map[string]any{"source_type": sourceType, "byte_size": len(req.Text)},
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":      id,
		"status":      job.Status,
		"text_length": len(req.Text),
	})
}

// loadOwnedJob fetches a job and enforces that the caller owns it or holds
// the manage permission.
func (a *ingestAPI) loadOwnedJob(r *http.Request, id string) (*store.IngestJob, error) {
	claims := auth.ClaimsFromContext(r.Context())
	job, err := a.deps.Store.GetJob(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if job.Uploader == claims.Subject {
		return job, nil
	}
	if err := a.deps.Authorizer.Require(r.Context(), claims.Subject, store.PermIngestManage); err != nil {
		return nil, err
	}
	return job, nil
}

func (a *ingestAPI) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := a.loadOwnedJob(r, chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOfJob(job))
}

func (a *ingestAPI) handleListJobs(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	filter := store.JobFilter{
		Status:     r.URL.Query().Get("status"),
		Origin:     r.URL.Query().Get("origin"),
		SourceType: r.URL.Query().Get("source_type"),
		Skip:       queryInt(r, "skip", 0),
		Limit:      queryInt(r, "limit", 50),
	}
	// Non-managers only see their own jobs.
	if err := a.deps.Authorizer.Require(r.Context(), claims.Subject, store.PermIngestManage); err != nil {
		if !errors.Is(err, auth.ErrForbidden) {
			writeError(w, err)
			return
		}
		filter.Uploader = claims.Subject
	}

	jobs, err := a.deps.Store.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]jobView, len(jobs))
	for i, job := range jobs {
		views[i] = viewOfJob(job)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  views,
		"skip":  filter.Skip,
		"limit": filter.Limit,
	})
}

func (a *ingestAPI) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	job, err := a.loadOwnedJob(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	vectorIDs, err := a.deps.Store.DeleteChunksByJob(r.Context(), job.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(vectorIDs) > 0 && a.deps.Vectors != nil {
		if err := a.deps.Vectors.Delete(r.Context(), a.cfg.Collection, vectorIDs); err != nil {
			a.deps.Logger.Error("failed to delete vectors for job",
				"job_id", job.ID, "error", err)
		}
	}
	if err := a.deps.Store.DeleteJob(r.Context(), job.ID); err != nil {
		writeError(w, err)
		return
	}
	if job.FilePointer != "" {
		if err := os.Remove(job.FilePointer); err != nil && !os.IsNotExist(err) {
			a.deps.Logger.Warn("failed to remove spooled file",
				"job_id", job.ID, "error", err)
		}
	}

	a.auditAppend(r, audit.Record{
		Action:       audit.ActionIngestDelete,
		UserID:       claims.Subject,
		ResourceType: "ingest_job",
		ResourceID:   job.ID,
		Severity:     audit.SeverityMedium,
		Details:      map[string]any{"chunks_deleted": len(vectorIDs)},
	})
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "chunks_deleted": len(vectorIDs)})
}

func (a *ingestAPI) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	job, err := a.loadOwnedJob(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.deps.Store.RetryJob(r.Context(), job.ID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			badRequest(w, fmt.Sprintf("job is %s; only failed jobs can be retried", job.Status))
			return
		}
		writeError(w, err)
		return
	}

	a.auditAppend(r, audit.Record{
		Action:       audit.ActionIngestRetry,
		UserID:       claims.Subject,
		ResourceType: "ingest_job",
		ResourceID:   job.ID,
		Severity:     audit.SeverityLow,
	})
	writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID, "status": store.JobPending})
}

type searchRequest struct {
	Query               string         `json:"query"`
	Limit               int            `json:"limit"`
	SimilarityThreshold float32        `json:"similarity_threshold"`
	Filters             map[string]any `json:"filters"`
}

func (a *ingestAPI) handleSearch(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	var req searchRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		badRequest(w, "query is required")
		return
	}

	start := time.Now()
	results, err := a.deps.Search.Search(r.Context(), claims.Subject, search.Query{
		Text:      req.Query,
		K:         req.Limit,
		Threshold: req.SimilarityThreshold,
		Filter:    vector.Filter(req.Filters),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"query":              req.Query,
		"results":            results,
		"processing_time_ms": time.Since(start).Milliseconds(),
		"filters_applied":    req.Filters,
	})
}

func (a *ingestAPI) handleSimilar(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	chunkID := chi.URLParam(r, "chunk_id")

	start := time.Now()
	results, err := a.deps.Search.SimilarTo(r.Context(), claims.Subject, chunkID, search.Query{
		K: queryInt(r, "limit", 0),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chunk_id":           chunkID,
		"results":            results,
		"processing_time_ms": time.Since(start).Milliseconds(),
	})
}

type searchExportRequest struct {
	searchRequest
	Format string `json:"format"`
}

func (a *ingestAPI) handleSearchExport(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	var req searchExportRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		badRequest(w, "query is required")
		return
	}
	if req.Format != "json" && req.Format != "csv" && req.Format != "txt" {
		badRequest(w, "format must be one of json, csv, txt")
		return
	}

	results, err := a.deps.Search.Search(r.Context(), claims.Subject, search.Query{
		Text:      req.Query,
		K:         req.Limit,
		Threshold: req.SimilarityThreshold,
		Filter:    vector.Filter(req.Filters),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	a.auditAppend(r, audit.Record{
		Action:       audit.ActionSearchExport,
		UserID:       claims.Subject,
		ResourceType: "search",
		Severity:     audit.SeverityMedium,
		Details:      map[string]any{"format": req.Format, "result_count": len(results)},
	})

	filename := "search-results-" + time.Now().UTC().Format("20060102-150405") + "." + req.Format
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	if err := writeSearchResults(w, req.Format, req.Query, results); err != nil {
		a.deps.Logger.Error("failed to stream export", "error", err)
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *ingestAPI) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	user, err := a.deps.Store.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.loginFailed(r, req.Username)
			writeError(w, auth.ErrInvalidCredentials)
			return
		}
		writeError(w, err)
		return
	}
	if !user.Active || !auth.VerifyPassword(user.PasswordHash, req.Password) {
		a.loginFailed(r, req.Username)
		writeError(w, auth.ErrInvalidCredentials)
		return
	}

	roles, err := a.deps.Store.RolesForUser(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	token, expiresAt, err := a.deps.Tokens.Issue(user.ID, user.Username, roles)
	if err != nil {
		writeError(w, err)
		return
	}

	a.auditAppend(r, audit.Record{
		Action:       audit.ActionAuthLogin,
		UserID:       user.ID,
		ResourceType: "session",
		Severity:     audit.SeverityLow,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "bearer",
		"expires_in":   int(time.Until(expiresAt).Seconds()),
	})
}

func (a *ingestAPI) loginFailed(r *http.Request, username string) {
	a.auditAppend(r, audit.Record{
		Action:       audit.ActionAuthLoginFailed,
		ResourceType: "session",
		Severity:     audit.SeverityMedium,
		Details:      map[string]any{"username": username},
	})
}

func (a *ingestAPI) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		token := strings.TrimPrefix(header, "Bearer ")
		if !auth.IsAPIKey(token) {
			if err := a.deps.Tokens.Revoke(r.Context(), token); err != nil {
				writeError(w, err)
				return
			}
		}
	}
	a.auditAppend(r, audit.Record{
		Action:       audit.ActionAuthLogout,
		UserID:       claims.Subject,
		ResourceType: "session",
		Severity:     audit.SeverityLow,
	})
	writeJSON(w, http.StatusOK, map[string]any{"logged_out": true})
}

type createAPIKeyRequest struct {
	Name          string `json:"name"`
	ExpiresInDays int    `json:"expires_in_days"`
}

func (a *ingestAPI) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	var req createAPIKeyRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		badRequest(w, "name is required")
		return
	}

	plaintext, hash, err := auth.GenerateAPIKey()
	if err != nil {
		writeError(w, err)
		return
	}
	key := &store.APIKey{
		UserID:  claims.Subject,
		Name:    req.Name,
		KeyHash: hash,
		Active:  true,
	}
	if req.ExpiresInDays > 0 {
		expires := time.Now().UTC().AddDate(0, 0, req.ExpiresInDays)
		key.ExpiresAt = &expires
	}
	id, err := a.deps.Store.CreateAPIKey(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}

	a.auditAppend(r, audit.Record{
		Action:       audit.ActionAPIKeyCreate,
		UserID:       claims.Subject,
		ResourceType: "api_key",
		ResourceID:   id,
		Severity:     audit.SeverityMedium,
		Details:      map[string]any{"name": req.Name},
	})
	// The plaintext key is shown exactly once; only its hash is stored.
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"name":    req.Name,
		"api_key": plaintext,
	})
}

func (a *ingestAPI) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	keys, err := a.deps.Store.ListAPIKeys(r.Context(), claims.Subject)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]map[string]any, len(keys))
	for i, key := range keys {
		views[i] = map[string]any{
			"id":           key.ID,
			"name":         key.Name,
			"active":       key.Active,
			"created_at":   key.CreatedAt,
			"last_used_at": key.LastUsedAt,
			"expires_at":   key.ExpiresAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"api_keys": views})
}

func (a *ingestAPI) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if err := a.deps.Store.RevokeAPIKey(r.Context(), id, claims.Subject); err != nil {
		writeError(w, err)
		return
	}
	a.auditAppend(r, audit.Record{
		Action:       audit.ActionAPIKeyRevoke,
		UserID:       claims.Subject,
		ResourceType: "api_key",
		ResourceID:   id,
		Severity:     audit.SeverityMedium,
	})
	writeJSON(w, http.StatusOK, map[string]any{"revoked": true})
}

func (a *ingestAPI) auditAppend(r *http.Request, rec audit.Record) {
	if a.deps.Chain == nil {
		return
	}
	rec.IPAddress = r.RemoteAddr
	rec.UserAgent = r.UserAgent()
	if _, err := a.deps.Chain.Append(r.Context(), rec); err != nil {
		a.deps.Logger.Error("audit append failed", "action", rec.Action, "error", err)
	}
}

func parseMetadataField(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
