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

// Package export renders workflow results into downloadable files:
// Jira-importable CSV, JSON, markdown, HTML, and a zip bundle with a
// manifest. Files live in the OS temp directory and are swept after a
// retention window.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/MartinT518/Analyst-copilot-sub000/pkg/agents"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/audit"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/store"
)

// Supported export formats.
const (
	FormatCSV      = "csv"
	FormatJSON     = "json"
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
	FormatZip      = "zip"
)

var formatExtensions = map[string]string{
	FormatCSV:      ".csv",
	FormatJSON:     ".json",
	FormatMarkdown: ".md",
	FormatHTML:     ".html",
	FormatZip:      ".zip",
}

// ValidFormat reports whether format is one the service can render.
func ValidFormat(format string) bool {
	_, ok := formatExtensions[format]
	return ok
}

// Config tunes the export service.
type Config struct {
	Dir           string        `yaml:"dir" mapstructure:"dir"`
	ProjectKey    string        `yaml:"project_key" mapstructure:"project_key"`
	RetainFor     time.Duration `yaml:"retain_for" mapstructure:"retain_for"`
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
}

// SetDefaults fills zero values with working defaults.
func (c *Config) SetDefaults() {
	if c.Dir == "" {
		c.Dir = filepath.Join(os.TempDir(), "acp-exports")
	}
	if c.ProjectKey == "" {
		c.ProjectKey = "ACP"
	}
	if c.RetainFor <= 0 {
		c.RetainFor = 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
}

// Bundle is the material one export renders.
type Bundle struct {
	Title     string                    `json:"title"`
	Reporter  string                    `json:"reporter,omitempty"`
	Tasks     []agents.Task             `json:"tasks,omitempty"`
	Documents map[string]agents.Document `json:"documents,omitempty"`
	Results   map[string]any            `json:"results,omitempty"`
}

// Service renders exports and sweeps expired files.
type Service struct {
	cfg    Config
	store  *store.Store
	chain  *audit.Chain
	logger *slog.Logger
}

// New builds the export service and ensures its output directory exists.
func New(cfg Config, st *store.Store, chain *audit.Chain, logger *slog.Logger) (*Service, error) {
	cfg.SetDefaults()
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating export dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: cfg, store: st, chain: chain, logger: logger}, nil
}

// Export renders a bundle into one file and records the export job.
func (s *Service) Export(ctx context.Context, userID, format string, bundle Bundle) (*store.ExportJob, error) {
	ext, ok := formatExtensions[format]
	if !ok {
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
	job := &store.ExportJob{UserID: userID, Format: format}
	id, err := s.store.CreateExportJob(ctx, job)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(s.cfg.Dir, id+ext)
	records, err := s.render(path, format, bundle)
	if err != nil {
		os.Remove(path)
		if ferr := s.store.FinishExportJob(ctx, id, store.ExportFailed, "", err.Error(), 0); ferr != nil {
			s.logger.Error("recording export failure failed", "export_id", id, "error", ferr)
		}
		return nil, fmt.Errorf("rendering %s export: %w", format, err)
	}
	if err := s.store.FinishExportJob(ctx, id, store.ExportCompleted, path, "", records); err != nil {
		return nil, err
	}

	if s.chain != nil {
		s.chain.MustAppend(ctx, audit.Record{
			Action:       audit.ActionExportCreate,
			UserID:       userID,
			ResourceType: "export_job",
			ResourceID:   id,
			Details:      map[string]any{"format": format, "records": records},
			Severity:     audit.SeverityLow,
		})
	}
	return s.store.GetExportJob(ctx, id)
}

// Job looks up an export job record.
func (s *Service) Job(ctx context.Context, id string) (*store.ExportJob, error) {
	return s.store.GetExportJob(ctx, id)
}

// ExportExecution renders a completed workflow execution's results.
func (s *Service) ExportExecution(ctx context.Context, userID, executionID, format string) (*store.ExportJob, error) {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != store.ExecCompleted {
		return nil, fmt.Errorf("%w: execution %s is %s, not completed", store.ErrConflict, executionID, exec.Status)
	}
	bundle, err := BundleFromResults(exec.UserRequest, userID, exec.Results)
	if err != nil {
		return nil, err
	}
	return s.Export(ctx, userID, format, bundle)
}

// BundleFromResults extracts tasks and documents from a workflow results
// map (stage name to output envelope).
func BundleFromResults(title, reporter string, results map[string]any) (Bundle, error) {
	bundle := Bundle{Title: title, Reporter: reporter, Results: results}

	if payload, ok := stagePayload(results, agents.StageTaskmaster); ok {
		var tm agents.TaskmasterPayload
		if err := roundtrip(payload, &tm); err != nil {
			return bundle, fmt.Errorf("decoding taskmaster payload: %w", err)
		}
		bundle.Tasks = tm.Tasks
	}
	if payload, ok := stagePayload(results, agents.StageSynthesizer); ok {
		var sp agents.SynthesizerPayload
		if err := roundtrip(payload, &sp); err != nil {
			return bundle, fmt.Errorf("decoding synthesizer payload: %w", err)
		}
		bundle.Documents = map[string]agents.Document{
			"as_is": sp.AsIsDocument,
			"to_be": sp.ToBeDocument,
		}
	}
	return bundle, nil
}

// Sweep deletes export files older than the retention window and clears
// their file pointers. Returns the number of files removed.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.RetainFor)
	stale, err := s.store.StaleExportJobs(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, job := range stale {
		if err := os.Remove(job.FilePath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("sweeping export file failed", "export_id", job.ID, "path", job.FilePath, "error", err)
			continue
		}
		if err := s.store.ClearExportFile(ctx, job.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Run sweeps on an interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				s.logger.Error("export sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("export sweep removed files", "count", n)
			}
		}
	}
}

func stagePayload(results map[string]any, stage string) (map[string]any, bool) {
	env, ok := results[stage].(map[string]any)
	if !ok {
		return nil, false
	}
	payload, ok := env["payload"].(map[string]any)
	return payload, ok
}

func roundtrip(src any, dst any) error {
	raw, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
