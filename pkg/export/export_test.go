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

package export

import (
	"archive/zip"
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"os"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MartinT518/Analyst-copilot-sub000/pkg/agents"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/store"
)

func newTestService(t *testing.T, cfg Config) (*Service, *store.Store) {
	t.Helper()
	db, err := sql.Open("sqlite3", "file:"+t.TempDir()+"/store.db?_fk=off")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := store.NewWithDB(db, "sqlite3")
	require.NoError(t, st.Migrate(context.Background()))

	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	svc, err := New(cfg, st, nil, nil)
	require.NoError(t, err)
	return svc, st
}

func sampleBundle() Bundle {
	return Bundle{
		Title:    "Ticket export migration",
		Reporter: "analyst-1",
		Tasks: []agents.Task{
			{
				ID:              "T1",
				Title:           "Define export schema",
				Description:     "Agree the column set with the reporting team.",
				UserStories:     []string{"As an analyst I can rely on stable columns"},
				EstimatedEffort: "2d",
				Priority:        "critical",
				Labels:          []string{"backend", "schema"},
				Epic:            "Export revamp",
			},
			{
				ID:           "T2",
				Title:        "Build nightly sync",
				Description:  "Schedule the pipeline.",
				Priority:     "medium",
				Dependencies: []string{"T1"},
			},
		},
		Documents: map[string]agents.Document{
			"to_be": {
				Title:            "Target state",
				ExecutiveSummary: "Automated nightly export.",
				Sections:         []agents.DocumentSection{{ID: "s1", Title: "Pipeline", Content: "Runs at 02:00.", Kind: "system", Order: 1}},
			},
		},
	}
}

func TestExportCSV(t *testing.T) {
	svc, _ := newTestService(t, Config{ProjectKey: "REP"})
	ctx := context.Background()

	job, err := svc.Export(ctx, "user-1", FormatCSV, sampleBundle())
	require.NoError(t, err)
	assert.Equal(t, store.ExportCompleted, job.Status)
	assert.Equal(t, 2, job.RecordCount)

	f, err := os.Open(job.FilePath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, "Story", rows[1][0], "tasks with user stories import as stories")
	assert.Equal(t, "Define export schema", rows[1][1])
	assert.Equal(t, "Highest", rows[1][3])
	assert.Equal(t, "backend schema", rows[1][4])
	assert.Equal(t, "Export revamp", rows[1][5])
	assert.Equal(t, "analyst-1", rows[1][7])
	assert.Equal(t, "REP", rows[1][8])

	assert.Equal(t, "Task", rows[2][0])
	assert.Equal(t, "Medium", rows[2][3])
	assert.Contains(t, rows[2][2], "Depends on: T1")
}

func TestExportZipManifest(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	ctx := context.Background()

	job, err := svc.Export(ctx, "user-1", FormatZip, sampleBundle())
	require.NoError(t, err)

	zr, err := zip.OpenReader(job.FilePath)
	require.NoError(t, err)
	defer zr.Close()

	names := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		names[f.Name] = f
	}
	for _, want := range []string{"tasks.csv", "results.json", "report.md", "report.html", "manifest.json"} {
		require.Contains(t, names, want)
	}

	mf, err := names["manifest.json"].Open()
	require.NoError(t, err)
	defer mf.Close()
	var manifest Manifest
	require.NoError(t, json.NewDecoder(mf).Decode(&manifest))
	require.Len(t, manifest.Files, 4)

	byName := make(map[string]ManifestFile)
	for _, f := range manifest.Files {
		byName[f.Name] = f
		assert.Greater(t, f.SizeBytes, 0)
		assert.Equal(t, int(names[f.Name].UncompressedSize64), f.SizeBytes)
	}
	assert.Equal(t, 2, byName["tasks.csv"].RecordCount)
	assert.Equal(t, FormatCSV, byName["tasks.csv"].Format)
	assert.False(t, manifest.GeneratedAt.IsZero())
}

func TestExportMarkdownSections(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	job, err := svc.Export(context.Background(), "user-1", FormatMarkdown, sampleBundle())
	require.NoError(t, err)

	raw, err := os.ReadFile(job.FilePath)
	require.NoError(t, err)
	content := string(raw)
	assert.Contains(t, content, "# Ticket export migration")
	assert.Contains(t, content, "## Target state")
	assert.Contains(t, content, "### T1: Define export schema")
	assert.Contains(t, content, "- Depends on: T1")
}

func TestExportExecution(t *testing.T) {
	svc, st := newTestService(t, Config{})
	ctx := context.Background()

	tmOut := &agents.StageOutput{
		StageKind: agents.StageTaskmaster,
		Payload: agents.TaskmasterPayload{
			Tasks: []agents.Task{{ID: "T1", Title: "Build it", Priority: "high"}},
		},
	}
	env, err := tmOut.AsMap()
	require.NoError(t, err)

	id, err := st.CreateExecution(ctx, &store.WorkflowExecution{
		WorkflowType: "task_generation",
		UserID:       "user-1",
		UserRequest:  "Plan the migration",
	})
	require.NoError(t, err)
	require.NoError(t, st.StartExecution(ctx, id))
	require.NoError(t, st.CompleteExecution(ctx, id, map[string]any{agents.StageTaskmaster: env}))

	job, err := svc.ExportExecution(ctx, "user-1", id, FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, 1, job.RecordCount)

	raw, err := os.ReadFile(job.FilePath)
	require.NoError(t, err)
	var bundle Bundle
	require.NoError(t, json.Unmarshal(raw, &bundle))
	assert.Equal(t, "Plan the migration", bundle.Title)
	require.Len(t, bundle.Tasks, 1)
	assert.Equal(t, "Build it", bundle.Tasks[0].Title)
}

func TestExportExecutionNotCompleted(t *testing.T) {
	svc, st := newTestService(t, Config{})
	ctx := context.Background()

	id, err := st.CreateExecution(ctx, &store.WorkflowExecution{
		WorkflowType: "full",
		UserID:       "user-1",
		UserRequest:  "Plan it",
	})
	require.NoError(t, err)

	_, err = svc.ExportExecution(ctx, "user-1", id, FormatJSON)
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestExportUnsupportedFormat(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	_, err := svc.Export(context.Background(), "user-1", "xml", sampleBundle())
	require.Error(t, err)
	assert.False(t, ValidFormat("xml"))
	assert.True(t, ValidFormat(FormatZip))
}

func TestSweepRemovesExpiredFiles(t *testing.T) {
	svc, st := newTestService(t, Config{RetainFor: time.Nanosecond})
	ctx := context.Background()

	job, err := svc.Export(ctx, "user-1", FormatJSON, sampleBundle())
	require.NoError(t, err)
	require.FileExists(t, job.FilePath)

	time.Sleep(5 * time.Millisecond)
	removed, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, job.FilePath)

	swept, err := st.GetExportJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, swept.FilePath)

	removed, err = svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed, "sweep is idempotent")
}
