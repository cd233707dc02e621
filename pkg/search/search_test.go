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

package search

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MartinT518/Analyst-copilot-sub000/pkg/store"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/vector"
)

// fixedEmbedder returns canned vectors keyed by text.
type fixedEmbedder struct {
	vectors map[string][]float32
}

func (f *fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0}, nil
}

func (f *fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fixedEmbedder) Dimension() int    { return 3 }
func (f *fixedEmbedder) ModelName() string { return "fixed" }
func (f *fixedEmbedder) Close() error      { return nil }

type fixture struct {
	svc     *Service
	store   *store.Store
	vectors *vector.MemoryStore
	analyst string
	viewer  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("sqlite3", "file:"+t.TempDir()+"/search.db")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := store.NewWithDB(db, "sqlite3")
	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.SeedRBAC(ctx))

	analyst, err := st.CreateUser(ctx, &store.User{Username: "ana", Email: "ana@example.com", PasswordHash: "h", Active: true})
	require.NoError(t, err)
	require.NoError(t, st.AssignRole(ctx, analyst, store.RoleAnalyst))

	viewer, err := st.CreateUser(ctx, &store.User{Username: "vik", Email: "vik@example.com", PasswordHash: "h", Active: true})
	require.NoError(t, err)
	require.NoError(t, st.AssignRole(ctx, viewer, store.RoleViewer))

	vectors := vector.NewMemoryStore()
	require.NoError(t, vectors.EnsureCollection(ctx, "test_chunks", 3))

	svc, err := New(Config{Collection: "test_chunks", DefaultThreshold: 0.1}, st, vectors,
		&fixedEmbedder{vectors: map[string][]float32{}}, nil, nil)
	require.NoError(t, err)

	return &fixture{svc: svc, store: st, vectors: vectors, analyst: analyst, viewer: viewer}
}

// seedChunk indexes one chunk with a given vector and sensitivity.
func (f *fixture) seedChunk(t *testing.T, idx int, text, sensitivity, title string, vec []float32) string {
	t.Helper()
	ctx := context.Background()
	vectorID := fmt.Sprintf("vec-%d", idx)

	require.NoError(t, f.store.InsertChunk(ctx, &store.KnowledgeChunk{
		JobID:          "job-1",
		SourceType:     "markdown",
		SourceLocation: "docs/runbook.md",
		ChunkText:      text,
		ChunkIndex:     idx,
		VectorID:       vectorID,
		Metadata:       map[string]any{"sensitivity": sensitivity, "title": title, "origin": "docs/runbook.md"},
	}))
	require.NoError(t, f.vectors.Upsert(ctx, "test_chunks", []vector.Point{{
		ID:     vectorID,
		Vector: vec,
		Payload: map[string]any{
			"sensitivity": sensitivity,
			"source_type": "markdown",
			"origin":      "docs/runbook.md",
		},
	}}))
	return vectorID
}

func TestSearchSensitivityGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// closest first by cosine against the query vector {1,0,0}
	f.seedChunk(t, 0, "public deploy notes", store.SensitivityPublic, "Deploy", []float32{1, 0, 0})
	f.seedChunk(t, 1, "internal incident report", store.SensitivityInternal, "Incident", []float32{0.9, 0.1, 0})
	f.seedChunk(t, 2, "restricted board minutes", store.SensitivityRestricted, "Board", []float32{0.8, 0.2, 0})

	// analyst: public + internal, never restricted
	results, err := f.svc.Search(ctx, f.analyst, Query{Text: "deploy", K: 10})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "public deploy notes", results[0].Text)
	assert.Equal(t, "internal incident report", results[1].Text)
	// ranks are contiguous after filtering
	assert.Equal(t, 1, results[0].Rank)
	assert.Equal(t, 2, results[1].Rank)

	// viewer: public only
	results, err = f.svc.Search(ctx, f.viewer, Query{Text: "deploy", K: 10})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "public deploy notes", results[0].Text)
	assert.Equal(t, 1, results[0].Rank)
}

func TestSearchThresholdAndK(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedChunk(t, 0, "close match", store.SensitivityPublic, "A", []float32{1, 0, 0})
	f.seedChunk(t, 1, "weak match", store.SensitivityPublic, "B", []float32{0, 1, 0})

	results, err := f.svc.Search(ctx, f.viewer, Query{Text: "q", K: 10, Threshold: 0.5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "close match", results[0].Text)

	f.seedChunk(t, 2, "another", store.SensitivityPublic, "C", []float32{0.9, 0.1, 0})
	results, err = f.svc.Search(ctx, f.viewer, Query{Text: "q", K: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestSimilarToExcludesSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedChunk(t, 0, "first note", store.SensitivityPublic, "A", []float32{1, 0, 0})
	f.seedChunk(t, 1, "second note", store.SensitivityPublic, "B", []float32{0.95, 0.05, 0})

	source, err := f.store.GetChunkByVectorID(ctx, "vec-0")
	require.NoError(t, err)

	results, err := f.svc.SimilarTo(ctx, f.viewer, source.ID, Query{K: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "second note", results[0].Text)
	assert.Equal(t, 1, results[0].Rank)
}

func TestSuggest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedChunk(t, 0, "a", store.SensitivityPublic, "Deploy guide", []float32{1, 0, 0})
	f.seedChunk(t, 1, "b", store.SensitivityPublic, "Deploy checklist", []float32{0, 1, 0})
	f.seedChunk(t, 2, "c", store.SensitivityPublic, "Rollback guide", []float32{0, 0, 1})

	titles, err := f.svc.Suggest(ctx, "dep", 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Deploy guide", "Deploy checklist"}, titles)

	titles, err = f.svc.Suggest(ctx, "   ", 10)
	require.NoError(t, err)
	assert.Empty(t, titles)
}

func TestDeleteByCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedChunk(t, 0, "a", store.SensitivityPublic, "A", []float32{1, 0, 0})
	f.seedChunk(t, 1, "b", store.SensitivityPublic, "B", []float32{0, 1, 0})

	n, err := f.svc.DeleteBy(ctx, f.analyst, "markdown", "docs/runbook.md")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	results, err := f.svc.Search(ctx, f.analyst, Query{Text: "q", K: 10})
	require.NoError(t, err)
	assert.Empty(t, results)

	points, err := f.vectors.Get(ctx, "test_chunks", []string{"vec-0", "vec-1"})
	require.NoError(t, err)
	assert.Empty(t, points)
}
