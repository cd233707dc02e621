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

package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MartinT518/Analyst-copilot-sub000/pkg/chunker"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/parsers"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/pii"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/store"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/vector"
)

// fakeEmbedder returns deterministic vectors and can be made to fail.
type fakeEmbedder struct {
	fail  bool
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("embedding backend down")
	}
	v := make([]float32, 4)
	for i, r := range text {
		v[i%4] += float32(r)
	}
	return v, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
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

func (f *fakeEmbedder) Dimension() int    { return 4 }
func (f *fakeEmbedder) ModelName() string { return "fake-embedder" }
func (f *fakeEmbedder) Close() error      { return nil }

func newTestCoordinator(t *testing.T, embedder *fakeEmbedder) (*Coordinator, *store.Store, *vector.MemoryStore) {
	t.Helper()
	db, err := sql.Open("sqlite3", "file:"+t.TempDir()+"/ingest.db")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := store.NewWithDB(db, "sqlite3")
	require.NoError(t, st.Migrate(context.Background()))

	vectors := vector.NewMemoryStore()

	ch, err := chunker.New(chunker.Config{MaxChunkSize: 200, MinChunkSize: 10, OverlapSize: 20})
	require.NoError(t, err)

	processor, err := pii.NewProcessor(pii.Config{Mode: pii.ModeRedact}, pii.NewDetector(false))
	require.NoError(t, err)

	coord, err := New(Config{
		Workers:          1,
		BatchSize:        4,
		EmbedAttempts:    2,
		EmbedBackoffBase: time.Millisecond,
		EmbedBackoffMax:  2 * time.Millisecond,
		Collection:       "test_chunks",
	}, Deps{
		Store:    st,
		Vectors:  vectors,
		Embedder: embedder,
		Parsers:  parsers.NewRegistry(nil),
		Chunker:  ch,
		PII:      processor,
	})
	require.NoError(t, err)
	require.NoError(t, vectors.EnsureCollection(context.Background(), "test_chunks", 4))
	return coord, st, vectors
}

func pasteJob(t *testing.T, st *store.Store, content string) string {
	t.Helper()
	id, err := st.CreateJob(context.Background(), &store.IngestJob{
		SourceType:  string(parsers.SourcePaste),
		Origin:      "paste",
		Sensitivity: store.SensitivityInternal,
		Uploader:    "user-1",
		Metadata:    map[string]any{"content": content, "title": "Incident notes"},
	})
	require.NoError(t, err)
	return id
}

func TestProcessJobHappyPath(t *testing.T) {
	embedder := &fakeEmbedder{}
	coord, st, vectors := newTestCoordinator(t, embedder)
	ctx := context.Background()

	content := "The database failover ran clean. Contact alice@example.com for the " +
		"postmortem. Replica lag stayed under two seconds during the switch."
	jobID := pasteJob(t, st, content)

	require.NoError(t, coord.ProcessJob(ctx, jobID))

	job, err := st.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, job.Status)
	assert.Greater(t, job.ChunksCreated, 0)

	chunks, err := st.ListChunksByJob(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, chunks, job.ChunksCreated)
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.ChunkIndex)
		assert.Equal(t, "fake-embedder", chunk.EmbeddingModel)
		assert.NotContains(t, chunk.ChunkText, "alice@example.com")
		assert.True(t, chunk.Redacted)
		assert.Contains(t, chunk.PIITypes, "email")
		assert.Equal(t, "internal", chunk.Metadata["sensitivity"])

		// every row is backed by an indexed vector
		points, err := vectors.Get(ctx, "test_chunks", []string{chunk.VectorID})
		require.NoError(t, err)
		require.Len(t, points, 1)
		assert.Equal(t, "internal", points[0].Payload["sensitivity"])
	}
}

func TestProcessJobIdempotentResume(t *testing.T) {
	embedder := &fakeEmbedder{}
	coord, st, _ := newTestCoordinator(t, embedder)
	ctx := context.Background()

	jobID := pasteJob(t, st, "A short note about the deployment pipeline and its rollback steps.")
	require.NoError(t, coord.ProcessJob(ctx, jobID))

	job, err := st.GetJob(ctx, jobID)
	require.NoError(t, err)
	firstCount := job.ChunksCreated
	firstCalls := embedder.calls

	// re-running the whole job must not duplicate chunks or re-embed
	require.NoError(t, st.RetryJob(ctx, jobID))
	require.NoError(t, coord.ProcessJob(ctx, jobID))

	total, err := st.CountChunksByJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, firstCount, total)
	assert.Equal(t, firstCalls, embedder.calls)

	// chunks_created still reflects the persisted rows even though the
	// second run skipped every chunk
	job, err = st.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, total, job.ChunksCreated)
	assert.Positive(t, job.ChunksCreated)
}

func TestProcessJobEmbeddingFailureDropsChunksNotJob(t *testing.T) {
	embedder := &fakeEmbedder{fail: true}
	coord, st, _ := newTestCoordinator(t, embedder)
	ctx := context.Background()

	jobID := pasteJob(t, st, "Notes that will never make it into the index.")
	require.NoError(t, coord.ProcessJob(ctx, jobID))

	job, err := st.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, job.Status)
	assert.Equal(t, 0, job.ChunksCreated)

	warnings, ok := job.Metadata["warnings"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, warnings)
	assert.Contains(t, fmt.Sprint(warnings[0]), "embedding failed")

	// each chunk burned the full retry budget
	assert.GreaterOrEqual(t, embedder.calls, 2)
}

func TestProcessJobSecurityViolation(t *testing.T) {
	embedder := &fakeEmbedder{}
	coord, st, _ := newTestCoordinator(t, embedder)
	ctx := context.Background()

	hostile := `<?xml version="1.0"?><!DOCTYPE lolz [<!ENTITY lol "x">]><pages><page><title>t</title><content>&lol;</content></page></pages>`
	jobID, err := st.CreateJob(ctx, &store.IngestJob{
		SourceType:  string(parsers.SourceWikiXML),
		Origin:      "export.xml",
		Sensitivity: store.SensitivityInternal,
		Uploader:    "user-1",
		Metadata:    map[string]any{"content": hostile},
	})
	require.NoError(t, err)

	require.Error(t, coord.ProcessJob(ctx, jobID))

	job, err := st.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, job.Status)
	assert.NotEmpty(t, job.ErrorMessage)

	events, err := st.ListSecurityEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ingest.security_violation", events[0].EventType)
}

func TestProcessJobMissingInput(t *testing.T) {
	embedder := &fakeEmbedder{}
	coord, st, _ := newTestCoordinator(t, embedder)
	ctx := context.Background()

	jobID, err := st.CreateJob(ctx, &store.IngestJob{
		SourceType:  string(parsers.SourcePaste),
		Origin:      "nowhere",
		Sensitivity: store.SensitivityPublic,
		Uploader:    "user-1",
	})
	require.NoError(t, err)

	require.Error(t, coord.ProcessJob(ctx, jobID))
	job, err := st.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, job.Status)
}
