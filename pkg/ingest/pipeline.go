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
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MartinT518/Analyst-copilot-sub000/pkg/httpclient"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/parsers"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/store"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/vector"
)

type pipelineResult struct {
	chunksCreated int
	warnings      []string
	piiCounts     map[string]int
}

// pendingChunk is one chunk waiting for embed+index. Index is job-wide, so
// resuming a job continues the sequence where the last run stopped.
type pendingChunk struct {
	index    int
	text     string
	metadata map[string]any
	redacted bool
	piiTypes []string

	vector   []float32
	vectorID string
	skip     bool
	embedErr error
}

func (c *Coordinator) runPipeline(ctx context.Context, job *store.IngestJob) (*pipelineResult, error) {
	input, err := jobInput(job)
	if err != nil {
		return nil, err
	}

	iterator, err := c.parsers.Parse(ctx, parsers.SourceType(job.SourceType), input, job.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to open parser: %w", err)
	}
	defer iterator.Close()

	result := &pipelineResult{piiCounts: make(map[string]int)}
	mode := c.cfg.PIIMode
	if mode == "" {
		mode = c.pii.Mode()
	}

	var batch []*pendingChunk
	chunkIndex := 0
	for {
		doc, err := iterator.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse failed: %w", err)
		}

		processed, matches := c.pii.Process(doc.Content, mode)
		docTypes := make(map[string]bool)
		for _, m := range matches {
			result.piiCounts[string(m.Type)]++
			docTypes[string(m.Type)] = true
		}

		chunks, err := c.chunker.Chunk(processed)
		if err != nil {
			return nil, fmt.Errorf("chunking failed for %q: %w", doc.Title, err)
		}

		for _, chunk := range chunks {
			metadata := chunkRowMetadata(job, doc, chunk.Metadata.HeadingTitle)
			metadata["chunk_size"] = chunk.Metadata.ChunkSize
			metadata["word_count"] = chunk.Metadata.WordCount
			if chunk.Metadata.TokenCount > 0 {
				metadata["token_count"] = chunk.Metadata.TokenCount
			}

			batch = append(batch, &pendingChunk{
				index:    chunkIndex,
				text:     chunk.Text,
				metadata: metadata,
				redacted: len(matches) > 0,
				piiTypes: sortedKeys(docTypes),
			})
			chunkIndex++

			// bounded queue: a full batch must clear downstream before
			// parsing continues
			if len(batch) >= c.cfg.BatchSize {
				if err := c.flushBatch(ctx, job, batch, result); err != nil {
					return nil, err
				}
				batch = batch[:0]
			}
		}
	}
	if len(batch) > 0 {
		if err := c.flushBatch(ctx, job, batch, result); err != nil {
			return nil, err
		}
	}

	result.warnings = append(result.warnings, iterator.Warnings()...)
	return result, nil
}

// flushBatch embeds a batch concurrently, upserts the vectors, then inserts
// chunk rows in index order. Already-persisted indexes are skipped so a
// retried job resumes instead of duplicating.
func (c *Coordinator) flushBatch(ctx context.Context, job *store.IngestJob, batch []*pendingChunk, result *pipelineResult) error {
	for _, chunk := range batch {
		exists, err := c.store.ChunkExists(ctx, job.ID, chunk.index)
		if err != nil {
			return fmt.Errorf("failed to check chunk %d: %w", chunk.index, err)
		}
		chunk.skip = exists
	}

	g, embedCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.ChunkConcurrency)
	for _, chunk := range batch {
		if chunk.skip {
			continue
		}
		g.Go(func() error {
			embedding, err := c.embedWithRetry(embedCtx, chunk.text)
			if err != nil {
				// persistent embedding failure drops the chunk, not the job
				chunk.embedErr = err
				chunk.skip = true
				return nil
			}
			chunk.vector = embedding
			chunk.vectorID = uuid.NewString()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, chunk := range batch {
		if chunk.embedErr != nil {
			result.warnings = append(result.warnings,
				fmt.Sprintf("chunk %d: embedding failed: %v", chunk.index, chunk.embedErr))
		}
	}

	var points []vector.Point
	for _, chunk := range batch {
		if chunk.skip {
			continue
		}
		points = append(points, vector.Point{
			ID:     chunk.vectorID,
			Vector: chunk.vector,
			Payload: map[string]any{
				"job_id":      job.ID,
				"chunk_index": chunk.index,
				"source_type": job.SourceType,
				"origin":      job.Origin,
				"sensitivity": job.Sensitivity,
				"text":        chunk.text,
			},
		})
	}
	if len(points) > 0 {
		if err := c.vectors.Upsert(ctx, c.cfg.Collection, points); err != nil {
			return fmt.Errorf("vector upsert failed: %w", err)
		}
	}

	// chunk rows are persisted in index order
	for _, chunk := range batch {
		if chunk.skip {
			continue
		}
		row := &store.KnowledgeChunk{
			JobID:          job.ID,
			SourceType:     job.SourceType,
			SourceLocation: job.Origin,
			ChunkText:      chunk.text,
			ChunkIndex:     chunk.index,
			Metadata:       chunk.metadata,
			EmbeddingModel: c.embedder.ModelName(),
			VectorID:       chunk.vectorID,
			Sensitive:      job.Sensitivity != store.SensitivityPublic,
			Redacted:       chunk.redacted,
			PIITypes:       chunk.piiTypes,
		}
		if err := c.store.InsertChunk(ctx, row); err != nil {
			// either way the upserted vector has no row backing it;
			// compensating delete keeps the index consistent
			if delErr := c.vectors.Delete(ctx, c.cfg.Collection, []string{chunk.vectorID}); delErr != nil {
				c.logger.Warn("failed compensating vector delete", "vector_id", chunk.vectorID, "error", delErr)
			}
			if err == store.ErrConflict {
				continue
			}
			return fmt.Errorf("failed to persist chunk %d: %w", chunk.index, err)
		}
		result.chunksCreated++
	}
	return nil
}

func (c *Coordinator) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.EmbedAttempts; attempt++ {
		start := time.Now()
		embedding, err := c.embedder.Embed(ctx, text)
		if c.metrics != nil {
			c.metrics.EmbeddingLatency(time.Since(start))
		}
		if err == nil {
			return embedding, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == c.cfg.EmbedAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(httpclient.Backoff(c.cfg.EmbedBackoffBase, c.cfg.EmbedBackoffMax, attempt)):
		}
	}
	return nil, fmt.Errorf("embedding failed after %d attempts: %w", c.cfg.EmbedAttempts, lastErr)
}

func jobInput(job *store.IngestJob) (parsers.Input, error) {
	if job.FilePointer != "" {
		return parsers.Input{Path: job.FilePointer, Name: job.Origin, Size: job.ByteSize}, nil
	}
	if content, ok := job.Metadata["content"].(string); ok && content != "" {
		return parsers.Input{
			Reader: strings.NewReader(content),
			Name:   job.Origin,
			Size:   int64(len(content)),
		}, nil
	}
	return parsers.Input{}, fmt.Errorf("job %s has no input: neither file pointer nor inline content", job.ID)
}

func chunkRowMetadata(job *store.IngestJob, doc *parsers.ParsedDocument, headingTitle string) map[string]any {
	metadata := map[string]any{
		"origin":      job.Origin,
		"sensitivity": job.Sensitivity,
		"title":       doc.Title,
	}
	if doc.Author != "" {
		metadata["author"] = doc.Author
	}
	if doc.CreatedAt != nil {
		metadata["document_created_at"] = doc.CreatedAt.Format(time.RFC3339)
	}
	if headingTitle != "" {
		metadata["heading"] = headingTitle
	}
	for k, v := range doc.Metadata {
		if _, taken := metadata[k]; !taken {
			metadata[k] = v
		}
	}
	return metadata
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// securityViolation classifies parser errors that indicate a hostile input
// rather than a broken one.
func securityViolation(err error) string {
	var xmlErr *parsers.XMLSecurityError
	if errors.As(err, &xmlErr) {
		return "xml security: " + xmlErr.Reason
	}
	var pathErr *parsers.PathTraversalError
	if errors.As(err, &pathErr) {
		return "zip path traversal: " + pathErr.Entry
	}
	return ""
}
