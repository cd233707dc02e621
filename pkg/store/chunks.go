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

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// KnowledgeChunk is one indexed semantic unit.
type KnowledgeChunk struct {
	ID               string
	JobID            string
	SourceType       string
	SourceLocation   string
	ChunkText        string
	ChunkIndex       int
	Metadata         map[string]any
	EmbeddingModel   string
	EmbeddingVersion string
	VectorID         string
	Sensitive        bool
	Redacted         bool
	PIITypes         []string
	CreatedAt        time.Time
}

// InsertChunk persists one chunk. Duplicate (job_id, chunk_index) pairs are
// reported as ErrConflict so re-runs can skip persisted work.
func (s *Store) InsertChunk(ctx context.Context, chunk *KnowledgeChunk) error {
	if chunk.ID == "" {
		chunk.ID = uuid.NewString()
	}
	if chunk.CreatedAt.IsZero() {
		chunk.CreatedAt = time.Now().UTC()
	}

	metadata, err := marshalJSON(chunk.Metadata)
	if err != nil {
		return err
	}
	piiTypes, err := marshalJSON(chunk.PIITypes)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO knowledge_chunks
			(id, job_id, source_type, source_location, chunk_text, chunk_index,
			 metadata, embedding_model, embedding_version, vector_id,
			 sensitive, redacted, pii_types, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		chunk.ID, nullable(chunk.JobID), chunk.SourceType, nullable(chunk.SourceLocation),
		chunk.ChunkText, chunk.ChunkIndex, metadata, nullable(chunk.EmbeddingModel),
		nullable(chunk.EmbeddingVersion), chunk.VectorID, chunk.Sensitive,
		chunk.Redacted, piiTypes, chunk.CreatedAt)
	if err != nil {
		if isDuplicateError(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert chunk: %w", err)
	}
	return nil
}

func isDuplicateError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

// GetChunk loads one chunk by id.
func (s *Store) GetChunk(ctx context.Context, id string) (*KnowledgeChunk, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(chunkSelect+` WHERE id = ?`), id)
	return scanChunk(row)
}

// GetChunkByVectorID loads the chunk owning a vector.
func (s *Store) GetChunkByVectorID(ctx context.Context, vectorID string) (*KnowledgeChunk, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(chunkSelect+` WHERE vector_id = ?`), vectorID)
	return scanChunk(row)
}

// ChunkExists reports whether (jobID, chunkIndex) is already persisted.
func (s *Store) ChunkExists(ctx context.Context, jobID string, chunkIndex int) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT 1 FROM knowledge_chunks WHERE job_id = ? AND chunk_index = ?`),
		jobID, chunkIndex).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check chunk: %w", err)
	}
	return true, nil
}

// CountChunksByJob returns the persisted chunk count for a job.
func (s *Store) CountChunksByJob(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM knowledge_chunks WHERE job_id = ?`), jobID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

const chunkSelect = `SELECT id, job_id, source_type, source_location, chunk_text, chunk_index,
	metadata, embedding_model, embedding_version, vector_id, sensitive, redacted,
	pii_types, created_at
	FROM knowledge_chunks`

func scanChunk(row rowScanner) (*KnowledgeChunk, error) {
	var c KnowledgeChunk
	var jobID, sourceLocation, metadata, model, version, piiTypes sql.NullString
	err := row.Scan(&c.ID, &jobID, &c.SourceType, &sourceLocation, &c.ChunkText,
		&c.ChunkIndex, &metadata, &model, &version, &c.VectorID, &c.Sensitive,
		&c.Redacted, &piiTypes, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan chunk: %w", err)
	}
	c.JobID = jobID.String
	c.SourceLocation = sourceLocation.String
	c.EmbeddingModel = model.String
	c.EmbeddingVersion = version.String
	c.Metadata = unmarshalMap(metadata)
	c.PIITypes = unmarshalStrings(piiTypes)
	return &c, nil
}

// ListChunksByJob returns a job's chunks in chunk_index order.
func (s *Store) ListChunksByJob(ctx context.Context, jobID string) ([]*KnowledgeChunk, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		chunkSelect+` WHERE job_id = ? ORDER BY chunk_index ASC`), jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*KnowledgeChunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// DeleteChunksBy removes chunks matching source type and origin and returns
// the vector ids of the deleted rows so the caller can cascade to the index.
func (s *Store) DeleteChunksBy(ctx context.Context, sourceType, origin string) ([]string, error) {
	var vectorIDs []string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.rebind(
			`SELECT vector_id FROM knowledge_chunks
			 WHERE source_type = ? AND metadata LIKE ?`),
			sourceType, `%"origin":"`+origin+`"%`)
		if err != nil {
			return fmt.Errorf("failed to select chunks for delete: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan vector id: %w", err)
			}
			vectorIDs = append(vectorIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, s.rebind(
			`DELETE FROM knowledge_chunks WHERE source_type = ? AND metadata LIKE ?`),
			sourceType, `%"origin":"`+origin+`"%`)
		if err != nil {
			return fmt.Errorf("failed to delete chunks: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vectorIDs, nil
}

// DeleteChunksByJob removes a job's chunks and returns their vector ids.
func (s *Store) DeleteChunksByJob(ctx context.Context, jobID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT vector_id FROM knowledge_chunks WHERE job_id = ?`), jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to select chunks for delete: %w", err)
	}
	var vectorIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan vector id: %w", err)
		}
		vectorIDs = append(vectorIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM knowledge_chunks WHERE job_id = ?`), jobID); err != nil {
		return nil, fmt.Errorf("failed to delete chunks: %w", err)
	}
	return vectorIDs, nil
}

// TitlesByPrefix returns distinct document titles starting with prefix,
// feeding search suggestions.
func (s *Store) TitlesByPrefix(ctx context.Context, prefix string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	// Titles live in the metadata JSON; a LIKE over the serialized field is
	// portable across all three dialects.
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT DISTINCT metadata FROM knowledge_chunks WHERE metadata LIKE ? LIMIT ?`),
		`%"title":"`+escapeLike(prefix)+`%`, limit*5)
	if err != nil {
		return nil, fmt.Errorf("failed to query titles: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var titles []string
	for rows.Next() {
		var metadata sql.NullString
		if err := rows.Scan(&metadata); err != nil {
			return nil, fmt.Errorf("failed to scan metadata: %w", err)
		}
		m := unmarshalMap(metadata)
		title, _ := m["title"].(string)
		if title == "" || !strings.HasPrefix(strings.ToLower(title), strings.ToLower(prefix)) {
			continue
		}
		if !seen[title] {
			seen[title] = true
			titles = append(titles, title)
			if len(titles) >= limit {
				break
			}
		}
	}
	return titles, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
