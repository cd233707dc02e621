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

// Package search answers semantic queries over the knowledge base. Every
// query is scoped by the caller's data-access permissions before ranking, so
// two analysts with different grants see different result sets for the same
// query.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MartinT518/Analyst-copilot-sub000/pkg/audit"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/auth"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/embedders"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/store"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/vector"
)

// Config tunes the search service.
type Config struct {
	// Collection is the vector collection queried.
	Collection string `yaml:"collection" mapstructure:"collection"`

	// DefaultK is the result count when the caller does not specify one.
	DefaultK int `yaml:"default_k" mapstructure:"default_k"`

	// MaxK caps the requested result count.
	MaxK int `yaml:"max_k" mapstructure:"max_k"`

	// DefaultThreshold drops hits scoring below it.
	DefaultThreshold float32 `yaml:"default_threshold" mapstructure:"default_threshold"`
}

// SetDefaults applies default configuration values.
func (c *Config) SetDefaults() {
	if c.Collection == "" {
		c.Collection = "acp_chunks"
	}
	if c.DefaultK <= 0 {
		c.DefaultK = 10
	}
	if c.MaxK <= 0 {
		c.MaxK = 100
	}
	if c.DefaultThreshold <= 0 {
		c.DefaultThreshold = 0.3
	}
}

// Result is one ranked hit, hydrated from its chunk row.
type Result struct {
	Rank       int            `json:"rank"`
	ChunkID    string         `json:"chunk_id"`
	VectorID   string         `json:"vector_id"`
	Score      float32        `json:"score"`
	Text       string         `json:"text"`
	SourceType string         `json:"source_type"`
	Origin     string         `json:"origin"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Query is one search request.
type Query struct {
	Text      string
	K         int
	Threshold float32
	Filter    vector.Filter
}

// Service runs queries for authenticated callers.
type Service struct {
	cfg      Config
	store    *store.Store
	vectors  vector.Store
	embedder embedders.Provider
	authz    *auth.Authorizer
	chain    *audit.Chain
	logger   *slog.Logger
}

// New wires a search service. The audit chain is optional.
func New(cfg Config, st *store.Store, vectors vector.Store, embedder embedders.Provider, chain *audit.Chain, logger *slog.Logger) (*Service, error) {
	cfg.SetDefaults()
	if st == nil || vectors == nil || embedder == nil {
		return nil, fmt.Errorf("store, vector index and embedder are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		store:    st,
		vectors:  vectors,
		embedder: embedder,
		authz:    auth.NewAuthorizer(st),
		chain:    chain,
		logger:   logger,
	}, nil
}

// Search embeds the query, runs the vector search, hydrates hits from chunk
// rows, applies the sensitivity gate and assigns ranks after filtering.
func (s *Service) Search(ctx context.Context, callerID string, q Query) ([]Result, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, fmt.Errorf("query text is required")
	}

	embedding, err := s.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	results, err := s.run(ctx, callerID, embedding, q)
	if err != nil {
		return nil, err
	}

	s.auditAppend(ctx, audit.Record{
		Action:       audit.ActionSearchQuery,
		UserID:       callerID,
		ResourceType: "search",
		Severity:     audit.SeverityLow,
		Details: map[string]any{
			"query_length": len(q.Text),
			"result_count": len(results),
		},
	})
	return results, nil
}

// SimilarTo finds chunks near an existing chunk, reusing its stored
// embedding instead of re-embedding the text.
func (s *Service) SimilarTo(ctx context.Context, callerID, chunkID string, q Query) ([]Result, error) {
	chunk, err := s.store.GetChunk(ctx, chunkID)
	if err != nil {
		return nil, err
	}

	points, err := s.vectors.Get(ctx, s.cfg.Collection, []string{chunk.VectorID})
	if err != nil {
		return nil, fmt.Errorf("failed to load stored embedding: %w", err)
	}
	var embedding []float32
	if len(points) > 0 && len(points[0].Vector) > 0 {
		embedding = points[0].Vector
	} else {
		// the index lost the vector; re-embed the stored text
		embedding, err = s.embedder.Embed(ctx, chunk.ChunkText)
		if err != nil {
			return nil, fmt.Errorf("failed to re-embed chunk: %w", err)
		}
	}

	// one extra so the source chunk can be dropped from its own results
	q.K++
	results, err := s.run(ctx, callerID, embedding, q)
	if err != nil {
		return nil, err
	}
	filtered := results[:0]
	rank := 1
	for _, r := range results {
		if r.ChunkID == chunkID {
			continue
		}
		r.Rank = rank
		rank++
		filtered = append(filtered, r)
	}
	return filtered, nil
}

// Suggest returns document titles matching a prefix.
func (s *Service) Suggest(ctx context.Context, prefix string, k int) ([]string, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return nil, nil
	}
	if k <= 0 || k > s.cfg.MaxK {
		k = s.cfg.DefaultK
	}
	return s.store.TitlesByPrefix(ctx, prefix, k)
}

// DeleteBy removes all chunks for a source type and origin, cascading to
// the vector index. Returns the number of chunks removed.
func (s *Service) DeleteBy(ctx context.Context, callerID, sourceType, origin string) (int, error) {
	if sourceType == "" || origin == "" {
		return 0, fmt.Errorf("source type and origin are required")
	}

	vectorIDs, err := s.store.DeleteChunksBy(ctx, sourceType, origin)
	if err != nil {
		return 0, err
	}
	if len(vectorIDs) > 0 {
		if err := s.vectors.Delete(ctx, s.cfg.Collection, vectorIDs); err != nil {
			// rows are gone; log the orphaned vectors rather than failing
			s.logger.Error("failed to delete vectors for removed chunks",
				"source_type", sourceType, "origin", origin, "error", err)
		}
	}

	s.auditAppend(ctx, audit.Record{
		Action:       audit.ActionIngestDelete,
		UserID:       callerID,
		ResourceType: "chunks",
		ResourceID:   origin,
		Severity:     audit.SeverityMedium,
		Details: map[string]any{
			"source_type": sourceType,
			"deleted":     len(vectorIDs),
		},
	})
	return len(vectorIDs), nil
}

func (s *Service) run(ctx context.Context, callerID string, embedding []float32, q Query) ([]Result, error) {
	k := q.K
	if k <= 0 {
		k = s.cfg.DefaultK
	}
	if k > s.cfg.MaxK {
		k = s.cfg.MaxK
	}
	threshold := q.Threshold
	if threshold <= 0 {
		threshold = s.cfg.DefaultThreshold
	}

	perms, err := s.authz.Permissions(ctx, callerID)
	if err != nil {
		return nil, err
	}

	// over-fetch so the sensitivity gate can drop hits without starving the
	// caller of results
	hits, err := s.vectors.Search(ctx, s.cfg.Collection, embedding, k*2, q.Filter)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	var results []Result
	for _, hit := range hits {
		if hit.Score < threshold {
			continue
		}
		chunk, err := s.store.GetChunkByVectorID(ctx, hit.ID)
		if err == store.ErrNotFound {
			// index ahead of the rows; skip the orphan
			continue
		}
		if err != nil {
			return nil, err
		}

		sensitivity, _ := chunk.Metadata["sensitivity"].(string)
		if sensitivity == "" {
			sensitivity = store.SensitivityRestricted
		}
		if !auth.CanViewSensitivity(perms, sensitivity) {
			continue
		}

		results = append(results, Result{
			ChunkID:    chunk.ID,
			VectorID:   chunk.VectorID,
			Score:      hit.Score,
			Text:       chunk.ChunkText,
			SourceType: chunk.SourceType,
			Origin:     chunk.SourceLocation,
			Metadata:   chunk.Metadata,
		})
		if len(results) == k {
			break
		}
	}

	// ranks are assigned after sensitivity filtering
	for i := range results {
		results[i].Rank = i + 1
	}
	return results, nil
}

func (s *Service) auditAppend(ctx context.Context, rec audit.Record) {
	if s.chain == nil {
		return
	}
	if _, err := s.chain.Append(ctx, rec); err != nil {
		s.logger.Error("failed to append audit entry", "action", rec.Action, "error", err)
	}
}
