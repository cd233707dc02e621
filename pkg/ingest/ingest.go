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

// Package ingest drives ingestion jobs from pending to a terminal status:
// parse, PII-process, chunk, embed, index, persist. Workers pull jobs from
// the store and survive restarts by resuming partially completed jobs.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MartinT518/Analyst-copilot-sub000/pkg/audit"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/chunker"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/embedders"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/parsers"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/pii"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/store"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/vector"
)

// Metrics receives pipeline counters. The observability package provides the
// prometheus-backed implementation; tests pass nil.
type Metrics interface {
	JobProcessed(status string)
	ChunksCreated(n int)
	PIIDetected(entityType string, n int)
	EmbeddingLatency(d time.Duration)
}

// Config tunes the coordinator.
type Config struct {
	// Workers is the number of concurrent job workers.
	Workers int `yaml:"workers" mapstructure:"workers"`

	// ChunkConcurrency caps in-flight embeddings per job.
	ChunkConcurrency int `yaml:"chunk_concurrency" mapstructure:"chunk_concurrency"`

	// BatchSize bounds the parse->embed queue; a full batch must clear the
	// index before parsing continues.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size"`

	// PollInterval is the idle sleep between queue polls.
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`

	// EmbedAttempts is the retry budget for transient embedding failures.
	EmbedAttempts int `yaml:"embed_attempts" mapstructure:"embed_attempts"`

	// EmbedBackoffBase and EmbedBackoffMax shape the retry delays.
	EmbedBackoffBase time.Duration `yaml:"embed_backoff_base" mapstructure:"embed_backoff_base"`
	EmbedBackoffMax  time.Duration `yaml:"embed_backoff_max" mapstructure:"embed_backoff_max"`

	// Collection is the vector collection chunks are indexed into.
	Collection string `yaml:"collection" mapstructure:"collection"`

	// PIIMode overrides the processor's configured mode when set.
	PIIMode pii.Mode `yaml:"pii_mode" mapstructure:"pii_mode"`
}

// SetDefaults applies default configuration values.
func (c *Config) SetDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.ChunkConcurrency <= 0 {
		c.ChunkConcurrency = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.EmbedAttempts <= 0 {
		c.EmbedAttempts = 3
	}
	if c.EmbedBackoffBase <= 0 {
		c.EmbedBackoffBase = time.Second
	}
	if c.EmbedBackoffMax <= 0 {
		c.EmbedBackoffMax = 60 * time.Second
	}
	if c.Collection == "" {
		c.Collection = "acp_chunks"
	}
}

// Coordinator owns the ingestion worker pool.
type Coordinator struct {
	cfg      Config
	store    *store.Store
	vectors  vector.Store
	embedder embedders.Provider
	parsers  *parsers.Registry
	chunker  *chunker.Chunker
	pii      *pii.Processor
	chain    *audit.Chain
	metrics  Metrics
	logger   *slog.Logger
}

// New wires a coordinator. The audit chain and metrics are optional.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	cfg.SetDefaults()
	if deps.Store == nil || deps.Vectors == nil || deps.Embedder == nil {
		return nil, fmt.Errorf("store, vector index and embedder are required")
	}
	if deps.Parsers == nil || deps.Chunker == nil || deps.PII == nil {
		return nil, fmt.Errorf("parser registry, chunker and pii processor are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Coordinator{
		cfg:      cfg,
		store:    deps.Store,
		vectors:  deps.Vectors,
		embedder: deps.Embedder,
		parsers:  deps.Parsers,
		chunker:  deps.Chunker,
		pii:      deps.PII,
		chain:    deps.Chain,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
	}, nil
}

// Deps collects the coordinator's collaborators.
type Deps struct {
	Store    *store.Store
	Vectors  vector.Store
	Embedder embedders.Provider
	Parsers  *parsers.Registry
	Chunker  *chunker.Chunker
	PII      *pii.Processor
	Chain    *audit.Chain
	Metrics  Metrics
	Logger   *slog.Logger
}

// Run starts the worker pool and blocks until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.vectors.EnsureCollection(ctx, c.cfg.Collection, uint64(c.embedder.Dimension())); err != nil {
		return fmt.Errorf("failed to ensure vector collection: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			return c.workerLoop(ctx)
		})
	}
	return g.Wait()
}

func (c *Coordinator) workerLoop(ctx context.Context) error {
	for {
		jobID, err := c.store.NextPendingJob(ctx)
		if err == store.ErrNotFound {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.PollInterval):
				continue
			}
		}
		if err != nil {
			c.logger.Error("failed to poll job queue", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.PollInterval):
				continue
			}
		}

		if err := c.ProcessJob(ctx, jobID); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("job processing failed", "job_id", jobID, "error", err)
		}
	}
}

// ProcessJob runs one job end to end. Losing the acquire race to another
// worker is not an error.
func (c *Coordinator) ProcessJob(ctx context.Context, jobID string) error {
	job, err := c.store.AcquireJob(ctx, jobID)
	if err == store.ErrConflict {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to acquire job: %w", err)
	}

	c.logger.Info("processing job", "job_id", job.ID, "source_type", job.SourceType, "origin", job.Origin)

	result, runErr := c.runPipeline(ctx, job)
	if runErr != nil {
		c.failJob(ctx, job, runErr)
		return runErr
	}

	if len(result.warnings) > 0 {
		metadata := job.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata["warnings"] = result.warnings
		if err := c.store.UpdateJobMetadata(ctx, job.ID, metadata); err != nil {
			c.logger.Warn("failed to record parser warnings", "job_id", job.ID, "error", err)
		}
	}
	if len(result.piiCounts) > 0 {
		if err := c.store.RecordPIIDetections(ctx, job.ID, result.piiCounts); err != nil {
			c.logger.Warn("failed to record pii detections", "job_id", job.ID, "error", err)
		}
		c.auditAppend(ctx, audit.Record{
			Action:       audit.ActionPIIDetected,
			UserID:       job.Uploader,
			ResourceType: "ingest_job",
			ResourceID:   job.ID,
			Severity:     audit.SeverityMedium,
			Details:      piiDetails(result.piiCounts),
		})
		if c.metrics != nil {
			for entity, n := range result.piiCounts {
				c.metrics.PIIDetected(entity, n)
			}
		}
	}

	// Resumed runs skip chunks persisted by an earlier attempt, so the
	// run-local counter undercounts; the job record carries the total.
	persisted, err := c.store.CountChunksByJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to count persisted chunks: %w", err)
	}
	if err := c.store.CompleteJob(ctx, job.ID, persisted); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	c.auditAppend(ctx, audit.Record{
		Action:       audit.ActionIngestComplete,
		UserID:       job.Uploader,
		ResourceType: "ingest_job",
		ResourceID:   job.ID,
		Severity:     audit.SeverityLow,
		Details: map[string]any{
			"source_type":    job.SourceType,
			"origin":         job.Origin,
			"chunks_created": persisted,
		},
	})
	if c.metrics != nil {
		c.metrics.JobProcessed(store.JobCompleted)
		c.metrics.ChunksCreated(result.chunksCreated)
	}
	c.logger.Info("job completed", "job_id", job.ID, "chunks", persisted)
	return nil
}

func (c *Coordinator) failJob(ctx context.Context, job *store.IngestJob, cause error) {
	if secErr := securityViolation(cause); secErr != "" {
		if err := c.store.RecordSecurityEvent(ctx, &store.SecurityEvent{
			EventType: "ingest.security_violation",
			UserID:    job.Uploader,
			Severity:  "high",
			Details:   map[string]any{"job_id": job.ID, "reason": secErr},
		}); err != nil {
			c.logger.Warn("failed to record security event", "job_id", job.ID, "error", err)
		}
		c.auditAppend(ctx, audit.Record{
			Action:       audit.ActionSecurityViolation,
			UserID:       job.Uploader,
			ResourceType: "ingest_job",
			ResourceID:   job.ID,
			Severity:     audit.SeverityHigh,
			Details:      map[string]any{"reason": secErr},
		})
	}

	if err := c.store.FailJob(ctx, job.ID, cause.Error()); err != nil {
		c.logger.Error("failed to mark job failed", "job_id", job.ID, "error", err)
	}
	c.auditAppend(ctx, audit.Record{
		Action:       audit.ActionIngestFail,
		UserID:       job.Uploader,
		ResourceType: "ingest_job",
		ResourceID:   job.ID,
		Severity:     audit.SeverityMedium,
		Details:      map[string]any{"error": cause.Error()},
	})
	if c.metrics != nil {
		c.metrics.JobProcessed(store.JobFailed)
	}
}

func (c *Coordinator) auditAppend(ctx context.Context, rec audit.Record) {
	if c.chain == nil {
		return
	}
	if _, err := c.chain.Append(ctx, rec); err != nil {
		c.logger.Error("failed to append audit entry", "action", rec.Action, "error", err)
	}
}

func piiDetails(counts map[string]int) map[string]any {
	details := make(map[string]any, len(counts))
	for entity, n := range counts {
		details[entity] = n
	}
	return details
}
