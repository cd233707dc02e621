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

// Package workflow executes directed graphs of agent stages with durable
// checkpoints, suspension for user input, timeouts and retry.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MartinT518/Analyst-copilot-sub000/pkg/agents"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/audit"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/search"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/store"
)

// Workflow types.
const (
	TypeFull              = "full"
	TypeClarificationOnly = "clarification_only"
	TypeSynthesisOnly     = "synthesis_only"
	TypeTaskGeneration    = "task_generation"
	TypeVerificationOnly  = "verification_only"
)

// StageRetrieveContext is the engine-implemented pseudo-stage that pulls
// knowledge context from semantic search before the agent stages run.
const StageRetrieveContext = "retrieve_context"

// graphs maps each workflow type onto its ordered stage list. The
// conditional suspension edge after the clarifier is handled by the
// engine, not encoded here.
var graphs = map[string][]string{
	TypeFull:              {StageRetrieveContext, agents.StageClarifier, agents.StageSynthesizer, agents.StageTaskmaster, agents.StageVerifier},
	TypeClarificationOnly: {StageRetrieveContext, agents.StageClarifier},
	TypeSynthesisOnly:     {agents.StageSynthesizer},
	TypeTaskGeneration:    {StageRetrieveContext, agents.StageClarifier, agents.StageSynthesizer, agents.StageTaskmaster},
	TypeVerificationOnly:  {agents.StageVerifier},
}

// Graph returns the ordered stage list for a workflow type.
func Graph(workflowType string) ([]string, bool) {
	g, ok := graphs[workflowType]
	return g, ok
}

// Types lists the supported workflow types.
func Types() []string {
	return []string{TypeFull, TypeClarificationOnly, TypeSynthesisOnly, TypeTaskGeneration, TypeVerificationOnly}
}

// Metrics receives engine-level measurements. Implementations must be
// safe for concurrent use.
type Metrics interface {
	WorkflowFinished(workflowType, status string)
	StageDuration(stage string, d time.Duration)
}

// Config tunes the workflow engine.
type Config struct {
	Workers          int           `yaml:"workers" mapstructure:"workers"`
	MaxConcurrent    int64         `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	StageTimeout     time.Duration `yaml:"stage_timeout" mapstructure:"stage_timeout"`
	WorkflowTimeout  time.Duration `yaml:"workflow_timeout" mapstructure:"workflow_timeout"`
	StageAttempts    int           `yaml:"stage_attempts" mapstructure:"stage_attempts"`
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base" mapstructure:"retry_backoff_base"`
	RetryBackoffMax  time.Duration `yaml:"retry_backoff_max" mapstructure:"retry_backoff_max"`
	PollInterval     time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	ContextK         int           `yaml:"context_k" mapstructure:"context_k"`
}

// SetDefaults fills zero values with working defaults.
func (c *Config) SetDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = 5 * time.Minute
	}
	if c.WorkflowTimeout <= 0 {
		c.WorkflowTimeout = 30 * time.Minute
	}
	if c.StageAttempts <= 0 {
		c.StageAttempts = 3
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = time.Second
	}
	if c.RetryBackoffMax <= 0 {
		c.RetryBackoffMax = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ContextK <= 0 {
		c.ContextK = 8
	}
}

// Deps are the engine's collaborators.
type Deps struct {
	Store   *store.Store
	Stages  map[string]agents.Stage
	Search  *search.Service
	Chain   *audit.Chain
	Metrics Metrics
	Logger  *slog.Logger
}

// Engine schedules and runs workflow executions.
type Engine struct {
	cfg     Config
	store   *store.Store
	stages  map[string]agents.Stage
	search  *search.Service
	chain   *audit.Chain
	metrics Metrics
	logger  *slog.Logger
	sem     *semaphore.Weighted

	mu      sync.Mutex
	runCtx  context.Context
	cancels map[string]func()
}

// New builds a workflow engine. Every agent stage named by a graph must
// be present in deps.Stages.
func New(cfg Config, deps Deps) (*Engine, error) {
	cfg.SetDefaults()
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	for _, g := range graphs {
		for _, name := range g {
			if name == StageRetrieveContext {
				continue
			}
			if _, ok := deps.Stages[name]; !ok {
				return nil, fmt.Errorf("stage %q is not registered", name)
			}
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:     cfg,
		store:   deps.Store,
		stages:  deps.Stages,
		search:  deps.Search,
		chain:   deps.Chain,
		metrics: deps.Metrics,
		logger:  logger,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		cancels: make(map[string]func()),
	}, nil
}

// StageSet wires the four standard agent stages into the map the engine
// expects.
func StageSet(clarifier, synthesizer, taskmaster, verifier agents.Stage) map[string]agents.Stage {
	return map[string]agents.Stage{
		agents.StageClarifier:   clarifier,
		agents.StageSynthesizer: synthesizer,
		agents.StageTaskmaster:  taskmaster,
		agents.StageVerifier:    verifier,
	}
}

func (e *Engine) registerCancel(id string, cancel func()) {
	e.mu.Lock()
	e.cancels[id] = cancel
	e.mu.Unlock()
}

func (e *Engine) unregisterCancel(id string) {
	e.mu.Lock()
	delete(e.cancels, id)
	e.mu.Unlock()
}

func (e *Engine) cancelInFlight(id string) {
	e.mu.Lock()
	cancel := e.cancels[id]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) auditAppend(ctx context.Context, rec audit.Record) {
	if e.chain != nil {
		e.chain.MustAppend(ctx, rec)
	}
}
