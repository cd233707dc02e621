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

package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MartinT518/Analyst-copilot-sub000/pkg/audit"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/llms"
)

// Task is one implementable unit of work derived from the to-be design.
type Task struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	UserStories     []string `json:"user_stories"`
	TechnicalNotes  []string `json:"technical_notes"`
	EstimatedEffort string   `json:"estimated_effort"`
	Priority        string   `json:"priority"`
	Dependencies    []string `json:"dependencies"`
	Labels          []string `json:"labels"`
	Epic            string   `json:"epic,omitempty"`
}

// TaskmasterPayload is the taskmaster stage output variant.
type TaskmasterPayload struct {
	Tasks                []Task   `json:"tasks"`
	TaskBreakdownSummary string   `json:"task_breakdown_summary"`
	ImplementationPhases []string `json:"implementation_phases"`
	ResourceRequirements string   `json:"resource_requirements"`
	TimelineEstimate     string   `json:"timeline_estimate"`
}

// TaskmasterConfig tunes the taskmaster stage.
type TaskmasterConfig struct {
	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// SetDefaults fills zero values with working defaults.
func (c *TaskmasterConfig) SetDefaults() {
	if c.Temperature == 0 {
		c.Temperature = 0.2
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
}

// Taskmaster breaks the to-be design into an ordered task backlog.
type Taskmaster struct {
	cfg   TaskmasterConfig
	collb Collaborators
}

// NewTaskmaster builds the taskmaster stage.
func NewTaskmaster(cfg TaskmasterConfig, collb Collaborators) (*Taskmaster, error) {
	if err := collb.validate(); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	return &Taskmaster{cfg: cfg, collb: collb}, nil
}

func (t *Taskmaster) Name() string { return StageTaskmaster }

const taskmasterSystemPrompt = `You are a technical delivery lead. Break the to-be design into concrete, independently deliverable tasks.
Respond with a single JSON object:
{
  "tasks": [{"id": "T1", "title": "...", "description": "...", "user_stories": ["As a ..."], "technical_notes": ["..."], "estimated_effort": "3d", "priority": "critical|high|medium|low", "dependencies": ["T0"], "labels": ["backend"], "epic": "..."}],
  "task_breakdown_summary": "...",
  "implementation_phases": ["..."],
  "resource_requirements": "...",
  "timeline_estimate": "..."
}
Every task must trace back to a section of the to-be document. Dependencies reference task ids only.`

// Run derives the task backlog. The synthesizer's to-be document is a
// hard prerequisite.
func (t *Taskmaster) Run(ctx context.Context, in Input) (*StageOutput, error) {
	synth, ok := stageOutputPayload(in.Shared, StageSynthesizer)
	if !ok {
		return nil, fmt.Errorf("%w: taskmaster requires synthesizer output", ErrMissingPrerequisite)
	}
	toBe, ok := synth["to_be_document"].(map[string]any)
	if !ok || len(toBe) == 0 {
		return nil, fmt.Errorf("%w: synthesizer output has no to_be_document", ErrMissingPrerequisite)
	}
	toBeJSON, err := json.MarshalIndent(toBe, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding to_be_document: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Request:\n%s\n", in.UserRequest)
	fmt.Fprintf(&b, "\nTo-be design:\n%s\n", toBeJSON)
	if gaps, ok := synth["gap_analysis"].([]any); ok && len(gaps) > 0 {
		b.WriteString("\nGap analysis:\n")
		for _, g := range gaps {
			fmt.Fprintf(&b, "- %v\n", g)
		}
	}

	var payload TaskmasterPayload
	opts := &llms.Options{Temperature: t.cfg.Temperature, MaxTokens: t.cfg.MaxTokens, JSONMode: true}
	if err := invokeJSON(ctx, t.collb.LLM, taskmasterSystemPrompt, b.String(), opts, &payload); err != nil {
		return nil, err
	}
	if len(payload.Tasks) == 0 {
		return nil, &PermanentError{Err: fmt.Errorf("taskmaster produced no tasks")}
	}
	t.normalize(&payload)

	confidence := t.confidence(&payload)
	out := &StageOutput{
		StageKind:      StageTaskmaster,
		RequestID:      in.RequestID,
		Confidence:     confidence,
		ConfidenceBand: Band(confidence),
		Reasoning:      payload.TaskBreakdownSummary,
		GeneratedAt:    time.Now().UTC(),
		Payload:        payload,
	}
	if t.collb.Chain != nil {
		t.collb.Chain.MustAppend(ctx, audit.Record{
			Action:       "workflow.stage_complete",
			UserID:       in.UserID,
			ResourceType: "workflow_execution",
			ResourceID:   in.RequestID,
			Details: map[string]any{
				"stage":      StageTaskmaster,
				"tasks":      len(payload.Tasks),
				"confidence": confidence,
			},
			Severity: audit.SeverityLow,
		})
	}
	return out, nil
}

func (t *Taskmaster) normalize(p *TaskmasterPayload) {
	known := make(map[string]bool, len(p.Tasks))
	for i := range p.Tasks {
		task := &p.Tasks[i]
		if task.ID == "" {
			task.ID = fmt.Sprintf("T%d", i+1)
		}
		known[task.ID] = true
		switch task.Priority {
		case "critical", "high", "medium", "low":
		default:
			task.Priority = "medium"
		}
	}
	// Drop dangling dependency references the model hallucinated.
	for i := range p.Tasks {
		deps := p.Tasks[i].Dependencies[:0]
		for _, d := range p.Tasks[i].Dependencies {
			if known[d] && d != p.Tasks[i].ID {
				deps = append(deps, d)
			}
		}
		p.Tasks[i].Dependencies = deps
	}
}

func (t *Taskmaster) confidence(p *TaskmasterPayload) float64 {
	base := 0.55
	if len(p.Tasks) >= 3 {
		base += 0.15
	}
	estimated := 0
	for _, task := range p.Tasks {
		if task.EstimatedEffort != "" {
			estimated++
		}
	}
	if len(p.Tasks) > 0 {
		base += 0.2 * float64(estimated) / float64(len(p.Tasks))
	}
	if len(p.ImplementationPhases) > 0 {
		base += 0.1
	}
	return clamp01(base)
}
