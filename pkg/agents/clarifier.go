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
	"fmt"
	"strings"
	"time"

	"github.com/MartinT518/Analyst-copilot-sub000/pkg/audit"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/llms"
)

// Question kinds and importance levels the clarifier may emit.
var (
	questionKinds = map[string]bool{
		"requirement": true, "constraint": true, "scope": true,
		"stakeholder": true, "technical": true, "business": true,
		"timeline": true, "integration": true, "data": true, "security": true,
	}
	questionImportance = map[string]bool{
		"critical": true, "high": true, "medium": true, "low": true,
	}
)

// Question is one clarification the analyst should answer.
type Question struct {
	ID               string   `json:"id"`
	Text             string   `json:"text"`
	Kind             string   `json:"kind"`
	Importance       string   `json:"importance"`
	SuggestedAnswers []string `json:"suggested_answers,omitempty"`
	Context          string   `json:"context,omitempty"`
}

// ClarifierPayload is the clarifier stage output variant.
type ClarifierPayload struct {
	Questions       []Question `json:"questions"`
	AnalysisSummary string     `json:"analysis_summary"`
	IdentifiedGaps  []string   `json:"identified_gaps"`
	Assumptions     []string   `json:"assumptions"`
}

// ClarifierConfig tunes the clarifier stage.
type ClarifierConfig struct {
	MaxQuestions int     `yaml:"max_questions" mapstructure:"max_questions"`
	Temperature  float64 `yaml:"temperature" mapstructure:"temperature"`
}

// SetDefaults fills zero values with working defaults.
func (c *ClarifierConfig) SetDefaults() {
	if c.MaxQuestions <= 0 {
		c.MaxQuestions = 7
	}
	if c.Temperature == 0 {
		c.Temperature = 0.2
	}
}

// Clarifier analyses a raw request and surfaces the questions that must
// be answered before synthesis can start.
type Clarifier struct {
	cfg   ClarifierConfig
	collb Collaborators
}

// NewClarifier builds the clarifier stage.
func NewClarifier(cfg ClarifierConfig, collb Collaborators) (*Clarifier, error) {
	if err := collb.validate(); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	return &Clarifier{cfg: cfg, collb: collb}, nil
}

func (c *Clarifier) Name() string { return StageClarifier }

const clarifierSystemPrompt = `You are a senior business analyst reviewing an incoming change request.
Identify what is ambiguous, missing or contradictory, and produce targeted clarification questions.
Respond with a single JSON object:
{
  "questions": [{"id": "q1", "text": "...", "kind": "requirement|constraint|scope|stakeholder|technical|business|timeline|integration|data|security", "importance": "critical|high|medium|low", "suggested_answers": ["..."], "context": "..."}],
  "analysis_summary": "...",
  "identified_gaps": ["..."],
  "assumptions": ["..."]
}
Ask only questions whose answers materially change the solution. Never repeat information already present in the request or the knowledge context.`

// Run analyses the request and emits clarification questions.
func (c *Clarifier) Run(ctx context.Context, in Input) (*StageOutput, error) {
	if strings.TrimSpace(in.UserRequest) == "" {
		return nil, fmt.Errorf("%w: user request is empty", ErrMissingPrerequisite)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Request:\n%s\n", in.UserRequest)
	if kc := knowledgeContext(in.Shared); kc != "" {
		fmt.Fprintf(&b, "\nKnowledge context:\n%s", kc)
	}
	fmt.Fprintf(&b, "\nAsk at most %d questions.", c.cfg.MaxQuestions)

	var payload ClarifierPayload
	opts := &llms.Options{Temperature: c.cfg.Temperature, JSONMode: true}
	if err := invokeJSON(ctx, c.collb.LLM, clarifierSystemPrompt, b.String(), opts, &payload); err != nil {
		return nil, err
	}
	c.normalize(&payload)

	confidence := c.confidence(in, &payload)
	out := &StageOutput{
		StageKind:      StageClarifier,
		RequestID:      in.RequestID,
		Confidence:     confidence,
		ConfidenceBand: Band(confidence),
		Reasoning:      payload.AnalysisSummary,
		GeneratedAt:    time.Now().UTC(),
		Payload:        payload,
	}
	if c.collb.Chain != nil {
		c.collb.Chain.MustAppend(ctx, audit.Record{
			Action:       "workflow.stage_complete",
			UserID:       in.UserID,
			ResourceType: "workflow_execution",
			ResourceID:   in.RequestID,
			Details: map[string]any{
				"stage":      StageClarifier,
				"questions":  len(payload.Questions),
				"confidence": confidence,
			},
			Severity: audit.SeverityLow,
		})
	}
	return out, nil
}

// normalize repairs model sloppiness: missing ids, unknown enum values,
// question counts above the configured maximum.
func (c *Clarifier) normalize(p *ClarifierPayload) {
	if len(p.Questions) > c.cfg.MaxQuestions {
		p.Questions = p.Questions[:c.cfg.MaxQuestions]
	}
	for i := range p.Questions {
		q := &p.Questions[i]
		if q.ID == "" {
			q.ID = fmt.Sprintf("q%d", i+1)
		}
		if !questionKinds[q.Kind] {
			q.Kind = "requirement"
		}
		if !questionImportance[q.Importance] {
			q.Importance = "medium"
		}
	}
}

// confidence blends request clarity, knowledge availability, question
// load and domain-context presence into one score.
func (c *Clarifier) confidence(in Input, p *ClarifierPayload) float64 {
	clarity := clamp01(float64(len(strings.Fields(in.UserRequest))) / 40)
	knowledge := 0.0
	if items, ok := in.Shared[KeyKnowledgeContext].([]any); ok {
		knowledge = clamp01(float64(len(items)) / 5)
	}
	load := 1 - clamp01(float64(len(p.Questions))/float64(c.cfg.MaxQuestions))
	domain := 0.0
	if dc, ok := in.Shared["domain_context"].(string); ok && dc != "" {
		domain = 1.0
	} else if knowledge > 0 {
		domain = 0.5
	}
	return 0.35*clarity + 0.25*knowledge + 0.25*load + 0.15*domain
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
