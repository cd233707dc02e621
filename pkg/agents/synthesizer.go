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
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/search"
)

// DocumentSection is one titled block of a synthesized document.
type DocumentSection struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Kind    string `json:"kind"`
	Order   int    `json:"order"`
}

// Document is a structured analysis artifact (as-is or to-be).
type Document struct {
	Title            string            `json:"title"`
	ExecutiveSummary string            `json:"executive_summary"`
	Sections         []DocumentSection `json:"sections"`
}

// SynthesizerPayload is the synthesizer stage output variant.
type SynthesizerPayload struct {
	AsIsDocument           Document `json:"as_is_document"`
	ToBeDocument           Document `json:"to_be_document"`
	GapAnalysis            []string `json:"gap_analysis"`
	ImplementationApproach string   `json:"implementation_approach"`
	RisksAndMitigation     []string `json:"risks_and_mitigation"`
}

// SynthesizerConfig tunes the synthesizer stage.
type SynthesizerConfig struct {
	SearchK     int     `yaml:"search_k" mapstructure:"search_k"`
	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// SetDefaults fills zero values with working defaults.
func (c *SynthesizerConfig) SetDefaults() {
	if c.SearchK <= 0 {
		c.SearchK = 8
	}
	if c.Temperature == 0 {
		c.Temperature = 0.3
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
}

// Synthesizer turns a clarified request into as-is and to-be documents
// with a gap analysis between them.
type Synthesizer struct {
	cfg   SynthesizerConfig
	collb Collaborators
}

// NewSynthesizer builds the synthesizer stage.
func NewSynthesizer(cfg SynthesizerConfig, collb Collaborators) (*Synthesizer, error) {
	if err := collb.validate(); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	return &Synthesizer{cfg: cfg, collb: collb}, nil
}

func (s *Synthesizer) Name() string { return StageSynthesizer }

const synthesizerSystemPrompt = `You are a senior solution architect. From the request, the clarification answers and the knowledge context, write an as-is analysis of the current state and a to-be design of the target state.
Respond with a single JSON object:
{
  "as_is_document": {"title": "...", "executive_summary": "...", "sections": [{"id": "s1", "title": "...", "content": "...", "kind": "overview|process|system|data|constraint", "order": 1}]},
  "to_be_document": {"title": "...", "executive_summary": "...", "sections": [...]},
  "gap_analysis": ["..."],
  "implementation_approach": "...",
  "risks_and_mitigation": ["..."]
}
Ground every claim in the provided material; state assumptions explicitly inside the relevant section.`

// Run synthesizes the analysis documents, pulling fresh knowledge from
// semantic search before the LLM call.
func (s *Synthesizer) Run(ctx context.Context, in Input) (*StageOutput, error) {
	if strings.TrimSpace(in.UserRequest) == "" {
		return nil, fmt.Errorf("%w: user request is empty", ErrMissingPrerequisite)
	}

	retrieved := s.retrieve(ctx, in)

	var b strings.Builder
	fmt.Fprintf(&b, "Request:\n%s\n", in.UserRequest)
	if ans := userAnswers(in.Shared); ans != "" {
		fmt.Fprintf(&b, "\nClarification answers:\n%s", ans)
	}
	if kc := knowledgeContext(in.Shared); kc != "" {
		fmt.Fprintf(&b, "\nKnowledge context:\n%s", kc)
	}
	if retrieved != "" {
		fmt.Fprintf(&b, "\nAdditional references:\n%s", retrieved)
	}

	var payload SynthesizerPayload
	opts := &llms.Options{Temperature: s.cfg.Temperature, MaxTokens: s.cfg.MaxTokens, JSONMode: true}
	if err := invokeJSON(ctx, s.collb.LLM, synthesizerSystemPrompt, b.String(), opts, &payload); err != nil {
		return nil, err
	}
	if payload.ToBeDocument.Title == "" && len(payload.ToBeDocument.Sections) == 0 {
		return nil, &PermanentError{Err: fmt.Errorf("synthesizer produced no to_be_document")}
	}
	normalizeDocument(&payload.AsIsDocument)
	normalizeDocument(&payload.ToBeDocument)

	confidence := s.confidence(in, &payload)
	out := &StageOutput{
		StageKind:      StageSynthesizer,
		RequestID:      in.RequestID,
		Confidence:     confidence,
		ConfidenceBand: Band(confidence),
		Reasoning:      payload.ImplementationApproach,
		GeneratedAt:    time.Now().UTC(),
		Payload:        payload,
	}
	if s.collb.Chain != nil {
		s.collb.Chain.MustAppend(ctx, audit.Record{
			Action:       "workflow.stage_complete",
			UserID:       in.UserID,
			ResourceType: "workflow_execution",
			ResourceID:   in.RequestID,
			Details: map[string]any{
				"stage":      StageSynthesizer,
				"gaps":       len(payload.GapAnalysis),
				"confidence": confidence,
			},
			Severity: audit.SeverityLow,
		})
	}
	return out, nil
}

// retrieve runs a semantic search for the request. Search failures are
// logged, not fatal: synthesis degrades to the context already gathered.
func (s *Synthesizer) retrieve(ctx context.Context, in Input) string {
	if s.collb.Search == nil {
		return ""
	}
	results, err := s.collb.Search.Search(ctx, in.UserID, search.Query{Text: in.UserRequest, K: s.cfg.SearchK})
	if err != nil {
		s.collb.logger().Warn("synthesizer search failed", "request_id", in.RequestID, "error", err)
		return ""
	}
	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "[%d] (%s) %s\n", r.Rank, r.SourceType, r.Text)
	}
	return b.String()
}

func (s *Synthesizer) confidence(in Input, p *SynthesizerPayload) float64 {
	base := 0.5
	if len(p.AsIsDocument.Sections) > 0 {
		base += 0.15
	}
	if len(p.ToBeDocument.Sections) > 0 {
		base += 0.15
	}
	if len(p.GapAnalysis) > 0 {
		base += 0.1
	}
	if _, ok := in.Shared[KeyUserAnswers]; ok {
		base += 0.1
	}
	return clamp01(base)
}

// normalizeDocument assigns section ids and a contiguous order where the
// model left them blank.
func normalizeDocument(d *Document) {
	for i := range d.Sections {
		sec := &d.Sections[i]
		if sec.ID == "" {
			sec.ID = fmt.Sprintf("s%d", i+1)
		}
		if sec.Order == 0 {
			sec.Order = i + 1
		}
	}
}
