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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MartinT518/Analyst-copilot-sub000/pkg/llms"
)

// fakeLLM replays scripted replies in order.
type fakeLLM struct {
	replies []string
	calls   int
}

func (f *fakeLLM) Chat(ctx context.Context, messages []llms.Message, opts *llms.Options) (*llms.Response, error) {
	if len(f.replies) == 0 {
		return nil, fmt.Errorf("fake llm: no scripted reply left")
	}
	f.calls++
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return &llms.Response{Content: reply, Model: "fake"}, nil
}

func (f *fakeLLM) ModelName() string { return "fake" }
func (f *fakeLLM) Close() error      { return nil }

const clarifierReply = `{
  "questions": [
    {"text": "Which ticketing system is the source of truth?", "kind": "integration", "importance": "critical"},
    {"text": "What is the rollout deadline?", "kind": "banana", "importance": "urgent"}
  ],
  "analysis_summary": "Request omits the source system and timeline.",
  "identified_gaps": ["source system", "timeline"],
  "assumptions": ["single tenant"]
}`

func TestClarifierNormalizesQuestions(t *testing.T) {
	llm := &fakeLLM{replies: []string{clarifierReply}}
	c, err := NewClarifier(ClarifierConfig{MaxQuestions: 5}, Collaborators{LLM: llm})
	require.NoError(t, err)

	out, err := c.Run(context.Background(), Input{
		RequestID:   "req-1",
		UserID:      "u-1",
		UserRequest: "Migrate the legacy ticket export to the new analytics platform with nightly sync",
	})
	require.NoError(t, err)
	require.Equal(t, StageClarifier, out.StageKind)

	payload, ok := out.Payload.(ClarifierPayload)
	require.True(t, ok)
	require.Len(t, payload.Questions, 2)
	assert.Equal(t, "q1", payload.Questions[0].ID)
	assert.Equal(t, "integration", payload.Questions[0].Kind)
	assert.Equal(t, "requirement", payload.Questions[1].Kind, "unknown kind falls back")
	assert.Equal(t, "medium", payload.Questions[1].Importance, "unknown importance falls back")

	assert.GreaterOrEqual(t, out.Confidence, 0.0)
	assert.LessOrEqual(t, out.Confidence, 1.0)
	assert.Equal(t, Band(out.Confidence), out.ConfidenceBand)
	assert.Equal(t, 1, llm.calls)
}

func TestClarifierReformatRetry(t *testing.T) {
	llm := &fakeLLM{replies: []string{
		"Sure! Here are my thoughts on the request.",
		clarifierReply,
	}}
	c, err := NewClarifier(ClarifierConfig{}, Collaborators{LLM: llm})
	require.NoError(t, err)

	out, err := c.Run(context.Background(), Input{RequestID: "req-2", UserRequest: "Replace the reporting pipeline"})
	require.NoError(t, err)
	assert.Equal(t, 2, llm.calls, "one reformat retry")
	assert.NotEmpty(t, out.Reasoning)
}

func TestClarifierSchemaFailureIsPermanent(t *testing.T) {
	llm := &fakeLLM{replies: []string{"not json", "still not json"}}
	c, err := NewClarifier(ClarifierConfig{}, Collaborators{LLM: llm})
	require.NoError(t, err)

	_, err = c.Run(context.Background(), Input{RequestID: "req-3", UserRequest: "Replace the reporting pipeline"})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 2, llm.calls)
}

func TestClarifierEmptyRequest(t *testing.T) {
	c, err := NewClarifier(ClarifierConfig{}, Collaborators{LLM: &fakeLLM{}})
	require.NoError(t, err)
	_, err = c.Run(context.Background(), Input{RequestID: "req-4", UserRequest: "   "})
	require.ErrorIs(t, err, ErrMissingPrerequisite)
	assert.True(t, IsPermanent(err))
}

func TestSynthesizerRequiresToBeDocument(t *testing.T) {
	llm := &fakeLLM{replies: []string{`{
	  "as_is_document": {"title": "Current state", "sections": [{"title": "Overview", "content": "x"}]},
	  "gap_analysis": ["no target state"]
	}`}}
	s, err := NewSynthesizer(SynthesizerConfig{}, Collaborators{LLM: llm})
	require.NoError(t, err)

	_, err = s.Run(context.Background(), Input{RequestID: "req-5", UserRequest: "Design the new export"})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestSynthesizerHappyPath(t *testing.T) {
	llm := &fakeLLM{replies: []string{`{
	  "as_is_document": {"title": "Current state", "executive_summary": "hand-built CSVs", "sections": [{"title": "Process", "content": "manual", "kind": "process"}]},
	  "to_be_document": {"title": "Target state", "executive_summary": "automated pipeline", "sections": [{"title": "Pipeline", "content": "nightly sync", "kind": "system"}]},
	  "gap_analysis": ["no automation"],
	  "implementation_approach": "incremental cutover",
	  "risks_and_mitigation": ["dual-run both exports for one sprint"]
	}`}}
	s, err := NewSynthesizer(SynthesizerConfig{}, Collaborators{LLM: llm})
	require.NoError(t, err)

	shared := map[string]any{KeyUserAnswers: map[string]any{"q1": "Jira"}}
	out, err := s.Run(context.Background(), Input{RequestID: "req-6", UserRequest: "Automate the export", Shared: shared})
	require.NoError(t, err)

	payload, ok := out.Payload.(SynthesizerPayload)
	require.True(t, ok)
	assert.Equal(t, "Target state", payload.ToBeDocument.Title)
	assert.Equal(t, "s1", payload.ToBeDocument.Sections[0].ID)
	assert.Equal(t, 1, payload.ToBeDocument.Sections[0].Order)
	assert.Equal(t, "incremental cutover", out.Reasoning)
}

func TestTaskmasterRequiresSynthesizerOutput(t *testing.T) {
	tm, err := NewTaskmaster(TaskmasterConfig{}, Collaborators{LLM: &fakeLLM{}})
	require.NoError(t, err)

	_, err = tm.Run(context.Background(), Input{RequestID: "req-7", UserRequest: "Plan the work", Shared: map[string]any{}})
	require.ErrorIs(t, err, ErrMissingPrerequisite)
}

func TestTaskmasterDropsDanglingDependencies(t *testing.T) {
	llm := &fakeLLM{replies: []string{`{
	  "tasks": [
	    {"id": "T1", "title": "Schema", "description": "define schema", "estimated_effort": "2d", "priority": "high"},
	    {"id": "T2", "title": "Pipeline", "description": "build pipeline", "estimated_effort": "5d", "priority": "silly", "dependencies": ["T1", "T9", "T2"]}
	  ],
	  "task_breakdown_summary": "two tasks",
	  "implementation_phases": ["foundation", "delivery"],
	  "resource_requirements": "one backend engineer",
	  "timeline_estimate": "2 weeks"
	}`}}
	tm, err := NewTaskmaster(TaskmasterConfig{}, Collaborators{LLM: llm})
	require.NoError(t, err)

	shared := map[string]any{
		StageSynthesizer: map[string]any{
			"payload": map[string]any{
				"to_be_document": map[string]any{"title": "Target", "sections": []any{}},
			},
		},
	}
	out, err := tm.Run(context.Background(), Input{RequestID: "req-8", UserRequest: "Plan the work", Shared: shared})
	require.NoError(t, err)

	payload, ok := out.Payload.(TaskmasterPayload)
	require.True(t, ok)
	require.Len(t, payload.Tasks, 2)
	assert.Equal(t, []string{"T1"}, payload.Tasks[1].Dependencies, "unknown and self references dropped")
	assert.Equal(t, "medium", payload.Tasks[1].Priority)
}

func verifierReply(score float64, failingCategory string) string {
	passed := "true"
	category := "completeness"
	if failingCategory != "" {
		passed = "false"
		category = failingCategory
	}
	return fmt.Sprintf(`{
	  "verification_checks": [
	    {"id": "v1", "category": "%s", "description": "check", "passed": %s},
	    {"id": "v2", "category": "clarity", "description": "check", "passed": true}
	  ],
	  "consistency_checks": [{"id": "c1", "category": "consistency", "description": "ids line up", "passed": true}],
	  "overall_validation": {"valid": true, "errors": [], "warnings": [], "score": %g},
	  "recommendations": [],
	  "flagged_issues": []
	}`, category, passed, score)
}

func TestVerifierApprovalDerivation(t *testing.T) {
	tests := []struct {
		name            string
		score           float64
		failingCategory string
		want            string
	}{
		{"high score approved", 0.9, "", ApprovalApproved},
		{"boundary approved", 0.8, "", ApprovalApproved},
		{"mid score needs review", 0.7, "", ApprovalNeedsReview},
		{"low score rejected", 0.5, "", ApprovalRejected},
		{"failing accuracy overrides score", 0.95, "accuracy", ApprovalRejected},
		{"failing feasibility overrides score", 0.9, "feasibility", ApprovalRejected},
		{"failing compliance overrides score", 0.85, "compliance", ApprovalRejected},
		{"failing non-blocking category keeps score", 0.85, "", ApprovalApproved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := &fakeLLM{replies: []string{verifierReply(tt.score, tt.failingCategory)}}
			v, err := NewVerifier(VerifierConfig{}, Collaborators{LLM: llm})
			require.NoError(t, err)

			out, err := v.Run(context.Background(), Input{RequestID: "req-9", UserRequest: "Verify the plan"})
			require.NoError(t, err)

			payload, ok := out.Payload.(VerifierPayload)
			require.True(t, ok)
			assert.Equal(t, tt.want, payload.ApprovalStatus)
			assert.Equal(t, payload.ApprovalStatus == ApprovalApproved, payload.OverallValidation.Valid)
		})
	}
}

func TestVerifierNothingToVerify(t *testing.T) {
	v, err := NewVerifier(VerifierConfig{}, Collaborators{LLM: &fakeLLM{}})
	require.NoError(t, err)
	_, err = v.Run(context.Background(), Input{RequestID: "req-10"})
	require.ErrorIs(t, err, ErrMissingPrerequisite)
}

func TestDecodeJSONReplyToleratesFences(t *testing.T) {
	var got map[string]any
	err := decodeJSONReply("Here you go:\n```json\n{\"a\": 1}\n```", &got)
	require.NoError(t, err)
	assert.Equal(t, float64(1), got["a"])

	err = decodeJSONReply("some prose then {\"b\": true}", &got)
	require.NoError(t, err)
	assert.Equal(t, true, got["b"])
}

func TestBand(t *testing.T) {
	assert.Equal(t, BandHigh, Band(0.9))
	assert.Equal(t, BandMedium, Band(0.7))
	assert.Equal(t, BandLow, Band(0.5))
	assert.Equal(t, BandVeryLow, Band(0.1))
}

func TestStageOutputAsMap(t *testing.T) {
	out := &StageOutput{
		StageKind:      StageClarifier,
		RequestID:      "req-11",
		Confidence:     0.7,
		ConfidenceBand: BandMedium,
		Payload:        ClarifierPayload{AnalysisSummary: "ok"},
	}
	m, err := out.AsMap()
	require.NoError(t, err)
	assert.Equal(t, StageClarifier, m["stage_kind"])
	payload, ok := m["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ok", payload["analysis_summary"])
}
