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

// Approval statuses the verifier can assign.
const (
	ApprovalApproved    = "approved"
	ApprovalNeedsReview = "needs_review"
	ApprovalRejected    = "rejected"
)

// Check categories whose failure forces rejection regardless of score.
var blockingCategories = map[string]bool{
	"accuracy": true, "feasibility": true, "compliance": true,
}

// VerificationCheck is one pass/fail probe of the produced artifacts.
type VerificationCheck struct {
	ID          string `json:"id"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Passed      bool   `json:"passed"`
	Details     string `json:"details,omitempty"`
}

// OverallValidation summarizes the verification run.
type OverallValidation struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
	Score    float64  `json:"score"`
}

// VerifierPayload is the verifier stage output variant.
type VerifierPayload struct {
	VerificationChecks []VerificationCheck `json:"verification_checks"`
	ConsistencyChecks  []VerificationCheck `json:"consistency_checks"`
	OverallValidation  OverallValidation   `json:"overall_validation"`
	Recommendations    []string            `json:"recommendations"`
	FlaggedIssues      []string            `json:"flagged_issues"`
	ApprovalStatus     string              `json:"approval_status"`
}

// VerifierConfig tunes the verifier stage.
type VerifierConfig struct {
	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
}

// SetDefaults fills zero values with working defaults.
func (c *VerifierConfig) SetDefaults() {
	if c.Temperature == 0 {
		c.Temperature = 0.1
	}
}

// Verifier audits the upstream artifacts for accuracy, feasibility,
// completeness and internal consistency.
type Verifier struct {
	cfg   VerifierConfig
	collb Collaborators
}

// NewVerifier builds the verifier stage.
func NewVerifier(cfg VerifierConfig, collb Collaborators) (*Verifier, error) {
	if err := collb.validate(); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	return &Verifier{cfg: cfg, collb: collb}, nil
}

func (v *Verifier) Name() string { return StageVerifier }

const verifierSystemPrompt = `You are a quality reviewer auditing an analysis pipeline's output.
Run verification checks in the categories accuracy, feasibility, compliance, completeness and clarity, plus cross-artifact consistency checks.
Respond with a single JSON object:
{
  "verification_checks": [{"id": "v1", "category": "accuracy|feasibility|compliance|completeness|clarity", "description": "...", "passed": true, "details": "..."}],
  "consistency_checks": [{"id": "c1", "category": "consistency", "description": "...", "passed": true, "details": "..."}],
  "overall_validation": {"valid": true, "errors": ["..."], "warnings": ["..."], "score": 0.0},
  "recommendations": ["..."],
  "flagged_issues": ["..."]
}
Score in [0,1]. Be strict: a check passes only when the artifacts demonstrate it.`

// Run verifies whatever upstream artifacts are present in shared data,
// or the raw request when the verifier runs standalone.
func (v *Verifier) Run(ctx context.Context, in Input) (*StageOutput, error) {
	material, err := v.material(in)
	if err != nil {
		return nil, err
	}

	var payload VerifierPayload
	opts := &llms.Options{Temperature: v.cfg.Temperature, JSONMode: true}
	if err := invokeJSON(ctx, v.collb.LLM, verifierSystemPrompt, material, opts, &payload); err != nil {
		return nil, err
	}

	payload.OverallValidation.Score = clamp01(payload.OverallValidation.Score)
	payload.ApprovalStatus = deriveApproval(&payload)
	payload.OverallValidation.Valid = payload.ApprovalStatus == ApprovalApproved

	confidence := payload.OverallValidation.Score
	out := &StageOutput{
		StageKind:      StageVerifier,
		RequestID:      in.RequestID,
		Confidence:     confidence,
		ConfidenceBand: Band(confidence),
		Reasoning:      strings.Join(payload.FlaggedIssues, "; "),
		GeneratedAt:    time.Now().UTC(),
		Payload:        payload,
	}
	if v.collb.Chain != nil {
		severity := audit.SeverityLow
		if payload.ApprovalStatus == ApprovalRejected {
			severity = audit.SeverityMedium
		}
		v.collb.Chain.MustAppend(ctx, audit.Record{
			Action:       "workflow.stage_complete",
			UserID:       in.UserID,
			ResourceType: "workflow_execution",
			ResourceID:   in.RequestID,
			Details: map[string]any{
				"stage":           StageVerifier,
				"approval_status": payload.ApprovalStatus,
				"score":           payload.OverallValidation.Score,
			},
			Severity: severity,
		})
	}
	return out, nil
}

// material assembles the artifacts under review. At least one of the
// upstream outputs or a non-empty request must exist.
func (v *Verifier) material(in Input) (string, error) {
	var b strings.Builder
	if strings.TrimSpace(in.UserRequest) != "" {
		fmt.Fprintf(&b, "Original request:\n%s\n", in.UserRequest)
	}
	found := false
	for _, stage := range []string{StageClarifier, StageSynthesizer, StageTaskmaster} {
		payload, ok := stageOutputPayload(in.Shared, stage)
		if !ok {
			continue
		}
		raw, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encoding %s output: %w", stage, err)
		}
		fmt.Fprintf(&b, "\n%s output:\n%s\n", stage, raw)
		found = true
	}
	if !found && strings.TrimSpace(in.UserRequest) == "" {
		return "", fmt.Errorf("%w: nothing to verify", ErrMissingPrerequisite)
	}
	return b.String(), nil
}

// deriveApproval computes the approval status from the check results.
// The model's own opinion is discarded: a failing check in a blocking
// category rejects outright, otherwise the score decides.
func deriveApproval(p *VerifierPayload) string {
	for _, c := range p.VerificationChecks {
		if !c.Passed && blockingCategories[strings.ToLower(c.Category)] {
			return ApprovalRejected
		}
	}
	score := p.OverallValidation.Score
	switch {
	case score >= 0.8:
		return ApprovalApproved
	case score >= 0.6:
		return ApprovalNeedsReview
	default:
		return ApprovalRejected
	}
}
