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

// Package agents implements the analyst pipeline stages: clarifier,
// synthesizer, taskmaster and verifier. Each stage turns a shared working
// context into a typed output envelope via a JSON-mode LLM call.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MartinT518/Analyst-copilot-sub000/pkg/audit"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/llms"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/search"
)

// Stage kinds. These double as the shared-data keys under which each
// stage's output is stored.
const (
	StageClarifier   = "clarifier"
	StageSynthesizer = "synthesizer"
	StageTaskmaster  = "taskmaster"
	StageVerifier    = "verifier"
)

// Well-known shared-data keys.
const (
	KeyUserRequest      = "user_request"
	KeyKnowledgeContext = "knowledge_context"
	KeyUserAnswers      = "user_answers"
)

// Confidence bands derived from the numeric confidence score.
const (
	BandHigh    = "high"
	BandMedium  = "medium"
	BandLow     = "low"
	BandVeryLow = "very_low"
)

// ErrMissingPrerequisite marks an input that a stage cannot work without.
// It is permanent: retrying will not make the prerequisite appear.
var ErrMissingPrerequisite = errors.New("agents: missing prerequisite")

// PermanentError wraps a failure that retrying cannot fix, such as a
// schema mismatch after the reformat retry was already spent.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err should fail the workflow without retry.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe) || errors.Is(err, ErrMissingPrerequisite) || errors.Is(err, context.Canceled)
}

// Input is what a stage sees: the originating request plus the shared
// working context accumulated by upstream stages.
type Input struct {
	RequestID   string
	UserID      string
	UserRequest string
	Shared      map[string]any
}

// StageOutput is the common envelope every stage produces. Payload holds
// the stage-specific variant.
type StageOutput struct {
	StageKind      string    `json:"stage_kind"`
	RequestID      string    `json:"request_id"`
	Confidence     float64   `json:"confidence"`
	ConfidenceBand string    `json:"confidence_band"`
	Reasoning      string    `json:"reasoning"`
	GeneratedAt    time.Time `json:"generated_at"`
	Payload        any       `json:"payload"`
}

// AsMap flattens the envelope through JSON so it can live inside the
// execution's shared_data column.
func (o *StageOutput) AsMap() (map[string]any, error) {
	raw, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("encoding stage output: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decoding stage output: %w", err)
	}
	return m, nil
}

// Band maps a confidence score onto its band.
func Band(confidence float64) string {
	switch {
	case confidence >= 0.85:
		return BandHigh
	case confidence >= 0.65:
		return BandMedium
	case confidence >= 0.4:
		return BandLow
	default:
		return BandVeryLow
	}
}

// Stage is one agent step. Run must respect ctx cancellation and return
// a PermanentError (or ErrMissingPrerequisite) for failures that retries
// cannot fix.
type Stage interface {
	Name() string
	Run(ctx context.Context, in Input) (*StageOutput, error)
}

// Collaborators are the shared services stages draw on.
type Collaborators struct {
	LLM    llms.Provider
	Search *search.Service
	Chain  *audit.Chain
	Logger *slog.Logger
}

func (c Collaborators) validate() error {
	if c.LLM == nil {
		return fmt.Errorf("llm provider is required")
	}
	return nil
}

func (c Collaborators) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// invokeJSON runs one JSON-mode completion and decodes the reply into out.
// A malformed reply gets exactly one reformatting retry; a second failure
// is permanent.
func invokeJSON(ctx context.Context, llm llms.Provider, system, user string, opts *llms.Options, out any) error {
	messages := []llms.Message{
		{Role: llms.RoleSystem, Content: system},
		{Role: llms.RoleUser, Content: user},
	}
	resp, err := llm.Chat(ctx, messages, opts)
	if err != nil {
		return fmt.Errorf("llm call: %w", err)
	}
	firstErr := decodeJSONReply(resp.Content, out)
	if firstErr == nil {
		return nil
	}

	messages = append(messages,
		llms.Message{Role: llms.RoleAssistant, Content: resp.Content},
		llms.Message{Role: llms.RoleUser, Content: "Your previous reply was not valid JSON matching the required schema (" + firstErr.Error() + "). Respond again with only the JSON object, no prose and no code fences."},
	)
	resp, err = llm.Chat(ctx, messages, opts)
	if err != nil {
		return fmt.Errorf("llm reformat call: %w", err)
	}
	if err := decodeJSONReply(resp.Content, out); err != nil {
		return &PermanentError{Err: fmt.Errorf("llm reply did not match schema after reformat retry: %w", err)}
	}
	return nil
}

// decodeJSONReply tolerates code fences and leading prose around the
// JSON object, which smaller models emit even in JSON mode.
func decodeJSONReply(content string, out any) error {
	s := strings.TrimSpace(content)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	if i := strings.IndexByte(s, '{'); i > 0 {
		s = s[i:]
	}
	s = strings.TrimSpace(s)
	if err := json.Unmarshal([]byte(s), out); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

// knowledgeContext renders prior search results stored in shared data
// into a prompt block. Returns "" when no context was retrieved.
func knowledgeContext(shared map[string]any) string {
	raw, ok := shared[KeyKnowledgeContext]
	if !ok {
		return ""
	}
	items, ok := raw.([]any)
	if !ok || len(items) == 0 {
		return ""
	}
	var b strings.Builder
	for i, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		text, _ := m["text"].(string)
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "[%d] %s\n", i+1, text)
	}
	return b.String()
}

// userAnswers renders submitted clarification answers for prompts.
func userAnswers(shared map[string]any) string {
	raw, ok := shared[KeyUserAnswers]
	if !ok {
		return ""
	}
	answers, ok := raw.(map[string]any)
	if !ok || len(answers) == 0 {
		return ""
	}
	var b strings.Builder
	for q, a := range answers {
		fmt.Fprintf(&b, "Q %s: %v\n", q, a)
	}
	return b.String()
}

// stageOutputPayload digs a prior stage's payload out of shared data.
func stageOutputPayload(shared map[string]any, stage string) (map[string]any, bool) {
	env, ok := shared[stage].(map[string]any)
	if !ok {
		return nil, false
	}
	payload, ok := env["payload"].(map[string]any)
	return payload, ok
}
