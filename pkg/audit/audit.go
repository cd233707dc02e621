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

// Package audit provides the immutable hash-linked audit chain.
//
// Every privileged action, knowledge access and PII operation is recorded as
// an Entry. Entries are linked by previous_hash so that any mutation of a
// stored entry is detectable at that entry or its successor.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Severity classifies an audit entry.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Well-known action tokens. Actions are namespaced "area.verb" strings;
// callers may record actions outside this list.
const (
	ActionIngestStart       = "ingest.start"
	ActionIngestComplete    = "ingest.complete"
	ActionIngestFail        = "ingest.fail"
	ActionIngestRetry       = "ingest.retry"
	ActionIngestDelete      = "ingest.delete"
	ActionSearchQuery       = "search.query"
	ActionSearchExport      = "search.export"
	ActionAuthLogin         = "auth.login"
	ActionAuthLoginFailed   = "auth.login_failed"
	ActionAuthLogout        = "auth.logout"
	ActionAPIKeyCreate      = "auth.api_key_create"
	ActionAPIKeyRevoke      = "auth.api_key_revoke"
	ActionPIIDetected       = "pii.detected"
	ActionSecurityViolation = "security.violation"
	ActionWorkflowStart     = "workflow.start"
	ActionWorkflowResume    = "workflow.resume"
	ActionWorkflowComplete  = "workflow.complete"
	ActionWorkflowFail      = "workflow.fail"
	ActionWorkflowCancel    = "workflow.cancel"
	ActionExportCreate      = "export.create"
)

// Entry is one audit chain node. ID is assigned by the store and is strictly
// monotonic in insertion order.
type Entry struct {
	ID           int64          `json:"id"`
	Action       string         `json:"action"`
	UserID       string         `json:"user_id,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Severity     Severity       `json:"severity"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	PreviousHash string         `json:"previous_hash,omitempty"`
	Hash         string         `json:"hash"`
	CreatedAt    time.Time      `json:"created_at"`
}

// canonicalEntry fixes the field order and representation used for hashing.
// Field order here is the canonical order; encoding/json emits struct fields
// in declaration order with no insignificant whitespace.
type canonicalEntry struct {
	Action       string          `json:"action"`
	UserID       string          `json:"user_id"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Details      json.RawMessage `json:"details"`
	Severity     string          `json:"severity"`
	IPAddress    string          `json:"ip_address"`
	UserAgent    string          `json:"user_agent"`
	PreviousHash string          `json:"previous_hash"`
	CreatedAt    string          `json:"created_at"`
}

// ComputeHash returns the hex SHA-256 of the entry's canonical JSON.
// The stored ID is not part of the hash input; everything else is.
func ComputeHash(e *Entry) (string, error) {
	details, err := canonicalDetails(e.Details)
	if err != nil {
		return "", err
	}

	canonical := canonicalEntry{
		Action:       e.Action,
		UserID:       e.UserID,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Details:      details,
		Severity:     string(e.Severity),
		IPAddress:    e.IPAddress,
		UserAgent:    e.UserAgent,
		PreviousHash: e.PreviousHash,
		CreatedAt:    e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}

	data, err := json.Marshal(canonical)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalDetails serializes the details map with sorted keys.
// encoding/json sorts map keys, so a plain marshal is canonical.
func canonicalDetails(details map[string]any) (json.RawMessage, error) {
	if details == nil {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(details)
}

// VerifyResult reports the outcome of a chain verification pass.
type VerifyResult struct {
	Valid    bool     `json:"valid"`
	Total    int      `json:"total"`
	Verified int      `json:"verified"`
	Errors   []string `json:"errors,omitempty"`
}
