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

// Package pii detects personal and enterprise-sensitive entities in text and
// transforms them according to a configured policy.
package pii

import "fmt"

// Mode selects how detected entities are transformed.
type Mode string

const (
	// ModeRedact replaces each match with "[TYPE_REDACTED]".
	ModeRedact Mode = "redact"

	// ModePseudonymize replaces each match with a stable "TYPE_NNNN" token.
	// The same original value yields the same token within a session.
	ModePseudonymize Mode = "pseudonymize"

	// ModeMask keeps the first and last two characters and stars the middle.
	ModeMask Mode = "mask"
)

// EntityType identifies a detected entity class.
type EntityType string

const (
	TypeEmail      EntityType = "email"
	TypePhone      EntityType = "phone"
	TypeSSN        EntityType = "ssn"
	TypeCreditCard EntityType = "credit_card"
	TypeIPv4       EntityType = "ip_address"
	TypeAPIKey     EntityType = "api_key"
	TypeUUID       EntityType = "uuid"
	TypeURL        EntityType = "url"
	TypeFilePath   EntityType = "file_path"
	TypeAccessKey  EntityType = "cloud_access_key"
	TypePrivateKey EntityType = "private_key"

	// Enterprise patterns.
	TypeEmployeeID EntityType = "employee_id"
	TypeTicketID   EntityType = "ticket_id"
	TypeServerName EntityType = "server_name"
	TypeDBName     EntityType = "db_name"

	// NER-layer entity types.
	TypePerson   EntityType = "person"
	TypeLocation EntityType = "location"
	TypeDate     EntityType = "date"
)

// Match is one detected entity span. Start and End are byte offsets into the
// scanned text, End exclusive.
type Match struct {
	Type       EntityType `json:"type"`
	Start      int        `json:"start"`
	End        int        `json:"end"`
	Confidence float64    `json:"confidence"`
	Span       string     `json:"span"`
}

// Config configures a Processor.
type Config struct {
	Mode Mode `yaml:"mode,omitempty"`

	// EnterprisePatterns toggles the employee/ticket/server/db patterns.
	EnterprisePatterns bool `yaml:"enterprise_patterns,omitempty"`
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.Mode == "" {
		c.Mode = ModeRedact
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeRedact, ModePseudonymize, ModeMask, "":
	default:
		return fmt.Errorf("invalid PII mode: %q", c.Mode)
	}
	return nil
}

// Recognizer is an optional NER layer augmenting the regex catalog with
// person/location/date entities.
type Recognizer interface {
	Recognize(text string) []Match
}

// PseudonymStore maps original values to stable pseudonyms. The default
// implementation is per-process; a cache-backed implementation may be
// injected when the mapping must be shared across workers.
type PseudonymStore interface {
	// Lookup returns the existing pseudonym for the value, if any.
	Lookup(entityType EntityType, value string) (string, bool)

	// Assign stores and returns a pseudonym for the value. Assign must be
	// idempotent: assigning the same value twice returns the same token.
	Assign(entityType EntityType, value string) string

	// Mappings returns a copy of all known value-to-pseudonym pairs.
	Mappings() map[string]string

	// Clear discards all mappings.
	Clear()
}
