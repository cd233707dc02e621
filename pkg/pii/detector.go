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

package pii

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
)

// pattern couples a compiled regex with its entity type and confidence.
type pattern struct {
	entityType EntityType
	re         *regexp.Regexp
	confidence float64
	enterprise bool
}

// The built-in regex layer. Order matters only for equal-length overlaps;
// overlap resolution prefers the longer match, then the earlier pattern.
var builtinPatterns = []pattern{
	{TypePrivateKey, regexp.MustCompile(`-----BEGIN (?:[A-Z]+ )?PRIVATE KEY-----`), 0.99, false},
	{TypeAccessKey, regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`), 0.95, false},
	{TypeEmail, regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`), 0.95, false},
	{TypeURL, regexp.MustCompile(`\bhttps?://[^\s<>"']+`), 0.9, false},
	{TypeUUID, regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`), 0.9, false},
	{TypeSSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), 0.85, false},
	{TypeCreditCard, regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`), 0.7, false},
	{TypePhone, regexp.MustCompile(`\b(?:\+?\d{1,3}[\s\-.]?)?(?:\(\d{2,4}\)[\s\-.]?)?\d{3}[\s\-.]\d{3,4}[\s\-.]?\d{0,4}\b`), 0.6, false},
	{TypeIPv4, regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`), 0.85, false},
	{TypeFilePath, regexp.MustCompile(`\b[A-Za-z]:\\(?:[^\\/:*?"<>|\r\n\s]+\\)*[^\\/:*?"<>|\r\n\s]*`), 0.8, false},
	{TypeAPIKey, regexp.MustCompile(`\b[A-Za-z0-9]{32,}\b`), 0.5, false},

	{TypeEmployeeID, regexp.MustCompile(`\bEMP\d+\b`), 0.9, true},
	{TypeTicketID, regexp.MustCompile(`\b[A-Z]{2,5}-\d+\b`), 0.8, true},
	{TypeServerName, regexp.MustCompile(`\b[a-z]+-[a-z]+-\d{2,3}\b`), 0.7, true},
	{TypeDBName, regexp.MustCompile(`\b[a-z]+_db_[a-z0-9]+\b`), 0.8, true},
}

// Detector finds entity spans in text. Safe for concurrent use; custom
// pattern registration is guarded.
type Detector struct {
	mu         sync.RWMutex
	patterns   []pattern
	recognizer Recognizer
}

// NewDetector creates a detector with the built-in catalog.
// enterprise enables the employee/ticket/server/db patterns.
func NewDetector(enterprise bool) *Detector {
	pats := make([]pattern, 0, len(builtinPatterns))
	for _, p := range builtinPatterns {
		if p.enterprise && !enterprise {
			continue
		}
		pats = append(pats, p)
	}
	return &Detector{patterns: pats}
}

// SetRecognizer attaches an optional NER layer.
func (d *Detector) SetRecognizer(r Recognizer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recognizer = r
}

// AddPattern registers a custom pattern at runtime.
func (d *Detector) AddPattern(name string, expr string, category EntityType) error {
	if name == "" {
		return fmt.Errorf("pattern name cannot be empty")
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("invalid pattern %q: %w", name, err)
	}
	if category == "" {
		category = EntityType(name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.patterns = append(d.patterns, pattern{entityType: category, re: re, confidence: 0.8})
	return nil
}

// Detect returns all non-overlapping entity matches in text, ordered by
// position. When spans overlap the longer match wins; ties go to the
// higher-confidence pattern.
func (d *Detector) Detect(text string) []Match {
	d.mu.RLock()
	patterns := d.patterns
	recognizer := d.recognizer
	d.mu.RUnlock()

	var raw []Match
	for _, p := range patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			raw = append(raw, Match{
				Type:       p.entityType,
				Start:      loc[0],
				End:        loc[1],
				Confidence: p.confidence,
				Span:       text[loc[0]:loc[1]],
			})
		}
	}

	if recognizer != nil {
		raw = append(raw, recognizer.Recognize(text)...)
	}

	return resolveOverlaps(raw)
}

// resolveOverlaps keeps the longest match per overlapping region.
func resolveOverlaps(matches []Match) []Match {
	if len(matches) == 0 {
		return nil
	}

	sort.Slice(matches, func(i, j int) bool {
		li, lj := matches[i].End-matches[i].Start, matches[j].End-matches[j].Start
		if li != lj {
			return li > lj
		}
		return matches[i].Confidence > matches[j].Confidence
	})

	var kept []Match
	for _, m := range matches {
		overlaps := false
		for _, k := range kept {
			if m.Start < k.End && k.Start < m.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, m)
		}
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}
