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
	"strings"
	"sync"
)

// inProcessStore is the default per-process pseudonym mapping.
type inProcessStore struct {
	mu       sync.Mutex
	byValue  map[string]string // "type:value" -> pseudonym
	counters map[EntityType]int
}

func newInProcessStore() *inProcessStore {
	return &inProcessStore{
		byValue:  make(map[string]string),
		counters: make(map[EntityType]int),
	}
}

func storeKey(entityType EntityType, value string) string {
	return string(entityType) + ":" + value
}

func (s *inProcessStore) Lookup(entityType EntityType, value string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byValue[storeKey(entityType, value)]
	return p, ok
}

func (s *inProcessStore) Assign(entityType EntityType, value string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := storeKey(entityType, value)
	if p, ok := s.byValue[key]; ok {
		return p
	}
	s.counters[entityType]++
	p := fmt.Sprintf("%s_%04d", strings.ToUpper(string(entityType)), s.counters[entityType])
	s.byValue[key] = p
	return p
}

func (s *inProcessStore) Mappings() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.byValue))
	for k, v := range s.byValue {
		out[k] = v
	}
	return out
}

func (s *inProcessStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byValue = make(map[string]string)
	s.counters = make(map[EntityType]int)
}

// Processor applies a PII policy to text.
type Processor struct {
	detector   *Detector
	mode       Mode
	pseudonyms PseudonymStore
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithPseudonymStore injects a shared pseudonym store; used when multiple
// workers must produce consistent pseudonyms.
func WithPseudonymStore(store PseudonymStore) ProcessorOption {
	return func(p *Processor) { p.pseudonyms = store }
}

// NewProcessor creates a policy processor over the detector.
func NewProcessor(cfg Config, detector *Detector, opts ...ProcessorOption) (*Processor, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if detector == nil {
		detector = NewDetector(cfg.EnterprisePatterns)
	}

	p := &Processor{
		detector:   detector,
		mode:       cfg.Mode,
		pseudonyms: newInProcessStore(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Detector exposes the underlying detector (for detect-only callers).
func (p *Processor) Detector() *Detector {
	return p.detector
}

// Mode returns the configured mode.
func (p *Processor) Mode() Mode {
	return p.mode
}

// Detect finds entities without mutating the text.
func (p *Processor) Detect(text string) []Match {
	return p.detector.Detect(text)
}

// Process transforms all detected entities in text according to mode,
// returning the transformed text and the matches that were acted on.
func (p *Processor) Process(text string, mode Mode) (string, []Match) {
	if mode == "" {
		mode = p.mode
	}

	matches := p.detector.Detect(text)
	if len(matches) == 0 {
		return text, nil
	}

	// Replace from the end so earlier offsets stay valid.
	out := text
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		out = out[:m.Start] + p.replacement(m, mode) + out[m.End:]
	}

	return out, matches
}

func (p *Processor) replacement(m Match, mode Mode) string {
	switch mode {
	case ModePseudonymize:
		return p.pseudonyms.Assign(m.Type, m.Span)
	case ModeMask:
		return maskValue(m.Span)
	default:
		return "[" + strings.ToUpper(string(m.Type)) + "_REDACTED]"
	}
}

// maskValue keeps the first two and last two characters and stars the rest.
// Values of four characters or fewer are fully starred.
func maskValue(value string) string {
	runes := []rune(value)
	if len(runes) <= 4 {
		return strings.Repeat("*", len(runes))
	}
	return string(runes[:2]) + strings.Repeat("*", len(runes)-4) + string(runes[len(runes)-2:])
}

// ClearPseudonymMappings discards the session pseudonym state.
func (p *Processor) ClearPseudonymMappings() {
	p.pseudonyms.Clear()
}

// GetPseudonymMappings returns a copy of the session pseudonym state.
func (p *Processor) GetPseudonymMappings() map[string]string {
	return p.pseudonyms.Mappings()
}
