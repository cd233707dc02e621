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

package parsers

import (
	"context"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// PasteParser wraps freeform pasted text into a single document.
type PasteParser struct{}

// NewPasteParser creates a paste parser.
func NewPasteParser() *PasteParser {
	return &PasteParser{}
}

func (p *PasteParser) SourceType() SourceType {
	return SourcePaste
}

const pasteTitleLimit = 80

func (p *PasteParser) Parse(ctx context.Context, input Input, metadata map[string]any) (DocumentIterator, error) {
	rc, err := input.open()
	if err != nil {
		return nil, fmt.Errorf("failed to open paste input: %w", err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read paste input: %w", err)
	}

	warn := &warnings{}
	content := string(raw)
	if !utf8.ValidString(content) {
		warn.add("paste contains invalid UTF-8, bytes replaced")
		content = strings.ToValidUTF8(content, "�")
	}
	if strings.TrimSpace(content) == "" {
		warn.add("paste is empty")
		return newSliceIterator(nil, warn), nil
	}

	title := ""
	if metadata != nil {
		if t, ok := metadata["title"].(string); ok {
			title = strings.TrimSpace(t)
		}
	}
	if title == "" {
		title = firstLineTitle(content)
	}

	doc := &ParsedDocument{
		Title:    title,
		Content:  content,
		Metadata: map[string]any{"length": len(content)},
	}
	return newSliceIterator([]*ParsedDocument{doc}, warn), nil
}

// firstLineTitle derives a title from the first non-empty line, truncated on
// a rune boundary.
func firstLineTitle(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) > pasteTitleLimit {
			runes := []rune(line)
			return string(runes[:pasteTitleLimit]) + "..."
		}
		return line
	}
	return "Pasted Text"
}
