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
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MarkdownParser reads markdown files. YAML front matter feeds document
// metadata; files with two or more top-level headings are split into one
// document per heading.
type MarkdownParser struct{}

// NewMarkdownParser creates a markdown parser.
func NewMarkdownParser() *MarkdownParser {
	return &MarkdownParser{}
}

func (p *MarkdownParser) SourceType() SourceType {
	return SourceMarkdown
}

var topHeadingRe = regexp.MustCompile(`(?m)^#\s+(.+)$`)

func (p *MarkdownParser) Parse(ctx context.Context, input Input, metadata map[string]any) (DocumentIterator, error) {
	rc, err := input.open()
	if err != nil {
		return nil, fmt.Errorf("failed to open markdown input: %w", err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read markdown input: %w", err)
	}

	warn := &warnings{}
	content := string(raw)

	front, body, err := splitFrontMatter(content)
	if err != nil {
		warn.add(fmt.Sprintf("invalid front matter ignored: %v", err))
		body = content
		front = nil
	}

	baseTitle := strings.TrimSuffix(filepath.Base(input.Name), filepath.Ext(input.Name))
	var author string
	var createdAt *time.Time
	if front != nil {
		if t, ok := front["title"].(string); ok && t != "" {
			baseTitle = t
		}
		if a, ok := front["author"].(string); ok {
			author = a
		}
		// yaml.v3 resolves unquoted dates to time.Time already.
		switch d := front["date"].(type) {
		case time.Time:
			createdAt = &d
		case string:
			if createdAt = ParseDate(d); createdAt == nil {
				warn.add(fmt.Sprintf("unparseable front matter date %q", d))
			}
		}
	}

	docs := splitTopHeadings(body, baseTitle)
	for _, doc := range docs {
		doc.Author = author
		doc.CreatedAt = createdAt
		if doc.Metadata == nil {
			doc.Metadata = map[string]any{}
		}
		for k, v := range front {
			if k == "title" || k == "author" || k == "date" {
				continue
			}
			doc.Metadata[k] = v
		}
	}
	return newSliceIterator(docs, warn), nil
}

// splitFrontMatter separates a leading YAML block delimited by --- lines.
func splitFrontMatter(content string) (map[string]any, string, error) {
	if !strings.HasPrefix(content, "---\n") && !strings.HasPrefix(content, "---\r\n") {
		return nil, content, nil
	}
	rest := content[strings.Index(content, "\n")+1:]
	end := regexp.MustCompile(`(?m)^---\s*$`).FindStringIndex(rest)
	if end == nil {
		return nil, content, nil
	}

	var front map[string]any
	if err := yaml.Unmarshal([]byte(rest[:end[0]]), &front); err != nil {
		return nil, content, fmt.Errorf("front matter: %w", err)
	}
	body := rest[end[1]:]
	return front, strings.TrimLeft(body, "\n"), nil
}

// splitTopHeadings returns one document per top-level heading when at least
// two exist, otherwise a single document.
func splitTopHeadings(body, baseTitle string) []*ParsedDocument {
	locs := topHeadingRe.FindAllStringSubmatchIndex(body, -1)
	if len(locs) < 2 {
		return []*ParsedDocument{{
			Title:    baseTitle,
			Content:  body,
			Metadata: map[string]any{"split": "none"},
		}}
	}

	var docs []*ParsedDocument
	if preamble := strings.TrimSpace(body[:locs[0][0]]); preamble != "" {
		docs = append(docs, &ParsedDocument{
			Title:    baseTitle,
			Content:  preamble,
			Metadata: map[string]any{"split": "heading", "section": "preamble"},
		})
	}
	for i, loc := range locs {
		end := len(body)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		title := strings.TrimSpace(body[loc[2]:loc[3]])
		docs = append(docs, &ParsedDocument{
			Title:    title,
			Content:  strings.TrimSpace(body[loc[0]:end]),
			Metadata: map[string]any{"split": "heading", "section_index": i},
		})
	}
	return docs
}
