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
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// WikiXMLParser reads wiki XML exports. The decoder is hardened: any DTD or
// entity declaration aborts the parse with an XMLSecurityError so entity
// expansion attacks never reach downstream stages.
type WikiXMLParser struct{}

// NewWikiXMLParser creates a wiki XML parser.
func NewWikiXMLParser() *WikiXMLParser {
	return &WikiXMLParser{}
}

func (p *WikiXMLParser) SourceType() SourceType {
	return SourceWikiXML
}

// pageElements are element names treated as page boundaries.
var pageElements = map[string]bool{
	"page":     true,
	"document": true,
	"entry":    true,
}

// isPageElement reports whether an element opens a page. Confluence-style
// exports wrap pages in <object class="Page"> nodes.
func isPageElement(t xml.StartElement) bool {
	name := strings.ToLower(t.Name.Local)
	if pageElements[name] {
		return true
	}
	if name != "object" {
		return false
	}
	for _, attr := range t.Attr {
		if strings.EqualFold(attr.Name.Local, "class") && strings.EqualFold(attr.Value, "Page") {
			return true
		}
	}
	return false
}

// textElements are children whose character data forms the page body.
var textElements = map[string]bool{
	"content": true,
	"text":    true,
	"body":    true,
}

func (p *WikiXMLParser) Parse(ctx context.Context, input Input, metadata map[string]any) (DocumentIterator, error) {
	rc, err := input.open()
	if err != nil {
		return nil, fmt.Errorf("failed to open XML input: %w", err)
	}

	decoder := xml.NewDecoder(rc)
	decoder.Strict = true
	// No entity table: undeclared entities are decode errors.
	decoder.Entity = map[string]string{}

	warn := &warnings{}
	pageIndex := 0

	pull := func(ctx context.Context) (*ParsedDocument, error) {
		for {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			tok, err := decoder.Token()
			if err == io.EOF {
				return nil, io.EOF
			}
			if err != nil {
				if strings.Contains(err.Error(), "entity") {
					return nil, &XMLSecurityError{Reason: "undeclared entity reference"}
				}
				return nil, fmt.Errorf("invalid XML: %w", err)
			}

			switch t := tok.(type) {
			case xml.Directive:
				// <!DOCTYPE ...>, <!ENTITY ...> and friends.
				return nil, &XMLSecurityError{Reason: "document type declarations are not allowed"}
			case xml.StartElement:
				if !isPageElement(t) {
					continue
				}
				doc, err := decodePage(decoder, t)
				if err != nil {
					return nil, err
				}
				if strings.TrimSpace(doc.Content) == "" {
					warn.add(fmt.Sprintf("page %q has no text content, skipped", doc.Title))
					continue
				}
				doc.Metadata = map[string]any{"page_index": pageIndex}
				pageIndex++
				return doc, nil
			}
		}
	}

	return newFuncIterator(pull, rc.Close, warn), nil
}

// decodePage consumes tokens until the matching end element, collecting the
// title and body text from known child elements.
func decodePage(decoder *xml.Decoder, start xml.StartElement) (*ParsedDocument, error) {
	doc := &ParsedDocument{}
	var bodies []string
	depth := 1

	// Attribute-form titles: <page title="...">.
	for _, attr := range start.Attr {
		if strings.EqualFold(attr.Name.Local, "title") {
			doc.Title = attr.Value
		}
	}

	current := ""
	for depth > 0 {
		tok, err := decoder.Token()
		if err != nil {
			return nil, fmt.Errorf("invalid XML: %w", err)
		}
		switch t := tok.(type) {
		case xml.Directive:
			return nil, &XMLSecurityError{Reason: "document type declarations are not allowed"}
		case xml.StartElement:
			depth++
			current = strings.ToLower(t.Name.Local)
		case xml.EndElement:
			depth--
			current = ""
		case xml.CharData:
			text := string(t)
			switch {
			case current == "title" && doc.Title == "":
				doc.Title = strings.TrimSpace(text)
			case current == "name" && doc.Title == "":
				doc.Title = strings.TrimSpace(text)
			case current == "author" && doc.Author == "":
				doc.Author = strings.TrimSpace(text)
			case current == "created" || current == "timestamp" || current == "date":
				if ts := ParseDate(strings.TrimSpace(text)); ts != nil {
					doc.CreatedAt = ts
				}
			case textElements[current]:
				if trimmed := strings.TrimSpace(text); trimmed != "" {
					bodies = append(bodies, trimmed)
				}
			}
		}
	}

	doc.Content = strings.Join(bodies, "\n\n")
	if doc.Title == "" {
		doc.Title = "Untitled Page"
	}
	return doc, nil
}
