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

// Package parsers turns raw uploads into lazy streams of semantic documents.
//
// Each parser consumes an Input (file path or in-memory bytes) and yields
// ParsedDocuments one at a time so that peak memory stays bounded regardless
// of input size.
package parsers

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/MartinT518/Analyst-copilot-sub000/pkg/registry"
)

// SourceType identifies a supported input format.
type SourceType string

const (
	SourceTicketCSV SourceType = "ticket_csv"
	SourceWikiHTML  SourceType = "wiki_html"
	SourceWikiXML   SourceType = "wiki_xml"
	SourcePDF       SourceType = "pdf"
	SourceMarkdown  SourceType = "markdown"
	SourcePaste     SourceType = "paste"
	SourceCode      SourceType = "code"
	SourceDBSchema  SourceType = "db_schema"
	SourceZip       SourceType = "zip"
	SourceUnknown   SourceType = "unknown"
)

// ParsedDocument is one semantic document produced by a parser.
type ParsedDocument struct {
	ID        string
	Title     string
	Content   string
	Author    string
	CreatedAt *time.Time
	Metadata  map[string]any
}

// Input is the raw material handed to a parser. Exactly one of Path or
// Reader should be set; Name carries the original filename when known.
type Input struct {
	Path   string
	Reader io.Reader
	Name   string
	Size   int64
}

// open returns a reader over the input.
func (in Input) open() (io.ReadCloser, error) {
	if in.Reader != nil {
		return io.NopCloser(in.Reader), nil
	}
	if in.Path == "" {
		return nil, fmt.Errorf("input has neither path nor reader")
	}
	f, err := osOpen(in.Path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// DocumentIterator yields documents lazily. Next returns io.EOF when the
// stream is drained. Close releases underlying resources and is safe to call
// more than once.
type DocumentIterator interface {
	Next(ctx context.Context) (*ParsedDocument, error)
	Close() error

	// Warnings returns non-fatal problems seen so far (skipped rows,
	// unparseable dates, per-page OCR failures).
	Warnings() []string
}

// Parser converts an Input into a document stream.
type Parser interface {
	SourceType() SourceType
	Parse(ctx context.Context, input Input, metadata map[string]any) (DocumentIterator, error)
}

// Registry dispatches to registered parsers by source type.
type Registry struct {
	parsers *registry.Registry[Parser]
}

// NewRegistry creates a registry with all built-in parsers registered.
// ocr may be nil; pdf parsing then skips the OCR fallback with a warning.
func NewRegistry(ocr OCREngine) *Registry {
	r := &Registry{parsers: registry.New[Parser]()}

	builtins := []Parser{
		NewTicketParser(),
		NewWikiHTMLParser(),
		NewWikiXMLParser(),
		NewPDFParser(ocr),
		NewMarkdownParser(),
		NewPasteParser(),
		NewCodeParser(),
		NewDBSchemaParser(),
	}
	for _, p := range builtins {
		if err := r.parsers.Register(string(p.SourceType()), p); err != nil {
			panic(err)
		}
	}

	// The zip parser recurses through the registry for its entries.
	if err := r.parsers.Register(string(SourceZip), NewZipParser(r)); err != nil {
		panic(err)
	}
	return r
}

// Register adds a custom parser.
func (r *Registry) Register(p Parser) error {
	return r.parsers.Register(string(p.SourceType()), p)
}

// Parse dispatches to the parser registered for sourceType.
func (r *Registry) Parse(ctx context.Context, sourceType SourceType, input Input, metadata map[string]any) (DocumentIterator, error) {
	p, ok := r.parsers.Get(string(sourceType))
	if !ok {
		return nil, &UnsupportedSourceTypeError{SourceType: sourceType}
	}
	return p.Parse(ctx, input, metadata)
}

// SourceTypes returns the registered source types.
func (r *Registry) SourceTypes() []string {
	return r.parsers.Names()
}

var extensionTypes = map[string]SourceType{
	".csv":      SourceTicketCSV,
	".xlsx":     SourceTicketCSV,
	".html":     SourceWikiHTML,
	".htm":      SourceWikiHTML,
	".docx":     SourceWikiHTML,
	".xml":      SourceWikiXML,
	".pdf":      SourcePDF,
	".md":       SourceMarkdown,
	".markdown": SourceMarkdown,
	".txt":      SourcePaste,
	".sql":      SourceDBSchema,
	".ddl":      SourceDBSchema,
	".zip":      SourceZip,
	".go":       SourceCode,
	".py":       SourceCode,
	".js":       SourceCode,
	".ts":       SourceCode,
	".java":     SourceCode,
	".rb":       SourceCode,
	".rs":       SourceCode,
}

var mimeTypes = map[string]SourceType{
	"text/csv":         SourceTicketCSV,
	"text/html":        SourceWikiHTML,
	"text/xml":         SourceWikiXML,
	"application/xml":  SourceWikiXML,
	"application/pdf":  SourcePDF,
	"text/markdown":    SourceMarkdown,
	"text/plain":       SourcePaste,
	"application/zip":  SourceZip,
	"application/sql":  SourceDBSchema,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":   SourceTicketCSV,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": SourceWikiHTML,
}

// Detect resolves a source type from a filename extension first and the
// declared content type second. Returns SourceUnknown when both miss.
func Detect(filename, contentType string) SourceType {
	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" {
		if st, ok := extensionTypes[ext]; ok {
			return st
		}
	}

	if contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err == nil {
			if st, ok := mimeTypes[mediaType]; ok {
				return st
			}
		}
	}
	return SourceUnknown
}

// dateFormats is the fixed ordered list tried by ParseDate.
var dateFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02/Jan/2006 15:04",
	"02/Jan/06 3:04 PM",
	"01/02/2006 15:04:05",
	"01/02/2006",
	"02.01.2006 15:04",
	"02.01.2006",
	time.RFC1123,
	time.RFC822,
}

// ParseDate tries the shared format list; it returns nil on miss so callers
// can warn-and-continue.
func ParseDate(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	for _, layout := range dateFormats {
		if t, err := time.Parse(layout, value); err == nil {
			return &t
		}
	}
	return nil
}
