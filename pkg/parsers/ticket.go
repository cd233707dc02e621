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
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ticketFields are the canonical columns a ticket export row maps onto.
type ticketFields struct {
	ID          string
	Summary     string
	Description string
	Comments    string
	Reporter    string
	Assignee    string
	Status      string
	Priority    string
	IssueType   string
	Labels      string
	Components  string
	Created     string
}

// headerAliases maps normalized export column names to canonical fields.
var headerAliases = map[string]string{
	"issuekey": "id", "key": "id", "id": "id", "ticketid": "id", "issueid": "id",
	"summary": "summary", "title": "summary",
	"description": "description", "details": "description",
	"comment": "comments", "comments": "comments",
	"reporter": "reporter", "author": "reporter", "createdby": "reporter",
	"assignee": "assignee",
	"status":   "status",
	"priority": "priority",
	"issuetype": "issue_type", "type": "issue_type",
	"labels": "labels", "tags": "labels",
	"components": "components", "component": "components",
	"created": "created", "createddate": "created", "creationdate": "created",
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.NewReplacer(" ", "", "_", "", "-", "").Replace(h)
	return h
}

// TicketParser parses ticket exports: CSV row-by-row, or XLSX via the
// streaming row iterator. One row becomes one document.
type TicketParser struct{}

// NewTicketParser creates a ticket export parser.
func NewTicketParser() *TicketParser {
	return &TicketParser{}
}

func (p *TicketParser) SourceType() SourceType {
	return SourceTicketCSV
}

func (p *TicketParser) Parse(ctx context.Context, input Input, metadata map[string]any) (DocumentIterator, error) {
	if strings.EqualFold(filepath.Ext(input.Name), ".xlsx") ||
		strings.EqualFold(filepath.Ext(input.Path), ".xlsx") {
		return p.parseXLSX(input)
	}
	return p.parseCSV(input)
}

func (p *TicketParser) parseCSV(input Input) (DocumentIterator, error) {
	rc, err := input.open()
	if err != nil {
		return nil, fmt.Errorf("failed to open ticket export: %w", err)
	}

	reader := csv.NewReader(rc)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		rc.Close()
		if err == io.EOF {
			return newSliceIterator(nil, nil), nil
		}
		return nil, fmt.Errorf("malformed CSV header: %w", err)
	}

	columns := make([]string, len(header))
	for i, h := range header {
		columns[i] = headerAliases[normalizeHeader(h)]
	}

	warn := &warnings{}
	rowNum := 1

	pull := func(ctx context.Context) (*ParsedDocument, error) {
		for {
			record, err := reader.Read()
			if err == io.EOF {
				return nil, io.EOF
			}
			if err != nil {
				// Malformed CSV fails the job.
				return nil, fmt.Errorf("malformed CSV at row %d: %w", rowNum+1, err)
			}
			rowNum++

			fields := ticketFields{}
			for i, value := range record {
				if i >= len(columns) {
					break
				}
				assignTicketField(&fields, columns[i], value)
			}

			if fields.ID == "" || fields.Summary == "" {
				warn.add(fmt.Sprintf("row %d skipped: missing id or summary", rowNum))
				continue
			}

			return p.buildDocument(fields, rowNum, warn), nil
		}
	}

	return newFuncIterator(pull, rc.Close, warn), nil
}

func assignTicketField(fields *ticketFields, column, value string) {
	value = strings.TrimSpace(value)
	switch column {
	case "id":
		fields.ID = value
	case "summary":
		fields.Summary = value
	case "description":
		fields.Description = value
	case "comments":
		if fields.Comments != "" {
			fields.Comments += "\n"
		}
		fields.Comments += value
	case "reporter":
		fields.Reporter = value
	case "assignee":
		fields.Assignee = value
	case "status":
		fields.Status = value
	case "priority":
		fields.Priority = value
	case "issue_type":
		fields.IssueType = value
	case "labels":
		fields.Labels = value
	case "components":
		fields.Components = value
	case "created":
		fields.Created = value
	}
}

func (p *TicketParser) buildDocument(fields ticketFields, rowNum int, warn *warnings) *ParsedDocument {
	var b strings.Builder
	writeLabeled := func(label, value string) {
		if value != "" {
			b.WriteString(label)
			b.WriteString(": ")
			b.WriteString(value)
			b.WriteString("\n")
		}
	}

	writeLabeled("Summary", fields.Summary)
	writeLabeled("Type", fields.IssueType)
	writeLabeled("Status", fields.Status)
	writeLabeled("Priority", fields.Priority)
	writeLabeled("Labels", fields.Labels)
	writeLabeled("Components", fields.Components)
	if fields.Description != "" {
		b.WriteString("\nDescription:\n")
		b.WriteString(fields.Description)
		b.WriteString("\n")
	}
	if fields.Comments != "" {
		b.WriteString("\nComments:\n")
		b.WriteString(fields.Comments)
		b.WriteString("\n")
	}

	var createdAt = ParseDate(fields.Created)
	if fields.Created != "" && createdAt == nil {
		warn.add(fmt.Sprintf("row %d: unparseable created date %q", rowNum, fields.Created))
	}

	title := fields.Summary
	if title == "" {
		title = fields.ID
	}

	doc := &ParsedDocument{
		ID:        fields.ID,
		Title:     title,
		Content:   b.String(),
		Author:    fields.Reporter,
		CreatedAt: createdAt,
		Metadata: map[string]any{
			"ticket_id":  fields.ID,
			"status":     fields.Status,
			"priority":   fields.Priority,
			"issue_type": fields.IssueType,
		},
	}
	if fields.Labels != "" {
		doc.Metadata["labels"] = splitList(fields.Labels)
	}
	if fields.Components != "" {
		doc.Metadata["components"] = splitList(fields.Components)
	}
	return doc
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' }) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// parseXLSX streams rows from the first sheet of an Excel ticket export.
func (p *TicketParser) parseXLSX(input Input) (DocumentIterator, error) {
	var f *excelize.File
	var err error
	if input.Path != "" {
		f, err = excelize.OpenFile(input.Path)
	} else {
		f, err = excelize.OpenReader(input.Reader)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open XLSX ticket export: %w", err)
	}

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		f.Close()
		return newSliceIterator(nil, nil), nil
	}

	rows, err := f.Rows(sheets[0])
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read XLSX rows: %w", err)
	}

	var columns []string
	if rows.Next() {
		header, err := rows.Columns()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to read XLSX header: %w", err)
		}
		columns = make([]string, len(header))
		for i, h := range header {
			columns[i] = headerAliases[normalizeHeader(h)]
		}
	}

	warn := &warnings{}
	rowNum := 1

	pull := func(ctx context.Context) (*ParsedDocument, error) {
		for {
			if !rows.Next() {
				return nil, io.EOF
			}
			record, err := rows.Columns()
			if err != nil {
				return nil, fmt.Errorf("failed to read XLSX row %d: %w", rowNum+1, err)
			}
			rowNum++

			fields := ticketFields{}
			for i, value := range record {
				if i >= len(columns) {
					break
				}
				assignTicketField(&fields, columns[i], value)
			}

			if fields.ID == "" || fields.Summary == "" {
				warn.add(fmt.Sprintf("row %d skipped: missing id or summary", rowNum))
				continue
			}
			return p.buildDocument(fields, rowNum, warn), nil
		}
	}

	closeFn := func() error {
		rows.Close()
		return f.Close()
	}
	return newFuncIterator(pull, closeFn, warn), nil
}
