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
	"database/sql"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
)

// DBSchemaParser documents database schemas, one document per table. With a
// DSN in the request metadata it introspects a live database; otherwise it
// summarizes CREATE TABLE statements from an uploaded DDL file.
type DBSchemaParser struct {
	// openDB is swapped in tests.
	openDB func(driver, dsn string) (*sql.DB, error)
}

// NewDBSchemaParser creates a database schema parser.
func NewDBSchemaParser() *DBSchemaParser {
	return &DBSchemaParser{openDB: sql.Open}
}

func (p *DBSchemaParser) SourceType() SourceType {
	return SourceDBSchema
}

type columnInfo struct {
	Name     string
	Type     string
	Nullable bool
	Default  string
}

func (p *DBSchemaParser) Parse(ctx context.Context, input Input, metadata map[string]any) (DocumentIterator, error) {
	driver, _ := metadata["driver"].(string)
	dsn, _ := metadata["dsn"].(string)
	if dsn != "" {
		return p.introspect(ctx, driver, dsn)
	}
	return p.parseDDL(input)
}

func (p *DBSchemaParser) introspect(ctx context.Context, driver, dsn string) (DocumentIterator, error) {
	switch driver {
	case "postgres", "mysql", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported schema driver: %q", driver)
	}

	db, err := p.openDB(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open schema connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	tables, err := listColumns(ctx, db, driver)
	if err != nil {
		db.Close()
		return nil, err
	}

	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)

	warn := &warnings{}
	pos := 0
	pull := func(ctx context.Context) (*ParsedDocument, error) {
		if pos >= len(names) {
			return nil, io.EOF
		}
		name := names[pos]
		pos++
		return tableDocument(name, tables[name], "introspection"), nil
	}
	return newFuncIterator(pull, db.Close, warn), nil
}

func listColumns(ctx context.Context, db *sql.DB, driver string) (map[string][]columnInfo, error) {
	tables := make(map[string][]columnInfo)

	if driver == "sqlite3" {
		rows, err := db.QueryContext(ctx,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
		if err != nil {
			return nil, fmt.Errorf("failed to list tables: %w", err)
		}
		var names []string
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan table name: %w", err)
			}
			names = append(names, name)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to list tables: %w", err)
		}

		for _, name := range names {
			cols, err := sqliteColumns(ctx, db, name)
			if err != nil {
				return nil, err
			}
			tables[name] = cols
		}
		return tables, nil
	}

	query := `SELECT table_name, column_name, data_type, is_nullable, COALESCE(column_default, '')
		FROM information_schema.columns
		WHERE table_schema = 'public'
		ORDER BY table_name, ordinal_position`
	if driver == "mysql" {
		query = `SELECT table_name, column_name, data_type, is_nullable, COALESCE(column_default, '')
			FROM information_schema.columns
			WHERE table_schema = DATABASE()
			ORDER BY table_name, ordinal_position`
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list columns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var table, nullable string
		var col columnInfo
		if err := rows.Scan(&table, &col.Name, &col.Type, &nullable, &col.Default); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		col.Nullable = strings.EqualFold(nullable, "YES")
		tables[table] = append(tables[table], col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list columns: %w", err)
	}
	return tables, nil
}

func sqliteColumns(ctx context.Context, db *sql.DB, table string) ([]columnInfo, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()

	var cols []columnInfo
	for rows.Next() {
		var cid, notNull, pk int
		var col columnInfo
		var def sql.NullString
		if err := rows.Scan(&cid, &col.Name, &col.Type, &notNull, &def, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column of %s: %w", table, err)
		}
		col.Nullable = notNull == 0
		col.Default = def.String
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

var createTableRe = regexp.MustCompile(`(?is)CREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?["` + "`" + `]?(\w+)["` + "`" + `]?\s*\((.*?)\)\s*;`)

// parseDDL summarizes CREATE TABLE statements from an uploaded SQL file.
func (p *DBSchemaParser) parseDDL(input Input) (DocumentIterator, error) {
	rc, err := input.open()
	if err != nil {
		return nil, fmt.Errorf("failed to open DDL input: %w", err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read DDL input: %w", err)
	}

	warn := &warnings{}
	matches := createTableRe.FindAllStringSubmatch(string(raw), -1)
	if len(matches) == 0 {
		warn.add("no CREATE TABLE statements found")
		return newSliceIterator(nil, warn), nil
	}

	docs := make([]*ParsedDocument, 0, len(matches))
	for _, m := range matches {
		docs = append(docs, tableDocument(m[1], ddlColumns(m[2]), "ddl"))
	}
	return newSliceIterator(docs, warn), nil
}

// ddlColumns does a rough split of a CREATE TABLE body into column entries,
// ignoring constraint clauses.
func ddlColumns(body string) []columnInfo {
	var cols []columnInfo
	depth := 0
	start := 0
	parts := []string{}
	for i, r := range body {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, body[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, body[start:])

	for _, part := range parts {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) < 2 {
			continue
		}
		head := strings.ToUpper(fields[0])
		if head == "PRIMARY" || head == "FOREIGN" || head == "UNIQUE" ||
			head == "CONSTRAINT" || head == "CHECK" || head == "INDEX" || head == "KEY" {
			continue
		}
		cols = append(cols, columnInfo{
			Name:     strings.Trim(fields[0], "\"`"),
			Type:     fields[1],
			Nullable: !strings.Contains(strings.ToUpper(part), "NOT NULL"),
		})
	}
	return cols
}

func tableDocument(table string, cols []columnInfo, origin string) *ParsedDocument {
	var b strings.Builder
	fmt.Fprintf(&b, "Table: %s\n\nColumns:\n", table)
	for _, col := range cols {
		fmt.Fprintf(&b, "- %s %s", col.Name, col.Type)
		if !col.Nullable {
			b.WriteString(" NOT NULL")
		}
		if col.Default != "" {
			fmt.Fprintf(&b, " DEFAULT %s", col.Default)
		}
		b.WriteString("\n")
	}
	return &ParsedDocument{
		Title:   table,
		Content: b.String(),
		Metadata: map[string]any{
			"table":        table,
			"column_count": len(cols),
			"origin":       origin,
		},
	}
}
