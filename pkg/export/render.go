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

package export

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"os"
	"strings"
	"time"

	"github.com/MartinT518/Analyst-copilot-sub000/pkg/agents"
)

// csvHeader is the fixed Jira import column set.
var csvHeader = []string{
	"Issue Type", "Summary", "Description", "Priority", "Labels",
	"Components", "Assignee", "Reporter", "Project Key",
}

var jiraPriorities = map[string]string{
	"critical": "Highest",
	"high":     "High",
	"medium":   "Medium",
	"low":      "Low",
}

// render writes one export file and returns its record count.
func (s *Service) render(path, format string, bundle Bundle) (int, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	records, err := s.renderTo(f, format, bundle)
	if err != nil {
		return 0, err
	}
	return records, f.Sync()
}

func (s *Service) renderTo(w io.Writer, format string, bundle Bundle) (int, error) {
	switch format {
	case FormatCSV:
		return s.renderCSV(w, bundle)
	case FormatJSON:
		return renderJSON(w, bundle)
	case FormatMarkdown:
		return renderMarkdown(w, bundle)
	case FormatHTML:
		return renderHTML(w, bundle)
	case FormatZip:
		return s.renderZip(w, bundle)
	default:
		return 0, fmt.Errorf("unsupported export format %q", format)
	}
}

// renderCSV emits one Jira-importable row per task.
func (s *Service) renderCSV(w io.Writer, bundle Bundle) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return 0, err
	}
	for _, task := range bundle.Tasks {
		issueType := "Task"
		if len(task.UserStories) > 0 {
			issueType = "Story"
		}
		priority, ok := jiraPriorities[task.Priority]
		if !ok {
			priority = "Medium"
		}
		row := []string{
			issueType,
			task.Title,
			taskDescription(task),
			priority,
			strings.Join(task.Labels, " "),
			task.Epic,
			"",
			bundle.Reporter,
			s.cfg.ProjectKey,
		}
		if err := cw.Write(row); err != nil {
			return 0, err
		}
	}
	cw.Flush()
	return len(bundle.Tasks), cw.Error()
}

// taskDescription folds stories, notes and dependencies into the single
// Jira description field.
func taskDescription(task agents.Task) string {
	var b strings.Builder
	b.WriteString(task.Description)
	if len(task.UserStories) > 0 {
		b.WriteString("\n\nUser Stories:")
		for _, s := range task.UserStories {
			b.WriteString("\n- " + s)
		}
	}
	if len(task.TechnicalNotes) > 0 {
		b.WriteString("\n\nTechnical Notes:")
		for _, n := range task.TechnicalNotes {
			b.WriteString("\n- " + n)
		}
	}
	if len(task.Dependencies) > 0 {
		b.WriteString("\n\nDepends on: " + strings.Join(task.Dependencies, ", "))
	}
	if task.EstimatedEffort != "" {
		b.WriteString("\n\nEstimated effort: " + task.EstimatedEffort)
	}
	return b.String()
}

func renderJSON(w io.Writer, bundle Bundle) (int, error) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(bundle); err != nil {
		return 0, err
	}
	if n := len(bundle.Tasks); n > 0 {
		return n, nil
	}
	return 1, nil
}

func renderMarkdown(w io.Writer, bundle Bundle) (int, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", bundle.Title)

	for _, key := range []string{"as_is", "to_be"} {
		doc, ok := bundle.Documents[key]
		if !ok || doc.Title == "" {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n", doc.Title)
		if doc.ExecutiveSummary != "" {
			fmt.Fprintf(&b, "\n%s\n", doc.ExecutiveSummary)
		}
		for _, sec := range doc.Sections {
			fmt.Fprintf(&b, "\n### %s\n\n%s\n", sec.Title, sec.Content)
		}
	}

	if len(bundle.Tasks) > 0 {
		b.WriteString("\n## Tasks\n")
		for _, task := range bundle.Tasks {
			fmt.Fprintf(&b, "\n### %s: %s\n\n%s\n", task.ID, task.Title, task.Description)
			if task.Priority != "" {
				fmt.Fprintf(&b, "\n- Priority: %s\n", task.Priority)
			}
			if task.EstimatedEffort != "" {
				fmt.Fprintf(&b, "- Effort: %s\n", task.EstimatedEffort)
			}
			if len(task.Dependencies) > 0 {
				fmt.Fprintf(&b, "- Depends on: %s\n", strings.Join(task.Dependencies, ", "))
			}
			for _, story := range task.UserStories {
				fmt.Fprintf(&b, "- %s\n", story)
			}
		}
	}

	_, err := io.WriteString(w, b.String())
	return len(bundle.Tasks) + len(bundle.Documents), err
}

var htmlTemplate = template.Must(template.New("export").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
{{range $key, $doc := .Documents}}{{if $doc.Title}}
<h2>{{$doc.Title}}</h2>
<p>{{$doc.ExecutiveSummary}}</p>
{{range $doc.Sections}}<h3>{{.Title}}</h3><p>{{.Content}}</p>
{{end}}{{end}}{{end}}
{{if .Tasks}}
<h2>Tasks</h2>
<table border="1">
<tr><th>ID</th><th>Title</th><th>Description</th><th>Priority</th><th>Effort</th><th>Depends on</th></tr>
{{range .Tasks}}<tr><td>{{.ID}}</td><td>{{.Title}}</td><td>{{.Description}}</td><td>{{.Priority}}</td><td>{{.EstimatedEffort}}</td><td>{{range .Dependencies}}{{.}} {{end}}</td></tr>
{{end}}</table>
{{end}}
</body>
</html>
`))

func renderHTML(w io.Writer, bundle Bundle) (int, error) {
	if err := htmlTemplate.Execute(w, bundle); err != nil {
		return 0, err
	}
	return len(bundle.Tasks) + len(bundle.Documents), nil
}

// Manifest enumerates the files inside a zip export.
type Manifest struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Files       []ManifestFile `json:"files"`
}

// ManifestFile describes one bundled file.
type ManifestFile struct {
	Name        string `json:"name"`
	SizeBytes   int    `json:"size_bytes"`
	Format      string `json:"format"`
	RecordCount int    `json:"record_count"`
}

// renderZip bundles every renderable format plus a manifest.
func (s *Service) renderZip(w io.Writer, bundle Bundle) (int, error) {
	zw := zip.NewWriter(w)
	manifest := Manifest{GeneratedAt: time.Now().UTC()}
	total := 0

	parts := []struct {
		name   string
		format string
	}{
		{"tasks.csv", FormatCSV},
		{"results.json", FormatJSON},
		{"report.md", FormatMarkdown},
		{"report.html", FormatHTML},
	}
	for _, part := range parts {
		var buf bytes.Buffer
		records, err := s.renderTo(&buf, part.format, bundle)
		if err != nil {
			return 0, fmt.Errorf("rendering %s: %w", part.name, err)
		}
		f, err := zw.Create(part.name)
		if err != nil {
			return 0, err
		}
		if _, err := f.Write(buf.Bytes()); err != nil {
			return 0, err
		}
		manifest.Files = append(manifest.Files, ManifestFile{
			Name:        part.name,
			SizeBytes:   buf.Len(),
			Format:      part.format,
			RecordCount: records,
		})
		total += records
	}

	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return 0, err
	}
	f, err := zw.Create("manifest.json")
	if err != nil {
		return 0, err
	}
	if _, err := f.Write(raw); err != nil {
		return 0, err
	}
	if err := zw.Close(); err != nil {
		return 0, err
	}
	return total, nil
}
