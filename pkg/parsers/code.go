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
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"
)

// CodeParser walks a source tree and yields one document per recognized
// source file with language and complexity metadata.
type CodeParser struct{}

// NewCodeParser creates a code repository parser.
func NewCodeParser() *CodeParser {
	return &CodeParser{}
}

func (p *CodeParser) SourceType() SourceType {
	return SourceCode
}

const maxCodeFileSize = 1 << 20 // 1 MiB

// skippedDirs are tool and dependency directories never worth indexing.
var skippedDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"node_modules": true,
	"__pycache__":  true,
	"vendor":       true,
	"target":       true,
	"build":        true,
	"dist":         true,
	".venv":        true,
	"venv":         true,
	".idea":        true,
	".vscode":      true,
}

// languageByExt maps file extensions to language names.
var languageByExt = map[string]string{
	".go":    "go",
	".py":    "python",
	".js":    "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".java":  "java",
	".kt":    "kotlin",
	".rb":    "ruby",
	".rs":    "rust",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".php":   "php",
	".swift": "swift",
	".scala": "scala",
	".sh":    "shell",
	".sql":   "sql",
	".tf":    "terraform",
	".yaml":  "yaml",
	".yml":   "yaml",
	".json":  "json",
	".toml":  "toml",
	".md":    "markdown",
	".proto": "protobuf",
}

// branchRe approximates cyclomatic complexity by counting branch points.
var branchRe = regexp.MustCompile(`\b(if|else if|elif|for|while|case|when|catch|except|rescue)\b|&&|\|\|`)

func (p *CodeParser) Parse(ctx context.Context, input Input, metadata map[string]any) (DocumentIterator, error) {
	root := input.Path
	if root == "" {
		return nil, fmt.Errorf("code parsing requires a directory path")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat code root: %w", err)
	}

	warn := &warnings{}

	if !info.IsDir() {
		doc, err := p.fileDocument(root, filepath.Base(root), warn)
		if err != nil {
			return nil, err
		}
		var docs []*ParsedDocument
		if doc != nil {
			docs = append(docs, doc)
		}
		return newSliceIterator(docs, warn), nil
	}

	// Collect candidate paths up front so iteration stays cheap; file
	// contents are read lazily per Next call.
	var paths []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			warn.add(fmt.Sprintf("%s: %v, skipped", path, err))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := languageByExt[strings.ToLower(filepath.Ext(path))]; ok {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk code root: %w", err)
	}

	pos := 0
	pull := func(ctx context.Context) (*ParsedDocument, error) {
		for pos < len(paths) {
			path := paths[pos]
			pos++
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				rel = path
			}
			doc, err := p.fileDocument(path, rel, warn)
			if err != nil {
				return nil, err
			}
			if doc == nil {
				continue
			}
			return doc, nil
		}
		return nil, io.EOF
	}
	return newFuncIterator(pull, nil, warn), nil
}

// fileDocument reads one source file. Oversized or binary files are skipped
// with a warning and a nil document.
func (p *CodeParser) fileDocument(path, rel string, warn *warnings) (*ParsedDocument, error) {
	info, err := os.Stat(path)
	if err != nil {
		warn.add(fmt.Sprintf("%s: %v, skipped", rel, err))
		return nil, nil
	}
	if info.Size() > maxCodeFileSize {
		warn.add(fmt.Sprintf("%s exceeds %d bytes, skipped", rel, maxCodeFileSize))
		return nil, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		warn.add(fmt.Sprintf("%s: %v, skipped", rel, err))
		return nil, nil
	}
	if !utf8.Valid(raw) {
		warn.add(fmt.Sprintf("%s is not valid UTF-8, skipped", rel))
		return nil, nil
	}

	content := string(raw)
	language := languageByExt[strings.ToLower(filepath.Ext(path))]
	lines := strings.Count(content, "\n") + 1

	return &ParsedDocument{
		Title:   rel,
		Content: content,
		Metadata: map[string]any{
			"language":   language,
			"path":       rel,
			"lines":      lines,
			"complexity": len(branchRe.FindAllString(content, -1)),
		},
	}, nil
}
