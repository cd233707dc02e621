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
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
)

// ZipParser expands archives and dispatches each entry through the registry.
// Entries whose names resolve outside the archive root fail the whole parse.
type ZipParser struct {
	registry *Registry
}

// NewZipParser creates a zip parser recursing through the given registry.
func NewZipParser(r *Registry) *ZipParser {
	return &ZipParser{registry: r}
}

func (p *ZipParser) SourceType() SourceType {
	return SourceZip
}

const maxZipEntrySize = 64 << 20 // 64 MiB

func (p *ZipParser) Parse(ctx context.Context, input Input, metadata map[string]any) (DocumentIterator, error) {
	zipPath := input.Path
	var cleanup func() error
	if zipPath == "" {
		tmp, err := os.CreateTemp("", "acp-zip-*.zip")
		if err != nil {
			return nil, fmt.Errorf("failed to spool archive: %w", err)
		}
		if _, err := io.Copy(tmp, input.Reader); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return nil, fmt.Errorf("failed to spool archive: %w", err)
		}
		tmp.Close()
		zipPath = tmp.Name()
		name := tmp.Name()
		cleanup = func() error { return os.Remove(name) }
	}

	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	// Traversal is checked for every entry before any of them is parsed.
	for _, f := range reader.File {
		if !safeEntryName(f.Name) {
			reader.Close()
			if cleanup != nil {
				cleanup()
			}
			return nil, &PathTraversalError{Entry: f.Name}
		}
	}

	warn := &warnings{}
	pos := 0
	var inner DocumentIterator
	var innerRC io.ReadCloser
	var innerName string

	closeInner := func() {
		if inner != nil {
			inner.Close()
			inner = nil
		}
		if innerRC != nil {
			innerRC.Close()
			innerRC = nil
		}
	}

	pull := func(ctx context.Context) (*ParsedDocument, error) {
		for {
			if inner != nil {
				doc, err := inner.Next(ctx)
				if err == nil {
					if doc.Metadata == nil {
						doc.Metadata = map[string]any{}
					}
					doc.Metadata["archive_entry"] = innerName
					return doc, nil
				}
				for _, w := range inner.Warnings() {
					warn.add(fmt.Sprintf("%s: %s", innerName, w))
				}
				closeInner()
				if err != io.EOF {
					return nil, fmt.Errorf("entry %s: %w", innerName, err)
				}
			}

			if pos >= len(reader.File) {
				return nil, io.EOF
			}
			entry := reader.File[pos]
			pos++

			if entry.FileInfo().IsDir() {
				continue
			}
			if entry.UncompressedSize64 > maxZipEntrySize {
				warn.add(fmt.Sprintf("%s exceeds %d bytes, skipped", entry.Name, maxZipEntrySize))
				continue
			}

			st := Detect(entry.Name, "")
			switch st {
			case SourceUnknown:
				warn.add(fmt.Sprintf("%s has unrecognized type, skipped", entry.Name))
				continue
			case SourceZip:
				// No nested archive recursion.
				warn.add(fmt.Sprintf("%s is a nested archive, skipped", entry.Name))
				continue
			case SourceCode:
				// The code parser walks directories; archive entries are
				// treated as standalone pastes instead.
				st = SourcePaste
			}

			rc, err := entry.Open()
			if err != nil {
				warn.add(fmt.Sprintf("%s: %v, skipped", entry.Name, err))
				continue
			}
			it, err := p.registry.Parse(ctx, st, Input{
				Reader: rc,
				Name:   path.Base(entry.Name),
				Size:   int64(entry.UncompressedSize64),
			}, metadata)
			if err != nil {
				rc.Close()
				return nil, fmt.Errorf("entry %s: %w", entry.Name, err)
			}
			inner = it
			innerRC = rc
			innerName = entry.Name
		}
	}

	closeFn := func() error {
		closeInner()
		err := reader.Close()
		if cleanup != nil {
			if cerr := cleanup(); err == nil {
				err = cerr
			}
		}
		return err
	}

	return newFuncIterator(pull, closeFn, warn), nil
}

// safeEntryName rejects absolute paths and any entry escaping the archive
// root after cleaning.
func safeEntryName(name string) bool {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return false
	}
	cleaned := path.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return false
	}
	return true
}
