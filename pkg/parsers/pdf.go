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
	"os"
	"strings"

	"github.com/ledongthuc/pdf"
)

// OCREngine extracts text from scanned page images. The default registry
// runs without one; pages with no extractable text are then skipped with a
// warning instead of being OCRed.
type OCREngine interface {
	// ExtractPage returns text for a single page of the given PDF file.
	// Pages are numbered from 1.
	ExtractPage(ctx context.Context, path string, page int) (string, error)
}

// PDFParser yields one document per page. Pages without a text layer fall
// back to OCR when an engine is configured.
type PDFParser struct {
	ocr OCREngine
}

// NewPDFParser creates a PDF parser. A nil engine disables OCR fallback.
func NewPDFParser(ocr OCREngine) *PDFParser {
	return &PDFParser{ocr: ocr}
}

func (p *PDFParser) SourceType() SourceType {
	return SourcePDF
}

func (p *PDFParser) Parse(ctx context.Context, input Input, metadata map[string]any) (DocumentIterator, error) {
	path := input.Path
	var cleanup func() error
	if path == "" {
		// The pdf reader needs a seekable file.
		tmp, err := os.CreateTemp("", "acp-pdf-*.pdf")
		if err != nil {
			return nil, fmt.Errorf("failed to spool PDF: %w", err)
		}
		if _, err := io.Copy(tmp, input.Reader); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return nil, fmt.Errorf("failed to spool PDF: %w", err)
		}
		tmp.Close()
		path = tmp.Name()
		name := tmp.Name()
		cleanup = func() error { return os.Remove(name) }
	}

	f, reader, err := pdf.Open(path)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		return nil, fmt.Errorf("failed to parse PDF: %w", err)
	}

	warn := &warnings{}
	total := reader.NumPage()
	page := 0

	pull := func(ctx context.Context) (*ParsedDocument, error) {
		for page < total {
			page++
			text, err := p.pageText(ctx, reader, path, page)
			if err != nil {
				warn.add(fmt.Sprintf("page %d: %v, skipped", page, err))
				continue
			}
			if strings.TrimSpace(text) == "" {
				warn.add(fmt.Sprintf("page %d has no extractable text, skipped", page))
				continue
			}
			return &ParsedDocument{
				Title:   fmt.Sprintf("Page %d", page),
				Content: text,
				Metadata: map[string]any{
					"page":        page,
					"total_pages": total,
				},
			}, nil
		}
		return nil, io.EOF
	}

	closeFn := func() error {
		err := f.Close()
		if cleanup != nil {
			if cerr := cleanup(); err == nil {
				err = cerr
			}
		}
		return err
	}

	return newFuncIterator(pull, closeFn, warn), nil
}

func (p *PDFParser) pageText(ctx context.Context, reader *pdf.Reader, path string, page int) (string, error) {
	pg := reader.Page(page)
	if pg.V.IsNull() {
		return "", fmt.Errorf("page is empty")
	}

	text, err := pg.GetPlainText(nil)
	if err == nil && strings.TrimSpace(text) != "" {
		return text, nil
	}

	if p.ocr != nil {
		ocrText, ocrErr := p.ocr.ExtractPage(ctx, path, page)
		if ocrErr != nil {
			return "", fmt.Errorf("OCR failed: %w", ocrErr)
		}
		return ocrText, nil
	}
	if err != nil {
		return "", fmt.Errorf("text extraction failed: %w", err)
	}
	return "", nil
}
