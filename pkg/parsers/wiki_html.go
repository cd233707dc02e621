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
	"path/filepath"
	"strings"

	"github.com/nguyenthenguyen/docx"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// WikiHTMLParser splits wiki HTML dumps into page documents. It also accepts
// .docx uploads, which become a single document.
type WikiHTMLParser struct{}

// NewWikiHTMLParser creates a wiki HTML parser.
func NewWikiHTMLParser() *WikiHTMLParser {
	return &WikiHTMLParser{}
}

func (p *WikiHTMLParser) SourceType() SourceType {
	return SourceWikiHTML
}

// pageContainers are the split selectors in preference order: class
// substrings checked on div/section elements, then article elements.
var pageContainerClasses = []string{"wiki-page", "wiki-content", "page-content", "page"}

func (p *WikiHTMLParser) Parse(ctx context.Context, input Input, metadata map[string]any) (DocumentIterator, error) {
	if strings.EqualFold(filepath.Ext(input.Name), ".docx") ||
		strings.EqualFold(filepath.Ext(input.Path), ".docx") {
		return p.parseDocx(input)
	}

	rc, err := input.open()
	if err != nil {
		return nil, fmt.Errorf("failed to open HTML input: %w", err)
	}
	defer rc.Close()

	root, err := html.Parse(rc)
	if err != nil {
		return nil, fmt.Errorf("invalid HTML: %w", err)
	}

	stripChrome(root)

	warn := &warnings{}
	docTitle := findTitle(root)

	containers := findPageContainers(root)
	if len(containers) > 0 {
		docs := make([]*ParsedDocument, 0, len(containers))
		for i, node := range containers {
			docs = append(docs, htmlDocument(node, docTitle, i))
		}
		return newSliceIterator(docs, warn), nil
	}

	if docs := splitAtH1(root, docTitle); len(docs) > 0 {
		return newSliceIterator(docs, warn), nil
	}

	// Single document fallback.
	content := extractText(root)
	if strings.TrimSpace(content) == "" {
		warn.add("HTML input produced no text content")
		return newSliceIterator(nil, warn), nil
	}
	doc := &ParsedDocument{
		Title:    docTitle,
		Content:  content,
		Metadata: map[string]any{"split": "none"},
	}
	if doc.Title == "" {
		doc.Title = "Untitled Page"
	}
	return newSliceIterator([]*ParsedDocument{doc}, warn), nil
}

// stripChrome removes script, style, nav, footer, header and aside subtrees.
func stripChrome(n *html.Node) {
	var next *html.Node
	for child := n.FirstChild; child != nil; child = next {
		next = child.NextSibling
		if child.Type == html.ElementNode {
			switch child.DataAtom {
			case atom.Script, atom.Style, atom.Nav, atom.Footer, atom.Header, atom.Aside, atom.Noscript:
				n.RemoveChild(child)
				continue
			}
		}
		stripChrome(child)
	}
}

func nodeClass(n *html.Node) string {
	for _, attr := range n.Attr {
		if attr.Key == "class" {
			return attr.Val
		}
	}
	return ""
}

// findPageContainers returns page-like elements in document order, trying
// class-based selectors first and article elements second.
func findPageContainers(root *html.Node) []*html.Node {
	for _, class := range pageContainerClasses {
		var found []*html.Node
		walk(root, func(n *html.Node) {
			if n.Type != html.ElementNode {
				return
			}
			if n.DataAtom == atom.Div || n.DataAtom == atom.Section {
				if strings.Contains(nodeClass(n), class) {
					found = append(found, n)
				}
			}
		})
		if len(found) > 1 {
			return found
		}
	}

	var articles []*html.Node
	walk(root, func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Article {
			articles = append(articles, n)
		}
	})
	if len(articles) > 1 {
		return articles
	}
	return nil
}

// splitAtH1 segments the body at h1 boundaries. Returns nil when fewer than
// two h1 elements exist.
func splitAtH1(root *html.Node, docTitle string) []*ParsedDocument {
	type segment struct {
		title string
		parts []string
	}

	var segments []segment
	current := segment{title: ""}

	walk(root, func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.H1 {
			if len(current.parts) > 0 || current.title != "" {
				segments = append(segments, current)
			}
			current = segment{title: strings.TrimSpace(extractText(n))}
			return
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" && !underH1(n) && !inHead(n) {
				current.parts = append(current.parts, text)
			}
		}
	})
	segments = append(segments, current)

	h1Count := 0
	for _, seg := range segments {
		if seg.title != "" {
			h1Count++
		}
	}
	if h1Count < 2 {
		return nil
	}

	var docs []*ParsedDocument
	for i, seg := range segments {
		content := strings.Join(seg.parts, "\n")
		if strings.TrimSpace(content) == "" && seg.title == "" {
			continue
		}
		title := seg.title
		if title == "" {
			title = docTitle
		}
		docs = append(docs, &ParsedDocument{
			Title:    title,
			Content:  content,
			Metadata: map[string]any{"split": "h1", "page_index": i},
		})
	}
	return docs
}

// inHead reports whether the node sits inside the document head, whose text
// (the title element) is not page content.
func inHead(n *html.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.DataAtom == atom.Head {
			return true
		}
	}
	return false
}

// underH1 reports whether the text node sits inside an h1 element, whose
// text is captured as the segment title instead.
func underH1(n *html.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.DataAtom == atom.H1 {
			return true
		}
	}
	return false
}

func htmlDocument(node *html.Node, fallbackTitle string, index int) *ParsedDocument {
	title := firstHeading(node)
	if title == "" {
		title = fallbackTitle
	}
	if title == "" {
		title = fmt.Sprintf("Page %d", index+1)
	}
	return &ParsedDocument{
		Title:    title,
		Content:  extractText(node),
		Metadata: map[string]any{"split": "container", "page_index": index},
	}
}

func firstHeading(node *html.Node) string {
	var title string
	walk(node, func(n *html.Node) {
		if title != "" || n.Type != html.ElementNode {
			return
		}
		switch n.DataAtom {
		case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
			title = strings.TrimSpace(extractText(n))
		}
	})
	return title
}

func findTitle(root *html.Node) string {
	if h := firstHeading(root); h != "" {
		return h
	}
	var title string
	walk(root, func(n *html.Node) {
		if title == "" && n.Type == html.ElementNode && n.DataAtom == atom.Title {
			title = strings.TrimSpace(extractText(n))
		}
	})
	return title
}

// extractText flattens a subtree to text with block-level line breaks.
func extractText(node *html.Node) string {
	var b strings.Builder
	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				b.WriteString(text)
				b.WriteString(" ")
			}
			return
		}
		if n.Type == html.ElementNode && isBlock(n.DataAtom) && b.Len() > 0 {
			b.WriteString("\n")
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			visit(child)
		}
		if n.Type == html.ElementNode && isBlock(n.DataAtom) {
			b.WriteString("\n")
		}
	}
	visit(node)

	// Collapse the soup of separators left by inline joins.
	lines := strings.Split(b.String(), "\n")
	var out []string
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return strings.Join(out, "\n")
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Ul, atom.Ol, atom.Li,
		atom.Table, atom.Tr, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Br, atom.Pre, atom.Blockquote:
		return true
	}
	return false
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		walk(child, fn)
	}
}

// parseDocx extracts a single document from a Word file.
func (p *WikiHTMLParser) parseDocx(input Input) (DocumentIterator, error) {
	path := input.Path
	if path == "" {
		// The docx reader needs random access; spool to a temp file.
		tmp, err := os.CreateTemp("", "acp-docx-*.docx")
		if err != nil {
			return nil, fmt.Errorf("failed to spool docx: %w", err)
		}
		defer os.Remove(tmp.Name())
		if _, err := io.Copy(tmp, input.Reader); err != nil {
			tmp.Close()
			return nil, fmt.Errorf("failed to spool docx: %w", err)
		}
		tmp.Close()
		path = tmp.Name()
	}

	reader, err := docx.ReadDocxFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse docx: %w", err)
	}
	defer reader.Close()

	content := reader.Editable().GetContent()
	content = stripDocxTags(content)

	title := strings.TrimSuffix(filepath.Base(input.Name), filepath.Ext(input.Name))
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	doc := &ParsedDocument{
		Title:    title,
		Content:  content,
		Metadata: map[string]any{"format": "docx"},
	}
	return newSliceIterator([]*ParsedDocument{doc}, nil), nil
}

// stripDocxTags drops the XML markup the docx library leaves in content.
func stripDocxTags(content string) string {
	var b strings.Builder
	depth := 0
	for _, r := range content {
		switch r {
		case '<':
			depth++
		case '>':
			if depth > 0 {
				depth--
				b.WriteString("\n")
			}
		default:
			if depth == 0 {
				b.WriteRune(r)
			}
		}
	}

	lines := strings.Split(b.String(), "\n")
	var out []string
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return strings.Join(out, "\n")
}
