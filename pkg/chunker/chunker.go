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

// Package chunker splits document text into overlapping, structure-aware
// segments sized for embedding.
package chunker

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Config configures chunking behavior.
type Config struct {
	// MaxChunkSize is the flush threshold in characters. Default: 1000.
	MaxChunkSize int `yaml:"max_chunk_size,omitempty"`

	// MinChunkSize is the minimum chunk size; smaller chunks are merged
	// into their predecessor or dropped. Default: 100.
	MinChunkSize int `yaml:"min_chunk_size,omitempty"`

	// OverlapSize is the number of characters carried from the tail of the
	// prior chunk into the next one. Default: 200.
	OverlapSize int `yaml:"overlap_size,omitempty"`

	PreserveStructure bool `yaml:"preserve_structure,omitempty"`
	SplitOnHeadings   bool `yaml:"split_on_headings,omitempty"`
	SplitOnParagraphs bool `yaml:"split_on_paragraphs,omitempty"`
	SplitOnSentences  bool `yaml:"split_on_sentences,omitempty"`

	// TokenModel enables token counting in chunk metadata when set
	// (e.g. "gpt-4"). Counting is skipped when the encoding is
	// unavailable.
	TokenModel string `yaml:"token_model,omitempty"`
}

// DefaultConfig returns the defaults used by the ingestion pipeline.
func DefaultConfig() Config {
	return Config{
		MaxChunkSize:      1000,
		MinChunkSize:      100,
		OverlapSize:       200,
		PreserveStructure: true,
		SplitOnHeadings:   true,
		SplitOnParagraphs: true,
		SplitOnSentences:  true,
	}
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = 1000
	}
	if c.MinChunkSize <= 0 {
		c.MinChunkSize = 100
	}
	if c.OverlapSize < 0 {
		c.OverlapSize = 0
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.MinChunkSize > c.MaxChunkSize {
		return fmt.Errorf("min_chunk_size (%d) must not exceed max_chunk_size (%d)",
			c.MinChunkSize, c.MaxChunkSize)
	}
	if c.OverlapSize >= c.MaxChunkSize {
		return fmt.Errorf("overlap_size (%d) must be less than max_chunk_size (%d)",
			c.OverlapSize, c.MaxChunkSize)
	}
	return nil
}

// Metadata describes one chunk's position and content characteristics.
type Metadata struct {
	ChunkIndex       int    `json:"chunk_index"`
	ChunkSize        int    `json:"chunk_size"`
	WordCount        int    `json:"word_count"`
	TokenCount       int    `json:"token_count,omitempty"`
	HeadingLevel     int    `json:"heading_level,omitempty"`
	HeadingTitle     string `json:"heading_title,omitempty"`
	SectionStart     int    `json:"section_start"`
	Overlap          int    `json:"overlap"`
	ContainsCode     bool   `json:"contains_code,omitempty"`
	ContainsList     bool   `json:"contains_list,omitempty"`
	ContainsHeadings bool   `json:"contains_headings,omitempty"`
	TotalChunks      int    `json:"total_chunks"`
}

// Chunk is one segment of a document. Overlap in Metadata is the length of
// the prefix carried over from the previous chunk.
type Chunk struct {
	Text     string
	Metadata Metadata
}

// Chunker splits text per the configured policy. Safe for concurrent use.
type Chunker struct {
	cfg Config

	encOnce  sync.Once
	encoding *tiktoken.Tiktoken
}

// New creates a chunker from configuration.
func New(cfg Config) (*Chunker, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chunker config: %w", err)
	}
	return &Chunker{cfg: cfg}, nil
}

// Config returns the chunker configuration.
func (c *Chunker) Config() Config {
	return c.cfg
}

var (
	headingRe    = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)
	blankLineRe  = regexp.MustCompile(`\n[ \t]*\n`)
	multiBlankRe = regexp.MustCompile(`\n{3,}`)
	listItemRe   = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+[.)])\s+`)
)

// Normalize applies the whitespace normalization the chunker operates on:
// CRLF to LF, trailing whitespace trimmed per line, runs of three or more
// newlines collapsed to two.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	text = strings.Join(lines, "\n")

	return multiBlankRe.ReplaceAllString(text, "\n\n")
}

// section is a heading-delimited span of the normalized text.
type section struct {
	level int
	title string
	start int
	text  string
}

// Chunk splits text into overlapping chunks with metadata.
func (c *Chunker) Chunk(text string) ([]Chunk, error) {
	normalized := Normalize(text)
	if strings.TrimSpace(normalized) == "" {
		return nil, nil
	}

	sections := c.sections(normalized)

	var chunks []Chunk
	for _, sec := range sections {
		chunks = append(chunks, c.chunkSection(sec, len(chunks))...)
	}

	chunks = c.postProcess(chunks)

	for i := range chunks {
		chunks[i].Metadata.ChunkIndex = i
		chunks[i].Metadata.TotalChunks = len(chunks)
	}
	return chunks, nil
}

// sections splits the text at markdown headings when structure preservation
// is on; text before the first heading becomes an "Introduction" section.
func (c *Chunker) sections(text string) []section {
	if !c.cfg.PreserveStructure || !c.cfg.SplitOnHeadings {
		return []section{{text: text}}
	}

	locs := headingRe.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return []section{{text: text}}
	}

	var sections []section
	if intro := text[:locs[0][0]]; strings.TrimSpace(intro) != "" {
		sections = append(sections, section{title: "Introduction", text: intro})
	}

	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		sections = append(sections, section{
			level: loc[3] - loc[2],
			title: strings.TrimSpace(text[loc[4]:loc[5]]),
			start: loc[0],
			text:  text[loc[0]:end],
		})
	}
	return sections
}

// chunkSection accumulates paragraphs into chunks, flushing before the
// accumulator would exceed MaxChunkSize and seeding the next chunk with an
// overlap suffix of the prior one.
func (c *Chunker) chunkSection(sec section, indexBase int) []Chunk {
	units := c.units(sec.text)

	var chunks []Chunk
	var acc strings.Builder
	overlap := 0

	flush := func() {
		if acc.Len() == 0 {
			return
		}
		chunks = append(chunks, c.build(acc.String(), sec, overlap))
		tail := c.overlapSuffix(acc.String())
		acc.Reset()
		if tail != "" {
			acc.WriteString(tail)
		}
		overlap = len(tail)
	}

	for _, unit := range units {
		// Units larger than the budget degrade to sentence pieces.
		pieces := []string{unit}
		if len(unit) > c.cfg.MaxChunkSize {
			pieces = c.splitOversized(unit)
		}

		for pi, piece := range pieces {
			sep := "\n\n"
			if pi > 0 {
				sep = " "
			}
			if acc.Len() == 0 {
				sep = ""
			}

			if acc.Len() > 0 && acc.Len()+len(sep)+len(piece) > c.cfg.MaxChunkSize {
				flush()
				if acc.Len() == 0 {
					sep = ""
				}
			}

			acc.WriteString(sep)
			acc.WriteString(piece)
		}
	}

	if strings.TrimSpace(acc.String()) != "" && acc.Len() > overlap {
		chunks = append(chunks, c.build(acc.String(), sec, overlap))
	}
	return chunks
}

// units returns the paragraph units of the section, or the whole section as
// one unit when paragraph splitting is disabled.
func (c *Chunker) units(text string) []string {
	if !c.cfg.SplitOnParagraphs {
		return []string{strings.TrimSpace(text)}
	}

	raw := blankLineRe.Split(text, -1)
	units := make([]string, 0, len(raw))
	for _, p := range raw {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			units = append(units, trimmed)
		}
	}
	return units
}

// splitOversized degrades to sentence splitting (or word windows when
// sentence splitting is off) for units that exceed the chunk budget.
func (c *Chunker) splitOversized(unit string) []string {
	if c.cfg.SplitOnSentences {
		return SplitSentences(unit)
	}

	words := strings.Fields(unit)
	var pieces []string
	var b strings.Builder
	for _, w := range words {
		if b.Len() > 0 && b.Len()+len(w)+1 > c.cfg.MaxChunkSize {
			pieces = append(pieces, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(w)
	}
	if b.Len() > 0 {
		pieces = append(pieces, b.String())
	}
	return pieces
}

// overlapSuffix returns the tail of the chunk to carry into the next one:
// preferably the text after the last sentence boundary inside the overlap
// window, otherwise word-aligned.
func (c *Chunker) overlapSuffix(text string) string {
	if c.cfg.OverlapSize <= 0 || len(text) <= c.cfg.OverlapSize {
		return ""
	}

	window := text[len(text)-c.cfg.OverlapSize:]

	if idx := lastSentenceBoundary(window); idx >= 0 {
		return strings.TrimLeft(window[idx:], " ")
	}

	if idx := strings.IndexAny(window, " \n"); idx >= 0 {
		return strings.TrimLeft(window[idx:], " \n")
	}
	return window
}

func lastSentenceBoundary(s string) int {
	best := -1
	for i := 0; i < len(s)-1; i++ {
		if (s[i] == '.' || s[i] == '!' || s[i] == '?') && (s[i+1] == ' ' || s[i+1] == '\n') {
			best = i + 1
		}
	}
	return best
}

func (c *Chunker) build(text string, sec section, overlap int) Chunk {
	return Chunk{
		Text: text,
		Metadata: Metadata{
			ChunkSize:        len(text),
			WordCount:        len(strings.Fields(text)),
			TokenCount:       c.countTokens(text),
			HeadingLevel:     sec.level,
			HeadingTitle:     sec.title,
			SectionStart:     sec.start,
			Overlap:          overlap,
			ContainsCode:     strings.Contains(text, "```"),
			ContainsList:     listItemRe.MatchString(text),
			ContainsHeadings: headingRe.MatchString(text),
		},
	}
}

// postProcess merges undersized chunks into their predecessor when the
// combined size fits, and drops fragments under half the minimum.
func (c *Chunker) postProcess(chunks []Chunk) []Chunk {
	// A document that produced a single chunk is kept regardless of size.
	if len(chunks) <= 1 {
		return chunks
	}

	var out []Chunk
	for _, chunk := range chunks {
		if len(chunk.Text) >= c.cfg.MinChunkSize {
			out = append(out, chunk)
			continue
		}

		if len(out) > 0 {
			prev := &out[len(out)-1]
			if len(prev.Text)+len(chunk.Text)+2 <= c.cfg.MaxChunkSize {
				prev.Text = prev.Text + "\n\n" + chunk.Text
				prev.Metadata.ChunkSize = len(prev.Text)
				prev.Metadata.WordCount = len(strings.Fields(prev.Text))
				prev.Metadata.ContainsCode = prev.Metadata.ContainsCode || chunk.Metadata.ContainsCode
				prev.Metadata.ContainsList = prev.Metadata.ContainsList || chunk.Metadata.ContainsList
				prev.Metadata.ContainsHeadings = prev.Metadata.ContainsHeadings || chunk.Metadata.ContainsHeadings
				continue
			}
		}

		if len(chunk.Text) < c.cfg.MinChunkSize/2 {
			continue
		}
		out = append(out, chunk)
	}
	return out
}

func (c *Chunker) countTokens(text string) int {
	if c.cfg.TokenModel == "" {
		return 0
	}

	c.encOnce.Do(func() {
		enc, err := tiktoken.EncodingForModel(c.cfg.TokenModel)
		if err != nil {
			enc, err = tiktoken.GetEncoding("cl100k_base")
			if err != nil {
				return
			}
		}
		c.encoding = enc
	})

	if c.encoding == nil {
		return 0
	}
	return len(c.encoding.Encode(text, nil, nil))
}
