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

package chunker

import "strings"

// abbreviations that never end a sentence even when followed by a period.
var abbreviations = map[string]struct{}{
	"dr": {}, "mr": {}, "mrs": {}, "ms": {}, "prof": {}, "rev": {},
	"inc": {}, "ltd": {}, "corp": {}, "co": {},
	"etc": {}, "vs": {}, "eg": {}, "e.g": {}, "ie": {}, "i.e": {},
	"st": {}, "no": {}, "jr": {}, "sr": {},
}

// SplitSentences splits text on sentence-ending punctuation followed by
// whitespace, without splitting after known abbreviations.
func SplitSentences(text string) []string {
	var sentences []string
	start := 0

	for i := 0; i < len(text); i++ {
		ch := text[i]
		if ch != '.' && ch != '!' && ch != '?' {
			continue
		}
		if i+1 >= len(text) {
			break
		}
		next := text[i+1]
		if next != ' ' && next != '\n' && next != '\t' {
			continue
		}
		if ch == '.' && isAbbreviation(text[start : i+1]) {
			continue
		}

		sentence := strings.TrimSpace(text[start : i+1])
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
		start = i + 1
	}

	if tail := strings.TrimSpace(text[start:]); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

// isAbbreviation reports whether the segment ends with a known abbreviation
// plus its trailing period.
func isAbbreviation(segment string) bool {
	segment = strings.TrimSuffix(segment, ".")
	idx := strings.LastIndexAny(segment, " \n\t")
	token := segment
	if idx >= 0 {
		token = segment[idx+1:]
	}
	token = strings.ToLower(strings.Trim(token, ",;:()\""))
	_, ok := abbreviations[token]
	return ok
}
