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

package server

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MartinT518/Analyst-copilot-sub000/pkg/search"
)

// writeSearchResults streams search hits in the requested format. The
// Content-Type is set here so callers only set the disposition header.
func writeSearchResults(w http.ResponseWriter, format, query string, results []search.Result) error {
	switch format {
	case "json":
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"query":        query,
			"exported_at":  time.Now().UTC().Format(time.RFC3339),
			"result_count": len(results),
			"results":      results,
		})
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{"rank", "chunk_id", "score", "source_type", "origin", "text"}); err != nil {
			return err
		}
		for _, hit := range results {
			row := []string{
				strconv.Itoa(hit.Rank),
				hit.ChunkID,
				strconv.FormatFloat(float64(hit.Score), 'f', 4, 32),
				hit.SourceType,
				hit.Origin,
				hit.Text,
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	case "txt":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if _, err := fmt.Fprintf(w, "Search results for: %s\n\n", query); err != nil {
			return err
		}
		for _, hit := range results {
			_, err := fmt.Fprintf(w, "[%d] %s (score %.4f, %s/%s)\n%s\n\n",
				hit.Rank, hit.ChunkID, hit.Score, hit.SourceType, hit.Origin, hit.Text)
			if err != nil {
				return err
			}
		}
		return nil
	default:
		_, err := io.WriteString(w, "unsupported format")
		return err
	}
}
