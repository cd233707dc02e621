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

package embedders

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg := &Config{Type: "ollama"}
	cfg.SetDefaults()
	assert.Equal(t, "nomic-embed-text", cfg.Model)
	assert.Equal(t, 768, cfg.Dimension)
	assert.Equal(t, "http://localhost:11434", cfg.Host)
	require.NoError(t, cfg.Validate())

	cfg = &Config{}
	cfg.SetDefaults()
	assert.Equal(t, "openai", cfg.Type)
	assert.Equal(t, 1536, cfg.Dimension)
	assert.Error(t, cfg.Validate(), "openai requires an api key")
}

func TestOpenAIProviderEmbedBatch(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req openAIEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := openAIEmbedResponse{}
		// Reversed order on purpose; the client must restore input order.
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			}{Embedding: []float32{float32(i), 0, 0}, Index: i})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	cfg := &Config{Type: "openai", APIKey: "sk-test", Host: server.URL, Dimension: 3, BatchSize: 2}
	cfg.SetDefaults()
	p, err := NewOpenAIProvider(cfg)
	require.NoError(t, err)

	vectors, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	assert.Equal(t, float32(0), vectors[0][0])
	assert.Equal(t, float32(1), vectors[1][0])
	assert.Equal(t, "Bearer sk-test", gotAuth)
}

func TestOpenAIProviderDimensionMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := openAIEmbedResponse{}
		resp.Data = append(resp.Data, struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}{Embedding: []float32{1, 2}, Index: 0})
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	cfg := &Config{Type: "openai", APIKey: "sk-test", Host: server.URL, Dimension: 3}
	cfg.SetDefaults()
	p, err := NewOpenAIProvider(cfg)
	require.NoError(t, err)

	_, err = p.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension")
}

func TestOllamaProviderEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{0.1, 0.2}})
	}))
	defer server.Close()

	cfg := &Config{Type: "ollama", Host: server.URL, Dimension: 2}
	cfg.SetDefaults()
	p, err := NewOllamaProvider(cfg)
	require.NoError(t, err)

	v, err := p.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, v)
}

func TestRegistryCreateAndGet(t *testing.T) {
	r := NewRegistry()
	_, err := r.Create("bad", &Config{Type: "cohere"})
	require.Error(t, err)

	p, err := r.Create("default", &Config{Type: "ollama", Dimension: 8})
	require.NoError(t, err)
	got, err := r.Get("default")
	require.NoError(t, err)
	assert.Same(t, p.(*OllamaProvider), got.(*OllamaProvider))

	_, err = r.Get("missing")
	require.Error(t, err)
}
