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

package llms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaultsAndValidate(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()
	assert.Equal(t, "openai", cfg.Type)
	assert.Equal(t, "gpt-4o-mini", cfg.Model)
	assert.Error(t, cfg.Validate())

	cfg = &Config{Type: "ollama"}
	cfg.SetDefaults()
	assert.Equal(t, "llama3.1", cfg.Model)
	require.NoError(t, cfg.Validate())

	cfg = &Config{Type: "bedrock"}
	cfg.SetDefaults()
	assert.Error(t, cfg.Validate())
}

func TestOpenAIProviderChat(t *testing.T) {
	var gotReq openAIChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		resp := openAIChatResponse{Model: "gpt-4o-mini"}
		resp.Choices = append(resp.Choices, struct {
			Message      Message `json:"message"`
			FinishReason string  `json:"finish_reason"`
		}{Message: Message{Role: RoleAssistant, Content: `{"ok":true}`}, FinishReason: "stop"})
		resp.Usage = Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	cfg := &Config{Type: "openai", APIKey: "sk-test", Host: server.URL}
	cfg.SetDefaults()
	p, err := NewOpenAIProvider(cfg)
	require.NoError(t, err)

	resp, err := p.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "You are terse."},
		{Role: RoleUser, Content: "Reply with JSON."},
	}, &Options{Temperature: 0.2, MaxTokens: 128, JSONMode: true})
	require.NoError(t, err)

	assert.Equal(t, `{"ok":true}`, resp.Content)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	require.NotNil(t, gotReq.ResponseFormat)
	assert.Equal(t, "json_object", gotReq.ResponseFormat.Type)
	assert.Equal(t, 128, gotReq.MaxTokens)
}

func TestOpenAIProviderAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer server.Close()

	cfg := &Config{Type: "openai", APIKey: "sk-bad", Host: server.URL}
	cfg.SetDefaults()
	p, err := NewOpenAIProvider(cfg)
	require.NoError(t, err)

	_, err = p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
}

func TestOllamaProviderChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		json.NewEncoder(w).Encode(ollamaChatResponse{
			Model:           req.Model,
			Message:         Message{Role: RoleAssistant, Content: "answer"},
			Done:            true,
			PromptEvalCount: 7,
			EvalCount:       3,
		})
	}))
	defer server.Close()

	cfg := &Config{Type: "ollama", Host: server.URL}
	cfg.SetDefaults()
	p, err := NewOllamaProvider(cfg)
	require.NoError(t, err)

	resp, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "answer", resp.Content)
	assert.Equal(t, 10, resp.Usage.TotalTokens)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	p, err := r.Create("primary", &Config{Type: "ollama"})
	require.NoError(t, err)
	got, err := r.Get("primary")
	require.NoError(t, err)
	assert.Equal(t, p.ModelName(), got.ModelName())

	_, err = r.Get("other")
	require.Error(t, err)
}
