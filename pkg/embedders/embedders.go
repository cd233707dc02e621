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

// Package embedders provides embedding providers behind a common interface.
// OpenAI-compatible APIs and Ollama are supported out of the box.
package embedders

import (
	"context"
	"fmt"
	"time"

	"github.com/MartinT518/Analyst-copilot-sub000/pkg/registry"
)

// Provider computes embedding vectors for text.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	ModelName() string
	Close() error
}

// Config selects and tunes an embedding provider.
type Config struct {
	Type      string `yaml:"type" mapstructure:"type"`
	Model     string `yaml:"model" mapstructure:"model"`
	Host      string `yaml:"host" mapstructure:"host"`
	APIKey    string `yaml:"api_key" mapstructure:"api_key"`
	Dimension int    `yaml:"dimension" mapstructure:"dimension"`
	BatchSize int    `yaml:"batch_size" mapstructure:"batch_size"`
	Timeout   int    `yaml:"timeout" mapstructure:"timeout"`
}

// SetDefaults fills zero values with working defaults.
func (c *Config) SetDefaults() {
	if c.Type == "" {
		c.Type = "openai"
	}
	if c.Model == "" {
		switch c.Type {
		case "ollama":
			c.Model = "nomic-embed-text"
		default:
			c.Model = "text-embedding-3-small"
		}
	}
	if c.Host == "" {
		switch c.Type {
		case "ollama":
			c.Host = "http://localhost:11434"
		default:
			c.Host = "https://api.openai.com/v1"
		}
	}
	if c.Dimension == 0 {
		switch c.Model {
		case "text-embedding-3-large":
			c.Dimension = 3072
		case "nomic-embed-text":
			c.Dimension = 768
		default:
			c.Dimension = 1536
		}
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.Timeout == 0 {
		c.Timeout = 30
	}
}

// Validate checks the config after defaults are applied.
func (c *Config) Validate() error {
	switch c.Type {
	case "openai", "ollama":
	default:
		return fmt.Errorf("unsupported embedder type: %s", c.Type)
	}
	if c.Type == "openai" && c.APIKey == "" {
		return fmt.Errorf("api key is required for openai embedder")
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("embedder dimension must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("embedder batch size must be positive")
	}
	return nil
}

func (c *Config) timeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// Registry holds named embedding providers.
type Registry struct {
	providers *registry.Registry[Provider]
}

// NewRegistry creates an empty embedder registry.
func NewRegistry() *Registry {
	return &Registry{providers: registry.New[Provider]()}
}

// Create builds a provider from config and registers it under name.
func (r *Registry) Create(name string, cfg *Config) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("embedder config cannot be nil")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var provider Provider
	var err error
	switch cfg.Type {
	case "openai":
		provider, err = NewOpenAIProvider(cfg)
	case "ollama":
		provider, err = NewOllamaProvider(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder %s: %w", name, err)
	}

	if err := r.providers.Register(name, provider); err != nil {
		return nil, err
	}
	return provider, nil
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers.Get(name)
	if !ok {
		return nil, fmt.Errorf("embedder %q not found", name)
	}
	return p, nil
}
