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

// Package llms provides chat-completion providers behind a common interface.
package llms

import (
	"context"
	"fmt"
	"time"

	"github.com/MartinT518/Analyst-copilot-sub000/pkg/registry"
)

// Role of a chat message.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token consumption for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a completed generation.
type Response struct {
	Content string
	Model   string
	Usage   Usage
}

// Options tune a single generation request.
type Options struct {
	Temperature float64
	MaxTokens   int
	JSONMode    bool
}

// Provider generates chat completions.
type Provider interface {
	Chat(ctx context.Context, messages []Message, opts *Options) (*Response, error)
	ModelName() string
	Close() error
}

// Config selects and tunes an LLM provider.
type Config struct {
	Type        string  `yaml:"type" mapstructure:"type"`
	Model       string  `yaml:"model" mapstructure:"model"`
	Host        string  `yaml:"host" mapstructure:"host"`
	APIKey      string  `yaml:"api_key" mapstructure:"api_key"`
	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	Timeout     int     `yaml:"timeout" mapstructure:"timeout"`
}

// SetDefaults fills zero values with working defaults.
func (c *Config) SetDefaults() {
	if c.Type == "" {
		c.Type = "openai"
	}
	if c.Model == "" {
		switch c.Type {
		case "ollama":
			c.Model = "llama3.1"
		default:
			c.Model = "gpt-4o-mini"
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
	if c.Temperature == 0 {
		c.Temperature = 0.1
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout == 0 {
		c.Timeout = 120
	}
}

// Validate checks the config after defaults are applied.
func (c *Config) Validate() error {
	switch c.Type {
	case "openai", "ollama":
	default:
		return fmt.Errorf("unsupported llm type: %s", c.Type)
	}
	if c.Type == "openai" && c.APIKey == "" {
		return fmt.Errorf("api key is required for openai llm")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("llm max tokens must be positive")
	}
	return nil
}

func (c *Config) timeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

func (c *Config) options() *Options {
	return &Options{Temperature: c.Temperature, MaxTokens: c.MaxTokens}
}

// Registry holds named LLM providers.
type Registry struct {
	providers *registry.Registry[Provider]
}

// NewRegistry creates an empty LLM registry.
func NewRegistry() *Registry {
	return &Registry{providers: registry.New[Provider]()}
}

// Create builds a provider from config and registers it under name.
func (r *Registry) Create(name string, cfg *Config) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("llm config cannot be nil")
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
		return nil, fmt.Errorf("failed to create llm %s: %w", name, err)
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
		return nil, fmt.Errorf("llm %q not found", name)
	}
	return p, nil
}
