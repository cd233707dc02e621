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

// Package vector stores chunk embeddings and runs similarity search.
package vector

import (
	"context"
	"fmt"
)

// Point is one stored embedding with its payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Result is one similarity search hit. Score is cosine similarity in [0, 1]
// for normalized embeddings; higher is more similar.
type Result struct {
	ID      string
	Score   float32
	Vector  []float32
	Payload map[string]any
}

// Filter restricts search and delete operations by payload fields. A scalar
// value must match exactly; a slice value matches any of its elements.
type Filter map[string]any

// Stats summarizes a collection.
type Stats struct {
	Name       string
	PointCount uint64
	VectorSize uint64
}

// Store is the vector database surface the pipeline depends on.
type Store interface {
	EnsureCollection(ctx context.Context, collection string, vectorSize uint64) error
	Upsert(ctx context.Context, collection string, points []Point) error
	Search(ctx context.Context, collection string, vector []float32, limit int, filter Filter) ([]Result, error)
	Get(ctx context.Context, collection string, ids []string) ([]Point, error)
	Delete(ctx context.Context, collection string, ids []string) error
	DeleteByFilter(ctx context.Context, collection string, filter Filter) error
	CollectionStats(ctx context.Context, collection string) (*Stats, error)
	Close() error
}

// Config sets up the vector store connection.
type Config struct {
	Type       string `yaml:"type" mapstructure:"type"`
	Host       string `yaml:"host" mapstructure:"host"`
	Port       int    `yaml:"port" mapstructure:"port"`
	APIKey     string `yaml:"api_key" mapstructure:"api_key"`
	UseTLS     bool   `yaml:"use_tls" mapstructure:"use_tls"`
	Collection string `yaml:"collection" mapstructure:"collection"`
}

// SetDefaults fills zero values with working defaults.
func (c *Config) SetDefaults() {
	if c.Type == "" {
		c.Type = "qdrant"
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "acp_chunks"
	}
}

// Validate checks the config after defaults are applied.
func (c *Config) Validate() error {
	if c.Type != "qdrant" && c.Type != "memory" {
		return fmt.Errorf("unsupported vector store type: %s", c.Type)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid vector store port: %d", c.Port)
	}
	return nil
}

// New builds a store from config.
func New(cfg *Config) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("vector store config cannot be nil")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	default:
		return NewQdrantStore(cfg)
	}
}
