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

// Package config loads and validates the deployment configuration from
// environment variables, an optional .env file and an optional YAML
// file. Component packages own their tuning knobs; this package wires
// the deployment-level keys onto them.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MartinT518/Analyst-copilot-sub000/pkg/agents"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/cache"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/chunker"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/embedders"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/export"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/ingest"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/llms"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/observability"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/pii"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/ratelimit"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/search"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/vector"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/workflow"
)

// Deployment environments.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
	EnvTesting     = "testing"
)

// MaxFileSizeCap is the hard upper bound for upload size.
const MaxFileSizeCap = 500 * 1024 * 1024

// Config is the root deployment configuration.
type Config struct {
	Environment string `yaml:"environment" mapstructure:"environment"`
	Debug       bool   `yaml:"debug" mapstructure:"debug"`

	Security SecurityConfig `yaml:"security" mapstructure:"security"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Auth     AuthConfig     `yaml:"auth" mapstructure:"auth"`
	Logging  LoggingConfig  `yaml:"logging" mapstructure:"logging"`

	Cache      cache.Config         `yaml:"cache" mapstructure:"cache"`
	Vector     vector.Config        `yaml:"vector" mapstructure:"vector"`
	LLM        llms.Config          `yaml:"llm" mapstructure:"llm"`
	Embeddings embedders.Config     `yaml:"embeddings" mapstructure:"embeddings"`
	Chunker    chunker.Config       `yaml:"chunker" mapstructure:"chunker"`
	PII        pii.Config           `yaml:"pii" mapstructure:"pii"`
	Ingest     ingest.Config        `yaml:"ingest" mapstructure:"ingest"`
	Search     search.Config        `yaml:"search" mapstructure:"search"`
	Workflow   workflow.Config      `yaml:"workflow" mapstructure:"workflow"`
	Agents     AgentsConfig         `yaml:"agents" mapstructure:"agents"`
	Export     export.Config        `yaml:"export" mapstructure:"export"`
	RateLimit  ratelimit.Config     `yaml:"rate_limit" mapstructure:"rate_limit"`
	Metrics    observability.Config `yaml:"metrics" mapstructure:"metrics"`
}

// SecurityConfig carries the required secrets.
type SecurityConfig struct {
	SecretKey     string `yaml:"secret_key" mapstructure:"secret_key"`
	JWTSecretKey  string `yaml:"jwt_secret_key" mapstructure:"jwt_secret_key"`
	EncryptionKey string `yaml:"encryption_key" mapstructure:"encryption_key"`
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	URL string `yaml:"url" mapstructure:"url"`
}

// Driver derives the database/sql driver name from the URL scheme.
func (d DatabaseConfig) Driver() string {
	switch {
	case strings.HasPrefix(d.URL, "postgres://"), strings.HasPrefix(d.URL, "postgresql://"):
		return "postgres"
	case strings.HasPrefix(d.URL, "mysql://"):
		return "mysql"
	default:
		return "sqlite3"
	}
}

// DSN strips the scheme prefix where the driver expects a bare DSN.
func (d DatabaseConfig) DSN() string {
	switch d.Driver() {
	case "mysql":
		return strings.TrimPrefix(d.URL, "mysql://")
	case "sqlite3":
		return strings.TrimPrefix(d.URL, "sqlite3://")
	default:
		return d.URL
	}
}

// ServerConfig tunes both HTTP services.
type ServerConfig struct {
	IngestAddr      string        `yaml:"ingest_addr" mapstructure:"ingest_addr"`
	AgentsAddr      string        `yaml:"agents_addr" mapstructure:"agents_addr"`
	UploadDir       string        `yaml:"upload_dir" mapstructure:"upload_dir"`
	CORSOrigins     []string      `yaml:"cors_origins" mapstructure:"cors_origins"`
	MaxFileSize     int64         `yaml:"max_file_size" mapstructure:"max_file_size"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// AuthConfig tunes token issuance.
type AuthConfig struct {
	Issuer   string        `yaml:"issuer" mapstructure:"issuer"`
	Audience string        `yaml:"audience" mapstructure:"audience"`
	TokenTTL time.Duration `yaml:"token_ttl" mapstructure:"token_ttl"`
}

// LoggingConfig tunes the slog setup.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// AgentsConfig groups the per-stage tuning knobs.
type AgentsConfig struct {
	Clarifier   agents.ClarifierConfig   `yaml:"clarifier" mapstructure:"clarifier"`
	Synthesizer agents.SynthesizerConfig `yaml:"synthesizer" mapstructure:"synthesizer"`
	Taskmaster  agents.TaskmasterConfig  `yaml:"taskmaster" mapstructure:"taskmaster"`
	Verifier    agents.VerifierConfig    `yaml:"verifier" mapstructure:"verifier"`
}

// SetDefaults fills every zero value with a working default.
func (c *Config) SetDefaults() {
	if c.Environment == "" {
		c.Environment = EnvDevelopment
	}
	if c.Server.IngestAddr == "" {
		c.Server.IngestAddr = ":8000"
	}
	if c.Server.AgentsAddr == "" {
		c.Server.AgentsAddr = ":8001"
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"http://localhost:3000"}
	}
	if c.Server.MaxFileSize <= 0 {
		c.Server.MaxFileSize = 100 * 1024 * 1024
	}
	if c.Server.UploadDir == "" {
		c.Server.UploadDir = filepath.Join(os.TempDir(), "acp-uploads")
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 60 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "acp"
	}
	if c.Auth.Audience == "" {
		c.Auth.Audience = "acp-api"
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = 30 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	c.Cache.SetDefaults()
	c.Vector.SetDefaults()
	c.LLM.SetDefaults()
	c.Embeddings.SetDefaults()
	c.Chunker.SetDefaults()
	c.PII.SetDefaults()
	c.Ingest.SetDefaults()
	c.Search.SetDefaults()
	c.Workflow.SetDefaults()
	c.Agents.Clarifier.SetDefaults()
	c.Agents.Synthesizer.SetDefaults()
	c.Agents.Taskmaster.SetDefaults()
	c.Agents.Verifier.SetDefaults()
	c.Export.SetDefaults()
	c.RateLimit.SetDefaults()
	c.Metrics.SetDefaults()
}

// IsProduction reports whether the production rules apply.
func (c *Config) IsProduction() bool { return c.Environment == EnvProduction }

// IsTesting reports whether external dependencies may be absent.
func (c *Config) IsTesting() bool { return c.Environment == EnvTesting }
