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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const strongKey = "k9f2m7x4q8w1z5r3t6y0u2i4o6p8a1s3"

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SECRET_KEY", strongKey)
	t.Setenv("JWT_SECRET_KEY", strongKey+"b")
	t.Setenv("ENCRYPTION_KEY", strongKey+"c")
	t.Setenv("DATABASE_URL", "postgres://acp:pw@localhost:5432/acp")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
}

func TestLoadFromEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ENVIRONMENT", "staging")
	t.Setenv("VECTOR_DB_URL", "https://qdrant.internal:6334")
	t.Setenv("CORS_ORIGINS", "https://app.example.com, https://admin.example.com")
	t.Setenv("MAX_FILE_SIZE", "1048576")
	t.Setenv("CHUNK_SIZE", "800")
	t.Setenv("CHUNK_OVERLAP", "80")
	t.Setenv("SEARCH_THRESHOLD", "0.5")
	t.Setenv("LLM_TEMPERATURE", "0.7")
	t.Setenv("RATE_LIMIT_REQUESTS", "60")
	t.Setenv("RATE_LIMIT_WINDOW", "30")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, EnvStaging, cfg.Environment)
	assert.Equal(t, "postgres", cfg.Database.Driver())
	assert.Equal(t, "qdrant.internal", cfg.Vector.Host)
	assert.Equal(t, 6334, cfg.Vector.Port)
	assert.True(t, cfg.Vector.UseTLS)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, int64(1048576), cfg.Server.MaxFileSize)
	assert.Equal(t, 800, cfg.Chunker.MaxChunkSize)
	assert.Equal(t, float32(0.5), cfg.Search.DefaultThreshold)
	assert.Equal(t, 0.7, cfg.LLM.Temperature)
	assert.Equal(t, int64(60), cfg.RateLimit.Limit)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	assert.True(t, cfg.RateLimit.Enabled)
}

func TestLoadYAMLWithEnvExpansion(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ACP_LLM_HOST", "http://llm.internal:8080")

	dir := t.TempDir()
	path := filepath.Join(dir, "acp.yaml")
	yaml := `
environment: development
llm:
  type: openai
  host: ${ACP_LLM_HOST}
  model: ${ACP_LLM_MODEL:-gpt-4o-mini}
workflow:
  stage_timeout: 2m
  max_concurrent: 4
server:
  ingest_addr: ":9000"
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://llm.internal:8080", cfg.LLM.Host)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model, "default applies when the variable is unset")
	assert.Equal(t, 2*time.Minute, cfg.Workflow.StageTimeout)
	assert.Equal(t, int64(4), cfg.Workflow.MaxConcurrent)
	assert.Equal(t, ":9000", cfg.Server.IngestAddr)
}

func TestValidateRejectsWeakSecrets(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SECRET_KEY", "this-secret-key-is-long-enough-yes-it-is")
	t.Setenv("JWT_SECRET_KEY", "short")

	_, err := Load("")
	require.Error(t, err)
	verrs, ok := err.(*ValidationErrors)
	require.True(t, ok)
	joined := strings.Join(verrs.Problems, "\n")
	assert.Contains(t, joined, `SECRET_KEY contains the weak pattern "secret"`)
	assert.Contains(t, joined, "JWT_SECRET_KEY must be at least 32 characters")
}

func TestValidateRequiresSecrets(t *testing.T) {
	t.Setenv("SECRET_KEY", "")
	t.Setenv("JWT_SECRET_KEY", "")
	t.Setenv("ENCRYPTION_KEY", "")
	t.Setenv("DATABASE_URL", "")

	_, err := Load("")
	require.Error(t, err)
	verrs, ok := err.(*ValidationErrors)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(verrs.Problems), 4)
}

func TestTestingModeSkipsDependencyChecks(t *testing.T) {
	t.Setenv("ENVIRONMENT", "testing")
	t.Setenv("SECRET_KEY", "")
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.IsTesting())
	assert.Equal(t, "sqlite3", cfg.Database.Driver())
}

func TestProductionHardening(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("DEBUG", "true")
	t.Setenv("CORS_ORIGINS", "*")
	t.Setenv("DATABASE_URL", "postgres://acp:pw@db/acp?sslmode=disable")

	_, err := Load("")
	require.Error(t, err)
	verrs, ok := err.(*ValidationErrors)
	require.True(t, ok)
	joined := strings.Join(verrs.Problems, "\n")
	assert.Contains(t, joined, "DEBUG must be false in production")
	assert.Contains(t, joined, "CORS_ORIGINS must not contain * in production")
	assert.Contains(t, joined, "database SSL must not be disabled in production")
}

func TestMaxFileSizeCap(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MAX_FILE_SIZE", "999999999999")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestDatabaseDSN(t *testing.T) {
	assert.Equal(t, "postgres", DatabaseConfig{URL: "postgresql://u@h/db"}.Driver())
	assert.Equal(t, "mysql", DatabaseConfig{URL: "mysql://u:p@tcp(h:3306)/db"}.Driver())
	assert.Equal(t, "u:p@tcp(h:3306)/db", DatabaseConfig{URL: "mysql://u:p@tcp(h:3306)/db"}.DSN())
	assert.Equal(t, "sqlite3", DatabaseConfig{URL: "/tmp/acp.db"}.Driver())
}
