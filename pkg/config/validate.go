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
	"fmt"
	"strings"
)

// weakPatterns are substrings that disqualify a secret outright.
var weakPatterns = []string{
	"password", "secret", "changeme", "change-me", "default",
	"12345", "qwerty", "letmein", "admin", "example",
}

// ValidationErrors aggregates every validation failure so the operator
// sees the full list on one startup attempt.
type ValidationErrors struct {
	Problems []string
}

func (e *ValidationErrors) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ValidationErrors) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

// Validate checks the assembled configuration. All failures are
// collected into one ValidationErrors.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	switch c.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction, EnvTesting:
	default:
		errs.add("ENVIRONMENT must be one of development, staging, production, testing; got %q", c.Environment)
	}

	if !c.IsTesting() {
		checkSecret(errs, "SECRET_KEY", c.Security.SecretKey)
		checkSecret(errs, "JWT_SECRET_KEY", c.Security.JWTSecretKey)
		checkSecret(errs, "ENCRYPTION_KEY", c.Security.EncryptionKey)
		if c.Database.URL == "" {
			errs.add("DATABASE_URL is required")
		}
		if c.Cache.Type == "redis" && c.Cache.URL == "" {
			errs.add("REDIS_URL is required")
		}
	}

	if c.Server.MaxFileSize > MaxFileSizeCap {
		errs.add("MAX_FILE_SIZE %d exceeds the %d byte cap", c.Server.MaxFileSize, int64(MaxFileSizeCap))
	}
	if t := c.Search.DefaultThreshold; t < 0 || t > 1 {
		errs.add("SEARCH_THRESHOLD must be within [0,1]; got %g", t)
	}
	if t := c.LLM.Temperature; t < 0 || t > 2 {
		errs.add("LLM_TEMPERATURE must be within [0,2]; got %g", t)
	}
	if c.LLM.MaxTokens > 32000 {
		errs.add("LLM_MAX_TOKENS must not exceed 32000; got %d", c.LLM.MaxTokens)
	}
	if c.Chunker.OverlapSize >= c.Chunker.MaxChunkSize && c.Chunker.MaxChunkSize > 0 {
		errs.add("CHUNK_OVERLAP %d must be smaller than CHUNK_SIZE %d", c.Chunker.OverlapSize, c.Chunker.MaxChunkSize)
	}

	if c.IsProduction() {
		if c.Debug {
			errs.add("DEBUG must be false in production")
		}
		for _, origin := range c.Server.CORSOrigins {
			if origin == "*" {
				errs.add("CORS_ORIGINS must not contain * in production")
			}
		}
		if strings.Contains(c.Database.URL, "sslmode=disable") {
			errs.add("database SSL must not be disabled in production")
		}
	}

	if len(errs.Problems) > 0 {
		return errs
	}
	return nil
}

func checkSecret(errs *ValidationErrors, name, value string) {
	if value == "" {
		errs.add("%s is required", name)
		return
	}
	if len(value) < 32 {
		errs.add("%s must be at least 32 characters", name)
	}
	lower := strings.ToLower(value)
	for _, pattern := range weakPatterns {
		if strings.Contains(lower, pattern) {
			errs.add("%s contains the weak pattern %q", name, pattern)
			return
		}
	}
}
