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
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

var envVarPatterns = struct {
	withDefault *regexp.Regexp
	braced      *regexp.Regexp
}{
	withDefault: regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`),
	braced:      regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`),
}

// expandEnvVars substitutes ${VAR} and ${VAR:-default} references.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	s = envVarPatterns.withDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.withDefault.FindStringSubmatch(match)
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		return parts[2]
	})
	return envVarPatterns.braced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.braced.FindStringSubmatch(match)
		return os.Getenv(parts[1])
	})
}

// Load reads the configuration: .env file, then the optional YAML file
// at path, then direct environment overrides, then defaults and
// validation. An empty path skips the YAML layer.
func Load(path string) (*Config, error) {
	// A missing .env is not an error.
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		if err := loadYAML(path, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &raw); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("building config decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("decoding config file: %w", err)
	}
	return nil
}

// applyEnv overlays the recognized environment variables.
func (c *Config) applyEnv() {
	setString(&c.Environment, "ENVIRONMENT")
	setBool(&c.Debug, "DEBUG")

	setString(&c.Security.SecretKey, "SECRET_KEY")
	setString(&c.Security.JWTSecretKey, "JWT_SECRET_KEY")
	setString(&c.Security.EncryptionKey, "ENCRYPTION_KEY")

	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Cache.URL, "REDIS_URL")
	if v := os.Getenv("VECTOR_DB_URL"); v != "" {
		c.applyVectorURL(v)
	}

	setString(&c.LLM.Host, "LLM_ENDPOINT")
	setString(&c.LLM.Model, "LLM_MODEL")
	setString(&c.Embeddings.Host, "EMBEDDING_ENDPOINT")
	setString(&c.Embeddings.Model, "EMBEDDING_MODEL")

	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.Server.CORSOrigins = origins
	}
	setInt64(&c.RateLimit.Limit, "RATE_LIMIT_REQUESTS")
	if v := os.Getenv("RATE_LIMIT_WINDOW"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.RateLimit.Window = time.Duration(secs) * time.Second
			c.RateLimit.Enabled = true
		}
	}

	setInt64(&c.Server.MaxFileSize, "MAX_FILE_SIZE")
	setInt(&c.Chunker.MaxChunkSize, "CHUNK_SIZE")
	setInt(&c.Chunker.OverlapSize, "CHUNK_OVERLAP")
	if v := os.Getenv("SEARCH_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			c.Search.DefaultThreshold = float32(f)
		}
	}
	if v := os.Getenv("LLM_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.LLM.Temperature = f
		}
	}
	setInt(&c.LLM.MaxTokens, "LLM_MAX_TOKENS")
	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.Format, "LOG_FORMAT")
}

// applyVectorURL maps a URL like http://qdrant:6334 onto the vector
// client's host/port/TLS fields.
func (c *Config) applyVectorURL(raw string) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		c.Vector.Host = raw
		return
	}
	c.Vector.Host = u.Hostname()
	if p := u.Port(); p != "" {
		if port, err := strconv.Atoi(p); err == nil {
			c.Vector.Port = port
		}
	}
	c.Vector.UseTLS = u.Scheme == "https"
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}
