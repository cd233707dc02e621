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

package cache

import (
	"context"
	"fmt"
	"time"
)

// Cache is the shared fast-state surface: token revocation, rate limit
// counters, and pseudonym mappings all live behind it.
type Cache interface {
	// Set stores a value with a TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// SetNX stores the value only if the key is absent. Returns true when
	// the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Incr atomically increments a counter, applying ttl on first write.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Delete removes a key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Config holds cache connection settings.
type Config struct {
	// Type selects the backend: "redis" or "memory".
	Type string `yaml:"type" mapstructure:"type"`

	// URL is a redis connection URL (redis://host:port/db).
	URL string `yaml:"url" mapstructure:"url"`
}

// SetDefaults applies default configuration values.
func (c *Config) SetDefaults() {
	if c.Type == "" {
		c.Type = "redis"
	}
	if c.URL == "" {
		c.URL = "redis://localhost:6379/0"
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Type {
	case "redis", "memory":
	default:
		return fmt.Errorf("unsupported cache type: %s", c.Type)
	}
	if c.Type == "redis" && c.URL == "" {
		return fmt.Errorf("cache url is required")
	}
	return nil
}

// New creates a cache backend from config.
func New(cfg *Config) (Cache, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case "redis":
		return NewRedisCache(cfg.URL)
	case "memory":
		return NewMemoryCache(), nil
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// RevocationKey names the marker for a revoked JWT. The TTL on the marker
// matches the token's remaining lifetime.
func RevocationKey(jti string) string {
	return "revoked_token:" + jti
}

// RateLimitKey names a fixed-window request counter.
func RateLimitKey(subject string, window int64) string {
	return fmt.Sprintf("rl:%s:%d", subject, window)
}

// PseudonymKey names a tenant-scoped pseudonym mapping.
func PseudonymKey(tenant, hash string) string {
	return fmt.Sprintf("pseudonym:%s:%s", tenant, hash)
}
