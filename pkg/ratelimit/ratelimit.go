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

// Package ratelimit enforces fixed-window request limits backed by the
// shared cache, so every service replica counts against the same window.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MartinT518/Analyst-copilot-sub000/pkg/cache"
)

// ErrRateLimitExceeded is returned when a subject is over its window limit.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// Config holds limiter settings.
type Config struct {
	// Enabled turns the limiter on. Disabled limiters allow everything.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Limit is the number of requests allowed per window.
	Limit int64 `yaml:"limit" mapstructure:"limit"`

	// Window is the fixed window size.
	Window time.Duration `yaml:"window" mapstructure:"window"`
}

// SetDefaults applies default configuration values.
func (c *Config) SetDefaults() {
	if c.Limit <= 0 {
		c.Limit = 120
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
}

// Result describes one limit check.
type Result struct {
	Allowed    bool
	Current    int64
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter counts requests per subject in fixed windows.
type Limiter struct {
	cfg   Config
	cache cache.Cache
	now   func() time.Time
}

// NewLimiter creates a limiter over the cache backend.
func NewLimiter(cfg Config, c cache.Cache) (*Limiter, error) {
	cfg.SetDefaults()
	if cfg.Enabled && c == nil {
		return nil, fmt.Errorf("cache backend is required")
	}
	return &Limiter{cfg: cfg, cache: c, now: time.Now}, nil
}

// Allow records one request for the subject and reports whether it fits in
// the current window.
func (l *Limiter) Allow(ctx context.Context, subject string) (*Result, error) {
	if !l.cfg.Enabled {
		return &Result{Allowed: true, Limit: l.cfg.Limit, Remaining: l.cfg.Limit}, nil
	}
	if subject == "" {
		return nil, fmt.Errorf("subject cannot be empty")
	}

	now := l.now()
	window := now.Unix() / int64(l.cfg.Window.Seconds())
	key := cache.RateLimitKey(subject, window)

	current, err := l.cache.Incr(ctx, key, l.cfg.Window)
	if err != nil {
		return nil, fmt.Errorf("failed to count request: %w", err)
	}

	result := &Result{
		Current:   current,
		Limit:     l.cfg.Limit,
		Remaining: l.cfg.Limit - current,
	}
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	if current > l.cfg.Limit {
		windowEnd := time.Unix((window+1)*int64(l.cfg.Window.Seconds()), 0)
		result.RetryAfter = windowEnd.Sub(now)
		return result, nil
	}
	result.Allowed = true
	return result, nil
}
