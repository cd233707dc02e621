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

package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/MartinT518/Analyst-copilot-sub000/pkg/auth"
)

// IdentifierFunc extracts the rate limit subject from a request.
type IdentifierFunc func(r *http.Request) string

// DefaultIdentifierFunc keys on the authenticated user when present and
// falls back to the remote address for anonymous routes.
func DefaultIdentifierFunc(r *http.Request) string {
	if claims := auth.ClaimsFromContext(r.Context()); claims != nil {
		return claims.Subject
	}
	return r.RemoteAddr
}

// MiddlewareConfig configures the rate limiting middleware.
type MiddlewareConfig struct {
	Limiter *Limiter

	// IdentifierFunc extracts the subject. Defaults to DefaultIdentifierFunc.
	IdentifierFunc IdentifierFunc

	// ExcludedPaths bypass the limiter (health probes, metrics).
	ExcludedPaths []string
}

// Middleware enforces the limiter on every non-excluded request, answering
// 429 with Retry-After when a subject is over its window.
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	if cfg.Limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	if cfg.IdentifierFunc == nil {
		cfg.IdentifierFunc = DefaultIdentifierFunc
	}
	excluded := make(map[string]bool, len(cfg.ExcludedPaths))
	for _, path := range cfg.ExcludedPaths {
		excluded[path] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if excluded[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			result, err := cfg.Limiter.Allow(r.Context(), cfg.IdentifierFunc(r))
			if err != nil {
				// The limiter backend being down must not take the API down
				// with it.
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
			if !result.Allowed {
				seconds := int(result.RetryAfter.Seconds())
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"rate limit exceeded","retry_after_seconds":%d}`, seconds)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
