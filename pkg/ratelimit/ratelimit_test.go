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
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MartinT518/Analyst-copilot-sub000/pkg/cache"
)

func newLimiter(t *testing.T, limit int64, window time.Duration) *Limiter {
	t.Helper()
	l, err := NewLimiter(Config{Enabled: true, Limit: limit, Window: window}, cache.NewMemoryCache())
	require.NoError(t, err)
	return l
}

func TestLimiterAllowsUnderLimit(t *testing.T) {
	l := newLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := l.Allow(ctx, "user-1")
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}

	result, err := l.Allow(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, int64(0), result.Remaining)
	assert.Greater(t, result.RetryAfter, time.Duration(0))

	// other subjects have their own window
	result, err = l.Allow(ctx, "user-2")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestLimiterWindowRollover(t *testing.T) {
	l := newLimiter(t, 1, time.Minute)
	ctx := context.Background()

	base := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return base }

	result, err := l.Allow(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	result, err = l.Allow(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	l.now = func() time.Time { return base.Add(time.Minute) }
	result, err = l.Allow(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestLimiterDisabled(t *testing.T) {
	l, err := NewLimiter(Config{Enabled: false}, nil)
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		result, err := l.Allow(context.Background(), "user-1")
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}
}

func TestMiddleware(t *testing.T) {
	l := newLimiter(t, 2, time.Minute)
	handler := Middleware(MiddlewareConfig{
		Limiter:       l,
		ExcludedPaths: []string{"/health/live"},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do("/api/search").Code)
	assert.Equal(t, http.StatusOK, do("/api/search").Code)

	rec := do("/api/search")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	// excluded paths never count
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, do("/health/live").Code)
	}
}
