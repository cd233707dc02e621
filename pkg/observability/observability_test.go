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

package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainCounters(t *testing.T) {
	m := New()

	m.JobProcessed("completed")
	m.JobProcessed("completed")
	m.JobProcessed("failed")
	m.ChunksCreated(7)
	m.PIIDetected("email", 3)
	m.EmbeddingLatency(250 * time.Millisecond)
	m.WorkflowFinished("full", "completed")
	m.StageDuration("clarifier", 2*time.Second)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.jobsProcessed.WithLabelValues("completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.jobsProcessed.WithLabelValues("failed")))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.chunksCreated))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.piiDetected.WithLabelValues("email")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.workflowsFinished.WithLabelValues("full", "completed")))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.JobProcessed("completed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "acp_ingest_jobs_total")
}

func TestMiddlewareLabelsRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/abc-123", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	count := testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/api/v1/jobs/{id}", "200"))
	assert.Equal(t, float64(1), count)

	// No series keyed by the raw path.
	body := httptest.NewRecorder()
	m.Handler().ServeHTTP(body, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.False(t, strings.Contains(body.Body.String(), "abc-123"))
}
