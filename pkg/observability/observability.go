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

// Package observability exposes Prometheus metrics for the ingest
// pipeline, the workflow engine and the HTTP servers.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config configures metrics collection.
type Config struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// SetDefaults fills zero values with working defaults.
func (c *Config) SetDefaults() {
	if c.Path == "" {
		c.Path = "/metrics"
	}
}

// Metrics holds every instrument on a private registry. A disabled
// Metrics still records; only the HTTP handler differs.
type Metrics struct {
	registry *prometheus.Registry

	jobsProcessed    *prometheus.CounterVec
	chunksCreated    prometheus.Counter
	piiDetected      *prometheus.CounterVec
	embeddingLatency prometheus.Histogram

	workflowsFinished *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New builds a metrics set on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acp_ingest_jobs_total",
			Help: "Ingest jobs finished, by terminal status.",
		}, []string{"status"}),
		chunksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acp_ingest_chunks_created_total",
			Help: "Knowledge chunks persisted.",
		}),
		piiDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acp_pii_detections_total",
			Help: "PII entities detected during ingestion, by entity type.",
		}, []string{"entity_type"}),
		embeddingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "acp_embedding_latency_seconds",
			Help:    "Latency of embedding provider calls.",
			Buckets: prometheus.DefBuckets,
		}),
		workflowsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acp_workflows_finished_total",
			Help: "Workflow executions finished, by type and terminal status.",
		}, []string{"workflow_type", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "acp_workflow_stage_duration_seconds",
			Help:    "Duration of workflow stage invocations.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"stage"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acp_http_requests_total",
			Help: "HTTP requests served, by method, route and status code.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "acp_http_request_duration_seconds",
			Help:    "HTTP request latency, by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		m.jobsProcessed, m.chunksCreated, m.piiDetected, m.embeddingLatency,
		m.workflowsFinished, m.stageDuration, m.httpRequests, m.httpDuration,
	)
	return m
}

// JobProcessed counts one finished ingest job.
func (m *Metrics) JobProcessed(status string) {
	m.jobsProcessed.WithLabelValues(status).Inc()
}

// ChunksCreated counts persisted chunks.
func (m *Metrics) ChunksCreated(n int) {
	m.chunksCreated.Add(float64(n))
}

// PIIDetected counts detected PII entities of one type.
func (m *Metrics) PIIDetected(entityType string, n int) {
	m.piiDetected.WithLabelValues(entityType).Add(float64(n))
}

// EmbeddingLatency observes one embedding call.
func (m *Metrics) EmbeddingLatency(d time.Duration) {
	m.embeddingLatency.Observe(d.Seconds())
}

// WorkflowFinished counts one terminal workflow execution.
func (m *Metrics) WorkflowFinished(workflowType, status string) {
	m.workflowsFinished.WithLabelValues(workflowType, status).Inc()
}

// StageDuration observes one stage invocation.
func (m *Metrics) StageDuration(stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
