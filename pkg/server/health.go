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

package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/MartinT518/Analyst-copilot-sub000/pkg/cache"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/store"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/vector"
)

const healthProbeTimeout = 2 * time.Second

// healthHandler answers the liveness and readiness probes. Liveness is
// unconditional; readiness checks every external dependency the service
// cannot run without.
type healthHandler struct {
	store      *store.Store
	cache      cache.Cache
	vectors    vector.Store
	collection string
	logger     *slog.Logger
}

type componentStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (h *healthHandler) live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "alive"})
}

func (h *healthHandler) ready(w http.ResponseWriter, r *http.Request) {
	h.report(w, r)
}

func (h *healthHandler) overall(w http.ResponseWriter, r *http.Request) {
	h.report(w, r)
}

func (h *healthHandler) report(w http.ResponseWriter, r *http.Request) {
	components := map[string]componentStatus{}
	healthy := true

	check := func(name string, probe func(ctx context.Context) error) {
		ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
		defer cancel()
		if err := probe(ctx); err != nil {
			components[name] = componentStatus{Status: "unhealthy", Error: err.Error()}
			healthy = false
			if h.logger != nil {
				h.logger.Warn("health probe failed", "component", name, "error", err)
			}
			return
		}
		components[name] = componentStatus{Status: "healthy"}
	}

	if h.store != nil {
		check("database", h.store.Ping)
	}
	if h.cache != nil {
		check("cache", func(ctx context.Context) error {
			_, _, err := h.cache.Get(ctx, "health:probe")
			return err
		})
	}
	if h.vectors != nil {
		check("vector_store", func(ctx context.Context) error {
			_, err := h.vectors.CollectionStats(ctx, h.collection)
			return err
		})
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"components": components,
	})
}
