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

// Package server exposes the platform over HTTP: the ingest service
// (uploads, search, auth, exports) and the agents service (workflow
// submission, answers, results). Both are chi routers behind the same
// middleware stack: request id, structured access logs, auth, rate
// limiting and metrics.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MartinT518/Analyst-copilot-sub000/pkg/config"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/observability"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/ratelimit"
)

// Server wraps an http.Server with the configured timeouts and a graceful
// shutdown path.
type Server struct {
	name   string
	srv    *http.Server
	logger *slog.Logger
}

// NewServer builds a named server around a handler.
func NewServer(name, addr string, handler http.Handler, cfg config.ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		name: name,
		srv: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		logger: logger,
	}
}

// Run serves until the context is cancelled, then shuts down gracefully
// within the given timeout.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "server", s.name, "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("http server shutting down", "server", s.name)
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// Middleware is the shared outer stack applied to both services.
type Middleware struct {
	CORSOrigins []string
	Limiter     *ratelimit.Limiter
	Metrics     *observability.Metrics
	Logger      *slog.Logger
}

// apply mounts the outer middleware on a router, innermost last.
func (m Middleware) apply(r chi.Router) {
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if m.Logger != nil {
		r.Use(accessLog(m.Logger))
	}
	r.Use(middleware.Recoverer)
	if len(m.CORSOrigins) > 0 {
		r.Use(corsMiddleware(m.CORSOrigins))
	}
	if m.Metrics != nil {
		r.Use(m.Metrics.Middleware)
	}
	if m.Limiter != nil {
		r.Use(ratelimit.Middleware(ratelimit.MiddlewareConfig{
			Limiter:       m.Limiter,
			ExcludedPaths: []string{"/health", "/health/live", "/health/ready", "/health/startup", "/metrics"},
		}))
	}
}

// accessLog emits one structured line per request.
func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// corsMiddleware answers preflight requests and sets the allow headers for
// origins on the configured list. A wildcard entry allows any origin;
// config validation rejects that in production.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	wildcard := false
	for _, o := range origins {
		if o == "*" {
			wildcard = true
		}
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (wildcard || allowed[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
