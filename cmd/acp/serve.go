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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/MartinT518/Analyst-copilot-sub000/pkg/agents"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/audit"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/auth"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/cache"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/chunker"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/config"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/embedders"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/export"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/ingest"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/llms"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/observability"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/parsers"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/pii"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/ratelimit"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/search"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/server"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/store"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/vector"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/workflow"
)

// core holds the collaborators both services share.
type core struct {
	cfg     *config.Config
	store   *store.Store
	cache   cache.Cache
	chain   *audit.Chain
	tokens  *auth.TokenService
	authz   *auth.Authorizer
	authMW  *auth.Middleware
	limiter *ratelimit.Limiter
	metrics *observability.Metrics
	logger  *slog.Logger
}

// buildCore connects the relational store and cache and wires auth. Any
// failure here is a dependency failure.
func buildCore(ctx context.Context, cfg *config.Config) (*core, error) {
	logger := slog.Default()

	st, err := store.Open(ctx, &store.Config{
		Driver: cfg.Database.Driver(),
		DSN:    cfg.Database.DSN(),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	if err := st.SeedRBAC(ctx); err != nil {
		return nil, fmt.Errorf("seeding roles: %w", err)
	}

	c, err := cache.New(&cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("connecting to cache: %w", err)
	}

	auditStore, err := audit.NewSQLStore(st.DB(), cfg.Database.Driver())
	if err != nil {
		return nil, fmt.Errorf("preparing audit store: %w", err)
	}
	chain := audit.NewChain(auditStore)

	tokens, err := auth.NewTokenService(auth.TokenConfig{
		Secret:   cfg.Security.JWTSecretKey,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		TTL:      cfg.Auth.TokenTTL,
	}, c)
	if err != nil {
		return nil, fmt.Errorf("configuring tokens: %w", err)
	}

	limiter, err := ratelimit.NewLimiter(cfg.RateLimit, c)
	if err != nil {
		return nil, fmt.Errorf("configuring rate limiter: %w", err)
	}
	if !cfg.RateLimit.Enabled {
		limiter = nil
	}

	return &core{
		cfg:     cfg,
		store:   st,
		cache:   c,
		chain:   chain,
		tokens:  tokens,
		authz:   auth.NewAuthorizer(st),
		authMW:  auth.NewMiddleware(tokens, st),
		limiter: limiter,
		metrics: observability.New(),
		logger:  logger,
	}, nil
}

func (c *core) middleware() server.Middleware {
	return server.Middleware{
		CORSOrigins: c.cfg.Server.CORSOrigins,
		Limiter:     c.limiter,
		Metrics:     c.metrics,
		Logger:      c.logger,
	}
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// waitGroup treats a signal-triggered cancellation as a clean exit.
func waitGroup(g *errgroup.Group) error {
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ServeIngestCmd starts the ingest service: the upload/search/auth HTTP
// surface plus the ingestion worker pool.
type ServeIngestCmd struct{}

func (c *ServeIngestCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	cr, err := buildCore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cr.store.Close()

	vectors, err := vector.New(&cfg.Vector)
	if err != nil {
		return fmt.Errorf("connecting to vector store: %w", err)
	}
	defer vectors.Close()

	embedder, err := embedders.NewRegistry().Create("default", &cfg.Embeddings)
	if err != nil {
		return fmt.Errorf("configuring embedder: %w", err)
	}
	defer embedder.Close()

	chunk, err := chunker.New(cfg.Chunker)
	if err != nil {
		return fmt.Errorf("configuring chunker: %w", err)
	}
	redactor, err := pii.NewProcessor(cfg.PII, nil)
	if err != nil {
		return fmt.Errorf("configuring pii processor: %w", err)
	}

	coordinator, err := ingest.New(cfg.Ingest, ingest.Deps{
		Store:    cr.store,
		Vectors:  vectors,
		Embedder: embedder,
		Parsers:  parsers.NewRegistry(nil),
		Chunker:  chunk,
		PII:      redactor,
		Chain:    cr.chain,
		Metrics:  cr.metrics,
		Logger:   cr.logger,
	})
	if err != nil {
		return fmt.Errorf("configuring ingest coordinator: %w", err)
	}

	searchSvc, err := search.New(cfg.Search, cr.store, vectors, embedder, cr.chain, cr.logger)
	if err != nil {
		return fmt.Errorf("configuring search: %w", err)
	}

	router, err := server.NewIngestRouter(server.IngestAPIConfig{
		UploadDir:   cfg.Server.UploadDir,
		MaxFileSize: cfg.Server.MaxFileSize,
		Collection:  cfg.Ingest.Collection,
	}, server.IngestDeps{
		Store:      cr.store,
		Search:     searchSvc,
		Tokens:     cr.tokens,
		AuthMW:     cr.authMW,
		Authorizer: cr.authz,
		Chain:      cr.chain,
		Cache:      cr.cache,
		Vectors:    vectors,
		Logger:     cr.logger,
	}, cr.middleware())
	if err != nil {
		return err
	}

	srv := server.NewServer("ingest", cfg.Server.IngestAddr, router, cfg.Server, cr.logger)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coordinator.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx, cfg.Server.ShutdownTimeout) })
	return waitGroup(g)
}

// ServeAgentsCmd starts the agents service: the workflow HTTP surface plus
// the workflow engine workers and the export sweeper.
type ServeAgentsCmd struct{}

func (c *ServeAgentsCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	cr, err := buildCore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cr.store.Close()

	vectors, err := vector.New(&cfg.Vector)
	if err != nil {
		return fmt.Errorf("connecting to vector store: %w", err)
	}
	defer vectors.Close()

	embedder, err := embedders.NewRegistry().Create("default", &cfg.Embeddings)
	if err != nil {
		return fmt.Errorf("configuring embedder: %w", err)
	}
	defer embedder.Close()

	llm, err := llms.NewRegistry().Create("default", &cfg.LLM)
	if err != nil {
		return fmt.Errorf("configuring llm: %w", err)
	}
	defer llm.Close()

	searchSvc, err := search.New(cfg.Search, cr.store, vectors, embedder, cr.chain, cr.logger)
	if err != nil {
		return fmt.Errorf("configuring search: %w", err)
	}

	collb := agents.Collaborators{
		LLM:    llm,
		Search: searchSvc,
		Chain:  cr.chain,
		Logger: cr.logger,
	}
	clarifier, err := agents.NewClarifier(cfg.Agents.Clarifier, collb)
	if err != nil {
		return err
	}
	synthesizer, err := agents.NewSynthesizer(cfg.Agents.Synthesizer, collb)
	if err != nil {
		return err
	}
	taskmaster, err := agents.NewTaskmaster(cfg.Agents.Taskmaster, collb)
	if err != nil {
		return err
	}
	verifier, err := agents.NewVerifier(cfg.Agents.Verifier, collb)
	if err != nil {
		return err
	}

	engine, err := workflow.New(cfg.Workflow, workflow.Deps{
		Store:   cr.store,
		Stages:  workflow.StageSet(clarifier, synthesizer, taskmaster, verifier),
		Search:  searchSvc,
		Chain:   cr.chain,
		Metrics: cr.metrics,
		Logger:  cr.logger,
	})
	if err != nil {
		return err
	}

	exports, err := export.New(cfg.Export, cr.store, cr.chain, cr.logger)
	if err != nil {
		return err
	}

	router, err := server.NewAgentsRouter(server.AgentsDeps{
		Store:      cr.store,
		Engine:     engine,
		Exports:    exports,
		AuthMW:     cr.authMW,
		Authorizer: cr.authz,
		Cache:      cr.cache,
		Metrics:    cr.metrics,
		Logger:     cr.logger,
	}, cr.middleware())
	if err != nil {
		return err
	}

	srv := server.NewServer("agents", cfg.Server.AgentsAddr, router, cfg.Server, cr.logger)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return exports.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx, cfg.Server.ShutdownTimeout) })
	return waitGroup(g)
}

// VerifyAuditCmd walks the audit chain and reports broken hash links.
type VerifyAuditCmd struct {
	Limit int `help:"Number of most recent entries to verify (0 = all)." default:"0"`
}

func (c *VerifyAuditCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	st, err := store.Open(ctx, &store.Config{
		Driver: cfg.Database.Driver(),
		DSN:    cfg.Database.DSN(),
	})
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer st.Close()

	auditStore, err := audit.NewSQLStore(st.DB(), cfg.Database.Driver())
	if err != nil {
		return err
	}
	result, err := audit.NewChain(auditStore).VerifyChain(ctx, c.Limit)
	if err != nil {
		return err
	}

	fmt.Printf("verified %d entries\n", result.Total)
	if !result.Valid {
		for _, problem := range result.Errors {
			fmt.Printf("  broken: %s\n", problem)
		}
		return fmt.Errorf("audit chain verification failed")
	}
	fmt.Println("audit chain intact")
	return nil
}
