package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jrmatherly/nexus/config"
	"github.com/jrmatherly/nexus/internal/metrics"
	"github.com/jrmatherly/nexus/internal/server"
	"github.com/jrmatherly/nexus/internal/telemetry"
	"github.com/jrmatherly/nexus/llm"
	"github.com/jrmatherly/nexus/mcp"
	"github.com/jrmatherly/nexus/providers/anthropic"
	"github.com/jrmatherly/nexus/providers/bedrock"
	"github.com/jrmatherly/nexus/providers/google"
	"github.com/jrmatherly/nexus/providers/openai"
	"github.com/jrmatherly/nexus/ratelimit"
)

// serve wires the gateway and blocks until shutdown.
func serve(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("telemetry init failed, continuing without exporters", zap.Error(err))
		otelProviders = &telemetry.Providers{}
	}
	recorder := telemetry.NewRecorder(logger)
	collector := metrics.NewCollector("nexus", logger)

	// Rate-limit store and manager.
	var store ratelimit.Store
	if cfg.Server.RateLimits.Storage.Type == "redis" {
		store, err = ratelimit.NewRedisStore(cfg.Server.RateLimits.Storage, logger)
		if err != nil {
			return fmt.Errorf("rate limit storage: %w", err)
		}
	} else {
		store = ratelimit.NewMemoryStore()
	}
	defer store.Close()
	manager := ratelimit.NewManager(store, cfg.Server.RateLimits,
		cfg.MCP.Servers, cfg.LLM.Providers, logger)

	// LLM router.
	var router *llm.Router
	if cfg.LLM.Enabled {
		handles, err := buildHandles(ctx, cfg, logger)
		if err != nil {
			return err
		}
		router = llm.NewRouter(handles, manager, recorder, logger)
	}

	// MCP aggregation.
	var mcpServer *mcp.Server
	var static *mcp.Aggregator
	var dynamic *mcp.DynamicCache
	if cfg.MCP.Enabled {
		// Gateway-wide header rules run before per-server rules.
		servers := make(map[string]config.MCPServerConfig, len(cfg.MCP.Servers))
		for name, srv := range cfg.MCP.Servers {
			srv.Headers = append(append([]config.HeaderRule{}, cfg.MCP.Headers...), srv.Headers...)
			servers[name] = srv
		}
		staticServers := make(map[string]config.MCPServerConfig)
		for name, srv := range servers {
			if !srv.Auth.IsForward() {
				staticServers[name] = srv
			}
		}
		static = mcp.NewAggregator(ctx, staticServers, "", nil, logger)
		dynamic = mcp.NewDynamicCache(servers,
			cfg.MCP.DynamicCacheSize, cfg.MCP.DynamicCacheTTL.AsDuration(), logger)
		defer static.Close()
		defer dynamic.Close()

		if static.Len() == 0 && !dynamic.HasServers() {
			return fmt.Errorf("mcp is enabled but no downstream server could be initialized")
		}
		mcpServer = mcp.NewServer(static, dynamic, manager,
			cfg.MCP.EnableStructuredContent, logger)
	}

	// JWT validation.
	var validator server.TokenValidator
	if oauth := cfg.Server.OAuth; oauth != nil {
		keyfunc := server.StaticKeyfunc(
			[]byte(oauth.Signing.Secret), oauth.Signing.PublicKey, logger)
		validator = server.NewJWTValidator(keyfunc,
			oauth.ExpectedIssuer, oauth.ExpectedAudience)
	}

	srv := server.New(server.Options{
		Config:    cfg,
		Router:    router,
		MCPServer: mcpServer,
		RateLimit: manager,
		Validator: validator,
		Collector: collector,
		Logger:    logger,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	if err := otelProviders.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	return nil
}

// buildHandles constructs one provider adapter per configured provider.
func buildHandles(ctx context.Context, cfg *config.Config, logger *zap.Logger) (map[string]*llm.Handle, error) {
	handles := make(map[string]*llm.Handle, len(cfg.LLM.Providers))
	for name, pc := range cfg.LLM.Providers {
		var provider llm.Provider
		switch pc.Type {
		case "openai":
			provider = openai.New(name, pc, logger)
		case "anthropic":
			provider = anthropic.New(name, pc, logger)
		case "google":
			provider = google.New(name, pc, logger)
		case "bedrock":
			p, err := bedrock.New(ctx, name, pc, logger)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", name, err)
			}
			provider = p
		default:
			return nil, fmt.Errorf("provider %s: unknown type %q", name, pc.Type)
		}
		handles[name] = llm.NewHandle(provider, pc)
	}
	return handles, nil
}
