package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jrmatherly/nexus/config"
	"github.com/jrmatherly/nexus/internal/metrics"
	"github.com/jrmatherly/nexus/llm"
	"github.com/jrmatherly/nexus/mcp"
	"github.com/jrmatherly/nexus/ratelimit"
)

// Options wires the gateway's components into the HTTP surface.
type Options struct {
	Config    *config.Config
	Router    *llm.Router    // nil when llm is disabled
	MCPServer *mcp.Server    // nil when mcp is disabled
	RateLimit *ratelimit.Manager
	Validator TokenValidator // nil disables JWT auth
	Collector *metrics.Collector
	Logger    *zap.Logger
}

// Server is the gateway's HTTP front end.
type Server struct {
	httpServer   *http.Server
	healthServer *http.Server
	cfg          *config.Config
	logger       *zap.Logger
}

// New assembles the route table and middleware chain.
// Middleware order, outermost first: recovery, logging, metrics, request
// ID, CORS, CSRF, JWT auth (health, well-known and metrics skipped), client
// IP, identity extraction, forwarding capture, rate limiting.
func New(opts Options) *Server {
	cfg := opts.Config
	logger := opts.Logger

	healthPath := cfg.Server.Health.Path
	mux := http.NewServeMux()
	if cfg.Server.Health.Enabled && cfg.Server.Health.Listen == "" {
		mux.HandleFunc("GET "+healthPath, HealthHandler())
	}
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", ProtectedResourceHandler(cfg.Server.OAuth))
	mux.Handle("GET /metrics", promhttp.Handler())

	if opts.MCPServer != nil {
		mux.Handle(cfg.MCP.Path, NewMCPHandler(opts.MCPServer, logger))
	}
	if opts.Router != nil {
		llmHandler := NewLLMHandler(opts.Router, logger)
		base := cfg.LLM.Path
		mux.HandleFunc("POST "+base+"/v1/chat/completions", llmHandler.HandleChatCompletions)
		mux.HandleFunc("GET "+base+"/v1/models", llmHandler.HandleModels)
	}

	skipAuth := []string{healthPath, "/.well-known/oauth-protected-resource", "/metrics"}
	handler := Chain(mux,
		Recovery(logger),
		RequestLogger(logger),
		MetricsMiddleware(opts.Collector),
		RequestID(),
		CORS(cfg.Server.CORS),
		CSRF(cfg.Server.CSRF.Enabled),
		JWTAuth(opts.Validator, skipAuth, logger),
		ClientIP(),
		Identity(cfg.Server.ClientIdentification, logger),
		CaptureForwarding(),
		RateLimit(opts.RateLimit, opts.Collector),
	)

	s := &Server{
		httpServer: &http.Server{
			Addr:              cfg.Server.ListenAddress,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		cfg:    cfg,
		logger: logger.With(zap.String("component", "http_server")),
	}

	if cfg.Server.Health.Enabled && cfg.Server.Health.Listen != "" {
		healthMux := http.NewServeMux()
		healthMux.HandleFunc("GET "+healthPath, HealthHandler())
		s.healthServer = &http.Server{
			Addr:              cfg.Server.Health.Listen,
			Handler:           healthMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return s
}

// ListenAndServe blocks until the listener fails or Shutdown runs.
func (s *Server) ListenAndServe() error {
	if s.healthServer != nil {
		go func() {
			s.logger.Info("health listener started",
				zap.String("addr", s.healthServer.Addr))
			if err := s.healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Error("health listener failed", zap.Error(err))
			}
		}()
	}

	s.logger.Info("listening", zap.String("addr", s.httpServer.Addr))
	if s.cfg.Server.TLS != nil {
		return s.httpServer.ListenAndServeTLS(
			s.cfg.Server.TLS.Certificate, s.cfg.Server.TLS.Key)
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.healthServer != nil {
		if err := s.healthServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown: %v", errs)
	}
	return nil
}
