// Package server implements the gateway's HTTP surface: routing,
// middleware, and the SSE encoder for LLM streams and the MCP transport.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jrmatherly/nexus/config"
	"github.com/jrmatherly/nexus/internal/metrics"
	"github.com/jrmatherly/nexus/ratelimit"
	"github.com/jrmatherly/nexus/types"
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares outermost-first.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Recovery converts panics into 500 responses.
func Recovery(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						zap.Any("error", err), zap.String("path", r.URL.Path))
					writeLLMError(w, types.Internal(nil))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs one line per request.
func RequestLogger(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.statusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// responseWriter captures the status code and keeps Flush working for SSE.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Flush implements http.Flusher for SSE streaming support.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// MetricsMiddleware records request metrics on the collector.
func MetricsMiddleware(collector *metrics.Collector) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)
			collector.RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
		})
	}
}

// RequestID assigns or propagates the X-Request-ID header.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				b := make([]byte, 16)
				_, _ = rand.Read(b)
				id = "req-" + hex.EncodeToString(b)
			}
			w.Header().Set("X-Request-ID", id)
			next.ServeHTTP(w, r)
		})
	}
}

// CORS answers preflight requests and sets allow headers for configured
// origins. With no configured origins, cross-origin requests get no CORS
// headers and the browser refuses them.
func CORS(cfg config.CORSConfig) Middleware {
	originSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	allowAll := false
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			allowAll = true
		}
		originSet[o] = struct{}{}
	}
	methods := strings.Join(cfg.AllowedMethods, ", ")
	if methods == "" {
		methods = "GET, POST, OPTIONS"
	}
	headers := strings.Join(cfg.AllowedHeaders, ", ")
	if headers == "" {
		headers = "Content-Type, Authorization, X-Provider-API-Key"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				if _, ok := originSet[origin]; ok || allowAll {
					allowed := origin
					if allowAll {
						allowed = "*"
					}
					w.Header().Set("Access-Control-Allow-Origin", allowed)
					w.Header().Set("Access-Control-Allow-Methods", methods)
					w.Header().Set("Access-Control-Allow-Headers", headers)
					if cfg.MaxAge > 0 {
						w.Header().Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
					}
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CSRF rejects state-changing cross-origin requests whose Origin header
// does not match the Host.
func CSRF(enabled bool) Middleware {
	return func(next http.Handler) http.Handler {
		if !enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodDelete {
				origin := r.Header.Get("Origin")
				if origin != "" && !originMatchesHost(origin, r.Host) {
					http.Error(w, `{"error":"cross-origin request rejected"}`, http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func originMatchesHost(origin, host string) bool {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	return trimmed == host
}

// ClientIP records the remote address on the context for per-ip limits.
func ClientIP() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			ctx := types.WithClientIP(r.Context(), ip)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimit runs the global and per-ip tiers before the handler.
func RateLimit(manager *ratelimit.Manager, collector *metrics.Collector) Middleware {
	return func(next http.Handler) http.Handler {
		if manager == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := manager.CheckHTTP(r.Context()); err != nil {
				if collector != nil {
					collector.RecordRateLimitDenial("http")
				}
				writeLLMError(w, types.AsError(err))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Identity extracts the caller identity per the client_identification
// config: client id and optional group id from a JWT claim or an HTTP
// header, with group values checked against the configured allow-list.
func Identity(cfg config.ClientIdentification, logger *zap.Logger) Middleware {
	allowedGroups := make(map[string]struct{}, len(cfg.Validation.GroupValues))
	for _, g := range cfg.Validation.GroupValues {
		allowedGroups[g] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			clientID := identityValue(ctx, r, cfg.ClientID)
			if clientID == "" {
				writeLLMError(w, types.NewError(types.ErrAuthenticationFailed,
					"client identification required"))
				return
			}
			identity := types.ClientIdentity{ClientID: clientID}
			if cfg.GroupID != nil {
				group := identityValue(ctx, r, *cfg.GroupID)
				if group != "" {
					if _, ok := allowedGroups[group]; !ok {
						writeLLMError(w, types.NewError(types.ErrInvalidRequest,
							"unknown client group"))
						return
					}
					identity.GroupID = group
				}
			}
			next.ServeHTTP(w, r.WithContext(types.WithClientIdentity(ctx, identity)))
		})
	}
}

// identityValue reads one identity component from its configured source.
func identityValue(ctx context.Context, r *http.Request, src config.IdentitySource) string {
	if src.HTTPHeader != "" {
		return r.Header.Get(src.HTTPHeader)
	}
	if src.JWTClaim != "" {
		if claims, ok := types.ClaimsFrom(ctx); ok {
			if v, ok := claims[src.JWTClaim].(string); ok {
				return v
			}
		}
	}
	return ""
}

// CaptureForwarding stores the caller's bearer token and provider key on
// the context so dynamic MCP downstreams and forward_token providers can
// reuse them.
func CaptureForwarding() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				ctx = types.WithBearerToken(ctx, strings.TrimPrefix(auth, "Bearer "))
			}
			if key := r.Header.Get("X-Provider-API-Key"); key != "" {
				ctx = types.WithProviderAPIKey(ctx, key)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
