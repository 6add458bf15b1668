package server

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/jrmatherly/nexus/config"
	"github.com/jrmatherly/nexus/types"
)

// TokenValidator validates a bearer token and yields its claims. The
// JWKS-backed OAuth validator satisfies this interface; JWTValidator
// below covers statically-keyed deployments.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (map[string]any, error)
}

// JWTValidator validates JWTs with a jwt.Keyfunc. Supports HS256 and
// RS256; issuer and audience are enforced when configured.
type JWTValidator struct {
	keyfunc jwt.Keyfunc
	opts    []jwt.ParserOption
}

// NewJWTValidator builds a validator over an externally supplied keyfunc
// (e.g. one backed by a JWKS cache).
func NewJWTValidator(keyfunc jwt.Keyfunc, issuer, audience string) *JWTValidator {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "RS256"})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &JWTValidator{keyfunc: keyfunc, opts: opts}
}

// StaticKeyfunc resolves tokens against a fixed HMAC secret and/or RSA
// public key, selected by the token's algorithm.
func StaticKeyfunc(hmacSecret []byte, publicKeyPEM string, logger *zap.Logger) jwt.Keyfunc {
	var rsaKey *rsa.PublicKey
	if publicKeyPEM != "" {
		block, _ := pem.Decode([]byte(publicKeyPEM))
		if block != nil {
			if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
				if k, ok := pub.(*rsa.PublicKey); ok {
					rsaKey = k
				}
			}
		}
		if rsaKey == nil {
			logger.Warn("failed to parse RSA public key, RS256 verification disabled")
		}
	}
	return func(token *jwt.Token) (any, error) {
		switch token.Method.Alg() {
		case "HS256":
			if len(hmacSecret) == 0 {
				return nil, fmt.Errorf("HMAC secret not configured")
			}
			return hmacSecret, nil
		case "RS256":
			if rsaKey == nil {
				return nil, fmt.Errorf("RSA public key not configured")
			}
			return rsaKey, nil
		default:
			return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
		}
	}
}

// Validate implements TokenValidator.
func (v *JWTValidator) Validate(_ context.Context, tokenStr string) (map[string]any, error) {
	token, err := jwt.Parse(tokenStr, v.keyfunc, v.opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return map[string]any(claims), nil
}

// JWTAuth validates the Authorization bearer token and injects its claims
// into the request context. skipPaths (health, well-known) bypass auth.
func JWTAuth(validator TokenValidator, skipPaths []string, logger *zap.Logger) Middleware {
	skipSet := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skipSet[p] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		if validator == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, skip := skipSet[r.URL.Path]; skip {
				next.ServeHTTP(w, r)
				return
			}
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeLLMError(w, types.NewError(types.ErrAuthenticationFailed,
					"missing or malformed Authorization header"))
				return
			}
			claims, err := validator.Validate(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				logger.Debug("JWT validation failed", zap.Error(err))
				writeLLMError(w, types.NewError(types.ErrAuthenticationFailed,
					"invalid or expired token"))
				return
			}
			next.ServeHTTP(w, r.WithContext(types.WithClaims(r.Context(), claims)))
		})
	}
}

// ProtectedResourceHandler serves /.well-known/oauth-protected-resource.
func ProtectedResourceHandler(cfg *config.OAuthConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if cfg == nil {
			w.Write([]byte(`{}`))
			return
		}
		fmt.Fprintf(w, `{"resource":%q,"authorization_servers":[`, cfg.ProtectedResource.Resource)
		for i, s := range cfg.ProtectedResource.AuthorizationServers {
			if i > 0 {
				w.Write([]byte(","))
			}
			fmt.Fprintf(w, "%q", s)
		}
		w.Write([]byte(`]}`))
	}
}
