package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jrmatherly/nexus/config"
	"github.com/jrmatherly/nexus/types"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func newHMACValidator(t *testing.T, secret string) TokenValidator {
	t.Helper()
	return NewJWTValidator(StaticKeyfunc([]byte(secret), "", zap.NewNop()), "", "")
}

func TestJWTAuthAcceptsValidToken(t *testing.T) {
	validator := newHMACValidator(t, "s3cret")

	var seenClaims map[string]any
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenClaims, _ = types.ClaimsFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := JWTAuth(validator, nil, zap.NewNop())(inner)

	token := signHS256(t, "s3cret", jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seenClaims)
	assert.Equal(t, "u1", seenClaims["sub"])
}

func TestJWTAuthRejectsBadToken(t *testing.T) {
	validator := newHMACValidator(t, "s3cret")
	handler := JWTAuth(validator, nil, zap.NewNop())(okHandler())

	for _, auth := range []string{
		"",
		"Basic abc",
		"Bearer " + signHS256(t, "wrong-secret", jwt.MapClaims{"sub": "u1"}),
	} {
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "auth %q", auth)
	}
}

func TestJWTAuthSkipPaths(t *testing.T) {
	validator := newHMACValidator(t, "s3cret")
	handler := JWTAuth(validator, []string{"/health"}, zap.NewNop())(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIdentityFromHeader(t *testing.T) {
	cfg := config.ClientIdentification{
		Enabled:  true,
		ClientID: config.IdentitySource{HTTPHeader: "X-Client-Id"},
	}
	var identity types.ClientIdentity
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ = types.ClientIdentityFrom(r.Context())
	})
	handler := Identity(cfg, zap.NewNop())(inner)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-Client-Id", "u1")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "u1", identity.ClientID)
}

func TestIdentityFromJWTClaim(t *testing.T) {
	cfg := config.ClientIdentification{
		Enabled:  true,
		ClientID: config.IdentitySource{JWTClaim: "sub"},
		GroupID:  &config.IdentitySource{JWTClaim: "plan"},
		Validation: config.IdentityValidation{
			GroupValues: []string{"free", "pro"},
		},
	}
	var identity types.ClientIdentity
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ = types.ClientIdentityFrom(r.Context())
	})
	handler := Identity(cfg, zap.NewNop())(inner)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	ctx := types.WithClaims(req.Context(), map[string]any{"sub": "u1", "plan": "free"})
	handler.ServeHTTP(httptest.NewRecorder(), req.WithContext(ctx))

	assert.Equal(t, "u1", identity.ClientID)
	assert.Equal(t, "free", identity.GroupID)
}

func TestIdentityRejectsUnknownGroup(t *testing.T) {
	cfg := config.ClientIdentification{
		Enabled:    true,
		ClientID:   config.IdentitySource{HTTPHeader: "X-Client-Id"},
		GroupID:    &config.IdentitySource{HTTPHeader: "X-Group"},
		Validation: config.IdentityValidation{GroupValues: []string{"free"}},
	}
	handler := Identity(cfg, zap.NewNop())(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-Client-Id", "u1")
	req.Header.Set("X-Group", "enterprise")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIdentityMissingClientIDFails(t *testing.T) {
	cfg := config.ClientIdentification{
		Enabled:  true,
		ClientID: config.IdentitySource{HTTPHeader: "X-Client-Id"},
	}
	handler := Identity(cfg, zap.NewNop())(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCaptureForwarding(t *testing.T) {
	var bearer, providerKey string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer, _ = types.BearerTokenFrom(r.Context())
		providerKey, _ = types.ProviderAPIKeyFrom(r.Context())
	})
	handler := CaptureForwarding()(inner)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer abc")
	req.Header.Set("X-Provider-API-Key", "pk-1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "abc", bearer)
	assert.Equal(t, "pk-1", providerKey)
}

func TestCORSPreflight(t *testing.T) {
	handler := CORS(config.CORSConfig{
		AllowedOrigins: []string{"https://app.example.com"},
	})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSUnknownOriginGetsNoHeaders(t *testing.T) {
	handler := CORS(config.CORSConfig{
		AllowedOrigins: []string{"https://app.example.com"},
	})(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCSRFRejectsCrossOriginPost(t *testing.T) {
	handler := CSRF(true)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "http://gateway.local/mcp", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Same-origin posts pass.
	req = httptest.NewRequest(http.MethodPost, "http://gateway.local/mcp", nil)
	req.Header.Set("Origin", "http://gateway.local")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClientIPMiddleware(t *testing.T) {
	var ip string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _ = types.ClientIPFrom(r.Context())
	})
	handler := ClientIP()(inner)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:54321"
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "10.1.2.3", ip)
}

func TestRecoveryCatchesPanic(t *testing.T) {
	handler := Recovery(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestChainOrder(t *testing.T) {
	var order []string
	mk := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	handler := Chain(okHandler(), mk("outer"), mk("inner"))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner"}, order)
}
