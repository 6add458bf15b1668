// Package providers holds helpers shared by the LLM provider adapters.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/jrmatherly/nexus/config"
	"github.com/jrmatherly/nexus/llm"
	"github.com/jrmatherly/nexus/types"
)

// ResolveAPIKey picks the upstream credential for a request. When
// forward_token is enabled the caller's X-Provider-API-Key header wins;
// otherwise the header is ignored and the configured key is used.
func ResolveAPIKey(ctx context.Context, cfg config.ProviderConfig) (string, error) {
	if cfg.ForwardToken {
		if key, ok := types.ProviderAPIKeyFrom(ctx); ok {
			return key, nil
		}
	}
	if cfg.APIKey != "" {
		return cfg.APIKey, nil
	}
	return "", types.NewError(types.ErrAuthenticationFailed, "no API key available for provider")
}

// ApplyExtraHeaders copies router-supplied header-rule output onto the
// upstream request. Adapters set their own auth and content-type headers
// afterwards, so those always win.
func ApplyExtraHeaders(ctx context.Context, req *http.Request) {
	extra, ok := llm.UpstreamHeadersFromContext(ctx)
	if !ok {
		return
	}
	for name, values := range extra {
		req.Header.Del(name)
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
}

// ReadErrorMessage extracts an error message from an OpenAI-style error
// body, falling back to the raw body.
func ReadErrorMessage(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	return string(data)
}

// MapHTTPError folds an upstream HTTP failure into the surface taxonomy.
// The mapping is total: every status lands on exactly one kind.
func MapHTTPError(status int, msg, provider string) *types.Error {
	switch status {
	case http.StatusBadRequest:
		return types.NewError(types.ErrInvalidRequest, msg).
			WithProvider(provider).WithUpstreamStatus(status)
	case http.StatusUnauthorized:
		return types.NewError(types.ErrAuthenticationFailed, msg).
			WithProvider(provider).WithUpstreamStatus(status)
	case http.StatusForbidden:
		return types.NewError(types.ErrInsufficientQuota, msg).
			WithProvider(provider).WithUpstreamStatus(status)
	case http.StatusNotFound:
		return types.NewError(types.ErrModelNotFound, msg).
			WithProvider(provider).WithUpstreamStatus(status)
	case http.StatusTooManyRequests:
		return types.NewError(types.ErrRateLimitExceeded, msg).
			WithProvider(provider).WithUpstreamStatus(status).WithRetryable(true)
	case http.StatusInternalServerError:
		// Upstream 5xx detail passes through verbatim.
		return types.NewError(types.ErrInternal, msg).
			WithProvider(provider).WithUpstreamStatus(status).WithRetryable(true)
	default:
		return (&types.Error{
			Kind:    types.ErrProviderAPI,
			Message: fmt.Sprintf("provider returned status %d: %s", status, msg),
		}).WithProvider(provider).WithUpstreamStatus(status).WithRetryable(status >= 500)
	}
}

// ConnectionError wraps a transport-level failure (dial, DNS, TLS, reset).
func ConnectionError(err error, provider string) *types.Error {
	return types.NewError(types.ErrConnection, err.Error()).
		WithProvider(provider).WithCause(err).WithRetryable(true)
}

// ConfiguredModels returns the provider's configured raw model ids as a
// listing for adapters without an upstream models endpoint. The order
// follows map iteration and is not defined.
func ConfiguredModels(cfg config.ProviderConfig, owner string) []llm.Model {
	models := make([]llm.Model, 0, len(cfg.Models))
	for raw := range cfg.Models {
		models = append(models, llm.Model{ID: raw, Object: "model", OwnedBy: owner})
	}
	return models
}
