package ratelimit

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/jrmatherly/nexus/config"
	"github.com/jrmatherly/nexus/llm"
	"github.com/jrmatherly/nexus/llm/tokenizer"
	"github.com/jrmatherly/nexus/types"
)

// Manager resolves which limits apply to a request and walks the tiers in
// order: global, per-ip, per-server, per-server-tool, then the per-user
// token budget for LLM traffic. The first Denied short-circuits; earlier
// consumptions are not rolled back since earlier tiers are the broadest.
type Manager struct {
	store           Store
	cfg             config.RateLimitConfig
	mcpServers      map[string]config.MCPServerConfig
	providers       map[string]config.ProviderConfig
	failOpenRequest bool
	logger          *zap.Logger
}

// NewManager creates the manager over a store and the configured limits.
func NewManager(store Store, cfg config.RateLimitConfig, mcpServers map[string]config.MCPServerConfig, providers map[string]config.ProviderConfig, logger *zap.Logger) *Manager {
	return &Manager{
		store:           store,
		cfg:             cfg,
		mcpServers:      mcpServers,
		providers:       providers,
		failOpenRequest: cfg.Storage.RequestFailOpen(),
		logger:          logger.With(zap.String("component", "ratelimit")),
	}
}

// denied is the uniform 429 for exhausted request budgets.
func denied() error {
	return types.NewError(types.ErrRateLimitExceeded, "rate limit exceeded")
}

// checkRequest consumes one unit from a request-count bucket, applying
// the configured fail-open policy on store errors.
func (m *Manager) checkRequest(ctx context.Context, key string, limit config.LimitConfig) error {
	allowed, err := m.store.CheckAndConsume(ctx, key, 1, limit.Limit, limit.Interval.AsDuration())
	if err != nil {
		m.logger.Error("rate limit store failed", zap.String("key", key), zap.Error(err))
		if m.failOpenRequest {
			return nil
		}
		return denied()
	}
	if !allowed {
		return denied()
	}
	return nil
}

// CheckHTTP runs the global and per-ip tiers for one inbound request.
func (m *Manager) CheckHTTP(ctx context.Context) error {
	if !m.cfg.Enabled {
		return nil
	}
	if m.cfg.Global != nil {
		if err := m.checkRequest(ctx, GlobalKey(), *m.cfg.Global); err != nil {
			return err
		}
	}
	if m.cfg.PerIP != nil {
		if ip, ok := types.ClientIPFrom(ctx); ok {
			if err := m.checkRequest(ctx, IPKey(ip), *m.cfg.PerIP); err != nil {
				return err
			}
		}
	}
	return nil
}

// CheckServerCall runs the per-server and per-server-tool tiers for one
// MCP execute dispatch.
func (m *Manager) CheckServerCall(ctx context.Context, server, tool string) error {
	srv, ok := m.mcpServers[server]
	if !ok || srv.RateLimits == nil {
		return nil
	}
	rl := srv.RateLimits
	if rl.Limit > 0 {
		limit := config.LimitConfig{Limit: rl.Limit, Interval: rl.Interval}
		if err := m.checkRequest(ctx, ServerKey(server), limit); err != nil {
			return err
		}
	}
	if toolLimit, ok := rl.Tools[tool]; ok {
		if err := m.checkRequest(ctx, ServerToolKey(server, tool), toolLimit); err != nil {
			return err
		}
	}
	return nil
}

// resolvedTokenLimit pairs a bucket key with its budget.
type resolvedTokenLimit struct {
	key      string
	limit    uint64
	interval time.Duration
}

// resolveTokenLimit walks the hierarchy most specific first:
// model×user×group, model×user, provider×user×group, provider×user.
// The first defined match wins; no match means no token limit applies.
func (m *Manager) resolveTokenLimit(provider, model string, identity types.ClientIdentity) *resolvedTokenLimit {
	p, ok := m.providers[provider]
	if !ok {
		return nil
	}

	var modelLimits *config.TokenRateLimits
	for raw, mc := range p.Models {
		if mc.EffectiveModelID(raw) == model {
			modelLimits = mc.RateLimits
			break
		}
	}

	pick := func(tl *config.TokenLimit, userKey, groupKey string) *resolvedTokenLimit {
		if tl == nil {
			return nil
		}
		if identity.GroupID != "" {
			if g, ok := tl.Groups[identity.GroupID]; ok {
				return &resolvedTokenLimit{key: groupKey, limit: g.InputTokenLimit, interval: g.Interval.AsDuration()}
			}
		}
		if tl.InputTokenLimit > 0 {
			return &resolvedTokenLimit{key: userKey, limit: tl.InputTokenLimit, interval: tl.Interval.AsDuration()}
		}
		return nil
	}

	if modelLimits != nil && modelLimits.PerUser != nil {
		if r := pick(modelLimits.PerUser,
			ModelUserKey(provider, model, identity.ClientID),
			ModelUserGroupKey(provider, model, identity.ClientID, identity.GroupID)); r != nil {
			return r
		}
	}
	if p.RateLimits != nil && p.RateLimits.PerUser != nil {
		if r := pick(p.RateLimits.PerUser,
			ProviderUserKey(provider, identity.ClientID),
			ProviderUserGroupKey(provider, identity.ClientID, identity.GroupID)); r != nil {
			return r
		}
	}
	return nil
}

// CheckTokens enforces the input-token budget for one LLM request. It
// implements llm.TokenGate. Token limits fail closed on store errors.
func (m *Manager) CheckTokens(ctx context.Context, provider, model string, req *llm.ChatRequest) error {
	identity, hasIdentity := types.ClientIdentityFrom(ctx)
	if !hasIdentity {
		// Without an identity no per-user budget can apply.
		return nil
	}
	resolved := m.resolveTokenLimit(provider, model, identity)
	if resolved == nil {
		return nil
	}

	providerType := m.providers[provider].Type
	count, err := countInputTokens(providerType, req)
	if err != nil {
		m.logger.Error("token counting failed", zap.Error(err))
		return types.Internal(err)
	}

	allowed, err := m.store.CheckAndConsume(ctx, resolved.key, uint64(count), resolved.limit, resolved.interval)
	if err != nil {
		m.logger.Error("token rate limit store failed",
			zap.String("key", resolved.key), zap.Error(err))
		return types.NewError(types.ErrRateLimitExceeded, "Token rate limit exceeded")
	}
	if !allowed {
		return types.NewError(types.ErrRateLimitExceeded, "Token rate limit exceeded")
	}
	return nil
}

// countInputTokens estimates the request's input tokens: every message
// plus the JSON-encoded tool schemas.
func countInputTokens(providerType string, req *llm.ChatRequest) (int, error) {
	t := tokenizer.ForProvider(providerType, req.Model)
	messages := make([]tokenizer.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, tokenizer.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	schemas := make([]string, 0, len(req.Tools))
	for _, tool := range req.Tools {
		raw, err := json.Marshal(tool)
		if err != nil {
			return 0, err
		}
		schemas = append(schemas, string(raw))
	}
	return tokenizer.CountInput(t, messages, schemas)
}
