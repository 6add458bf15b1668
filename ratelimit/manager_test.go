package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jrmatherly/nexus/config"
	"github.com/jrmatherly/nexus/llm"
	"github.com/jrmatherly/nexus/types"
)

func limit(n uint64, d time.Duration) *config.LimitConfig {
	return &config.LimitConfig{Limit: n, Interval: config.Duration(d)}
}

func tokenLimit(n uint64, d time.Duration, groups map[string]config.TokenLimit) *config.TokenRateLimits {
	return &config.TokenRateLimits{PerUser: &config.TokenLimit{
		InputTokenLimit: n,
		Interval:        config.Duration(d),
		Groups:          groups,
	}}
}

func identityCtx(clientID, groupID string) context.Context {
	return types.WithClientIdentity(context.Background(),
		types.ClientIdentity{ClientID: clientID, GroupID: groupID})
}

func newTestManager(t *testing.T, cfg config.RateLimitConfig, servers map[string]config.MCPServerConfig, providers map[string]config.ProviderConfig) *Manager {
	t.Helper()
	store := NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	return NewManager(store, cfg, servers, providers, zap.NewNop())
}

func TestCheckHTTPGlobalAndPerIP(t *testing.T) {
	m := newTestManager(t, config.RateLimitConfig{
		Enabled: true,
		Global:  limit(2, time.Minute),
		PerIP:   limit(1, time.Minute),
	}, nil, nil)

	ctx := types.WithClientIP(context.Background(), "1.2.3.4")
	require.NoError(t, m.CheckHTTP(ctx))

	// Second request from the same IP exhausts the per-ip tier even though
	// the global tier has room.
	err := m.CheckHTTP(ctx)
	require.Error(t, err)
	assert.Equal(t, types.ErrRateLimitExceeded, types.KindOf(err))
}

func TestCheckHTTPDisabled(t *testing.T) {
	m := newTestManager(t, config.RateLimitConfig{Enabled: false, Global: limit(0, time.Minute)}, nil, nil)
	assert.NoError(t, m.CheckHTTP(context.Background()))
}

func TestCheckServerCallTiers(t *testing.T) {
	servers := map[string]config.MCPServerConfig{
		"gh": {RateLimits: &config.MCPServerRateLimits{
			Limit:    5,
			Interval: config.Duration(time.Minute),
			Tools: map[string]config.LimitConfig{
				"create_issue": {Limit: 1, Interval: config.Duration(time.Minute)},
			},
		}},
	}
	m := newTestManager(t, config.RateLimitConfig{Enabled: true}, servers, nil)
	ctx := context.Background()

	require.NoError(t, m.CheckServerCall(ctx, "gh", "create_issue"))

	// Tool budget exhausted; server budget still has room for other tools.
	err := m.CheckServerCall(ctx, "gh", "create_issue")
	require.Error(t, err)
	require.NoError(t, m.CheckServerCall(ctx, "gh", "list_issues"))

	// Unknown servers have no limits.
	assert.NoError(t, m.CheckServerCall(ctx, "other", "x"))
}

func TestCheckTokensDeniesOverBudget(t *testing.T) {
	providers := map[string]config.ProviderConfig{
		"ai": {
			Type:   "anthropic",
			Models: map[string]config.ModelConfig{"claude": {RateLimits: tokenLimit(100, time.Minute, nil)}},
		},
	}
	m := newTestManager(t, config.RateLimitConfig{}, nil, providers)
	ctx := identityCtx("u1", "")

	// ~60 input tokens: 220 ASCII chars at ~4 chars/token plus overhead.
	req := &llm.ChatRequest{
		Model:    "claude",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: makeASCII(220)}},
	}
	require.NoError(t, m.CheckTokens(ctx, "ai", "claude", req))

	err := m.CheckTokens(ctx, "ai", "claude", req)
	require.Error(t, err)
	typed := types.AsError(err)
	assert.Equal(t, types.ErrRateLimitExceeded, typed.Kind)
	assert.Contains(t, typed.Message, "Token rate limit exceeded")
}

func TestCheckTokensResolutionOrder(t *testing.T) {
	providers := map[string]config.ProviderConfig{
		"ai": {
			Type: "anthropic",
			// Provider-level budget is generous.
			RateLimits: tokenLimit(1_000_000, time.Minute, nil),
			Models: map[string]config.ModelConfig{
				// Model×user×group budget is tiny and must win.
				"claude": {RateLimits: tokenLimit(1_000_000, time.Minute, map[string]config.TokenLimit{
					"free": {InputTokenLimit: 1, Interval: config.Duration(time.Minute)},
				})},
			},
		},
	}
	m := newTestManager(t, config.RateLimitConfig{}, nil, providers)

	req := &llm.ChatRequest{
		Model:    "claude",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: makeASCII(400)}},
	}

	err := m.CheckTokens(identityCtx("u1", "free"), "ai", "claude", req)
	require.Error(t, err)

	// A user outside the group falls back to the model per-user budget.
	assert.NoError(t, m.CheckTokens(identityCtx("u2", ""), "ai", "claude", req))
}

func TestCheckTokensFallsBackToProviderLevel(t *testing.T) {
	providers := map[string]config.ProviderConfig{
		"ai": {
			Type:       "anthropic",
			RateLimits: tokenLimit(1, time.Minute, nil),
			Models:     map[string]config.ModelConfig{"claude": {}},
		},
	}
	m := newTestManager(t, config.RateLimitConfig{}, nil, providers)

	req := &llm.ChatRequest{
		Model:    "claude",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: makeASCII(400)}},
	}
	err := m.CheckTokens(identityCtx("u1", ""), "ai", "claude", req)
	require.Error(t, err)
	assert.Equal(t, types.ErrRateLimitExceeded, types.KindOf(err))
}

func TestCheckTokensNoLimitConfigured(t *testing.T) {
	providers := map[string]config.ProviderConfig{
		"ai": {Type: "openai", Models: map[string]config.ModelConfig{"gpt-4": {}}},
	}
	m := newTestManager(t, config.RateLimitConfig{}, nil, providers)
	req := &llm.ChatRequest{Model: "gpt-4", Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}}
	assert.NoError(t, m.CheckTokens(identityCtx("u1", ""), "ai", "gpt-4", req))
}

func TestCheckTokensWithoutIdentity(t *testing.T) {
	providers := map[string]config.ProviderConfig{
		"ai": {
			Type:       "anthropic",
			RateLimits: tokenLimit(1, time.Minute, nil),
			Models:     map[string]config.ModelConfig{"claude": {}},
		},
	}
	m := newTestManager(t, config.RateLimitConfig{}, nil, providers)
	req := &llm.ChatRequest{Model: "claude", Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}}
	assert.NoError(t, m.CheckTokens(context.Background(), "ai", "claude", req))
}

// failingStore simulates a broken distributed backend.
type failingStore struct{}

func (failingStore) CheckAndConsume(context.Context, string, uint64, uint64, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func (failingStore) Close() error { return nil }

func TestStoreFailurePolicies(t *testing.T) {
	providers := map[string]config.ProviderConfig{
		"ai": {
			Type:       "anthropic",
			RateLimits: tokenLimit(100, time.Minute, nil),
			Models:     map[string]config.ModelConfig{"claude": {}},
		},
	}

	t.Run("requests fail open by default", func(t *testing.T) {
		m := NewManager(failingStore{}, config.RateLimitConfig{
			Enabled: true,
			Global:  limit(10, time.Minute),
		}, nil, providers, zap.NewNop())
		assert.NoError(t, m.CheckHTTP(context.Background()))
	})

	t.Run("requests fail closed when toggled", func(t *testing.T) {
		failClosed := false
		cfg := config.RateLimitConfig{
			Enabled: true,
			Global:  limit(10, time.Minute),
			Storage: config.StorageConfig{FailOpenRequests: &failClosed},
		}
		m := NewManager(failingStore{}, cfg, nil, providers, zap.NewNop())
		assert.Error(t, m.CheckHTTP(context.Background()))
	})

	t.Run("token limits always fail closed", func(t *testing.T) {
		m := NewManager(failingStore{}, config.RateLimitConfig{}, nil, providers, zap.NewNop())
		req := &llm.ChatRequest{Model: "claude", Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}}
		err := m.CheckTokens(identityCtx("u1", ""), "ai", "claude", req)
		require.Error(t, err)
		assert.Equal(t, types.ErrRateLimitExceeded, types.KindOf(err))
	})
}

func makeASCII(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a' + byte(i%26)
	}
	return string(b)
}
