package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jrmatherly/nexus/config"
)

func newForwardingServers(t *testing.T) map[string]config.MCPServerConfig {
	t.Helper()
	_, srv := newFakeDownstream(t, sampleTools)
	cfg := serverConfig(srv.URL)
	cfg.Auth = &config.MCPAuthConfig{Type: "forward"}
	return map[string]config.MCPServerConfig{"gh": cfg}
}

func TestDistinctTokensGetDistinctAggregators(t *testing.T) {
	cache := NewDynamicCache(newForwardingServers(t), 8, time.Hour, zap.NewNop())
	defer cache.Close()
	ctx := context.Background()

	a := cache.Get(ctx, "token-a", nil)
	b := cache.Get(ctx, "token-b", nil)
	assert.NotSame(t, a, b)
	assert.Equal(t, 2, cache.Len())
}

func TestSameTokenReusesAggregator(t *testing.T) {
	cache := NewDynamicCache(newForwardingServers(t), 8, time.Hour, zap.NewNop())
	defer cache.Close()
	ctx := context.Background()

	first := cache.Get(ctx, "token-a", nil)
	second := cache.Get(ctx, "token-a", nil)
	assert.Same(t, first, second)
	assert.Equal(t, 1, cache.Len())
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	cache := NewDynamicCache(newForwardingServers(t), 2, time.Hour, zap.NewNop())
	defer cache.Close()
	ctx := context.Background()

	a := cache.Get(ctx, "token-a", nil)
	_ = cache.Get(ctx, "token-b", nil)
	// Touch a so b becomes the eviction victim.
	_ = cache.Get(ctx, "token-a", nil)
	_ = cache.Get(ctx, "token-c", nil)

	assert.Equal(t, 2, cache.Len())
	assert.Same(t, a, cache.Get(ctx, "token-a", nil))
}

func TestTTLExpiryRebuilds(t *testing.T) {
	cache := NewDynamicCache(newForwardingServers(t), 8, time.Minute, zap.NewNop())
	defer cache.Close()
	ctx := context.Background()

	base := time.Unix(1_700_000_000, 0)
	cache.now = func() time.Time { return base }
	first := cache.Get(ctx, "token-a", nil)

	cache.now = func() time.Time { return base.Add(2 * time.Minute) }
	second := cache.Get(ctx, "token-a", nil)
	assert.NotSame(t, first, second)
}

func TestFingerprintStability(t *testing.T) {
	assert.Equal(t, Fingerprint("abc"), Fingerprint("abc"))
	assert.NotEqual(t, Fingerprint("abc"), Fingerprint("xyz"))
	// The raw credential never appears in the key.
	assert.NotContains(t, Fingerprint("super-secret-token"), "secret")
}

func TestHasServers(t *testing.T) {
	cache := NewDynamicCache(newForwardingServers(t), 8, time.Hour, zap.NewNop())
	defer cache.Close()
	assert.True(t, cache.HasServers())

	empty := NewDynamicCache(map[string]config.MCPServerConfig{
		"static": {URL: "http://example.com"},
	}, 8, time.Hour, zap.NewNop())
	defer empty.Close()
	require.False(t, empty.HasServers())
}
