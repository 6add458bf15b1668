package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jrmatherly/nexus/config"
	"github.com/jrmatherly/nexus/internal/tlsutil"
)

// slidingWindowScript runs check and consume atomically on the server.
// KEYS[1] is the current-window counter, KEYS[2] the previous one.
// ARGV: cost, limit, interval_ms, elapsed_ms. Returns 1 when allowed.
const slidingWindowScript = `
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local previous = tonumber(redis.call('GET', KEYS[2]) or '0')
local cost = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local interval_ms = tonumber(ARGV[3])
local elapsed_ms = tonumber(ARGV[4])
local fraction = elapsed_ms / interval_ms
local effective = previous * (1 - fraction) + current
if effective + cost > limit then
  return 0
end
redis.call('INCRBY', KEYS[1], cost)
redis.call('PEXPIRE', KEYS[1], interval_ms * 2)
return 1
`

// RedisStore is the distributed backend. Both the check and the increment
// execute inside one server-side script, so the bound holds across
// gateway instances sharing the cache. Two script handles are kept: one
// for request counts (cost=1) and one for token counts.
type RedisStore struct {
	client        *redis.Client
	keyPrefix     string
	requestScript *redis.Script
	tokenScript   *redis.Script
	timeout       time.Duration
	now           func() time.Time
	logger        *zap.Logger
}

// NewRedisStore connects to the configured redis and verifies the
// connection.
func NewRedisStore(cfg config.StorageConfig, logger *zap.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.PoolSize = cfg.Pool.Size
	opts.MinIdleConns = cfg.Pool.MinIdle
	opts.DialTimeout = cfg.ConnectTimeout.AsDuration()
	opts.ReadTimeout = cfg.ResponseTimeout.AsDuration()
	opts.WriteTimeout = cfg.ResponseTimeout.AsDuration()
	if cfg.TLS != nil && cfg.TLS.Enabled {
		tlsCfg, err := tlsutil.ClientConfig(cfg.TLS)
		if err != nil {
			return nil, err
		}
		opts.TLSConfig = tlsCfg
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{
		client:        client,
		keyPrefix:     cfg.KeyPrefix,
		requestScript: redis.NewScript(slidingWindowScript),
		tokenScript:   redis.NewScript(slidingWindowScript),
		timeout:       cfg.ResponseTimeout.AsDuration(),
		now:           time.Now,
		logger:        logger.With(zap.String("component", "ratelimit_redis")),
	}, nil
}

// CheckAndConsume implements Store.
func (s *RedisStore) CheckAndConsume(ctx context.Context, key string, cost, limit uint64, interval time.Duration) (bool, error) {
	script := s.requestScript
	if cost > 1 {
		script = s.tokenScript
	}

	now := s.now()
	index, elapsed := window(now, interval)
	intervalMS := interval.Milliseconds()
	elapsedMS := int64(elapsed * float64(intervalMS))

	keys := []string{
		s.keyPrefix + windowKey(key, index),
		s.keyPrefix + windowKey(key, index-1),
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	result, err := script.Run(ctx, s.client, keys, cost, limit, intervalMS, elapsedMS).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limit script: %w", err)
	}
	return result == 1, nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
