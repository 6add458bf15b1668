package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
)

// envPattern matches {{ env.NAME }} references in config values.
var envPattern = regexp.MustCompile(`\{\{\s*env\.([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// ExpandEnv substitutes {{ env.NAME }} references with the corresponding
// environment variable. Unset variables expand to the empty string.
func ExpandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

// Load reads, substitutes, decodes, and applies defaults to the config at
// path. Validation is a separate step so callers control exit behavior.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(string(raw))
}

// Parse decodes a TOML document after environment substitution.
func Parse(raw string) (*Config, error) {
	var cfg Config
	meta, err := toml.Decode(ExpandEnv(raw), &cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills unset values with their documented defaults.
func (c *Config) applyDefaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = "127.0.0.1:8000"
	}
	if c.Server.Health.Path == "" {
		c.Server.Health.Path = "/health"
	}
	if c.Server.RateLimits.Storage.Type == "" {
		c.Server.RateLimits.Storage.Type = "memory"
	}
	if c.Server.RateLimits.Storage.KeyPrefix == "" {
		c.Server.RateLimits.Storage.KeyPrefix = "nexus:rate:"
	}
	if c.Server.RateLimits.Storage.Pool.Size == 0 {
		c.Server.RateLimits.Storage.Pool.Size = 16
	}
	if c.Server.RateLimits.Storage.ResponseTimeout == 0 {
		c.Server.RateLimits.Storage.ResponseTimeout = Duration(time.Second)
	}
	if c.Server.RateLimits.Storage.ConnectTimeout == 0 {
		c.Server.RateLimits.Storage.ConnectTimeout = Duration(5 * time.Second)
	}
	if c.MCP.Path == "" {
		c.MCP.Path = "/mcp"
	}
	if c.MCP.DynamicCacheSize == 0 {
		c.MCP.DynamicCacheSize = 128
	}
	if c.MCP.DynamicCacheTTL == 0 {
		c.MCP.DynamicCacheTTL = Duration(10 * time.Minute)
	}
	for name, srv := range c.MCP.Servers {
		if srv.Timeout == 0 {
			srv.Timeout = Duration(30 * time.Second)
			c.MCP.Servers[name] = srv
		}
	}
	if c.LLM.Path == "" {
		c.LLM.Path = "/llm"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "nexus"
	}
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = 1.0
	}
}

// RequestFailOpen reports the request-count policy on store failure.
// Defaults to fail-open; token limits always fail closed.
func (s *StorageConfig) RequestFailOpen() bool {
	if s.FailOpenRequests == nil {
		return true
	}
	return *s.FailOpenRequests
}
