// Package config defines the nexus configuration model and loader.
// Configuration is TOML; values may reference environment variables with
// the {{ env.NAME }} substitution syntax.
package config

import (
	"fmt"
	"time"
)

// Duration wraps time.Duration so TOML values like "60s" decode directly.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(v)
	return nil
}

// AsDuration returns the underlying time.Duration.
func (d Duration) AsDuration() time.Duration { return time.Duration(d) }

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	MCP       MCPConfig       `toml:"mcp"`
	LLM       LLMConfig       `toml:"llm"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Log       LogConfig       `toml:"log"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	ListenAddress        string               `toml:"listen_address"`
	Health               HealthConfig         `toml:"health"`
	TLS                  *ServerTLSConfig     `toml:"tls"`
	CORS                 CORSConfig           `toml:"cors"`
	CSRF                 CSRFConfig           `toml:"csrf"`
	OAuth                *OAuthConfig         `toml:"oauth"`
	ClientIdentification ClientIdentification `toml:"client_identification"`
	RateLimits           RateLimitConfig      `toml:"rate_limits"`
}

// HealthConfig controls the health endpoint.
type HealthConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
	Listen  string `toml:"listen"`
}

// ServerTLSConfig configures the inbound TLS listener.
type ServerTLSConfig struct {
	Certificate string `toml:"certificate"`
	Key         string `toml:"key"`
}

// CORSConfig configures cross-origin request handling.
type CORSConfig struct {
	AllowedOrigins []string `toml:"allowed_origins"`
	AllowedMethods []string `toml:"allowed_methods"`
	AllowedHeaders []string `toml:"allowed_headers"`
	MaxAge         int      `toml:"max_age"`
}

// CSRFConfig toggles origin-header CSRF protection.
type CSRFConfig struct {
	Enabled bool `toml:"enabled"`
}

// OAuthConfig configures the JWT validator. URL and PollInterval feed the
// external JWKS validator; Signing covers statically-keyed deployments.
type OAuthConfig struct {
	URL               string            `toml:"url"`
	PollInterval      Duration          `toml:"poll_interval"`
	ExpectedIssuer    string            `toml:"expected_issuer"`
	ExpectedAudience  string            `toml:"expected_audience"`
	Signing           SigningConfig     `toml:"signing"`
	ProtectedResource ProtectedResource `toml:"protected_resource"`
}

// SigningConfig holds static JWT verification keys.
type SigningConfig struct {
	Secret    string `toml:"secret"`
	PublicKey string `toml:"public_key"`
}

// ProtectedResource is served at /.well-known/oauth-protected-resource.
type ProtectedResource struct {
	Resource             string   `toml:"resource"`
	AuthorizationServers []string `toml:"authorization_servers"`
}

// IdentitySource names where an identity value comes from: a JWT claim or
// an HTTP header. Exactly one must be set.
type IdentitySource struct {
	JWTClaim   string `toml:"jwt_claim"`
	HTTPHeader string `toml:"http_header"`
}

// ClientIdentification configures per-request caller identity extraction.
type ClientIdentification struct {
	Enabled    bool               `toml:"enabled"`
	ClientID   IdentitySource     `toml:"client_id"`
	GroupID    *IdentitySource    `toml:"group_id"`
	Validation IdentityValidation `toml:"validation"`
}

// IdentityValidation restricts accepted group values.
type IdentityValidation struct {
	GroupValues []string `toml:"group_values"`
}

// RateLimitConfig holds request-count rate limits and storage selection.
type RateLimitConfig struct {
	Enabled bool           `toml:"enabled"`
	Storage StorageConfig  `toml:"storage"`
	Global  *LimitConfig   `toml:"global"`
	PerIP   *LimitConfig   `toml:"per_ip"`
}

// StorageConfig selects the rate-limit backend.
type StorageConfig struct {
	Type             string         `toml:"type"` // memory | redis
	URL              string         `toml:"url"`
	KeyPrefix        string         `toml:"key_prefix"`
	Pool             PoolConfig     `toml:"pool"`
	TLS              *ClientTLS     `toml:"tls"`
	FailOpenRequests *bool          `toml:"fail_open_requests"`
	ResponseTimeout  Duration       `toml:"response_timeout"`
	ConnectTimeout   Duration       `toml:"connect_timeout"`
}

// PoolConfig sizes the redis connection pool.
type PoolConfig struct {
	Size         int      `toml:"size"`
	MinIdle      int      `toml:"min_idle"`
	IdleTimeout  Duration `toml:"idle_timeout"`
}

// ClientTLS configures outbound TLS, optionally mutual.
type ClientTLS struct {
	Enabled            bool   `toml:"enabled"`
	CACert             string `toml:"ca_cert"`
	ClientCert         string `toml:"client_cert"`
	ClientKey          string `toml:"client_key"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	ServerName         string `toml:"server_name"`
}

// LimitConfig is a request-count budget over an interval.
type LimitConfig struct {
	Limit    uint64   `toml:"limit"`
	Interval Duration `toml:"interval"`
}

// HeaderRule rewrites headers sent to an upstream. Rule is one of insert,
// remove, forward, rename_duplicate.
type HeaderRule struct {
	Rule    string `toml:"rule"`
	Name    string `toml:"name"`
	Value   string `toml:"value"`
	Pattern string `toml:"pattern"`
	Default string `toml:"default"`
	Rename  string `toml:"rename"`
}

// MCPConfig holds the MCP aggregation settings.
type MCPConfig struct {
	Enabled                 bool                       `toml:"enabled"`
	Path                    string                     `toml:"path"`
	EnableStructuredContent bool                       `toml:"enable_structured_content"`
	Headers                 []HeaderRule               `toml:"headers"`
	Servers                 map[string]MCPServerConfig `toml:"servers"`
	DynamicCacheSize        int                        `toml:"dynamic_cache_size"`
	DynamicCacheTTL         Duration                   `toml:"dynamic_cache_ttl"`
}

// MCPServerConfig describes one downstream MCP server. Exactly one of Cmd
// or URL must be set.
type MCPServerConfig struct {
	Cmd        []string             `toml:"cmd"`
	URL        string               `toml:"url"`
	Protocol   string               `toml:"protocol"` // sse | streamable-http
	MessageURL string               `toml:"message_url"`
	Env        map[string]string    `toml:"env"`
	Cwd        string               `toml:"cwd"`
	Stderr     string               `toml:"stderr"` // null | inherit | file path
	Auth       *MCPAuthConfig       `toml:"auth"`
	TLS        *ClientTLS           `toml:"tls"`
	Headers    []HeaderRule         `toml:"headers"`
	RateLimits *MCPServerRateLimits `toml:"rate_limits"`
	Timeout    Duration             `toml:"timeout"`
}

// MCPAuthConfig configures downstream authentication. Token sets a static
// bearer; Type "forward" relays the caller's token instead.
type MCPAuthConfig struct {
	Token string `toml:"token"`
	Type  string `toml:"type"`
}

// IsForward reports whether the server requires the caller's credential.
func (a *MCPAuthConfig) IsForward() bool {
	return a != nil && a.Type == "forward"
}

// MCPServerRateLimits holds per-server and per-tool request budgets.
type MCPServerRateLimits struct {
	Limit    uint64                 `toml:"limit"`
	Interval Duration               `toml:"interval"`
	Tools    map[string]LimitConfig `toml:"tools"`
}

// LLMConfig holds the LLM routing settings.
type LLMConfig struct {
	Enabled   bool                      `toml:"enabled"`
	Path      string                    `toml:"path"`
	Providers map[string]ProviderConfig `toml:"providers"`
}

// ProviderConfig describes one LLM provider.
type ProviderConfig struct {
	Type         string                 `toml:"type"` // openai | anthropic | google | bedrock
	APIKey       string                 `toml:"api_key"`
	BaseURL      string                 `toml:"base_url"`
	ForwardToken bool                   `toml:"forward_token"`
	Profile      string                 `toml:"profile"`
	Region       string                 `toml:"region"`
	Models       map[string]ModelConfig `toml:"models"`
	Headers      []HeaderRule           `toml:"headers"`
	RateLimits   *TokenRateLimits       `toml:"rate_limits"`
	Timeout      Duration               `toml:"timeout"`
}

// ModelConfig describes one configured model on a provider.
type ModelConfig struct {
	Rename     string           `toml:"rename"`
	RateLimits *TokenRateLimits `toml:"rate_limits"`
	Headers    []HeaderRule     `toml:"headers"`
}

// TokenRateLimits holds per-user input-token budgets, optionally refined
// per group.
type TokenRateLimits struct {
	PerUser *TokenLimit `toml:"per_user"`
}

// TokenLimit is an input-token budget over an interval.
type TokenLimit struct {
	InputTokenLimit uint64                `toml:"input_token_limit"`
	Interval        Duration              `toml:"interval"`
	Groups          map[string]TokenLimit `toml:"groups"`
}

// TelemetryConfig configures the OTel SDK.
type TelemetryConfig struct {
	Enabled      bool    `toml:"enabled"`
	ServiceName  string  `toml:"service_name"`
	OTLPEndpoint string  `toml:"otlp_endpoint"`
	SampleRate   float64 `toml:"sample_rate"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // json | console
}

// EffectiveModelID returns the id a caller uses for the given raw model
// key: the rename when present, else the key itself.
func (m ModelConfig) EffectiveModelID(rawID string) string {
	if m.Rename != "" {
		return m.Rename
	}
	return rawID
}
