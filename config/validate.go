package config

import (
	"fmt"
	"strings"
)

// builtinToolNames are reserved: a downstream server must not shadow them.
var builtinToolNames = map[string]bool{"search": true, "execute": true}

// Validate checks the configuration for consistency. The process exits
// nonzero when this fails at startup.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateMCP(); err != nil {
		return err
	}
	if err := c.validateLLM(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.TLS != nil {
		if c.Server.TLS.Certificate == "" || c.Server.TLS.Key == "" {
			return fmt.Errorf("server.tls requires both certificate and key")
		}
	}
	ci := c.Server.ClientIdentification
	if ci.Enabled {
		if ci.ClientID.JWTClaim == "" && ci.ClientID.HTTPHeader == "" {
			return fmt.Errorf("server.client_identification.client_id requires jwt_claim or http_header")
		}
		if ci.ClientID.JWTClaim != "" && ci.ClientID.HTTPHeader != "" {
			return fmt.Errorf("server.client_identification.client_id: jwt_claim and http_header are mutually exclusive")
		}
		if ci.GroupID != nil {
			if ci.GroupID.JWTClaim == "" && ci.GroupID.HTTPHeader == "" {
				return fmt.Errorf("server.client_identification.group_id requires jwt_claim or http_header")
			}
			if ci.GroupID.JWTClaim != "" && ci.GroupID.HTTPHeader != "" {
				return fmt.Errorf("server.client_identification.group_id: jwt_claim and http_header are mutually exclusive")
			}
			if len(ci.Validation.GroupValues) == 0 {
				return fmt.Errorf("server.client_identification.validation.group_values is required when group_id is configured")
			}
		}
	}
	st := c.Server.RateLimits.Storage
	switch st.Type {
	case "memory":
	case "redis":
		if st.URL == "" {
			return fmt.Errorf("server.rate_limits.storage.url is required for redis storage")
		}
	default:
		return fmt.Errorf("server.rate_limits.storage.type must be memory or redis, got %q", st.Type)
	}
	// Token limits require a caller identity to key on.
	if c.hasTokenLimits() && !ci.Enabled {
		return fmt.Errorf("llm token rate limits require server.client_identification to be enabled")
	}
	return nil
}

func (c *Config) validateMCP() error {
	if !c.MCP.Enabled {
		return nil
	}
	for name, srv := range c.MCP.Servers {
		if builtinToolNames[name] {
			return fmt.Errorf("mcp.servers.%s: name conflicts with a built-in tool", name)
		}
		if strings.Contains(name, "__") {
			return fmt.Errorf("mcp.servers.%s: name must not contain \"__\"", name)
		}
		hasCmd := len(srv.Cmd) > 0
		hasURL := srv.URL != ""
		if hasCmd == hasURL {
			return fmt.Errorf("mcp.servers.%s: exactly one of cmd or url is required", name)
		}
		if srv.Protocol != "" && srv.Protocol != "sse" && srv.Protocol != "streamable-http" {
			return fmt.Errorf("mcp.servers.%s: protocol must be sse or streamable-http, got %q", name, srv.Protocol)
		}
		if hasCmd && srv.Protocol != "" {
			return fmt.Errorf("mcp.servers.%s: protocol does not apply to stdio servers", name)
		}
		if srv.Auth != nil && srv.Auth.Type != "" && srv.Auth.Type != "forward" {
			return fmt.Errorf("mcp.servers.%s: auth.type must be \"forward\"", name)
		}
		if srv.Auth != nil && srv.Auth.Token != "" && srv.Auth.IsForward() {
			return fmt.Errorf("mcp.servers.%s: auth.token and auth.type=forward are mutually exclusive", name)
		}
		switch srv.Stderr {
		case "", "null", "inherit":
		default:
			if !strings.HasPrefix(srv.Stderr, "/") && !strings.HasPrefix(srv.Stderr, "./") {
				return fmt.Errorf("mcp.servers.%s: stderr must be null, inherit, or a file path", name)
			}
		}
		if err := validateHeaderRules(fmt.Sprintf("mcp.servers.%s", name), srv.Headers); err != nil {
			return err
		}
	}
	return validateHeaderRules("mcp", c.MCP.Headers)
}

func (c *Config) validateLLM() error {
	if !c.LLM.Enabled {
		return nil
	}
	if len(c.LLM.Providers) == 0 {
		return fmt.Errorf("llm is enabled but no providers with models are configured")
	}
	for name, p := range c.LLM.Providers {
		switch p.Type {
		case "openai", "anthropic", "google", "bedrock":
		default:
			return fmt.Errorf("llm.providers.%s: type must be openai, anthropic, google, or bedrock, got %q", name, p.Type)
		}
		if strings.Contains(name, "/") {
			return fmt.Errorf("llm.providers.%s: name must not contain \"/\"", name)
		}
		if len(p.Models) == 0 {
			return fmt.Errorf("llm.providers.%s: at least one model must be configured", name)
		}
		if p.Type == "bedrock" {
			if len(p.Headers) > 0 {
				return fmt.Errorf("llm.providers.%s: custom header rules are not supported for bedrock", name)
			}
			for id, m := range p.Models {
				if len(m.Headers) > 0 {
					return fmt.Errorf("llm.providers.%s.models.%s: custom header rules are not supported for bedrock", name, id)
				}
			}
			if p.ForwardToken {
				return fmt.Errorf("llm.providers.%s: forward_token is not supported for bedrock", name)
			}
		}
		// Effective ids must stay unique within the provider.
		seen := make(map[string]string, len(p.Models))
		for id, m := range p.Models {
			eff := m.EffectiveModelID(id)
			if prev, dup := seen[eff]; dup {
				return fmt.Errorf("llm.providers.%s: models %s and %s share effective id %q", name, prev, id, eff)
			}
			seen[eff] = id
		}
		if err := validateHeaderRules(fmt.Sprintf("llm.providers.%s", name), p.Headers); err != nil {
			return err
		}
	}
	return nil
}

func validateHeaderRules(scope string, rules []HeaderRule) error {
	for i, r := range rules {
		switch r.Rule {
		case "insert":
			if r.Name == "" || r.Value == "" {
				return fmt.Errorf("%s.headers[%d]: insert requires name and value", scope, i)
			}
		case "remove":
			if r.Name == "" && r.Pattern == "" {
				return fmt.Errorf("%s.headers[%d]: remove requires name or pattern", scope, i)
			}
		case "forward":
			if r.Name == "" && r.Pattern == "" {
				return fmt.Errorf("%s.headers[%d]: forward requires name or pattern", scope, i)
			}
		case "rename_duplicate":
			if r.Name == "" || r.Rename == "" {
				return fmt.Errorf("%s.headers[%d]: rename_duplicate requires name and rename", scope, i)
			}
		default:
			return fmt.Errorf("%s.headers[%d]: unknown rule %q", scope, i, r.Rule)
		}
	}
	return nil
}

// hasTokenLimits reports whether any provider or model defines an
// input-token budget.
func (c *Config) hasTokenLimits() bool {
	for _, p := range c.LLM.Providers {
		if p.RateLimits != nil && p.RateLimits.PerUser != nil {
			return true
		}
		for _, m := range p.Models {
			if m.RateLimits != nil && m.RateLimits.PerUser != nil {
				return true
			}
		}
	}
	return false
}
