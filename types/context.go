package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyClientIdentity contextKey = "client_identity"
	keyClaims         contextKey = "jwt_claims"
	keyBearerToken    contextKey = "bearer_token"
	keyProviderKey    contextKey = "provider_api_key"
	keyClientIP       contextKey = "client_ip"
)

// ClientIdentity identifies the caller for rate limiting. GroupID is
// optional and only meaningful when group-scoped limits are configured.
type ClientIdentity struct {
	ClientID string `json:"client_id"`
	GroupID  string `json:"group_id,omitempty"`
}

// WithClientIdentity adds the caller identity to the context.
func WithClientIdentity(ctx context.Context, id ClientIdentity) context.Context {
	return context.WithValue(ctx, keyClientIdentity, id)
}

// ClientIdentityFrom extracts the caller identity from the context.
func ClientIdentityFrom(ctx context.Context) (ClientIdentity, bool) {
	v, ok := ctx.Value(keyClientIdentity).(ClientIdentity)
	return v, ok && v.ClientID != ""
}

// WithClaims stores validated JWT claims on the context. Claims are opaque
// to the gateway core; handlers read individual keys as needed.
func WithClaims(ctx context.Context, claims map[string]any) context.Context {
	return context.WithValue(ctx, keyClaims, claims)
}

// ClaimsFrom extracts validated JWT claims from the context.
func ClaimsFrom(ctx context.Context) (map[string]any, bool) {
	v, ok := ctx.Value(keyClaims).(map[string]any)
	return v, ok && len(v) > 0
}

// WithBearerToken stores the caller's raw bearer token for forwarding to
// dynamic MCP downstreams.
func WithBearerToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, keyBearerToken, token)
}

// BearerTokenFrom extracts the caller's bearer token from the context.
func BearerTokenFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyBearerToken).(string)
	return v, ok && v != ""
}

// WithProviderAPIKey stores the X-Provider-API-Key header value for
// providers configured with forward_token.
func WithProviderAPIKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, keyProviderKey, key)
}

// ProviderAPIKeyFrom extracts the forwarded provider key from the context.
func ProviderAPIKeyFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyProviderKey).(string)
	return v, ok && v != ""
}

// WithClientIP records the remote IP for per-ip rate limiting.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, keyClientIP, ip)
}

// ClientIPFrom extracts the remote IP from the context.
func ClientIPFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyClientIP).(string)
	return v, ok && v != ""
}
