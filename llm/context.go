package llm

import (
	"context"
	"net/http"
)

type upstreamHeadersKey struct{}

// WithUpstreamHeaders attaches extra headers the adapter must send to the
// provider. The router populates these from provider and model header rules.
func WithUpstreamHeaders(ctx context.Context, h http.Header) context.Context {
	return context.WithValue(ctx, upstreamHeadersKey{}, h)
}

// UpstreamHeadersFromContext extracts extra upstream headers, if any.
func UpstreamHeadersFromContext(ctx context.Context) (http.Header, bool) {
	h, ok := ctx.Value(upstreamHeadersKey{}).(http.Header)
	return h, ok && len(h) > 0
}
