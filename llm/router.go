package llm

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jrmatherly/nexus/config"
	"github.com/jrmatherly/nexus/internal/headers"
	"github.com/jrmatherly/nexus/types"
)

// modelListTTL bounds how long a model listing is served from cache.
const modelListTTL = 5 * time.Minute

// TokenGate enforces input-token rate limits before a request is sent
// upstream. Implemented by the ratelimit manager.
type TokenGate interface {
	CheckTokens(ctx context.Context, provider, model string, req *ChatRequest) error
}

// Recorder records operation latency. Implemented by internal/telemetry.
type Recorder interface {
	RecordOperation(ctx context.Context, op, provider, model string, start time.Time, err error)
}

// Handle pairs a provider adapter with its configuration and the rename
// maps derived from it.
type Handle struct {
	Provider Provider
	Config   config.ProviderConfig

	// effectiveToRaw maps the external model id to the upstream id;
	// rawToEffective is the reverse.
	effectiveToRaw map[string]string
	rawToEffective map[string]string
}

// NewHandle builds a Handle with rename maps from the provider config.
func NewHandle(p Provider, cfg config.ProviderConfig) *Handle {
	h := &Handle{
		Provider:       p,
		Config:         cfg,
		effectiveToRaw: make(map[string]string, len(cfg.Models)),
		rawToEffective: make(map[string]string, len(cfg.Models)),
	}
	for raw, m := range cfg.Models {
		eff := m.EffectiveModelID(raw)
		h.effectiveToRaw[eff] = raw
		h.rawToEffective[raw] = eff
	}
	return h
}

// RawModelID resolves the external id to the upstream id.
func (h *Handle) RawModelID(effective string) (string, bool) {
	raw, ok := h.effectiveToRaw[effective]
	return raw, ok
}

// Router parses external model ids, dispatches to provider adapters, and
// unifies responses and errors.
type Router struct {
	handles  map[string]*Handle
	tokens   TokenGate
	recorder Recorder
	logger   *zap.Logger

	modelsMu      sync.Mutex
	modelsCache   []Model
	modelsExpires time.Time
}

// NewRouter creates a router over the given provider handles. tokens and
// recorder may be nil when the corresponding feature is disabled.
func NewRouter(handles map[string]*Handle, tokens TokenGate, recorder Recorder, logger *zap.Logger) *Router {
	return &Router{
		handles:  handles,
		tokens:   tokens,
		recorder: recorder,
		logger:   logger.With(zap.String("component", "llm_router")),
	}
}

// ParseModelID splits an external "provider/effective" id. Exactly one
// slash is required and both sides must be non-empty.
func ParseModelID(model string) (provider, effective string, err error) {
	if strings.Count(model, "/") != 1 {
		return "", "", types.NewError(types.ErrInvalidModelFormat,
			fmt.Sprintf("model %q must be of the form provider/model", model))
	}
	parts := strings.SplitN(model, "/", 2)
	if parts[0] == "" || parts[1] == "" {
		return "", "", types.NewError(types.ErrInvalidModelFormat,
			fmt.Sprintf("model %q must be of the form provider/model", model))
	}
	return parts[0], parts[1], nil
}

// resolve maps the external model id onto a handle and the raw upstream id.
func (r *Router) resolve(model string) (*Handle, string, string, error) {
	providerName, effective, err := ParseModelID(model)
	if err != nil {
		return nil, "", "", err
	}
	handle, ok := r.handles[providerName]
	if !ok {
		return nil, "", "", types.NewError(types.ErrProviderNotFound,
			fmt.Sprintf("provider %q is not configured", providerName))
	}
	raw, ok := handle.RawModelID(effective)
	if !ok {
		return nil, "", "", types.NewError(types.ErrModelNotFound,
			fmt.Sprintf("model %q is not configured on provider %q", effective, providerName))
	}
	return handle, raw, effective, nil
}

// upstreamContext attaches provider and model header rules for the adapter.
func (r *Router) upstreamContext(ctx context.Context, handle *Handle, raw string, inbound http.Header) (context.Context, error) {
	rules := append([]config.HeaderRule{}, handle.Config.Headers...)
	if m, ok := handle.Config.Models[raw]; ok {
		rules = append(rules, m.Headers...)
	}
	if len(rules) == 0 {
		return ctx, nil
	}
	extra := make(http.Header)
	if err := headers.Apply(rules, extra, inbound); err != nil {
		return ctx, types.Internal(err)
	}
	return WithUpstreamHeaders(ctx, extra), nil
}

// ChatCompletion routes a non-streaming request.
func (r *Router) ChatCompletion(ctx context.Context, req *ChatRequest, inbound http.Header) (*ChatResponse, error) {
	handle, raw, effective, err := r.resolve(req.Model)
	if err != nil {
		return nil, err
	}
	providerName := handle.Provider.Name()
	external := providerName + "/" + effective

	if r.tokens != nil {
		if err := r.tokens.CheckTokens(ctx, providerName, effective, req); err != nil {
			return nil, err
		}
	}

	ctx, err = r.upstreamContext(ctx, handle, raw, inbound)
	if err != nil {
		return nil, err
	}

	upstreamReq := *req
	upstreamReq.Model = raw

	start := time.Now()
	resp, err := handle.Provider.Completion(ctx, &upstreamReq)
	if r.recorder != nil {
		r.recorder.RecordOperation(ctx, "chat_completion", providerName, effective, start, err)
	}
	if err != nil {
		return nil, r.normalizeError(err, providerName)
	}

	resp.Model = external
	if resp.Object == "" {
		resp.Object = "chat.completion"
	}
	if resp.Created == 0 {
		resp.Created = time.Now().Unix()
	}
	return resp, nil
}

// ChatCompletionStream routes a streaming request. The returned channel
// mirrors the adapter stream with the external model id substituted.
func (r *Router) ChatCompletionStream(ctx context.Context, req *ChatRequest, inbound http.Header) (<-chan StreamChunk, error) {
	handle, raw, effective, err := r.resolve(req.Model)
	if err != nil {
		return nil, err
	}
	providerName := handle.Provider.Name()
	if !handle.Provider.SupportsStreaming() {
		return nil, types.NewError(types.ErrStreamingNotSupported,
			fmt.Sprintf("provider %q does not support streaming", providerName))
	}
	external := providerName + "/" + effective

	if r.tokens != nil {
		if err := r.tokens.CheckTokens(ctx, providerName, effective, req); err != nil {
			return nil, err
		}
	}

	ctx, err = r.upstreamContext(ctx, handle, raw, inbound)
	if err != nil {
		return nil, err
	}

	upstreamReq := *req
	upstreamReq.Model = raw
	upstreamReq.Stream = true

	start := time.Now()
	upstream, err := handle.Provider.Stream(ctx, &upstreamReq)
	if err != nil {
		if r.recorder != nil {
			r.recorder.RecordOperation(ctx, "chat_completion_stream", providerName, effective, start, err)
		}
		return nil, r.normalizeError(err, providerName)
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		var streamErr error
		for chunk := range upstream {
			chunk.Model = external
			if chunk.Err != nil {
				chunk.Err = types.AsError(r.normalizeError(chunk.Err, providerName))
				streamErr = chunk.Err
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				if r.recorder != nil {
					r.recorder.RecordOperation(ctx, "chat_completion_stream", providerName, effective, start, ctx.Err())
				}
				return
			}
		}
		if r.recorder != nil {
			r.recorder.RecordOperation(ctx, "chat_completion_stream", providerName, effective, start, streamErr)
		}
	}()
	return out, nil
}

// ListModels fans out to all providers concurrently and caches the merged
// listing for five minutes. Failed providers are logged and omitted.
func (r *Router) ListModels(ctx context.Context) []Model {
	r.modelsMu.Lock()
	if time.Now().Before(r.modelsExpires) && r.modelsCache != nil {
		cached := r.modelsCache
		r.modelsMu.Unlock()
		return cached
	}
	r.modelsMu.Unlock()

	var mu sync.Mutex
	var merged []Model
	g, gctx := errgroup.WithContext(ctx)
	for name, handle := range r.handles {
		g.Go(func() error {
			models, err := handle.Provider.ListModels(gctx)
			if err != nil {
				r.logger.Warn("model listing failed",
					zap.String("provider", name), zap.Error(err))
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			for _, m := range models {
				eff, ok := handle.rawToEffective[m.ID]
				if !ok {
					continue
				}
				m.ID = name + "/" + eff
				if m.Object == "" {
					m.Object = "model"
				}
				if m.OwnedBy == "" {
					m.OwnedBy = name
				}
				merged = append(merged, m)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(merged, func(i, j int) bool { return merged[i].ID < merged[j].ID })

	r.modelsMu.Lock()
	r.modelsCache = merged
	r.modelsExpires = time.Now().Add(modelListTTL)
	r.modelsMu.Unlock()
	return merged
}

// InvalidateModelCache clears the cached model listing.
func (r *Router) InvalidateModelCache() {
	r.modelsMu.Lock()
	r.modelsCache = nil
	r.modelsExpires = time.Time{}
	r.modelsMu.Unlock()
}

// normalizeError folds adapter failures into the surface taxonomy without
// leaking internal detail.
func (r *Router) normalizeError(err error, provider string) error {
	e := types.AsError(err)
	if e.Kind == types.ErrInternal {
		r.logger.Error("internal provider failure",
			zap.String("provider", provider), zap.Error(err))
	}
	if e.Provider == "" {
		e.Provider = provider
	}
	return e
}
