package mcp

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/jrmatherly/nexus/config"
	"github.com/jrmatherly/nexus/types"
)

// ToolSeparator joins a server name and a tool name into the namespaced
// form exposed to callers.
const ToolSeparator = "__"

// Aggregator owns one Downstream client per configured server and the
// search index over their namespaced tools. A static aggregator covers
// servers reachable with configuration-time credentials; dynamic
// aggregators are built per forwarded credential by the cache.
type Aggregator struct {
	mu      sync.RWMutex
	byName  map[string]*Client
	index   *ToolIndex
	logger  *zap.Logger
}

// NewAggregator connects the given descriptors and indexes their tools.
// Listing failures are logged and the server skipped; the aggregator stays
// usable with the remaining downstreams. bearer is only consulted for
// auth.type=forward servers; inbound supplies values for Forward header
// rules.
func NewAggregator(ctx context.Context, servers map[string]config.MCPServerConfig, bearer string, inbound http.Header, logger *zap.Logger) *Aggregator {
	a := &Aggregator{
		byName: make(map[string]*Client, len(servers)),
		index:  NewToolIndex(),
		logger: logger.With(zap.String("component", "mcp_aggregator")),
	}
	for name, cfg := range servers {
		client, err := NewClient(ctx, name, cfg, bearer, inbound, a.logger)
		if err != nil {
			a.logger.Warn("downstream connection failed, skipping",
				zap.String("server", name), zap.Error(err))
			continue
		}
		tools, err := client.ListTools(ctx)
		if err != nil {
			a.logger.Warn("downstream tool listing failed, skipping",
				zap.String("server", name), zap.Error(err))
			_ = client.Close()
			continue
		}
		a.byName[name] = client
		for _, tool := range tools {
			namespaced := tool
			namespaced.Name = name + ToolSeparator + tool.Name
			a.index.Add(namespaced)
		}
	}
	return a
}

// Len returns the number of connected downstreams.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.byName)
}

// Index exposes the aggregator's tool index.
func (a *Aggregator) Index() *ToolIndex { return a.index }

// ReindexServer refreshes one downstream's tools after a reconnect.
func (a *Aggregator) ReindexServer(ctx context.Context, name string) error {
	a.mu.RLock()
	client, ok := a.byName[name]
	a.mu.RUnlock()
	if !ok {
		return types.NewError(types.ErrToolNotFound, fmt.Sprintf("unknown server %q", name))
	}
	tools, err := client.ListTools(ctx)
	if err != nil {
		return err
	}
	for _, tool := range tools {
		namespaced := tool
		namespaced.Name = name + ToolSeparator + tool.Name
		a.index.Add(namespaced)
	}
	return nil
}

// SplitToolName splits a namespaced tool name at the first separator.
func SplitToolName(name string) (server, tool string, ok bool) {
	i := strings.Index(name, ToolSeparator)
	if i <= 0 || i+len(ToolSeparator) >= len(name) {
		return "", "", false
	}
	return name[:i], name[i+len(ToolSeparator):], true
}

// CallTool dispatches a namespaced tool call to its downstream.
func (a *Aggregator) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	server, tool, ok := SplitToolName(name)
	if !ok {
		return nil, types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("tool name %q is missing the server prefix", name))
	}
	a.mu.RLock()
	client, found := a.byName[server]
	a.mu.RUnlock()
	if !found {
		return nil, types.NewError(types.ErrToolNotFound,
			fmt.Sprintf("no server matches tool %q", name))
	}
	return client.CallTool(ctx, tool, args)
}

// ListPrompts returns the union of downstream prompts, names prefixed the
// same way tools are.
func (a *Aggregator) ListPrompts(ctx context.Context) []Prompt {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []Prompt
	for name, client := range a.byName {
		prompts, err := client.ListPrompts(ctx)
		if err != nil {
			a.logger.Debug("prompt listing failed",
				zap.String("server", name), zap.Error(err))
			continue
		}
		for _, p := range prompts {
			p.Name = name + ToolSeparator + p.Name
			out = append(out, p)
		}
	}
	return out
}

// GetPrompt dispatches a namespaced prompts/get to its downstream.
func (a *Aggregator) GetPrompt(ctx context.Context, name string, args map[string]string) (*GetPromptResult, error) {
	server, prompt, ok := SplitToolName(name)
	if !ok {
		return nil, types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("prompt name %q is missing the server prefix", name))
	}
	a.mu.RLock()
	client, found := a.byName[server]
	a.mu.RUnlock()
	if !found {
		return nil, types.NewError(types.ErrToolNotFound,
			fmt.Sprintf("no server matches prompt %q", name))
	}
	return client.GetPrompt(ctx, prompt, args)
}

// ListResources returns the union of downstream resources.
func (a *Aggregator) ListResources(ctx context.Context) []Resource {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []Resource
	for name, client := range a.byName {
		resources, err := client.ListResources(ctx)
		if err != nil {
			a.logger.Debug("resource listing failed",
				zap.String("server", name), zap.Error(err))
			continue
		}
		out = append(out, resources...)
	}
	return out
}

// ReadResource tries each downstream until one serves the URI.
func (a *Aggregator) ReadResource(ctx context.Context, uri string) (*ReadResourceResult, error) {
	a.mu.RLock()
	clients := make([]*Client, 0, len(a.byName))
	for _, c := range a.byName {
		clients = append(clients, c)
	}
	a.mu.RUnlock()

	var lastErr error
	for _, client := range clients {
		result, err := client.ReadResource(ctx, uri)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, types.NewError(types.ErrToolNotFound,
		fmt.Sprintf("no downstream serves resource %q", uri))
}

// Close releases every downstream client (and their subprocesses).
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for name, client := range a.byName {
		if err := client.Close(); err != nil {
			a.logger.Warn("downstream close failed",
				zap.String("server", name), zap.Error(err))
		}
	}
	a.byName = make(map[string]*Client)
}
