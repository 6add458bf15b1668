package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"go.uber.org/zap"

	"github.com/jrmatherly/nexus/types"
)

// RequestGate enforces request-count rate limits on MCP tool calls.
// Implemented by the ratelimit manager; a nil gate allows everything.
type RequestGate interface {
	CheckServerCall(ctx context.Context, server, tool string) error
}

// searchResultEntry is one ranked hit returned by the search tool.
type searchResultEntry struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Score       float64         `json:"score"`
}

// Server implements the MCP server role for the gateway. Downstream tools
// are reachable only through the two built-ins: search discovers them,
// execute dispatches to them.
type Server struct {
	static            *Aggregator
	dynamic           *DynamicCache
	gate              RequestGate
	structuredContent bool
	logger            *zap.Logger
}

// NewServer creates the handler over the static aggregator and, when any
// downstream forwards credentials, the dynamic cache.
func NewServer(static *Aggregator, dynamic *DynamicCache, gate RequestGate, structuredContent bool, logger *zap.Logger) *Server {
	return &Server{
		static:            static,
		dynamic:           dynamic,
		gate:              gate,
		structuredContent: structuredContent,
		logger:            logger.With(zap.String("component", "mcp_server")),
	}
}

// view returns the aggregators active for this request: the static one,
// plus the caller's dynamic one when credentials are forwarded.
func (s *Server) view(ctx context.Context, inbound http.Header) []*Aggregator {
	out := []*Aggregator{s.static}
	if s.dynamic == nil || !s.dynamic.HasServers() {
		return out
	}
	token, ok := types.BearerTokenFrom(ctx)
	if !ok {
		return out
	}
	return append(out, s.dynamic.Get(ctx, token, inbound))
}

// HandleMessage processes one JSON-RPC request and returns the response.
// Notifications return nil.
func (s *Server) HandleMessage(ctx context.Context, msg *Message, inbound http.Header) *Message {
	if msg.JSONRPC != "2.0" || (msg.Method == "" && msg.Result == nil) {
		return NewErrorResponse(msg.ID, types.JSONRPCInvalidRequest, "invalid request")
	}
	if msg.IsNotification() {
		return nil
	}

	var (
		result any
		err    error
	)
	switch msg.Method {
	case MethodInitialize:
		result = InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities: ServerCapabilities{
				Tools:     &struct{}{},
				Prompts:   &struct{}{},
				Resources: &struct{}{},
			},
			ServerInfo: Implementation{Name: "nexus", Version: "1.0"},
		}
	case MethodToolsList:
		result = ListToolsResult{Tools: builtinTools()}
	case MethodToolsCall:
		result, err = s.handleToolCall(ctx, msg.Params, inbound)
	case MethodPromptsList:
		result = s.handlePromptsList(ctx, inbound)
	case MethodPromptsGet:
		result, err = s.handlePromptsGet(ctx, msg.Params, inbound)
	case MethodResourcesList:
		result = s.handleResourcesList(ctx, inbound)
	case MethodResourcesRead:
		result, err = s.handleResourcesRead(ctx, msg.Params, inbound)
	default:
		return NewErrorResponse(msg.ID, types.JSONRPCMethodNotFound,
			fmt.Sprintf("method %q not found", msg.Method))
	}
	if err != nil {
		return s.errorResponse(msg.ID, err)
	}
	resp, mErr := NewResponse(msg.ID, result)
	if mErr != nil {
		s.logger.Error("response encoding failed", zap.Error(mErr))
		return NewErrorResponse(msg.ID, types.JSONRPCInternalError, "internal error")
	}
	return resp
}

// errorResponse folds a gateway error into a JSON-RPC error object
// without leaking internal detail.
func (s *Server) errorResponse(id any, err error) *Message {
	var badParams *paramsError
	if errors.As(err, &badParams) {
		return NewErrorResponse(id, types.JSONRPCInvalidParams, badParams.msg)
	}
	e := types.AsError(err)
	if e.Kind == types.ErrInternal {
		s.logger.Error("mcp request failed", zap.Error(err))
	}
	return NewErrorResponse(id, e.JSONRPCCode(), e.PublicMessage())
}

func (s *Server) handleToolCall(ctx context.Context, params json.RawMessage, inbound http.Header) (any, error) {
	var call CallToolParams
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, &paramsError{"invalid tools/call params"}
	}
	switch call.Name {
	case "search":
		return s.handleSearch(ctx, call.Arguments, inbound)
	case "execute":
		return s.handleExecute(ctx, call.Arguments, inbound)
	default:
		return nil, types.NewError(types.ErrToolNotFound,
			fmt.Sprintf("unknown tool %q; use search and execute", call.Name))
	}
}

// paramsError marks a failure that must surface as -32602.
type paramsError struct{ msg string }

func (e *paramsError) Error() string { return e.msg }

func (s *Server) handleSearch(ctx context.Context, args map[string]any, inbound http.Header) (*CallToolResult, error) {
	rawKeywords, ok := args["keywords"]
	if !ok {
		return nil, &paramsError{"search requires a keywords array"}
	}
	list, ok := rawKeywords.([]any)
	if !ok {
		return nil, &paramsError{"keywords must be an array of strings"}
	}
	keywords := make([]string, 0, len(list))
	for _, k := range list {
		str, ok := k.(string)
		if !ok {
			return nil, &paramsError{"keywords must be an array of strings"}
		}
		keywords = append(keywords, str)
	}

	var entries []searchResultEntry
	seen := make(map[string]bool)
	for _, agg := range s.view(ctx, inbound) {
		for _, hit := range agg.Index().Search(keywords, DefaultSearchLimit) {
			if seen[hit.Tool.Name] {
				continue
			}
			seen[hit.Tool.Name] = true
			entries = append(entries, searchResultEntry{
				Name:        hit.Tool.Name,
				Description: hit.Tool.Description,
				InputSchema: hit.Tool.InputSchema,
				Score:       hit.Score,
			})
		}
	}
	sortEntries(entries)
	if len(entries) > DefaultSearchLimit {
		entries = entries[:DefaultSearchLimit]
	}

	if s.structuredContent {
		return &CallToolResult{
			Content:           []ContentBlock{},
			StructuredContent: map[string]any{"results": entries},
		}, nil
	}
	block, err := JSONContent(entries)
	if err != nil {
		return nil, types.Internal(err)
	}
	return &CallToolResult{Content: []ContentBlock{block}}, nil
}

func sortEntries(entries []searchResultEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].Name < entries[j].Name
	})
}

func (s *Server) handleExecute(ctx context.Context, args map[string]any, inbound http.Header) (*CallToolResult, error) {
	name, ok := args["name"].(string)
	if !ok || name == "" {
		return nil, &paramsError{"execute requires a tool name"}
	}
	server, _, ok := SplitToolName(name)
	if !ok {
		return nil, &paramsError{
			fmt.Sprintf("tool name %q is missing the server prefix", name)}
	}
	arguments, _ := args["arguments"].(map[string]any)

	if s.gate != nil {
		_, tool, _ := SplitToolName(name)
		if err := s.gate.CheckServerCall(ctx, server, tool); err != nil {
			return nil, err
		}
	}

	var lastErr error
	for _, agg := range s.view(ctx, inbound) {
		result, err := agg.CallTool(ctx, name, arguments)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if types.KindOf(err) != types.ErrToolNotFound {
			break
		}
	}
	return nil, lastErr
}

func (s *Server) handlePromptsList(ctx context.Context, inbound http.Header) ListPromptsResult {
	var prompts []Prompt
	for _, agg := range s.view(ctx, inbound) {
		prompts = append(prompts, agg.ListPrompts(ctx)...)
	}
	if prompts == nil {
		prompts = []Prompt{}
	}
	return ListPromptsResult{Prompts: prompts}
}

func (s *Server) handlePromptsGet(ctx context.Context, params json.RawMessage, inbound http.Header) (any, error) {
	var req GetPromptParams
	if err := json.Unmarshal(params, &req); err != nil || req.Name == "" {
		return nil, &paramsError{"invalid prompts/get params"}
	}
	var lastErr error
	for _, agg := range s.view(ctx, inbound) {
		result, err := agg.GetPrompt(ctx, req.Name, req.Arguments)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if types.KindOf(err) != types.ErrToolNotFound {
			break
		}
	}
	return nil, lastErr
}

func (s *Server) handleResourcesList(ctx context.Context, inbound http.Header) ListResourcesResult {
	var resources []Resource
	for _, agg := range s.view(ctx, inbound) {
		resources = append(resources, agg.ListResources(ctx)...)
	}
	if resources == nil {
		resources = []Resource{}
	}
	return ListResourcesResult{Resources: resources}
}

func (s *Server) handleResourcesRead(ctx context.Context, params json.RawMessage, inbound http.Header) (any, error) {
	var req ReadResourceParams
	if err := json.Unmarshal(params, &req); err != nil || req.URI == "" {
		return nil, &paramsError{"invalid resources/read params"}
	}
	var lastErr error
	for _, agg := range s.view(ctx, inbound) {
		result, err := agg.ReadResource(ctx, req.URI)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// builtinTools returns the two tools every tools/list response carries.
func builtinTools() []Tool {
	return []Tool{
		{
			Name: "search",
			Description: "Search the tools available across all connected " +
				"downstream servers by keyword. Returns ranked matches with " +
				"their input schemas; invoke a match with execute.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"keywords": {
						"type": "array",
						"items": {"type": "string"},
						"description": "Keywords describing the capability you need"
					}
				},
				"required": ["keywords"]
			}`),
		},
		{
			Name: "execute",
			Description: "Execute a downstream tool by its namespaced name " +
				"(server__tool) as returned by search.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"name": {"type": "string", "description": "Namespaced tool name, e.g. github__create_issue"},
					"arguments": {"type": "object", "description": "Tool arguments matching its input schema"}
				},
				"required": ["name"]
			}`),
		},
	}
}
