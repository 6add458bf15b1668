package mcp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// fakeDownstream is an in-process MCP server speaking streamable-HTTP.
// Tests point clients and aggregators at its URL.
type fakeDownstream struct {
	t     *testing.T
	tools []Tool

	mu         sync.Mutex
	calls      []CallToolParams
	lastAuth   string
	lastHeader http.Header
	callFn     func(name string, args map[string]any) (*CallToolResult, *RPCError)
}

func newFakeDownstream(t *testing.T, tools []Tool) (*fakeDownstream, *httptest.Server) {
	t.Helper()
	fd := &fakeDownstream{t: t, tools: tools}
	srv := httptest.NewServer(fd)
	t.Cleanup(srv.Close)
	return fd, srv
}

func (fd *fakeDownstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fd.mu.Lock()
	fd.lastAuth = r.Header.Get("Authorization")
	fd.lastHeader = r.Header.Clone()
	fd.mu.Unlock()

	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if msg.IsNotification() {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var resp *Message
	switch msg.Method {
	case MethodInitialize:
		resp, _ = NewResponse(msg.ID, InitializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      Implementation{Name: "fake", Version: "0"},
		})
	case MethodToolsList:
		resp, _ = NewResponse(msg.ID, ListToolsResult{Tools: fd.tools})
	case MethodToolsCall:
		var params CallToolParams
		_ = json.Unmarshal(msg.Params, &params)
		fd.mu.Lock()
		fd.calls = append(fd.calls, params)
		callFn := fd.callFn
		fd.mu.Unlock()

		if callFn != nil {
			result, rpcErr := callFn(params.Name, params.Arguments)
			if rpcErr != nil {
				resp = &Message{JSONRPC: "2.0", ID: msg.ID, Error: rpcErr}
			} else {
				resp, _ = NewResponse(msg.ID, result)
			}
		} else {
			resp, _ = NewResponse(msg.ID, &CallToolResult{
				Content: []ContentBlock{TextContent("ok:" + params.Name)},
			})
		}
	case MethodPromptsList:
		resp, _ = NewResponse(msg.ID, ListPromptsResult{Prompts: []Prompt{{Name: "greeting"}}})
	case MethodPromptsGet:
		resp, _ = NewResponse(msg.ID, GetPromptResult{
			Messages: []PromptMessage{{Role: "user", Content: TextContent("hello")}},
		})
	case MethodResourcesList:
		resp, _ = NewResponse(msg.ID, ListResourcesResult{
			Resources: []Resource{{URI: "file:///etc/hosts", Name: "hosts"}},
		})
	case MethodResourcesRead:
		var params ReadResourceParams
		_ = json.Unmarshal(msg.Params, &params)
		resp, _ = NewResponse(msg.ID, ReadResourceResult{
			Contents: []ResourceContents{{URI: params.URI, Text: "127.0.0.1 localhost"}},
		})
	default:
		resp = NewErrorResponse(msg.ID, -32601, "method not found")
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (fd *fakeDownstream) callCount() int {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return len(fd.calls)
}

func (fd *fakeDownstream) authSeen() string {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.lastAuth
}

var sampleTools = []Tool{
	{
		Name:        "read_file",
		Description: "Read a file from disk",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`),
	},
	{
		Name:        "list_dir",
		Description: "List a directory",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`),
	},
}
