package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jrmatherly/nexus/config"
	"github.com/jrmatherly/nexus/types"
)

func newTestClient(t *testing.T, cfg config.MCPServerConfig) *Client {
	t.Helper()
	client, err := NewClient(context.Background(), "fs", cfg, "", nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestClientListAndCall(t *testing.T) {
	fd, srv := newFakeDownstream(t, sampleTools)
	client := newTestClient(t, serverConfig(srv.URL))

	tools, err := client.ListTools(context.Background())
	require.NoError(t, err)
	assert.Len(t, tools, 2)

	result, err := client.CallTool(context.Background(), "read_file",
		map[string]any{"path": "/etc/hosts"})
	require.NoError(t, err)
	assert.Equal(t, "ok:read_file", result.Content[0].Text)
	assert.Equal(t, 1, fd.callCount())
}

func TestClientPromptsAndResources(t *testing.T) {
	_, srv := newFakeDownstream(t, sampleTools)
	client := newTestClient(t, serverConfig(srv.URL))
	ctx := context.Background()

	prompts, err := client.ListPrompts(ctx)
	require.NoError(t, err)
	assert.Len(t, prompts, 1)

	prompt, err := client.GetPrompt(ctx, "greeting", map[string]string{"name": "x"})
	require.NoError(t, err)
	assert.Len(t, prompt.Messages, 1)

	resources, err := client.ListResources(ctx)
	require.NoError(t, err)
	require.Len(t, resources, 1)

	read, err := client.ReadResource(ctx, resources[0].URI)
	require.NoError(t, err)
	assert.NotEmpty(t, read.Contents)
}

func TestClientDownstreamErrorIsProtocolError(t *testing.T) {
	fd, srv := newFakeDownstream(t, sampleTools)
	fd.callFn = func(name string, args map[string]any) (*CallToolResult, *RPCError) {
		return nil, &RPCError{Code: -32602, Message: "bad arguments"}
	}
	client := newTestClient(t, serverConfig(srv.URL))

	_, err := client.CallTool(context.Background(), "read_file", nil)
	require.Error(t, err)
	typed := types.AsError(err)
	assert.Equal(t, types.ErrProtocol, typed.Kind)
	assert.Contains(t, typed.Message, "bad arguments")
}

func TestClientConnectFailureIsTransportError(t *testing.T) {
	cfg := serverConfig("http://127.0.0.1:1")
	cfg.Timeout = config.Duration(time.Second)
	_, err := NewClient(context.Background(), "dead", cfg, "", nil, zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, types.ErrTransport, types.KindOf(err))
}

func TestClientTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg Message
		json.NewDecoder(r.Body).Decode(&msg)
		if msg.Method == MethodInitialize {
			resp, _ := NewResponse(msg.ID, InitializeResult{ProtocolVersion: ProtocolVersion})
			json.NewEncoder(w).Encode(resp)
			return
		}
		if msg.IsNotification() {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		time.Sleep(2 * time.Second)
	}))
	defer upstream.Close()

	cfg := serverConfig(upstream.URL)
	cfg.Timeout = config.Duration(200 * time.Millisecond)
	client := newTestClient(t, cfg)

	_, err := client.ListTools(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.ErrTimeout, types.KindOf(err))
}

func TestClientStreamableHTTPWithSSEResponse(t *testing.T) {
	// The downstream answers the POST with an SSE body carrying a
	// notification followed by the response.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg Message
		json.NewDecoder(r.Body).Decode(&msg)
		if msg.IsNotification() {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		if msg.Method == MethodInitialize {
			resp, _ := NewResponse(msg.ID, InitializeResult{ProtocolVersion: ProtocolVersion})
			json.NewEncoder(w).Encode(resp)
			return
		}
		resp, _ := NewResponse(msg.ID, ListToolsResult{Tools: sampleTools})
		payload, _ := json.Marshal(resp)
		note, _ := NewNotification("notifications/progress", map[string]any{"progress": 1})
		notePayload, _ := json.Marshal(note)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\ndata: %s\n\n", notePayload, payload)
	}))
	defer upstream.Close()

	client := newTestClient(t, serverConfig(upstream.URL))
	tools, err := client.ListTools(context.Background())
	require.NoError(t, err)
	assert.Len(t, tools, 2)
}

func TestClientHeaderRulesApplied(t *testing.T) {
	fd, srv := newFakeDownstream(t, sampleTools)
	cfg := serverConfig(srv.URL)
	cfg.Headers = []config.HeaderRule{
		{Rule: "insert", Name: "X-Env", Value: "prod"},
	}
	_ = newTestClient(t, cfg)

	fd.mu.Lock()
	defer fd.mu.Unlock()
	assert.Equal(t, "prod", fd.lastHeader.Get("X-Env"))
}
