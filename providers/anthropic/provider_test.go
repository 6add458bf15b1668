package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jrmatherly/nexus/config"
	"github.com/jrmatherly/nexus/llm"
	"github.com/jrmatherly/nexus/types"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	upstream := httptest.NewServer(handler)
	t.Cleanup(upstream.Close)
	return New("claude", config.ProviderConfig{
		Type:    "anthropic",
		APIKey:  "sk-ant-test",
		BaseURL: upstream.URL,
	}, zap.NewNop())
}

func TestCompletionTranslation(t *testing.T) {
	var captured anthropicRequest
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))
		assert.Equal(t, apiVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		json.NewEncoder(w).Encode(anthropicResponse{
			ID:         "msg_1",
			Model:      "claude-sonnet",
			StopReason: "end_turn",
			Content:    []anthropicContent{{Type: "text", Text: "hello"}},
			Usage:      &anthropicUsage{InputTokens: 12, OutputTokens: 3},
		})
	})

	resp, err := provider.Completion(context.Background(), &llm.ChatRequest{
		Model: "claude-sonnet",
		Messages: []llm.Message{
			llm.Message{Role: llm.RoleSystem, Content: "be brief"},
			llm.Message{Role: llm.RoleUser, Content: "hi"},
		},
	})
	require.NoError(t, err)

	// System messages move to the top-level field.
	assert.Equal(t, "be brief", captured.System)
	require.Len(t, captured.Messages, 1)
	assert.Equal(t, "user", captured.Messages[0].Role)

	// max_tokens is mandatory upstream; unset requests get the default.
	assert.Equal(t, defaultMaxTokens, captured.MaxTokens)

	assert.Equal(t, "hello", resp.Choices[0].Message.Content)
	assert.Equal(t, llm.FinishStop, resp.Choices[0].FinishReason)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestCompletionExplicitMaxTokens(t *testing.T) {
	var captured anthropicRequest
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(anthropicResponse{Content: []anthropicContent{{Type: "text", Text: "x"}}})
	})
	_, err := provider.Completion(context.Background(), &llm.ChatRequest{
		Model:     "claude-sonnet",
		MaxTokens: 512,
		Messages:  []llm.Message{llm.NewUserMessage("hi")},
	})
	require.NoError(t, err)
	assert.Equal(t, 512, captured.MaxTokens)
}

func TestToolCallRoundTrip(t *testing.T) {
	var captured anthropicRequest
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(anthropicResponse{
			StopReason: "tool_use",
			Content: []anthropicContent{{
				Type:  "tool_use",
				ID:    "toolu_1",
				Name:  "get_weather",
				Input: json.RawMessage(`{"city":"Oslo"}`),
			}},
		})
	})

	resp, err := provider.Completion(context.Background(), &llm.ChatRequest{
		Model: "claude-sonnet",
		Messages: []llm.Message{
			llm.NewUserMessage("weather?"),
			{
				Role: llm.RoleAssistant,
				ToolCalls: []llm.ToolCall{{
					ID: "toolu_0", Name: "get_weather",
					Arguments: json.RawMessage(`{"city":"Bergen"}`),
				}},
			},
			llm.NewToolMessage("toolu_0", "get_weather", "rainy"),
		},
		Tools: []llm.ToolSchema{{
			Name:       "get_weather",
			Parameters: json.RawMessage(`{"type":"object"}`),
		}},
	})
	require.NoError(t, err)

	// Assistant tool calls become tool_use blocks; tool results become
	// user-role tool_result blocks.
	require.Len(t, captured.Messages, 3)
	assert.Equal(t, "tool_use", captured.Messages[1].Content[0].Type)
	assert.Equal(t, "user", captured.Messages[2].Role)
	assert.Equal(t, "tool_result", captured.Messages[2].Content[0].Type)
	assert.Equal(t, "toolu_0", captured.Messages[2].Content[0].ToolUseID)
	require.Len(t, captured.Tools, 1)

	// The response decodes back into a unified tool call.
	require.Len(t, resp.Choices[0].Message.ToolCalls, 1)
	assert.Equal(t, "get_weather", resp.Choices[0].Message.ToolCalls[0].Name)
	assert.Equal(t, llm.FinishToolCalls, resp.Choices[0].FinishReason)
}

func TestAlternationMergesConsecutiveRoles(t *testing.T) {
	system, messages := encodeMessages([]llm.Message{
		llm.NewUserMessage("one"),
		llm.NewUserMessage("two"),
		llm.NewAssistantMessage("ok"),
	})
	assert.Empty(t, system)
	require.Len(t, messages, 2)
	assert.Len(t, messages[0].Content, 2)
	assert.Equal(t, "assistant", messages[1].Role)
}

func sseBody(events ...string) string {
	out := ""
	for _, e := range events {
		out += e + "\n\n"
	}
	return out
}

func streamHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			`event: message_start
data: {"type":"message_start","message":{"id":"msg_1","model":"claude-sonnet","usage":{"input_tokens":9}}}`,
			`event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hel"}}`,
			`event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
			`event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":4}}`,
			`event: message_stop
data: {"type":"message_stop"}`,
		))
	}
}

func TestStreamFoldsEvents(t *testing.T) {
	provider := newTestProvider(t, streamHandler(t))

	stream, err := provider.Stream(context.Background(), &llm.ChatRequest{
		Model:    "claude-sonnet",
		Messages: []llm.Message{llm.NewUserMessage("hi")},
	})
	require.NoError(t, err)

	var content string
	var final llm.StreamChunk
	for chunk := range stream {
		require.Nil(t, chunk.Err)
		content += chunk.Delta.Content
		final = chunk
	}

	// Concatenated deltas equal the non-streaming content, and the final
	// chunk carries the finish reason and usage totals.
	assert.Equal(t, "hello", content)
	assert.Equal(t, llm.FinishStop, final.FinishReason)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 9, final.Usage.PromptTokens)
	assert.Equal(t, 4, final.Usage.CompletionTokens)
	assert.Equal(t, 13, final.Usage.TotalTokens)
}

func TestStreamAccumulatesToolCall(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			`data: {"type":"message_start","message":{"id":"msg_1","model":"claude-sonnet"}}`,
			`data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_weather"}}`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"Oslo\"}"}}`,
			`data: {"type":"content_block_stop","index":0}`,
			`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"}}`,
			`data: {"type":"message_stop"}`,
		))
	})

	stream, err := provider.Stream(context.Background(), &llm.ChatRequest{
		Model:    "claude-sonnet",
		Messages: []llm.Message{llm.NewUserMessage("weather?")},
	})
	require.NoError(t, err)

	var toolCalls []llm.ToolCall
	var finish string
	for chunk := range stream {
		require.Nil(t, chunk.Err)
		toolCalls = append(toolCalls, chunk.Delta.ToolCalls...)
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}
	require.Len(t, toolCalls, 1)
	assert.Equal(t, "toolu_1", toolCalls[0].ID)
	assert.JSONEq(t, `{"city":"Oslo"}`, string(toolCalls[0].Arguments))
	assert.Equal(t, llm.FinishToolCalls, finish)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		kind   types.ErrorKind
	}{
		{400, types.ErrInvalidRequest},
		{401, types.ErrAuthenticationFailed},
		{403, types.ErrInsufficientQuota},
		{404, types.ErrModelNotFound},
		{429, types.ErrRateLimitExceeded},
		{500, types.ErrInternal},
		{529, types.ErrProviderAPI},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, `{"type":"error","error":{"type":"x","message":"upstream detail"}}`)
			})
			_, err := provider.Completion(context.Background(), &llm.ChatRequest{
				Model:    "claude-sonnet",
				Messages: []llm.Message{llm.NewUserMessage("hi")},
			})
			require.Error(t, err)
			typed := types.AsError(err)
			assert.Equal(t, tc.kind, typed.Kind)
			assert.Equal(t, tc.status, typed.UpstreamStatus)
			assert.Contains(t, typed.Message, "upstream detail")
		})
	}
}

func TestMissingAPIKey(t *testing.T) {
	provider := New("claude", config.ProviderConfig{Type: "anthropic"}, zap.NewNop())
	_, err := provider.Completion(context.Background(), &llm.ChatRequest{
		Model:    "claude-sonnet",
		Messages: []llm.Message{llm.NewUserMessage("hi")},
	})
	assert.Equal(t, types.ErrAuthenticationFailed, types.KindOf(err))
}

func TestForwardTokenPrefersHeaderKey(t *testing.T) {
	var seenKey string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenKey = r.Header.Get("x-api-key")
		json.NewEncoder(w).Encode(anthropicResponse{Content: []anthropicContent{{Type: "text", Text: "x"}}})
	}))
	defer upstream.Close()

	provider := New("claude", config.ProviderConfig{
		Type: "anthropic", APIKey: "configured", BaseURL: upstream.URL, ForwardToken: true,
	}, zap.NewNop())

	ctx := types.WithProviderAPIKey(context.Background(), "caller-key")
	_, err := provider.Completion(ctx, &llm.ChatRequest{
		Model:    "claude-sonnet",
		Messages: []llm.Message{llm.NewUserMessage("hi")},
	})
	require.NoError(t, err)
	assert.Equal(t, "caller-key", seenKey)
}

func TestHeaderIgnoredWithoutForwardToken(t *testing.T) {
	var seenKey string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenKey = r.Header.Get("x-api-key")
		json.NewEncoder(w).Encode(anthropicResponse{Content: []anthropicContent{{Type: "text", Text: "x"}}})
	}))
	defer upstream.Close()

	provider := New("claude", config.ProviderConfig{
		Type: "anthropic", APIKey: "configured", BaseURL: upstream.URL,
	}, zap.NewNop())

	ctx := types.WithProviderAPIKey(context.Background(), "caller-key")
	_, err := provider.Completion(ctx, &llm.ChatRequest{
		Model:    "claude-sonnet",
		Messages: []llm.Message{llm.NewUserMessage("hi")},
	})
	require.NoError(t, err)
	assert.Equal(t, "configured", seenKey)
}
