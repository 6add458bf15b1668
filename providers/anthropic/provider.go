// Package anthropic implements the Anthropic Messages adapter.
// The dialect differs from the unified schema in four ways: auth uses the
// x-api-key header, system messages move to a top-level field, max_tokens
// is mandatory, and tool calls travel as tool_use/tool_result content
// blocks.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jrmatherly/nexus/config"
	"github.com/jrmatherly/nexus/internal/tlsutil"
	"github.com/jrmatherly/nexus/llm"
	"github.com/jrmatherly/nexus/providers"
	"github.com/jrmatherly/nexus/types"
)

// defaultMaxTokens is applied when the request leaves max_tokens unset;
// the Messages API rejects requests without it.
const defaultMaxTokens = 4096

const apiVersion = "2023-06-01"

// Provider implements llm.Provider against the Anthropic Messages API.
type Provider struct {
	name   string
	cfg    config.ProviderConfig
	client *http.Client
	logger *zap.Logger
}

// New creates an Anthropic provider adapter.
func New(name string, cfg config.ProviderConfig, logger *zap.Logger) *Provider {
	timeout := cfg.Timeout.AsDuration()
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	return &Provider{
		name:   name,
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(timeout),
		logger: logger.With(zap.String("provider", name)),
	}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) SupportsStreaming() bool { return true }

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"` // for tool_result
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type anthropicRequest struct {
	Model       string               `json:"model"`
	Messages    []anthropicMessage   `json:"messages"`
	System      string               `json:"system,omitempty"`
	MaxTokens   int                  `json:"max_tokens"`
	Temperature float32              `json:"temperature,omitempty"`
	TopP        float32              `json:"top_p,omitempty"`
	StopSeq     []string             `json:"stop_sequences,omitempty"`
	Stream      bool                 `json:"stream,omitempty"`
	Tools       []anthropicTool      `json:"tools,omitempty"`
	ToolChoice  *anthropicToolChoice `json:"tool_choice,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      *anthropicUsage    `json:"usage,omitempty"`
}

type anthropicStreamEvent struct {
	Type         string             `json:"type"`
	Index        int                `json:"index,omitempty"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	ContentBlock *anthropicContent  `json:"content_block,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type anthropicErrorResp struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *Provider) buildHeaders(req *http.Request, apiKey string) {
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("Content-Type", "application/json")
}

// encodeMessages converts unified messages to the Anthropic dialect:
// system messages are extracted, tool results become user-role tool_result
// blocks, and consecutive same-role messages are merged so the sequence
// alternates between user and assistant.
func encodeMessages(msgs []llm.Message) (string, []anthropicMessage) {
	var system []string
	var out []anthropicMessage

	appendBlocks := func(role string, blocks ...anthropicContent) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, anthropicMessage{Role: role, Content: blocks})
	}

	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, m.Content)
		case llm.RoleTool:
			appendBlocks("user", anthropicContent{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
			})
		default:
			var blocks []anthropicContent
			if m.Content != "" {
				blocks = append(blocks, anthropicContent{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Arguments
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropicContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			appendBlocks(string(m.Role), blocks...)
		}
	}
	return strings.Join(system, "\n\n"), out
}

func encodeTools(tools []llm.ToolSchema) []anthropicTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropicTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	return out
}

func encodeToolChoice(choice *llm.ToolChoice) *anthropicToolChoice {
	if choice == nil {
		return nil
	}
	switch choice.Mode {
	case "none":
		return &anthropicToolChoice{Type: "none"}
	case "required":
		return &anthropicToolChoice{Type: "any"}
	case "function":
		return &anthropicToolChoice{Type: "tool", Name: choice.FunctionName}
	default:
		return &anthropicToolChoice{Type: "auto"}
	}
}

func (p *Provider) encodeRequest(req *llm.ChatRequest, stream bool) anthropicRequest {
	system, messages := encodeMessages(req.Messages)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return anthropicRequest{
		Model:       req.Model,
		Messages:    messages,
		System:      system,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		StopSeq:     req.Stop,
		Stream:      stream,
		Tools:       encodeTools(req.Tools),
		ToolChoice:  encodeToolChoice(req.ToolChoice),
	}
}

// mapStopReason folds Anthropic stop reasons into the unified set.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return llm.FinishStop
	case "max_tokens":
		return llm.FinishLength
	case "tool_use":
		return llm.FinishToolCalls
	case "":
		return ""
	default:
		return reason
	}
}

func (p *Provider) post(ctx context.Context, body anthropicRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.Internal(err)
	}
	endpoint := fmt.Sprintf("%s/v1/messages", strings.TrimRight(p.cfg.BaseURL, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, types.Internal(err)
	}
	apiKey, err := providers.ResolveAPIKey(ctx, p.cfg)
	if err != nil {
		return nil, err
	}
	providers.ApplyExtraHeaders(ctx, httpReq)
	p.buildHeaders(httpReq, apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.ConnectionError(err, p.name)
	}
	return resp, nil
}

// Completion sends a synchronous Messages request.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	resp, err := p.post(ctx, p.encodeRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := readErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.name)
	}

	var upstream anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&upstream); err != nil {
		return nil, providers.ConnectionError(err, p.name)
	}
	return p.toChatResponse(upstream), nil
}

func (p *Provider) toChatResponse(upstream anthropicResponse) *llm.ChatResponse {
	msg := llm.Message{Role: llm.RoleAssistant}
	for _, content := range upstream.Content {
		switch content.Type {
		case "text":
			msg.Content += content.Text
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
				ID:        content.ID,
				Name:      content.Name,
				Arguments: content.Input,
			})
		}
	}

	out := &llm.ChatResponse{
		ID:      upstream.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   upstream.Model,
		Choices: []llm.ChatChoice{{
			Index:        0,
			FinishReason: mapStopReason(upstream.StopReason),
			Message:      msg,
		}},
	}
	if upstream.Usage != nil {
		out.Usage = llm.ChatUsage{
			PromptTokens:     upstream.Usage.InputTokens,
			CompletionTokens: upstream.Usage.OutputTokens,
			TotalTokens:      upstream.Usage.InputTokens + upstream.Usage.OutputTokens,
		}
	}
	return out
}

// Stream folds the Anthropic event stream (message_start,
// content_block_delta, message_delta, message_stop) into unified chunks,
// at most one chunk per native event.
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	resp, err := p.post(ctx, p.encodeRequest(req, true))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg := readErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.name)
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer resp.Body.Close()
		defer close(ch)
		reader := bufio.NewReader(resp.Body)

		var currentID, currentModel string
		var inputTokens, outputTokens int
		var stopReason string
		toolCalls := make(map[int]*llm.ToolCall)

		emit := func(chunk llm.StreamChunk) bool {
			chunk.ID = currentID
			chunk.Model = currentModel
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF && ctx.Err() == nil {
					emit(llm.StreamChunk{Err: providers.ConnectionError(err, p.name)})
				}
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "event:") {
				continue
			}
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				emit(llm.StreamChunk{Err: providers.ConnectionError(err, p.name)})
				return
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					currentID = event.Message.ID
					currentModel = event.Message.Model
					if event.Message.Usage != nil {
						inputTokens = event.Message.Usage.InputTokens
					}
				}
				if !emit(llm.StreamChunk{Delta: llm.Message{Role: llm.RoleAssistant}}) {
					return
				}

			case "content_block_start":
				if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
					toolCalls[event.Index] = &llm.ToolCall{
						ID:        event.ContentBlock.ID,
						Name:      event.ContentBlock.Name,
						Arguments: json.RawMessage{},
					}
				}

			case "content_block_delta":
				if event.Delta == nil {
					continue
				}
				switch event.Delta.Type {
				case "text_delta":
					if !emit(llm.StreamChunk{
						Index: event.Index,
						Delta: llm.Message{Role: llm.RoleAssistant, Content: event.Delta.Text},
					}) {
						return
					}
				case "input_json_delta":
					if tc, ok := toolCalls[event.Index]; ok {
						tc.Arguments = append(tc.Arguments, []byte(event.Delta.PartialJSON)...)
					}
				}

			case "content_block_stop":
				// A finished tool_use block is emitted as one complete call.
				if tc, ok := toolCalls[event.Index]; ok {
					if len(tc.Arguments) == 0 {
						tc.Arguments = json.RawMessage("{}")
					}
					delete(toolCalls, event.Index)
					if !emit(llm.StreamChunk{
						Index: event.Index,
						Delta: llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{*tc}},
					}) {
						return
					}
				}

			case "message_delta":
				if event.Delta != nil && event.Delta.StopReason != "" {
					stopReason = event.Delta.StopReason
				}
				if event.Usage != nil {
					outputTokens = event.Usage.OutputTokens
				}

			case "message_stop":
				emit(llm.StreamChunk{
					FinishReason: mapStopReason(stopReason),
					Usage: &llm.ChatUsage{
						PromptTokens:     inputTokens,
						CompletionTokens: outputTokens,
						TotalTokens:      inputTokens + outputTokens,
					},
				})
				return
			}
		}
	}()
	return ch, nil
}

// ListModels returns the configured models; the Messages API has no
// listing endpoint the gateway relies on.
func (p *Provider) ListModels(ctx context.Context) ([]llm.Model, error) {
	return providers.ConfiguredModels(p.cfg, p.name), nil
}

func readErrorMessage(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var errResp anthropicErrorResp
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	return string(data)
}
