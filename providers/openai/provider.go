// Package openai implements the OpenAI chat-completions adapter. The
// unified schema is OpenAI-shaped, so translation is a near-identity
// passthrough; tools are sent verbatim.
package openai

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

// Provider implements llm.Provider against the OpenAI API or any
// OpenAI-compatible endpoint.
type Provider struct {
	name   string
	cfg    config.ProviderConfig
	client *http.Client
	logger *zap.Logger
}

// New creates an OpenAI provider adapter.
func New(name string, cfg config.ProviderConfig, logger *zap.Logger) *Provider {
	timeout := cfg.Timeout.AsDuration()
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
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

// Wire types for the OpenAI dialect.
type openAIMessage struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content,omitempty"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	Index    *int           `json:"index,omitempty"`
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type,omitempty"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type openAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type openAIRequest struct {
	Model             string          `json:"model"`
	Messages          []openAIMessage `json:"messages"`
	Tools             []openAITool    `json:"tools,omitempty"`
	ToolChoice        any             `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool           `json:"parallel_tool_calls,omitempty"`
	MaxTokens         int             `json:"max_tokens,omitempty"`
	Temperature       float32         `json:"temperature,omitempty"`
	TopP              float32         `json:"top_p,omitempty"`
	Stop              []string        `json:"stop,omitempty"`
	Stream            bool            `json:"stream,omitempty"`
	StreamOptions     *streamOptions  `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIChoice struct {
	Index        int            `json:"index"`
	FinishReason string         `json:"finish_reason"`
	Message      openAIMessage  `json:"message"`
	Delta        *openAIMessage `json:"delta,omitempty"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Created int64          `json:"created"`
	Choices []openAIChoice `json:"choices"`
	Usage   *llm.ChatUsage `json:"usage,omitempty"`
}

func (p *Provider) buildHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
}

func encodeRequest(req *llm.ChatRequest) openAIRequest {
	out := openAIRequest{
		Model:             req.Model,
		MaxTokens:         req.MaxTokens,
		Temperature:       req.Temperature,
		TopP:              req.TopP,
		Stop:              req.Stop,
		ParallelToolCalls: req.ParallelToolCalls,
	}
	for _, m := range req.Messages {
		om := openAIMessage{
			Role:       string(m.Role),
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		if m.Content != "" || len(m.ToolCalls) == 0 {
			content := m.Content
			om.Content = &content
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openAIToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openAIFunction{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out.Messages = append(out.Messages, om)
	}
	for _, t := range req.Tools {
		var ot openAITool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.Parameters
		out.Tools = append(out.Tools, ot)
	}
	if req.ToolChoice != nil {
		switch req.ToolChoice.Mode {
		case "function":
			out.ToolChoice = map[string]any{
				"type":     "function",
				"function": map[string]string{"name": req.ToolChoice.FunctionName},
			}
		default:
			out.ToolChoice = req.ToolChoice.Mode
		}
	}
	return out
}

func decodeMessage(om openAIMessage) llm.Message {
	msg := llm.Message{Role: llm.RoleAssistant}
	if om.Role != "" {
		msg.Role = llm.Role(om.Role)
	}
	if om.Content != nil {
		msg.Content = *om.Content
	}
	for _, tc := range om.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return msg
}

// Completion sends a synchronous chat request.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	apiKey, err := providers.ResolveAPIKey(ctx, p.cfg)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(encodeRequest(req))
	if err != nil {
		return nil, types.Internal(err)
	}
	endpoint := fmt.Sprintf("%s/chat/completions", strings.TrimRight(p.cfg.BaseURL, "/"))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, types.Internal(err)
	}
	providers.ApplyExtraHeaders(ctx, httpReq)
	p.buildHeaders(httpReq, apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.ConnectionError(err, p.name)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.name)
	}

	var upstream openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&upstream); err != nil {
		return nil, providers.ConnectionError(err, p.name)
	}
	return p.toChatResponse(upstream), nil
}

func (p *Provider) toChatResponse(upstream openAIResponse) *llm.ChatResponse {
	out := &llm.ChatResponse{
		ID:      upstream.ID,
		Object:  "chat.completion",
		Created: upstream.Created,
		Model:   upstream.Model,
	}
	for _, ch := range upstream.Choices {
		out.Choices = append(out.Choices, llm.ChatChoice{
			Index:        ch.Index,
			FinishReason: ch.FinishReason,
			Message:      decodeMessage(ch.Message),
		})
	}
	if upstream.Usage != nil {
		out.Usage = *upstream.Usage
	}
	return out
}

// Stream sends a streaming chat request and adapts the SSE chunks.
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	apiKey, err := providers.ResolveAPIKey(ctx, p.cfg)
	if err != nil {
		return nil, err
	}

	body := encodeRequest(req)
	body.Stream = true
	body.StreamOptions = &streamOptions{IncludeUsage: true}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.Internal(err)
	}
	endpoint := fmt.Sprintf("%s/chat/completions", strings.TrimRight(p.cfg.BaseURL, "/"))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, types.Internal(err)
	}
	providers.ApplyExtraHeaders(ctx, httpReq)
	p.buildHeaders(httpReq, apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.ConnectionError(err, p.name)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.name)
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer resp.Body.Close()
		defer close(ch)
		reader := bufio.NewReader(resp.Body)

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF && ctx.Err() == nil {
					ch <- llm.StreamChunk{Err: providers.ConnectionError(err, p.name)}
				}
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var event openAIResponse
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				ch <- llm.StreamChunk{Err: providers.ConnectionError(err, p.name)}
				return
			}

			chunk := llm.StreamChunk{ID: event.ID, Model: event.Model, Usage: event.Usage}
			if len(event.Choices) > 0 {
				choice := event.Choices[0]
				chunk.Index = choice.Index
				chunk.FinishReason = choice.FinishReason
				if choice.Delta != nil {
					chunk.Delta = decodeMessage(*choice.Delta)
				}
			}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// ListModels queries the upstream models endpoint, falling back to the
// configured models when the upstream has no listing.
func (p *Provider) ListModels(ctx context.Context) ([]llm.Model, error) {
	apiKey, err := providers.ResolveAPIKey(ctx, p.cfg)
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/models", strings.TrimRight(p.cfg.BaseURL, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, types.Internal(err)
	}
	p.buildHeaders(httpReq, apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.ConnectionError(err, p.name)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return providers.ConfiguredModels(p.cfg, p.name), nil
	}
	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.name)
	}

	var listing struct {
		Data []llm.Model `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, providers.ConnectionError(err, p.name)
	}
	return listing.Data, nil
}
