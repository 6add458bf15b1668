// Package google implements the Gemini generateContent adapter.
// The dialect maps the assistant role to "model", moves system messages to
// systemInstruction, and carries tool traffic as functionCall and
// functionResponse parts.
package google

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

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jrmatherly/nexus/config"
	"github.com/jrmatherly/nexus/internal/tlsutil"
	"github.com/jrmatherly/nexus/llm"
	"github.com/jrmatherly/nexus/providers"
	"github.com/jrmatherly/nexus/types"
)

// Provider implements llm.Provider against the Gemini API.
type Provider struct {
	name   string
	cfg    config.ProviderConfig
	client *http.Client
	logger *zap.Logger
}

// New creates a Google provider adapter.
func New(name string, cfg config.ProviderConfig, logger *zap.Logger) *Provider {
	timeout := cfg.Timeout.AsDuration()
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
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

type geminiContent struct {
	Role  string       `json:"role,omitempty"` // user, model
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations,omitempty"`
}

type geminiFunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiToolConfig struct {
	FunctionCallingConfig *geminiFunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

type geminiFunctionCallingConfig struct {
	Mode                 string   `json:"mode"` // AUTO, ANY, NONE
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     float32  `json:"temperature,omitempty"`
	TopP            float32  `json:"topP,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	ToolConfig        *geminiToolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
	Index        int           `json:"index"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string               `json:"modelVersion,omitempty"`
	ResponseID    string               `json:"responseId,omitempty"`
}

type geminiErrorResp struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (p *Provider) buildHeaders(req *http.Request, apiKey string) {
	req.Header.Set("x-goog-api-key", apiKey)
	req.Header.Set("Content-Type", "application/json")
}

// encodeContents converts unified messages to the Gemini dialect.
func encodeContents(msgs []llm.Message) (*geminiContent, []geminiContent) {
	var systemInstruction *geminiContent
	var contents []geminiContent

	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			if systemInstruction == nil {
				systemInstruction = &geminiContent{}
			}
			systemInstruction.Parts = append(systemInstruction.Parts,
				geminiPart{Text: m.Content})

		case llm.RoleTool:
			// Tool results are user-role functionResponse parts.
			var response map[string]any
			if err := json.Unmarshal([]byte(m.Content), &response); err != nil {
				response = map[string]any{"output": m.Content}
			}
			contents = append(contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{
					FunctionResponse: &geminiFunctionResponse{
						Name:     m.Name,
						Response: response,
					},
				}},
			})

		default:
			role := string(m.Role)
			if role == "assistant" {
				role = "model"
			}
			content := geminiContent{Role: role}
			if m.Content != "" {
				content.Parts = append(content.Parts, geminiPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				content.Parts = append(content.Parts, geminiPart{
					FunctionCall: &geminiFunctionCall{
						Name: tc.Name,
						Args: tc.Arguments,
					},
				})
			}
			if len(content.Parts) > 0 {
				contents = append(contents, content)
			}
		}
	}
	return systemInstruction, contents
}

func encodeTools(tools []llm.ToolSchema) []geminiTool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]geminiFunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, geminiFunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return []geminiTool{{FunctionDeclarations: decls}}
}

func encodeToolConfig(choice *llm.ToolChoice) *geminiToolConfig {
	if choice == nil {
		return nil
	}
	cfg := &geminiFunctionCallingConfig{}
	switch choice.Mode {
	case "none":
		cfg.Mode = "NONE"
	case "required":
		cfg.Mode = "ANY"
	case "function":
		cfg.Mode = "ANY"
		cfg.AllowedFunctionNames = []string{choice.FunctionName}
	default:
		cfg.Mode = "AUTO"
	}
	return &geminiToolConfig{FunctionCallingConfig: cfg}
}

func (p *Provider) encodeRequest(req *llm.ChatRequest) geminiRequest {
	system, contents := encodeContents(req.Messages)
	out := geminiRequest{
		Contents:          contents,
		Tools:             encodeTools(req.Tools),
		ToolConfig:        encodeToolConfig(req.ToolChoice),
		SystemInstruction: system,
	}
	if req.Temperature != 0 || req.TopP != 0 || req.MaxTokens != 0 || len(req.Stop) > 0 {
		out.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Stop,
		}
	}
	return out
}

// mapFinishReason folds Gemini finish reasons into the unified set.
func mapFinishReason(reason string, hasToolCalls bool) string {
	if hasToolCalls {
		return llm.FinishToolCalls
	}
	switch reason {
	case "STOP":
		return llm.FinishStop
	case "MAX_TOKENS":
		return llm.FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return llm.FinishContentFilter
	case "":
		return ""
	default:
		return strings.ToLower(reason)
	}
}

func (p *Provider) post(ctx context.Context, model, method, query string, body geminiRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.Internal(err)
	}
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:%s%s",
		strings.TrimRight(p.cfg.BaseURL, "/"), model, method, query)

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

// Completion sends a synchronous generateContent request.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	resp, err := p.post(ctx, req.Model, "generateContent", "", p.encodeRequest(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := readErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.name)
	}

	var upstream geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&upstream); err != nil {
		return nil, providers.ConnectionError(err, p.name)
	}
	return p.toChatResponse(upstream, req.Model), nil
}

func decodeCandidate(c geminiCandidate) (llm.Message, bool) {
	msg := llm.Message{Role: llm.RoleAssistant}
	hasToolCalls := false
	for _, part := range c.Content.Parts {
		if part.Text != "" {
			msg.Content += part.Text
		}
		if part.FunctionCall != nil {
			hasToolCalls = true
			args := part.FunctionCall.Args
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
				ID:        "call_" + uuid.NewString(),
				Name:      part.FunctionCall.Name,
				Arguments: args,
			})
		}
	}
	return msg, hasToolCalls
}

func (p *Provider) toChatResponse(upstream geminiResponse, model string) *llm.ChatResponse {
	out := &llm.ChatResponse{
		ID:      upstream.ResponseID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
	}
	if out.ID == "" {
		out.ID = "chatcmpl-" + uuid.NewString()
	}
	for _, c := range upstream.Candidates {
		msg, hasToolCalls := decodeCandidate(c)
		out.Choices = append(out.Choices, llm.ChatChoice{
			Index:        c.Index,
			FinishReason: mapFinishReason(c.FinishReason, hasToolCalls),
			Message:      msg,
		})
	}
	if upstream.UsageMetadata != nil {
		out.Usage = llm.ChatUsage{
			PromptTokens:     upstream.UsageMetadata.PromptTokenCount,
			CompletionTokens: upstream.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      upstream.UsageMetadata.TotalTokenCount,
		}
	}
	return out
}

// Stream sends a streamGenerateContent request with SSE framing and adapts
// each native event into at most one unified chunk.
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	resp, err := p.post(ctx, req.Model, "streamGenerateContent", "?alt=sse", p.encodeRequest(req))
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

		streamID := "chatcmpl-" + uuid.NewString()
		var usage *llm.ChatUsage
		var finishReason string

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					// Gemini ends the stream without a terminator line; the
					// final chunk carries finish reason and usage.
					final := llm.StreamChunk{ID: streamID, FinishReason: finishReason, Usage: usage}
					if final.FinishReason == "" {
						final.FinishReason = llm.FinishStop
					}
					select {
					case ch <- final:
					case <-ctx.Done():
					}
				} else if ctx.Err() == nil {
					ch <- llm.StreamChunk{Err: providers.ConnectionError(err, p.name)}
				}
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

			var event geminiResponse
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				ch <- llm.StreamChunk{Err: providers.ConnectionError(err, p.name)}
				return
			}

			if event.UsageMetadata != nil {
				usage = &llm.ChatUsage{
					PromptTokens:     event.UsageMetadata.PromptTokenCount,
					CompletionTokens: event.UsageMetadata.CandidatesTokenCount,
					TotalTokens:      event.UsageMetadata.TotalTokenCount,
				}
			}
			if len(event.Candidates) == 0 {
				continue
			}
			candidate := event.Candidates[0]
			msg, hasToolCalls := decodeCandidate(candidate)
			if candidate.FinishReason != "" {
				finishReason = mapFinishReason(candidate.FinishReason, hasToolCalls)
			}
			if msg.Content == "" && len(msg.ToolCalls) == 0 {
				continue
			}
			select {
			case ch <- llm.StreamChunk{
				ID:    streamID,
				Index: candidate.Index,
				Delta: msg,
			}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// ListModels returns the configured models.
func (p *Provider) ListModels(ctx context.Context) ([]llm.Model, error) {
	return providers.ConfiguredModels(p.cfg, p.name), nil
}

func readErrorMessage(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var errResp geminiErrorResp
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	return string(data)
}
