package llm

import (
	"encoding/json"
	"fmt"

	"github.com/jrmatherly/nexus/types"
)

// Wire types for the OpenAI-compatible surface. The HTTP layer decodes
// inbound bodies into APIChatRequest and encodes unified responses back.

// FlexContent accepts either a plain string or an array of content parts
// (only "text" parts are kept), matching what OpenAI clients send.
type FlexContent string

// UnmarshalJSON implements json.Unmarshaler.
func (c *FlexContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = FlexContent(s)
		return nil
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("content must be a string or an array of parts")
	}
	var out string
	for _, p := range parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	*c = FlexContent(out)
	return nil
}

// APIFunctionCall is the nested function object of an OpenAI tool call.
// Arguments is a JSON document encoded as a string.
type APIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// APIToolCall is an OpenAI-shaped tool call.
type APIToolCall struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Function APIFunctionCall `json:"function"`
}

// APIMessage is an OpenAI-shaped chat message.
type APIMessage struct {
	Role       string        `json:"role"`
	Content    FlexContent   `json:"content,omitempty"`
	Name       string        `json:"name,omitempty"`
	ToolCalls  []APIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// APITool is an OpenAI-shaped tool definition.
type APITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

// APIChatRequest is the inbound chat completion body.
type APIChatRequest struct {
	Model             string          `json:"model"`
	Messages          []APIMessage    `json:"messages"`
	MaxTokens         int             `json:"max_tokens,omitempty"`
	Temperature       float32         `json:"temperature,omitempty"`
	TopP              float32         `json:"top_p,omitempty"`
	Stop              []string        `json:"stop,omitempty"`
	Tools             []APITool       `json:"tools,omitempty"`
	ToolChoice        json.RawMessage `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool           `json:"parallel_tool_calls,omitempty"`
	Stream            bool            `json:"stream,omitempty"`
}

// ToUnified converts the wire request into the unified schema.
func (r *APIChatRequest) ToUnified() (*ChatRequest, error) {
	if r.Model == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "model is required")
	}
	if len(r.Messages) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "messages cannot be empty")
	}
	messages := make([]Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		msg := Message{
			Role:       Role(m.Role),
			Content:    string(m.Content),
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: normalizeArguments(tc.Function.Arguments),
			})
		}
		messages = append(messages, msg)
	}
	tools := make([]ToolSchema, 0, len(r.Tools))
	for _, t := range r.Tools {
		if t.Type != "" && t.Type != "function" {
			return nil, types.NewError(types.ErrInvalidRequest,
				fmt.Sprintf("unsupported tool type %q", t.Type))
		}
		tools = append(tools, ToolSchema{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	choice, err := parseToolChoice(r.ToolChoice)
	if err != nil {
		return nil, err
	}
	return &ChatRequest{
		Model:             r.Model,
		Messages:          messages,
		MaxTokens:         r.MaxTokens,
		Temperature:       r.Temperature,
		TopP:              r.TopP,
		Stop:              r.Stop,
		Tools:             tools,
		ToolChoice:        choice,
		ParallelToolCalls: r.ParallelToolCalls,
		Stream:            r.Stream,
	}, nil
}

// normalizeArguments keeps tool-call arguments as a raw JSON document. The
// OpenAI wire form is a string containing JSON; an empty string becomes {}.
func normalizeArguments(args string) json.RawMessage {
	if args == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(args)
}

func parseToolChoice(raw json.RawMessage) (*ToolChoice, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "auto", "none", "required":
			return &ToolChoice{Mode: s}, nil
		default:
			return nil, types.NewError(types.ErrInvalidRequest,
				fmt.Sprintf("invalid tool_choice %q", s))
		}
	}
	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil || obj.Function.Name == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "invalid tool_choice object")
	}
	return &ToolChoice{Mode: "function", FunctionName: obj.Function.Name}, nil
}

// APIChoice is one outbound response choice.
type APIChoice struct {
	Index        int             `json:"index"`
	Message      APIWireMessage  `json:"message"`
	FinishReason string          `json:"finish_reason,omitempty"`
}

// APIWireMessage is the outbound message shape. Content is a plain string
// and tool calls use the nested function form.
type APIWireMessage struct {
	Role      string        `json:"role"`
	Content   *string       `json:"content"`
	ToolCalls []APIToolCall `json:"tool_calls,omitempty"`
}

// APIChatResponse is the outbound chat completion body.
type APIChatResponse struct {
	ID      string      `json:"id"`
	Object  string      `json:"object"`
	Created int64       `json:"created"`
	Model   string      `json:"model"`
	Choices []APIChoice `json:"choices"`
	Usage   ChatUsage   `json:"usage"`
}

// EncodeResponse converts a unified response into the wire shape.
func EncodeResponse(resp *ChatResponse) *APIChatResponse {
	out := &APIChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   resp.Model,
		Usage:   resp.Usage,
	}
	for _, ch := range resp.Choices {
		out.Choices = append(out.Choices, APIChoice{
			Index:        ch.Index,
			Message:      encodeWireMessage(ch.Message),
			FinishReason: ch.FinishReason,
		})
	}
	return out
}

func encodeWireMessage(m Message) APIWireMessage {
	wm := APIWireMessage{Role: string(m.Role)}
	if m.Content != "" || len(m.ToolCalls) == 0 {
		content := m.Content
		wm.Content = &content
	}
	wm.ToolCalls = encodeWireToolCalls(m.ToolCalls)
	return wm
}

func encodeWireToolCalls(calls []ToolCall) []APIToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]APIToolCall, 0, len(calls))
	for _, tc := range calls {
		out = append(out, APIToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: APIFunctionCall{
				Name:      tc.Name,
				Arguments: string(tc.Arguments),
			},
		})
	}
	return out
}

// APIDelta is the streaming delta fragment.
type APIDelta struct {
	Role      string        `json:"role,omitempty"`
	Content   string        `json:"content,omitempty"`
	ToolCalls []APIToolCall `json:"tool_calls,omitempty"`
}

// APIChunkChoice is one streaming choice.
type APIChunkChoice struct {
	Index        int      `json:"index"`
	Delta        APIDelta `json:"delta"`
	FinishReason *string  `json:"finish_reason"`
}

// APIChunk is the outbound chat.completion.chunk body.
type APIChunk struct {
	ID      string           `json:"id"`
	Object  string           `json:"object"`
	Created int64            `json:"created"`
	Model   string           `json:"model"`
	Choices []APIChunkChoice `json:"choices"`
	Usage   *ChatUsage       `json:"usage,omitempty"`
}

// EncodeChunk converts a unified stream chunk into the wire shape.
func EncodeChunk(chunk *StreamChunk, model string, created int64) *APIChunk {
	out := &APIChunk{
		ID:      chunk.ID,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Usage:   chunk.Usage,
	}
	choice := APIChunkChoice{
		Index: chunk.Index,
		Delta: APIDelta{
			Content:   chunk.Delta.Content,
			ToolCalls: encodeWireToolCalls(chunk.Delta.ToolCalls),
		},
	}
	if chunk.Delta.Role != "" {
		choice.Delta.Role = string(chunk.Delta.Role)
	}
	if chunk.FinishReason != "" {
		fr := chunk.FinishReason
		choice.FinishReason = &fr
	}
	out.Choices = append(out.Choices, choice)
	return out
}
