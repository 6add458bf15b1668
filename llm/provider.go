// Package llm provides the unified LLM provider abstraction and router.
package llm

import (
	"context"
	"time"

	"github.com/jrmatherly/nexus/types"
)

// Re-export core types so adapters only import llm.
type (
	Message    = types.Message
	Role       = types.Role
	ToolCall   = types.ToolCall
	ToolSchema = types.ToolSchema
	Error      = types.Error
	ErrorKind  = types.ErrorKind
)

// Re-export constants.
const (
	RoleSystem    = types.RoleSystem
	RoleUser      = types.RoleUser
	RoleAssistant = types.RoleAssistant
	RoleTool      = types.RoleTool
)

// Re-export message constructors so adapters only import llm.
var (
	NewMessage          = types.NewMessage
	NewSystemMessage    = types.NewSystemMessage
	NewUserMessage      = types.NewUserMessage
	NewAssistantMessage = types.NewAssistantMessage
	NewToolMessage      = types.NewToolMessage
)

// Provider defines the unified LLM adapter interface.
type Provider interface {
	// Completion sends a synchronous chat request.
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream sends a streaming chat request. The returned channel is closed
	// when the upstream stream ends or ctx is canceled.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// ListModels returns the models the upstream reports. Providers without
	// a listing endpoint return their configured models.
	ListModels(ctx context.Context) ([]Model, error)

	// Name returns the provider's configured name.
	Name() string

	// SupportsStreaming reports whether Stream is implemented.
	SupportsStreaming() bool
}

// ToolChoice mirrors the OpenAI tool_choice field: "auto", "none",
// "required", or {"type":"function","function":{"name":...}}.
type ToolChoice struct {
	Mode         string // auto | none | required | function
	FunctionName string
}

// ChatRequest is the unified chat completion request.
type ChatRequest struct {
	Model             string
	Messages          []Message
	MaxTokens         int
	Temperature       float32
	TopP              float32
	Stop              []string
	Tools             []ToolSchema
	ToolChoice        *ToolChoice
	ParallelToolCalls *bool
	Stream            bool
	Timeout           time.Duration
}

// Finish reasons in the unified schema.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
)

// ChatResponse is the unified, OpenAI-shaped chat completion response.
// Model carries the external "provider/effective" id after routing.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   ChatUsage    `json:"usage"`
}

// ChatChoice represents a single choice in the response.
type ChatChoice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// ChatUsage represents token usage in a response.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is one unified streaming fragment. The final chunk carries
// FinishReason and Usage; Err aborts the stream.
type StreamChunk struct {
	ID           string
	Model        string
	Index        int
	Delta        Message
	FinishReason string
	Usage        *ChatUsage
	Err          *Error
}

// Model describes one model in a listing.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}
