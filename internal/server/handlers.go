package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jrmatherly/nexus/llm"
	"github.com/jrmatherly/nexus/mcp"
	"github.com/jrmatherly/nexus/types"
)

// llmErrorType maps an error kind to the OpenAI-style error type string.
func llmErrorType(kind types.ErrorKind) string {
	switch kind {
	case types.ErrRateLimitExceeded:
		return "rate_limit_error"
	case types.ErrAuthenticationFailed:
		return "authentication_error"
	case types.ErrInsufficientQuota:
		return "insufficient_quota"
	case types.ErrInvalidRequest, types.ErrInvalidModelFormat:
		return "invalid_request_error"
	case types.ErrModelNotFound, types.ErrProviderNotFound:
		return "not_found_error"
	default:
		return "api_error"
	}
}

// writeLLMError writes an OpenAI-shaped error body. 429 responses carry
// no Retry-After header.
func writeLLMError(w http.ResponseWriter, err *types.Error) {
	status := err.HTTPStatus()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{
		"error": map[string]any{
			"message": err.PublicMessage(),
			"type":    llmErrorType(err.Kind),
			"code":    status,
		},
	}
	_ = json.NewEncoder(w).Encode(body)
}

// LLMHandler serves the OpenAI-compatible surface.
type LLMHandler struct {
	router *llm.Router
	logger *zap.Logger
}

// NewLLMHandler creates the handler over the router.
func NewLLMHandler(router *llm.Router, logger *zap.Logger) *LLMHandler {
	return &LLMHandler{router: router, logger: logger.With(zap.String("component", "llm_handler"))}
}

// HandleChatCompletions serves POST /llm/v1/chat/completions.
func (h *LLMHandler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var wireReq llm.APIChatRequest
	if err := json.NewDecoder(r.Body).Decode(&wireReq); err != nil {
		writeLLMError(w, types.NewError(types.ErrInvalidRequest, "malformed request body"))
		return
	}
	req, err := wireReq.ToUnified()
	if err != nil {
		writeLLMError(w, types.AsError(err))
		return
	}

	if req.Stream {
		h.streamCompletion(w, r, req)
		return
	}

	resp, err := h.router.ChatCompletion(r.Context(), req, r.Header)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(llm.EncodeResponse(resp))
}

// streamCompletion serves the SSE path: data: <json> per chunk, then the
// [DONE] terminator. Usage travels only in the final chunk.
func (h *LLMHandler) streamCompletion(w http.ResponseWriter, r *http.Request, req *llm.ChatRequest) {
	stream, err := h.router.ChatCompletionStream(r.Context(), req, r.Header)
	if err != nil {
		h.writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeLLMError(w, types.NewError(types.ErrStreamingNotSupported,
			"response writer does not support streaming"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	created := time.Now().Unix()
	for chunk := range stream {
		if chunk.Err != nil {
			// The status line is gone; the error rides the stream.
			payload, _ := json.Marshal(map[string]any{
				"error": map[string]any{
					"message": chunk.Err.PublicMessage(),
					"type":    llmErrorType(chunk.Err.Kind),
					"code":    chunk.Err.HTTPStatus(),
				},
			})
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			return
		}
		payload, err := json.Marshal(llm.EncodeChunk(&chunk, req.Model, created))
		if err != nil {
			h.logger.Error("chunk encoding failed", zap.Error(err))
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// HandleModels serves GET /llm/v1/models.
func (h *LLMHandler) HandleModels(w http.ResponseWriter, r *http.Request) {
	models := h.router.ListModels(r.Context())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   models,
	})
}

func (h *LLMHandler) writeError(w http.ResponseWriter, err error) {
	e := types.AsError(err)
	if e.Kind == types.ErrInternal {
		h.logger.Error("llm request failed", zap.Error(err))
	}
	writeLLMError(w, e)
}

// MCPHandler serves the MCP endpoint: JSON-RPC over POST, answered as
// plain JSON or, when the client only accepts an event stream, as a
// single-response SSE body.
type MCPHandler struct {
	server *mcp.Server
	logger *zap.Logger
}

// NewMCPHandler creates the handler over the MCP server.
func NewMCPHandler(server *mcp.Server, logger *zap.Logger) *MCPHandler {
	return &MCPHandler{server: server, logger: logger.With(zap.String("component", "mcp_handler"))}
}

// ServeHTTP implements http.Handler.
func (h *MCPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var msg mcp.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		h.respond(w, r, mcp.NewErrorResponse(nil, types.JSONRPCParseError, "parse error"))
		return
	}

	resp := h.server.HandleMessage(r.Context(), &msg, r.Header)
	if resp == nil {
		// Notifications are accepted without a body.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	h.respond(w, r, resp)
}

// respond picks the response framing from the Accept header.
func (h *MCPHandler) respond(w http.ResponseWriter, r *http.Request, resp *mcp.Message) {
	accept := r.Header.Get("Accept")
	wantsSSE := strings.Contains(accept, "text/event-stream") &&
		!strings.Contains(accept, "application/json")

	payload, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("response encoding failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if wantsSSE {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

// HealthHandler serves the health endpoint.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}
