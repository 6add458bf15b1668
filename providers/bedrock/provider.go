// Package bedrock implements the AWS Bedrock adapter on the Converse API.
// Requests are translated structurally into ConverseInput; SigV4 signing
// comes from the standard SDK credential chain (env, shared profile, IAM
// role), so no API key or custom header rules apply to this provider.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jrmatherly/nexus/config"
	"github.com/jrmatherly/nexus/llm"
	"github.com/jrmatherly/nexus/providers"
	"github.com/jrmatherly/nexus/types"
)

// RuntimeClient is the subset of *bedrockruntime.Client the adapter needs;
// tests substitute a fake.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// Provider implements llm.Provider against AWS Bedrock.
type Provider struct {
	name    string
	cfg     config.ProviderConfig
	runtime RuntimeClient
	logger  *zap.Logger
}

// New creates a Bedrock provider adapter. Credentials resolve through the
// default chain; cfg.Profile selects a shared-config profile when set.
func New(ctx context.Context, name string, cfg config.ProviderConfig, logger *zap.Logger) (*Provider, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config for provider %s: %w", name, err)
	}
	return &Provider{
		name:    name,
		cfg:     cfg,
		runtime: bedrockruntime.NewFromConfig(awsCfg),
		logger:  logger.With(zap.String("provider", name)),
	}, nil
}

// NewWithRuntime wires an explicit runtime client; used by tests.
func NewWithRuntime(name string, cfg config.ProviderConfig, runtime RuntimeClient, logger *zap.Logger) *Provider {
	return &Provider{name: name, cfg: cfg, runtime: runtime, logger: logger.With(zap.String("provider", name))}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) SupportsStreaming() bool { return true }

// encodeInput translates the unified request into Converse structures:
// system messages split out, tool schemas become a ToolConfiguration, and
// tool calls/results become toolUse/toolResult blocks.
func encodeInput(req *llm.ChatRequest) (*bedrockruntime.ConverseInput, error) {
	var system []brtypes.SystemContentBlock
	var messages []brtypes.Message

	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})

		case llm.RoleTool:
			messages = append(messages, brtypes.Message{
				Role: brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberToolResult{
						Value: brtypes.ToolResultBlock{
							ToolUseId: aws.String(m.ToolCallID),
							Content: []brtypes.ToolResultContentBlock{
								&brtypes.ToolResultContentBlockMemberText{Value: m.Content},
							},
						},
					},
				},
			})

		default:
			role := brtypes.ConversationRoleUser
			if m.Role == llm.RoleAssistant {
				role = brtypes.ConversationRoleAssistant
			}
			var blocks []brtypes.ContentBlock
			if m.Content != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Content})
			}
			for _, tc := range m.ToolCalls {
				doc, err := rawToDocument(tc.Arguments)
				if err != nil {
					return nil, types.NewError(types.ErrInvalidRequest,
						fmt.Sprintf("tool call %s has invalid arguments", tc.Name))
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{
					Value: brtypes.ToolUseBlock{
						ToolUseId: aws.String(tc.ID),
						Name:      aws.String(tc.Name),
						Input:     doc,
					},
				})
			}
			if len(blocks) == 0 {
				continue
			}
			messages = append(messages, brtypes.Message{Role: role, Content: blocks})
		}
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(req.Model),
		Messages: messages,
		System:   system,
	}

	inference := &brtypes.InferenceConfiguration{}
	hasInference := false
	if req.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(int32(req.MaxTokens))
		hasInference = true
	}
	if req.Temperature != 0 {
		inference.Temperature = aws.Float32(req.Temperature)
		hasInference = true
	}
	if req.TopP != 0 {
		inference.TopP = aws.Float32(req.TopP)
		hasInference = true
	}
	if len(req.Stop) > 0 {
		inference.StopSequences = req.Stop
		hasInference = true
	}
	if hasInference {
		input.InferenceConfig = inference
	}

	toolConfig, err := encodeToolConfig(req)
	if err != nil {
		return nil, err
	}
	input.ToolConfig = toolConfig
	return input, nil
}

func encodeToolConfig(req *llm.ChatRequest) (*brtypes.ToolConfiguration, error) {
	if len(req.Tools) == 0 {
		return nil, nil
	}
	cfg := &brtypes.ToolConfiguration{}
	for _, t := range req.Tools {
		schema, err := rawToDocument(t.Parameters)
		if err != nil {
			return nil, types.NewError(types.ErrInvalidRequest,
				fmt.Sprintf("tool %s has an invalid schema", t.Name))
		}
		spec := brtypes.ToolSpecification{
			Name:        aws.String(t.Name),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: schema},
		}
		if t.Description != "" {
			spec.Description = aws.String(t.Description)
		}
		cfg.Tools = append(cfg.Tools, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	if req.ToolChoice != nil {
		switch req.ToolChoice.Mode {
		case "required":
			cfg.ToolChoice = &brtypes.ToolChoiceMemberAny{Value: brtypes.AnyToolChoice{}}
		case "function":
			cfg.ToolChoice = &brtypes.ToolChoiceMemberTool{
				Value: brtypes.SpecificToolChoice{Name: aws.String(req.ToolChoice.FunctionName)},
			}
		case "none":
			// Converse has no "none"; omitting tools entirely would drop
			// history validity, so leave the choice to the model.
		default:
			cfg.ToolChoice = &brtypes.ToolChoiceMemberAuto{Value: brtypes.AutoToolChoice{}}
		}
	}
	return cfg, nil
}

func rawToDocument(raw json.RawMessage) (document.Interface, error) {
	if len(raw) == 0 {
		return document.NewLazyDocument(map[string]any{}), nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return document.NewLazyDocument(v), nil
}

func documentToRaw(doc document.Interface) json.RawMessage {
	if doc == nil {
		return json.RawMessage("{}")
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil {
		return json.RawMessage("{}")
	}
	return json.RawMessage(data)
}

// mapStopReason folds Converse stop reasons into the unified set.
func mapStopReason(reason brtypes.StopReason) string {
	switch reason {
	case brtypes.StopReasonEndTurn, brtypes.StopReasonStopSequence:
		return llm.FinishStop
	case brtypes.StopReasonMaxTokens:
		return llm.FinishLength
	case brtypes.StopReasonToolUse:
		return llm.FinishToolCalls
	case brtypes.StopReasonContentFiltered:
		return llm.FinishContentFilter
	default:
		return string(reason)
	}
}

// Completion issues a Converse request.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	input, err := encodeInput(req)
	if err != nil {
		return nil, err
	}
	output, err := p.runtime.Converse(ctx, input)
	if err != nil {
		return nil, mapSDKError(err, p.name)
	}

	msg := llm.Message{Role: llm.RoleAssistant}
	if out, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range out.Value.Content {
			switch b := block.(type) {
			case *brtypes.ContentBlockMemberText:
				msg.Content += b.Value
			case *brtypes.ContentBlockMemberToolUse:
				msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
					ID:        aws.ToString(b.Value.ToolUseId),
					Name:      aws.ToString(b.Value.Name),
					Arguments: documentToRaw(b.Value.Input),
				})
			}
		}
	}

	resp := &llm.ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []llm.ChatChoice{{
			Index:        0,
			FinishReason: mapStopReason(output.StopReason),
			Message:      msg,
		}},
	}
	if output.Usage != nil {
		resp.Usage = llm.ChatUsage{
			PromptTokens:     int(aws.ToInt32(output.Usage.InputTokens)),
			CompletionTokens: int(aws.ToInt32(output.Usage.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(output.Usage.TotalTokens)),
		}
	}
	return resp, nil
}

// Stream issues a ConverseStream request and adapts the event stream into
// unified chunks, at most one chunk per native event.
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	input, err := encodeInput(req)
	if err != nil {
		return nil, err
	}
	streamInput := &bedrockruntime.ConverseStreamInput{
		ModelId:         input.ModelId,
		Messages:        input.Messages,
		System:          input.System,
		InferenceConfig: input.InferenceConfig,
		ToolConfig:      input.ToolConfig,
	}
	output, err := p.runtime.ConverseStream(ctx, streamInput)
	if err != nil {
		return nil, mapSDKError(err, p.name)
	}
	stream := output.GetStream()
	if stream == nil {
		return nil, types.Internal(fmt.Errorf("bedrock stream output missing event stream"))
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		defer stream.Close()

		streamID := "chatcmpl-" + uuid.NewString()
		var usage *llm.ChatUsage
		var finishReason string
		toolCalls := make(map[int32]*llm.ToolCall)
		toolArgs := make(map[int32][]byte)

		emit := func(chunk llm.StreamChunk) bool {
			chunk.ID = streamID
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for event := range stream.Events() {
			switch e := event.(type) {
			case *brtypes.ConverseStreamOutputMemberMessageStart:
				if !emit(llm.StreamChunk{Delta: llm.Message{Role: llm.RoleAssistant}}) {
					return
				}

			case *brtypes.ConverseStreamOutputMemberContentBlockStart:
				if start, ok := e.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
					idx := aws.ToInt32(e.Value.ContentBlockIndex)
					toolCalls[idx] = &llm.ToolCall{
						ID:   aws.ToString(start.Value.ToolUseId),
						Name: aws.ToString(start.Value.Name),
					}
					toolArgs[idx] = nil
				}

			case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
				idx := aws.ToInt32(e.Value.ContentBlockIndex)
				switch d := e.Value.Delta.(type) {
				case *brtypes.ContentBlockDeltaMemberText:
					if !emit(llm.StreamChunk{
						Index: int(idx),
						Delta: llm.Message{Role: llm.RoleAssistant, Content: d.Value},
					}) {
						return
					}
				case *brtypes.ContentBlockDeltaMemberToolUse:
					toolArgs[idx] = append(toolArgs[idx], []byte(aws.ToString(d.Value.Input))...)
				}

			case *brtypes.ConverseStreamOutputMemberContentBlockStop:
				idx := aws.ToInt32(e.Value.ContentBlockIndex)
				if tc, ok := toolCalls[idx]; ok {
					args := toolArgs[idx]
					if len(args) == 0 {
						args = []byte("{}")
					}
					tc.Arguments = json.RawMessage(args)
					delete(toolCalls, idx)
					delete(toolArgs, idx)
					if !emit(llm.StreamChunk{
						Index: int(idx),
						Delta: llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{*tc}},
					}) {
						return
					}
				}

			case *brtypes.ConverseStreamOutputMemberMessageStop:
				finishReason = mapStopReason(e.Value.StopReason)

			case *brtypes.ConverseStreamOutputMemberMetadata:
				if e.Value.Usage != nil {
					usage = &llm.ChatUsage{
						PromptTokens:     int(aws.ToInt32(e.Value.Usage.InputTokens)),
						CompletionTokens: int(aws.ToInt32(e.Value.Usage.OutputTokens)),
						TotalTokens:      int(aws.ToInt32(e.Value.Usage.TotalTokens)),
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			if ctx.Err() == nil {
				emit(llm.StreamChunk{Err: mapSDKError(err, p.name)})
			}
			return
		}
		emit(llm.StreamChunk{FinishReason: finishReason, Usage: usage})
	}()
	return ch, nil
}

// ListModels returns the configured models; Bedrock model discovery is an
// account-level control-plane operation the gateway does not proxy.
func (p *Provider) ListModels(ctx context.Context) ([]llm.Model, error) {
	return providers.ConfiguredModels(p.cfg, p.name), nil
}
