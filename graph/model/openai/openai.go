// Package openai implements the model interfaces on the OpenAI
// chat-completions API. DeepSeek exposes the same wire protocol, so the same
// client serves both providers; pass WithBaseURL to point it at a
// compatible endpoint.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"github.com/xiaomayi-ant/smart-agent/graph/model"
)

// ChatModel is an OpenAI-compatible chat client. It implements
// model.ChatModel, model.StreamingChatModel and model.StructuredChatModel.
type ChatModel struct {
	client           sdk.Client
	model            string
	structuredMethod model.StructuredMethod
}

// Option configures a ChatModel.
type Option func(*config)

type config struct {
	baseURL          string
	structuredMethod model.StructuredMethod
}

// WithBaseURL points the client at an OpenAI-compatible endpoint such as
// DeepSeek's.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithStructuredMethod sets the default structured-output method. DeepSeek
// does not support json_schema, so DeepSeek deployments configure json_mode
// or tool_call here.
func WithStructuredMethod(m model.StructuredMethod) Option {
	return func(c *config) { c.structuredMethod = m }
}

// New creates a ChatModel for the given API key and model identifier.
func New(apiKey, modelID string, opts ...Option) (*ChatModel, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	if modelID == "" {
		return nil, errors.New("model identifier is required")
	}

	cfg := config{structuredMethod: model.StructuredJSONSchema}
	for _, opt := range opts {
		opt(&cfg)
	}

	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &ChatModel{
		client:           sdk.NewClient(clientOpts...),
		model:            modelID,
		structuredMethod: cfg.structuredMethod,
	}, nil
}

// Chat sends the conversation and returns the completed response.
func (c *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	params, err := c.buildParams(messages, tools)
	if err != nil {
		return model.ChatOut{}, err
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return model.ChatOut{}, errors.New("chat completion returned no choices")
	}
	return translateMessage(completion.Choices[0].Message, completion.Model), nil
}

// ChatStream sends the conversation and forwards content deltas to onToken
// as they arrive, returning the accumulated response.
func (c *ChatModel) ChatStream(ctx context.Context, messages []model.Message, tools []model.ToolSpec, onToken model.TokenFunc) (model.ChatOut, error) {
	params, err := c.buildParams(messages, tools)
	if err != nil {
		return model.ChatOut{}, err
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	var acc sdk.ChatCompletionAccumulator
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if onToken == nil || len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			if err := onToken(delta); err != nil {
				return model.ChatOut{}, err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return model.ChatOut{}, fmt.Errorf("chat stream: %w", err)
	}
	if len(acc.Choices) == 0 {
		return model.ChatOut{}, errors.New("chat stream returned no choices")
	}
	return translateMessage(acc.Choices[0].Message, acc.Model), nil
}

// ChatStructured obtains output conforming to spec.Schema using the
// configured method (json_schema by default, json_mode or a forced tool
// call for providers without constrained decoding).
func (c *ChatModel) ChatStructured(ctx context.Context, messages []model.Message, spec model.StructuredSpec) ([]byte, error) {
	method := spec.Method
	if method == "" {
		method = c.structuredMethod
	}

	params, err := c.buildParams(messages, nil)
	if err != nil {
		return nil, err
	}

	switch method {
	case model.StructuredJSONSchema:
		params.ResponseFormat = sdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   spec.Name,
					Schema: spec.Schema,
					Strict: sdk.Bool(true),
				},
			},
		}
	case model.StructuredJSONMode:
		params.ResponseFormat = sdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: sdk.Ptr(shared.NewResponseFormatJSONObjectParam()),
		}
	case model.StructuredToolCall:
		params.Tools = []sdk.ChatCompletionToolUnionParam{
			sdk.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
				Name:        spec.Name,
				Description: sdk.String(spec.Description),
				Parameters:  shared.FunctionParameters(spec.Schema),
			}),
		}
		params.ToolChoice = sdk.ChatCompletionToolChoiceOptionUnionParam{
			OfFunctionToolChoice: &sdk.ChatCompletionNamedToolChoiceParam{
				Function: sdk.ChatCompletionNamedToolChoiceFunctionParam{Name: spec.Name},
			},
		}
	default:
		return nil, fmt.Errorf("unsupported structured method %q", method)
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("structured completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("structured completion returned no choices")
	}

	msg := completion.Choices[0].Message
	if method == model.StructuredToolCall {
		for _, tc := range msg.ToolCalls {
			if tc.Function.Name == spec.Name {
				return []byte(tc.Function.Arguments), nil
			}
		}
		return nil, errors.New("structured completion returned no matching tool call")
	}
	return []byte(stripCodeFence(msg.Content)), nil
}

func (c *ChatModel) buildParams(messages []model.Message, tools []model.ToolSpec) (sdk.ChatCompletionNewParams, error) {
	encoded, err := encodeMessages(messages)
	if err != nil {
		return sdk.ChatCompletionNewParams{}, err
	}
	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: encoded,
	}
	for _, t := range tools {
		params.Tools = append(params.Tools, sdk.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        t.Name,
			Description: sdk.String(t.Description),
			Parameters:  shared.FunctionParameters(t.Schema),
		}))
	}
	return params, nil
}

func encodeMessages(messages []model.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case model.RoleSystem:
			out = append(out, sdk.SystemMessage(m.Content))
		case model.RoleUser:
			out = append(out, sdk.UserMessage(m.Content))
		case model.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, sdk.AssistantMessage(m.Content))
				continue
			}
			assistant := sdk.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				assistant.Content = sdk.ChatCompletionAssistantMessageParamContentUnion{
					OfString: sdk.String(m.Content),
				}
			}
			for _, tc := range m.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, sdk.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &sdk.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: tc.Arguments,
						},
					},
				})
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case model.RoleTool:
			out = append(out, sdk.ToolMessage(m.Content, m.ToolCallID))
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	return out, nil
}

func translateMessage(msg sdk.ChatCompletionMessage, modelID string) model.ChatOut {
	out := model.ChatOut{Text: msg.Content, Model: modelID}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out
}

// stripCodeFence removes a markdown fence some models wrap around JSON-mode
// output.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

var (
	_ model.ChatModel           = (*ChatModel)(nil)
	_ model.StreamingChatModel  = (*ChatModel)(nil)
	_ model.StructuredChatModel = (*ChatModel)(nil)
)
