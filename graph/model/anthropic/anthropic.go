// Package anthropic implements the model interfaces on the Anthropic
// Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/xiaomayi-ant/smart-agent/graph/model"
)

const defaultMaxTokens = 4096

// ChatModel is an Anthropic Claude chat client. It implements
// model.ChatModel, model.StreamingChatModel and model.StructuredChatModel;
// structured output always goes through a forced tool call since the
// Messages API has no json_schema response format.
type ChatModel struct {
	client    sdk.Client
	model     string
	maxTokens int64
}

// Option configures a ChatModel.
type Option func(*ChatModel)

// WithMaxTokens overrides the default completion cap.
func WithMaxTokens(n int64) Option {
	return func(c *ChatModel) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// New creates a ChatModel for the given API key and model identifier.
func New(apiKey, modelID string, opts ...Option) (*ChatModel, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	if modelID == "" {
		return nil, errors.New("model identifier is required")
	}
	c := &ChatModel{
		client:    sdk.NewClient(option.WithAPIKey(apiKey)),
		model:     modelID,
		maxTokens: defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Chat sends the conversation and returns the completed response.
func (c *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	params, err := c.buildParams(messages, tools)
	if err != nil {
		return model.ChatOut{}, err
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("anthropic messages: %w", err)
	}
	return translateMessage(msg), nil
}

// ChatStream sends the conversation, forwarding text deltas to onToken.
func (c *ChatModel) ChatStream(ctx context.Context, messages []model.Message, tools []model.ToolSpec, onToken model.TokenFunc) (model.ChatOut, error) {
	params, err := c.buildParams(messages, tools)
	if err != nil {
		return model.ChatOut{}, err
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	acc := sdk.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return model.ChatOut{}, fmt.Errorf("accumulate stream event: %w", err)
		}
		if onToken == nil {
			continue
		}
		if deltaEvent, ok := event.AsAny().(sdk.ContentBlockDeltaEvent); ok {
			if textDelta, ok := deltaEvent.Delta.AsAny().(sdk.TextDelta); ok && textDelta.Text != "" {
				if err := onToken(textDelta.Text); err != nil {
					return model.ChatOut{}, err
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return model.ChatOut{}, fmt.Errorf("anthropic stream: %w", err)
	}
	return translateMessage(&acc), nil
}

// ChatStructured forces a tool call named spec.Name and returns its input
// payload as the structured output.
func (c *ChatModel) ChatStructured(ctx context.Context, messages []model.Message, spec model.StructuredSpec) ([]byte, error) {
	params, err := c.buildParams(messages, []model.ToolSpec{{
		Name:        spec.Name,
		Description: spec.Description,
		Schema:      spec.Schema,
	}})
	if err != nil {
		return nil, err
	}
	params.ToolChoice = sdk.ToolChoiceParamOfTool(spec.Name)

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic structured: %w", err)
	}
	for _, block := range msg.Content {
		if tu, ok := block.AsAny().(sdk.ToolUseBlock); ok && tu.Name == spec.Name {
			return []byte(tu.JSON.Input.Raw()), nil
		}
	}
	return nil, errors.New("anthropic structured: no matching tool use block")
}

func (c *ChatModel) buildParams(messages []model.Message, tools []model.ToolSpec) (sdk.MessageNewParams, error) {
	var system []sdk.TextBlockParam
	var conversation []sdk.MessageParam

	for _, m := range messages {
		switch m.Role {
		case model.RoleSystem:
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case model.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case model.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any
				if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
					input = map[string]any{"raw": tc.Arguments}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) > 0 {
				conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
			}
		case model.RoleTool:
			conversation = append(conversation, sdk.NewUserMessage(
				sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default:
			return sdk.MessageNewParams{}, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return sdk.MessageNewParams{}, errors.New("at least one user or assistant message is required")
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages:  conversation,
	}
	if len(system) > 0 {
		params.System = system
	}
	for _, t := range tools {
		schema, err := toolInputSchema(t.Schema)
		if err != nil {
			return sdk.MessageNewParams{}, fmt.Errorf("tool %q schema: %w", t.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, t.Name)
		if u.OfTool != nil && t.Description != "" {
			u.OfTool.Description = sdk.String(t.Description)
		}
		params.Tools = append(params.Tools, u)
	}
	return params, nil
}

func toolInputSchema(schema map[string]any) (sdk.ToolInputSchemaParam, error) {
	if schema == nil {
		return sdk.ToolInputSchemaParam{}, nil
	}
	out := sdk.ToolInputSchemaParam{}
	if props, ok := schema["properties"]; ok {
		out.Properties = props
	}
	if req, ok := schema["required"].([]any); ok {
		required := make([]string, 0, len(req))
		for _, r := range req {
			s, ok := r.(string)
			if !ok {
				return out, errors.New("required entries must be strings")
			}
			required = append(required, s)
		}
		out.Required = required
	} else if req, ok := schema["required"].([]string); ok {
		out.Required = req
	}
	return out, nil
}

func translateMessage(msg *sdk.Message) model.ChatOut {
	out := model.ChatOut{Model: string(msg.Model)}
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case sdk.TextBlock:
			out.Text += b.Text
		case sdk.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: b.JSON.Input.Raw(),
			})
		}
	}
	return out
}

var (
	_ model.ChatModel           = (*ChatModel)(nil)
	_ model.StreamingChatModel  = (*ChatModel)(nil)
	_ model.StructuredChatModel = (*ChatModel)(nil)
)
