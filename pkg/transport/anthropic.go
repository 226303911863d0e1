package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/rs/zerolog"
)

// AnthropicTransport streams turns through the Anthropic Messages API.
type AnthropicTransport struct {
	client anthropic.Client
	logger zerolog.Logger
}

// NewAnthropicTransport creates a transport using the given API key.
func NewAnthropicTransport(apiKey string, logger zerolog.Logger) *AnthropicTransport {
	return &AnthropicTransport{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		logger: logger,
	}
}

// Open starts a streaming exchange. Text deltas surface as partial-output
// events; tool-use blocks and the terminal result follow once the SDK
// stream completes.
func (t *AnthropicTransport) Open(ctx context.Context, req TurnRequest) (Stream, error) {
	params, err := buildAnthropicParams(req)
	if err != nil {
		return nil, err
	}

	sdkStream := t.client.Messages.NewStreaming(ctx, params)
	s := newChanStream()
	go t.pump(sdkStream, s)
	return s, nil
}

// Cancel is a no-op: the Messages API has no server-side cancel; closing
// the stream tears down the HTTP connection instead.
func (t *AnthropicTransport) Cancel(ctx context.Context, turnID string) error {
	t.logger.Debug().Str("turn_id", turnID).Msg("Anthropic backend has no server-side cancel")
	return nil
}

func (t *AnthropicTransport) pump(sdkStream *ssestream.Stream[anthropic.MessageStreamEventUnion], s *chanStream) {
	var msg anthropic.Message

	for sdkStream.Next() {
		event := sdkStream.Current()
		if err := msg.Accumulate(event); err != nil {
			s.finish(fmt.Errorf("failed to accumulate stream event: %w", err))
			return
		}

		switch variant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := variant.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				if !s.emit(Event{Kind: EventPartialOutput, Text: delta.Text}) {
					return
				}
			}
		}
	}

	if err := sdkStream.Err(); err != nil {
		s.finish(err)
		return
	}

	text := ""
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text += b.Text
		case anthropic.ToolUseBlock:
			var args map[string]interface{}
			if err := json.Unmarshal([]byte(b.JSON.Input.Raw()), &args); err != nil {
				s.finish(fmt.Errorf("failed to parse tool input: %w", err))
				return
			}
			if !s.emit(Event{Kind: EventToolCall, ToolCall: &ToolCallPayload{
				ID:   b.ID,
				Name: b.Name,
				Args: args,
			}}) {
				return
			}
		}
	}

	s.emit(Event{Kind: EventResult, Result: &TurnResult{
		Text:       text,
		StopReason: string(msg.StopReason),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}})
	s.finish(nil)
}

func buildAnthropicParams(req TurnRequest) (anthropic.MessageNewParams, error) {
	var messages []anthropic.MessageParam
	var systemTexts []anthropic.TextBlockParam

	if req.System != "" {
		systemTexts = append(systemTexts, anthropic.TextBlockParam{Text: req.System})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			systemTexts = append(systemTexts, anthropic.TextBlockParam{Text: msg.Content})

		case "tool":
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError),
			))

		case "assistant":
			if len(msg.ToolCalls) > 0 {
				var blocks []anthropic.ContentBlockParamUnion
				if msg.Content != "" {
					blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
				}
				for _, tc := range msg.ToolCalls {
					blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Args, tc.Name))
				}
				messages = append(messages, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: blocks,
				})
				continue
			}
			messages = append(messages, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock(msg.Content),
				},
			})

		case "user":
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))

		default:
			return anthropic.MessageNewParams{}, fmt.Errorf("unsupported message role: %s", msg.Role)
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if len(systemTexts) > 0 {
		params.System = systemTexts
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		var tools []anthropic.ToolUnionParam
		for _, spec := range req.Tools {
			toolParam := anthropic.ToolParam{
				Name:        spec.Name,
				Description: anthropic.String(spec.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: spec.InputSchema["properties"],
				},
			}
			if required, ok := spec.InputSchema["required"].([]string); ok {
				toolParam.InputSchema.Required = required
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
	}

	return params, nil
}
