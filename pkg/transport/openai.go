package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/rs/zerolog"
)

// OpenAITransport streams turns through the OpenAI chat-completions API.
type OpenAITransport struct {
	client openai.Client
	logger zerolog.Logger
}

// NewOpenAITransport creates a transport using the given API key.
func NewOpenAITransport(apiKey string, logger zerolog.Logger) *OpenAITransport {
	return &OpenAITransport{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		logger: logger,
	}
}

func (t *OpenAITransport) Open(ctx context.Context, req TurnRequest) (Stream, error) {
	params, err := buildOpenAIParams(req)
	if err != nil {
		return nil, err
	}

	sdkStream := t.client.Chat.Completions.NewStreaming(ctx, params)
	s := newChanStream()
	go t.pump(sdkStream, s)
	return s, nil
}

// Cancel is a no-op: chat completions have no server-side cancel; closing
// the stream tears down the HTTP connection instead.
func (t *OpenAITransport) Cancel(ctx context.Context, turnID string) error {
	t.logger.Debug().Str("turn_id", turnID).Msg("OpenAI backend has no server-side cancel")
	return nil
}

func (t *OpenAITransport) pump(sdkStream *ssestream.Stream[openai.ChatCompletionChunk], s *chanStream) {
	acc := openai.ChatCompletionAccumulator{}

	for sdkStream.Next() {
		chunk := sdkStream.Current()
		acc.AddChunk(chunk)

		if len(chunk.Choices) > 0 {
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				if !s.emit(Event{Kind: EventPartialOutput, Text: delta}) {
					return
				}
			}
		}
	}

	if err := sdkStream.Err(); err != nil {
		s.finish(err)
		return
	}
	if len(acc.Choices) == 0 {
		s.finish(fmt.Errorf("no completion choices returned"))
		return
	}

	choice := acc.Choices[0]
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]interface{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				s.finish(fmt.Errorf("failed to parse tool arguments: %w", err))
				return
			}
		}
		if !s.emit(Event{Kind: EventToolCall, ToolCall: &ToolCallPayload{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		}}) {
			return
		}
	}

	s.emit(Event{Kind: EventResult, Result: &TurnResult{
		Text:       choice.Message.Content,
		StopReason: string(choice.FinishReason),
		Usage: Usage{
			InputTokens:  int(acc.Usage.PromptTokens),
			OutputTokens: int(acc.Usage.CompletionTokens),
		},
	}})
	s.finish(nil)
}

func buildOpenAIParams(req TurnRequest) (openai.ChatCompletionNewParams, error) {
	var messages []openai.ChatCompletionMessageParamUnion

	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(msg.Content))

		case "user":
			messages = append(messages, openai.UserMessage(msg.Content))

		case "tool":
			messages = append(messages, openai.ToolMessage(msg.ToolCallID, msg.Content))

		case "assistant":
			if len(msg.ToolCalls) > 0 {
				assistantMsg := openai.ChatCompletionMessage{
					Role:    "assistant",
					Content: msg.Content,
				}
				for _, tc := range msg.ToolCalls {
					rawArgs, err := json.Marshal(tc.Args)
					if err != nil {
						return openai.ChatCompletionNewParams{}, fmt.Errorf("failed to encode tool arguments: %w", err)
					}
					assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, openai.ChatCompletionMessageToolCall{
						ID:   tc.ID,
						Type: "function",
						Function: openai.ChatCompletionMessageToolCallFunction{
							Name:      tc.Name,
							Arguments: string(rawArgs),
						},
					})
				}
				messages = append(messages, assistantMsg.ToParam())
				continue
			}
			messages = append(messages, openai.AssistantMessage(msg.Content))

		default:
			return openai.ChatCompletionNewParams{}, fmt.Errorf("unsupported message role: %s", msg.Role)
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		var tools []openai.ChatCompletionToolParam
		for _, spec := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        spec.Name,
					Description: openai.String(spec.Description),
					Parameters:  openai.FunctionParameters(spec.InputSchema),
				},
			})
		}
		params.Tools = tools
	}

	return params, nil
}
