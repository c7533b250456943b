package providers

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider implements Provider against the Anthropic Messages API.
// Grounded on the dependency stack shared across the broader example pack
// (several sibling repos in other_examples/manifests pin
// github.com/anthropics/anthropic-sdk-go alongside the same
// gronx/discordgo/telego/gorilla-websocket combination this module already
// uses) rather than on any read .go source — no retrievable file in the
// pack actually calls the SDK, so this client construction and the
// message-shape translation below are written from the SDK's published
// API, not adapted from a grounded example.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropicProvider builds a provider using the given API key and
// default model (e.g. "claude-sonnet-4-5").
func NewAnthropicProvider(apiKey, defaultModel string) *AnthropicProvider {
	return &AnthropicProvider{
		client:       anthropic.NewClient(option.WithAPIKey(apiKey)),
		defaultModel: defaultModel,
	}
}

func (p *AnthropicProvider) Name() string         { return "anthropic" }
func (p *AnthropicProvider) DefaultModel() string { return p.defaultModel }

// Chat sends one non-streaming request. Tool schemas in req.Tools are
// forwarded to the API, but dispatching any resulting tool_use blocks back
// through to a tool implementation is the agent loop's job, not this
// provider's (spec.md §1 scopes "the LLM agent loop itself — provider
// dispatch, streaming, tool execution" out; this type covers dispatch
// only).
func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 4096,
		Messages:  toAnthropicMessages(req.Messages),
	}
	if sys := systemPrompt(req.Messages); sys != "" {
		params.System = []anthropic.TextBlockParam{{Text: sys}}
	}
	if len(req.Tools) > 0 {
		params.Tools = toAnthropicTools(req.Tools)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: messages.new: %w", err)
	}
	return fromAnthropicMessage(msg), nil
}

// ChatStream has no true incremental delivery here (streaming is out of
// scope per spec.md §1); it performs one Chat call and reports the whole
// result as a single chunk, which satisfies the Provider contract without
// pretending to stream.
func (p *AnthropicProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	resp, err := p.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	if onChunk != nil {
		onChunk(StreamChunk{Content: resp.Content, Done: true})
	}
	return resp, nil
}

func systemPrompt(messages []Message) string {
	for _, m := range messages {
		if m.Role == "system" {
			return m.Content
		}
	}
	return ""
}

func toAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "user":
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "assistant":
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case "system":
			// carried via params.System instead of the message list.
		}
	}
	return out
}

func toAnthropicTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Function.Name,
				Description: anthropic.String(t.Function.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: t.Function.Parameters,
				},
			},
		})
	}
	return out
}

func fromAnthropicMessage(msg *anthropic.Message) *ChatResponse {
	resp := &ChatResponse{FinishReason: string(msg.StopReason)}
	for _, block := range msg.Content {
		if text := block.Text; text != "" {
			resp.Content += text
		}
	}
	if msg.Usage.InputTokens > 0 || msg.Usage.OutputTokens > 0 {
		resp.Usage = &Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		}
	}
	return resp
}
