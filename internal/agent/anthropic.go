package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/osa-agent/osa/pkg/models"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicProvider adapts the Anthropic Messages API.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropicProvider creates the adapter. An empty model defaults to
// Claude Sonnet.
func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	if model == "" {
		model = string(anthropic.ModelClaudeSonnet4_20250514)
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(option.WithAPIKey(apiKey)),
		defaultModel: model,
	}
}

func (p *AnthropicProvider) Name() string         { return "anthropic" }
func (p *AnthropicProvider) DefaultModel() string { return p.defaultModel }

// Probe checks TCP reachability of the API host.
func (p *AnthropicProvider) Probe(ctx context.Context) error {
	d := net.Dialer{Timeout: 3 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", "api.anthropic.com:443")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderDown, err)
	}
	return conn.Close()
}

// Chat implements Provider.
func (p *AnthropicProvider) Chat(ctx context.Context, req *Request) (*Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.classify(err)
	}

	resp := &Response{
		Usage: Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
	}
	var content strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: json.RawMessage(block.Input),
			})
		}
	}
	resp.Content = content.String()
	return resp, nil
}

// ChatStream implements Provider. Tool input streams as partial JSON
// and is assembled per content block before the call is emitted.
func (p *AnthropicProvider) ChatStream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := p.client.Messages.NewStreaming(ctx, params)

	chunks := make(chan *Chunk, 16)
	go func() {
		defer close(chunks)

		var pendingCall *models.ToolCall
		var pendingInput strings.Builder
		usage := &Usage{}

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				start := event.AsMessageStart()
				usage.PromptTokens = int(start.Message.Usage.InputTokens)

			case "content_block_start":
				block := event.AsContentBlockStart().ContentBlock
				if block.Type == "tool_use" {
					pendingCall = &models.ToolCall{ID: block.ID, Name: block.Name}
					pendingInput.Reset()
				}

			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					chunks <- &Chunk{Text: delta.Text}
				case "thinking_delta":
					chunks <- &Chunk{Thinking: delta.Thinking}
				case "input_json_delta":
					pendingInput.WriteString(delta.PartialJSON)
				}

			case "content_block_stop":
				if pendingCall != nil {
					input := pendingInput.String()
					if input == "" {
						input = "{}"
					}
					pendingCall.Arguments = json.RawMessage(input)
					chunks <- &Chunk{ToolCall: pendingCall}
					pendingCall = nil
				}

			case "message_delta":
				delta := event.AsMessageDelta()
				usage.CompletionTokens = int(delta.Usage.OutputTokens)

			case "message_stop":
				chunks <- &Chunk{Usage: usage, Done: true}
			}
		}
		if err := stream.Err(); err != nil {
			chunks <- &Chunk{Err: p.classify(err)}
		}
	}()
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	for _, tool := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: invalid schema for tool %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool != nil {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		params.Tools = append(params.Tools, param)
	}
	return params, nil
}

// convertMessages maps internal messages onto Anthropic content blocks.
// System messages are skipped (handled via params.System); role=tool
// messages become user messages carrying a tool_result block so the
// originating tool_call_id survives the wire.
func (p *AnthropicProvider) convertMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}
		var content []anthropic.ContentBlockParamUnion

		if msg.Role == models.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
			out = append(out, anthropic.NewUserMessage(content...))
			continue
		}

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Arguments, &input); err != nil {
				return nil, fmt.Errorf("anthropic: invalid tool call arguments for %s: %w", tc.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

func (p *AnthropicProvider) classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case strings.Contains(msg, "connection") || strings.Contains(msg, "status 5") || strings.Contains(msg, "overloaded"):
		return fmt.Errorf("%w: %v", ErrProviderDown, err)
	}
	return err
}
