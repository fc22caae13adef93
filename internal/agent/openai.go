package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sort"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/osa-agent/osa/pkg/models"
)

// OpenAIProvider adapts the OpenAI chat completion API. It also serves
// any OpenAI-compatible endpoint when constructed with a base URL.
type OpenAIProvider struct {
	client       *openai.Client
	name         string
	defaultModel string
	baseURL      string
}

// NewOpenAIProvider creates the adapter. An empty model defaults to
// gpt-4o.
func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	if model == "" {
		model = openai.GPT4o
	}
	return &OpenAIProvider{
		client:       openai.NewClient(apiKey),
		name:         "openai",
		defaultModel: model,
		baseURL:      "https://api.openai.com",
	}
}

// NewCompatibleProvider creates an adapter for an OpenAI-compatible
// server such as a local runtime.
func NewCompatibleProvider(name, baseURL, apiKey, model string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL + "/v1"
	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(cfg),
		name:         name,
		defaultModel: model,
		baseURL:      baseURL,
	}
}

func (p *OpenAIProvider) Name() string         { return p.name }
func (p *OpenAIProvider) DefaultModel() string { return p.defaultModel }

// Probe checks TCP reachability of the API host.
func (p *OpenAIProvider) Probe(ctx context.Context) error {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return err
	}
	host := u.Host
	if u.Port() == "" {
		if u.Scheme == "https" {
			host += ":443"
		} else {
			host += ":80"
		}
	}
	d := net.Dialer{Timeout: 3 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderDown, err)
	}
	return conn.Close()
}

// Chat implements Provider.
func (p *OpenAIProvider) Chat(ctx context.Context, req *Request) (*Response, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, p.classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty response")
	}
	choice := resp.Choices[0]
	out := &Response{
		Content: choice.Message.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

// ChatStream implements Provider. Tool calls stream incrementally and
// are accumulated before emission.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, p.classify(err)
	}

	chunks := make(chan *Chunk, 16)
	go func() {
		defer close(chunks)
		defer stream.Close()

		// id -> partially assembled call, keyed on stream index.
		pending := make(map[int]*models.ToolCall)
		pendingArgs := make(map[int]string)

		flush := func() {
			for _, call := range drainPendingCalls(pending, pendingArgs) {
				chunks <- &Chunk{ToolCall: call}
			}
			pending = make(map[int]*models.ToolCall)
			pendingArgs = make(map[int]string)
		}

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				flush()
				chunks <- &Chunk{Done: true}
				return
			}
			if err != nil {
				chunks <- &Chunk{Err: p.classify(err)}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta
			if delta.Content != "" {
				chunks <- &Chunk{Text: delta.Content}
			}
			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				if call, ok := pending[idx]; ok {
					pendingArgs[idx] += tc.Function.Arguments
					if tc.Function.Name != "" {
						call.Name = tc.Function.Name
					}
				} else {
					pending[idx] = &models.ToolCall{ID: tc.ID, Name: tc.Function.Name}
					pendingArgs[idx] = tc.Function.Arguments
				}
			}
			if resp.Choices[0].FinishReason == openai.FinishReasonToolCalls {
				flush()
			}
		}
	}()
	return chunks, nil
}

// drainPendingCalls finalizes partially assembled streaming tool calls
// in index order. Indices come from the wire and need not be contiguous.
func drainPendingCalls(pending map[int]*models.ToolCall, args map[int]string) []*models.ToolCall {
	keys := make([]int, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]*models.ToolCall, 0, len(keys))
	for _, i := range keys {
		call := pending[i]
		call.Arguments = json.RawMessage(args[i])
		out = append(out, call)
	}
	return out
}

func (p *OpenAIProvider) buildRequest(req *Request, stream bool) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	out := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    p.convertMessages(req),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Schema,
			},
		})
	}
	return out
}

// convertMessages maps internal messages onto the OpenAI wire format.
// Tool results become role=tool messages carrying their originating
// tool_call_id, and replayed assistant tool calls keep the plain name.
func (p *OpenAIProvider) convertMessages(req *Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		m := openai.ChatCompletionMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out = append(out, m)
	}
	return out
}

func (p *OpenAIProvider) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case apiErr.HTTPStatusCode >= 500:
			return fmt.Errorf("%w: %v", ErrProviderDown, err)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrProviderDown, err)
	}
	return err
}
