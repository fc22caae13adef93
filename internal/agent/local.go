package agent

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/osa-agent/osa/pkg/models"
)

// GatePredicate decides whether a model is allowed to see tool schemas.
// Small local models often produce malformed calls, so tools are hidden
// from them entirely.
type GatePredicate func(model string) bool

// DefaultGate allows tools unless the model tag carries a known small
// parameter count.
func DefaultGate(model string) bool {
	lower := strings.ToLower(model)
	for _, small := range []string{"1b", "1.5b", "3b", "0.5b", "tiny", "mini"} {
		if strings.Contains(lower, small) {
			return false
		}
	}
	return true
}

// LocalProvider serves an OpenAI-compatible local runtime (Ollama and
// friends). It applies tool gating and recovers tool calls that the
// model emits as XML-tagged text instead of structured calls.
type LocalProvider struct {
	*OpenAIProvider
	gate GatePredicate
}

// NewLocalProvider creates the adapter. baseURL is the runtime root,
// e.g. http://localhost:11434.
func NewLocalProvider(name, baseURL, model string, gate GatePredicate) *LocalProvider {
	if gate == nil {
		gate = DefaultGate
	}
	return &LocalProvider{
		OpenAIProvider: NewCompatibleProvider(name, baseURL, "local", model),
		gate:           gate,
	}
}

// Chat implements Provider with gating and XML recovery.
func (p *LocalProvider) Chat(ctx context.Context, req *Request) (*Response, error) {
	gated := p.gateRequest(req)
	resp, err := p.OpenAIProvider.Chat(ctx, gated)
	if err != nil {
		return nil, err
	}
	if len(resp.ToolCalls) == 0 && len(gated.Tools) > 0 {
		calls, remainder := ParseTaggedToolCalls(resp.Content)
		if len(calls) > 0 {
			resp.ToolCalls = calls
			resp.Content = remainder
		}
	}
	return resp, nil
}

// ChatStream implements Provider. Text accumulates so tagged tool calls
// spanning chunk boundaries are still recovered at end of stream.
func (p *LocalProvider) ChatStream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	gated := p.gateRequest(req)
	inner, err := p.OpenAIProvider.ChatStream(ctx, gated)
	if err != nil {
		return nil, err
	}
	if len(gated.Tools) == 0 {
		return inner, nil
	}

	out := make(chan *Chunk, 16)
	go func() {
		defer close(out)
		var text strings.Builder
		sawStructured := false
		for chunk := range inner {
			if chunk.Text != "" {
				text.WriteString(chunk.Text)
			}
			if chunk.ToolCall != nil {
				sawStructured = true
			}
			if chunk.Done && !sawStructured {
				if calls, _ := ParseTaggedToolCalls(text.String()); len(calls) > 0 {
					for i := range calls {
						out <- &Chunk{ToolCall: &calls[i]}
					}
				}
			}
			out <- chunk
		}
	}()
	return out, nil
}

func (p *LocalProvider) gateRequest(req *Request) *Request {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	if p.gate(model) {
		return req
	}
	gated := *req
	gated.Tools = nil
	return &gated
}

var taggedCallRe = regexp.MustCompile(`(?s)<tool_call>\s*(\{.*?\})\s*</tool_call>`)

// ParseTaggedToolCalls extracts `<tool_call>{"name":...,"arguments":...}</tool_call>`
// blocks from model text, returning the calls and the text with the
// blocks removed. Malformed blocks are left in place.
func ParseTaggedToolCalls(text string) ([]models.ToolCall, string) {
	if !strings.Contains(text, "<tool_call>") {
		return nil, text
	}
	var calls []models.ToolCall
	remainder := taggedCallRe.ReplaceAllStringFunc(text, func(match string) string {
		sub := taggedCallRe.FindStringSubmatch(match)
		var parsed struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(sub[1]), &parsed); err != nil || parsed.Name == "" {
			return match
		}
		args := parsed.Arguments
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		calls = append(calls, models.ToolCall{
			ID:        "call_" + uuid.NewString()[:8],
			Name:      parsed.Name,
			Arguments: args,
		})
		return ""
	})
	return calls, strings.TrimSpace(remainder)
}
