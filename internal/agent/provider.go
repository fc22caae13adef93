// Package agent contains the LLM provider abstraction, the tool
// registry, and the per-session agent loop.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/osa-agent/osa/pkg/models"
)

// Provider is one LLM backend. Implementations must be safe for
// concurrent use; each ChatStream call owns its channel and goroutine.
type Provider interface {
	// Chat runs a single completion and returns the full response.
	Chat(ctx context.Context, req *Request) (*Response, error)

	// ChatStream runs a completion delivering chunks as they arrive.
	// The channel is closed after the final chunk.
	ChatStream(ctx context.Context, req *Request) (<-chan *Chunk, error)

	// Name is the stable lowercase provider id.
	Name() string

	// DefaultModel is used when the request carries no model.
	DefaultModel() string
}

// Prober is implemented by providers that can be liveness-checked
// before joining the fallback chain.
type Prober interface {
	Probe(ctx context.Context) error
}

// ToolSchema describes one callable tool for the wire.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// Request is a provider-agnostic completion request.
type Request struct {
	Model       string
	System      string
	Messages    []models.Message
	Tools       []ToolSchema
	Temperature float32
	MaxTokens   int
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Response is a complete, non-streamed completion.
type Response struct {
	Content   string
	ToolCalls []models.ToolCall
	Usage     Usage
}

// Chunk is one streaming delta. Exactly one of Text, Thinking,
// ToolCall, Err, or Done is meaningful per chunk.
type Chunk struct {
	Text     string
	Thinking string
	ToolCall *models.ToolCall
	Usage    *Usage
	Done     bool
	Err      error
}

// Sentinel errors used by the fallback chain.
var (
	// ErrRateLimited marks a provider throttle; the chain moves on.
	ErrRateLimited = errors.New("provider rate limited")
	// ErrProviderDown marks a connection failure or 5xx.
	ErrProviderDown = errors.New("provider unavailable")
	// ErrNoProviders means the chain is empty or fully exhausted.
	ErrNoProviders = errors.New("no provider available")
)

// Retryable reports whether the error justifies trying the next
// provider in the chain.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrProviderDown) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"rate limit", "429", "connection refused", "connection reset", "timeout", "status 5", "502", "503", "504", "overloaded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// collectStream drains a chunk channel into a full Response. Providers
// that only implement streaming use it to satisfy Chat.
func collectStream(chunks <-chan *Chunk) (*Response, error) {
	resp := &Response{}
	var content strings.Builder
	for chunk := range chunks {
		switch {
		case chunk.Err != nil:
			return nil, chunk.Err
		case chunk.ToolCall != nil:
			resp.ToolCalls = append(resp.ToolCalls, *chunk.ToolCall)
		case chunk.Text != "":
			content.WriteString(chunk.Text)
		}
		if chunk.Usage != nil {
			resp.Usage = *chunk.Usage
		}
	}
	resp.Content = content.String()
	return resp, nil
}
