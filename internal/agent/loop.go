package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/osa-agent/osa/internal/assembler"
	"github.com/osa-agent/osa/internal/compactor"
	"github.com/osa-agent/osa/internal/events"
	"github.com/osa-agent/osa/internal/hooks"
	"github.com/osa-agent/osa/internal/memory"
	"github.com/osa-agent/osa/internal/signals"
	"github.com/osa-agent/osa/pkg/models"
)

// ErrBusy is returned when a session loop is already processing a
// message. Callers queue and retry.
var ErrBusy = errors.New("session busy")

// LoopConfig bounds one message-processing run.
type LoopConfig struct {
	MaxIterations          int
	MaxConsecutiveFailures int
	MaxContextTokens       int
	LLMTimeout             time.Duration
	ToolTimeout            time.Duration
	MemoryRecallBudget     int
}

// DefaultLoopConfig returns the documented defaults.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxIterations:          30,
		MaxConsecutiveFailures: 3,
		MaxContextTokens:       128000,
		LLMTimeout:             120 * time.Second,
		ToolTimeout:            30 * time.Second,
		MemoryRecallBudget:     800,
	}
}

func (c LoopConfig) withDefaults() LoopConfig {
	def := DefaultLoopConfig()
	if c.MaxIterations <= 0 {
		c.MaxIterations = def.MaxIterations
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = def.MaxContextTokens
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = def.LLMTimeout
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = def.ToolTimeout
	}
	if c.MemoryRecallBudget <= 0 {
		c.MemoryRecallBudget = def.MemoryRecallBudget
	}
	return c
}

// Deps are the shared components one loop runs against.
type Deps struct {
	Providers *Registry
	Tools     *ToolRegistry
	Hooks     *hooks.Pipeline
	Bus       *events.Bus
	History   *memory.SessionLog
	LongTerm  *memory.Store
	Assembler *assembler.Assembler
	Compactor *compactor.Compactor
	Filter    *signals.Filter
	Logger    *slog.Logger
}

// Loop processes messages for exactly one session. It is
// single-threaded over its own state; concurrent ProcessMessage calls
// on a busy loop get ErrBusy.
type Loop struct {
	sessionID string
	channel   models.ChannelType
	cfg       LoopConfig
	deps      Deps
	logger    *slog.Logger

	mu       sync.Mutex
	busy     bool
	cancelFn context.CancelFunc
	messages []models.Message
}

// NewLoop creates a loop for a session. Prior history, if any, seeds
// the in-memory transcript.
func NewLoop(sessionID string, channel models.ChannelType, cfg LoopConfig, deps Deps) *Loop {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		sessionID: sessionID,
		channel:   channel,
		cfg:       cfg.withDefaults(),
		deps:      deps,
		logger:    logger.With("component", "agent", "session_id", sessionID),
	}
	if deps.History != nil {
		if prior, err := deps.History.Resume(sessionID); err == nil {
			l.messages = prior
		}
	}
	return l
}

// SessionID returns the owning session.
func (l *Loop) SessionID() string { return l.sessionID }

// Busy reports whether a run is in flight.
func (l *Loop) Busy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.busy
}

// Cancel aborts the in-flight run, if any. The run returns a cancelled
// result and the loop goes quiescent.
func (l *Loop) Cancel() {
	l.mu.Lock()
	cancel := l.cancelFn
	l.mu.Unlock()
	if cancel != nil {
		cancel()
		l.deps.Bus.Publish(events.Event{Type: events.Cancelled, SessionID: l.sessionID})
	}
}

// ProcessMessage runs the full pipeline for one inbound message:
// classify, noise-filter, then iterate provider calls and tool
// dispatches until a final answer or a cap is hit.
func (l *Loop) ProcessMessage(ctx context.Context, text string) (*models.AgentResult, error) {
	l.mu.Lock()
	if l.busy {
		l.mu.Unlock()
		return nil, ErrBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.busy = true
	l.cancelFn = cancel
	l.mu.Unlock()

	defer func() {
		cancel()
		l.mu.Lock()
		l.busy = false
		l.cancelFn = nil
		l.mu.Unlock()
	}()

	start := time.Now()

	verdict := l.deps.Filter.Check(runCtx, l.sessionID, text)
	signal := signals.Classify(text, l.channel, verdict.Weight, start)
	l.deps.Bus.Publish(events.Event{
		Type:      events.SignalClassified,
		SessionID: l.sessionID,
		Payload: map[string]any{
			"mode": string(signal.Mode), "genre": string(signal.Genre),
			"format": string(signal.Format), "type": signal.Type, "weight": signal.Weight,
		},
	})

	if verdict.IsNoise {
		l.logger.Debug("message filtered as noise", "reason", verdict.Reason)
		return &models.AgentResult{
			Output:      verdict.CannedReply,
			Signal:      &signal,
			ToolsUsed:   []string{},
			SessionID:   l.sessionID,
			ExecutionMS: time.Since(start).Milliseconds(),
		}, nil
	}

	userMsg := models.Message{
		ID:        uuid.NewString(),
		SessionID: l.sessionID,
		Channel:   l.channel,
		Role:      models.RoleUser,
		Content:   text,
		Timestamp: start,
	}
	l.appendMessage(userMsg)

	result, err := l.iterate(runCtx, &signal, text)
	if err != nil {
		return nil, err
	}
	result.Signal = &signal
	result.SessionID = l.sessionID
	result.ExecutionMS = time.Since(start).Milliseconds()
	return result, nil
}

func (l *Loop) appendMessage(msg models.Message) {
	l.messages = append(l.messages, msg)
	if l.deps.History != nil {
		if err := l.deps.History.Append(l.sessionID, msg); err != nil {
			l.logger.Error("history append failed", "error", err)
		}
	}
}

// failureSignature keys consecutive-failure tracking on the tool name
// plus argument hash, so alternating distinct failures do not trip the
// cap.
func failureSignature(call models.ToolCall) string {
	sum := sha256.Sum256(call.Arguments)
	return call.Name + ":" + hex.EncodeToString(sum[:8])
}

func (l *Loop) iterate(ctx context.Context, signal *models.Signal, query string) (*models.AgentResult, error) {
	toolsUsed := []string{}
	iterations := 0
	consecutiveFailures := 0
	lastFailureSig := ""
	var failureLog []string

	for iterations < l.cfg.MaxIterations {
		if ctx.Err() != nil {
			return l.cancelledResult(toolsUsed, iterations), nil
		}
		iterations++

		// Budget and policy gates run before any provider spend.
		if d := l.deps.Hooks.Run(ctx, hooks.EventPreResponse, &hooks.Input{SessionID: l.sessionID}); d.Block {
			return &models.AgentResult{
				Output:         "Stopped before responding: " + d.Reason,
				ToolsUsed:      toolsUsed,
				IterationCount: iterations,
			}, nil
		}

		system := l.assembleSystem(signal, query)
		l.maybeCompact(ctx)

		req := &Request{
			System:    system,
			Messages:  l.messages,
			Tools:     l.deps.Tools.ListToolsDirect(),
			MaxTokens: 4096,
		}
		l.deps.Bus.Publish(events.Event{Type: events.LLMRequest, SessionID: l.sessionID,
			Payload: map[string]any{"iteration": iterations, "messages": len(req.Messages)}})

		resp, err := l.streamCompletion(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return l.cancelledResult(toolsUsed, iterations), nil
			}
			return nil, fmt.Errorf("provider call failed: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			final := models.Message{
				ID:        uuid.NewString(),
				SessionID: l.sessionID,
				Role:      models.RoleAssistant,
				Content:   resp.Content,
				Timestamp: time.Now(),
			}
			l.appendMessage(final)
			l.deps.Bus.Publish(events.Event{Type: events.LLMResponse, SessionID: l.sessionID,
				Payload: map[string]any{"length": len(resp.Content), "iterations": iterations}})
			l.deps.Hooks.Run(ctx, hooks.EventPostResponse, &hooks.Input{SessionID: l.sessionID, Content: resp.Content})
			return &models.AgentResult{
				Output:         resp.Content,
				ToolsUsed:      toolsUsed,
				IterationCount: iterations,
			}, nil
		}

		// Record the assistant turn with its tool calls, plain names only.
		l.appendMessage(models.Message{
			ID:        uuid.NewString(),
			SessionID: l.sessionID,
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
			Timestamp: time.Now(),
		})

		results := l.runToolCalls(ctx, resp.ToolCalls)
		for i, res := range results {
			call := resp.ToolCalls[i]
			toolsUsed = append(toolsUsed, call.Name)
			l.appendMessage(models.Message{
				ID:         uuid.NewString(),
				SessionID:  l.sessionID,
				Role:       models.RoleTool,
				Content:    res.Content,
				ToolCallID: call.ID,
				Timestamp:  time.Now(),
			})
			l.deps.Bus.Publish(events.Event{Type: events.ToolEvent, SessionID: l.sessionID,
				Payload: map[string]any{"tool": call.Name, "is_error": res.IsError}})

			if res.IsError {
				sig := failureSignature(call)
				if sig == lastFailureSig {
					consecutiveFailures++
				} else {
					consecutiveFailures = 1
					lastFailureSig = sig
				}
				failureLog = append(failureLog, fmt.Sprintf("%s: %s", call.Name, truncate(res.Content, 200)))
				if len(failureLog) > l.cfg.MaxConsecutiveFailures {
					failureLog = failureLog[len(failureLog)-l.cfg.MaxConsecutiveFailures:]
				}
			} else {
				consecutiveFailures = 0
				lastFailureSig = ""
			}
		}

		if consecutiveFailures >= l.cfg.MaxConsecutiveFailures {
			return &models.AgentResult{
				Output: fmt.Sprintf("I stopped after %d consecutive failures of the same tool call. Last attempts:\n%s",
					consecutiveFailures, strings.Join(failureLog, "\n")),
				ToolsUsed:      toolsUsed,
				IterationCount: iterations,
			}, nil
		}
	}

	return &models.AgentResult{
		Output:         "Iteration cap reached before a final answer. Partial progress: " + summarizeTools(toolsUsed),
		ToolsUsed:      toolsUsed,
		IterationCount: iterations,
	}, nil
}

// runToolCalls dispatches calls, fanning out when more than one call
// arrives in a turn. Results keep call order.
func (l *Loop) runToolCalls(ctx context.Context, calls []models.ToolCall) []*models.ToolResult {
	results := make([]*models.ToolResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()
			results[i] = l.runToolCall(ctx, call)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (l *Loop) runToolCall(ctx context.Context, call models.ToolCall) *models.ToolResult {
	in := &hooks.Input{SessionID: l.sessionID, ToolName: call.Name, ToolArgs: string(call.Arguments)}
	if d := l.deps.Hooks.Run(ctx, hooks.EventPreToolUse, in); d.Block {
		return &models.ToolResult{
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    "tool blocked: " + d.Reason,
			IsError:    true,
		}
	}

	tctx, cancel := context.WithTimeout(ctx, l.cfg.ToolTimeout)
	defer cancel()
	result := l.deps.Tools.Dispatch(tctx, call)

	l.deps.Hooks.Run(ctx, hooks.EventPostToolUse, &hooks.Input{
		SessionID: l.sessionID, ToolName: call.Name, ToolArgs: string(call.Arguments), Content: result.Content,
	})
	return result
}

// streamCompletion calls the provider chain, forwarding deltas to the
// event bus while accumulating the full response.
func (l *Loop) streamCompletion(ctx context.Context, req *Request) (*Response, error) {
	lctx, cancel := context.WithTimeout(ctx, l.cfg.LLMTimeout)
	defer cancel()

	chunks, provider, err := l.deps.Providers.ChatStream(lctx, req)
	if err != nil {
		return nil, err
	}

	resp := &Response{}
	var content strings.Builder
	for chunk := range chunks {
		switch {
		case chunk.Err != nil:
			return nil, chunk.Err
		case chunk.Thinking != "":
			l.deps.Bus.Publish(events.Event{Type: events.ThinkingDelta, SessionID: l.sessionID,
				Payload: map[string]any{"delta": chunk.Thinking, "provider": provider}})
		case chunk.Text != "":
			content.WriteString(chunk.Text)
			l.deps.Bus.Publish(events.Event{Type: events.LLMResponse, SessionID: l.sessionID,
				Payload: map[string]any{"delta": chunk.Text, "partial": true}})
		case chunk.ToolCall != nil:
			resp.ToolCalls = append(resp.ToolCalls, *chunk.ToolCall)
		}
		if chunk.Usage != nil {
			resp.Usage = *chunk.Usage
		}
	}
	resp.Content = content.String()
	return resp, nil
}

func (l *Loop) assembleSystem(signal *models.Signal, query string) string {
	if l.deps.Assembler == nil {
		return ""
	}
	var digest string
	if l.deps.LongTerm != nil {
		digest = l.deps.LongTerm.RecallRelevant(query, l.cfg.MemoryRecallBudget)
	}
	var providerName, model string
	if p, ok := l.deps.Providers.Active(); ok {
		providerName = p.Name()
		model = p.DefaultModel()
	}
	return l.deps.Assembler.Assemble(assembler.Inputs{
		Signal:       signal,
		SessionID:    l.sessionID,
		Channel:      l.channel,
		Provider:     providerName,
		Model:        model,
		MemoryDigest: digest,
		Now:          time.Now(),
	}, l.cfg.MaxContextTokens)
}

func (l *Loop) maybeCompact(ctx context.Context) {
	if l.deps.Compactor == nil {
		return
	}
	if d := l.deps.Hooks.Run(ctx, hooks.EventPreCompact, &hooks.Input{SessionID: l.sessionID}); d.Block {
		return
	}
	l.messages = l.deps.Compactor.Compact(l.messages)
}

func (l *Loop) cancelledResult(toolsUsed []string, iterations int) *models.AgentResult {
	return &models.AgentResult{
		Output:         "Cancelled.",
		ToolsUsed:      toolsUsed,
		IterationCount: iterations,
		Cancelled:      true,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func summarizeTools(toolsUsed []string) string {
	if len(toolsUsed) == 0 {
		return "no tools were run"
	}
	return strings.Join(toolsUsed, ", ")
}
