// Package hooks provides priority-ordered interceptor chains around
// tool execution and response assembly.
package hooks

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event identifies where in the agent lifecycle a chain runs.
type Event string

const (
	EventPreToolUse   Event = "pre_tool_use"
	EventPostToolUse  Event = "post_tool_use"
	EventPreResponse  Event = "pre_response"
	EventPostResponse Event = "post_response"
	EventPreCompact   Event = "pre_compact"
	EventSessionStart Event = "session_start"
	EventSessionEnd   Event = "session_end"
)

// Input carries what the hook may inspect or mutate via context values.
type Input struct {
	SessionID string
	// ToolName and ToolArgs are set for tool events.
	ToolName string
	ToolArgs string
	// Content is set for response events.
	Content string
	// Values is shared mutable context flowing down the chain. Hooks
	// may add keys; later hooks see earlier writes.
	Values map[string]any
}

// Decision is a hook verdict. Zero value means continue.
type Decision struct {
	Block  bool
	Reason string
}

// Continue is the allow verdict.
func Continue() Decision { return Decision{} }

// Block vetoes the operation with a user-facing reason.
func Block(reason string) Decision { return Decision{Block: true, Reason: reason} }

// Hook is one interceptor. It must be idempotent. Panics are recovered
// and treated as continue.
type Hook func(ctx context.Context, in *Input) Decision

type registration struct {
	id       string
	name     string
	event    Event
	priority int
	hook     Hook
}

// Pipeline dispatches registered hooks in ascending priority order.
// The first block short-circuits the chain.
type Pipeline struct {
	mu     sync.RWMutex
	chains map[Event][]*registration
	logger *slog.Logger
}

// Option configures the pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger.With("component", "hooks")
		}
	}
}

// NewPipeline creates an empty pipeline.
func NewPipeline(opts ...Option) *Pipeline {
	p := &Pipeline{
		chains: make(map[Event][]*registration),
		logger: slog.Default().With("component", "hooks"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register adds a named hook at an event. Lower priority runs earlier.
// The returned id can be passed to Unregister.
func (p *Pipeline) Register(event Event, name string, priority int, hook Hook) string {
	reg := &registration{
		id:       uuid.NewString(),
		name:     name,
		event:    event,
		priority: priority,
		hook:     hook,
	}
	p.mu.Lock()
	p.chains[event] = append(p.chains[event], reg)
	sort.SliceStable(p.chains[event], func(i, j int) bool {
		return p.chains[event][i].priority < p.chains[event][j].priority
	})
	p.mu.Unlock()
	p.logger.Debug("registered hook", "event", event, "name", name, "priority", priority)
	return reg.id
}

// Unregister removes a hook by id.
func (p *Pipeline) Unregister(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for event, chain := range p.chains {
		for i, reg := range chain {
			if reg.id == id {
				p.chains[event] = append(chain[:i], chain[i+1:]...)
				return
			}
		}
	}
}

// Run executes the chain for an event. The first blocking hook wins;
// a panicking hook is logged and skipped.
func (p *Pipeline) Run(ctx context.Context, event Event, in *Input) Decision {
	if in == nil {
		in = &Input{}
	}
	if in.Values == nil {
		in.Values = make(map[string]any)
	}

	p.mu.RLock()
	chain := make([]*registration, len(p.chains[event]))
	copy(chain, p.chains[event])
	p.mu.RUnlock()

	for _, reg := range chain {
		start := time.Now()
		decision := p.safeInvoke(ctx, reg, in)
		if decision.Block {
			p.logger.Info("hook blocked operation",
				"event", event,
				"hook", reg.name,
				"reason", decision.Reason,
				"session_id", in.SessionID,
				"elapsed", time.Since(start))
			return decision
		}
	}
	return Continue()
}

func (p *Pipeline) safeInvoke(ctx context.Context, reg *registration, in *Input) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("hook panicked, treating as continue",
				"hook", reg.name, "event", reg.event, "panic", r)
			d = Continue()
		}
	}()
	return reg.hook(ctx, in)
}
