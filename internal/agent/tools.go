package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/osa-agent/osa/pkg/models"
)

// Tool is a named, schema-described function the model may call.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON Schema for the tool's arguments object.
	Schema() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error)
}

// FuncTool adapts a plain function into a Tool.
type FuncTool struct {
	ToolName string
	Desc     string
	Params   json.RawMessage
	Handler  func(ctx context.Context, args json.RawMessage) (*models.ToolResult, error)
}

func (t *FuncTool) Name() string             { return t.ToolName }
func (t *FuncTool) Description() string      { return t.Desc }
func (t *FuncTool) Schema() json.RawMessage  { return t.Params }
func (t *FuncTool) Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
	return t.Handler(ctx, args)
}

// Tool argument bounds.
const (
	maxToolNameLength = 256
	maxToolArgsSize   = 10 << 20
)

type registered struct {
	tool      Tool
	validator *jsonschema.Schema
}

// ToolRegistry is content-addressable by tool name. The schema list is
// a snapshot swapped atomically on registration so the per-iteration
// read never takes a lock.
type ToolRegistry struct {
	mu       sync.Mutex
	tools    map[string]registered
	snapshot atomic.Value // []ToolSchema
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	r := &ToolRegistry{tools: make(map[string]registered)}
	r.snapshot.Store([]ToolSchema{})
	return r
}

// Register adds or replaces a tool. The schema is compiled once here so
// dispatch-time validation is cheap.
func (r *ToolRegistry) Register(tool Tool) error {
	if tool.Name() == "" || len(tool.Name()) > maxToolNameLength {
		return fmt.Errorf("invalid tool name %q", tool.Name())
	}
	var validator *jsonschema.Schema
	if len(tool.Schema()) > 0 {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("schema.json", bytes.NewReader(tool.Schema())); err != nil {
			return fmt.Errorf("tool %s: schema resource: %w", tool.Name(), err)
		}
		compiled, err := compiler.Compile("schema.json")
		if err != nil {
			return fmt.Errorf("tool %s: invalid schema: %w", tool.Name(), err)
		}
		validator = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = registered{tool: tool, validator: validator}
	r.rebuildSnapshot()
	return nil
}

// Unregister removes a tool by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	r.rebuildSnapshot()
}

// rebuildSnapshot recomputes the schema list. Caller holds mu.
func (r *ToolRegistry) rebuildSnapshot() {
	schemas := make([]ToolSchema, 0, len(r.tools))
	for _, reg := range r.tools {
		schemas = append(schemas, ToolSchema{
			Name:        reg.tool.Name(),
			Description: reg.tool.Description(),
			Schema:      reg.tool.Schema(),
		})
	}
	r.snapshot.Store(schemas)
}

// ListToolsDirect returns the current schema snapshot without locking.
// Called on every agent iteration.
func (r *ToolRegistry) ListToolsDirect() []ToolSchema {
	return r.snapshot.Load().([]ToolSchema)
}

// Get returns a tool by its exact name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return reg.tool, true
}

// Dispatch looks up the call's name verbatim, validates arguments
// against the registered schema, and invokes the handler. Failures are
// returned as error results, never as Go errors, so the model can
// self-correct on the next turn.
func (r *ToolRegistry) Dispatch(ctx context.Context, call models.ToolCall) *models.ToolResult {
	result := &models.ToolResult{ToolCallID: call.ID, Name: call.Name}

	if len(call.Arguments) > maxToolArgsSize {
		result.IsError = true
		result.Content = fmt.Sprintf("arguments exceed %d bytes", maxToolArgsSize)
		return result
	}

	r.mu.Lock()
	reg, ok := r.tools[call.Name]
	r.mu.Unlock()
	if !ok {
		result.IsError = true
		result.Content = "tool not found: " + call.Name
		return result
	}

	if reg.validator != nil {
		var args any
		raw := call.Arguments
		if len(raw) == 0 {
			raw = json.RawMessage("{}")
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			result.IsError = true
			result.Content = "invalid arguments JSON: " + err.Error()
			return result
		}
		if err := reg.validator.Validate(args); err != nil {
			result.IsError = true
			result.Content = "arguments failed schema validation: " + err.Error()
			return result
		}
	}

	out, err := reg.tool.Execute(ctx, call.Arguments)
	if err != nil {
		result.IsError = true
		result.Content = err.Error()
		return result
	}
	if out == nil {
		result.Content = ""
		return result
	}
	out.ToolCallID = call.ID
	out.Name = call.Name
	return out
}
