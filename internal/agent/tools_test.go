package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/osa-agent/osa/pkg/models"
)

const echoSchema = `{
	"type": "object",
	"properties": {"text": {"type": "string"}},
	"required": ["text"],
	"additionalProperties": false
}`

func echoTool() Tool {
	return &FuncTool{
		ToolName: "echo",
		Desc:     "echoes text back",
		Params:   json.RawMessage(echoSchema),
		Handler: func(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
			var in struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return &models.ToolResult{Content: in.Text}, nil
		},
	}
}

func TestDispatchValidArgs(t *testing.T) {
	r := NewToolRegistry()
	if err := r.Register(echoTool()); err != nil {
		t.Fatalf("register: %v", err)
	}

	res := r.Dispatch(context.Background(), models.ToolCall{
		ID: "call_1", Name: "echo", Arguments: json.RawMessage(`{"text":"hi"}`),
	})
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if res.Content != "hi" || res.ToolCallID != "call_1" || res.Name != "echo" {
		t.Errorf("result = %+v", res)
	}
}

func TestDispatchSchemaViolation(t *testing.T) {
	r := NewToolRegistry()
	if err := r.Register(echoTool()); err != nil {
		t.Fatalf("register: %v", err)
	}

	res := r.Dispatch(context.Background(), models.ToolCall{
		ID: "call_1", Name: "echo", Arguments: json.RawMessage(`{"wrong":"field"}`),
	})
	if !res.IsError {
		t.Fatal("schema violation not rejected")
	}

	res = r.Dispatch(context.Background(), models.ToolCall{
		ID: "call_2", Name: "echo", Arguments: json.RawMessage(`not json`),
	})
	if !res.IsError {
		t.Fatal("malformed JSON not rejected")
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	r := NewToolRegistry()
	res := r.Dispatch(context.Background(), models.ToolCall{ID: "c", Name: "missing"})
	if !res.IsError || res.ToolCallID != "c" {
		t.Errorf("result = %+v, want error preserving call id", res)
	}
}

func TestListToolsDirectSnapshot(t *testing.T) {
	r := NewToolRegistry()
	if got := r.ListToolsDirect(); len(got) != 0 {
		t.Fatalf("fresh registry lists %d tools", len(got))
	}
	if err := r.Register(echoTool()); err != nil {
		t.Fatalf("register: %v", err)
	}

	snap := r.ListToolsDirect()
	if len(snap) != 1 || snap[0].Name != "echo" {
		t.Fatalf("snapshot = %+v", snap)
	}

	// The held snapshot must not observe later registration.
	other := &FuncTool{ToolName: "noop", Desc: "does nothing", Handler: func(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
		return &models.ToolResult{}, nil
	}}
	if err := r.Register(other); err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(snap) != 1 {
		t.Error("old snapshot mutated by registration")
	}
	if len(r.ListToolsDirect()) != 2 {
		t.Error("new snapshot missing registered tool")
	}
}

func TestRegisterInvalidSchema(t *testing.T) {
	r := NewToolRegistry()
	bad := &FuncTool{ToolName: "bad", Params: json.RawMessage(`{"type": 42}`), Handler: func(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
		return nil, nil
	}}
	if err := r.Register(bad); err == nil {
		t.Error("invalid schema accepted")
	}
}

func TestDispatchHandlerError(t *testing.T) {
	r := NewToolRegistry()
	failing := &FuncTool{ToolName: "fail", Handler: func(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
		return nil, context.DeadlineExceeded
	}}
	if err := r.Register(failing); err != nil {
		t.Fatalf("register: %v", err)
	}
	res := r.Dispatch(context.Background(), models.ToolCall{ID: "c", Name: "fail"})
	if !res.IsError {
		t.Error("handler error not surfaced as error result")
	}
}
