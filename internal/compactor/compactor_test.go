package compactor

import (
	"strings"
	"testing"

	"github.com/osa-agent/osa/pkg/models"
)

func msg(role models.Role, content string) models.Message {
	return models.Message{Role: role, Content: content}
}

func TestCompactNilAndEmpty(t *testing.T) {
	c := New(Config{})
	if got := c.Compact(nil); got != nil {
		t.Errorf("Compact(nil) = %v, want nil", got)
	}
	empty := []models.Message{}
	if got := c.Compact(empty); len(got) != 0 {
		t.Errorf("Compact(empty) = %v, want empty", got)
	}
}

func TestCompactIdempotentBelowThreshold(t *testing.T) {
	c := New(Config{MaxTokens: 100000})
	history := []models.Message{
		msg(models.RoleUser, "hello"),
		msg(models.RoleAssistant, "hi, how can I help?"),
	}
	got := c.Compact(history)
	if len(got) != len(history) {
		t.Fatalf("expected unchanged history, got %d messages", len(got))
	}
	for i := range got {
		if got[i].Content != history[i].Content {
			t.Errorf("message %d changed: %q", i, got[i].Content)
		}
	}
}

func TestCompactReducesUsage(t *testing.T) {
	// Tiny window so a long history is far over the emergency threshold.
	c := New(Config{MaxTokens: 600, HotSize: 4, WarmSize: 6})
	long := strings.Repeat("the quick brown fox jumps over the lazy dog ", 8)
	var history []models.Message
	for i := 0; i < 40; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		history = append(history, msg(role, long))
	}

	before := c.Usage(history)
	compacted := c.Compact(history)
	after := c.Usage(compacted)

	if after >= before {
		t.Errorf("usage did not drop: before=%.1f after=%.1f", before, after)
	}
	// HOT zone survives verbatim.
	tail := compacted[len(compacted)-4:]
	for _, m := range tail {
		if m.Content != long {
			t.Error("hot-zone message was modified")
		}
	}
}

func TestCompactPreservesToolCallIDs(t *testing.T) {
	c := New(Config{MaxTokens: 400, HotSize: 2, WarmSize: 4})
	var history []models.Message
	filler := strings.Repeat("words and more words in every message here ", 6)
	for i := 0; i < 20; i++ {
		history = append(history, msg(models.RoleUser, filler))
	}
	history = append(history,
		models.Message{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "t1", Name: "dir_list", Arguments: []byte(`{"path":"."}`)}}},
		models.Message{Role: models.RoleTool, ToolCallID: "t1", Content: "file.go"},
	)

	compacted := c.Compact(history)
	n := len(compacted)
	if compacted[n-1].ToolCallID != "t1" {
		t.Errorf("tool result lost its tool_call_id: %+v", compacted[n-1])
	}
	if len(compacted[n-2].ToolCalls) != 1 || compacted[n-2].ToolCalls[0].ID != "t1" {
		t.Errorf("assistant tool call lost its id: %+v", compacted[n-2])
	}
}

func TestCompactLeavesCallerMessagesIntact(t *testing.T) {
	c := New(Config{MaxTokens: 400, HotSize: 2, WarmSize: 4})
	bigArgs := []byte(`{"payload":"` + strings.Repeat("x", 200) + `"}`)
	history := []models.Message{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "t1", Name: "file_write", Arguments: append([]byte(nil), bigArgs...)}}},
		{Role: models.RoleTool, ToolCallID: "t1", Content: "written"},
	}
	filler := strings.Repeat("words and more words in every message here ", 6)
	for i := 0; i < 20; i++ {
		history = append(history, msg(models.RoleUser, filler))
	}

	c.Compact(history)

	// The old tool call sits outside HOT, so the compacted view replaces
	// its arguments with a hash reference. The caller's slice, which other
	// holders of the history still read, must keep the full arguments.
	if got := string(history[0].ToolCalls[0].Arguments); got != string(bigArgs) {
		t.Errorf("caller's tool arguments mutated: %s", got)
	}
}

func TestMergeConsecutiveSkipsToolMessages(t *testing.T) {
	in := []models.Message{
		msg(models.RoleUser, "a"),
		msg(models.RoleUser, "b"),
		{Role: models.RoleTool, ToolCallID: "x", Content: "r1"},
		{Role: models.RoleTool, ToolCallID: "y", Content: "r2"},
		msg(models.RoleUser, "tail"),
	}
	out := mergeConsecutive(in, 0)
	if len(out) != 4 {
		t.Fatalf("got %d messages, want 4", len(out))
	}
	if out[0].Content != "a\nb" {
		t.Errorf("user messages not merged: %q", out[0].Content)
	}
	if out[1].ToolCallID != "x" || out[2].ToolCallID != "y" {
		t.Error("tool messages must not merge")
	}
}

func TestImportanceWeighting(t *testing.T) {
	c := New(Config{}, WithSignalWeight(func(m models.Message) float64 {
		if m.Content == "important" {
			return 0.9
		}
		return 0.1
	}))

	plain := c.importance(msg(models.RoleUser, "regular message"))
	boosted := c.importance(msg(models.RoleUser, "important"))
	ack := c.importance(msg(models.RoleUser, "ok"))
	toolCall := c.importance(models.Message{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "1", Name: "x"}}})

	if boosted <= plain {
		t.Error("high-weight signal should boost importance")
	}
	if ack >= plain {
		t.Error("acknowledgement should lower importance")
	}
	if toolCall <= plain {
		t.Error("tool call should boost importance")
	}
}
