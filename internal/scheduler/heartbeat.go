package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// HeartbeatInterval is how often the checklist is scanned.
const HeartbeatInterval = 30 * time.Minute

// HeartbeatFile is the checklist name under the OSA home.
const HeartbeatFile = "HEARTBEAT.md"

const doneStamp = "2006-01-02 15:04"

// AgentRunner dispatches a scheduled message through the agent.
type AgentRunner interface {
	Run(ctx context.Context, message string) (string, error)
}

// AgentRunnerFunc adapts a function to AgentRunner.
type AgentRunnerFunc func(ctx context.Context, message string) (string, error)

// Run executes the function.
func (f AgentRunnerFunc) Run(ctx context.Context, message string) (string, error) {
	return f(ctx, message)
}

// Heartbeat scans a human-editable markdown checklist and dispatches
// each unchecked item as an agent message, marking it done with a
// timestamp afterwards.
type Heartbeat struct {
	path    string
	runner  AgentRunner
	breaker *Breaker
	logger  *slog.Logger
	now     func() time.Time
}

// NewHeartbeat creates the checklist runner.
func NewHeartbeat(path string, runner AgentRunner, breaker *Breaker, logger *slog.Logger) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		path:    path,
		runner:  runner,
		breaker: breaker,
		logger:  logger.With("component", "heartbeat"),
		now:     time.Now,
	}
}

// checklistItem is one live `- [ ]` line.
type checklistItem struct {
	line int
	text string
}

// parseChecklist extracts unchecked items with their line numbers.
func parseChecklist(lines []string) []checklistItem {
	var items []checklistItem
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "- [ ]") {
			continue
		}
		text := strings.TrimSpace(strings.TrimPrefix(trimmed, "- [ ]"))
		if text == "" {
			continue
		}
		items = append(items, checklistItem{line: i, text: text})
	}
	return items
}

// Tick processes the checklist once. A missing file is not an error; an
// empty checklist dispatches nothing. Returns the number of items
// dispatched.
func (h *Heartbeat) Tick(ctx context.Context) (int, error) {
	data, err := os.ReadFile(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read checklist: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	items := parseChecklist(lines)
	dispatched := 0

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		jobName := "heartbeat:" + item.text
		if h.breaker != nil && !h.breaker.Allow(jobName) {
			h.logger.Warn("heartbeat item disabled by circuit breaker", "item", item.text)
			continue
		}
		_, runErr := h.runner.Run(ctx, item.text)
		if h.breaker != nil {
			h.breaker.Record(jobName, runErr)
		}
		if runErr != nil {
			h.logger.Error("heartbeat item failed", "item", item.text, "error", runErr)
			continue
		}
		lines[item.line] = markDone(lines[item.line], h.now())
		dispatched++
	}

	if dispatched > 0 {
		if err := os.WriteFile(h.path, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
			return dispatched, fmt.Errorf("rewrite checklist: %w", err)
		}
	}
	return dispatched, nil
}

// markDone checks off a line in place, preserving indentation.
func markDone(line string, at time.Time) string {
	checked := strings.Replace(line, "- [ ]", "- [x]", 1)
	return fmt.Sprintf("%s (done %s)", strings.TrimRight(checked, " "), at.Format(doneStamp))
}
