package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/osa-agent/osa/internal/agent"
	"github.com/osa-agent/osa/internal/scheduler"
	"github.com/osa-agent/osa/pkg/models"
)

type shellArgs struct {
	Command string `json:"command" jsonschema:"required,description=Shell command to run. Destructive commands are blocked."`
}

// NewShell runs a command behind the same guard the scheduler uses:
// blocklist check, 30s timeout, 100KB output cap. The security hook
// still vets each call before this handler runs.
func NewShell() agent.Tool {
	return &agent.FuncTool{
		ToolName: "shell_exec",
		Desc:     "Run a shell command and return its output.",
		Params:   schemaFor(&shellArgs{}),
		Handler: func(ctx context.Context, raw json.RawMessage) (*models.ToolResult, error) {
			var args shellArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("decode arguments: %w", err)
			}
			out, err := scheduler.RunShell(ctx, args.Command)
			if err != nil {
				if out != "" {
					return nil, fmt.Errorf("%w\noutput:\n%s", err, out)
				}
				return nil, err
			}
			return &models.ToolResult{Content: out}, nil
		},
	}
}
