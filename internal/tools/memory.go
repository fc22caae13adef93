package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/osa-agent/osa/internal/agent"
	"github.com/osa-agent/osa/internal/memory"
	"github.com/osa-agent/osa/pkg/models"
)

type rememberArgs struct {
	Text       string  `json:"text" jsonschema:"required,description=Fact to store in long-term memory."`
	Category   string  `json:"category,omitempty" jsonschema:"description=Category label such as preference or project."`
	Importance float64 `json:"importance,omitempty" jsonschema:"description=Importance from 0 to 1. Defaults to 0.5."`
}

// NewRemember writes a fact into the long-term store.
func NewRemember(store *memory.Store) agent.Tool {
	return &agent.FuncTool{
		ToolName: "remember",
		Desc:     "Store a fact in long-term memory for future conversations.",
		Params:   schemaFor(&rememberArgs{}),
		Handler: func(ctx context.Context, raw json.RawMessage) (*models.ToolResult, error) {
			var args rememberArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("decode arguments: %w", err)
			}
			if args.Text == "" {
				return nil, fmt.Errorf("text is required")
			}
			importance := args.Importance
			if importance <= 0 {
				importance = 0.5
			}
			if err := store.Remember(args.Text, args.Category, importance); err != nil {
				return nil, err
			}
			return &models.ToolResult{Content: "remembered"}, nil
		},
	}
}

type recallArgs struct {
	Query  string `json:"query" jsonschema:"required,description=What to look up in long-term memory."`
	Budget int    `json:"budget,omitempty" jsonschema:"description=Token budget for the recalled block. Defaults to 400."`
}

// NewRecall searches the long-term store.
func NewRecall(store *memory.Store) agent.Tool {
	return &agent.FuncTool{
		ToolName: "memory_recall",
		Desc:     "Recall relevant facts from long-term memory.",
		Params:   schemaFor(&recallArgs{}),
		Handler: func(ctx context.Context, raw json.RawMessage) (*models.ToolResult, error) {
			var args recallArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("decode arguments: %w", err)
			}
			budget := args.Budget
			if budget <= 0 {
				budget = 400
			}
			block := store.RecallRelevant(args.Query, budget)
			if block == "" {
				block = "no relevant memories"
			}
			return &models.ToolResult{Content: block}, nil
		},
	}
}
