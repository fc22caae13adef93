// Package swarm decomposes tasks into multi-agent plans and executes
// them as waves over the task queue.
package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/osa-agent/osa/internal/agent"
	"github.com/osa-agent/osa/pkg/models"
)

// DefaultMaxAgents caps plan size when the caller does not.
const DefaultMaxAgents = 10

const plannerPrompt = `You are a task planner. Decompose the task below into a multi-agent plan.

Respond with ONLY a JSON object, no prose, matching exactly:
{
  "pattern": "parallel" | "pipeline" | "debate" | "review",
  "agents": [{"role": "<role>", "task": "<subtask>"}],
  "synthesis_strategy": "merge" | "vote" | "chain",
  "rationale": "<one sentence>"
}

Allowed roles: researcher, coder, reviewer, planner, critic, writer, tester, architect.
Use between 2 and %d agents.

Task: %s`

// Planner turns a task description into a validated Plan via the
// provider chain. It never returns an error: validation failures fall
// back to a safe two-agent parallel plan.
type Planner struct {
	providers *agent.Registry
	logger    *slog.Logger
}

// NewPlanner creates a planner over the provider chain.
func NewPlanner(providers *agent.Registry, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{providers: providers, logger: logger.With("component", "planner")}
}

// Decompose produces a plan for the task. maxAgents <= 0 uses the
// default cap.
func (p *Planner) Decompose(ctx context.Context, task string, maxAgents int) models.Plan {
	if maxAgents <= 0 || maxAgents > DefaultMaxAgents {
		maxAgents = DefaultMaxAgents
	}

	resp, err := p.providers.Chat(ctx, &agent.Request{
		System:    "You produce strict JSON plans and nothing else.",
		Messages:  []models.Message{{Role: models.RoleUser, Content: fmt.Sprintf(plannerPrompt, maxAgents, task)}},
		MaxTokens: 1024,
	})
	if err != nil {
		p.logger.Warn("planner LLM call failed, using fallback plan", "error", err)
		return FallbackPlan(task)
	}

	plan, err := ParsePlan(resp.Content, maxAgents)
	if err != nil {
		p.logger.Warn("planner output rejected, using fallback plan", "error", err)
		return FallbackPlan(task)
	}
	return plan
}

// ParsePlan extracts and validates a plan from raw model output.
func ParsePlan(raw string, maxAgents int) (models.Plan, error) {
	var plan models.Plan
	payload := ExtractJSON(raw)
	if payload == "" {
		return plan, fmt.Errorf("no JSON object in planner output")
	}
	if err := json.Unmarshal([]byte(payload), &plan); err != nil {
		return plan, fmt.Errorf("decode plan: %w", err)
	}
	if err := ValidatePlan(plan, maxAgents); err != nil {
		return plan, err
	}
	if plan.Synthesis == "" {
		plan.Synthesis = models.DefaultSynthesis(plan.Pattern)
	}
	return plan, nil
}

// ValidatePlan enforces the closed vocabularies and agent count bounds.
func ValidatePlan(plan models.Plan, maxAgents int) error {
	valid := false
	for _, pat := range models.ValidPatterns() {
		if plan.Pattern == pat {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("unknown pattern %q (valid: %v)", plan.Pattern, models.ValidPatterns())
	}
	switch plan.Synthesis {
	case "", models.SynthesisMerge, models.SynthesisVote, models.SynthesisChain:
	default:
		return fmt.Errorf("unknown synthesis strategy %q", plan.Synthesis)
	}
	if len(plan.Agents) < 2 || len(plan.Agents) > maxAgents {
		return fmt.Errorf("agent count %d outside [2, %d]", len(plan.Agents), maxAgents)
	}
	for i, a := range plan.Agents {
		if !models.KnownRole(a.Role) {
			return fmt.Errorf("agent %d has unknown role %q", i, a.Role)
		}
		if strings.TrimSpace(a.Task) == "" {
			return fmt.Errorf("agent %d has an empty task", i)
		}
	}
	return nil
}

// FallbackPlan is the safe default when planning fails: researcher and
// writer covering the original task in parallel.
func FallbackPlan(task string) models.Plan {
	return models.Plan{
		Pattern: models.PatternParallel,
		Agents: []models.PlanAgent{
			{Role: models.RoleResearcher, Task: "Research: " + task},
			{Role: models.RoleWriter, Task: "Write a complete answer for: " + task},
		},
		Synthesis: models.SynthesisMerge,
		Rationale: "fallback plan",
	}
}

// ExtractJSON returns the first complete JSON object in the text,
// stripping markdown fences when present.
func ExtractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = inString
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}
