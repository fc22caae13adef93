package models

// Pattern names a swarm execution topology.
type Pattern string

const (
	PatternParallel Pattern = "parallel"
	PatternPipeline Pattern = "pipeline"
	PatternDebate   Pattern = "debate"
	PatternReview   Pattern = "review"
)

// ValidPatterns lists every accepted pattern, in the order surfaced to
// callers on validation errors.
func ValidPatterns() []Pattern {
	return []Pattern{PatternParallel, PatternPipeline, PatternDebate, PatternReview}
}

// SynthesisStrategy names how wave outputs are combined into one answer.
type SynthesisStrategy string

const (
	SynthesisMerge SynthesisStrategy = "merge"
	SynthesisVote  SynthesisStrategy = "vote"
	SynthesisChain SynthesisStrategy = "chain"
)

// DefaultSynthesis returns the strategy paired with a pattern when the
// plan does not override it.
func DefaultSynthesis(p Pattern) SynthesisStrategy {
	switch p {
	case PatternParallel:
		return SynthesisMerge
	case PatternDebate:
		return SynthesisVote
	default:
		return SynthesisChain
	}
}

// AgentRole is a member of the closed role vocabulary the planner may
// assign.
type AgentRole string

const (
	RoleResearcher AgentRole = "researcher"
	RoleCoder      AgentRole = "coder"
	RoleReviewer   AgentRole = "reviewer"
	RolePlanner    AgentRole = "planner"
	RoleCritic     AgentRole = "critic"
	RoleWriter     AgentRole = "writer"
	RoleTester     AgentRole = "tester"
	RoleArchitect  AgentRole = "architect"
)

// KnownRole reports whether the role is in the closed set.
func KnownRole(r AgentRole) bool {
	switch r {
	case RoleResearcher, RoleCoder, RoleReviewer, RolePlanner, RoleCritic, RoleWriter, RoleTester, RoleArchitect:
		return true
	}
	return false
}

// PlanAgent is one decomposed sub-task with its assigned role.
type PlanAgent struct {
	Role AgentRole `json:"role"`
	Task string    `json:"task"`
}

// Plan is the planner's output: pattern + ordered agent list + synthesis
// strategy.
type Plan struct {
	Pattern   Pattern           `json:"pattern"`
	Agents    []PlanAgent       `json:"agents"`
	Synthesis SynthesisStrategy `json:"synthesis_strategy"`
	Rationale string            `json:"rationale,omitempty"`
}
