package swarm

import "github.com/osa-agent/osa/pkg/models"

var rolePrompts = map[models.AgentRole]string{
	models.RoleResearcher: "You are a research specialist. Gather the relevant facts, cite what you relied on, and be explicit about uncertainty.",
	models.RoleCoder:      "You are a software engineer. Produce working, idiomatic code with a short explanation of the approach.",
	models.RoleReviewer:   "You are a code and content reviewer. Identify concrete problems and suggest specific fixes.",
	models.RolePlanner:    "You are a planning specialist. Break the work into clear, ordered, actionable steps.",
	models.RoleCritic:     "You are a critic. Evaluate the proposals on correctness and completeness, then pick the strongest.",
	models.RoleWriter:     "You are a writer. Produce clear, well-structured prose for the requested audience.",
	models.RoleTester:     "You are a test specialist. Design cases that exercise edge conditions and verify the claimed behavior.",
	models.RoleArchitect:  "You are a systems architect. Weigh the trade-offs and recommend a design with its consequences spelled out.",
}

// roleSystemPrompt returns the system prompt for a swarm role.
func roleSystemPrompt(role models.AgentRole) string {
	if p, ok := rolePrompts[role]; ok {
		return p
	}
	return "You are a capable specialist agent. Complete your assigned task thoroughly."
}
