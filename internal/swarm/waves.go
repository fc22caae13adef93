package swarm

import "github.com/osa-agent/osa/pkg/models"

// Waves computes the execution DAG for a plan. Parallel plans run as
// one wave, pipeline and review run linearly, and debate runs the
// proposers together followed by a critic wave.
func Waves(plan models.Plan) [][]models.PlanAgent {
	switch plan.Pattern {
	case models.PatternParallel:
		return [][]models.PlanAgent{plan.Agents}

	case models.PatternDebate:
		var proposers, critics []models.PlanAgent
		for _, a := range plan.Agents {
			if a.Role == models.RoleCritic {
				critics = append(critics, a)
			} else {
				proposers = append(proposers, a)
			}
		}
		if len(critics) == 0 {
			// No explicit critic: the last agent judges the rest.
			critics = []models.PlanAgent{{Role: models.RoleCritic,
				Task: "Judge the proposals and select the strongest one, with justification."}}
		}
		if len(proposers) == 0 {
			return [][]models.PlanAgent{plan.Agents}
		}
		return [][]models.PlanAgent{proposers, critics}

	default: // pipeline, review
		waves := make([][]models.PlanAgent, 0, len(plan.Agents))
		for _, a := range plan.Agents {
			waves = append(waves, []models.PlanAgent{a})
		}
		return waves
	}
}
