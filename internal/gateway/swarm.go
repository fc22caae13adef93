package gateway

import (
	"errors"
	"net/http"

	"github.com/osa-agent/osa/internal/swarm"
	"github.com/osa-agent/osa/pkg/models"
)

type swarmLaunchRequest struct {
	Task      string `json:"task"`
	Pattern   string `json:"pattern,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	MaxAgents int    `json:"max_agents,omitempty"`
}

const validPatternList = "Valid patterns: parallel, pipeline, debate, review"

func (s *Server) handleSwarmLaunch(w http.ResponseWriter, r *http.Request) {
	var req swarmLaunchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "body must be JSON: "+err.Error())
		return
	}
	if req.Task == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "task is required")
		return
	}

	// Unknown patterns are a hard 400 listing the valid set; silently
	// falling back would hide caller typos.
	var forced models.Pattern
	if req.Pattern != "" {
		forced = models.Pattern(req.Pattern)
		known := false
		for _, p := range models.ValidPatterns() {
			if p == forced {
				known = true
				break
			}
		}
		if !known {
			writeError(w, http.StatusBadRequest, "invalid_pattern", validPatternList)
			return
		}
	}

	maxAgents := req.MaxAgents
	if maxAgents <= 0 {
		maxAgents = swarm.DefaultMaxAgents
	}
	plan := s.deps.Planner.Decompose(r.Context(), req.Task, maxAgents)
	if forced != "" && plan.Pattern != forced {
		plan.Pattern = forced
		plan.Synthesis = models.DefaultSynthesis(forced)
	}

	swarmID, err := s.deps.Orchestrator.LaunchPlan(r.Context(), plan, req.SessionID, req.Task)
	if errors.Is(err, swarm.ErrTooManySwarms) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many concurrent swarms")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	status, _ := s.deps.Orchestrator.Status(swarmID)
	writeJSON(w, http.StatusOK, map[string]any{
		"swarm_id": swarmID,
		"status":   status.State,
		"pattern":  plan.Pattern,
		"agents":   plan.Agents,
	})
}

func (s *Server) handleSwarmStatus(w http.ResponseWriter, r *http.Request) {
	status, ok := s.deps.Orchestrator.Status(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no such swarm")
		return
	}
	writeJSON(w, http.StatusOK, status)
}
