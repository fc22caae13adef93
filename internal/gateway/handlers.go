package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/osa-agent/osa/internal/agent"
	"github.com/osa-agent/osa/internal/memory"
	"github.com/osa-agent/osa/internal/sessions"
	"github.com/osa-agent/osa/internal/signals"
	"github.com/osa-agent/osa/pkg/models"
)

type orchestrateRequest struct {
	Input     string `json:"input"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Channel   string `json:"channel,omitempty"`
}

func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	var req orchestrateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "body must be JSON: "+err.Error())
		return
	}
	if req.Input == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "input is required")
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = sessions.NewSessionID()
	}
	channel := models.ChannelHTTP
	if req.Channel != "" {
		channel = models.ChannelType(req.Channel)
	}

	result, err := s.deps.Sessions.Process(r.Context(), sessionID, req.UserID, channel, req.Input)
	switch {
	case errors.Is(err, agent.ErrBusy):
		writeError(w, http.StatusConflict, "busy", "session is processing another message")
		return
	case errors.Is(err, agent.ErrNoProviders):
		writeError(w, http.StatusBadGateway, "provider_error", "no provider available")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type classifyRequest struct {
	Message string `json:"message"`
	Channel string `json:"channel,omitempty"`
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "body must be JSON: "+err.Error())
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}
	channel := models.ChannelHTTP
	if req.Channel != "" {
		channel = models.ChannelType(req.Channel)
	}

	verdict := s.deps.Filter.Check(r.Context(), "classify:"+string(channel), req.Message)
	signal := signals.Classify(req.Message, channel, verdict.Weight, time.Now())
	writeJSON(w, http.StatusOK, map[string]any{
		"signal": signal,
		"noise":  verdict.IsNoise,
		"reason": verdict.Reason,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	providerName, model := "", ""
	if p, ok := s.deps.Providers.Active(); ok {
		providerName = p.Name()
		model = p.DefaultModel()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  s.cfg.Version,
		"provider": providerName,
		"model":    model,
		"sessions": s.deps.Sessions.Count(),
	})
}

type sessionCreateRequest struct {
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Channel   string `json:"channel,omitempty"`
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req sessionCreateRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "body must be JSON: "+err.Error())
			return
		}
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = sessions.NewSessionID()
	}
	channel := models.ChannelHTTP
	if req.Channel != "" {
		channel = models.ChannelType(req.Channel)
	}
	s.deps.Sessions.EnsureLoop(sessionID, req.UserID, channel)
	session, err := s.deps.Sessions.Get(sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.deps.Sessions.List()})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	session, err := s.deps.Sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "no such session")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	msgs, err := s.deps.History.Load(sessionID)
	if errors.Is(err, memory.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "no history for session")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "messages": msgs})
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if err := s.deps.Sessions.Terminate(sessionID); err != nil {
		writeError(w, http.StatusNotFound, "not_found", "no such session")
		return
	}
	if s.deps.History != nil {
		if err := s.deps.History.Delete(sessionID); err != nil {
			s.logger.Warn("history delete failed", "session_id", sessionID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": sessionID})
}

type triggerRequest struct {
	Vars map[string]string `json:"vars,omitempty"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.deps.Triggers == nil {
		writeError(w, http.StatusNotFound, "not_found", "triggers are not configured")
		return
	}
	var req triggerRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "body must be JSON: "+err.Error())
			return
		}
	}
	name := r.PathValue("name")
	out, err := s.deps.Triggers.Fire(r.Context(), name, req.Vars)
	if err != nil {
		writeError(w, http.StatusBadRequest, "trigger_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trigger": name, "output": out})
}
