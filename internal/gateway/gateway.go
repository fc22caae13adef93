// Package gateway is the HTTP/SSE surface. It validates requests,
// routes them into the session registry and swarm orchestrator, and
// multiplexes event-bus traffic out as Server-Sent Events.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/osa-agent/osa/internal/agent"
	"github.com/osa-agent/osa/internal/events"
	"github.com/osa-agent/osa/internal/memory"
	"github.com/osa-agent/osa/internal/scheduler"
	"github.com/osa-agent/osa/internal/sessions"
	"github.com/osa-agent/osa/internal/signals"
	"github.com/osa-agent/osa/internal/swarm"
)

// Config tunes the HTTP surface.
type Config struct {
	Host        string
	Port        int
	Version     string
	RequireAuth bool
	AuthSecret  string
}

// Deps are the core components the handlers call into.
type Deps struct {
	Sessions     *sessions.Registry
	History      *memory.SessionLog
	Filter       *signals.Filter
	Bus          *events.Bus
	Providers    *agent.Registry
	Planner      *swarm.Planner
	Orchestrator *swarm.Orchestrator
	Triggers     *scheduler.Triggers
	Logger       *slog.Logger
}

// Server is the HTTP/SSE front end.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	nonces *nonceCache

	httpServer *http.Server
}

// New builds the server and its route table.
func New(cfg Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "gateway"),
		nonces: newNonceCache(nonceWindow),
	}
}

// Handler returns the full middleware-wrapped route tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /orchestrate", s.handleOrchestrate)
	mux.HandleFunc("POST /classify", s.handleClassify)
	mux.HandleFunc("GET /stream/{session_id}", s.handleStream)

	mux.HandleFunc("POST /swarm/launch", s.handleSwarmLaunch)
	mux.HandleFunc("GET /swarm/status/{id}", s.handleSwarmStatus)

	mux.HandleFunc("POST /sessions", s.handleSessionCreate)
	mux.HandleFunc("GET /sessions", s.handleSessionList)
	mux.HandleFunc("GET /sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("GET /sessions/{id}/messages", s.handleSessionMessages)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleSessionDelete)

	mux.HandleFunc("POST /trigger/{name}", s.handleTrigger)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	var handler http.Handler = mux
	if s.cfg.RequireAuth {
		handler = s.authMiddleware(handler)
	}
	return s.recoverMiddleware(handler)
}

// Start listens and serves until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("http server listening", "addr", addr, "auth", s.cfg.RequireAuth)
	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.nonces.stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
