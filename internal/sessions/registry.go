// Package sessions maps session ids to their agent loops and owns
// session lifecycle.
package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/osa-agent/osa/internal/agent"
	"github.com/osa-agent/osa/pkg/models"
)

// ErrNotFound is returned for lookups of unknown sessions.
var ErrNotFound = errors.New("session not found")

// LoopFactory builds the loop for a new session. The registry owns
// restart-on-crash; the factory is called again after a panic so the
// replacement loop reloads persisted history.
type LoopFactory func(sessionID string, channel models.ChannelType) *agent.Loop

type entry struct {
	session models.Session
	loop    *agent.Loop
	// creating serializes first construction per session id.
	creating sync.Mutex
}

// Registry is the process-wide session table.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	factory LoopFactory
	logger  *slog.Logger
	now     func() time.Time
}

// NewRegistry creates a registry with the given loop factory.
func NewRegistry(factory LoopFactory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*entry),
		factory: factory,
		logger:  logger.With("component", "sessions"),
		now:     time.Now,
	}
}

// NewSessionID mints a fresh session id.
func NewSessionID() string { return uuid.NewString() }

// EnsureLoop returns the loop for a session, creating it if absent.
// Creation is serialized per session id with a double-checked lookup so
// concurrent first messages cannot race two loops into existence.
func (r *Registry) EnsureLoop(sessionID, userID string, channel models.ChannelType) *agent.Loop {
	r.mu.RLock()
	e, ok := r.entries[sessionID]
	r.mu.RUnlock()
	if ok && e.loop != nil {
		return e.loop
	}

	r.mu.Lock()
	e, ok = r.entries[sessionID]
	if !ok {
		e = &entry{session: models.Session{
			ID:         sessionID,
			UserID:     userID,
			Channel:    channel,
			CreatedAt:  r.now(),
			LastActive: r.now(),
		}}
		r.entries[sessionID] = e
	}
	r.mu.Unlock()

	e.creating.Lock()
	defer e.creating.Unlock()
	if e.loop == nil {
		e.loop = r.factory(sessionID, channel)
		r.logger.Info("session loop created", "session_id", sessionID, "channel", channel)
	}
	return e.loop
}

// Process routes one message through the session's loop, restarting the
// loop once if it panics. ErrBusy propagates to the caller.
func (r *Registry) Process(ctx context.Context, sessionID, userID string, channel models.ChannelType, text string) (result *models.AgentResult, err error) {
	loop := r.EnsureLoop(sessionID, userID, channel)
	r.touch(sessionID)

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("session loop crashed, restarting", "session_id", sessionID, "panic", rec)
			r.restart(sessionID, channel)
			err = errors.New("session crashed and was restarted; please retry")
		}
	}()
	return loop.ProcessMessage(ctx, text)
}

// restart replaces a crashed loop. History reloads from disk inside the
// factory, so only this session loses its in-flight state.
func (r *Registry) restart(sessionID string, channel models.ChannelType) {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}
	e.creating.Lock()
	e.loop = r.factory(sessionID, channel)
	e.creating.Unlock()
}

// Whereis looks up the loop for a session.
func (r *Registry) Whereis(sessionID string) (*agent.Loop, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[sessionID]
	if !ok || e.loop == nil {
		return nil, ErrNotFound
	}
	return e.loop, nil
}

// Get returns the session metadata.
func (r *Registry) Get(sessionID string) (models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return models.Session{}, ErrNotFound
	}
	return e.session, nil
}

// List enumerates sessions sorted by creation time, newest first.
func (r *Registry) List() []models.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Session, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Terminate cancels any in-flight run and removes the session.
func (r *Registry) Terminate(sessionID string) error {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	if ok {
		delete(r.entries, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if e.loop != nil {
		e.loop.Cancel()
	}
	r.logger.Info("session terminated", "session_id", sessionID)
	return nil
}

// Cancel aborts the in-flight run without removing the session.
func (r *Registry) Cancel(sessionID string) error {
	loop, err := r.Whereis(sessionID)
	if err != nil {
		return err
	}
	loop.Cancel()
	return nil
}

func (r *Registry) touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sessionID]; ok {
		e.session.LastActive = r.now()
	}
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
