// Package scheduler drives the three periodic mechanisms: the
// HEARTBEAT.md checklist, CRONS.json cron jobs, and TRIGGERS.json
// event-driven entries. Each job carries a circuit breaker; shell jobs
// run behind a blocklist guard.
package scheduler

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Scheduler owns the heartbeat, cron, and trigger runners plus a file
// watcher that live-reloads their config files.
type Scheduler struct {
	Heartbeat *Heartbeat
	Cron      *Cron
	Triggers  *Triggers
	Breaker   *Breaker

	home   string
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New wires the three mechanisms over files in the OSA home directory.
func New(home string, runner AgentRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	breaker := NewBreaker(DefaultBreakerThreshold)
	return &Scheduler{
		Heartbeat: NewHeartbeat(filepath.Join(home, HeartbeatFile), runner, breaker, logger),
		Cron:      NewCron(filepath.Join(home, CronFile), runner, breaker, logger),
		Triggers:  NewTriggers(filepath.Join(home, TriggerFile), runner, breaker, logger),
		Breaker:   breaker,
		home:      home,
		logger:    logger.With("component", "scheduler"),
	}
}

// Start launches the tick loops and the config watcher. Stop or context
// cancellation shuts everything down.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx)
}

// Stop halts the loops and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	heartbeatTicker := time.NewTicker(HeartbeatInterval)
	defer heartbeatTicker.Stop()
	cronTicker := time.NewTicker(CronTick)
	defer cronTicker.Stop()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("config watcher unavailable", "error", err)
	} else {
		defer watcher.Close()
		// Watch the directory: editors replace files on save, which
		// drops per-file watches.
		if err := watcher.Add(s.home); err != nil {
			s.logger.Warn("cannot watch home directory", "error", err)
		}
	}

	var watchEvents chan fsnotify.Event
	var watchErrors chan error
	if watcher != nil {
		watchEvents = watcher.Events
		watchErrors = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeatTicker.C:
			if _, err := s.Heartbeat.Tick(ctx); err != nil {
				s.logger.Error("heartbeat tick failed", "error", err)
			}
		case <-cronTicker.C:
			s.Cron.Tick(ctx)
		case evt, ok := <-watchEvents:
			if !ok {
				watchEvents = nil
				continue
			}
			s.handleFileEvent(evt)
		case err, ok := <-watchErrors:
			if !ok {
				watchErrors = nil
				continue
			}
			s.logger.Warn("watcher error", "error", err)
		}
	}
}

func (s *Scheduler) handleFileEvent(evt fsnotify.Event) {
	if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
		return
	}
	switch filepath.Base(evt.Name) {
	case CronFile:
		if err := s.Cron.Reload(); err != nil {
			s.logger.Error("cron reload failed", "error", err)
		}
	case TriggerFile:
		if err := s.Triggers.Reload(); err != nil {
			s.logger.Error("trigger reload failed", "error", err)
		}
	}
}
