// Package queue is the durable, leased, retryable task queue backing
// swarm execution.
package queue

import (
	"context"

	"github.com/osa-agent/osa/pkg/models"
)

// Store persists queue mutations. Every mutation is written through to
// the store before the in-memory cache updates; on boot, pending and
// leased tasks reload from it.
type Store interface {
	// Insert persists a new task.
	Insert(ctx context.Context, task *models.Task) error

	// Update persists the current state of a task.
	Update(ctx context.Context, task *models.Task) error

	// LoadActive returns all pending and leased tasks.
	LoadActive(ctx context.Context) ([]*models.Task, error)

	Close() error
}

// MemoryStore is the degraded mode used when no relational store is
// reachable. Tasks do not survive a restart.
type MemoryStore struct{}

// NewMemoryStore creates the no-op store.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Insert(ctx context.Context, task *models.Task) error { return nil }
func (s *MemoryStore) Update(ctx context.Context, task *models.Task) error { return nil }
func (s *MemoryStore) LoadActive(ctx context.Context) ([]*models.Task, error) {
	return nil, nil
}
func (s *MemoryStore) Close() error { return nil }
