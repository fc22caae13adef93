package models

import "time"

// TaskStatus tracks a queued task through its lifecycle.
// completed and failed are terminal.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskLeased    TaskStatus = "leased"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task is a durable queue entry. AgentID is the routing key deciding
// which consumer may lease it.
type Task struct {
	TaskID      string         `json:"task_id"`
	AgentID     string         `json:"agent_id"`
	Payload     map[string]any `json:"payload,omitempty"`
	Status      TaskStatus     `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	LeasedUntil *time.Time     `json:"leased_until,omitempty"`
	LeasedBy    string         `json:"leased_by,omitempty"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// LeaseActive reports whether the task holds a live lease at now.
func (t *Task) LeaseActive(now time.Time) bool {
	return t.Status == TaskLeased && t.LeasedUntil != nil && t.LeasedUntil.After(now) && t.LeasedBy != ""
}
