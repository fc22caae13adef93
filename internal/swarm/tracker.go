package swarm

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TrackedTask is one row in a session's tasks.json.
type TrackedTask struct {
	TaskID    string    `json:"task_id"`
	SwarmID   string    `json:"swarm_id"`
	AgentID   string    `json:"agent_id"`
	Role      string    `json:"role"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tracker mirrors swarm task state into sessions/<id>/tasks.json so
// session tooling can show sub-agent progress without querying the
// queue.
type Tracker struct {
	root string

	mu    sync.Mutex
	tasks map[string][]TrackedTask // session id -> rows
}

// NewTracker creates a tracker rooted at the data directory.
func NewTracker(root string) *Tracker {
	return &Tracker{root: root, tasks: make(map[string][]TrackedTask)}
}

// Update upserts one row and rewrites the session's tasks.json.
func (t *Tracker) Update(sessionID string, row TrackedTask) error {
	if sessionID == "" {
		return nil
	}
	row.UpdatedAt = time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	rows := t.tasks[sessionID]
	replaced := false
	for i := range rows {
		if rows[i].TaskID == row.TaskID {
			rows[i] = row
			replaced = true
			break
		}
	}
	if !replaced {
		rows = append(rows, row)
	}
	t.tasks[sessionID] = rows

	dir := filepath.Join(t.root, "sessions", sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, "tasks.json.tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, "tasks.json"))
}

// Load reads the session's rows, preferring memory over disk.
func (t *Tracker) Load(sessionID string) []TrackedTask {
	t.mu.Lock()
	if rows, ok := t.tasks[sessionID]; ok {
		out := make([]TrackedTask, len(rows))
		copy(out, rows)
		t.mu.Unlock()
		return out
	}
	t.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(t.root, "sessions", sessionID, "tasks.json"))
	if err != nil {
		return nil
	}
	var rows []TrackedTask
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil
	}
	return rows
}
