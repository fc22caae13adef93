package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/osa-agent/osa/pkg/models"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id      TEXT PRIMARY KEY,
	agent_id     TEXT NOT NULL,
	payload      TEXT NOT NULL DEFAULT '{}',
	status       TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	leased_until TIMESTAMP,
	leased_by    TEXT,
	result       TEXT,
	error        TEXT,
	created_at   TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	updated_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_agent_status ON tasks (agent_id, status);
`

// SQLStore persists tasks in a relational database. It serves both
// SQLite (driver "sqlite") and Postgres (driver "postgres").
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLiteStore opens or creates a SQLite task store at path.
func NewSQLiteStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite requires a single writer.
	db.SetMaxOpenConns(1)
	return newSQLStore(db, "sqlite")
}

// NewPostgresStore connects to a Postgres task store.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return newSQLStore(db, "postgres")
}

func newSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLStore{db: db, driver: driver}, nil
}

// Close releases the database handle.
func (s *SQLStore) Close() error { return s.db.Close() }

// rebind converts ?-placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

// Insert implements Store.
func (s *SQLStore) Insert(ctx context.Context, task *models.Task) error {
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO tasks (task_id, agent_id, payload, status, attempts, max_attempts,
			leased_until, leased_by, result, error, created_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		task.TaskID, task.AgentID, string(payload), string(task.Status),
		task.Attempts, task.MaxAttempts, task.LeasedUntil, nullable(task.LeasedBy),
		nullable(task.Result), nullable(task.Error), task.CreatedAt, task.CompletedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", task.TaskID, err)
	}
	return nil
}

// Update implements Store.
func (s *SQLStore) Update(ctx context.Context, task *models.Task) error {
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		UPDATE tasks SET agent_id = ?, payload = ?, status = ?, attempts = ?,
			max_attempts = ?, leased_until = ?, leased_by = ?, result = ?, error = ?,
			completed_at = ?, updated_at = ?
		WHERE task_id = ?`),
		task.AgentID, string(payload), string(task.Status), task.Attempts,
		task.MaxAttempts, task.LeasedUntil, nullable(task.LeasedBy), nullable(task.Result),
		nullable(task.Error), task.CompletedAt, task.UpdatedAt, task.TaskID)
	if err != nil {
		return fmt.Errorf("update task %s: %w", task.TaskID, err)
	}
	return nil
}

// LoadActive implements Store.
func (s *SQLStore) LoadActive(ctx context.Context) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, agent_id, payload, status, attempts, max_attempts,
			leased_until, leased_by, result, error, created_at, completed_at, updated_at
		FROM tasks WHERE status IN ('pending', 'leased') ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("load active tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		var t models.Task
		var payload string
		var status string
		var leasedBy, result, taskErr sql.NullString
		var leasedUntil, completedAt sql.NullTime
		if err := rows.Scan(&t.TaskID, &t.AgentID, &payload, &status, &t.Attempts,
			&t.MaxAttempts, &leasedUntil, &leasedBy, &result, &taskErr,
			&t.CreatedAt, &completedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Status = models.TaskStatus(status)
		t.LeasedBy = leasedBy.String
		t.Result = result.String
		t.Error = taskErr.String
		if leasedUntil.Valid {
			lu := leasedUntil.Time
			t.LeasedUntil = &lu
		}
		if completedAt.Valid {
			ca := completedAt.Time
			t.CompletedAt = &ca
		}
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &t.Payload); err != nil {
				return nil, fmt.Errorf("decode payload for %s: %w", t.TaskID, err)
			}
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
