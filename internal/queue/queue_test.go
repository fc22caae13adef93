package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/osa-agent/osa/pkg/models"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q := New(context.Background(), NewMemoryStore())
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestEnqueueLeaseComplete(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	task, err := q.EnqueueSync(ctx, "", "agent-1", map[string]any{"work": "research"}, Options{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if task.Status != models.TaskPending || task.TaskID == "" {
		t.Fatalf("created task = %+v", task)
	}

	leased, err := q.Lease(ctx, "agent-1", time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if leased.TaskID != task.TaskID || leased.Status != models.TaskLeased || leased.LeasedBy != "agent-1" {
		t.Errorf("leased = %+v", leased)
	}

	if err := q.Complete(ctx, task.TaskID, "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ := q.Get(task.TaskID)
	if got.Status != models.TaskCompleted || got.Result != "done" || got.LeasedBy != "" {
		t.Errorf("completed = %+v", got)
	}
}

func TestLeaseFIFOAndAgentScoping(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	base := time.Now()
	clock := base
	q.now = func() time.Time { return clock }

	_, _ = q.EnqueueSync(ctx, "first", "a", nil, Options{})
	clock = base.Add(time.Second)
	_, _ = q.EnqueueSync(ctx, "second", "a", nil, Options{})
	clock = base.Add(2 * time.Second)
	_, _ = q.EnqueueSync(ctx, "other", "b", nil, Options{})

	leased, err := q.Lease(ctx, "a", time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if leased.TaskID != "first" {
		t.Errorf("leased %s, want oldest pending", leased.TaskID)
	}

	// A second lease for the same agent gets the next task, never the
	// one already leased.
	second, err := q.Lease(ctx, "a", time.Minute)
	if err != nil {
		t.Fatalf("second lease: %v", err)
	}
	if second.TaskID != "second" {
		t.Errorf("second lease = %s", second.TaskID)
	}

	if _, err := q.Lease(ctx, "a", time.Minute); !errors.Is(err, ErrEmpty) {
		t.Errorf("third lease err = %v, want ErrEmpty", err)
	}
	if _, err := q.Lease(ctx, "c", time.Minute); !errors.Is(err, ErrEmpty) {
		t.Errorf("unknown agent err = %v, want ErrEmpty", err)
	}
}

func TestFailRetriesThenSticks(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	task, _ := q.EnqueueSync(ctx, "", "a", nil, Options{MaxAttempts: 2})

	if _, err := q.Lease(ctx, "a", time.Minute); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := q.Fail(ctx, task.TaskID, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got, _ := q.Get(task.TaskID)
	if got.Status != models.TaskPending || got.Attempts != 1 || got.Error != "boom" {
		t.Errorf("after first failure = %+v", got)
	}

	if _, err := q.Lease(ctx, "a", time.Minute); err != nil {
		t.Fatalf("re-lease: %v", err)
	}
	if err := q.Fail(ctx, task.TaskID, "boom again"); err != nil {
		t.Fatalf("second fail: %v", err)
	}
	got, _ = q.Get(task.TaskID)
	if got.Status != models.TaskFailed {
		t.Errorf("status = %s, want failed after max attempts", got.Status)
	}

	// Terminal states are sticky.
	if err := q.Complete(ctx, task.TaskID, "late"); err == nil {
		t.Error("completed a failed task")
	}
	if err := q.Fail(ctx, task.TaskID, "again"); err == nil {
		t.Error("failed a failed task")
	}
}

func TestReapExpiredLease(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	base := time.Now()
	q.now = func() time.Time { return base }

	task, _ := q.EnqueueSync(ctx, "", "a", nil, Options{})
	if _, err := q.Lease(ctx, "a", 50*time.Millisecond); err != nil {
		t.Fatalf("lease: %v", err)
	}

	// Before expiry the reaper leaves the lease alone.
	if n := q.Reap(ctx); n != 0 {
		t.Errorf("reaped %d live leases", n)
	}

	q.now = func() time.Time { return base.Add(time.Second) }
	if n := q.Reap(ctx); n != 1 {
		t.Fatalf("reaped %d, want 1", n)
	}
	got, _ := q.Get(task.TaskID)
	if got.Status != models.TaskPending || got.LeasedBy != "" || got.LeasedUntil != nil {
		t.Errorf("after reap = %+v", got)
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	ctx := context.Background()

	q := New(ctx, store)
	task, err := q.EnqueueSync(ctx, "", "agent-1", map[string]any{"step": "one"}, Options{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Lease(ctx, "agent-1", time.Minute); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// A new queue over the same file reloads the leased task.
	store2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	q2 := New(ctx, store2)
	defer q2.Close()

	got, ok := q2.Get(task.TaskID)
	if !ok {
		t.Fatal("task not reloaded from sqlite")
	}
	if got.Status != models.TaskLeased || got.Payload["step"] != "one" {
		t.Errorf("reloaded = %+v", got)
	}
	if q2.Degraded() {
		t.Error("queue degraded with a healthy store")
	}
}

func TestDegradeToMemoryOnStoreFailure(t *testing.T) {
	q := New(context.Background(), failingStore{})
	defer q.Close()

	if !q.Degraded() {
		t.Fatal("queue not degraded after LoadActive failure")
	}
	// Operations still work in-memory.
	if _, err := q.EnqueueSync(context.Background(), "", "a", nil, Options{}); err != nil {
		t.Errorf("enqueue in degraded mode: %v", err)
	}
}

type failingStore struct{}

func (failingStore) Insert(ctx context.Context, task *models.Task) error { return errors.New("down") }
func (failingStore) Update(ctx context.Context, task *models.Task) error { return errors.New("down") }
func (failingStore) LoadActive(ctx context.Context) ([]*models.Task, error) {
	return nil, errors.New("down")
}
func (failingStore) Close() error { return nil }
