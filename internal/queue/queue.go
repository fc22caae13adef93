package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/osa-agent/osa/internal/events"
	"github.com/osa-agent/osa/pkg/models"
)

// ErrEmpty is returned by Lease when no pending task matches.
var ErrEmpty = errors.New("queue empty")

// ReapInterval is how often expired leases revert to pending.
const ReapInterval = 60 * time.Second

const defaultMaxAttempts = 3

var queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "osa_queue_tasks",
	Help: "Tasks currently held by the queue, by status.",
}, []string{"status"})

// Options tune one enqueue.
type Options struct {
	MaxAttempts int
}

// Queue is the process-wide task queue. Mutations serialize through
// one mutex (single writer); the store is written before the cache so
// a crash never loses an acknowledged task.
type Queue struct {
	mu    sync.Mutex
	tasks map[string]*models.Task

	store    Store
	degraded bool
	bus      *events.Bus
	logger   *slog.Logger
	now      func() time.Time

	stopReaper context.CancelFunc
	reaperDone chan struct{}
}

// Option configures the queue.
type Option func(*Queue)

// WithBus attaches the event bus for task_completed events.
func WithBus(bus *events.Bus) Option {
	return func(q *Queue) { q.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger.With("component", "queue")
		}
	}
}

// New creates a queue over the given store and reloads active tasks.
// A nil or unreachable store degrades to in-memory with a warning.
func New(ctx context.Context, store Store, opts ...Option) *Queue {
	q := &Queue{
		tasks:  make(map[string]*models.Task),
		store:  store,
		logger: slog.Default().With("component", "queue"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	if store == nil {
		q.store = NewMemoryStore()
		q.degraded = true
		q.logger.Warn("no task store configured, queue is in-memory only")
	} else {
		active, err := store.LoadActive(ctx)
		if err != nil {
			q.store = NewMemoryStore()
			q.degraded = true
			q.logger.Warn("task store unreachable, degrading to in-memory", "error", err)
		} else {
			for _, t := range active {
				q.tasks[t.TaskID] = t
			}
			if len(active) > 0 {
				q.logger.Info("reloaded active tasks", "count", len(active))
			}
		}
	}

	reapCtx, cancel := context.WithCancel(context.Background())
	q.stopReaper = cancel
	q.reaperDone = make(chan struct{})
	go q.reapLoop(reapCtx)
	return q
}

// Degraded reports whether the queue lost its durable store.
func (q *Queue) Degraded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.degraded
}

// Close stops the reaper and closes the store.
func (q *Queue) Close() error {
	q.stopReaper()
	<-q.reaperDone
	return q.store.Close()
}

// Enqueue adds a pending task for an agent.
func (q *Queue) Enqueue(ctx context.Context, taskID, agentID string, payload map[string]any, opts Options) error {
	_, err := q.EnqueueSync(ctx, taskID, agentID, payload, opts)
	return err
}

// EnqueueSync adds a pending task and returns the created struct.
func (q *Queue) EnqueueSync(ctx context.Context, taskID, agentID string, payload map[string]any, opts Options) (*models.Task, error) {
	if taskID == "" {
		taskID = uuid.NewString()
	}
	if agentID == "" {
		return nil, errors.New("agent id is required")
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	now := q.now()
	task := &models.Task{
		TaskID:      taskID,
		AgentID:     agentID,
		Payload:     payload,
		Status:      models.TaskPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.tasks[taskID]; exists {
		return nil, fmt.Errorf("task %s already exists", taskID)
	}
	if err := q.persistInsert(ctx, task); err != nil {
		return nil, err
	}
	q.tasks[taskID] = task
	queueDepth.WithLabelValues(string(models.TaskPending)).Inc()
	return cloneTask(task), nil
}

// Lease atomically hands the oldest matching pending task to agentID.
// At most one consumer holds an active lease on a task.
func (q *Queue) Lease(ctx context.Context, agentID string, leaseFor time.Duration) (*models.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var oldest *models.Task
	for _, t := range q.tasks {
		if t.AgentID != agentID || t.Status != models.TaskPending {
			continue
		}
		if oldest == nil || t.CreatedAt.Before(oldest.CreatedAt) {
			oldest = t
		}
	}
	if oldest == nil {
		return nil, ErrEmpty
	}

	until := q.now().Add(leaseFor)
	prev := *oldest
	oldest.Status = models.TaskLeased
	oldest.LeasedUntil = &until
	oldest.LeasedBy = agentID
	oldest.UpdatedAt = q.now()
	if err := q.persistUpdate(ctx, oldest); err != nil {
		*oldest = prev
		return nil, err
	}
	queueDepth.WithLabelValues(string(models.TaskPending)).Dec()
	queueDepth.WithLabelValues(string(models.TaskLeased)).Inc()
	return cloneTask(oldest), nil
}

// Complete marks a leased task done and emits task_completed.
func (q *Queue) Complete(ctx context.Context, taskID, result string) error {
	q.mu.Lock()
	task, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("task %s not found", taskID)
	}
	if task.Status.Terminal() {
		q.mu.Unlock()
		return fmt.Errorf("task %s is already %s", taskID, task.Status)
	}
	now := q.now()
	prev := *task
	task.Status = models.TaskCompleted
	task.Result = result
	task.LeasedUntil = nil
	task.LeasedBy = ""
	task.CompletedAt = &now
	task.UpdatedAt = now
	if err := q.persistUpdate(ctx, task); err != nil {
		*task = prev
		q.mu.Unlock()
		return err
	}
	agentID := task.AgentID
	q.mu.Unlock()

	queueDepth.WithLabelValues(string(models.TaskLeased)).Dec()
	if q.bus != nil {
		_ = q.bus.Publish(events.Event{
			Type:    events.TaskCompleted,
			Payload: map[string]any{"task_id": taskID, "agent_id": agentID},
		})
	}
	return nil
}

// Fail records a failed attempt. Below max_attempts the task reverts
// to pending for retry; at or above, it lands in failed for good.
func (q *Queue) Fail(ctx context.Context, taskID, taskErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	if task.Status.Terminal() {
		return fmt.Errorf("task %s is already %s", taskID, task.Status)
	}
	prev := *task
	task.Attempts++
	task.Error = taskErr
	task.LeasedUntil = nil
	task.LeasedBy = ""
	task.UpdatedAt = q.now()
	if task.Attempts >= task.MaxAttempts {
		task.Status = models.TaskFailed
	} else {
		task.Status = models.TaskPending
	}
	if err := q.persistUpdate(ctx, task); err != nil {
		*task = prev
		return err
	}
	queueDepth.WithLabelValues(string(models.TaskLeased)).Dec()
	queueDepth.WithLabelValues(string(task.Status)).Inc()
	return nil
}

// Get returns a copy of the task.
func (q *Queue) Get(taskID string) (*models.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return nil, false
	}
	return cloneTask(task), true
}

// List returns copies of all cached tasks, oldest first.
func (q *Queue) List() []*models.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*models.Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Reap reverts expired leases to pending. Exposed for tests; the
// background loop calls it every ReapInterval.
func (q *Queue) Reap(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	reaped := 0
	for _, t := range q.tasks {
		if t.Status != models.TaskLeased || t.LeaseActive(now) {
			continue
		}
		prev := *t
		t.Status = models.TaskPending
		t.LeasedUntil = nil
		t.LeasedBy = ""
		t.UpdatedAt = now
		if err := q.persistUpdate(ctx, t); err != nil {
			*t = prev
			continue
		}
		reaped++
	}
	if reaped > 0 {
		q.logger.Info("reaped expired leases", "count", reaped)
	}
	return reaped
}

func (q *Queue) reapLoop(ctx context.Context) {
	defer close(q.reaperDone)
	ticker := time.NewTicker(ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Reap(ctx)
		}
	}
}

// persistInsert writes through to the store, degrading on failure.
// Caller holds mu.
func (q *Queue) persistInsert(ctx context.Context, task *models.Task) error {
	if err := q.store.Insert(ctx, task); err != nil {
		if q.degrade(err) {
			return nil
		}
		return err
	}
	return nil
}

func (q *Queue) persistUpdate(ctx context.Context, task *models.Task) error {
	if err := q.store.Update(ctx, task); err != nil {
		if q.degrade(err) {
			return nil
		}
		return err
	}
	return nil
}

// degrade switches to the in-memory store after a store failure.
// Caller holds mu. Returns true when the mutation should proceed
// in-memory.
func (q *Queue) degrade(err error) bool {
	if q.degraded {
		return true
	}
	q.logger.Warn("task store write failed, degrading to in-memory", "error", err)
	_ = q.store.Close()
	q.store = NewMemoryStore()
	q.degraded = true
	return true
}

func cloneTask(t *models.Task) *models.Task {
	c := *t
	if t.Payload != nil {
		c.Payload = make(map[string]any, len(t.Payload))
		for k, v := range t.Payload {
			c.Payload[k] = v
		}
	}
	if t.LeasedUntil != nil {
		lu := *t.LeasedUntil
		c.LeasedUntil = &lu
	}
	if t.CompletedAt != nil {
		ca := *t.CompletedAt
		c.CompletedAt = &ca
	}
	return &c
}
