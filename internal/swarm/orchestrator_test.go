package swarm

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/osa-agent/osa/internal/agent"
	"github.com/osa-agent/osa/internal/events"
	"github.com/osa-agent/osa/internal/queue"
	"github.com/osa-agent/osa/pkg/models"
)

// echoProvider answers every chat with a deterministic line derived
// from the last user message.
type echoProvider struct {
	calls atomic.Int32
	gate  chan struct{} // when set, Chat blocks until closed
	fail  atomic.Int32  // fail this many calls first
}

func (p *echoProvider) Name() string         { return "echo" }
func (p *echoProvider) DefaultModel() string { return "m" }

func (p *echoProvider) Chat(ctx context.Context, req *agent.Request) (*agent.Response, error) {
	p.calls.Add(1)
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.fail.Load() > 0 {
		p.fail.Add(-1)
		return nil, errors.New("transient model error")
	}
	last := req.Messages[len(req.Messages)-1].Content
	head := last
	if idx := strings.IndexByte(head, '\n'); idx > 0 {
		head = head[:idx]
	}
	return &agent.Response{Content: "answer: " + head, Usage: agent.Usage{PromptTokens: 10, CompletionTokens: 5}}, nil
}

func (p *echoProvider) ChatStream(ctx context.Context, req *agent.Request) (<-chan *agent.Chunk, error) {
	resp, err := p.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan *agent.Chunk, 2)
	ch <- &agent.Chunk{Text: resp.Content}
	ch <- &agent.Chunk{Done: true}
	close(ch)
	return ch, nil
}

func newTestOrchestrator(t *testing.T, provider agent.Provider, cfg Config) *Orchestrator {
	t.Helper()
	providers := agent.NewRegistry()
	if err := providers.Register(context.Background(), provider); err != nil {
		t.Fatalf("register provider: %v", err)
	}
	q := queue.New(context.Background(), queue.NewMemoryStore())
	t.Cleanup(func() { _ = q.Close() })
	return NewOrchestrator(cfg, providers, agent.NewToolRegistry(), q, events.NewBus(), NewTracker(t.TempDir()), nil)
}

func waitForTerminal(t *testing.T, o *Orchestrator, swarmID string) Status {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case <-deadline:
			st, _ := o.Status(swarmID)
			t.Fatalf("swarm did not finish: %+v", st)
		case <-time.After(10 * time.Millisecond):
		}
		st, ok := o.Status(swarmID)
		if !ok {
			t.Fatal("swarm vanished")
		}
		if st.State != StateRunning {
			return st
		}
	}
}

func TestParallelSwarmMergesOutputs(t *testing.T) {
	o := newTestOrchestrator(t, &echoProvider{}, Config{})
	plan := models.Plan{
		Pattern: models.PatternParallel,
		Agents: []models.PlanAgent{
			{Role: models.RoleResearcher, Task: "research the topic"},
			{Role: models.RoleWriter, Task: "write the summary"},
		},
		Synthesis: models.SynthesisMerge,
	}

	id, err := o.LaunchPlan(context.Background(), plan, "sess-1", "explain the system")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	st := waitForTerminal(t, o, id)
	if st.State != StateCompleted {
		t.Fatalf("state = %s (%s)", st.State, st.Error)
	}
	if !strings.HasPrefix(st.Result, "answer:") {
		t.Errorf("result = %q", st.Result)
	}
	if st.Completion != 1 {
		t.Errorf("completion = %.2f, want 1", st.Completion)
	}
	for _, a := range st.Agents {
		if a.Status != string(models.TaskCompleted) {
			t.Errorf("agent %s status = %s", a.AgentID, a.Status)
		}
	}
}

func TestPipelineChainsOutput(t *testing.T) {
	o := newTestOrchestrator(t, &echoProvider{}, Config{})
	plan := models.Plan{
		Pattern: models.PatternPipeline,
		Agents: []models.PlanAgent{
			{Role: models.RoleResearcher, Task: "gather the facts"},
			{Role: models.RoleWriter, Task: "turn the facts into prose"},
		},
		Synthesis: models.SynthesisChain,
	}
	id, err := o.LaunchPlan(context.Background(), plan, "", "write it up")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	st := waitForTerminal(t, o, id)
	if st.State != StateCompleted {
		t.Fatalf("state = %s (%s)", st.State, st.Error)
	}
	// Chain synthesis takes the final wave's output without an extra
	// LLM call.
	if !strings.Contains(st.Result, "turn the facts into prose") {
		t.Errorf("result = %q, want final agent output", st.Result)
	}
}

func TestSwarmConcurrencyCap(t *testing.T) {
	gate := make(chan struct{})
	provider := &echoProvider{gate: gate}
	o := newTestOrchestrator(t, provider, Config{MaxConcurrent: 1})
	plan := FallbackPlan("busy work")

	id, err := o.LaunchPlan(context.Background(), plan, "", "busy work")
	if err != nil {
		t.Fatalf("first launch: %v", err)
	}
	if _, err := o.LaunchPlan(context.Background(), plan, "", "more work"); !errors.Is(err, ErrTooManySwarms) {
		t.Errorf("second launch err = %v, want ErrTooManySwarms", err)
	}

	close(gate)
	waitForTerminal(t, o, id)

	// Slot freed: a new swarm launches.
	if _, err := o.LaunchPlan(context.Background(), plan, "", "third"); err != nil {
		t.Errorf("launch after completion: %v", err)
	}
}

func TestTerminalSwarmEvictedAfterRetention(t *testing.T) {
	o := newTestOrchestrator(t, &echoProvider{}, Config{RetainFor: time.Minute})
	base := time.Now()
	o.now = func() time.Time { return base }

	id, err := o.LaunchPlan(context.Background(), FallbackPlan("short lived"), "", "short lived")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	waitForTerminal(t, o, id)

	// Within the retention window the status stays queryable.
	if _, ok := o.Status(id); !ok {
		t.Fatal("terminal swarm gone before retention expired")
	}

	o.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, ok := o.Status(id); ok {
		t.Error("terminal swarm not evicted after retention window")
	}
	o.mu.Lock()
	remaining := len(o.swarms)
	o.mu.Unlock()
	if remaining != 0 {
		t.Errorf("%d runs still retained, want 0", remaining)
	}
}

func TestFailedAgentRetriesThenFailsSwarmAgent(t *testing.T) {
	provider := &echoProvider{}
	provider.fail.Store(100) // every sub-agent call fails
	o := newTestOrchestrator(t, provider, Config{})
	plan := FallbackPlan("doomed work")

	id, err := o.LaunchPlan(context.Background(), plan, "", "doomed work")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	st := waitForTerminal(t, o, id)
	if st.State != StateFailed {
		t.Fatalf("state = %s, want failed when no agent output", st.State)
	}
	for _, a := range st.Agents {
		if a.Status != string(models.TaskFailed) {
			t.Errorf("agent %s = %s, want failed after retries", a.AgentID, a.Status)
		}
	}
}

func TestTrackerMirrorsTaskState(t *testing.T) {
	dir := t.TempDir()
	tracker := NewTracker(dir)
	providers := agent.NewRegistry()
	_ = providers.Register(context.Background(), &echoProvider{})
	q := queue.New(context.Background(), queue.NewMemoryStore())
	defer q.Close()
	o := NewOrchestrator(Config{}, providers, agent.NewToolRegistry(), q, events.NewBus(), tracker, nil)

	id, err := o.LaunchPlan(context.Background(), FallbackPlan("tracked"), "sess-9", "tracked")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	waitForTerminal(t, o, id)

	rows := tracker.Load("sess-9")
	if len(rows) != 2 {
		t.Fatalf("tracked %d rows, want 2", len(rows))
	}
	for _, row := range rows {
		if row.Status != string(models.TaskCompleted) {
			t.Errorf("row %s status = %s", row.AgentID, row.Status)
		}
	}
}

func TestProgressEventsOnBus(t *testing.T) {
	providers := agent.NewRegistry()
	_ = providers.Register(context.Background(), &echoProvider{})
	bus := events.NewBus()
	sub := bus.Subscribe()
	defer sub.Close()
	q := queue.New(context.Background(), queue.NewMemoryStore())
	defer q.Close()
	o := NewOrchestrator(Config{}, providers, agent.NewToolRegistry(), q, bus, nil, nil)

	id, err := o.LaunchPlan(context.Background(), FallbackPlan("evented"), "", "evented")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	waitForTerminal(t, o, id)

	sawProgress := false
	for {
		select {
		case evt := <-sub.Events():
			if evt.Type == events.SwarmProgress {
				sawProgress = true
			}
			continue
		case <-time.After(200 * time.Millisecond):
		}
		break
	}
	if !sawProgress {
		t.Error("no swarm_progress events published")
	}
}
