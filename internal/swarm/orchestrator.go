package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/osa-agent/osa/internal/agent"
	"github.com/osa-agent/osa/internal/events"
	"github.com/osa-agent/osa/internal/queue"
	"github.com/osa-agent/osa/pkg/models"
)

// ErrTooManySwarms is returned when the concurrent swarm cap is hit.
var ErrTooManySwarms = errors.New("too many concurrent swarms")

// Swarm states reported in status.
const (
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateTimedOut  = "timed_out"
)

// Config bounds swarm execution.
type Config struct {
	MaxConcurrent      int
	MaxAgents          int
	Timeout            time.Duration
	LeaseFor           time.Duration
	SubAgentIterations int
	// RetainFor keeps terminal swarms queryable via Status before they
	// are evicted.
	RetainFor time.Duration
}

// DefaultConfig returns the documented limits.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:      10,
		MaxAgents:          10,
		Timeout:            5 * time.Minute,
		LeaseFor:           2 * time.Minute,
		SubAgentIterations: 8,
		RetainFor:          30 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.MaxAgents <= 0 {
		c.MaxAgents = def.MaxAgents
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.LeaseFor <= 0 {
		c.LeaseFor = def.LeaseFor
	}
	if c.SubAgentIterations <= 0 {
		c.SubAgentIterations = def.SubAgentIterations
	}
	if c.RetainFor <= 0 {
		c.RetainFor = def.RetainFor
	}
	return c
}

// AgentStatus is one sub-agent's progress inside a swarm.
type AgentStatus struct {
	AgentID   string `json:"agent_id"`
	Role      string `json:"role"`
	Task      string `json:"task"`
	Status    string `json:"status"`
	ToolCalls int    `json:"tool_calls"`
	Tokens    int    `json:"tokens"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Status is the externally visible state of one swarm.
type Status struct {
	SwarmID    string        `json:"swarm_id"`
	State      string        `json:"state"`
	Plan       models.Plan   `json:"plan"`
	Wave       int           `json:"wave"`
	TotalWaves int           `json:"total_waves"`
	Agents     []AgentStatus `json:"agents"`
	Completion float64       `json:"completion"`
	Result     string        `json:"result,omitempty"`
	Error      string        `json:"error,omitempty"`
}

type swarmRun struct {
	mu         sync.Mutex
	status     Status
	mailbox    *Mailbox
	cancel     context.CancelFunc
	finishedAt time.Time
}

// Orchestrator executes plans as waves of queue-backed sub-agents.
type Orchestrator struct {
	cfg       Config
	providers *agent.Registry
	tools     *agent.ToolRegistry
	queue     *queue.Queue
	bus       *events.Bus
	tracker   *Tracker
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	swarms map[string]*swarmRun
	active int
}

// NewOrchestrator wires the orchestrator to its shared components.
// tracker may be nil when no session mirroring is wanted.
func NewOrchestrator(cfg Config, providers *agent.Registry, tools *agent.ToolRegistry, q *queue.Queue, bus *events.Bus, tracker *Tracker, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		providers: providers,
		tools:     tools,
		queue:     q,
		bus:       bus,
		tracker:   tracker,
		logger:    logger.With("component", "swarm"),
		now:       time.Now,
		swarms:    make(map[string]*swarmRun),
	}
}

// Launch plans and starts a swarm for the task, returning its id
// immediately. sessionID may be empty.
func (o *Orchestrator) Launch(ctx context.Context, planner *Planner, sessionID, task string, maxAgents int) (string, error) {
	if maxAgents <= 0 || maxAgents > o.cfg.MaxAgents {
		maxAgents = o.cfg.MaxAgents
	}
	plan := planner.Decompose(ctx, task, maxAgents)
	return o.LaunchPlan(ctx, plan, sessionID, task)
}

// LaunchPlan starts a swarm for an already validated plan.
func (o *Orchestrator) LaunchPlan(ctx context.Context, plan models.Plan, sessionID, task string) (string, error) {
	if len(plan.Agents) > o.cfg.MaxAgents {
		return "", fmt.Errorf("plan has %d agents, cap is %d", len(plan.Agents), o.cfg.MaxAgents)
	}

	o.mu.Lock()
	o.evictExpiredLocked()
	if o.active >= o.cfg.MaxConcurrent {
		o.mu.Unlock()
		return "", ErrTooManySwarms
	}
	o.active++
	swarmID := "swarm-" + uuid.NewString()[:8]

	waves := Waves(plan)
	run := &swarmRun{
		mailbox: NewMailbox(),
		status: Status{
			SwarmID:    swarmID,
			State:      StateRunning,
			Plan:       plan,
			TotalWaves: len(waves),
		},
	}
	o.swarms[swarmID] = run
	o.mu.Unlock()

	runCtx, cancel := context.WithTimeout(context.Background(), o.cfg.Timeout)
	run.cancel = cancel
	go o.execute(runCtx, run, waves, sessionID, task)

	o.logger.Info("swarm launched", "swarm_id", swarmID, "pattern", plan.Pattern, "agents", len(plan.Agents), "waves", len(waves))
	return swarmID, nil
}

// Status reports a swarm by id. Terminal swarms stay queryable for the
// retention window and then disappear.
func (o *Orchestrator) Status(swarmID string) (Status, bool) {
	o.mu.Lock()
	o.evictExpiredLocked()
	run, ok := o.swarms[swarmID]
	o.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	st := run.status
	st.Agents = append([]AgentStatus(nil), run.status.Agents...)
	return st, true
}

// Cancel aborts a running swarm.
func (o *Orchestrator) Cancel(swarmID string) bool {
	o.mu.Lock()
	run, ok := o.swarms[swarmID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	run.cancel()
	return true
}

func (o *Orchestrator) execute(ctx context.Context, run *swarmRun, waves [][]models.PlanAgent, sessionID, task string) {
	defer run.cancel()
	defer func() {
		o.mu.Lock()
		o.active--
		o.mu.Unlock()
	}()

	swarmID := run.status.SwarmID
	totalAgents := 0
	for _, wave := range waves {
		totalAgents += len(wave)
	}

	var waveOutputs []Note
	doneAgents := 0

	for waveIdx, wave := range waves {
		if ctx.Err() != nil {
			o.finish(run, StateTimedOut, "", "swarm timeout")
			return
		}
		run.mu.Lock()
		run.status.Wave = waveIdx + 1
		run.mu.Unlock()
		o.progress(swarmID, sessionID, waveIdx+1, len(waves), float64(doneAgents)/float64(totalAgents))

		input := notesBlock(waveOutputs)
		results := make([]Note, len(wave))
		var wg sync.WaitGroup
		for i, planAgent := range wave {
			agentID := fmt.Sprintf("%s-w%d-%s-%d", swarmID, waveIdx+1, planAgent.Role, i)
			statusIdx := o.addAgent(run, agentID, planAgent)

			payload := map[string]any{"task": planAgent.Task, "role": string(planAgent.Role)}
			if input != "" {
				payload["input"] = input
			}
			queued, err := o.queue.EnqueueSync(ctx, "", agentID, payload, queue.Options{})
			if err != nil {
				o.setAgent(run, statusIdx, func(a *AgentStatus) {
					a.Status = string(models.TaskFailed)
					a.Error = err.Error()
				})
				continue
			}
			o.track(sessionID, swarmID, queued.TaskID, agentID, planAgent.Role, models.TaskPending)

			wg.Add(1)
			go func(i, statusIdx int, planAgent models.PlanAgent, agentID, taskID string) {
				defer wg.Done()
				results[i] = o.runWorker(ctx, run, statusIdx, sessionID, swarmID, agentID, taskID, planAgent, input)
			}(i, statusIdx, planAgent, agentID, queued.TaskID)
		}
		wg.Wait()

		for _, note := range results {
			if note.Content != "" {
				run.mailbox.Post(note)
				waveOutputs = append(waveOutputs, note)
			}
		}
		doneAgents += len(wave)
	}

	result, err := o.synthesize(ctx, run.status.Plan, task, run.mailbox.Notes())
	if err != nil {
		o.finish(run, StateFailed, "", err.Error())
		return
	}
	o.progress(swarmID, sessionID, len(waves), len(waves), 1)
	o.finish(run, StateCompleted, result, "")
}

// runWorker leases the agent's task, runs the sub-agent, and settles
// the lease. Failed attempts re-lease until the queue gives up.
func (o *Orchestrator) runWorker(ctx context.Context, run *swarmRun, statusIdx int, sessionID, swarmID, agentID, taskID string, planAgent models.PlanAgent, input string) Note {
	for {
		if ctx.Err() != nil {
			return Note{}
		}
		leased, err := o.queue.Lease(ctx, agentID, o.cfg.LeaseFor)
		if err != nil {
			// Empty means the task went terminal on a previous attempt.
			return Note{}
		}
		o.setAgent(run, statusIdx, func(a *AgentStatus) { a.Status = string(models.TaskLeased) })
		o.track(sessionID, swarmID, taskID, agentID, planAgent.Role, models.TaskLeased)

		output, toolCalls, tokens, runErr := o.runSubAgent(ctx, planAgent, input)
		o.setAgent(run, statusIdx, func(a *AgentStatus) {
			a.ToolCalls += toolCalls
			a.Tokens += tokens
		})

		if runErr != nil {
			if failErr := o.queue.Fail(ctx, leased.TaskID, runErr.Error()); failErr != nil {
				o.logger.Error("task fail mark failed", "task_id", leased.TaskID, "error", failErr)
			}
			current, _ := o.queue.Get(leased.TaskID)
			if current != nil && current.Status == models.TaskFailed {
				o.setAgent(run, statusIdx, func(a *AgentStatus) {
					a.Status = string(models.TaskFailed)
					a.Error = runErr.Error()
				})
				o.track(sessionID, swarmID, taskID, agentID, planAgent.Role, models.TaskFailed)
				return Note{}
			}
			continue // back to pending, retry
		}

		if err := o.queue.Complete(ctx, leased.TaskID, output); err != nil {
			o.logger.Error("task completion failed", "task_id", leased.TaskID, "error", err)
		}
		o.setAgent(run, statusIdx, func(a *AgentStatus) {
			a.Status = string(models.TaskCompleted)
			a.Output = output
		})
		o.track(sessionID, swarmID, taskID, agentID, planAgent.Role, models.TaskCompleted)
		return Note{From: agentID, Role: string(planAgent.Role), Content: output}
	}
}

// runSubAgent is the bounded tool loop for one swarm member.
func (o *Orchestrator) runSubAgent(ctx context.Context, planAgent models.PlanAgent, input string) (string, int, int, error) {
	content := planAgent.Task
	if input != "" {
		content += "\n\nContext from earlier agents:\n" + input
	}
	messages := []models.Message{{Role: models.RoleUser, Content: content}}
	toolCalls := 0
	tokens := 0

	var tools []agent.ToolSchema
	if o.tools != nil {
		tools = o.tools.ListToolsDirect()
	}

	for i := 0; i < o.cfg.SubAgentIterations; i++ {
		resp, err := o.providers.Chat(ctx, &agent.Request{
			System:    roleSystemPrompt(planAgent.Role),
			Messages:  messages,
			Tools:     tools,
			MaxTokens: 2048,
		})
		if err != nil {
			return "", toolCalls, tokens, err
		}
		tokens += resp.Usage.PromptTokens + resp.Usage.CompletionTokens

		if len(resp.ToolCalls) == 0 {
			return resp.Content, toolCalls, tokens, nil
		}

		messages = append(messages, models.Message{
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			toolCalls++
			result := o.tools.Dispatch(ctx, call)
			messages = append(messages, models.Message{
				Role:       models.RoleTool,
				Content:    result.Content,
				ToolCallID: call.ID,
			})
		}
	}
	return "", toolCalls, tokens, fmt.Errorf("sub-agent %s hit iteration cap", planAgent.Role)
}

func (o *Orchestrator) synthesize(ctx context.Context, plan models.Plan, task string, notes []Note) (string, error) {
	if len(notes) == 0 {
		return "", errors.New("no agent produced output")
	}
	switch plan.Synthesis {
	case models.SynthesisChain:
		return notes[len(notes)-1].Content, nil

	case models.SynthesisVote:
		prompt := fmt.Sprintf("Task: %s\n\nProposals:\n%s\nSelect the single best proposal. Return it verbatim followed by one short paragraph of justification.",
			task, notesBlock(notes))
		resp, err := o.providers.Chat(ctx, &agent.Request{
			System:    "You are an impartial judge selecting the best proposal.",
			Messages:  []models.Message{{Role: models.RoleUser, Content: prompt}},
			MaxTokens: 2048,
		})
		if err != nil {
			return "", fmt.Errorf("vote synthesis: %w", err)
		}
		return resp.Content, nil

	default: // merge
		prompt := fmt.Sprintf("Task: %s\n\nAgent outputs:\n%s\nMerge these into one coherent, complete answer.",
			task, notesBlock(notes))
		resp, err := o.providers.Chat(ctx, &agent.Request{
			System:    "You merge multiple specialist outputs into one answer.",
			Messages:  []models.Message{{Role: models.RoleUser, Content: prompt}},
			MaxTokens: 4096,
		})
		if err != nil {
			return "", fmt.Errorf("merge synthesis: %w", err)
		}
		return resp.Content, nil
	}
}

func (o *Orchestrator) addAgent(run *swarmRun, agentID string, planAgent models.PlanAgent) int {
	run.mu.Lock()
	defer run.mu.Unlock()
	run.status.Agents = append(run.status.Agents, AgentStatus{
		AgentID: agentID,
		Role:    string(planAgent.Role),
		Task:    planAgent.Task,
		Status:  string(models.TaskPending),
	})
	return len(run.status.Agents) - 1
}

func (o *Orchestrator) setAgent(run *swarmRun, idx int, fn func(*AgentStatus)) {
	run.mu.Lock()
	defer run.mu.Unlock()
	fn(&run.status.Agents[idx])
	done := 0
	for _, a := range run.status.Agents {
		if a.Status == string(models.TaskCompleted) || a.Status == string(models.TaskFailed) {
			done++
		}
	}
	if total := len(run.status.Plan.Agents); total > 0 {
		run.status.Completion = float64(done) / float64(total)
	}
}

func (o *Orchestrator) finish(run *swarmRun, state, result, errMsg string) {
	run.mu.Lock()
	run.status.State = state
	run.status.Result = result
	run.status.Error = errMsg
	if state == StateCompleted {
		run.status.Completion = 1
	}
	run.finishedAt = o.now()
	swarmID := run.status.SwarmID
	run.mu.Unlock()
	o.logger.Info("swarm finished", "swarm_id", swarmID, "state", state)
}

// evictExpiredLocked drops terminal runs past the retention window.
// Caller holds o.mu.
func (o *Orchestrator) evictExpiredLocked() {
	cutoff := o.now().Add(-o.cfg.RetainFor)
	for id, run := range o.swarms {
		run.mu.Lock()
		expired := !run.finishedAt.IsZero() && run.finishedAt.Before(cutoff)
		run.mu.Unlock()
		if expired {
			delete(o.swarms, id)
		}
	}
}

func (o *Orchestrator) progress(swarmID, sessionID string, wave, totalWaves int, completion float64) {
	if o.bus == nil {
		return
	}
	_ = o.bus.Publish(events.Event{
		Type:      events.SwarmProgress,
		SessionID: sessionID,
		Payload: map[string]any{
			"swarm_id": swarmID, "wave": wave, "total_waves": totalWaves, "completion": completion,
		},
	})
}

func (o *Orchestrator) track(sessionID, swarmID, taskID, agentID string, role models.AgentRole, status models.TaskStatus) {
	if o.tracker == nil {
		return
	}
	if err := o.tracker.Update(sessionID, TrackedTask{
		TaskID:  taskID,
		SwarmID: swarmID,
		AgentID: agentID,
		Role:    string(role),
		Status:  string(status),
	}); err != nil {
		o.logger.Warn("task tracker update failed", "error", err)
	}
}

func notesBlock(notes []Note) string {
	if len(notes) == 0 {
		return ""
	}
	var b strings.Builder
	for _, n := range notes {
		fmt.Fprintf(&b, "[%s] %s\n", n.Role, n.Content)
	}
	return b.String()
}
