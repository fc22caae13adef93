package swarm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/osa-agent/osa/internal/agent"
	"github.com/osa-agent/osa/pkg/models"
)

func TestExtractJSONVariants(t *testing.T) {
	want := `{"pattern":"parallel"}`
	cases := []string{
		`{"pattern":"parallel"}`,
		"```json\n{\"pattern\":\"parallel\"}\n```",
		"```\n{\"pattern\":\"parallel\"}\n```",
		`Here is the plan you asked for: {"pattern":"parallel"} hope it helps!`,
	}
	for _, in := range cases {
		if got := ExtractJSON(in); got != want {
			t.Errorf("ExtractJSON(%q) = %q, want %q", in, got, want)
		}
	}
	if got := ExtractJSON("no json here at all"); got != "" {
		t.Errorf("extracted %q from prose", got)
	}
}

func TestExtractJSONNestedAndStrings(t *testing.T) {
	in := `{"a": {"b": "has a } brace"}, "c": 1} trailing`
	want := `{"a": {"b": "has a } brace"}, "c": 1}`
	if got := ExtractJSON(in); got != want {
		t.Errorf("got %q", got)
	}
}

func TestParsePlanValid(t *testing.T) {
	raw := "```json\n" + `{
		"pattern": "pipeline",
		"agents": [
			{"role": "researcher", "task": "find prior art"},
			{"role": "writer", "task": "draft the report"}
		],
		"synthesis_strategy": "chain",
		"rationale": "research feeds writing"
	}` + "\n```"

	plan, err := ParsePlan(raw, 10)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if plan.Pattern != models.PatternPipeline || len(plan.Agents) != 2 {
		t.Errorf("plan = %+v", plan)
	}
}

func TestParsePlanDefaultsSynthesis(t *testing.T) {
	raw := `{"pattern": "debate", "agents": [{"role":"coder","task":"a"},{"role":"critic","task":"b"}]}`
	plan, err := ParsePlan(raw, 10)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if plan.Synthesis != models.SynthesisVote {
		t.Errorf("synthesis = %s, want vote default for debate", plan.Synthesis)
	}
}

func TestValidatePlanRejections(t *testing.T) {
	good := models.Plan{
		Pattern: models.PatternParallel,
		Agents: []models.PlanAgent{
			{Role: models.RoleResearcher, Task: "a"},
			{Role: models.RoleWriter, Task: "b"},
		},
	}

	bad := good
	bad.Pattern = "spiral"
	if err := ValidatePlan(bad, 10); err == nil || !strings.Contains(err.Error(), "parallel") {
		t.Errorf("invalid pattern error should list valid ones, got %v", err)
	}

	bad = good
	bad.Agents = bad.Agents[:1]
	if err := ValidatePlan(bad, 10); err == nil {
		t.Error("single agent accepted")
	}

	bad = good
	bad.Agents = append([]models.PlanAgent{}, good.Agents...)
	bad.Agents[0].Role = "wizard"
	if err := ValidatePlan(bad, 10); err == nil {
		t.Error("unknown role accepted")
	}

	if err := ValidatePlan(good, 1); err == nil {
		t.Error("agent count over max accepted")
	}
}

type plannerProvider struct{ reply string }

func (p *plannerProvider) Name() string         { return "planner-test" }
func (p *plannerProvider) DefaultModel() string { return "m" }

func (p *plannerProvider) Chat(ctx context.Context, req *agent.Request) (*agent.Response, error) {
	if p.reply == "" {
		return nil, errors.New("model unavailable")
	}
	return &agent.Response{Content: p.reply}, nil
}

func (p *plannerProvider) ChatStream(ctx context.Context, req *agent.Request) (<-chan *agent.Chunk, error) {
	ch := make(chan *agent.Chunk, 1)
	ch <- &agent.Chunk{Text: p.reply, Done: true}
	close(ch)
	return ch, nil
}

func registryWith(t *testing.T, p agent.Provider) *agent.Registry {
	t.Helper()
	r := agent.NewRegistry()
	if err := r.Register(context.Background(), p); err != nil {
		t.Fatalf("register: %v", err)
	}
	return r
}

func TestDecomposeNeverErrors(t *testing.T) {
	// LLM down: fallback plan.
	planner := NewPlanner(registryWith(t, &plannerProvider{}), nil)
	plan := planner.Decompose(context.Background(), "summarize the codebase", 5)
	if len(plan.Agents) != 2 || plan.Pattern != models.PatternParallel {
		t.Errorf("fallback plan = %+v", plan)
	}

	// Garbage output: fallback plan.
	planner = NewPlanner(registryWith(t, &plannerProvider{reply: "I cannot do that"}), nil)
	plan = planner.Decompose(context.Background(), "anything", 5)
	if plan.Rationale != "fallback plan" {
		t.Errorf("expected fallback, got %+v", plan)
	}

	// Valid output passes through.
	planner = NewPlanner(registryWith(t, &plannerProvider{
		reply: `{"pattern":"review","agents":[{"role":"coder","task":"write"},{"role":"reviewer","task":"review"}],"synthesis_strategy":"chain"}`,
	}), nil)
	plan = planner.Decompose(context.Background(), "build a widget", 5)
	if plan.Pattern != models.PatternReview {
		t.Errorf("plan = %+v", plan)
	}
}

func TestWaves(t *testing.T) {
	parallel := models.Plan{Pattern: models.PatternParallel, Agents: []models.PlanAgent{
		{Role: models.RoleResearcher, Task: "a"}, {Role: models.RoleWriter, Task: "b"},
	}}
	if waves := Waves(parallel); len(waves) != 1 || len(waves[0]) != 2 {
		t.Errorf("parallel waves = %v", waves)
	}

	pipeline := models.Plan{Pattern: models.PatternPipeline, Agents: parallel.Agents}
	if waves := Waves(pipeline); len(waves) != 2 || len(waves[0]) != 1 {
		t.Errorf("pipeline waves = %v", waves)
	}

	debate := models.Plan{Pattern: models.PatternDebate, Agents: []models.PlanAgent{
		{Role: models.RoleCoder, Task: "proposal a"},
		{Role: models.RoleCoder, Task: "proposal b"},
		{Role: models.RoleCritic, Task: "judge"},
	}}
	waves := Waves(debate)
	if len(waves) != 2 || len(waves[0]) != 2 || len(waves[1]) != 1 {
		t.Fatalf("debate waves = %v", waves)
	}
	if waves[1][0].Role != models.RoleCritic {
		t.Error("critic not in final wave")
	}

	// Debate without an explicit critic synthesizes one.
	noCritic := models.Plan{Pattern: models.PatternDebate, Agents: parallel.Agents}
	waves = Waves(noCritic)
	if len(waves) != 2 || waves[1][0].Role != models.RoleCritic {
		t.Errorf("implicit critic waves = %v", waves)
	}
}
