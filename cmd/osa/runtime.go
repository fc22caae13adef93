package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/osa-agent/osa/internal/agent"
	"github.com/osa-agent/osa/internal/assembler"
	"github.com/osa-agent/osa/internal/compactor"
	"github.com/osa-agent/osa/internal/config"
	"github.com/osa-agent/osa/internal/events"
	"github.com/osa-agent/osa/internal/gateway"
	"github.com/osa-agent/osa/internal/hooks"
	"github.com/osa-agent/osa/internal/memory"
	"github.com/osa-agent/osa/internal/queue"
	"github.com/osa-agent/osa/internal/scheduler"
	"github.com/osa-agent/osa/internal/sessions"
	"github.com/osa-agent/osa/internal/signals"
	"github.com/osa-agent/osa/internal/swarm"
	"github.com/osa-agent/osa/internal/tokens"
	"github.com/osa-agent/osa/internal/tools"
	"github.com/osa-agent/osa/pkg/models"
)

// version is stamped by the release build.
var version = "dev"

// runtime holds the wired core components for one process.
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	bus       *events.Bus
	estimator tokens.Estimator
	history   *memory.SessionLog
	longterm  *memory.Store
	filter    *signals.Filter
	providers *agent.Registry
	toolReg   *agent.ToolRegistry
	pipeline  *hooks.Pipeline
	budget    *hooks.BudgetTracker
	sessions  *sessions.Registry
	queue     *queue.Queue
	planner   *swarm.Planner
	orch      *swarm.Orchestrator
	sched     *scheduler.Scheduler
	sidecar   *tokens.Sidecar
}

// buildRuntime wires every core component from configuration. It fails
// with agent.ErrNoProviders when no configured provider passes its
// reachability probe.
func buildRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
		return nil, fmt.Errorf("create home directory: %w", err)
	}

	rt := &runtime{cfg: cfg, logger: logger}
	rt.bus = events.NewBus(events.WithLogger(logger))
	rt.estimator = buildEstimator(rt, cfg, logger)

	rt.history = memory.NewSessionLog(cfg.SessionsDir())
	longterm, err := memory.OpenStore(cfg.Home, memory.WithStoreEstimator(rt.estimator))
	if err != nil {
		return nil, fmt.Errorf("open long-term memory: %w", err)
	}
	rt.longterm = longterm

	rt.providers = agent.NewRegistry(agent.WithRegistryLogger(logger))
	if err := registerProviders(ctx, rt.providers, cfg, logger); err != nil {
		return nil, err
	}

	filterCfg := signals.DefaultFilterConfig()
	filterCfg.BandLow = cfg.NoiseBandLow
	filterCfg.BandHigh = cfg.NoiseBandHigh
	rt.filter = signals.NewFilter(filterCfg,
		signals.WithFilterLogger(logger),
		signals.WithTier2(tier2Gate(rt.providers)),
	)

	rt.pipeline = hooks.NewPipeline(hooks.WithLogger(logger))
	rt.budget = hooks.NewBudgetTracker(hooks.BudgetConfig{
		DailyUSD:   cfg.DailyBudgetUSD,
		MonthlyUSD: cfg.MonthlyBudgetUSD,
		PerCallUSD: cfg.PerCallBudgetUSD,
	})
	hooks.RegisterBuiltins(rt.pipeline, rt.budget, nil)

	rt.toolReg = agent.NewToolRegistry()
	workspace, err := os.Getwd()
	if err != nil {
		workspace = cfg.Home
	}
	if err := tools.RegisterBuiltins(rt.toolReg, tools.Options{
		Root:         workspace,
		Memory:       rt.longterm,
		ShellEnabled: cfg.SandboxEnabled,
	}); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}

	asm := assembler.New(cfg.Home, assembler.WithEstimator(rt.estimator))
	compCfg := compactor.DefaultConfig()
	compCfg.MaxTokens = cfg.MaxTokens
	comp := compactor.New(compCfg, compactor.WithEstimator(rt.estimator))

	loopCfg := agent.DefaultLoopConfig()
	loopCfg.MaxIterations = cfg.MaxIterations
	loopCfg.MaxConsecutiveFailures = cfg.MaxConsecutiveFailures
	loopCfg.MaxContextTokens = cfg.MaxTokens

	rt.sessions = sessions.NewRegistry(func(sessionID string, channel models.ChannelType) *agent.Loop {
		return agent.NewLoop(sessionID, channel, loopCfg, agent.Deps{
			Providers: rt.providers,
			Tools:     rt.toolReg,
			Hooks:     rt.pipeline,
			Bus:       rt.bus,
			History:   rt.history,
			LongTerm:  rt.longterm,
			Assembler: asm,
			Compactor: comp,
			Filter:    rt.filter,
			Logger:    logger,
		})
	}, logger)

	store, err := buildTaskStore(cfg)
	if err != nil {
		logger.Warn("task store unavailable, queue degrades to memory", "error", err)
		store = nil
	}
	rt.queue = queue.New(ctx, store, queue.WithBus(rt.bus), queue.WithLogger(logger))

	tracker := swarm.NewTracker(cfg.SessionsDir())
	rt.planner = swarm.NewPlanner(rt.providers, logger)
	rt.orch = swarm.NewOrchestrator(swarm.DefaultConfig(), rt.providers, rt.toolReg, rt.queue, rt.bus, tracker, logger)

	rt.sched = scheduler.New(cfg.Home, scheduler.AgentRunnerFunc(func(ctx context.Context, message string) (string, error) {
		result, err := rt.sessions.Process(ctx, "scheduler", "", models.ChannelSystem, message)
		if err != nil {
			return "", err
		}
		return result.Output, nil
	}), logger)

	return rt, nil
}

func (rt *runtime) close() {
	if rt.sched != nil {
		rt.sched.Stop()
	}
	if rt.queue != nil {
		_ = rt.queue.Close()
	}
	if rt.sidecar != nil {
		rt.sidecar.Close()
	}
}

// buildEstimator picks the token counting strategy: BPE when an
// encoding is configured, the stdio sidecar when one is given, and the
// word heuristic otherwise. Sidecar and BPE both fall back to the
// heuristic internally.
func buildEstimator(rt *runtime, cfg *config.Config, logger *slog.Logger) tokens.Estimator {
	if cfg.TiktokenEncoding != "" {
		return tokens.NewBPE(cfg.TiktokenEncoding)
	}
	if len(cfg.TokenSidecar) > 0 {
		rt.sidecar = tokens.NewSidecar(cfg.TokenSidecar, tokens.WithSidecarLogger(logger))
		return rt.sidecar
	}
	return tokens.Heuristic{}
}

// registerProviders builds the fallback chain in configuration order:
// the default provider first, then the rest. Registration probes
// reachability, so unreachable providers drop out here.
func registerProviders(ctx context.Context, reg *agent.Registry, cfg *config.Config, logger *slog.Logger) error {
	order := []string{"anthropic", "openai", "local"}
	if cfg.DefaultProvider != "" {
		reordered := []string{cfg.DefaultProvider}
		for _, name := range order {
			if name != cfg.DefaultProvider {
				reordered = append(reordered, name)
			}
		}
		order = reordered
	}

	registered := 0
	for _, name := range order {
		pc, ok := cfg.Providers[name]
		provider := buildProvider(name, pc, ok, cfg)
		if provider == nil {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := reg.Register(probeCtx, provider)
		cancel()
		if err != nil {
			logger.Warn("provider failed reachability probe, skipping",
				"provider", name, "error", err)
			continue
		}
		registered++
	}
	if registered == 0 {
		return agent.ErrNoProviders
	}
	return nil
}

func buildProvider(name string, pc config.ProviderConfig, configured bool, cfg *config.Config) agent.Provider {
	model := cfg.ResolveModel(name)
	switch name {
	case "anthropic":
		if pc.APIKey == "" {
			return nil
		}
		return agent.NewAnthropicProvider(pc.APIKey, model)
	case "openai":
		if pc.APIKey == "" {
			return nil
		}
		if pc.BaseURL != "" {
			return agent.NewCompatibleProvider(name, pc.BaseURL, pc.APIKey, model)
		}
		return agent.NewOpenAIProvider(pc.APIKey, model)
	case "local":
		if !configured || pc.BaseURL == "" {
			return nil
		}
		gate := agent.GatePredicate(nil)
		if pc.Gated {
			gate = agent.DefaultGate
		}
		return agent.NewLocalProvider(name, pc.BaseURL, model, gate)
	default:
		return nil
	}
}

// tier2Gate is the borderline-weight noise refiner: one tiny LLM call
// that rates message importance on [0, 1].
func tier2Gate(providers *agent.Registry) signals.Tier2Func {
	return func(ctx context.Context, text string) (float64, error) {
		resp, err := providers.Chat(ctx, &agent.Request{
			System: "Rate how much the following message needs an assistant's attention. Reply with only a number between 0.0 and 1.0.",
			Messages: []models.Message{
				{Role: models.RoleUser, Content: text},
			},
			MaxTokens: 8,
		})
		if err != nil {
			return 0, err
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(resp.Content), 64)
		if err != nil {
			return 0, fmt.Errorf("tier-2 reply %q is not a number", resp.Content)
		}
		return value, nil
	}
}

func buildTaskStore(cfg *config.Config) (queue.Store, error) {
	switch cfg.TaskStore.Driver {
	case "", "sqlite":
		store, err := queue.NewSQLiteStore(cfg.SQLitePath())
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres":
		store, err := queue.NewPostgresStore(cfg.TaskStore.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "memory":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown task store driver %q", cfg.TaskStore.Driver)
	}
}

// newGateway builds the HTTP surface over a wired runtime.
func newGateway(rt *runtime) *gateway.Server {
	return gateway.New(gateway.Config{
		Port:        rt.cfg.HTTPPort,
		Version:     version,
		RequireAuth: rt.cfg.RequireAuth,
		AuthSecret:  rt.cfg.AuthSecret,
	}, gateway.Deps{
		Sessions:     rt.sessions,
		History:      rt.history,
		Filter:       rt.filter,
		Bus:          rt.bus,
		Providers:    rt.providers,
		Planner:      rt.planner,
		Orchestrator: rt.orch,
		Triggers:     rt.sched.Triggers,
		Logger:       rt.logger,
	})
}
