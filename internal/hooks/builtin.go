package hooks

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Built-in chain positions. Security runs before budget so a dangerous
// call never counts against spend.
const (
	PrioritySecurity = 10
	PriorityBudget   = 20
)

// dangerousPatterns match shell fragments that are never allowed
// through tool arguments.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+-[a-z]*r[a-z]*f[a-z]*\s+/(\s|$|[^a-zA-Z0-9_.])`),
	regexp.MustCompile(`rm\s+-[a-z]*r[a-z]*f[a-z]*\s+/$`),
	regexp.MustCompile(`sudo\s+rm`),
	regexp.MustCompile(`(?i)drop\s+table`),
	regexp.MustCompile(`:\(\)\s*\{.*:\|:`),
	regexp.MustCompile(`curl[^|]*\|\s*(ba)?sh`),
	regexp.MustCompile(`wget[^|]*\|\s*(ba)?sh`),
	regexp.MustCompile(`chmod\s+(-[a-zA-Z]+\s+)?777`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]`),
	regexp.MustCompile(`mkfs\.`),
}

// SecurityCheck blocks tool calls whose arguments contain known
// destructive shell fragments. Register at EventPreToolUse.
func SecurityCheck() Hook {
	return func(ctx context.Context, in *Input) Decision {
		haystack := strings.ToLower(in.ToolArgs)
		for _, pat := range dangerousPatterns {
			if pat.MatchString(haystack) {
				return Block(fmt.Sprintf("blocked dangerous pattern in %s arguments: %s", in.ToolName, pat.String()))
			}
		}
		return Continue()
	}
}

// BudgetConfig caps estimated spend. Zero values disable a cap.
type BudgetConfig struct {
	DailyUSD   float64
	MonthlyUSD float64
	PerCallUSD float64
}

// BudgetTracker accumulates per-call cost estimates and blocks when a
// cap would be exceeded. Register at EventPreToolUse; record actual
// spend with RecordCost after each provider call.
type BudgetTracker struct {
	cfg BudgetConfig
	now func() time.Time

	mu         sync.Mutex
	dailySpend float64
	dailyDate  string
	monthSpend float64
	monthDate  string
}

// NewBudgetTracker creates a tracker with the given caps.
func NewBudgetTracker(cfg BudgetConfig) *BudgetTracker {
	return &BudgetTracker{cfg: cfg, now: time.Now}
}

// RecordCost adds actual spend in USD to the rolling windows.
func (b *BudgetTracker) RecordCost(usd float64) {
	if usd <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roll()
	b.dailySpend += usd
	b.monthSpend += usd
}

// Spend reports current daily and monthly totals.
func (b *BudgetTracker) Spend() (daily, monthly float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roll()
	return b.dailySpend, b.monthSpend
}

// roll resets windows when the day or month changes. Caller holds mu.
func (b *BudgetTracker) roll() {
	now := b.now()
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")
	if day != b.dailyDate {
		b.dailyDate = day
		b.dailySpend = 0
	}
	if month != b.monthDate {
		b.monthDate = month
		b.monthSpend = 0
	}
}

// Hook returns the pre-tool-use budget gate. estimate gives the
// projected cost of the pending call in USD; nil means 0.
func (b *BudgetTracker) Hook(estimate func(in *Input) float64) Hook {
	return func(ctx context.Context, in *Input) Decision {
		var pending float64
		if estimate != nil {
			pending = estimate(in)
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		b.roll()
		if b.cfg.PerCallUSD > 0 && pending > b.cfg.PerCallUSD {
			return Block(fmt.Sprintf("per-call budget exceeded: $%.4f > $%.4f", pending, b.cfg.PerCallUSD))
		}
		if b.cfg.DailyUSD > 0 && b.dailySpend+pending > b.cfg.DailyUSD {
			return Block(fmt.Sprintf("daily budget exceeded: $%.2f of $%.2f spent", b.dailySpend, b.cfg.DailyUSD))
		}
		if b.cfg.MonthlyUSD > 0 && b.monthSpend+pending > b.cfg.MonthlyUSD {
			return Block(fmt.Sprintf("monthly budget exceeded: $%.2f of $%.2f spent", b.monthSpend, b.cfg.MonthlyUSD))
		}
		return Continue()
	}
}

// RegisterBuiltins wires the required built-in hooks into a pipeline.
func RegisterBuiltins(p *Pipeline, budget *BudgetTracker, estimate func(in *Input) float64) {
	p.Register(EventPreToolUse, "security_check", PrioritySecurity, SecurityCheck())
	if budget != nil {
		p.Register(EventPreToolUse, "budget_tracker", PriorityBudget, budget.Hook(estimate))
	}
}
