// Package compactor implements three-zone progressive context
// compression: a verbatim HOT tail, a summarized WARM middle, and a COLD
// digest of everything older.
package compactor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/osa-agent/osa/internal/tokens"
	"github.com/osa-agent/osa/pkg/models"
)

// Config controls thresholds and zone sizes. Percentages are of the
// model window (MaxTokens).
type Config struct {
	// MaxTokens is the model context window driving usage percentage.
	MaxTokens int

	// WarnPercent triggers compaction down to roughly 70% usage.
	WarnPercent int
	// AggressivePercent triggers compaction down to roughly 60%.
	AggressivePercent int
	// EmergencyPercent triggers compaction down to roughly 50% and may
	// drop older tool results.
	EmergencyPercent int

	// HotSize is the number of newest messages kept verbatim.
	HotSize int
	// WarmSize is the number of messages summarized per role after HOT.
	WarmSize int
	// WarmSummaryTokens bounds each per-role WARM summary block.
	WarmSummaryTokens int
	// ColdDigestTokens bounds the key-facts digest of the COLD zone.
	ColdDigestTokens int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxTokens:         128000,
		WarnPercent:       80,
		AggressivePercent: 85,
		EmergencyPercent:  95,
		HotSize:           10,
		WarmSize:          20,
		WarmSummaryTokens: 400,
		ColdDigestTokens:  512,
	}
}

// Compactor compresses ordered message histories within a token budget.
type Compactor struct {
	cfg Config
	est tokens.Estimator

	// signalWeight optionally maps a message to its parent signal weight
	// for importance boosting. Nil means no signal boost.
	signalWeight func(models.Message) float64
}

// Option configures the compactor.
type Option func(*Compactor)

// WithEstimator sets the token estimator. Defaults to the heuristic.
func WithEstimator(est tokens.Estimator) Option {
	return func(c *Compactor) {
		if est != nil {
			c.est = est
		}
	}
}

// WithSignalWeight supplies the parent-signal weight lookup used for
// importance boosting.
func WithSignalWeight(fn func(models.Message) float64) Option {
	return func(c *Compactor) { c.signalWeight = fn }
}

// New creates a compactor. Zero config fields fall back to defaults.
func New(cfg Config, opts ...Option) *Compactor {
	def := DefaultConfig()
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.WarnPercent <= 0 {
		cfg.WarnPercent = def.WarnPercent
	}
	if cfg.AggressivePercent <= 0 {
		cfg.AggressivePercent = def.AggressivePercent
	}
	if cfg.EmergencyPercent <= 0 {
		cfg.EmergencyPercent = def.EmergencyPercent
	}
	if cfg.HotSize <= 0 {
		cfg.HotSize = def.HotSize
	}
	if cfg.WarmSize <= 0 {
		cfg.WarmSize = def.WarmSize
	}
	if cfg.WarmSummaryTokens <= 0 {
		cfg.WarmSummaryTokens = def.WarmSummaryTokens
	}
	if cfg.ColdDigestTokens <= 0 {
		cfg.ColdDigestTokens = def.ColdDigestTokens
	}
	c := &Compactor{cfg: cfg, est: tokens.Heuristic{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Usage returns estimated context usage as a percentage of MaxTokens.
func (c *Compactor) Usage(messages []models.Message) float64 {
	if len(messages) == 0 {
		return 0
	}
	return float64(c.estimateAll(messages)) / float64(c.cfg.MaxTokens) * 100
}

// Compact compresses the history when usage crosses a threshold. Below
// the warn threshold the input is returned unchanged. The function is
// total: nil in, nil out; it never panics on malformed input.
func (c *Compactor) Compact(messages []models.Message) []models.Message {
	if messages == nil {
		return nil
	}
	if len(messages) == 0 {
		return messages
	}

	usage := c.Usage(messages)
	var targetPercent float64
	emergency := false
	switch {
	case usage >= float64(c.cfg.EmergencyPercent):
		targetPercent, emergency = 50, true
	case usage >= float64(c.cfg.AggressivePercent):
		targetPercent = 60
	case usage >= float64(c.cfg.WarnPercent):
		targetPercent = 70
	default:
		return messages
	}
	targetTokens := int(float64(c.cfg.MaxTokens) * targetPercent / 100)

	// Work on a copy: the caller's slice stays intact.
	work := make([]models.Message, len(messages))
	copy(work, messages)

	work = stripToolArguments(work, c.cfg.HotSize)
	work = mergeConsecutive(work, c.cfg.HotSize)

	hot, warm, cold := c.zones(work)
	warmBlock := c.summarizeWarm(warm, emergency)
	coldBlock := c.digestCold(cold)

	out := make([]models.Message, 0, len(hot)+2)
	if coldBlock != nil {
		out = append(out, *coldBlock)
	}
	if warmBlock != nil {
		out = append(out, *warmBlock)
	}
	out = append(out, hot...)

	// Emergency truncation: halve the synthetic blocks until we fit or
	// nothing older than HOT remains.
	for c.estimateAll(out) > targetTokens {
		if len(out) > 0 && out[0].Role == models.RoleSystem {
			trimmed := truncateText(out[0].Content, len(out[0].Content)/2)
			if trimmed == out[0].Content {
				out = out[1:]
				continue
			}
			out[0].Content = trimmed
			continue
		}
		break
	}
	return out
}

// zones splits the (already merged) history into hot/warm/cold.
func (c *Compactor) zones(messages []models.Message) (hot, warm, cold []models.Message) {
	n := len(messages)
	hotStart := n - c.cfg.HotSize
	if hotStart < 0 {
		hotStart = 0
	}
	warmStart := hotStart - c.cfg.WarmSize
	if warmStart < 0 {
		warmStart = 0
	}
	return messages[hotStart:], messages[warmStart:hotStart], messages[:warmStart]
}

// summarizeWarm reduces the WARM zone to a per-role summary block.
// Emergency mode drops tool results from the summary entirely.
func (c *Compactor) summarizeWarm(warm []models.Message, emergency bool) *models.Message {
	if len(warm) == 0 {
		return nil
	}
	byRole := map[models.Role][]string{}
	order := []models.Role{}
	for _, m := range warm {
		if emergency && m.Role == models.RoleTool {
			continue
		}
		line := firstLine(m.Content)
		if line == "" && len(m.ToolCalls) > 0 {
			names := make([]string, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				names = append(names, tc.Name)
			}
			line = "called " + strings.Join(names, ", ")
		}
		if line == "" {
			continue
		}
		if _, seen := byRole[m.Role]; !seen {
			order = append(order, m.Role)
		}
		byRole[m.Role] = append(byRole[m.Role], line)
	}
	if len(order) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("[Earlier conversation, summarized]\n")
	for _, role := range order {
		block := strings.Join(byRole[role], "; ")
		b.WriteString(fmt.Sprintf("%s: %s\n", role, c.clampTokens(block, c.cfg.WarmSummaryTokens)))
	}
	return &models.Message{Role: models.RoleSystem, Content: b.String()}
}

// digestCold collapses everything older than WARM into a key-facts block.
func (c *Compactor) digestCold(cold []models.Message) *models.Message {
	if len(cold) == 0 {
		return nil
	}
	type scored struct {
		line  string
		score float64
	}
	facts := make([]scored, 0, len(cold))
	for _, m := range cold {
		line := firstLine(m.Content)
		if line == "" {
			continue
		}
		facts = append(facts, scored{line: string(m.Role) + ": " + line, score: c.importance(m)})
	}
	if len(facts) == 0 {
		return nil
	}

	// Keep higher-importance facts first when the budget forces cuts,
	// but preserve chronological order in the rendered digest.
	budget := c.cfg.ColdDigestTokens
	kept := make([]string, 0, len(facts))
	used := 0
	for _, f := range facts {
		cost := int(float64(c.est.Estimate(f.line)) / f.score)
		if used+cost > budget {
			continue
		}
		used += cost
		kept = append(kept, f.line)
	}
	if len(kept) == 0 {
		kept = append(kept, truncateText(facts[0].line, 200))
	}
	return &models.Message{
		Role:    models.RoleSystem,
		Content: "[Key facts from earlier in this session]\n" + strings.Join(kept, "\n"),
	}
}

// importance biases retention: tool calls +50%, tool results +30%,
// high-weight signals +30%, acknowledgements -50%.
func (c *Compactor) importance(m models.Message) float64 {
	score := 1.0
	if len(m.ToolCalls) > 0 {
		score *= 1.5
	}
	if m.Role == models.RoleTool {
		score *= 1.3
	}
	if c.signalWeight != nil && c.signalWeight(m) > 0.8 {
		score *= 1.3
	}
	if isAcknowledgement(m.Content) {
		score *= 0.5
	}
	return score
}

func (c *Compactor) estimateAll(messages []models.Message) int {
	contents := make([]string, 0, len(messages))
	for _, m := range messages {
		content := m.Content
		for _, tc := range m.ToolCalls {
			content += tc.Name + string(tc.Arguments)
		}
		contents = append(contents, content)
	}
	return tokens.EstimateMessages(c.est, contents)
}

func (c *Compactor) clampTokens(text string, budget int) string {
	for c.est.Estimate(text) > budget && len(text) > 16 {
		text = truncateText(text, len(text)*3/4)
	}
	return text
}

// stripToolArguments replaces verbose tool-call arguments outside the HOT
// zone with a short content-hash identifier.
func stripToolArguments(messages []models.Message, hotSize int) []models.Message {
	cut := len(messages) - hotSize
	for i := 0; i < cut; i++ {
		cloned := false
		for j, tc := range messages[i].ToolCalls {
			if len(tc.Arguments) <= 64 {
				continue
			}
			// Copying the message struct still shares the ToolCalls
			// backing array with the caller; clone before rewriting.
			if !cloned {
				messages[i].ToolCalls = append([]models.ToolCall(nil), messages[i].ToolCalls...)
				cloned = true
			}
			sum := sha256.Sum256(tc.Arguments)
			ref, _ := json.Marshal(map[string]string{"args_ref": hex.EncodeToString(sum[:4])})
			messages[i].ToolCalls[j].Arguments = ref
		}
	}
	return messages
}

// mergeConsecutive joins adjacent same-role plain messages outside HOT.
// Tool messages and messages carrying tool calls are never merged: their
// call ids must survive verbatim.
func mergeConsecutive(messages []models.Message, hotSize int) []models.Message {
	cut := len(messages) - hotSize
	if cut <= 1 {
		return messages
	}
	merged := make([]models.Message, 0, len(messages))
	for _, m := range messages[:cut] {
		mergeable := m.Role != models.RoleTool && len(m.ToolCalls) == 0
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if mergeable && last.Role == m.Role && len(last.ToolCalls) == 0 && last.Role != models.RoleTool {
				last.Content = last.Content + "\n" + m.Content
				continue
			}
		}
		merged = append(merged, m)
	}
	return append(merged, messages[cut:]...)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return truncateText(s, 240)
}

func truncateText(s string, max int) string {
	if max < 0 {
		max = 0
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}

var ackWords = map[string]bool{
	"ok": true, "okay": true, "thanks": true, "thank you": true, "got it": true,
	"sure": true, "yes": true, "no": true, "cool": true, "nice": true, "👍": true,
}

func isAcknowledgement(s string) bool {
	return ackWords[strings.ToLower(strings.TrimSpace(s))]
}
