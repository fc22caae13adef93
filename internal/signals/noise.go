package signals

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode"
)

// Noise reasons surfaced to callers and logs.
const (
	ReasonEmpty     = "empty"
	ReasonTooShort  = "too_short"
	ReasonAck       = "acknowledgement"
	ReasonEmojiOnly = "emoji_only"
	ReasonSingle    = "single_word"
	ReasonDuplicate = "duplicate"
)

// Result is the filter verdict. Noise results may carry a canned reply
// emitted without any LLM call.
type Result struct {
	IsNoise     bool
	Reason      string
	Weight      float64
	CannedReply string
}

// Tier2Func is the optional LLM-assisted weight refiner invoked for
// borderline pre-weights. It must be idempotent for a given text.
type Tier2Func func(ctx context.Context, text string) (float64, error)

// FilterConfig tunes the two-tier gate.
type FilterConfig struct {
	// BandLow/BandHigh bound the pre-weight band that invokes tier 2.
	BandLow  float64
	BandHigh float64
	// DuplicateWindow suppresses repeats of the previous message per
	// session inside this window.
	DuplicateWindow time.Duration
	// Tier2Timeout bounds one tier-2 call.
	Tier2Timeout time.Duration
}

// DefaultFilterConfig returns the production defaults.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		BandLow:         0.3,
		BandHigh:        0.6,
		DuplicateWindow: 30 * time.Second,
		Tier2Timeout:    2 * time.Second,
	}
}

// Filter is the two-tier noise gate run before the agent loop.
type Filter struct {
	cfg    FilterConfig
	tier2  Tier2Func
	dedupe *ttlCache
	cache  *ttlCache
	logger *slog.Logger
	now    func() time.Time
}

// FilterOption configures the filter.
type FilterOption func(*Filter)

// WithTier2 installs the LLM-assisted tier.
func WithTier2(fn Tier2Func) FilterOption {
	return func(f *Filter) { f.tier2 = fn }
}

// WithFilterLogger sets the logger.
func WithFilterLogger(logger *slog.Logger) FilterOption {
	return func(f *Filter) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewFilter creates a noise filter.
func NewFilter(cfg FilterConfig, opts ...FilterOption) *Filter {
	def := DefaultFilterConfig()
	if cfg.BandLow <= 0 {
		cfg.BandLow = def.BandLow
	}
	if cfg.BandHigh <= 0 {
		cfg.BandHigh = def.BandHigh
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = def.DuplicateWindow
	}
	if cfg.Tier2Timeout <= 0 {
		cfg.Tier2Timeout = def.Tier2Timeout
	}
	f := &Filter{
		cfg:    cfg,
		dedupe: newTTLCache(4096, cfg.DuplicateWindow),
		cache:  newTTLCache(4096, 5*time.Minute),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

var cannedReplies = map[string]string{
	"ok":        "👍",
	"okay":      "👍",
	"thanks":    "You're welcome!",
	"thank you": "You're welcome!",
	"ty":        "You're welcome!",
	"got it":    "👍",
	"cool":      "👍",
	"nice":      "👍",
	"great":     "👍",
}

var ackPatterns = []string{"ok", "okay", "k", "kk", "yes", "no", "yep", "nope", "sure", "thanks", "thank you", "ty", "got it", "cool", "nice", "great", "lol", "haha"}

// Check runs the gate. Tier 1 is deterministic; tier 2 runs only for
// pre-weights inside the configured band and only when installed.
func (f *Filter) Check(ctx context.Context, sessionID, text string) Result {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)

	// Tier 1: explicit short-circuit cases.
	if trimmed == "" {
		return Result{IsNoise: true, Reason: ReasonEmpty}
	}
	if isAck(lower) {
		return Result{IsNoise: true, Reason: ReasonAck, CannedReply: cannedReplies[lower]}
	}
	if len([]rune(trimmed)) < 3 {
		return Result{IsNoise: true, Reason: ReasonTooShort}
	}
	if emojiOnly(trimmed) {
		return Result{IsNoise: true, Reason: ReasonEmojiOnly}
	}
	if !strings.ContainsAny(trimmed, " \t\n") && len([]rune(trimmed)) < 12 && !strings.ContainsAny(trimmed, "?!") {
		return Result{IsNoise: true, Reason: ReasonSingle}
	}
	if f.dedupe.seen(sessionID+"\x00"+hashKey(trimmed), f.now()) {
		return Result{IsNoise: true, Reason: ReasonDuplicate}
	}

	weight := preWeight(lower, trimmed)

	// Tier 2: LLM-assisted refinement for borderline weights, cached on
	// the normalized text hash.
	if f.tier2 != nil && weight >= f.cfg.BandLow && weight <= f.cfg.BandHigh {
		key := hashKey(trimmed)
		if cached, ok := f.cache.get(key, f.now()); ok {
			weight = cached
		} else {
			tctx, cancel := context.WithTimeout(ctx, f.cfg.Tier2Timeout)
			refined, err := f.tier2(tctx, trimmed)
			cancel()
			if err != nil {
				f.logger.Debug("tier-2 noise check failed, keeping pre-weight", "error", err)
			} else {
				weight = clamp01(refined)
				f.cache.put(key, weight, f.now())
			}
		}
	}

	return Result{Weight: clamp01(weight)}
}

// preWeight scores a message from cheap lexical features.
func preWeight(lower, trimmed string) float64 {
	w := 0.4
	for _, kw := range urgencyKeywords {
		if strings.Contains(lower, kw) {
			w += 0.2
			break
		}
	}
	if strings.Contains(trimmed, "?") {
		w += 0.15
	}
	if containsAnyWord(lower, commandVerbs) {
		w += 0.1
	}
	if containsAnyWord(lower, issueVocabulary) {
		w += 0.15
	}
	bonus := float64(len(trimmed)) / 500
	if bonus > 0.2 {
		bonus = 0.2
	}
	w += bonus
	return clamp01(w)
}

func isAck(lower string) bool {
	for _, p := range ackPatterns {
		if lower == p {
			return true
		}
	}
	return false
}

func emojiOnly(s string) bool {
	sawEmoji := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		if unicode.Is(unicode.So, r) || r >= 0x1F000 {
			sawEmoji = true
			continue
		}
		return false
	}
	return sawEmoji
}
