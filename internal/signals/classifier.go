// Package signals implements the inbound message gate: a deterministic
// noise filter and the 5-tuple signal classifier.
package signals

import (
	"strings"
	"time"
	"unicode"

	"github.com/osa-agent/osa/pkg/models"
)

// Keyword families for mode classification, checked in fixed priority
// order: build > execute > analyze > maintain. No match means assist.
var (
	buildKeywords    = []string{"build", "create", "implement", "write", "add", "develop", "scaffold", "generate", "make"}
	executeKeywords  = []string{"run", "execute", "deploy", "launch", "start", "install", "trigger"}
	analyzeKeywords  = []string{"analyze", "investigate", "explain", "compare", "summarize", "research", "why"}
	maintainKeywords = []string{"fix", "repair", "patch", "update", "upgrade", "down", "broken", "bug", "maintain", "cleanup", "migrate"}

	issueVocabulary = []string{"bug", "error", "broken", "crash", "down", "fail", "issue", "exception", "regression"}
	commandVerbs    = []string{"build", "fix", "run", "create", "deploy", "list", "show", "delete", "update", "write"}
	urgencyKeywords = []string{"urgent", "critical", "emergency", "asap", "immediately"}
)

// Classify is a pure function from (text, channel, weight) to a Signal.
// It is deterministic and never panics, including on empty input.
func Classify(text string, channel models.ChannelType, weight float64, now time.Time) models.Signal {
	if now.IsZero() {
		now = time.Now()
	}
	lower := strings.ToLower(strings.TrimSpace(text))
	return models.Signal{
		Mode:      classifyMode(lower),
		Genre:     classifyGenre(lower),
		Type:      classifyType(lower),
		Format:    models.FormatForChannel(channel),
		Weight:    clamp01(weight),
		Channel:   channel,
		Timestamp: now,
	}
}

func classifyMode(lower string) models.Mode {
	switch {
	case containsAnyWord(lower, buildKeywords):
		return models.ModeBuild
	case containsAnyWord(lower, executeKeywords):
		return models.ModeExecute
	case containsAnyWord(lower, analyzeKeywords):
		return models.ModeAnalyze
	case containsAnyWord(lower, maintainKeywords):
		return models.ModeMaintain
	default:
		return models.ModeAssist
	}
}

func classifyGenre(lower string) models.Genre {
	switch {
	case strings.HasSuffix(lower, "!"):
		return models.GenreDirect
	case strings.HasSuffix(lower, "?"):
		return models.GenreDecide
	case startsWithAny(lower, commandVerbs):
		return models.GenreDirect
	case strings.Contains(lower, "i will") || strings.Contains(lower, "i'll"):
		return models.GenreCommit
	case containsAnyWord(lower, []string{"love", "hate", "great", "awful", "thanks", "wow"}):
		return models.GenreExpress
	default:
		return models.GenreInform
	}
}

func classifyType(lower string) string {
	switch {
	case strings.Contains(lower, "?"):
		return "question"
	case containsAnyWord(lower, issueVocabulary):
		return "issue"
	case startsWithAny(lower, commandVerbs):
		return "request"
	default:
		return "statement"
	}
}

// containsAnyWord matches whole words only, so "download" does not hit
// the "down" keyword.
func containsAnyWord(lower string, words []string) bool {
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	for _, f := range fields {
		for _, w := range words {
			if f == w {
				return true
			}
		}
	}
	return false
}

func startsWithAny(lower string, verbs []string) bool {
	first, _, _ := strings.Cut(lower, " ")
	first = strings.Trim(first, ".,:;!?")
	for _, v := range verbs {
		if first == v {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
