package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/osa-agent/osa/internal/tokens"
)

// Entry is one long-term memory record, persisted as a JSONL line in
// <root>/memory.jsonl.
type Entry struct {
	Text       string    `json:"text"`
	Category   string    `json:"category,omitempty"`
	Importance float64   `json:"importance"`
	Timestamp  time.Time `json:"ts"`
	Keywords   []string  `json:"keywords"`
}

// Store is the keyword-indexed long-term memory. Writes go through to
// memory.jsonl; the inverted index lives in memory and is rebuilt on
// open.
type Store struct {
	path      string
	estimator tokens.Estimator
	now       func() time.Time

	mu      sync.RWMutex
	entries []Entry
	index   map[string][]int
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreEstimator overrides the token estimator used for recall
// budgets.
func WithStoreEstimator(e tokens.Estimator) StoreOption {
	return func(s *Store) {
		if e != nil {
			s.estimator = e
		}
	}
}

// OpenStore loads memory.jsonl under root, rebuilding the index. A
// missing file yields an empty store.
func OpenStore(root string, opts ...StoreOption) (*Store, error) {
	s := &Store{
		path:      filepath.Join(root, "memory.jsonl"),
		estimator: tokens.Heuristic{},
		now:       time.Now,
		index:     make(map[string][]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		s.addToIndex(e)
	}
	return scanner.Err()
}

func (s *Store) addToIndex(e Entry) {
	idx := len(s.entries)
	s.entries = append(s.entries, e)
	for _, kw := range e.Keywords {
		s.index[kw] = append(s.index[kw], idx)
	}
}

// Remember appends one memory, extracting keywords from the text.
// Importance is clamped to [0,1] with 0.5 as the default for zero.
func (s *Store) Remember(text, category string, importance float64) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("memory text is required")
	}
	if importance == 0 {
		importance = 0.5
	}
	importance = math.Max(0, math.Min(1, importance))

	e := Entry{
		Text:       text,
		Category:   category,
		Importance: importance,
		Timestamp:  s.now(),
		Keywords:   ExtractKeywords(text),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open memory file: %w", err)
	}
	defer f.Close()
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode memory: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append memory: %w", err)
	}
	s.addToIndex(e)
	return nil
}

// Len reports the number of stored memories.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

type scored struct {
	entry Entry
	score float64
}

// RecallRelevant scores memories against the query and renders the best
// ones as a bounded block that fits within tokenBudget. An empty result
// means nothing relevant was found.
func (s *Store) RecallRelevant(query string, tokenBudget int) string {
	if tokenBudget <= 0 {
		return ""
	}
	queryKeywords := ExtractKeywords(query)
	if len(queryKeywords) == 0 {
		return ""
	}

	s.mu.RLock()
	now := s.now()
	hits := make(map[int]int)
	for _, kw := range queryKeywords {
		for _, idx := range s.index[kw] {
			hits[idx]++
		}
	}
	candidates := make([]scored, 0, len(hits))
	for idx, overlap := range hits {
		e := s.entries[idx]
		candidates = append(candidates, scored{entry: e, score: score(e, overlap, len(queryKeywords), now)})
	}
	s.mu.RUnlock()

	if len(candidates) == 0 {
		return ""
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	var b strings.Builder
	b.WriteString("## Relevant memories\n")
	used := s.estimator.Estimate(b.String())
	for _, c := range candidates {
		line := fmt.Sprintf("- [%s] %s\n", c.entry.Timestamp.Format("2006-01-02"), c.entry.Text)
		cost := s.estimator.Estimate(line)
		if used+cost > tokenBudget {
			break
		}
		b.WriteString(line)
		used += cost
	}
	if !strings.Contains(b.String(), "\n- ") {
		return ""
	}
	return strings.TrimRight(b.String(), "\n")
}

// score combines keyword overlap, recency decay, and stored importance.
func score(e Entry, overlap, queryTerms int, now time.Time) float64 {
	overlapFrac := float64(overlap) / float64(queryTerms)
	ageDays := now.Sub(e.Timestamp).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	recency := math.Exp(-ageDays / 30)
	importance := e.Importance
	if importance <= 0 {
		importance = 0.5
	}
	return overlapFrac * (0.5 + 0.5*recency) * (0.5 + importance)
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true, "has": true,
	"have": true, "i": true, "in": true, "is": true, "it": true, "its": true,
	"of": true, "on": true, "or": true, "that": true, "the": true, "this": true,
	"to": true, "was": true, "were": true, "will": true, "with": true, "you": true,
	"your": true, "my": true, "me": true, "we": true, "our": true, "not": true,
	"do": true, "does": true, "did": true, "so": true, "if": true, "about": true,
}

// ExtractKeywords lowercases, splits on non-alphanumerics, and drops
// stopwords and words shorter than 3 runes. Duplicates collapse.
func ExtractKeywords(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		if len([]rune(w)) < 3 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}
