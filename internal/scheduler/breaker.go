package scheduler

import "sync"

// DefaultBreakerThreshold disables a job after this many consecutive
// failures.
const DefaultBreakerThreshold = 3

// Breaker tracks consecutive failures per job name. A tripped job stays
// disabled until explicit Reset.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	failures  map[string]int
	open      map[string]bool
}

// NewBreaker creates a breaker. threshold <= 0 uses the default.
func NewBreaker(threshold int) *Breaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	return &Breaker{
		threshold: threshold,
		failures:  make(map[string]int),
		open:      make(map[string]bool),
	}
}

// Allow reports whether the job may run.
func (b *Breaker) Allow(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.open[name]
}

// Record notes one run outcome. Success clears the failure streak.
func (b *Breaker) Record(name string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.failures[name] = 0
		return
	}
	b.failures[name]++
	if b.failures[name] >= b.threshold {
		b.open[name] = true
	}
}

// Reset re-enables a tripped job.
func (b *Breaker) Reset(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[name] = 0
	delete(b.open, name)
}

// Open lists currently disabled jobs.
func (b *Breaker) Open() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.open))
	for name := range b.open {
		out = append(out, name)
	}
	return out
}
