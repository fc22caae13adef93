package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var providerFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "osa_provider_fallbacks_total",
	Help: "Completions that fell through to a lower-priority provider.",
}, []string{"from", "to"})

// Circuit breaker tuning for the fallback chain.
const (
	breakerThreshold = 3
	breakerCooldown  = 30 * time.Second
)

// breaker is a per-provider circuit breaker. Three consecutive
// failures open it; after the cooldown one probe call is let through.
type breaker struct {
	mu       sync.Mutex
	failures int
	openedAt time.Time
	now      func() time.Time
}

func newBreaker() *breaker { return &breaker{now: time.Now} }

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < breakerThreshold {
		return true
	}
	// Open: admit a single half-open probe after the cooldown.
	if b.now().Sub(b.openedAt) >= breakerCooldown {
		b.openedAt = b.now()
		return true
	}
	return false
}

func (b *breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil || !Retryable(err) {
		b.failures = 0
		return
	}
	b.failures++
	if b.failures == breakerThreshold {
		b.openedAt = b.now()
	}
}

type chainEntry struct {
	provider Provider
	breaker  *breaker
}

// Registry holds the ordered provider fallback chain. Registration is
// serialized; reads take a snapshot and never block callers.
type Registry struct {
	mu     sync.RWMutex
	chain  []chainEntry
	byName map[string]Provider
	logger *slog.Logger
}

// RegistryOption configures the registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger.With("component", "providers")
		}
	}
}

// NewRegistry creates an empty provider registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		byName: make(map[string]Provider),
		logger: slog.Default().With("component", "providers"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register appends a provider to the fallback chain after its
// reachability probe succeeds. Providers without a probe are trusted.
func (r *Registry) Register(ctx context.Context, p Provider) error {
	if prober, ok := p.(Prober); ok {
		if err := prober.Probe(ctx); err != nil {
			return fmt.Errorf("provider %s failed probe: %w", p.Name(), err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[p.Name()]; exists {
		return fmt.Errorf("provider %s already registered", p.Name())
	}
	r.chain = append(r.chain, chainEntry{provider: p, breaker: newBreaker()})
	r.byName[p.Name()] = p
	r.logger.Info("provider registered", "provider", p.Name(), "position", len(r.chain)-1)
	return nil
}

// Get returns a provider by name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

// Active returns the first provider whose breaker is closed, which is
// what config resolution treats as the active provider.
func (r *Registry) Active() (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, entry := range r.chain {
		if entry.breaker.allow() {
			return entry.provider, true
		}
	}
	return nil, false
}

// Names lists registered providers in chain order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.chain))
	for i, entry := range r.chain {
		names[i] = entry.provider.Name()
	}
	return names
}

func (r *Registry) snapshot() []chainEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chain := make([]chainEntry, len(r.chain))
	copy(chain, r.chain)
	return chain
}

// Chat walks the chain until a provider answers. Rate limits,
// connection failures, and 5xx move to the next provider; other errors
// return immediately.
func (r *Registry) Chat(ctx context.Context, req *Request) (*Response, error) {
	chain := r.snapshot()
	if len(chain) == 0 {
		return nil, ErrNoProviders
	}
	var lastErr error
	prev := ""
	for _, entry := range chain {
		if !entry.breaker.allow() {
			continue
		}
		if prev != "" {
			providerFallbacks.WithLabelValues(prev, entry.provider.Name()).Inc()
		}
		resp, err := entry.provider.Chat(ctx, req)
		entry.breaker.record(err)
		if err == nil {
			return resp, nil
		}
		if !Retryable(err) || ctx.Err() != nil {
			return nil, err
		}
		r.logger.Warn("provider failed, falling back",
			"provider", entry.provider.Name(), "error", err)
		lastErr = err
		prev = entry.provider.Name()
	}
	if lastErr == nil {
		return nil, ErrNoProviders
	}
	return nil, fmt.Errorf("all providers exhausted: %w", lastErr)
}

// ChatStream walks the chain like Chat. Only errors surfaced before
// any chunk arrives trigger fallback; mid-stream failures propagate.
func (r *Registry) ChatStream(ctx context.Context, req *Request) (<-chan *Chunk, string, error) {
	chain := r.snapshot()
	if len(chain) == 0 {
		return nil, "", ErrNoProviders
	}
	var lastErr error
	for _, entry := range chain {
		if !entry.breaker.allow() {
			continue
		}
		chunks, err := entry.provider.ChatStream(ctx, req)
		entry.breaker.record(err)
		if err == nil {
			return chunks, entry.provider.Name(), nil
		}
		if !Retryable(err) || ctx.Err() != nil {
			return nil, "", err
		}
		r.logger.Warn("provider stream failed, falling back",
			"provider", entry.provider.Name(), "error", err)
		lastErr = err
	}
	if lastErr == nil {
		return nil, "", ErrNoProviders
	}
	return nil, "", fmt.Errorf("all providers exhausted: %w", lastErr)
}
