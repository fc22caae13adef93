package agent

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

// fakeProvider is a scriptable Provider for chain tests.
type fakeProvider struct {
	name     string
	err      error
	response string
	calls    atomic.Int32
	probeErr error
}

func (f *fakeProvider) Name() string         { return f.name }
func (f *fakeProvider) DefaultModel() string { return "fake-model" }

func (f *fakeProvider) Probe(ctx context.Context) error { return f.probeErr }

func (f *fakeProvider) Chat(ctx context.Context, req *Request) (*Response, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &Response{Content: f.response}, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan *Chunk, 2)
	ch <- &Chunk{Text: f.response}
	ch <- &Chunk{Done: true}
	close(ch)
	return ch, nil
}

func TestFallbackOnRetryableError(t *testing.T) {
	r := NewRegistry()
	primary := &fakeProvider{name: "primary", err: fmt.Errorf("%w: 503", ErrProviderDown)}
	backup := &fakeProvider{name: "backup", response: "from backup"}
	if err := r.Register(context.Background(), primary); err != nil {
		t.Fatalf("register primary: %v", err)
	}
	if err := r.Register(context.Background(), backup); err != nil {
		t.Fatalf("register backup: %v", err)
	}

	resp, err := r.Chat(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "from backup" {
		t.Errorf("content = %q, want backup answer", resp.Content)
	}
}

func TestNonRetryableErrorStopsChain(t *testing.T) {
	r := NewRegistry()
	bad := &fakeProvider{name: "bad", err: errors.New("invalid api key")}
	backup := &fakeProvider{name: "backup", response: "never"}
	_ = r.Register(context.Background(), bad)
	_ = r.Register(context.Background(), backup)

	if _, err := r.Chat(context.Background(), &Request{}); err == nil {
		t.Fatal("expected error")
	}
	if backup.calls.Load() != 0 {
		t.Error("chain continued past a non-retryable error")
	}
}

func TestProbeFailureRejectsRegistration(t *testing.T) {
	r := NewRegistry()
	dead := &fakeProvider{name: "dead", probeErr: errors.New("connect refused")}
	if err := r.Register(context.Background(), dead); err == nil {
		t.Fatal("provider with failing probe registered")
	}
	if _, err := r.Chat(context.Background(), &Request{}); !errors.Is(err, ErrNoProviders) {
		t.Errorf("err = %v, want ErrNoProviders", err)
	}
}

func TestDuplicateRegistration(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(context.Background(), &fakeProvider{name: "p"})
	if err := r.Register(context.Background(), &fakeProvider{name: "p"}); err == nil {
		t.Error("duplicate name accepted")
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	r := NewRegistry()
	flaky := &fakeProvider{name: "flaky", err: fmt.Errorf("%w: refused", ErrProviderDown)}
	healthy := &fakeProvider{name: "healthy", response: "ok"}
	_ = r.Register(context.Background(), flaky)
	_ = r.Register(context.Background(), healthy)

	for i := 0; i < breakerThreshold; i++ {
		if _, err := r.Chat(context.Background(), &Request{}); err != nil {
			t.Fatalf("chat %d: %v", i, err)
		}
	}
	before := flaky.calls.Load()

	// Breaker is open: the flaky provider is skipped entirely.
	if _, err := r.Chat(context.Background(), &Request{}); err != nil {
		t.Fatalf("chat with open breaker: %v", err)
	}
	if flaky.calls.Load() != before {
		t.Error("open breaker did not skip failing provider")
	}
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	b := newBreaker()
	now := time.Now()
	b.now = func() time.Time { return now }

	for i := 0; i < breakerThreshold; i++ {
		b.record(ErrProviderDown)
	}
	if b.allow() {
		t.Fatal("breaker closed right after threshold")
	}
	now = now.Add(breakerCooldown + time.Second)
	if !b.allow() {
		t.Fatal("no half-open probe after cooldown")
	}
	b.record(nil)
	if !b.allow() {
		t.Error("breaker did not close after successful probe")
	}
}

func TestActiveSkipsOpenBreakers(t *testing.T) {
	r := NewRegistry()
	flaky := &fakeProvider{name: "flaky", err: fmt.Errorf("%w: refused", ErrProviderDown)}
	healthy := &fakeProvider{name: "healthy", response: "ok"}
	_ = r.Register(context.Background(), flaky)
	_ = r.Register(context.Background(), healthy)

	for i := 0; i < breakerThreshold; i++ {
		_, _ = r.Chat(context.Background(), &Request{})
	}
	p, ok := r.Active()
	if !ok || p.Name() != "healthy" {
		t.Errorf("active = %v, want healthy", p)
	}
}
