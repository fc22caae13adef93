package signals

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestAckShortCircuitWithCannedReply(t *testing.T) {
	f := NewFilter(FilterConfig{})
	res := f.Check(context.Background(), "s1", "ok")
	if !res.IsNoise || res.Reason != ReasonAck {
		t.Fatalf("got %+v, want ack noise", res)
	}
	if res.CannedReply != "👍" {
		t.Errorf("canned reply = %q, want 👍", res.CannedReply)
	}
}

func TestEmptyAndShort(t *testing.T) {
	f := NewFilter(FilterConfig{})
	if res := f.Check(context.Background(), "s1", "   "); res.Reason != ReasonEmpty {
		t.Errorf("blank: reason = %s, want empty", res.Reason)
	}
	if res := f.Check(context.Background(), "s1", "hm"); res.Reason != ReasonTooShort {
		t.Errorf("2 chars: reason = %s, want too_short", res.Reason)
	}
}

func TestEmojiOnly(t *testing.T) {
	f := NewFilter(FilterConfig{})
	if res := f.Check(context.Background(), "s1", "🎉🎉🎉"); res.Reason != ReasonEmojiOnly {
		t.Errorf("reason = %s, want emoji_only", res.Reason)
	}
}

func TestDuplicateWithinWindow(t *testing.T) {
	f := NewFilter(FilterConfig{DuplicateWindow: time.Minute})
	text := "please check the deployment status"

	first := f.Check(context.Background(), "s1", text)
	if first.IsNoise {
		t.Fatalf("first message flagged noise: %+v", first)
	}
	second := f.Check(context.Background(), "s1", text)
	if !second.IsNoise || second.Reason != ReasonDuplicate {
		t.Errorf("second message: %+v, want duplicate noise", second)
	}

	// Same text in another session is not a duplicate.
	other := f.Check(context.Background(), "s2", text)
	if other.IsNoise {
		t.Errorf("cross-session duplicate flagged: %+v", other)
	}
}

func TestDeterministicWeights(t *testing.T) {
	f := NewFilter(FilterConfig{DuplicateWindow: time.Nanosecond})
	text := "could you review the rollout plan for tomorrow?"
	a := f.Check(context.Background(), "s1", text)
	time.Sleep(2 * time.Millisecond)
	b := f.Check(context.Background(), "s1", text)
	if a.Weight != b.Weight {
		t.Errorf("weights differ: %.3f vs %.3f", a.Weight, b.Weight)
	}
}

func TestTier2OnlyInBandAndCached(t *testing.T) {
	var calls atomic.Int32
	tier2 := func(ctx context.Context, text string) (float64, error) {
		calls.Add(1)
		return 0.9, nil
	}
	f := NewFilter(FilterConfig{BandLow: 0.3, BandHigh: 0.6, DuplicateWindow: time.Nanosecond}, WithTier2(tier2))

	// Pre-weight ~0.45: inside the band, tier 2 fires once then caches.
	text := "thinking about the roadmap for a bit"
	res := f.Check(context.Background(), "s1", text)
	if res.Weight != 0.9 {
		t.Errorf("weight = %.2f, want tier-2 refined 0.9", res.Weight)
	}
	time.Sleep(2 * time.Millisecond)
	_ = f.Check(context.Background(), "s1", text)
	if got := calls.Load(); got != 1 {
		t.Errorf("tier-2 called %d times, want 1 (cached)", got)
	}

	// High pre-weight skips tier 2 entirely.
	_ = f.Check(context.Background(), "s1", "URGENT: fix the broken deploy now, production is down!")
	if got := calls.Load(); got != 1 {
		t.Errorf("tier-2 invoked outside band, calls = %d", got)
	}
}

func TestTier2FailureKeepsPreWeight(t *testing.T) {
	tier2 := func(ctx context.Context, text string) (float64, error) {
		return 0, errors.New("model unavailable")
	}
	f := NewFilter(FilterConfig{}, WithTier2(tier2))
	res := f.Check(context.Background(), "s1", "thinking about the roadmap for a bit")
	if res.IsNoise {
		t.Fatalf("unexpected noise: %+v", res)
	}
	if res.Weight <= 0 || res.Weight > 1 {
		t.Errorf("fallback weight out of range: %.2f", res.Weight)
	}
}
