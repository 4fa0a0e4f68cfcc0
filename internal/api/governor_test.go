package api

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func newTestGovernor(clk *fakeClock) *Governor {
	g := NewGovernor(GovernorConfig{})
	g.now = clk.Now
	g.sleep = clk.Sleep
	g.jitter = func() time.Duration { return 0 }
	return g
}

func TestGovernor_BackoffMonotonicAndCapped(t *testing.T) {
	clk := newFakeClock()
	g := newTestGovernor(clk)

	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 30 * time.Second, 30 * time.Second}
	var prev time.Duration
	for i, w := range want {
		d := g.Observe429("")
		if d != w {
			t.Fatalf("signal %d: cooldown %v; want %v", i+1, d, w)
		}
		if d < prev {
			t.Fatalf("cooldown decreased: %v after %v", d, prev)
		}
		prev = d
		clk.Advance(10 * time.Second)
	}
}

func TestGovernor_FactorCappedAt8(t *testing.T) {
	clk := newFakeClock()
	g := newTestGovernor(clk)
	want := []time.Duration{2, 4, 8, 16, 16, 16}
	for i, w := range want {
		if d := g.Observe429("2"); d != w*time.Second {
			t.Fatalf("signal %d: %v; want %v", i+1, d, w*time.Second)
		}
		clk.Advance(time.Second)
	}
}

func TestGovernor_ResetsAfterQuietMinute(t *testing.T) {
	clk := newFakeClock()
	g := newTestGovernor(clk)

	g.Observe429("")
	clk.Advance(30 * time.Second)
	if d := g.Observe429(""); d != 10*time.Second {
		t.Fatalf("second signal within 60s should double, got %v", d)
	}
	clk.Advance(61 * time.Second)
	if d := g.Observe429(""); d != 5*time.Second {
		t.Fatalf("signal after a quiet minute should reset to base, got %v", d)
	}
	if _, count := g.Window(); count != 1 {
		t.Fatalf("count should restart at 1, got %d", count)
	}
}

func TestGovernor_WaitHonoursRemainingWindow(t *testing.T) {
	clk := newFakeClock()
	g := newTestGovernor(clk)
	ctx := context.Background()

	if err := g.Wait(ctx); err != nil || len(clk.Slept()) != 0 {
		t.Fatalf("no window: Wait should return immediately")
	}

	g.Observe429("10")
	until, count := g.Window()
	if until.IsZero() || count != 1 {
		t.Fatalf("window not reported: %v %d", until, count)
	}
	clk.Advance(3 * time.Second)
	if err := g.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if slept := clk.Slept(); len(slept) != 1 || slept[0] != 7*time.Second {
		t.Fatalf("expected 7s wait, got %v", slept)
	}
	if until, _ := g.Window(); !until.IsZero() {
		t.Fatalf("window should be cleared once now >= until")
	}
}

func TestGovernor_JitterAddedToWait(t *testing.T) {
	clk := newFakeClock()
	g := newTestGovernor(clk)
	g.jitter = func() time.Duration { return 120 * time.Millisecond }

	g.Observe429("1")
	_ = g.Wait(context.Background())
	if slept := clk.Slept(); len(slept) != 1 || slept[0] != time.Second+120*time.Millisecond {
		t.Fatalf("jitter not applied: %v", slept)
	}
}

func TestGovernor_DefaultJitterBounded(t *testing.T) {
	g := NewGovernor(GovernorConfig{DefaultWait: 5 * time.Second, MaxWait: 30 * time.Second, MaxFactor: 8, Window: time.Minute})
	if g.cfg.MaxJitter != 250*time.Millisecond {
		t.Fatalf("MaxJitter = %v, want default 250ms", g.cfg.MaxJitter)
	}
	nonzero := 0
	for range 200 {
		j := g.jitter()
		if j < 0 || j >= 250*time.Millisecond {
			t.Fatalf("jitter out of range: %v", j)
		}
		if j > 0 {
			nonzero++
		}
	}
	if nonzero == 0 {
		t.Fatal("jitter never produced a delay")
	}
}

func TestGovernor_NegativeJitterDisables(t *testing.T) {
	g := NewGovernor(GovernorConfig{MaxJitter: -1})
	for range 20 {
		if j := g.jitter(); j != 0 {
			t.Fatalf("jitter = %v, want 0", j)
		}
	}
}

func TestGovernor_WaitCancelled(t *testing.T) {
	g := NewGovernor(GovernorConfig{})
	g.Observe429("30")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	def := 5 * time.Second
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", def},
		{"  ", def},
		{"10", 10 * time.Second},
		{"0", def},
		{"-3", def},
		{"soon", def},
		{now.Add(12 * time.Second).UTC().Format(http.TimeFormat), 12 * time.Second},
		{now.Add(-12 * time.Second).UTC().Format(http.TimeFormat), def},
	}
	for _, tc := range cases {
		if got := parseRetryAfter(tc.in, now, def); got != tc.want {
			t.Fatalf("parseRetryAfter(%q) = %v; want %v", tc.in, got, tc.want)
		}
	}
}
