package ratelimit

import (
	"strings"
	"sync"
	"testing"
	"time"

	"authguard/internal/bucketing"
	"authguard/internal/config"
)

func newTestBuckets(t *testing.T) *bucketing.Manager {
	t.Helper()
	return bucketing.NewManager(&config.Config{
		Bucketing: config.BucketingConfig{CounterShards: 16, EventBuckets: 8},
	})
}

func newTestEngine(t *testing.T, rules ...Rule) *Engine {
	t.Helper()
	engine, err := NewEngine(rules, newTestBuckets(t), 0)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine
}

func TestFixedWindowAdmitsUpToMax(t *testing.T) {
	engine := newTestEngine(t, Rule{Name: "api", Window: 15 * time.Minute, Max: 5, Mode: FixedWindow})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		out := engine.Admit("api", "10.0.0.1", now.Add(time.Duration(i)*time.Second))
		if !out.Allowed {
			t.Fatalf("request %d: expected admission, got rejection", i+1)
		}
		if want := 4 - i; out.Remaining != want {
			t.Fatalf("request %d: remaining = %d, want %d", i+1, out.Remaining, want)
		}
	}

	out := engine.Admit("api", "10.0.0.1", now.Add(6*time.Second))
	if out.Allowed {
		t.Fatal("6th request within window: expected rejection")
	}
	if out.Remaining != 0 {
		t.Fatalf("rejected outcome remaining = %d, want 0", out.Remaining)
	}
	if out.Message == "" {
		t.Fatal("rejected outcome must carry a cooldown message")
	}
}

func TestFixedWindowResetsAfterWindowElapses(t *testing.T) {
	engine := newTestEngine(t, Rule{Name: "api", Window: 15 * time.Minute, Max: 5, Mode: FixedWindow})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 6; i++ {
		engine.Admit("api", "10.0.0.1", now)
	}

	out := engine.Admit("api", "10.0.0.1", now.Add(15*time.Minute))
	if !out.Allowed {
		t.Fatal("request after window elapsed: expected admission")
	}
	if out.Remaining != 4 {
		t.Fatalf("remaining after reset = %d, want 4", out.Remaining)
	}
}

func TestFixedWindowKeysAreIndependent(t *testing.T) {
	engine := newTestEngine(t, Rule{Name: "api", Window: time.Minute, Max: 1, Mode: FixedWindow})
	now := time.Now()

	if out := engine.Admit("api", "10.0.0.1", now); !out.Allowed {
		t.Fatal("first key should be admitted")
	}
	if out := engine.Admit("api", "10.0.0.2", now); !out.Allowed {
		t.Fatal("second key must not be affected by first key's counter")
	}
	if out := engine.Admit("api", "10.0.0.1", now); out.Allowed {
		t.Fatal("first key should now be rejected")
	}
}

func TestSlidingExactBoundsRollingSpan(t *testing.T) {
	engine := newTestEngine(t, Rule{Name: "login", Window: 5 * time.Minute, Max: 3, Mode: SlidingExact})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// 3 admissions spread across the window
	for i, offset := range []time.Duration{0, time.Minute, 2 * time.Minute} {
		if out := engine.Admit("login", "10.0.0.1", now.Add(offset)); !out.Allowed {
			t.Fatalf("request %d: expected admission", i+1)
		}
	}

	// 4th inside the rolling 5 minute span is rejected
	out := engine.Admit("login", "10.0.0.1", now.Add(4*time.Minute))
	if out.Allowed {
		t.Fatal("4th request within rolling window: expected rejection")
	}

	// resetAt tracks the oldest hit leaving the window
	if want := now.Add(5 * time.Minute); !out.ResetAt.Equal(want) {
		t.Fatalf("resetAt = %v, want %v", out.ResetAt, want)
	}

	// once the first hit falls out, one slot frees
	if out := engine.Admit("login", "10.0.0.1", now.Add(5*time.Minute+time.Second)); !out.Allowed {
		t.Fatal("request after oldest hit expired: expected admission")
	}
}

func TestSlidingExactNoBoundaryBurst(t *testing.T) {
	engine := newTestEngine(t, Rule{Name: "strict", Window: time.Minute, Max: 2, Mode: SlidingExact})
	now := time.Date(2026, 3, 1, 12, 0, 59, 0, time.UTC)

	// 2 hits just before a minute boundary, 2 just after: sliding-exact must
	// not allow 4 within any rolling minute.
	engine.Admit("strict", "k", now)
	engine.Admit("strict", "k", now.Add(500*time.Millisecond))

	if out := engine.Admit("strict", "k", now.Add(2*time.Second)); out.Allowed {
		t.Fatal("boundary-straddling burst must be rejected by sliding-exact")
	}
}

func TestConcurrentAdmissionsExactlyMax(t *testing.T) {
	const max = 5
	const workers = 50

	engine := newTestEngine(t, Rule{Name: "api", Window: 15 * time.Minute, Max: max, Mode: FixedWindow})
	now := time.Now()

	var wg sync.WaitGroup
	results := make(chan bool, workers)
	start := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results <- engine.Admit("api", "198.51.100.7", now).Allowed
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	admitted := 0
	for allowed := range results {
		if allowed {
			admitted++
		}
	}
	if admitted != max {
		t.Fatalf("admitted %d of %d concurrent requests, want exactly %d", admitted, workers, max)
	}
}

func TestConcurrentSlidingAdmissionsExactlyMax(t *testing.T) {
	const max = 3
	const workers = 40

	engine := newTestEngine(t, Rule{Name: "login", Window: 5 * time.Minute, Max: max, Mode: SlidingExact})
	now := time.Now()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if engine.Admit("login", "key", now).Allowed {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != max {
		t.Fatalf("admitted %d concurrent requests, want exactly %d", admitted, max)
	}
}

func TestForgiveFreesSlotForSkipSuccessfulRule(t *testing.T) {
	engine := newTestEngine(t, Rule{
		Name: "login", Window: 5 * time.Minute, Max: 2, Mode: SlidingExact, SkipSuccessful: true,
	})
	now := time.Now()

	engine.Admit("login", "k", now)
	engine.Admit("login", "k", now.Add(time.Second))

	if out := engine.Admit("login", "k", now.Add(2*time.Second)); out.Allowed {
		t.Fatal("expected rejection at limit")
	}

	engine.Forgive("login", "k", now.Add(3*time.Second))

	if out := engine.Admit("login", "k", now.Add(4*time.Second)); !out.Allowed {
		t.Fatal("expected admission after a successful attempt was forgiven")
	}
}

func TestForgiveIgnoredWhenRuleCountsSuccesses(t *testing.T) {
	engine := newTestEngine(t, Rule{
		Name: "password-reset", Window: 5 * time.Minute, Max: 1, Mode: SlidingExact,
	})
	now := time.Now()

	engine.Admit("password-reset", "k", now)
	engine.Forgive("password-reset", "k", now.Add(time.Second))

	if out := engine.Admit("password-reset", "k", now.Add(2*time.Second)); out.Allowed {
		t.Fatal("rule without SkipSuccessful must keep counting successful requests")
	}
}

func TestUnregisteredRulePanics(t *testing.T) {
	engine := newTestEngine(t, Rule{Name: "api", Window: time.Minute, Max: 1, Mode: FixedWindow})

	defer func() {
		if recover() == nil {
			t.Fatal("admit with unregistered rule must panic")
		}
	}()
	engine.Admit("no-such-rule", "k", time.Now())
}

func TestNewEngineRejectsInvalidRule(t *testing.T) {
	_, err := NewEngine([]Rule{{Name: "bad", Window: 0, Max: 5}}, newTestBuckets(t), 0)
	if err == nil {
		t.Fatal("expected error for non-positive window")
	}
	_, err = NewEngine([]Rule{{Name: "bad", Window: time.Minute, Max: 0}}, newTestBuckets(t), 0)
	if err == nil {
		t.Fatal("expected error for non-positive max")
	}
}

func TestSweepEvictsExpiredCounters(t *testing.T) {
	engine := newTestEngine(t, Rule{Name: "api", Window: time.Minute, Max: 5, Mode: FixedWindow})
	now := time.Now()

	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		engine.Admit("api", ip, now)
	}

	if evicted := engine.sweep(now.Add(30 * time.Second)); evicted != 0 {
		t.Fatalf("sweep inside window evicted %d counters, want 0", evicted)
	}
	if evicted := engine.sweep(now.Add(2 * time.Minute)); evicted != 3 {
		t.Fatalf("sweep after window evicted %d counters, want 3", evicted)
	}
}

func TestKeyForRespectsScope(t *testing.T) {
	engine := newTestEngine(t,
		Rule{Name: "api", Window: time.Minute, Max: 5, Mode: FixedWindow, Scope: ScopeIP},
		Rule{Name: "login", Window: time.Minute, Max: 5, Mode: SlidingExact, Scope: ScopeIPRoute},
	)

	if key := engine.KeyFor("api", "10.0.0.1", "login"); key != "10.0.0.1" {
		t.Fatalf("ip-scoped key = %q", key)
	}
	if key := engine.KeyFor("login", "10.0.0.1", "login"); key != "10.0.0.1:login" {
		t.Fatalf("ip-route-scoped key = %q", key)
	}
}

func TestRejectionMessagesPerFamily(t *testing.T) {
	msg := RejectionMessage("login", 90*time.Second)
	if !strings.Contains(msg, "login attempts") {
		t.Fatalf("login message = %q", msg)
	}
	if !strings.Contains(msg, "2 minutes") {
		t.Fatalf("cooldown hint should round up to minutes, got %q", msg)
	}

	generic := RejectionMessage("unknown-family", 10*time.Second)
	if !strings.Contains(generic, "10 seconds") {
		t.Fatalf("generic message = %q", generic)
	}
}

func TestRulesFromConfigValidation(t *testing.T) {
	_, err := RulesFromConfig([]config.RuleConfig{
		{Name: "api", Window: time.Minute, Max: 10, Mode: "token-bucket"},
	})
	if err == nil {
		t.Fatal("unknown mode must be rejected")
	}

	rules, err := RulesFromConfig([]config.RuleConfig{
		{Name: "login", Window: time.Minute, Max: 5, Mode: "sliding-exact", Scope: "ip-route", SkipSuccessful: true},
	})
	if err != nil {
		t.Fatalf("valid rule rejected: %v", err)
	}
	if rules[0].Mode != SlidingExact || rules[0].Scope != ScopeIPRoute || !rules[0].SkipSuccessful {
		t.Fatalf("rule not mapped faithfully: %+v", rules[0])
	}
}
