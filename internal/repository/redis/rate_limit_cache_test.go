package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"authguard/internal/client"
	"authguard/internal/ratelimit"
)

func newTestCache(t *testing.T, rules []ratelimit.Rule) (*RateLimitCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewRateLimitCache(client.NewRedisClientFromBackend(rdb), rules), mr
}

func TestRateLimitCacheFixedWindow(t *testing.T) {
	rules := []ratelimit.Rule{{
		Name:   "api",
		Window: time.Minute,
		Max:    3,
		Mode:   ratelimit.FixedWindow,
		Scope:  ratelimit.ScopeIP,
	}}
	cache, _ := newTestCache(t, rules)

	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		out, err := cache.Admit(ctx, "api", "203.0.113.7", now)
		if err != nil {
			t.Fatalf("Admit %d: %v", i, err)
		}
		if !out.Allowed {
			t.Fatalf("request %d should be admitted", i)
		}
		if out.Remaining != 2-i {
			t.Errorf("request %d: Remaining = %d, want %d", i, out.Remaining, 2-i)
		}
	}

	out, err := cache.Admit(ctx, "api", "203.0.113.7", now)
	if err != nil {
		t.Fatalf("Admit over limit: %v", err)
	}
	if out.Allowed {
		t.Fatal("fourth request should be rejected")
	}
	if out.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", out.Remaining)
	}
	if out.Message == "" {
		t.Error("rejection should carry a message")
	}

	// A different client key has its own budget.
	out, err = cache.Admit(ctx, "api", "198.51.100.4", now)
	if err != nil {
		t.Fatalf("Admit other key: %v", err)
	}
	if !out.Allowed {
		t.Error("independent key should be admitted")
	}
}

func TestRateLimitCacheFixedWindowDoesNotOvercount(t *testing.T) {
	rules := []ratelimit.Rule{{
		Name:   "api",
		Window: time.Minute,
		Max:    2,
		Mode:   ratelimit.FixedWindow,
		Scope:  ratelimit.ScopeIP,
	}}
	cache, mr := newTestCache(t, rules)

	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 6; i++ {
		if _, err := cache.Admit(ctx, "api", "203.0.113.7", now); err != nil {
			t.Fatalf("Admit %d: %v", i, err)
		}
	}

	got, err := mr.Get(fixedCounterPrefix + "api:203.0.113.7")
	if err != nil {
		t.Fatalf("reading counter: %v", err)
	}
	if got != "2" {
		t.Errorf("counter = %s, want 2 after rejections", got)
	}
}

func TestRateLimitCacheSlidingWindow(t *testing.T) {
	rules := []ratelimit.Rule{{
		Name:           "login",
		Window:         time.Minute,
		Max:            2,
		Mode:           ratelimit.SlidingExact,
		Scope:          ratelimit.ScopeIPRoute,
		SkipSuccessful: true,
	}}
	cache, _ := newTestCache(t, rules)

	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 2; i++ {
		out, err := cache.Admit(ctx, "login", "203.0.113.7|/login", base)
		if err != nil {
			t.Fatalf("Admit %d: %v", i, err)
		}
		if !out.Allowed {
			t.Fatalf("request %d should be admitted", i)
		}
	}

	out, err := cache.Admit(ctx, "login", "203.0.113.7|/login", base.Add(30*time.Second))
	if err != nil {
		t.Fatalf("Admit over limit: %v", err)
	}
	if out.Allowed {
		t.Fatal("third request inside the window should be rejected")
	}
	wantReset := base.Add(time.Minute)
	if diff := out.ResetAt.Sub(wantReset); diff < -time.Second || diff > time.Second {
		t.Errorf("ResetAt = %v, want about %v", out.ResetAt, wantReset)
	}

	// Once the oldest hit leaves the window the slot frees up.
	out, err = cache.Admit(ctx, "login", "203.0.113.7|/login", base.Add(61*time.Second))
	if err != nil {
		t.Fatalf("Admit after expiry: %v", err)
	}
	if !out.Allowed {
		t.Error("request after the oldest hit expired should be admitted")
	}
}

func TestRateLimitCacheSlidingWindowSameTimestampBurst(t *testing.T) {
	rules := []ratelimit.Rule{{
		Name:   "login",
		Window: time.Minute,
		Max:    3,
		Mode:   ratelimit.SlidingExact,
		Scope:  ratelimit.ScopeIPRoute,
	}}
	cache, _ := newTestCache(t, rules)

	// A burst arriving within one millisecond must still occupy one slot
	// per hit: exactly max admissions, no more.
	ctx := context.Background()
	now := time.Now()

	admitted := 0
	for i := 0; i < 6; i++ {
		out, err := cache.Admit(ctx, "login", "203.0.113.7|/login", now)
		if err != nil {
			t.Fatalf("Admit %d: %v", i, err)
		}
		if out.Allowed {
			admitted++
		}
	}
	if admitted != 3 {
		t.Errorf("admitted = %d, want exactly 3", admitted)
	}
}

func TestRateLimitCacheForgive(t *testing.T) {
	rules := []ratelimit.Rule{{
		Name:           "login",
		Window:         time.Minute,
		Max:            1,
		Mode:           ratelimit.SlidingExact,
		Scope:          ratelimit.ScopeIPRoute,
		SkipSuccessful: true,
	}}
	cache, _ := newTestCache(t, rules)

	ctx := context.Background()
	now := time.Now()

	if out, _ := cache.Admit(ctx, "login", "k", now); !out.Allowed {
		t.Fatal("first request should be admitted")
	}
	if out, _ := cache.Admit(ctx, "login", "k", now); out.Allowed {
		t.Fatal("second request should be rejected while the slot is held")
	}

	if err := cache.Forgive(ctx, "login", "k", now); err != nil {
		t.Fatalf("Forgive: %v", err)
	}

	if out, _ := cache.Admit(ctx, "login", "k", now); !out.Allowed {
		t.Error("slot should be free again after Forgive")
	}
}

func TestRateLimitCacheUnregisteredRulePanics(t *testing.T) {
	cache, _ := newTestCache(t, nil)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for unregistered rule")
		}
	}()
	_, _ = cache.Admit(context.Background(), "no-such-rule", "k", time.Now())
}
