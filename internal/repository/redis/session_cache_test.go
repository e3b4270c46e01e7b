package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"authguard/internal/client"
	"authguard/internal/models"
)

func newTestSessionCache(t *testing.T) (*SessionCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewSessionCache(client.NewRedisClientFromBackend(rdb)), mr
}

func TestSessionCacheRoundTrip(t *testing.T) {
	cache, _ := newTestSessionCache(t)
	ctx := context.Background()

	snapshot := &SessionSnapshot{
		Sessions: []models.SessionRecord{{
			UserID:    "user-1",
			SessionID: "sess-1",
			DeviceID:  "dev-abc",
			ClientIP:  "203.0.113.7",
			CreatedAt: time.Now().Add(-time.Hour).UTC().Truncate(time.Second),
		}},
		LoginState: models.LoginState{
			LastLoginIP: "203.0.113.7",
			LastLoginAt: time.Now().Add(-time.Hour).UTC().Truncate(time.Second),
		},
	}

	if err := cache.Set(ctx, "user-1", snapshot); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := cache.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("expected a cache hit")
	}
	if len(got.Sessions) != 1 || got.Sessions[0].DeviceID != "dev-abc" {
		t.Errorf("sessions round-trip mismatch: %+v", got.Sessions)
	}
	if got.LoginState.LastLoginIP != "203.0.113.7" {
		t.Errorf("LastLoginIP = %q, want 203.0.113.7", got.LoginState.LastLoginIP)
	}
	if got.CachedAt.IsZero() {
		t.Error("CachedAt should be stamped on Set")
	}
}

func TestGetMissReportsSentinel(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	c := client.NewRedisClientFromBackend(rdb)

	_, err := c.Get(context.Background(), "absent")
	if !errors.Is(err, client.ErrKeyNotFound) {
		t.Errorf("Get on absent key = %v, want ErrKeyNotFound", err)
	}
}

func TestSessionCacheMiss(t *testing.T) {
	cache, _ := newTestSessionCache(t)

	got, err := cache.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Get on miss: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil snapshot on miss, got %+v", got)
	}
}

func TestSessionCacheInvalidate(t *testing.T) {
	cache, _ := newTestSessionCache(t)
	ctx := context.Background()

	if err := cache.Set(ctx, "user-1", &SessionSnapshot{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := cache.Invalidate(ctx, "user-1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	got, err := cache.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Error("snapshot should be gone after Invalidate")
	}
}

func TestSessionCacheDropsCorruptEntry(t *testing.T) {
	cache, mr := newTestSessionCache(t)
	ctx := context.Background()

	mr.Set(sessionSnapshotPrefix+"user-1", "{not json")

	got, err := cache.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Error("corrupt entry should read as a miss")
	}
	if mr.Exists(sessionSnapshotPrefix + "user-1") {
		t.Error("corrupt entry should be deleted")
	}
}
