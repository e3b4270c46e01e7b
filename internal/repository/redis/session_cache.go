package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"authguard/internal/client"
	"authguard/internal/models"
	"authguard/internal/util"
)

const (
	sessionSnapshotPrefix = "sessions:snapshot:"
	sessionSnapshotTTL    = 10 * time.Minute
)

// SessionSnapshot bundles everything the risk assessor needs about a user
// so one cache read answers the whole lookup.
type SessionSnapshot struct {
	Sessions   []models.SessionRecord `json:"sessions"`
	LoginState models.LoginState      `json:"loginState"`
	CachedAt   time.Time              `json:"cachedAt"`
}

// SessionCache keeps recent session snapshots in Redis so repeated risk
// checks for the same user skip the session store. Misses are not errors;
// callers fall through to the repository.
type SessionCache struct {
	client *client.RedisClient
	ttl    time.Duration
}

func NewSessionCache(redisClient *client.RedisClient) *SessionCache {
	return &SessionCache{client: redisClient, ttl: sessionSnapshotTTL}
}

// Get returns the cached snapshot for a user, or (nil, nil) on a miss.
func (c *SessionCache) Get(ctx context.Context, userID string) (*SessionSnapshot, error) {
	raw, err := c.client.Get(ctx, sessionSnapshotPrefix+userID)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read session snapshot: %w", err)
	}

	var snapshot SessionSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		// A corrupt entry is treated as a miss and dropped so the next
		// write replaces it.
		util.Warn("Discarding corrupt session snapshot",
			zap.String("userId", userID),
			zap.Error(err))
		_ = c.client.Del(ctx, sessionSnapshotPrefix+userID)
		return nil, nil
	}
	return &snapshot, nil
}

func (c *SessionCache) Set(ctx context.Context, userID string, snapshot *SessionSnapshot) error {
	snapshot.CachedAt = time.Now().UTC()
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode session snapshot: %w", err)
	}
	if err := c.client.Set(ctx, sessionSnapshotPrefix+userID, data, c.ttl); err != nil {
		return fmt.Errorf("failed to store session snapshot: %w", err)
	}
	return nil
}

// Invalidate drops a user's snapshot. Called after a new session is
// recorded so the next assessment sees the fresh device list.
func (c *SessionCache) Invalidate(ctx context.Context, userID string) error {
	return c.client.Del(ctx, sessionSnapshotPrefix+userID)
}
