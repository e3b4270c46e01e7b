package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"authguard/internal/client"
	"authguard/internal/ratelimit"
	"authguard/internal/util"
)

const (
	fixedCounterPrefix  = "rl:fixed:"
	slidingWindowPrefix = "rl:sliding:"
)

// RateLimitCache is the Redis-backed counter store used when several
// instances must share one admission budget. Both scripts run atomically
// inside Redis, so the same-key linearization guarantee of the in-memory
// engine carries over across processes.
type RateLimitCache struct {
	client *client.RedisClient
	rules  map[string]ratelimit.Rule
}

func NewRateLimitCache(redisClient *client.RedisClient, rules []ratelimit.Rule) *RateLimitCache {
	ruleMap := make(map[string]ratelimit.Rule, len(rules))
	for _, rule := range rules {
		ruleMap[rule.Name] = rule
	}
	return &RateLimitCache{client: redisClient, rules: ruleMap}
}

// fixedWindowScript admits iff the pre-increment count is below max. The
// counter only grows on admission, so it can never run past max.
const fixedWindowScript = `
	local key = KEYS[1]
	local max = tonumber(ARGV[1])
	local window_ms = tonumber(ARGV[2])

	local count = tonumber(redis.call('GET', key) or '0')
	if count >= max then
		return {0, count, redis.call('PTTL', key)}
	end

	count = redis.call('INCR', key)
	if count == 1 then
		redis.call('PEXPIRE', key, window_ms)
	end
	return {1, count, redis.call('PTTL', key)}
`

// slidingWindowScript prunes expired hits, admits if capacity remains and
// appends the new hit only when admitted. The member carries a unique
// suffix so concurrent hits sharing one millisecond each occupy a slot.
const slidingWindowScript = `
	local key = KEYS[1]
	local now_ms = tonumber(ARGV[1])
	local window_ms = tonumber(ARGV[2])
	local max = tonumber(ARGV[3])
	local member = ARGV[4]

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now_ms - window_ms)

	local count = redis.call('ZCARD', key)
	local allowed = 0
	if count < max then
		redis.call('ZADD', key, now_ms, member)
		redis.call('PEXPIRE', key, window_ms)
		allowed = 1
		count = count + 1
	end

	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	local oldest_ms = now_ms
	if oldest[2] then
		oldest_ms = tonumber(oldest[2])
	end
	return {allowed, count, oldest_ms}
`

// Admit evaluates one rule for one client key against the shared counters.
func (c *RateLimitCache) Admit(ctx context.Context, ruleID, clientKey string, now time.Time) (ratelimit.Outcome, error) {
	rule, ok := c.rules[ruleID]
	if !ok {
		panic(fmt.Sprintf("ratelimit: unregistered rule %q", ruleID))
	}

	switch rule.Mode {
	case ratelimit.SlidingExact:
		return c.admitSliding(ctx, rule, clientKey, now)
	default:
		return c.admitFixed(ctx, rule, clientKey, now)
	}
}

func (c *RateLimitCache) admitFixed(ctx context.Context, rule ratelimit.Rule, clientKey string, now time.Time) (ratelimit.Outcome, error) {
	key := fixedCounterPrefix + rule.Name + ":" + clientKey

	result, err := c.client.Eval(ctx, fixedWindowScript, []string{key},
		rule.Max, rule.Window.Milliseconds())
	if err != nil {
		util.Error("Fixed window rate limit script failed",
			zap.String("rule", rule.Name),
			zap.String("key", clientKey),
			zap.Error(err))
		return ratelimit.Outcome{}, fmt.Errorf("failed to evaluate fixed window limit: %w", err)
	}

	allowed, count, ttlMs, err := parseScriptReply(result)
	if err != nil {
		return ratelimit.Outcome{}, err
	}

	resetAt := now.Add(rule.Window)
	if ttlMs > 0 {
		resetAt = now.Add(time.Duration(ttlMs) * time.Millisecond)
	}

	return c.outcome(rule, allowed, rule.Max-int(count), resetAt, now), nil
}

func (c *RateLimitCache) admitSliding(ctx context.Context, rule ratelimit.Rule, clientKey string, now time.Time) (ratelimit.Outcome, error) {
	key := slidingWindowPrefix + rule.Name + ":" + clientKey

	member := fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString())
	result, err := c.client.Eval(ctx, slidingWindowScript, []string{key},
		now.UnixMilli(), rule.Window.Milliseconds(), rule.Max, member)
	if err != nil {
		util.Error("Sliding window rate limit script failed",
			zap.String("rule", rule.Name),
			zap.String("key", clientKey),
			zap.Error(err))
		return ratelimit.Outcome{}, fmt.Errorf("failed to evaluate sliding window limit: %w", err)
	}

	allowed, count, oldestMs, err := parseScriptReply(result)
	if err != nil {
		return ratelimit.Outcome{}, err
	}

	resetAt := time.UnixMilli(oldestMs).Add(rule.Window)
	return c.outcome(rule, allowed, rule.Max-int(count), resetAt, now), nil
}

// Forgive removes the newest counted hit for a SkipSuccessful rule after
// the guarded operation succeeded. The timestamp is accepted for parity
// with the in-memory engine; the removal itself is position-based.
func (c *RateLimitCache) Forgive(ctx context.Context, ruleID, clientKey string, _ time.Time) error {
	rule, ok := c.rules[ruleID]
	if !ok || !rule.SkipSuccessful {
		return nil
	}

	if rule.Mode == ratelimit.SlidingExact {
		key := slidingWindowPrefix + rule.Name + ":" + clientKey
		return c.client.Client.ZRemRangeByRank(ctx, key, -1, -1).Err()
	}

	key := fixedCounterPrefix + rule.Name + ":" + clientKey
	const decrScript = `
		local count = tonumber(redis.call('GET', KEYS[1]) or '0')
		if count > 0 then
			redis.call('DECR', KEYS[1])
		end
		return count
	`
	_, err := c.client.Eval(ctx, decrScript, []string{key})
	return err
}

func (c *RateLimitCache) outcome(rule ratelimit.Rule, allowed bool, remaining int, resetAt, now time.Time) ratelimit.Outcome {
	if remaining < 0 {
		remaining = 0
	}
	out := ratelimit.Outcome{
		Allowed:   allowed,
		RuleName:  rule.Name,
		Limit:     rule.Max,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !allowed {
		out.RetryAfter = resetAt.Sub(now)
		if out.RetryAfter < 0 {
			out.RetryAfter = 0
		}
		out.Message = ratelimit.RejectionMessage(rule.Name, out.RetryAfter)
	}
	return out
}

func parseScriptReply(result interface{}) (allowed bool, count int64, extra int64, err error) {
	reply, ok := result.([]interface{})
	if !ok || len(reply) != 3 {
		return false, 0, 0, fmt.Errorf("unexpected reply from rate limit script: %v", result)
	}

	flag, ok1 := reply[0].(int64)
	count, ok2 := reply[1].(int64)
	extra, ok3 := reply[2].(int64)
	if !ok1 || !ok2 || !ok3 {
		return false, 0, 0, fmt.Errorf("unexpected reply types from rate limit script: %v", result)
	}
	return flag == 1, count, extra, nil
}
