package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"authguard/internal/bucketing"
	"authguard/internal/util"
)

// Outcome is the admission decision for one rule evaluation.
type Outcome struct {
	Allowed    bool          `json:"allowed"`
	RuleName   string        `json:"rule"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Message    string        `json:"message,omitempty"`
}

// Engine maintains per-(rule, client) counters and admits or rejects
// requests. Counters live in sharded maps with one mutex per shard, so
// evaluations of the same key are linearized while unrelated keys never
// contend.
type Engine struct {
	rules   map[string]Rule
	shards  []*counterShard
	buckets *bucketing.Manager

	sweepInterval time.Duration
	maxWindow     time.Duration
	stopSweep     chan struct{}
	stopOnce      sync.Once
}

type counterShard struct {
	mu       sync.Mutex
	counters map[string]*counterState
}

// counterState holds the mutable window state for one (rule, client) key.
// Fixed-window rules use windowStart/count; sliding-exact rules use hits.
type counterState struct {
	windowStart time.Time
	count       int
	hits        []time.Time
	touched     time.Time
}

// NewEngine validates and registers the rule table and builds the counter
// store. An invalid rule is a configuration error and is returned, never
// ignored.
func NewEngine(rules []Rule, buckets *bucketing.Manager, sweepInterval time.Duration) (*Engine, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("no rate limit rules registered")
	}

	ruleMap := make(map[string]Rule, len(rules))
	var maxWindow time.Duration
	for _, rule := range rules {
		if rule.Window <= 0 || rule.Max <= 0 {
			return nil, fmt.Errorf("rule %q: window and max must be positive", rule.Name)
		}
		if _, exists := ruleMap[rule.Name]; exists {
			return nil, fmt.Errorf("rule %q registered twice", rule.Name)
		}
		ruleMap[rule.Name] = rule
		if rule.Window > maxWindow {
			maxWindow = rule.Window
		}
	}

	shards := make([]*counterShard, buckets.CounterShards())
	for i := range shards {
		shards[i] = &counterShard{counters: make(map[string]*counterState)}
	}

	return &Engine{
		rules:         ruleMap,
		shards:        shards,
		buckets:       buckets,
		sweepInterval: sweepInterval,
		maxWindow:     maxWindow,
		stopSweep:     make(chan struct{}),
	}, nil
}

// Rule returns a registered rule. Looking up an unregistered rule is a
// programming error, the same contract Admit enforces.
func (e *Engine) Rule(ruleID string) Rule {
	rule, ok := e.rules[ruleID]
	if !ok {
		panic(fmt.Sprintf("ratelimit: unregistered rule %q", ruleID))
	}
	return rule
}

// KeyFor builds the client key for a rule according to its scope.
func (e *Engine) KeyFor(ruleID, clientIP, route string) string {
	rule := e.Rule(ruleID)
	if rule.Scope == ScopeIPRoute {
		return clientIP + ":" + route
	}
	return clientIP
}

// Admit evaluates one rule for one client key at the given instant.
// Evaluation and counter mutation happen atomically under the key's shard
// lock: no more than Max admissions can succeed per window per key, even
// under full concurrency.
func (e *Engine) Admit(ruleID, clientKey string, now time.Time) Outcome {
	rule := e.Rule(ruleID)

	key := ruleID + ":" + clientKey
	shard := e.shards[e.buckets.CounterShard(key)]

	shard.mu.Lock()
	defer shard.mu.Unlock()

	state, ok := shard.counters[key]
	if !ok {
		state = &counterState{}
		shard.counters[key] = state
	}
	state.touched = now

	switch rule.Mode {
	case SlidingExact:
		return e.admitSliding(rule, state, now)
	default:
		return e.admitFixed(rule, state, now)
	}
}

func (e *Engine) admitFixed(rule Rule, state *counterState, now time.Time) Outcome {
	if state.windowStart.IsZero() || now.Sub(state.windowStart) >= rule.Window {
		state.windowStart = now
		state.count = 0
	}

	allowed := state.count < rule.Max
	if allowed {
		state.count++
	}

	resetAt := state.windowStart.Add(rule.Window)
	return e.outcome(rule, allowed, rule.Max-state.count, resetAt, now)
}

func (e *Engine) admitSliding(rule Rule, state *counterState, now time.Time) Outcome {
	cutoff := now.Add(-rule.Window)

	kept := state.hits[:0]
	for _, hit := range state.hits {
		if hit.After(cutoff) {
			kept = append(kept, hit)
		}
	}
	state.hits = kept

	allowed := len(state.hits) < rule.Max
	if allowed {
		state.hits = append(state.hits, now)
	}

	// The oldest tracked hit leaving the window frees the next slot.
	resetAt := now.Add(rule.Window)
	if len(state.hits) > 0 {
		resetAt = state.hits[0].Add(rule.Window)
	}

	return e.outcome(rule, allowed, rule.Max-len(state.hits), resetAt, now)
}

func (e *Engine) outcome(rule Rule, allowed bool, remaining int, resetAt, now time.Time) Outcome {
	if remaining < 0 {
		remaining = 0
	}

	out := Outcome{
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
		out.Message = RejectionMessage(rule.Name, out.RetryAfter)
	}
	return out
}

// Forgive un-counts the most recent admitted hit for a SkipSuccessful rule,
// called by the pipeline after the guarded operation succeeded. Rules that
// count successful requests are left untouched.
func (e *Engine) Forgive(ruleID, clientKey string, now time.Time) {
	rule := e.Rule(ruleID)
	if !rule.SkipSuccessful {
		return
	}

	key := ruleID + ":" + clientKey
	shard := e.shards[e.buckets.CounterShard(key)]

	shard.mu.Lock()
	defer shard.mu.Unlock()

	state, ok := shard.counters[key]
	if !ok {
		return
	}
	state.touched = now

	switch rule.Mode {
	case SlidingExact:
		if n := len(state.hits); n > 0 {
			state.hits = state.hits[:n-1]
		}
	default:
		if state.count > 0 && now.Sub(state.windowStart) < rule.Window {
			state.count--
		}
	}
}

// StartSweeper evicts counters whose window has elapsed without another
// touch, bounding memory by active keys rather than historical ones.
func (e *Engine) StartSweeper() {
	if e.sweepInterval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(e.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				evicted := e.sweep(time.Now())
				if evicted > 0 {
					util.Debug("Rate limit counters swept", zap.Int("evicted", evicted))
				}
			case <-e.stopSweep:
				return
			}
		}
	}()
}

func (e *Engine) sweep(now time.Time) int {
	evicted := 0
	for _, shard := range e.shards {
		shard.mu.Lock()
		for key, state := range shard.counters {
			// A counter untouched for longer than the largest registered
			// window can no longer influence any decision.
			if now.Sub(state.touched) >= e.maxWindow {
				delete(shard.counters, key)
				evicted++
			}
		}
		shard.mu.Unlock()
	}
	return evicted
}

// Close stops the background sweeper.
func (e *Engine) Close() {
	e.stopOnce.Do(func() {
		close(e.stopSweep)
	})
}
