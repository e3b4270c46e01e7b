package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"authguard/internal/audit"
	"authguard/internal/identity"
	"authguard/internal/models"
	"authguard/internal/policy"
	"authguard/internal/ratelimit"
	redisrepo "authguard/internal/repository/redis"
	"authguard/internal/risk"
	"authguard/internal/util"
)

// SessionSource is the narrow view of the session store the risk pipeline
// needs. The Scylla repository implements it; tests substitute a fake.
type SessionSource interface {
	ListSessions(ctx context.Context, userID string) ([]models.SessionRecord, error)
	GetLoginState(ctx context.Context, userID string) (models.LoginState, error)
	AppendSession(ctx context.Context, record *models.SessionRecord) error
}

// Limiter is one admission backend. The in-memory engine serves a single
// instance; the Redis cache serves a fleet sharing one budget.
type Limiter interface {
	Admit(ctx context.Context, ruleID, clientKey string, now time.Time) (ratelimit.Outcome, error)
	Forgive(ctx context.Context, ruleID, clientKey string, now time.Time) error
}

// memoryLimiter adapts the in-process engine to the Limiter interface.
type memoryLimiter struct {
	engine *ratelimit.Engine
}

func (m *memoryLimiter) Admit(_ context.Context, ruleID, clientKey string, now time.Time) (ratelimit.Outcome, error) {
	return m.engine.Admit(ruleID, clientKey, now), nil
}

func (m *memoryLimiter) Forgive(_ context.Context, ruleID, clientKey string, now time.Time) error {
	m.engine.Forgive(ruleID, clientKey, now)
	return nil
}

// DecisionRequest is one guarded attempt to evaluate.
type DecisionRequest struct {
	UserID      string
	Route       string
	RuleIDs     []string
	Fingerprint identity.DeviceFingerprint
}

// DecisionResult carries the verdict plus the inputs that produced it, so
// the handler can surface limit headers and the audit trail stays honest.
type DecisionResult struct {
	Decision    policy.Decision
	Outcomes    []ratelimit.Outcome
	Fingerprint identity.DeviceFingerprint
}

// GuardService runs the full decision pipeline: rate limits first, then
// the risk flags, then the policy fold. Session history is read through
// the Redis snapshot cache when one is configured.
type GuardService struct {
	engine       *ratelimit.Engine
	limiter      Limiter
	assessor     *risk.Assessor
	orchestrator *policy.Orchestrator
	sessions     SessionSource
	cache        *redisrepo.SessionCache
	recorder     *audit.Recorder
	now          func() time.Time
}

func NewGuardService(
	engine *ratelimit.Engine,
	distributed Limiter,
	assessor *risk.Assessor,
	orchestrator *policy.Orchestrator,
	sessions SessionSource,
	cache *redisrepo.SessionCache,
	recorder *audit.Recorder,
) *GuardService {
	var limiter Limiter = &memoryLimiter{engine: engine}
	if distributed != nil {
		limiter = distributed
	}
	return &GuardService{
		engine:       engine,
		limiter:      limiter,
		assessor:     assessor,
		orchestrator: orchestrator,
		sessions:     sessions,
		cache:        cache,
		recorder:     recorder,
		now:          time.Now,
	}
}

// Admit evaluates a single rule for a request. The rate-limit middleware
// calls this for routes that carry no identity context.
func (s *GuardService) Admit(ctx context.Context, ruleID, clientIP, route string) (ratelimit.Outcome, error) {
	key := s.engine.KeyFor(ruleID, clientIP, route)
	return s.limiter.Admit(ctx, ruleID, key, s.now())
}

// Evaluate runs the decision pipeline for one attempt. Rate limits are
// checked in the order given; a rejection short-circuits the risk lookup
// since the policy rejects regardless of flags.
func (s *GuardService) Evaluate(ctx context.Context, req DecisionRequest) (*DecisionResult, error) {
	now := s.now()

	outcomes := make([]ratelimit.Outcome, 0, len(req.RuleIDs))
	for _, ruleID := range req.RuleIDs {
		key := s.engine.KeyFor(ruleID, req.Fingerprint.ClientIP, req.Route)
		outcome, err := s.limiter.Admit(ctx, ruleID, key, now)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate rule %q: %w", ruleID, err)
		}
		outcomes = append(outcomes, outcome)
		if !outcome.Allowed {
			decision := s.orchestrator.Decide(outcomes, risk.Assessment{})
			s.emitEvent(req, decision)
			return &DecisionResult{Decision: decision, Outcomes: outcomes, Fingerprint: req.Fingerprint}, nil
		}
	}

	assessment, err := s.assess(ctx, req, now)
	if err != nil {
		return nil, err
	}

	decision := s.orchestrator.Decide(outcomes, assessment)
	s.emitEvent(req, decision)
	return &DecisionResult{Decision: decision, Outcomes: outcomes, Fingerprint: req.Fingerprint}, nil
}

func (s *GuardService) assess(ctx context.Context, req DecisionRequest, now time.Time) (risk.Assessment, error) {
	if req.UserID == "" || s.sessions == nil {
		return risk.Assessment{}, nil
	}

	snapshot, err := s.loadSnapshot(ctx, req.UserID)
	if err != nil {
		return risk.Assessment{}, err
	}
	return s.assessor.Assess(snapshot.Sessions, req.Fingerprint, snapshot.LoginState, now), nil
}

func (s *GuardService) loadSnapshot(ctx context.Context, userID string) (*redisrepo.SessionSnapshot, error) {
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, userID)
		if err != nil {
			util.Warn("Session snapshot cache read failed",
				zap.String("user_id", userID),
				zap.Error(err))
		} else if cached != nil {
			return cached, nil
		}
	}

	sessions, err := s.sessions.ListSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session history: %w", err)
	}
	state, err := s.sessions.GetLoginState(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load login state: %w", err)
	}

	snapshot := &redisrepo.SessionSnapshot{Sessions: sessions, LoginState: state}
	if s.cache != nil {
		if err := s.cache.Set(ctx, userID, snapshot); err != nil {
			util.Warn("Session snapshot cache write failed",
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}
	return snapshot, nil
}

// ConfirmSuccess records that a guarded attempt succeeded: SkipSuccessful
// rules give their counted hit back, the session lands in the history and
// the stale snapshot is dropped.
func (s *GuardService) ConfirmSuccess(ctx context.Context, req DecisionRequest, sessionID string) error {
	now := s.now()
	for _, ruleID := range req.RuleIDs {
		rule := s.engine.Rule(ruleID)
		if !rule.SkipSuccessful {
			continue
		}
		key := s.engine.KeyFor(ruleID, req.Fingerprint.ClientIP, req.Route)
		if err := s.limiter.Forgive(ctx, ruleID, key, now); err != nil {
			util.Warn("Failed to release rate limit slot",
				zap.String("rule", ruleID),
				zap.Error(err))
		}
	}

	if req.UserID == "" || s.sessions == nil {
		return nil
	}

	record := &models.SessionRecord{
		UserID:    req.UserID,
		SessionID: sessionID,
		DeviceID:  req.Fingerprint.DeviceID,
		ClientIP:  req.Fingerprint.ClientIP,
		CreatedAt: now.UTC(),
	}
	if err := s.sessions.AppendSession(ctx, record); err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, req.UserID); err != nil {
			util.Warn("Session snapshot invalidation failed",
				zap.String("user_id", req.UserID),
				zap.Error(err))
		}
	}
	return nil
}

// emitEvent writes the audit record. Failures are logged, never surfaced:
// the decision stands whether or not the audit stores are reachable.
func (s *GuardService) emitEvent(req DecisionRequest, decision policy.Decision) {
	if s.recorder == nil {
		return
	}

	input := audit.EventInput{
		EventType:          "login_decision",
		UserID:             req.UserID,
		Route:              req.Route,
		DeviceID:           req.Fingerprint.DeviceID,
		DeviceName:         req.Fingerprint.DeviceName,
		ClientIP:           req.Fingerprint.ClientIP,
		Action:             string(decision.Action),
		RejectedBy:         decision.RejectedBy,
		NewDevice:          decision.Assessment.NewDevice,
		SuspiciousLocation: decision.Assessment.SuspiciousLocation,
		SuspiciousTiming:   decision.Assessment.SuspiciousTiming,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.recorder.Record(ctx, input); err != nil {
			util.Error("Failed to record decision event", zap.Error(err))
		}
	}()
}
