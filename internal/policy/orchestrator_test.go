package policy

import (
	"testing"

	"authguard/internal/config"
	"authguard/internal/ratelimit"
	"authguard/internal/risk"
)

func newTestOrchestrator() *Orchestrator {
	return NewOrchestrator(&config.Config{
		Policy: config.PolicyConfig{NotifyFlagCount: 1, ChallengeFlagCount: 2},
	})
}

func TestRateLimitRejectionWinsOverCleanRisk(t *testing.T) {
	orchestrator := newTestOrchestrator()

	outcomes := []ratelimit.Outcome{
		{Allowed: true, RuleName: "api"},
		{Allowed: false, RuleName: "login", Message: "Too many login attempts."},
	}

	decision := orchestrator.Decide(outcomes, risk.Assessment{})

	if decision.Action != ActionReject {
		t.Fatalf("action = %q, want reject", decision.Action)
	}
	if decision.RejectedBy != "login" {
		t.Fatalf("rejectedBy = %q, want login", decision.RejectedBy)
	}
	if decision.Message == "" {
		t.Fatal("rejection must carry the rule's message")
	}
}

func TestNoFlagsAllowsSilently(t *testing.T) {
	decision := newTestOrchestrator().Decide(
		[]ratelimit.Outcome{{Allowed: true, RuleName: "api"}},
		risk.Assessment{},
	)

	if decision.Action != ActionAllow || decision.Notify {
		t.Fatalf("decision = %+v, want silent allow", decision)
	}
}

func TestSingleFlagAllowsWithNotify(t *testing.T) {
	decision := newTestOrchestrator().Decide(
		[]ratelimit.Outcome{{Allowed: true, RuleName: "api"}},
		risk.Assessment{NewDevice: true},
	)

	if decision.Action != ActionAllow {
		t.Fatalf("action = %q, want allow", decision.Action)
	}
	if !decision.Notify {
		t.Fatal("single risk flag must request caller notification")
	}
}

func TestTwoFlagsChallenge(t *testing.T) {
	decision := newTestOrchestrator().Decide(
		[]ratelimit.Outcome{{Allowed: true, RuleName: "api"}},
		risk.Assessment{NewDevice: true, SuspiciousTiming: true},
	)

	if decision.Action != ActionChallenge {
		t.Fatalf("action = %q, want challenge", decision.Action)
	}
}

func TestAllFlagsChallengeOrStronger(t *testing.T) {
	// The end-to-end case: brand-new device, foreign prefix, 10s re-login.
	decision := newTestOrchestrator().Decide(
		[]ratelimit.Outcome{{Allowed: true, RuleName: "login"}},
		risk.Assessment{NewDevice: true, SuspiciousLocation: true, SuspiciousTiming: true},
	)

	if decision.Action != ActionChallenge && decision.Action != ActionReject {
		t.Fatalf("action = %q, want challenge or stronger", decision.Action)
	}
}

func TestThresholdsAreConfigurable(t *testing.T) {
	strict := NewOrchestrator(&config.Config{
		Policy: config.PolicyConfig{NotifyFlagCount: 1, ChallengeFlagCount: 1},
	})

	decision := strict.Decide(
		[]ratelimit.Outcome{{Allowed: true, RuleName: "api"}},
		risk.Assessment{SuspiciousTiming: true},
	)

	if decision.Action != ActionChallenge {
		t.Fatalf("action = %q, want challenge with a 1-flag threshold", decision.Action)
	}
}
