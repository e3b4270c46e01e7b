package policy

import (
	"authguard/internal/config"
	"authguard/internal/ratelimit"
	"authguard/internal/risk"
)

// Action is the single caller-facing verdict for an authentication attempt.
type Action string

const (
	// ActionAllow admits the attempt.
	ActionAllow Action = "allow"
	// ActionChallenge admits the attempt only after secondary verification.
	ActionChallenge Action = "challenge"
	// ActionReject refuses the attempt outright.
	ActionReject Action = "reject"
)

// Decision is the orchestrator's output. RejectedBy names the rate-limit
// rule that caused a rejection; Notify tells the caller to log/alert even
// though the attempt was allowed.
type Decision struct {
	Action     Action          `json:"action"`
	Notify     bool            `json:"notify"`
	RejectedBy string          `json:"rejected_by,omitempty"`
	Message    string          `json:"message,omitempty"`
	Assessment risk.Assessment `json:"risk"`
}

// Orchestrator folds rate-limit verdicts and risk flags into one action.
// The thresholds are configuration, not constants: how many anomaly flags
// warrant a challenge is a product decision.
type Orchestrator struct {
	notifyFlagCount    int
	challengeFlagCount int
}

func NewOrchestrator(cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		notifyFlagCount:    cfg.Policy.NotifyFlagCount,
		challengeFlagCount: cfg.Policy.ChallengeFlagCount,
	}
}

// Decide applies the default policy: any rate-limit rejection wins
// unconditionally, then the risk flags escalate from silent allow through
// notify to challenge.
func (o *Orchestrator) Decide(outcomes []ratelimit.Outcome, assessment risk.Assessment) Decision {
	for _, outcome := range outcomes {
		if !outcome.Allowed {
			return Decision{
				Action:     ActionReject,
				RejectedBy: outcome.RuleName,
				Message:    outcome.Message,
				Assessment: assessment,
			}
		}
	}

	flags := assessment.FlagCount()
	decision := Decision{Action: ActionAllow, Assessment: assessment}

	if flags >= o.challengeFlagCount {
		decision.Action = ActionChallenge
		return decision
	}
	if flags >= o.notifyFlagCount {
		decision.Notify = true
	}
	return decision
}
