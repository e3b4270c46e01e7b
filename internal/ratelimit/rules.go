package ratelimit

import (
	"fmt"
	"time"

	"authguard/internal/config"
)

// Mode selects the counting algorithm for a rule.
type Mode int

const (
	// FixedWindow resets the counter at discrete interval boundaries.
	// Cheap, but a burst straddling a boundary can see up to 2x max.
	FixedWindow Mode = iota
	// SlidingExact tracks individual request timestamps inside a rolling
	// window. Costs O(window occupancy) per call but never undercounts.
	SlidingExact
)

func (m Mode) String() string {
	switch m {
	case FixedWindow:
		return "fixed-window"
	case SlidingExact:
		return "sliding-exact"
	default:
		return "unknown"
	}
}

// Scope selects how the client key is built for a rule.
type Scope int

const (
	ScopeIP Scope = iota
	ScopeIPRoute
)

// Rule is an immutable rate-limit rule, registered once at startup.
type Rule struct {
	Name           string
	Window         time.Duration
	Max            int
	Mode           Mode
	Scope          Scope
	SkipSuccessful bool
}

// Per-family user-facing rejection text. Keyed by rule name; anything not
// listed falls back to the generic message.
var rejectionMessages = map[string]string{
	"login":          "Too many login attempts. Please wait %s before trying again.",
	"registration":   "Too many accounts created from this address. Please wait %s before trying again.",
	"password-reset": "Too many password reset requests. Please wait %s before trying again.",
	"strict":         "Request limit reached for this action. Please wait %s before trying again.",
	"api":            "Too many requests. Please wait %s before trying again.",
}

const genericRejectionMessage = "Too many requests. Please wait %s before trying again."

// RejectionMessage renders the category-specific cooldown hint for a rule.
func RejectionMessage(ruleName string, until time.Duration) string {
	format, ok := rejectionMessages[ruleName]
	if !ok {
		format = genericRejectionMessage
	}
	return fmt.Sprintf(format, humanizeCooldown(until))
}

// humanizeCooldown rounds a cooldown up to a value a person can act on.
func humanizeCooldown(d time.Duration) string {
	if d <= time.Second {
		return "a moment"
	}
	if d < time.Minute {
		return fmt.Sprintf("%d seconds", int(d.Round(time.Second).Seconds()))
	}
	minutes := int((d + time.Minute - 1) / time.Minute)
	if minutes == 1 {
		return "1 minute"
	}
	if minutes < 60 {
		return fmt.Sprintf("%d minutes", minutes)
	}
	hours := (minutes + 59) / 60
	if hours == 1 {
		return "1 hour"
	}
	return fmt.Sprintf("%d hours", hours)
}

// RulesFromConfig converts the configured rule table into engine rules.
// Invalid entries are rejected here as well; a silently admitted-everything
// rule must never reach the engine.
func RulesFromConfig(entries []config.RuleConfig) ([]Rule, error) {
	rules := make([]Rule, 0, len(entries))
	for _, entry := range entries {
		if entry.Window <= 0 || entry.Max <= 0 {
			return nil, fmt.Errorf("rule %q: window and max must be positive", entry.Name)
		}

		var mode Mode
		switch entry.Mode {
		case "fixed-window":
			mode = FixedWindow
		case "sliding-exact":
			mode = SlidingExact
		default:
			return nil, fmt.Errorf("rule %q: unknown counting mode %q", entry.Name, entry.Mode)
		}

		scope := ScopeIP
		if entry.Scope == "ip-route" {
			scope = ScopeIPRoute
		}

		rules = append(rules, Rule{
			Name:           entry.Name,
			Window:         entry.Window,
			Max:            entry.Max,
			Mode:           mode,
			Scope:          scope,
			SkipSuccessful: entry.SkipSuccessful,
		})
	}
	return rules, nil
}
