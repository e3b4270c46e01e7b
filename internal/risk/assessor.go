package risk

import (
	"net/netip"
	"strings"
	"time"

	"authguard/internal/config"
	"authguard/internal/identity"
	"authguard/internal/models"
)

// Assessment holds the three independent anomaly flags computed for one
// login attempt. Never persisted; the orchestrator and audit trail consume
// it and move on.
type Assessment struct {
	NewDevice          bool `json:"is_new_device"`
	SuspiciousLocation bool `json:"is_suspicious_location"`
	SuspiciousTiming   bool `json:"is_suspicious_timing"`
}

// FlagCount returns how many flags are raised.
func (a Assessment) FlagCount() int {
	count := 0
	if a.NewDevice {
		count++
	}
	if a.SuspiciousLocation {
		count++
	}
	if a.SuspiciousTiming {
		count++
	}
	return count
}

// Assessor compares a login attempt against the user's known history.
// All checks are pure reads of the supplied snapshot; the assessor performs
// no I/O and owns no state beyond its thresholds.
type Assessor struct {
	rapidLoginThreshold time.Duration
}

func NewAssessor(cfg *config.Config) *Assessor {
	return &Assessor{
		rapidLoginThreshold: cfg.Risk.RapidLoginThreshold,
	}
}

// Assess computes the anomaly flags for the current attempt. The caller must
// pass a coherent snapshot of the user's history, not a partially updated
// one.
func (a *Assessor) Assess(
	history []models.SessionRecord,
	current identity.DeviceFingerprint,
	state models.LoginState,
	now time.Time,
) Assessment {
	return Assessment{
		NewDevice:          isNewDevice(history, current.DeviceID),
		SuspiciousLocation: isSuspiciousLocation(state.LastLoginIP, current.ClientIP),
		SuspiciousTiming:   a.isSuspiciousTiming(state.LastLoginAt, now),
	}
}

// isNewDevice is true iff the device id appears in no known session.
func isNewDevice(history []models.SessionRecord, deviceID string) bool {
	for _, session := range history {
		if session.DeviceID == deviceID {
			return false
		}
	}
	return true
}

// isSuspiciousLocation compares the /16-style prefix (first two dot-separated
// octets) of the previous and current addresses. A first-ever login has
// nothing to compare against. Addresses that are not plain IPv4 make the
// comparison meaningless, so they resolve to "unknown, not suspicious"
// rather than guessing.
func isSuspiciousLocation(lastLoginIP, currentIP string) bool {
	if lastLoginIP == "" {
		return false
	}

	lastPrefix, ok := ipv4Prefix(lastLoginIP)
	if !ok {
		return false
	}
	currentPrefix, ok := ipv4Prefix(currentIP)
	if !ok {
		return false
	}

	return lastPrefix != currentPrefix
}

// ipv4Prefix returns the "a.b" prefix of a dotted-quad address.
func ipv4Prefix(raw string) (string, bool) {
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return "", false
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return "", false
	}

	parts := strings.SplitN(addr.String(), ".", 3)
	if len(parts) < 3 {
		return "", false
	}
	return parts[0] + "." + parts[1], true
}

// isSuspiciousTiming flags a re-login faster than a human plausibly types
// credentials. Unset lastLoginAt means a first login.
func (a *Assessor) isSuspiciousTiming(lastLoginAt, now time.Time) bool {
	if lastLoginAt.IsZero() {
		return false
	}
	return now.Sub(lastLoginAt) < a.rapidLoginThreshold
}
