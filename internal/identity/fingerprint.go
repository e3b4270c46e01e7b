package identity

import (
	"encoding/hex"
	"net/http"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// DeviceType classifies the hardware class parsed from the user agent.
type DeviceType string

const (
	DeviceDesktop DeviceType = "desktop"
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
	DeviceUnknown DeviceType = "unknown"
)

// UnknownValue is the sentinel for fields the classifier could not derive.
const UnknownValue = "Unknown"

// DeviceFingerprint identifies a client configuration across requests.
// DeviceID is opaque to every consumer; the remaining fields are
// best-effort and exist for operator-facing display only.
type DeviceFingerprint struct {
	DeviceID   string     `json:"device_id"`
	DeviceName string     `json:"device_name"`
	DeviceType DeviceType `json:"device_type"`
	Browser    string     `json:"browser"`
	OS         string     `json:"os"`
	ClientIP   string     `json:"client_ip"`
}

// Extract derives a fingerprint from request metadata. Malformed or missing
// input degrades to sentinels, it never fails: blocking legitimate traffic
// on cosmetic data is worse than an "Unknown" label.
func Extract(headers http.Header, remoteAddr string) DeviceFingerprint {
	userAgent := strings.TrimSpace(headers.Get("User-Agent"))
	acceptLanguage := strings.TrimSpace(headers.Get("Accept-Language"))
	acceptEncoding := strings.TrimSpace(headers.Get("Accept-Encoding"))

	browser, os, deviceType := classifyUserAgent(userAgent)

	return DeviceFingerprint{
		DeviceID:   hashDeviceID(userAgent, acceptLanguage, acceptEncoding),
		DeviceName: deviceName(browser, os),
		DeviceType: deviceType,
		Browser:    browser,
		OS:         os,
		ClientIP:   ClientIP(headers, remoteAddr),
	}
}

// hashDeviceID computes the deterministic one-way device id. Identical
// normalized header tuples always map to the same id; the hash is
// collision-resistant so distinct tuples practically never collide.
func hashDeviceID(userAgent, acceptLanguage, acceptEncoding string) string {
	sum := blake2b.Sum256([]byte(userAgent + "\n" + acceptLanguage + "\n" + acceptEncoding))
	return hex.EncodeToString(sum[:])
}

func deviceName(browser, os string) string {
	if browser == UnknownValue && os == UnknownValue {
		return "Unknown Device"
	}
	if os == UnknownValue {
		return browser
	}
	if browser == UnknownValue {
		return os + " Device"
	}
	return browser + " on " + os
}
