package identity

import "strings"

// classifyUserAgent derives display fields from a user-agent string.
// Substring matching is deliberate: user agents are untrusted input and the
// output is cosmetic, so best-effort beats a full parser here. Order
// matters — Chrome claims Safari, Edge claims Chrome, and so on.
func classifyUserAgent(userAgent string) (browser, os string, deviceType DeviceType) {
	browser = UnknownValue
	os = UnknownValue
	deviceType = DeviceUnknown

	if userAgent == "" {
		return
	}
	ua := strings.ToLower(userAgent)

	switch {
	case strings.Contains(ua, "edg/"), strings.Contains(ua, "edge/"):
		browser = "Edge"
	case strings.Contains(ua, "opr/"), strings.Contains(ua, "opera"):
		browser = "Opera"
	case strings.Contains(ua, "chrome/"), strings.Contains(ua, "crios/"):
		browser = "Chrome"
	case strings.Contains(ua, "firefox/"), strings.Contains(ua, "fxios/"):
		browser = "Firefox"
	case strings.Contains(ua, "safari/"):
		browser = "Safari"
	case strings.Contains(ua, "msie"), strings.Contains(ua, "trident/"):
		browser = "Internet Explorer"
	}

	switch {
	case strings.Contains(ua, "windows"):
		os = "Windows"
	case strings.Contains(ua, "iphone"), strings.Contains(ua, "ipad"), strings.Contains(ua, "ipod"):
		os = "iOS"
	case strings.Contains(ua, "mac os x"), strings.Contains(ua, "macintosh"):
		os = "macOS"
	case strings.Contains(ua, "android"):
		os = "Android"
	case strings.Contains(ua, "linux"):
		os = "Linux"
	}

	switch {
	case strings.Contains(ua, "ipad"), strings.Contains(ua, "tablet"):
		deviceType = DeviceTablet
	case strings.Contains(ua, "mobi"), strings.Contains(ua, "iphone"), strings.Contains(ua, "android"):
		deviceType = DeviceMobile
	case os != UnknownValue:
		deviceType = DeviceDesktop
	}

	return
}
