package identity

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// canonicalLoopback is the single representation for every loopback variant
// (::1, 127.0.0.1, ::ffff:127.0.0.1), so location comparisons are never
// triggered by protocol-family differences alone.
const canonicalLoopback = "127.0.0.1"

// ClientIP resolves the client address for a request. The left-most entry of
// X-Forwarded-For wins when present (the originally trusted hop); otherwise
// the raw connection address is used.
func ClientIP(headers http.Header, remoteAddr string) string {
	if forwarded := strings.TrimSpace(headers.Get("X-Forwarded-For")); forwarded != "" {
		first := forwarded
		if idx := strings.IndexByte(forwarded, ','); idx >= 0 {
			first = forwarded[:idx]
		}
		if ip := normalizeIP(strings.TrimSpace(first)); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(remoteAddr))
	if err != nil {
		host = strings.TrimSpace(remoteAddr)
	}
	if ip := normalizeIP(host); ip != "" {
		return ip
	}
	return host
}

// normalizeIP canonicalizes an address string. IPv4-mapped IPv6 addresses
// are unmapped and loopbacks collapse to one spelling. Unparsable input
// yields "" so the caller can fall through to a rawer source.
func normalizeIP(raw string) string {
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return ""
	}
	addr = addr.Unmap()
	if addr.IsLoopback() {
		return canonicalLoopback
	}
	return addr.String()
}
