package nostr

import (
	"net/url"
	"strings"
)

// NormalizeRelayURL validates and normalizes a relay URL supplied as
// configuration or flag input. Returns empty string if the URL is
// invalid/malformed. Discovered URLs are deliberately not run through
// this: announcements dedupe on the exact string the relay published.
func NormalizeRelayURL(relayURL string) string {
	relayURL = strings.TrimSpace(relayURL)
	if relayURL == "" {
		return ""
	}

	// Quick reject for obviously bad URLs (no colon = no protocol)
	if !strings.Contains(relayURL, "://") {
		return ""
	}

	// Reject URL-encoded spaces (indicates garbage text as URL)
	if strings.Contains(relayURL, "%20") || strings.Contains(relayURL, "+") {
		return ""
	}

	// Reject double protocols (wss://https://...)
	if strings.Count(relayURL, "://") > 1 {
		return ""
	}

	parsed, err := url.Parse(relayURL)
	if err != nil {
		return ""
	}

	// Must be ws:// or wss:// (not ww://, http://, etc)
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return ""
	}

	host := parsed.Hostname()
	if host == "" {
		return ""
	}

	// Reject hostnames that are clearly not relay URLs
	if len(host) < 3 {
		return ""
	}
	if !strings.Contains(host, ".") && host != "localhost" {
		return ""
	}
	if strings.Contains(host, " ") {
		return ""
	}
	// Block unreachable pseudo-TLDs; localhost stays allowed for
	// development relays.
	if isUnreachableHost(host) {
		return ""
	}

	// Normalize: lowercase scheme and host, keep port and any path,
	// strip a bare trailing slash.
	result := strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(host)
	if parsed.Port() != "" {
		result += ":" + parsed.Port()
	}
	if parsed.Path != "" && parsed.Path != "/" {
		result += parsed.Path
	}
	return result
}

func isUnreachableHost(host string) bool {
	host = strings.ToLower(host)
	return strings.HasSuffix(host, ".local") ||
		strings.HasSuffix(host, ".internal") ||
		strings.HasSuffix(host, ".onion") ||
		strings.HasSuffix(host, ".localhost")
}
