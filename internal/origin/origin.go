// Package origin validates browser Origin headers on WebSocket upgrades.
package origin

import (
	"net"
	"net/url"
	"strings"
)

// Normalize validates and normalizes a browser Origin header to the form
// scheme://host[:port], lowercased, with default ports stripped.
//
// The special Origin value "null" is allowed and returned as-is.
func Normalize(originHeader string) (string, bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", false
	}
	if trimmed == "null" {
		return "null", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}

	host := strings.ToLower(u.Host)
	if hostname, port, err := net.SplitHostPort(host); err == nil {
		if port == "" || hostname == "" {
			return "", false
		}
		if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
			host = hostname
			if strings.Contains(hostname, ":") {
				host = "[" + hostname + "]"
			}
		}
	}

	return scheme + "://" + host, true
}

// Allowed reports whether the normalized origin may connect.
//
// A non-empty allowlist matches entries exactly, with "*" as a wildcard. An
// empty allowlist permits everything; deployments that front the daemon for
// browsers are expected to configure one.
func Allowed(normalizedOrigin string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, allowed := range allowlist {
		if allowed == "*" || allowed == normalizedOrigin {
			return true
		}
	}
	return false
}
