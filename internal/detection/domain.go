package detection

import (
	"fmt"
	"net/url"
	"strings"
)

// RootDomain returns the last two labels of the URL's host, or the whole
// host when it has two labels or fewer. Bare hosts are accepted too.
func RootDomain(raw string) (string, bool) {
	host := hostOf(raw)
	if host == "" {
		return "", false
	}
	parts := strings.Split(host, ".")
	if len(parts) <= 2 {
		return host, true
	}
	return strings.Join(parts[len(parts)-2:], "."), true
}

// Origin returns scheme://host[:port] of an absolute URL.
func Origin(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse frame url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("frame url %q is not absolute", raw)
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), nil
}

func hostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "//" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
