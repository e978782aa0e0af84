package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ServerAddr   string
	TrustProxy   bool     // honour X-Forwarded-For / X-Real-IP
	MaxBodyBytes int64    // cap for tapped response bodies and /report payloads
	Outputs      []string // enabled sinks: log, kafka, postgres
	TestMode     bool

	EnableHTTPS bool
	SSLCertFile string
	SSLKeyFile  string

	// Observed game. UpstreamURL is proxied through the tap; empty disables the proxy.
	UpstreamURL    string
	GameURL        string
	FrameWidth     int64
	FrameHeight    int64
	FrameSandbox   string
	GenericCapture bool
	SettleDelay    time.Duration

	// Context origins. ObservedOrigin falls back to the origin of GameURL,
	// then UpstreamURL, when unset.
	ObservedOrigin   string
	SupervisorOrigin string
	DashboardOrigin  string
	InboxSize        int64

	// Consent policy, keyed by root domain.
	Whitelist      []string
	Blacklist      []string
	SnoozeDuration time.Duration

	ReportSecret     string // HMAC secret for /report; empty disables verification
	DashboardRefresh int64  // seconds

	MetricsEnabled bool
}

func getOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func getBool(k string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(k)))
	switch v {
	case "1", "t", "true", "y", "yes":
		return true
	case "0", "f", "false", "n", "no":
		return false
	}
	return def
}
func getInt64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

// getDuration accepts Go duration strings ("1500ms", "5m") or a bare
// number of milliseconds.
func getDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d >= 0 {
		return d
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
		return time.Duration(n) * time.Millisecond
	}
	return def
}

func getStringSlice(k, def string) []string {
	v := os.Getenv(k)
	if v == "" {
		v = def
	}
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func Load() Config {
	return Config{
		ServerAddr:   getOr("SERVER_ADDR", ":19890"),
		TrustProxy:   getBool("TRUST_PROXY", false),
		MaxBodyBytes: getInt64("MAX_BODY_BYTES", 1<<20), // 1 MiB default
		Outputs:      getStringSlice("OUTPUTS", "log"),  // default to log only
		TestMode:     getBool("TEST_MODE", false),

		EnableHTTPS: getBool("ENABLE_HTTPS", false),
		SSLCertFile: getOr("SSL_CERT_FILE", ""),
		SSLKeyFile:  getOr("SSL_KEY_FILE", ""),

		UpstreamURL:    getOr("UPSTREAM_URL", ""),
		GameURL:        getOr("GAME_URL", ""),
		FrameWidth:     getInt64("GAME_FRAME_WIDTH", 0),
		FrameHeight:    getInt64("GAME_FRAME_HEIGHT", 0),
		FrameSandbox:   getOr("GAME_FRAME_SANDBOX", ""),
		GenericCapture: getBool("GENERIC_CAPTURE", true),
		SettleDelay:    getDuration("SETTLE_DELAY", 1500*time.Millisecond),

		ObservedOrigin:   getOr("OBSERVED_ORIGIN", ""),
		SupervisorOrigin: getOr("SUPERVISOR_ORIGIN", "https://supervisor.slotscope.local"),
		DashboardOrigin:  getOr("DASHBOARD_ORIGIN", "https://dashboard.slotscope.local"),
		InboxSize:        getInt64("INBOX_SIZE", 256),

		Whitelist:      getStringSlice("WHITELIST", ""),
		Blacklist:      getStringSlice("BLACKLIST", ""),
		SnoozeDuration: getDuration("SNOOZE_DURATION", 5*time.Minute),

		ReportSecret:     getOr("REPORT_SECRET", ""),
		DashboardRefresh: getInt64("DASHBOARD_REFRESH", 2),

		MetricsEnabled: getBool("METRICS_ENABLED", false),
	}
}
