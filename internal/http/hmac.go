package httpx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Report signature headers. The signature is hex HMAC-SHA256 over
// "<timestamp>.<body>" keyed by REPORT_SECRET.
const (
	SignatureHeader = "X-Slotscope-Signature"
	TimestampHeader = "X-Slotscope-Timestamp"

	DefaultSignatureSkew = 5 * time.Minute
)

// HMACAuth verifies signed outcome reports from a cooperating game backend.
type HMACAuth struct {
	secret     []byte
	skew       time.Duration
	trustProxy bool
	now        func() time.Time
}

// NewHMACAuth returns nil when secret is empty, which disables verification.
func NewHMACAuth(secret string, trustProxy bool) *HMACAuth {
	if secret == "" {
		return nil
	}
	return &HMACAuth{
		secret:     []byte(secret),
		skew:       DefaultSignatureSkew,
		trustProxy: trustProxy,
		now:        time.Now,
	}
}

// Sign returns the signature for payload sent at ts.
func (h *HMACAuth) Sign(ts time.Time, payload []byte) string {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(strconv.FormatInt(ts.Unix(), 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC validates the signature and timestamp headers for a request.
// A nil HMACAuth accepts everything.
func (h *HMACAuth) VerifyHMAC(r *http.Request, payload []byte) bool {
	if h == nil {
		return true
	}
	clientIP := getClientIP(r, h.trustProxy)

	provided := r.Header.Get(SignatureHeader)
	if provided == "" {
		log.Printf("hmac: missing %s header from %s", SignatureHeader, clientIP)
		return false
	}
	unix, err := strconv.ParseInt(r.Header.Get(TimestampHeader), 10, 64)
	if err != nil {
		log.Printf("hmac: bad %s header from %s", TimestampHeader, clientIP)
		return false
	}
	ts := time.Unix(unix, 0)
	if d := h.now().Sub(ts); d > h.skew || d < -h.skew {
		log.Printf("hmac: stale report from %s (skew %s)", clientIP, d.Round(time.Second))
		return false
	}

	expected := h.Sign(ts, payload)
	if !hmac.Equal([]byte(strings.ToLower(provided)), []byte(expected)) {
		log.Printf("hmac: signature mismatch from %s", clientIP)
		return false
	}
	return true
}

// getClientIP extracts the client IP, consulting proxy headers only when trusted.
func getClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// First hop is the original client.
			if ips := strings.Split(xff, ","); len(ips) > 0 {
				return strings.TrimSpace(ips[0])
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}
	return normalizeIP(r.RemoteAddr)
}

// normalizeIP strips a port and IPv6 brackets.
func normalizeIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	if strings.HasPrefix(addr, "[") {
		if idx := strings.LastIndex(addr, "]"); idx > 0 {
			return addr[1:idx]
		}
	}
	return addr
}
