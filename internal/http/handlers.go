package httpx

import (
	"encoding/json"
	"io"
	"log"
	"math"
	"net/http"
	"strings"

	"github.com/shortontech/slotscope/internal/assets"
	"github.com/shortontech/slotscope/internal/consent"
	"github.com/shortontech/slotscope/internal/dashboard"
	"github.com/shortontech/slotscope/internal/detection"
	"github.com/shortontech/slotscope/internal/intercept"
	"github.com/shortontech/slotscope/internal/metrics"
	cfg "github.com/shortontech/slotscope/pkg/config"
)

// Observed bundles the observed-context components driven over HTTP.
type Observed struct {
	Interceptor *intercept.Interceptor
	Page        *intercept.Page
	Watcher     *intercept.Watcher
	Transport   http.RoundTripper // tapped transport used by the proxy
}

type Env struct {
	Cfg      cfg.Config
	Metrics  *metrics.Metrics
	HMACAuth *HMACAuth // nil disables /report verification
	Observed *Observed
	Hub      *dashboard.Hub
	Consent  *consent.Activator

	// OnDetect is called when a relayed document contains a likely game frame.
	OnDetect func(detection.Detection)
	// Ready reports whether downstream components are up; nil means always ready.
	Ready func() error
}

func (e Env) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ObserverScript serves the in-page relay client.
func (e Env) ObserverScript(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "public, max-age=3600") // Cache for 1 hour
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(assets.ObserverJS)
}

func (e Env) Readyz(w http.ResponseWriter, r *http.Request) {
	if e.Ready != nil {
		if err := e.Ready(); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

type reportRequest struct {
	Bet *float64 `json:"bet"`
	Win *float64 `json:"win"`
}

// POST /report: exact outcome values from a cooperating game backend.
func (e Env) Report(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "application/json") {
		http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
		return
	}
	if e.Observed == nil || e.Observed.Watcher == nil {
		http.Error(w, "observer not running", http.StatusServiceUnavailable)
		return
	}

	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, e.maxBody()))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if !e.HMACAuth.VerifyHMAC(r, body) {
		http.Error(w, "invalid or missing signature", http.StatusUnauthorized)
		return
	}

	var req reportRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if !validAmount(req.Bet) || !validAmount(req.Win) {
		http.Error(w, "bet and win must be non-negative numbers", http.StatusBadRequest)
		return
	}
	if !e.Observed.Watcher.Report(*req.Bet, *req.Win) {
		http.Error(w, "outcome not forwarded", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "ok"})
}

func validAmount(v *float64) bool {
	return v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0) && *v >= 0
}

type consentRequest struct {
	Action string `json:"action"`
	Domain string `json:"domain"`
}

type consentStatus struct {
	Domain    string   `json:"domain"`
	Decision  string   `json:"decision"`
	Armed     bool     `json:"armed"`
	Whitelist []string `json:"whitelist"`
	Blacklist []string `json:"blacklist"`
}

// GET /consent reports the policy; POST /consent records a choice.
// Choices come from the dashboard origin or carry a valid report
// signature; the proxied game page shares this server's origin and must
// not arm itself.
func (e Env) ConsentHandler(w http.ResponseWriter, r *http.Request) {
	if e.Consent == nil {
		http.Error(w, "consent not configured", http.StatusNotFound)
		return
	}
	if !e.controlOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, e.consentStatus(e.Consent.Gate().Decide(e.Consent.Domain())))
	case http.MethodPost:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4096))
		if err != nil {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		if !e.consentAuthorized(r, body) {
			http.Error(w, "consent changes need the dashboard origin or a signature", http.StatusForbidden)
			return
		}
		var req consentRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		domain := req.Domain
		if domain == "" {
			domain = e.Consent.Domain()
		}

		var d consent.Decision
		switch strings.ToLower(req.Action) {
		case "allow":
			if domain == "" {
				http.Error(w, "domain is required", http.StatusBadRequest)
				return
			}
			d, err = e.Consent.Allow(domain)
		case "deny":
			if domain == "" {
				http.Error(w, "domain is required", http.StatusBadRequest)
				return
			}
			d, err = e.Consent.Deny(domain)
		case "snooze":
			d, err = e.Consent.Snooze()
		default:
			http.Error(w, "action must be allow, deny or snooze", http.StatusBadRequest)
			return
		}
		if err != nil {
			// The choice is recorded even if the observed context missed the message.
			log.Printf("consent: %v", err)
		}
		writeJSON(w, http.StatusOK, e.consentStatus(d))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (e Env) consentAuthorized(r *http.Request, body []byte) bool {
	if sameOrigin(r.Header.Get("Origin"), e.Cfg.DashboardOrigin) {
		return true
	}
	return e.HMACAuth != nil && e.HMACAuth.VerifyHMAC(r, body)
}

func (e Env) consentStatus(d consent.Decision) consentStatus {
	white, black := e.Consent.Gate().Lists()
	return consentStatus{
		Domain:    e.Consent.Domain(),
		Decision:  d.String(),
		Armed:     e.Consent.Armed(),
		Whitelist: white,
		Blacklist: black,
	}
}

// GET /dashboard renders the latest snapshot as a self-refreshing page.
func (e Env) Dashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if e.Hub == nil {
		http.Error(w, "dashboard not configured", http.StatusNotFound)
		return
	}
	if !e.controlOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	snap, ok := e.Hub.Latest()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := dashboard.WritePage(w, snap, ok, int(e.Cfg.DashboardRefresh)); err != nil {
		log.Printf("dashboard: render page: %v", err)
	}
}

// GET /dashboard/state returns the latest snapshot as JSON, or as the
// rendered text with ?format=text. 204 until the first snapshot arrives.
func (e Env) DashboardState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if e.Hub == nil {
		http.Error(w, "dashboard not configured", http.StatusNotFound)
		return
	}
	if !e.controlOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	snap, ok := e.Hub.Latest()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, dashboard.Render(snap))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (e Env) maxBody() int64 {
	if e.Cfg.MaxBodyBytes > 0 {
		return e.Cfg.MaxBodyBytes
	}
	return 1 << 20
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
