package httpx

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ProxyHandler forwards game traffic to the upstream through the tapped
// transport, so every response the game receives is observed on the way.
type ProxyHandler struct {
	destination *url.URL
	client      *http.Client
	maxBody     int64
}

// NewProxyHandler creates a proxy to destination. A nil transport uses
// http.DefaultTransport.
func NewProxyHandler(destination string, transport http.RoundTripper, maxBody int64) (*ProxyHandler, error) {
	target, err := url.Parse(destination)
	if err != nil {
		return nil, err
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, &url.Error{Op: "parse", URL: destination, Err: errNotAbsolute}
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &ProxyHandler{
		destination: target,
		maxBody:     maxBody,
		client: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second, // 30 second timeout for proxied requests
			// Redirects belong to the game; pass them through untouched.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}, nil
}

var errNotAbsolute = errors.New("destination must be an absolute URL")

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// ServeHTTP proxies requests to the destination server
func (p *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	targetURL := *p.destination
	targetURL.Path = singleJoin(p.destination.Path, r.URL.Path)
	targetURL.RawQuery = r.URL.RawQuery

	// Buffer the request body so the tap can read it through GetBody.
	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		buf, err := io.ReadAll(http.MaxBytesReader(w, r.Body, p.maxBody))
		if err != nil {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		body = bytes.NewReader(buf)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 25*time.Second)
	defer cancel()

	proxyReq, err := http.NewRequestWithContext(ctx, r.Method, targetURL.String(), body)
	if err != nil {
		log.Printf("proxy: failed to create request: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	for key, values := range r.Header {
		for _, value := range values {
			proxyReq.Header.Add(key, value)
		}
	}
	for _, h := range hopHeaders {
		proxyReq.Header.Del(h)
	}
	// Let the transport negotiate compression so the tap sees decoded bodies.
	proxyReq.Header.Del("Accept-Encoding")
	proxyReq.Host = targetURL.Host

	resp, err := p.client.Do(proxyReq)
	if err != nil {
		log.Printf("proxy: request to %s failed: %v", targetURL.String(), err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	for _, h := range hopHeaders {
		w.Header().Del(h)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Printf("proxy: failed to copy response body: %v", err)
	}
}

func singleJoin(base, path string) string {
	switch {
	case base == "" || base == "/":
		return path
	case strings.HasSuffix(base, "/") && strings.HasPrefix(path, "/"):
		return base + path[1:]
	case !strings.HasSuffix(base, "/") && !strings.HasPrefix(path, "/"):
		return base + "/" + path
	}
	return base + path
}

// Router serves control paths locally and proxies everything else.
type Router struct {
	control http.Handler
	proxy   http.Handler
}

// NewRouter wraps control and forwards unmatched paths to proxy.
func NewRouter(control http.Handler, proxy http.Handler) *Router {
	return &Router{control: control, proxy: proxy}
}

func (m *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isControlPath(r.URL.Path) {
		m.control.ServeHTTP(w, r)
		return
	}
	m.proxy.ServeHTTP(w, r)
}

var controlPaths = []string{
	"/healthz",
	"/readyz",
	"/observer.js",
	"/report",
	"/relay",
	"/consent",
	"/dashboard",
	"/dashboard/state",
	"/dashboard/ws",
}

// isControlPath reports whether path is served by slotscope itself.
func isControlPath(path string) bool {
	for _, p := range controlPaths {
		if path == p {
			return true
		}
	}
	return false
}

func NewMux(e Env) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", e.Healthz)
	mux.HandleFunc("/readyz", e.Readyz)
	mux.HandleFunc("/observer.js", e.ObserverScript)
	mux.HandleFunc("/report", e.Report)
	mux.HandleFunc("/consent", e.ConsentHandler)
	mux.HandleFunc("/dashboard", e.Dashboard)
	mux.HandleFunc("/dashboard/state", e.DashboardState)
	mux.Handle("/relay", e.relayServer())
	mux.Handle("/dashboard/ws", e.dashboardStream())

	var handler http.Handler = mux
	if e.Cfg.UpstreamURL != "" {
		var transport http.RoundTripper
		if e.Observed != nil {
			transport = e.Observed.Transport
		}
		proxy, err := NewProxyHandler(e.Cfg.UpstreamURL, transport, e.Cfg.MaxBodyBytes)
		if err != nil {
			log.Printf("WARNING: invalid UPSTREAM_URL: %v. Proxy disabled.", err)
		} else {
			log.Printf("proxy enabled, forwarding to: %s", e.Cfg.UpstreamURL)
			handler = NewRouter(mux, proxy)
		}
	}

	return RequestLogger(MetricsMiddleware(e.Metrics)(cors(e.Cfg.DashboardOrigin)(handler)))
}
