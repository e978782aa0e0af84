package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"golang.org/x/net/websocket"

	"github.com/shortontech/slotscope/internal/detection"
)

const (
	maxDecodeErrorsPerConn = 5

	streamRelay     = "relay"
	streamDashboard = "dashboard"
)

// relayFrame is one message from the script running in the observed page.
type relayFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type relayAck struct {
	Type   string `json:"type"`
	Of     string `json:"of"`
	OK     bool   `json:"ok"`
	Hooked int    `json:"hooked,omitempty"`
	Error  string `json:"error,omitempty"`
}

type domPayload struct {
	HTML string `json:"html"`
}

type clickPayload struct {
	Key string `json:"key"`
}

type spinPayload struct {
	Bet *float64 `json:"bet"`
	Win *float64 `json:"win"`
}

type initPayload struct {
	Source string          `json:"source"`
	Config json.RawMessage `json:"config"`
}

type responsePayload struct {
	URL         string          `json:"url"`
	RequestBody *string         `json:"request_body"`
	Body        json.RawMessage `json:"body"`
}

// originGuard rejects handshakes whose Origin is not listed. An empty
// list rejects every origin.
func originGuard(allowed ...string) func(*websocket.Config, *http.Request) error {
	var list []string
	for _, a := range allowed {
		if a = strings.TrimSpace(a); a != "" {
			list = append(list, strings.TrimSuffix(a, "/"))
		}
	}
	return func(_ *websocket.Config, r *http.Request) error {
		origin := r.Header.Get("Origin")
		if len(list) == 0 {
			log.Printf("relay: refused websocket from origin %q, no origin expected", origin)
			return fmt.Errorf("origin %q not allowed", origin)
		}
		for _, a := range list {
			if strings.EqualFold(origin, a) {
				return nil
			}
		}
		log.Printf("relay: refused websocket from origin %q", origin)
		return fmt.Errorf("origin %q not allowed", origin)
	}
}

// relayServer accepts the observer script running inside the game page.
func (e Env) relayServer() websocket.Server {
	return websocket.Server{
		Handshake: e.relayHandshake(),
		Handler:   e.serveRelay,
	}
}

// relayHandshake pins the relay to the observed origin. When none is
// configured the page must come from this server's own origin, which is
// where the proxied game is served.
func (e Env) relayHandshake() func(*websocket.Config, *http.Request) error {
	if e.Cfg.ObservedOrigin != "" {
		return originGuard(e.Cfg.ObservedOrigin)
	}
	return func(c *websocket.Config, r *http.Request) error {
		return originGuard(e.serverOrigin(r))(c, r)
	}
}

// serverOrigin is the origin a browser reports for pages served by this
// request's host. Empty when the request names no host.
func (e Env) serverOrigin(r *http.Request) string {
	if r.Host == "" {
		return ""
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if e.Cfg.TrustProxy {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
			scheme = proto
		}
	}
	return scheme + "://" + r.Host
}

func (e Env) serveRelay(conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()
	e.Metrics.StreamOpened(streamRelay)
	defer e.Metrics.StreamClosed(streamRelay)

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	decodeErrors := 0
	for {
		var f relayFrame
		if err := dec.Decode(&f); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			// A broken stream cannot resynchronise; start a fresh decoder.
			dec = json.NewDecoder(conn)
			_ = enc.Encode(relayAck{Type: "ack", Error: "invalid frame"})
			continue
		}
		decodeErrors = 0
		if err := enc.Encode(e.handleRelayFrame(f)); err != nil {
			return
		}
	}
}

// handleRelayFrame applies one frame to the observed context. Failures
// are reported in the ack and never end the connection.
func (e Env) handleRelayFrame(f relayFrame) (ack relayAck) {
	ack = relayAck{Type: "ack", Of: f.Type}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("relay: %s frame panicked: %v", f.Type, r)
			ack.OK, ack.Error = false, "internal error"
		}
	}()

	obs := e.Observed
	if obs == nil || obs.Interceptor == nil || obs.Watcher == nil || obs.Page == nil {
		ack.Error = "observer not running"
		return ack
	}

	switch f.Type {
	case "dom":
		var p domPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			ack.Error = "invalid dom payload"
			return ack
		}
		root, err := obs.Page.Load(strings.NewReader(p.HTML))
		if err != nil {
			ack.Error = err.Error()
			return ack
		}
		ack.Hooked = obs.Watcher.Observe(root)
		if d, found := detection.ScanDocument(root); found && e.OnDetect != nil {
			e.OnDetect(d)
		}
		ack.OK = true
	case "click":
		var p clickPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || p.Key == "" {
			ack.Error = "click needs a key"
			return ack
		}
		ack.OK = obs.Watcher.Click(p.Key)
		if !ack.OK {
			ack.Error = "element not hooked"
		}
	case "settled":
		ack.OK = obs.Watcher.Settle()
		if !ack.OK {
			ack.Error = "no pending spin"
		}
	case "spin":
		var p spinPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || !validAmount(p.Bet) || !validAmount(p.Win) {
			ack.Error = "spin needs non-negative bet and win"
			return ack
		}
		ack.OK = obs.Watcher.Report(*p.Bet, *p.Win)
	case "init":
		var p initPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || len(p.Config) == 0 {
			ack.Error = "init needs a config"
			return ack
		}
		source := p.Source
		if source == "" {
			source = "game.init"
		}
		ack.OK = obs.Interceptor.CaptureInit(source, p.Config)
	case "response":
		var p responsePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || p.URL == "" {
			ack.Error = "response needs a url"
			return ack
		}
		if !json.Valid(p.Body) {
			obs.Interceptor.ObserveFailed(p.URL)
			ack.Error = "body is not json"
			return ack
		}
		var reqBody []byte
		if p.RequestBody != nil {
			reqBody = []byte(*p.RequestBody)
		}
		ack.OK = obs.Interceptor.Observe(p.URL, reqBody, p.Body)
	default:
		ack.Error = "unsupported frame type"
	}
	return ack
}

// dashboardStream pushes every snapshot the hub accepts to a websocket client.
func (e Env) dashboardStream() websocket.Server {
	return websocket.Server{
		Handshake: originGuard(e.Cfg.DashboardOrigin),
		Handler:   e.serveDashboard,
	}
}

func (e Env) serveDashboard(conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()
	if e.Hub == nil {
		return
	}
	e.Metrics.StreamOpened(streamDashboard)
	defer e.Metrics.StreamClosed(streamDashboard)

	// Subscribe before reading Latest so nothing published in between is lost.
	updates, cancel := e.Hub.Subscribe()
	defer cancel()

	enc := json.NewEncoder(conn)
	if snap, ok := e.Hub.Latest(); ok {
		if err := enc.Encode(snap); err != nil {
			return
		}
	}

	// The presentation side never talks back; reads only detect close.
	closed := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, conn)
		close(closed)
	}()

	for {
		select {
		case <-closed:
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if err := enc.Encode(snap); err != nil {
				return
			}
		}
	}
}
