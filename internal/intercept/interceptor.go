// Package intercept runs inside the observed context. It taps the game's
// network calls and DOM, classifies what it sees and reports to the
// supervising context. Configuration captures are forwarded only while
// armed; outcomes are always forwarded.
//
// Nothing here may disturb the game: every hook body recovers its own
// panics and degrades to "no signal".
package intercept

import (
	"encoding/json"
	"log"
	"sync/atomic"
	"time"

	"github.com/shortontech/slotscope/internal/event"
	"github.com/shortontech/slotscope/internal/extract"
	"github.com/shortontech/slotscope/internal/messenger"
)

// Poster is the outbound half of a messenger endpoint.
type Poster interface {
	Post(to messenger.Address, msg event.Message) error
}

// Recorder receives capture and outcome accounting.
type Recorder interface {
	CaptureForwarded(via string)
	CaptureSuppressed()
	OutcomeForwarded(source string)
	DecodeFailed()
}

type nopRecorder struct{}

func (nopRecorder) CaptureForwarded(string) {}
func (nopRecorder) CaptureSuppressed()      {}
func (nopRecorder) OutcomeForwarded(string) {}
func (nopRecorder) DecodeFailed()           {}

// Capture paths, used as metric labels.
const (
	ViaEndpoint = "endpoint"
	ViaGeneric  = "generic"
	ViaInit     = "init"
)

// Outcome sources, used as metric labels.
const (
	SourceWatcher = "watcher"
	SourceReport  = "report"
)

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithGenericCapture toggles the fallback that forwards any JSON response
// carrying at least one recognised field, whatever its URL.
func WithGenericCapture(on bool) Option {
	return func(ic *Interceptor) { ic.generic = on }
}

// WithRecorder installs accounting.
func WithRecorder(r Recorder) Option {
	return func(ic *Interceptor) {
		if r != nil {
			ic.rec = r
		}
	}
}

// Interceptor is the per-session state of the observed context.
type Interceptor struct {
	armed      atomic.Bool
	origin     string
	supervisor messenger.Address
	out        Poster
	generic    bool
	rec        Recorder
	now        func() time.Time
}

// New creates a disarmed interceptor for the context running at origin
// that reports to supervisor through out.
func New(origin string, out Poster, supervisor messenger.Address, opts ...Option) *Interceptor {
	ic := &Interceptor{
		origin:     origin,
		supervisor: supervisor,
		out:        out,
		generic:    true,
		rec:        nopRecorder{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(ic)
	}
	return ic
}

// Register wires Arm/Disarm onto the observed context's endpoint. Those
// messages are the only way armed changes.
func (ic *Interceptor) Register(ep *messenger.Endpoint) {
	ep.Handle(event.KindArm, func(m event.Message) {
		if ic.targets(m) {
			ic.armed.Store(true)
			log.Printf("intercept: armed for %s", ic.origin)
		}
	})
	ep.Handle(event.KindDisarm, func(m event.Message) {
		if ic.targets(m) {
			ic.armed.Store(false)
			log.Printf("intercept: disarmed for %s", ic.origin)
		}
	})
}

// targets reports whether m names this interceptor's origin.
func (ic *Interceptor) targets(m event.Message) bool {
	return m.Target == ic.origin
}

// Armed reports whether captures are currently forwarded.
func (ic *Interceptor) Armed() bool { return ic.armed.Load() }

// Observe handles one decoded network response. It returns true when a
// capture was forwarded.
func (ic *Interceptor) Observe(sourceURL string, requestBody []byte, payload []byte) bool {
	summary := extract.Classify(payload)
	via := ViaEndpoint
	if !extract.MatchesConfigEndpoint(sourceURL) {
		if !ic.generic || summary.Empty() {
			return false
		}
		via = ViaGeneric
	}

	var body *string
	if requestBody != nil {
		s := string(requestBody)
		body = &s
	}
	return ic.forward(via, event.Observation{
		SourceURL:   sourceURL,
		RequestBody: body,
		Raw:         rawJSON(payload),
		Summary:     summary,
	})
}

// CaptureInit handles a config object handed to a game init function,
// identified by source (for example "game.init").
func (ic *Interceptor) CaptureInit(source string, config json.RawMessage) bool {
	summary := extract.Classify(config)
	if summary.Empty() {
		return false
	}
	return ic.forward(ViaInit, event.Observation{
		SourceURL: source,
		Raw:       rawJSON(config),
		Summary:   summary,
	})
}

func (ic *Interceptor) forward(via string, obs event.Observation) bool {
	if !ic.Armed() {
		ic.rec.CaptureSuppressed()
		return false
	}
	if err := ic.out.Post(ic.supervisor, event.Message{Kind: event.KindCapture, Capture: &obs}); err != nil {
		log.Printf("intercept: forward capture from %s: %v", obs.SourceURL, err)
		return false
	}
	ic.rec.CaptureForwarded(via)
	return true
}

// ReportOutcome forwards a spin regardless of armed state. This is also
// the escape hatch for games that know their exact bet and win.
func (ic *Interceptor) ReportOutcome(source string, wager, payout float64) bool {
	o := event.Outcome{Wager: wager, Payout: payout, ObservedAt: ic.now().UTC()}
	if err := ic.out.Post(ic.supervisor, event.Message{Kind: event.KindOutcome, Outcome: &o}); err != nil {
		log.Printf("intercept: forward outcome: %v", err)
		return false
	}
	ic.rec.OutcomeForwarded(source)
	return true
}

// rawJSON keeps payload only if it is valid JSON, so snapshots stay encodable.
func rawJSON(payload []byte) json.RawMessage {
	if !json.Valid(payload) {
		return nil
	}
	return append(json.RawMessage(nil), payload...)
}
