package intercept

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shortontech/slotscope/internal/event"
	"github.com/shortontech/slotscope/internal/messenger"
)

const gameOrigin = "https://game.example"

var supervisor = messenger.Address{Name: "supervisor", Origin: "https://supervisor.slotscope.local"}

type fakePoster struct {
	mu   sync.Mutex
	sent []event.Message
	to   []messenger.Address
	err  error
}

func (p *fakePoster) Post(to messenger.Address, msg event.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, msg)
	p.to = append(p.to, to)
	return nil
}

func (p *fakePoster) messages() []event.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]event.Message(nil), p.sent...)
}

type fakeRecorder struct {
	mu         sync.Mutex
	forwarded  map[string]int
	suppressed int
	outcomes   map[string]int
	failed     int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{forwarded: map[string]int{}, outcomes: map[string]int{}}
}

func (r *fakeRecorder) CaptureForwarded(via string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forwarded[via]++
}

func (r *fakeRecorder) CaptureSuppressed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suppressed++
}

func (r *fakeRecorder) OutcomeForwarded(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[source]++
}

func (r *fakeRecorder) DecodeFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed++
}

func newArmed(t *testing.T, opts ...Option) (*Interceptor, *fakePoster, *fakeRecorder) {
	t.Helper()
	out := &fakePoster{}
	rec := newFakeRecorder()
	ic := New(gameOrigin, out, supervisor, append([]Option{WithRecorder(rec)}, opts...)...)
	ic.armed.Store(true)
	return ic, out, rec
}

func TestObserve_ConfigEndpoint(t *testing.T) {
	ic, out, rec := newArmed(t)

	ok := ic.Observe("https://x/api/game-settings", []byte(`{"sid":1}`), []byte(`{"rtp":96.5,"volatility":"high"}`))
	if !ok {
		t.Fatal("Observe() = false, want true")
	}
	msgs := out.messages()
	if len(msgs) != 1 {
		t.Fatalf("posted %d messages, want 1", len(msgs))
	}
	m := msgs[0]
	if m.Kind != event.KindCapture {
		t.Errorf("kind = %q, want %q", m.Kind, event.KindCapture)
	}
	if out.to[0] != supervisor {
		t.Errorf("posted to %v, want %v", out.to[0], supervisor)
	}
	if m.Capture.SourceURL != "https://x/api/game-settings" {
		t.Errorf("url = %q", m.Capture.SourceURL)
	}
	if m.Capture.RequestBody == nil || *m.Capture.RequestBody != `{"sid":1}` {
		t.Errorf("request body = %v", m.Capture.RequestBody)
	}
	if m.Capture.Summary.ReturnToPlayerPercent == nil || *m.Capture.Summary.ReturnToPlayerPercent != 96.5 {
		t.Errorf("rtp = %v, want 96.5", m.Capture.Summary.ReturnToPlayerPercent)
	}
	if rec.forwarded[ViaEndpoint] != 1 {
		t.Errorf("endpoint forwards = %d, want 1", rec.forwarded[ViaEndpoint])
	}
}

func TestObserve_EndpointWithoutFields(t *testing.T) {
	ic, out, _ := newArmed(t)

	if !ic.Observe("https://x/config", nil, []byte(`{"theme":"dark"}`)) {
		t.Fatal("config endpoint should forward even without recognised fields")
	}
	m := out.messages()[0]
	if !m.Capture.Summary.Empty() {
		t.Error("summary should be empty")
	}
	if m.Capture.RequestBody != nil {
		t.Error("request body should be nil when none was sent")
	}
}

func TestObserve_Generic(t *testing.T) {
	tests := []struct {
		name    string
		generic bool
		payload string
		want    bool
	}{
		{"fields on other url", true, `{"hitRate":0.3}`, true},
		{"no fields on other url", true, `{"balance":10}`, false},
		{"generic disabled", false, `{"hitRate":0.3}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ic, _, rec := newArmed(t, WithGenericCapture(tt.generic))
			got := ic.Observe("https://x/api/spin", nil, []byte(tt.payload))
			if got != tt.want {
				t.Errorf("Observe() = %v, want %v", got, tt.want)
			}
			if tt.want && rec.forwarded[ViaGeneric] != 1 {
				t.Errorf("generic forwards = %d, want 1", rec.forwarded[ViaGeneric])
			}
		})
	}
}

func TestObserve_DisarmedSuppresses(t *testing.T) {
	out := &fakePoster{}
	rec := newFakeRecorder()
	ic := New(gameOrigin, out, supervisor, WithRecorder(rec))

	if ic.Observe("https://x/rtp", nil, []byte(`{"rtp":90}`)) {
		t.Error("disarmed interceptor should not forward captures")
	}
	if ic.CaptureInit("game.init", json.RawMessage(`{"rtp":90}`)) {
		t.Error("disarmed interceptor should not forward init captures")
	}
	if len(out.messages()) != 0 {
		t.Error("nothing should be posted while disarmed")
	}
	if rec.suppressed != 2 {
		t.Errorf("suppressed = %d, want 2", rec.suppressed)
	}
}

func TestReportOutcome_IgnoresArmedState(t *testing.T) {
	out := &fakePoster{}
	ic := New(gameOrigin, out, supervisor)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ic.now = func() time.Time { return fixed }

	if !ic.ReportOutcome(SourceWatcher, 2, 5) {
		t.Fatal("ReportOutcome() = false, want true")
	}
	m := out.messages()[0]
	if m.Kind != event.KindOutcome {
		t.Errorf("kind = %q, want %q", m.Kind, event.KindOutcome)
	}
	if m.Outcome.Wager != 2 || m.Outcome.Payout != 5 {
		t.Errorf("outcome = %+v", m.Outcome)
	}
	if !m.Outcome.ObservedAt.Equal(fixed) {
		t.Errorf("observed at = %v, want %v", m.Outcome.ObservedAt, fixed)
	}
}

func TestReportOutcome_PostError(t *testing.T) {
	out := &fakePoster{err: errors.New("inbox full")}
	rec := newFakeRecorder()
	ic := New(gameOrigin, out, supervisor, WithRecorder(rec))

	if ic.ReportOutcome(SourceReport, 1, 0) {
		t.Error("ReportOutcome() should be false when the post fails")
	}
	if rec.outcomes[SourceReport] != 0 {
		t.Error("failed post should not be counted as forwarded")
	}
}

func TestCaptureInit(t *testing.T) {
	ic, out, rec := newArmed(t)

	if ic.CaptureInit("game.init", json.RawMessage(`{"theme":"x"}`)) {
		t.Error("init config without fields should not forward")
	}
	if !ic.CaptureInit("game.init", json.RawMessage(`{"volatility":"low","seed":7}`)) {
		t.Fatal("init config with fields should forward")
	}
	m := out.messages()[0]
	if m.Capture.SourceURL != "game.init" {
		t.Errorf("source = %q, want game.init", m.Capture.SourceURL)
	}
	if rec.forwarded[ViaInit] != 1 {
		t.Errorf("init forwards = %d, want 1", rec.forwarded[ViaInit])
	}
}

func TestRawJSON(t *testing.T) {
	if rawJSON([]byte(`not json`)) != nil {
		t.Error("invalid payload should be dropped")
	}
	src := []byte(`{"a":1}`)
	got := rawJSON(src)
	src[2] = 'b'
	if string(got) != `{"a":1}` {
		t.Errorf("rawJSON should copy; got %s", got)
	}
}

func TestRegister_ArmDisarm(t *testing.T) {
	bus := messenger.NewBus()
	game, err := bus.Register("game", gameOrigin)
	if err != nil {
		t.Fatal(err)
	}
	sup, err := bus.Register("supervisor", supervisor.Origin)
	if err != nil {
		t.Fatal(err)
	}
	game.Accept(supervisor.Origin)

	ic := New(gameOrigin, game, sup.Address())
	ic.Register(game)

	// The inbox is FIFO, so a snapshot echoed back marks everything
	// posted before it as handled.
	flushed := make(chan struct{})
	game.Handle(event.KindSnapshot, func(event.Message) { flushed <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go game.Run(ctx)

	send := func(kind event.Kind, target string) {
		t.Helper()
		if err := sup.Post(game.Address(), event.Message{Kind: kind, Target: target}); err != nil {
			t.Fatalf("Post(%s) error = %v", kind, err)
		}
		if err := sup.Post(game.Address(), event.Message{Kind: event.KindSnapshot}); err != nil {
			t.Fatalf("Post(flush) error = %v", err)
		}
		select {
		case <-flushed:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for dispatch")
		}
	}

	send(event.KindArm, "https://other.example")
	if ic.Armed() {
		t.Error("arm for another origin should be ignored")
	}
	send(event.KindArm, "")
	if ic.Armed() {
		t.Error("untargeted arm should be ignored")
	}
	send(event.KindArm, gameOrigin)
	if !ic.Armed() {
		t.Error("interceptor should be armed")
	}
	send(event.KindDisarm, "")
	if !ic.Armed() {
		t.Error("untargeted disarm should be ignored")
	}
	send(event.KindDisarm, gameOrigin)
	if ic.Armed() {
		t.Error("targeted disarm should apply")
	}
}
