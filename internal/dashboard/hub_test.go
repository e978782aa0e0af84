package dashboard

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/shortontech/slotscope/internal/event"
	"github.com/shortontech/slotscope/internal/messenger"
)

func ptr[T any](v T) *T { return &v }

func TestHub_PublishAndLatest(t *testing.T) {
	var emitted []int64
	h := NewHub(func(s event.Snapshot) { emitted = append(emitted, s.Seq) })

	if _, ok := h.Latest(); ok {
		t.Fatal("new hub should have no snapshot")
	}
	if !h.Publish(event.Snapshot{SessionID: "a", Seq: 1}) {
		t.Fatal("first snapshot should be accepted")
	}
	if !h.Publish(event.Snapshot{SessionID: "a", Seq: 2}) {
		t.Fatal("newer snapshot should be accepted")
	}
	if h.Publish(event.Snapshot{SessionID: "a", Seq: 2}) {
		t.Error("repeated seq should be dropped")
	}
	if !h.Publish(event.Snapshot{SessionID: "b", Seq: 1}) {
		t.Error("new session should restart sequencing")
	}

	got, ok := h.Latest()
	if !ok || got.SessionID != "b" || got.Seq != 1 {
		t.Errorf("Latest() = %+v, %v", got, ok)
	}
	if len(emitted) != 3 {
		t.Errorf("emitted %v, want 3 snapshots", emitted)
	}
}

func TestHub_Subscribe(t *testing.T) {
	h := NewHub(nil)
	ch, cancel := h.Subscribe()
	if h.Subscribers() != 1 {
		t.Fatalf("Subscribers() = %d, want 1", h.Subscribers())
	}

	h.Publish(event.Snapshot{SessionID: "s", Seq: 1})
	select {
	case s := <-ch:
		if s.Seq != 1 {
			t.Errorf("seq = %d, want 1", s.Seq)
		}
	default:
		t.Fatal("subscriber should have received the snapshot")
	}

	cancel()
	cancel()
	if _, open := <-ch; open {
		t.Error("channel should be closed after cancel")
	}
	if h.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d, want 0", h.Subscribers())
	}
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(nil)
	_, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := int64(1); i <= subscriberBuffer*4; i++ {
			h.Publish(event.Snapshot{SessionID: "s", Seq: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestHub_Register(t *testing.T) {
	bus := messenger.NewBus()
	sup, err := bus.Register("supervisor", "https://supervisor.slotscope.local")
	if err != nil {
		t.Fatal(err)
	}
	pres, err := bus.Register("presentation", "https://dashboard.slotscope.local")
	if err != nil {
		t.Fatal(err)
	}
	pres.Accept(sup.Address().Origin)

	h := NewHub(nil)
	h.Register(pres)
	ch, cancel := h.Subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go pres.Run(ctx)

	// Outcomes are not for the presentation side and must be ignored.
	sup.Post(pres.Address(), event.Message{Kind: event.KindOutcome, Outcome: &event.Outcome{Wager: 1}})
	sup.Post(pres.Address(), event.Message{Kind: event.KindSnapshot, Snapshot: &event.Snapshot{SessionID: "s", Seq: 7}})

	select {
	case s := <-ch:
		if s.Seq != 7 {
			t.Errorf("seq = %d, want 7", s.Seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot never reached the hub")
	}
}

func TestRender(t *testing.T) {
	ts := time.Unix(0, 0).UTC()
	s := event.Snapshot{
		BackendReturnToPlayer: ptr(96.5),
		VolatilityTier:        ptr("high"),
		CumulativeWager:       3,
		CumulativePayout:      2.5,
		ConsecutiveLosses:     1,
		Last20: []event.Outcome{
			{Wager: 1, Payout: 0, ObservedAt: ts},
			{Wager: 1, Payout: 2.5, ObservedAt: ts},
			{Wager: 1, Payout: 0, ObservedAt: ts},
		},
		RawConfig: json.RawMessage(`{"rtp":96.5}`),
		Score:     event.Score{Value: 89.66666, Label: event.Warm, ObservedReturnToPlayer: 83.33333},
	}

	out := Render(s)
	for _, want := range []string{
		"Backend RTP:   96.50 %",
		"Volatility:    high",
		"Observed RTP:  83.33 %",
		"Hotness:       89.7 (Warm)",
		"Total wins:    2.50",
		"Loss streak:   1",
		"{\n  \"rtp\": 96.5\n}",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Render() missing %q in:\n%s", want, out)
		}
	}

	first := strings.Index(out, "#3:")
	last := strings.Index(out, "#1:")
	if first < 0 || last < 0 || first > last {
		t.Errorf("spins should be listed most recent first:\n%s", out)
	}
	if !strings.Contains(out, "#2: bet=1.00 win=2.50") {
		t.Errorf("spin line format wrong:\n%s", out)
	}
}

func TestRender_Empty(t *testing.T) {
	out := Render(event.Snapshot{})
	for _, want := range []string{"Backend RTP:   –", "Volatility:    –", "Hotness:       0.0 (–)", waitingMessage} {
		if !strings.Contains(out, want) {
			t.Errorf("Render() missing %q in:\n%s", want, out)
		}
	}
}

func TestWritePage(t *testing.T) {
	var b strings.Builder
	s := event.Snapshot{RawConfig: json.RawMessage(`{"x":"<script>"}`), Score: event.Score{Label: event.Hot}}
	if err := WritePage(&b, s, true, 0); err != nil {
		t.Fatalf("WritePage() error = %v", err)
	}
	out := b.String()
	if strings.Contains(out, "<script>") {
		t.Error("raw config must be escaped")
	}
	if !strings.Contains(out, `class="Hot"`) {
		t.Error("label class missing")
	}
	if !strings.Contains(out, `content="2"`) {
		t.Error("default refresh should be 2 seconds")
	}

	b.Reset()
	if err := WritePage(&b, event.Snapshot{}, false, 5); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(b.String(), "No snapshot yet.") {
		t.Error("empty page should say no snapshot")
	}
}
