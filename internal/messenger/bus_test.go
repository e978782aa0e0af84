package messenger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shortontech/slotscope/internal/event"
)

const (
	gameOrigin       = "https://game.example"
	supervisorOrigin = "https://supervisor.slotscope.local"
	evilOrigin       = "https://evil.example"
)

type countingRecorder struct {
	mu        sync.Mutex
	delivered map[string]int
	discarded map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{delivered: map[string]int{}, discarded: map[string]int{}}
}

func (r *countingRecorder) MessageDelivered(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered[kind]++
}

func (r *countingRecorder) MessageDiscarded(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discarded[reason]++
}

// setup registers a game endpoint and a supervisor endpoint that only
// accepts the game's origin.
func setup(t *testing.T, opts ...Option) (*Bus, *Endpoint, *Endpoint, *countingRecorder) {
	t.Helper()
	rec := newCountingRecorder()
	bus := NewBus(append([]Option{WithRecorder(rec)}, opts...)...)
	game, err := bus.Register("game", gameOrigin)
	if err != nil {
		t.Fatalf("Register(game) error = %v", err)
	}
	sup, err := bus.Register("supervisor", supervisorOrigin)
	if err != nil {
		t.Fatalf("Register(supervisor) error = %v", err)
	}
	sup.Accept(gameOrigin)
	return bus, game, sup, rec
}

// drain dispatches everything currently queued on ep.
func drain(ep *Endpoint) {
	for {
		select {
		case env := <-ep.inbox:
			ep.dispatch(env)
		default:
			return
		}
	}
}

func TestPost_Delivers(t *testing.T) {
	_, game, sup, rec := setup(t)

	var got []event.Message
	sup.Handle(event.KindOutcome, func(m event.Message) { got = append(got, m) })

	err := game.Post(sup.Address(), event.Message{
		Kind:    event.KindOutcome,
		Outcome: &event.Outcome{Wager: 2, Payout: 3},
	})
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	drain(sup)

	if len(got) != 1 {
		t.Fatalf("handler calls = %d, want 1", len(got))
	}
	if !got[0].Marker {
		t.Error("delivered message should carry the marker")
	}
	if got[0].ID == "" {
		t.Error("message id should be assigned")
	}
	if got[0].Outcome.Payout != 3 {
		t.Errorf("payout = %v, want 3", got[0].Outcome.Payout)
	}
	if rec.delivered[string(event.KindOutcome)] != 1 {
		t.Errorf("delivered count = %d, want 1", rec.delivered[string(event.KindOutcome)])
	}
}

func TestPost_RefusesOriginMismatch(t *testing.T) {
	_, game, sup, _ := setup(t)

	err := game.Post(Address{Name: "supervisor", Origin: evilOrigin}, event.Message{Kind: event.KindOutcome})
	if !errors.Is(err, ErrOriginMismatch) {
		t.Fatalf("Post() error = %v, want ErrOriginMismatch", err)
	}
	if len(sup.inbox) != 0 {
		t.Error("nothing should be queued after a refused post")
	}
}

func TestPost_UnknownEndpoint(t *testing.T) {
	_, game, _, _ := setup(t)
	err := game.Post(Address{Name: "nobody", Origin: gameOrigin}, event.Message{Kind: event.KindOutcome})
	if !errors.Is(err, ErrUnknownEndpoint) {
		t.Errorf("Post() error = %v, want ErrUnknownEndpoint", err)
	}
}

func TestRegister_Duplicate(t *testing.T) {
	bus, _, _, _ := setup(t)
	if _, err := bus.Register("game", gameOrigin); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("Register() error = %v, want ErrDuplicateName", err)
	}
}

func TestDispatch_DiscardsUntrustedOrigin(t *testing.T) {
	bus, _, sup, rec := setup(t)
	evil, err := bus.Register("evil", evilOrigin)
	if err != nil {
		t.Fatalf("Register(evil) error = %v", err)
	}

	called := false
	sup.Handle(event.KindCapture, func(event.Message) { called = true })

	if err := evil.Post(sup.Address(), event.Message{Kind: event.KindCapture}); err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	drain(sup)

	if called {
		t.Error("handler must not run for an untrusted origin")
	}
	if rec.discarded[ReasonOrigin] != 1 {
		t.Errorf("origin discards = %d, want 1", rec.discarded[ReasonOrigin])
	}
}

func TestDispatch_DiscardsMissingMarker(t *testing.T) {
	_, _, sup, rec := setup(t)

	called := false
	sup.Handle(event.KindOutcome, func(event.Message) { called = true })

	raw := []byte(`{"kind":"OutcomeReport","outcome":{"bet":1,"win":5}}`)
	if err := sup.deliver(envelope{origin: gameOrigin, data: raw}); err != nil {
		t.Fatalf("deliver() error = %v", err)
	}
	falseMarker := []byte(`{"slotscope":false,"kind":"OutcomeReport"}`)
	if err := sup.deliver(envelope{origin: gameOrigin, data: falseMarker}); err != nil {
		t.Fatalf("deliver() error = %v", err)
	}
	drain(sup)

	if called {
		t.Error("handler must not run without the marker")
	}
	if rec.discarded[ReasonMarker] != 2 {
		t.Errorf("marker discards = %d, want 2", rec.discarded[ReasonMarker])
	}
}

func TestDispatch_DiscardsMalformedAndUnknownKind(t *testing.T) {
	_, _, sup, rec := setup(t)

	_ = sup.deliver(envelope{origin: gameOrigin, data: []byte(`{{`)})
	_ = sup.deliver(envelope{origin: gameOrigin, data: []byte(`{"slotscope":true,"kind":"DASHBOARD_UPDATE"}`)})
	drain(sup)

	if rec.discarded[ReasonMalformed] != 1 {
		t.Errorf("malformed discards = %d, want 1", rec.discarded[ReasonMalformed])
	}
	if rec.discarded[ReasonKind] != 1 {
		t.Errorf("kind discards = %d, want 1", rec.discarded[ReasonKind])
	}
}

func TestDeliver_InboxFull(t *testing.T) {
	_, game, sup, _ := setup(t, WithInboxSize(1))

	if err := game.Post(sup.Address(), event.Message{Kind: event.KindOutcome}); err != nil {
		t.Fatalf("first Post() error = %v", err)
	}
	err := game.Post(sup.Address(), event.Message{Kind: event.KindOutcome})
	if !errors.Is(err, ErrInboxFull) {
		t.Errorf("second Post() error = %v, want ErrInboxFull", err)
	}
}

func TestDeliver_Closed(t *testing.T) {
	_, game, sup, _ := setup(t)
	sup.Close()
	sup.Close()

	err := game.Post(sup.Address(), event.Message{Kind: event.KindOutcome})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Post() error = %v, want ErrClosed", err)
	}
}

func TestRun_DispatchesInOrder(t *testing.T) {
	_, game, sup, _ := setup(t)

	var mu sync.Mutex
	var wagers []float64
	done := make(chan struct{})
	sup.Handle(event.KindOutcome, func(m event.Message) {
		mu.Lock()
		defer mu.Unlock()
		wagers = append(wagers, m.Outcome.Wager)
		if len(wagers) == 3 {
			close(done)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- sup.Run(ctx) }()

	for i := 1; i <= 3; i++ {
		if err := game.Post(sup.Address(), event.Message{Kind: event.KindOutcome, Outcome: &event.Outcome{Wager: float64(i)}}); err != nil {
			t.Fatalf("Post() error = %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("messages were not dispatched")
	}

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, w := range wagers {
		if w != float64(i+1) {
			t.Errorf("wagers[%d] = %v, want %d", i, w, i+1)
		}
	}
}

func TestRun_StopsOnClose(t *testing.T) {
	_, _, sup, _ := setup(t)
	errc := make(chan error, 1)
	go func() { errc <- sup.Run(context.Background()) }()
	sup.Close()

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestDispatch_RecoversHandlerPanic(t *testing.T) {
	_, game, sup, _ := setup(t)

	calls := 0
	sup.Handle(event.KindOutcome, func(event.Message) {
		calls++
		if calls == 1 {
			panic("boom")
		}
	})

	_ = game.Post(sup.Address(), event.Message{Kind: event.KindOutcome})
	_ = game.Post(sup.Address(), event.Message{Kind: event.KindOutcome})
	drain(sup)

	if calls != 2 {
		t.Errorf("handler calls = %d, want 2", calls)
	}
}
