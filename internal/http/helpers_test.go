package httpx

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shortontech/slotscope/internal/event"
	"github.com/shortontech/slotscope/internal/intercept"
	"github.com/shortontech/slotscope/internal/messenger"
	"github.com/shortontech/slotscope/pkg/config"
)

const (
	gameOrigin       = "https://game.test"
	supervisorOrigin = "https://supervisor.test"
	dashboardOrigin  = "https://dashboard.test"
)

var supervisorAddr = messenger.Address{Name: "supervisor", Origin: supervisorOrigin}

// recordingPoster stands in for the observed endpoint.
type recordingPoster struct {
	mu   sync.Mutex
	sent []event.Message
	err  error
}

func (p *recordingPoster) Post(_ messenger.Address, msg event.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, msg)
	return nil
}

func (p *recordingPoster) messages() []event.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]event.Message(nil), p.sent...)
}

func testConfig() config.Config {
	return config.Config{
		MaxBodyBytes:     1 << 20,
		ObservedOrigin:   gameOrigin,
		SupervisorOrigin: supervisorOrigin,
		DashboardOrigin:  dashboardOrigin,
		DashboardRefresh: 2,
	}
}

// newObserved builds a disarmed observed context around poster. The
// settle timer is long enough that spins only complete on Settle.
func newObserved(poster intercept.Poster) *Observed {
	ic := intercept.New(gameOrigin, poster, supervisorAddr)
	page := intercept.NewPage()
	return &Observed{
		Interceptor: ic,
		Page:        page,
		Watcher:     intercept.NewWatcher(page, ic, time.Hour),
	}
}

// armedObserved wires a real bus, arms the interceptor and returns a
// channel that receives everything the supervisor endpoint gets.
func armedObserved(t *testing.T) (*Observed, <-chan event.Message) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bus := messenger.NewBus()
	obsEP, err := bus.Register("observed", gameOrigin)
	if err != nil {
		t.Fatal(err)
	}
	supEP, err := bus.Register(supervisorAddr.Name, supervisorAddr.Origin)
	if err != nil {
		t.Fatal(err)
	}
	obsEP.Accept(supervisorOrigin)
	supEP.Accept(gameOrigin)

	got := make(chan event.Message, 16)
	forward := func(m event.Message) { got <- m }
	supEP.Handle(event.KindCapture, forward)
	supEP.Handle(event.KindOutcome, forward)

	obs := newObserved(obsEP)
	obs.Interceptor.Register(obsEP)
	go func() { _ = obsEP.Run(ctx) }()
	go func() { _ = supEP.Run(ctx) }()

	if err := supEP.Post(obsEP.Address(), event.Message{Kind: event.KindArm, Target: gameOrigin}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !obs.Interceptor.Armed() {
		if time.Now().After(deadline) {
			t.Fatal("interceptor never armed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return obs, got
}

func receive(t *testing.T, ch <-chan event.Message) event.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
		return event.Message{}
	}
}
