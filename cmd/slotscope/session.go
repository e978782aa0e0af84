package main

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/shortontech/slotscope/internal/consent"
	"github.com/shortontech/slotscope/internal/dashboard"
	"github.com/shortontech/slotscope/internal/detection"
	"github.com/shortontech/slotscope/internal/event"
	"github.com/shortontech/slotscope/internal/hotness"
	httpx "github.com/shortontech/slotscope/internal/http"
	"github.com/shortontech/slotscope/internal/intercept"
	"github.com/shortontech/slotscope/internal/messenger"
	"github.com/shortontech/slotscope/internal/metrics"
	"github.com/shortontech/slotscope/pkg/config"
)

// localObservedOrigin addresses the observed context when no game origin
// is known yet.
const localObservedOrigin = "http://localhost"

const (
	endpointObserved   = "observed"
	endpointSupervisor = "supervisor"
	endpointDashboard  = "dashboard"
)

// session wires the three contexts onto one bus: the observed context
// (interceptor, tap, watcher), the supervising context (aggregator,
// consent) and the presentation context (hub).
type session struct {
	bus        *messenger.Bus
	observedEP *messenger.Endpoint
	superEP    *messenger.Endpoint
	dashEP     *messenger.Endpoint

	observed   *httpx.Observed
	aggregator *hotness.Aggregator
	hub        *dashboard.Hub
	activator  *consent.Activator

	wg sync.WaitGroup
}

// resolveObservedOrigin picks the observed context's origin:
// OBSERVED_ORIGIN, then the origin of GAME_URL, then of UPSTREAM_URL.
func resolveObservedOrigin(cfg config.Config) string {
	if cfg.ObservedOrigin != "" {
		return cfg.ObservedOrigin
	}
	for _, raw := range []string{cfg.GameURL, cfg.UpstreamURL} {
		if raw == "" {
			continue
		}
		if origin, err := detection.Origin(raw); err == nil {
			return origin
		}
	}
	return ""
}

func newSession(cfg config.Config, m *metrics.Metrics, emit func(event.Snapshot)) (*session, error) {
	observedOrigin := cfg.ObservedOrigin
	if observedOrigin == "" {
		observedOrigin = localObservedOrigin
	}

	bus := messenger.NewBus(messenger.WithInboxSize(int(cfg.InboxSize)), messenger.WithRecorder(m))
	obsEP, err := bus.Register(endpointObserved, observedOrigin)
	if err != nil {
		return nil, fmt.Errorf("register observed endpoint: %w", err)
	}
	supEP, err := bus.Register(endpointSupervisor, cfg.SupervisorOrigin)
	if err != nil {
		return nil, fmt.Errorf("register supervisor endpoint: %w", err)
	}
	dashEP, err := bus.Register(endpointDashboard, cfg.DashboardOrigin)
	if err != nil {
		return nil, fmt.Errorf("register dashboard endpoint: %w", err)
	}
	obsEP.Accept(cfg.SupervisorOrigin)
	supEP.Accept(observedOrigin)
	dashEP.Accept(cfg.SupervisorOrigin)

	ic := intercept.New(observedOrigin, obsEP, supEP.Address(),
		intercept.WithGenericCapture(cfg.GenericCapture),
		intercept.WithRecorder(m),
	)
	ic.Register(obsEP)
	page := intercept.NewPage()

	agg := hotness.NewAggregator(hotness.NewSession(), hotness.PublishTo(supEP, dashEP.Address()))
	agg.Register(supEP)

	hub := dashboard.NewHub(emit)
	hub.Register(dashEP)

	gate := consent.NewGate(cfg.Whitelist, cfg.Blacklist, cfg.SnoozeDuration)

	return &session{
		bus:        bus,
		observedEP: obsEP,
		superEP:    supEP,
		dashEP:     dashEP,
		observed: &httpx.Observed{
			Interceptor: ic,
			Page:        page,
			Watcher:     intercept.NewWatcher(page, ic, cfg.SettleDelay),
			Transport:   intercept.NewTap(nil, ic, cfg.MaxBodyBytes),
		},
		aggregator: agg,
		hub:        hub,
		activator:  consent.NewActivator(gate, supEP, obsEP.Address()),
	}, nil
}

// run starts one dispatch goroutine per context.
func (s *session) run(ctx context.Context) {
	for _, ep := range []*messenger.Endpoint{s.observedEP, s.superEP, s.dashEP} {
		s.wg.Add(1)
		go func(ep *messenger.Endpoint) {
			defer s.wg.Done()
			_ = ep.Run(ctx)
		}(ep)
	}
}

// detect applies a detection result: a likely slot frame becomes the
// observed domain. Moving to a different domain starts a fresh session.
func (s *session) detect(d detection.Detection) {
	if !d.LikelySlot || d.RootDomain == "" {
		return
	}
	previous := s.activator.Domain()
	if previous == d.RootDomain {
		return
	}
	if previous != "" {
		s.aggregator.Reset(hotness.NewSession())
		log.Printf("session: observed domain changed from %s to %s", previous, d.RootDomain)
	}
	decision, err := s.activator.Sync(d.RootDomain)
	if err != nil {
		log.Printf("session: consent sync for %s: %v", d.RootDomain, err)
		return
	}
	log.Printf("session: observing %s (%s)", d.RootDomain, decision)
}

// detectConfigured runs detection on GAME_URL.
func (s *session) detectConfigured(cfg config.Config) {
	if cfg.GameURL == "" {
		return
	}
	d := detection.AnalyzeFrame(detection.Frame{
		Src:     cfg.GameURL,
		Width:   int(cfg.FrameWidth),
		Height:  int(cfg.FrameHeight),
		Sandbox: cfg.FrameSandbox,
	})
	if !d.LikelySlot {
		log.Printf("session: %s does not look like a slot frame", cfg.GameURL)
		return
	}
	s.detect(d)
}

// close stops every endpoint and waits for the dispatch goroutines.
func (s *session) close() {
	s.observedEP.Close()
	s.superEP.Close()
	s.dashEP.Close()
	s.wg.Wait()
}
