package hotness

import (
	"encoding/json"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shortontech/slotscope/internal/event"
	"github.com/shortontech/slotscope/internal/messenger"
)

// Publisher receives a fresh snapshot after every mutation.
type Publisher func(event.Snapshot)

// NewSession returns an identifier for a new observation session.
func NewSession() string { return uuid.NewString() }

// PublishTo posts each snapshot from ep to the presentation address.
func PublishTo(ep *messenger.Endpoint, to messenger.Address) Publisher {
	return func(s event.Snapshot) {
		if err := ep.Post(to, event.Message{Kind: event.KindSnapshot, Snapshot: &s}); err != nil {
			log.Printf("hotness: push snapshot %d to %s: %v", s.Seq, to, err)
		}
	}
}

// Aggregator owns the state of one observed session. Each mutation and the
// snapshot built from it happen under one lock, and the snapshot is pushed
// before the call returns.
type Aggregator struct {
	mu      sync.Mutex
	session string
	seq     int64
	state   *State
	publish Publisher
	now     func() time.Time
}

// NewAggregator creates an aggregator for session. publish may be nil.
func NewAggregator(session string, publish Publisher) *Aggregator {
	if publish == nil {
		publish = func(event.Snapshot) {}
	}
	return &Aggregator{
		session: session,
		state:   NewState(),
		publish: publish,
		now:     time.Now,
	}
}

// Register wires capture and outcome handlers onto the supervising endpoint.
func (a *Aggregator) Register(ep *messenger.Endpoint) {
	ep.Handle(event.KindCapture, func(m event.Message) {
		if m.Capture != nil {
			a.OnCapture(*m.Capture)
		}
	})
	ep.Handle(event.KindOutcome, func(m event.Message) {
		if m.Outcome != nil {
			a.OnOutcome(*m.Outcome)
		}
	})
}

// OnCapture applies a configuration observation and pushes a snapshot.
func (a *Aggregator) OnCapture(obs event.Observation) {
	a.mu.Lock()
	a.state.ApplyCapture(obs)
	snap := a.snapshotLocked()
	a.mu.Unlock()
	a.publish(snap)
}

// OnOutcome applies a spin and pushes a snapshot. Non-finite amounts are dropped.
func (a *Aggregator) OnOutcome(o event.Outcome) {
	if !finite(o.Wager) || !finite(o.Payout) {
		log.Printf("hotness: drop outcome with non-finite amounts bet=%v win=%v", o.Wager, o.Payout)
		return
	}
	if o.ObservedAt.IsZero() {
		o.ObservedAt = a.now().UTC()
	}
	a.mu.Lock()
	a.state.ApplyOutcome(o)
	snap := a.snapshotLocked()
	a.mu.Unlock()
	a.publish(snap)
}

// Snapshot returns the current state and score without mutating anything.
func (a *Aggregator) Snapshot() event.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buildLocked()
}

// Reset discards the state, starts a new session and pushes its empty
// snapshot.
func (a *Aggregator) Reset(session string) {
	a.mu.Lock()
	a.session = session
	a.seq = 0
	a.state = NewState()
	snap := a.snapshotLocked()
	a.mu.Unlock()
	a.publish(snap)
}

// Session returns the current session id.
func (a *Aggregator) Session() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

func (a *Aggregator) snapshotLocked() event.Snapshot {
	a.seq++
	return a.buildLocked()
}

func (a *Aggregator) buildLocked() event.Snapshot {
	s := a.state
	snap := event.Snapshot{
		SessionID:             a.session,
		Seq:                   a.seq,
		At:                    a.now().UTC(),
		BackendReturnToPlayer: copyFloat(s.BackendReturnToPlayer),
		VolatilityTier:        copyString(s.BackendVolatilityTier),
		BonusFrequency:        copyFloat(s.BonusFrequency),
		CumulativeWager:       s.CumulativeWager,
		CumulativePayout:      s.CumulativePayout,
		ConsecutiveLosses:     s.ConsecutiveLosses,
		Last20:                s.Recent20.Items(),
		Last50:                s.Recent50.Items(),
		Score:                 Compute(s),
	}
	if s.LastOutcome != nil {
		last := *s.LastOutcome
		snap.LastOutcome = &last
	}
	if len(s.LastRawConfig) > 0 {
		snap.RawConfig = append(json.RawMessage(nil), s.LastRawConfig...)
	}
	return snap
}

func finite(v float64) bool { return !math.IsInf(v, 0) && !math.IsNaN(v) }

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
