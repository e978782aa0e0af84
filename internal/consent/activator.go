package consent

import (
	"fmt"
	"log"
	"sync"

	"github.com/shortontech/slotscope/internal/event"
	"github.com/shortontech/slotscope/internal/messenger"
)

// Poster is the outbound half of the supervising endpoint.
type Poster interface {
	Post(to messenger.Address, msg event.Message) error
}

// Activator turns gate decisions into Arm/Disarm messages for the observed
// context. It is the only component that sends them.
type Activator struct {
	gate     *Gate
	out      Poster
	observed messenger.Address

	mu     sync.Mutex
	domain string
	armed  bool
}

// NewActivator binds gate to the observed context's address.
func NewActivator(gate *Gate, out Poster, observed messenger.Address) *Activator {
	return &Activator{gate: gate, out: out, observed: observed}
}

// Gate returns the underlying policy.
func (a *Activator) Gate() *Gate { return a.gate }

// Domain returns the root domain currently under observation.
func (a *Activator) Domain() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.domain
}

// Armed reports the last activation state sent.
func (a *Activator) Armed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.armed
}

// Sync records domain as the observed root domain, decides it and sends
// Arm when allowed or Disarm otherwise.
func (a *Activator) Sync(domain string) (Decision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.domain = normalize(domain)
	return a.applyLocked()
}

// Allow whitelists domain and re-applies the policy.
func (a *Activator) Allow(domain string) (Decision, error) {
	a.gate.Allow(domain)
	return a.reapply()
}

// Deny blacklists domain and re-applies the policy.
func (a *Activator) Deny(domain string) (Decision, error) {
	a.gate.Deny(domain)
	return a.reapply()
}

// Snooze suppresses activation for the gate's snooze window.
func (a *Activator) Snooze() (Decision, error) {
	until := a.gate.Snooze()
	log.Printf("consent: snoozed until %s", until.Format("15:04:05"))
	return a.reapply()
}

func (a *Activator) reapply() (Decision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applyLocked()
}

func (a *Activator) applyLocked() (Decision, error) {
	if a.domain == "" {
		return Neutral, nil
	}
	d := a.gate.Decide(a.domain)
	kind := event.KindDisarm
	if d == Allowed {
		kind = event.KindArm
	}
	if err := a.out.Post(a.observed, event.Message{Kind: kind, Target: a.observed.Origin}); err != nil {
		return d, fmt.Errorf("consent: post %s for %s: %w", kind, a.domain, err)
	}
	a.armed = d == Allowed
	log.Printf("consent: %s is %s, sent %s", a.domain, d, kind)
	return d, nil
}
