// Package consent holds the observation policy: which root domains the
// operator has allowed or refused, and a global snooze that silences
// prompts for a while.
package consent

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultSnooze is how long a "remind me later" lasts.
const DefaultSnooze = 5 * time.Minute

// Decision is the gate's answer for a domain.
type Decision int

const (
	// Neutral means no choice has been recorded; the operator should be asked.
	Neutral Decision = iota
	Allowed
	Denied
	// Snoozed means the operator asked not to be prompted right now.
	Snoozed
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	case Snoozed:
		return "snoozed"
	default:
		return "neutral"
	}
}

// Gate is an in-memory whitelist/blacklist keyed by root domain.
type Gate struct {
	mu            sync.RWMutex
	whitelist     map[string]struct{}
	blacklist     map[string]struct{}
	snooze        time.Duration
	suppressUntil time.Time
	now           func() time.Time
}

// NewGate seeds the gate. A domain present in both lists is denied.
func NewGate(whitelist, blacklist []string, snooze time.Duration) *Gate {
	if snooze <= 0 {
		snooze = DefaultSnooze
	}
	g := &Gate{
		whitelist: make(map[string]struct{}),
		blacklist: make(map[string]struct{}),
		snooze:    snooze,
		now:       time.Now,
	}
	for _, d := range whitelist {
		if d = normalize(d); d != "" {
			g.whitelist[d] = struct{}{}
		}
	}
	for _, d := range blacklist {
		if d = normalize(d); d != "" {
			delete(g.whitelist, d)
			g.blacklist[d] = struct{}{}
		}
	}
	return g
}

// Decide reports the policy for domain. While snoozed every domain is
// Snoozed, including whitelisted ones.
func (g *Gate) Decide(domain string) Decision {
	domain = normalize(domain)
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.now().Before(g.suppressUntil) {
		return Snoozed
	}
	if _, ok := g.blacklist[domain]; ok {
		return Denied
	}
	if _, ok := g.whitelist[domain]; ok {
		return Allowed
	}
	return Neutral
}

// Allow whitelists domain and lifts any earlier refusal.
func (g *Gate) Allow(domain string) {
	domain = normalize(domain)
	if domain == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.blacklist, domain)
	g.whitelist[domain] = struct{}{}
}

// Deny blacklists domain and drops it from the whitelist.
func (g *Gate) Deny(domain string) {
	domain = normalize(domain)
	if domain == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.whitelist, domain)
	g.blacklist[domain] = struct{}{}
}

// Snooze suppresses decisions until the snooze period has passed and
// returns the time it ends.
func (g *Gate) Snooze() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.suppressUntil = g.now().Add(g.snooze)
	return g.suppressUntil
}

// Lists returns sorted copies of both lists.
func (g *Gate) Lists() (whitelist, blacklist []string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.whitelist), sortedKeys(g.blacklist)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalize(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}
