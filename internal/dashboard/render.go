package dashboard

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shortontech/slotscope/internal/event"
)

const (
	placeholder    = "–"
	waitingMessage = "Waiting for backend config …"
)

// Render formats a snapshot as plain text: amounts to two decimals, the
// score to one, spins most recent first.
func Render(s event.Snapshot) string {
	var b strings.Builder

	backend := placeholder
	if s.BackendReturnToPlayer != nil {
		backend = fmt.Sprintf("%.2f %%", *s.BackendReturnToPlayer)
	}
	volatility := placeholder
	if s.VolatilityTier != nil && *s.VolatilityTier != "" {
		volatility = *s.VolatilityTier
	}
	label := string(s.Label)
	if label == "" {
		label = placeholder
	}

	fmt.Fprintf(&b, "Backend RTP:   %s\n", backend)
	fmt.Fprintf(&b, "Volatility:    %s\n", volatility)
	if s.BonusFrequency != nil {
		fmt.Fprintf(&b, "Bonus freq:    %.2f\n", *s.BonusFrequency)
	}
	fmt.Fprintf(&b, "Observed RTP:  %.2f %%\n", s.ObservedReturnToPlayer)
	fmt.Fprintf(&b, "Hotness:       %.1f (%s)\n", s.Value, label)
	fmt.Fprintf(&b, "Total bets:    %.2f\n", s.CumulativeWager)
	fmt.Fprintf(&b, "Total wins:    %.2f\n", s.CumulativePayout)
	fmt.Fprintf(&b, "Loss streak:   %d\n", s.ConsecutiveLosses)

	b.WriteString("\nLast spins:\n")
	if len(s.Last20) == 0 {
		b.WriteString("  " + placeholder + "\n")
	}
	for i := len(s.Last20) - 1; i >= 0; i-- {
		o := s.Last20[i]
		fmt.Fprintf(&b, "  #%d: bet=%.2f win=%.2f\n", i+1, o.Wager, o.Payout)
	}

	b.WriteString("\nRaw config:\n")
	b.WriteString(rawConfig(s.RawConfig))
	b.WriteString("\n")
	return b.String()
}

func rawConfig(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return waitingMessage
	}
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return string(raw)
	}
	return out.String()
}
