// Package event defines the envelope moved between execution contexts and
// the observations, outcomes and snapshots it carries. Optional fields are
// omitted when empty.
package event

import (
	"encoding/json"
	"time"

	"github.com/shortontech/slotscope/internal/extract"
)

// Kind discriminates cross-context messages.
type Kind string

const (
	KindArm      Kind = "ArmInterceptor"
	KindDisarm   Kind = "DisarmInterceptor"
	KindCapture  Kind = "CaptureReport"
	KindOutcome  Kind = "OutcomeReport"
	KindSnapshot Kind = "StateSnapshot"
)

// Known reports whether k is one of the defined kinds.
func (k Kind) Known() bool {
	switch k {
	case KindArm, KindDisarm, KindCapture, KindOutcome, KindSnapshot:
		return true
	}
	return false
}

// Message is the flat wire envelope moved between execution contexts.
// Marker must be true; a message without it is inert.
type Message struct {
	Marker bool   `json:"slotscope"`
	Kind   Kind   `json:"kind"`
	ID     string `json:"id,omitempty"`

	// Arm/Disarm: origin of the observed context being (de)activated.
	Target string `json:"target,omitempty"`

	Capture  *Observation `json:"capture,omitempty"`
	Outcome  *Outcome     `json:"outcome,omitempty"`
	Snapshot *Snapshot    `json:"state,omitempty"`
}

// Encode marshals m with the marker set.
func Encode(m Message) ([]byte, error) {
	m.Marker = true
	return json.Marshal(m)
}

// Decode parses a wire message. It does not validate the marker or kind;
// that is the receiving endpoint's job.
func Decode(b []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(b, &m)
	return m, err
}

// --- Observed context → supervising context ---

// Observation is one classified network call (or init hook call).
type Observation struct {
	SourceURL   string                `json:"url"`
	RequestBody *string               `json:"body"`
	Raw         json.RawMessage       `json:"raw,omitempty"`
	Summary     extract.ConfigSummary `json:"summary"`
}

// Outcome is a single spin: what was wagered and what came back.
// Heuristically read values may be approximate.
type Outcome struct {
	Wager      float64   `json:"bet"`
	Payout     float64   `json:"win"`
	ObservedAt time.Time `json:"ts"`
}

// --- Supervising context → presentation ---

// Label buckets the hotness score.
type Label string

const (
	Cold Label = "Cold"
	Warm Label = "Warm"
	Hot  Label = "Hot"
)

// Score is derived from state on every mutation and never stored on its own.
type Score struct {
	Value                  float64 `json:"hotnessScore"`
	Label                  Label   `json:"hotnessLabel"`
	ObservedReturnToPlayer float64 `json:"observedRtp"`
}

// Snapshot is the full behavioral state plus its derived score.
type Snapshot struct {
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	At        time.Time `json:"ts"`

	BackendReturnToPlayer *float64        `json:"backendRtp"`
	VolatilityTier        *string         `json:"volatility"`
	BonusFrequency        *float64        `json:"bonusFrequency,omitempty"`
	CumulativeWager       float64         `json:"totalBets"`
	CumulativePayout      float64         `json:"totalWins"`
	ConsecutiveLosses     int             `json:"lossStreak"`
	Last20                []Outcome       `json:"last20Spins"`
	Last50                []Outcome       `json:"last50Spins"`
	LastOutcome           *Outcome        `json:"lastResult"`
	RawConfig             json.RawMessage `json:"rawConfig,omitempty"`

	Score
}
