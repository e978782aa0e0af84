package hotness

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/shortontech/slotscope/internal/event"
)

const (
	ShortWindow = 20
	LongWindow  = 50

	// LossStreakThreshold is the streak length beyond which the penalty applies.
	LossStreakThreshold = 10
	LossStreakPenalty   = 20

	HighVolatilityBonus   = 10
	MediumVolatilityBonus = 5

	HotAbove = 90 // strictly greater
	WarmFrom = 70 // inclusive
	MaxScore = 100
	MinScore = 0
)

// State is the behavioral state of one observed session.
type State struct {
	CumulativeWager   float64
	CumulativePayout  float64
	Recent20          *Window[event.Outcome]
	Recent50          *Window[event.Outcome]
	ConsecutiveLosses int
	LastOutcome       *event.Outcome

	BackendReturnToPlayer *float64
	BackendVolatilityTier *string
	BonusFrequency        *float64
	LastRawConfig         json.RawMessage
}

// NewState returns an empty state.
func NewState() *State {
	return &State{
		Recent20: NewWindow[event.Outcome](ShortWindow),
		Recent50: NewWindow[event.Outcome](LongWindow),
	}
}

// ApplyCapture folds a configuration observation into the state. Present
// fields overwrite; the raw payload is always replaced, never merged.
func (s *State) ApplyCapture(obs event.Observation) {
	if v := obs.Summary.ReturnToPlayerPercent; v != nil {
		rtp := *v
		s.BackendReturnToPlayer = &rtp
	}
	if v := obs.Summary.VolatilityTier; v != nil {
		tier := *v
		s.BackendVolatilityTier = &tier
	}
	if v := obs.Summary.BonusFrequency; v != nil {
		bf := *v
		s.BonusFrequency = &bf
	}
	s.LastRawConfig = append(json.RawMessage(nil), obs.Raw...)
}

// ApplyOutcome records one spin.
func (s *State) ApplyOutcome(o event.Outcome) {
	s.Recent20.Push(o)
	s.Recent50.Push(o)
	s.CumulativeWager += o.Wager
	s.CumulativePayout += o.Payout
	if o.Payout <= 0 {
		s.ConsecutiveLosses++
	} else {
		s.ConsecutiveLosses = 0
	}
	last := o
	s.LastOutcome = &last
}

// Compute derives the score from the current state. It is pure.
func Compute(s *State) event.Score {
	base := 0.0
	if s.BackendReturnToPlayer != nil {
		base = *s.BackendReturnToPlayer
	}

	score := base
	if s.BackendVolatilityTier != nil {
		switch strings.ToLower(*s.BackendVolatilityTier) {
		case "high":
			score += HighVolatilityBonus
		case "medium":
			score += MediumVolatilityBonus
		}
	}

	observed := 0.0
	if s.CumulativeWager > 0 {
		observed = s.CumulativePayout / s.CumulativeWager * 100
		score += observed - base
	}
	if math.IsInf(observed, 0) || math.IsNaN(observed) {
		observed = 0
	}

	if s.ConsecutiveLosses > LossStreakThreshold {
		score -= LossStreakPenalty
	}

	score = clamp(score)
	return event.Score{
		Value:                  score,
		Label:                  labelFor(score),
		ObservedReturnToPlayer: observed,
	}
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return MinScore
	}
	return math.Max(MinScore, math.Min(MaxScore, v))
}

func labelFor(score float64) event.Label {
	switch {
	case score > HotAbove:
		return event.Hot
	case score >= WarmFrom:
		return event.Warm
	default:
		return event.Cold
	}
}
