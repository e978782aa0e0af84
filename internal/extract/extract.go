// Package extract classifies decoded game payloads and pulls out the
// configuration fields the hotness score cares about.
//
// Classification is best-effort pattern matching over top-level keys. It
// never fails: unrecognised or malformed input yields an empty summary.
package extract

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// ConfigSummary is the normalized view of a game configuration payload.
// A nil field means the value was not observed; it never means zero.
type ConfigSummary struct {
	ReturnToPlayerPercent *float64 `json:"returnToPlayerPercent,omitempty"`
	ReturnToPlayerVariant *string  `json:"returnToPlayerVariant,omitempty"`
	VolatilityTier        *string  `json:"volatilityTier,omitempty"`
	VolatilityIndex       *float64 `json:"volatilityIndex,omitempty"`
	BonusFrequency        *float64 `json:"bonusFrequency,omitempty"`
	HitRate               *float64 `json:"hitRate,omitempty"`
	Seed                  *string  `json:"seed,omitempty"`
	MaxWin                *float64 `json:"maxWin,omitempty"`
}

// Fields reports how many fields were populated.
func (s ConfigSummary) Fields() int {
	n := 0
	for _, set := range []bool{
		s.ReturnToPlayerPercent != nil,
		s.ReturnToPlayerVariant != nil,
		s.VolatilityTier != nil,
		s.VolatilityIndex != nil,
		s.BonusFrequency != nil,
		s.HitRate != nil,
		s.Seed != nil,
		s.MaxWin != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// Empty is true when nothing recognisable was found.
func (s ConfigSummary) Empty() bool { return s.Fields() == 0 }

// configEndpointPatterns are URL substrings of endpoints known to serve
// configuration, RTP or session settings. Matching is case-insensitive.
var configEndpointPatterns = []string{
	"/config",
	"/rtp",
	"/game-settings",
	"/backend-config",
	"/session/settings",
	"/seed-gen",
	"/volatility",
}

// MatchesConfigEndpoint reports whether rawURL looks like a configuration endpoint.
func MatchesConfigEndpoint(rawURL string) bool {
	u := strings.ToLower(rawURL)
	for _, p := range configEndpointPatterns {
		if strings.Contains(u, p) {
			return true
		}
	}
	return false
}

// Classify inspects a raw JSON document and copies every recognised,
// correctly typed top-level field into the summary. Numbers are copied
// verbatim. Anything that is not a JSON object yields an empty summary.
func Classify(payload []byte) ConfigSummary {
	var out ConfigSummary
	if len(payload) == 0 || !gjson.ValidBytes(payload) {
		return out
	}
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return out
	}

	// Duplicate keys resolve to the last occurrence, as JSON decoders do.
	fields := make(map[string]gjson.Result)
	root.ForEach(func(key, value gjson.Result) bool {
		fields[key.String()] = value
		return true
	})

	out.ReturnToPlayerPercent = number(fields, "rtp")
	// returnToPlayer wins over rtp when both are present.
	if v := number(fields, "returnToPlayer"); v != nil {
		out.ReturnToPlayerPercent = v
	}
	out.ReturnToPlayerVariant = text(fields, "rtpVariant")
	out.VolatilityTier = tier(fields, "volatility")
	out.VolatilityIndex = number(fields, "volIndex")
	out.BonusFrequency = number(fields, "bonusFrequency")
	out.HitRate = number(fields, "hitRate")
	out.Seed = opaque(fields, "seed")
	out.MaxWin = number(fields, "maxWin")
	return out
}

// ClassifyValue classifies an already decoded value, such as a config
// object handed to a game init function.
func ClassifyValue(v any) ConfigSummary {
	b, err := json.Marshal(v)
	if err != nil {
		return ConfigSummary{}
	}
	return Classify(b)
}

func number(fields map[string]gjson.Result, key string) *float64 {
	r, ok := fields[key]
	if !ok || r.Type != gjson.Number {
		return nil
	}
	f := r.Float()
	return &f
}

func text(fields map[string]gjson.Result, key string) *string {
	r, ok := fields[key]
	if !ok || r.Type != gjson.String || r.Str == "" {
		return nil
	}
	s := r.Str
	return &s
}

// tier accepts low, medium or high in any case and returns it lower-cased.
func tier(fields map[string]gjson.Result, key string) *string {
	v := text(fields, key)
	if v == nil {
		return nil
	}
	switch t := strings.ToLower(strings.TrimSpace(*v)); t {
	case "low", "medium", "high":
		return &t
	}
	return nil
}

// opaque accepts a non-empty string or a number kept in its raw textual form.
func opaque(fields map[string]gjson.Result, key string) *string {
	r, ok := fields[key]
	if !ok {
		return nil
	}
	switch r.Type {
	case gjson.String:
		if r.Str == "" {
			return nil
		}
		s := r.Str
		return &s
	case gjson.Number:
		s := r.Raw
		return &s
	}
	return nil
}
