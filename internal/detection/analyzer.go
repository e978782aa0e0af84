package detection

import (
	"strings"
)

// MinFrameSize is the width and height at which a frame alone counts as game-sized
const MinFrameSize = 500

// ProviderDomains are substrings of known slot provider hosts
var ProviderDomains = []string{
	"pragmaticplay",
	"netent",
	"playngo",
	"evolution",
	"relaxgaming",
	"nolimitcity",
}

// GamePatterns are URL path fragments typical of game launch URLs
var GamePatterns = []string{
	"/games/",
	"/slot/",
	"/casino/game/",
	"/game/launch",
	"/html5-game/",
}

// AnalyzeFrame runs the slot heuristics over a frame. Any single hit is
// enough; frames without a source never match.
func AnalyzeFrame(f Frame) Detection {
	d := Detection{
		Frame: f,
		Signals: FrameSignals{
			ProviderHits: []string{},
			PatternHits:  []string{},
		},
	}
	if f.Src == "" {
		return d
	}

	lowerSrc := strings.ToLower(f.Src)
	d.Signals.ProviderHits = matchAll(lowerSrc, ProviderDomains)
	d.Signals.PatternHits = matchAll(lowerSrc, GamePatterns)
	d.Signals.LargeEnough = f.Width >= MinFrameSize && f.Height >= MinFrameSize
	d.Signals.Sandboxed = strings.TrimSpace(f.Sandbox) != ""

	d.Origin, _ = Origin(f.Src)
	d.RootDomain, _ = RootDomain(f.Src)

	d.LikelySlot = len(d.Signals.ProviderHits) > 0 ||
		len(d.Signals.PatternHits) > 0 ||
		d.Signals.LargeEnough ||
		d.Signals.Sandboxed
	return d
}

func matchAll(s string, needles []string) []string {
	hits := []string{}
	for _, n := range needles {
		if strings.Contains(s, n) {
			hits = append(hits, n)
		}
	}
	return hits
}
