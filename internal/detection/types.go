package detection

// Frame describes an embedded document as it appears in the host page
type Frame struct {
	Src     string `json:"src"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Sandbox string `json:"sandbox"`
}

// FrameSignals contains the individual heuristic hits for a frame
type FrameSignals struct {
	ProviderHits []string `json:"provider_hits"`
	PatternHits  []string `json:"pattern_hits"`
	LargeEnough  bool     `json:"large_enough"`
	Sandboxed    bool     `json:"sandboxed"`
}

// Detection is the result of analyzing a frame
type Detection struct {
	Frame      Frame        `json:"frame"`
	Signals    FrameSignals `json:"signals"`
	Origin     string       `json:"origin"`
	RootDomain string       `json:"root_domain"`
	LikelySlot bool         `json:"likely_slot"`
}
