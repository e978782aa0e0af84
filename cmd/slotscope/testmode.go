package main

import (
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/shortontech/slotscope/internal/detection"
	"github.com/shortontech/slotscope/internal/intercept"
)

// testGameURL is the synthetic game frame test mode pretends to load.
const testGameURL = "https://demo.slotscope.local/games/demo-slot/index.html"

// testConfigs are backend payloads as a slot game would fetch them.
var testConfigs = []struct {
	url  string
	body string
}{
	{"https://demo.slotscope.local/api/game/config", `{"rtp":96.5,"volatility":"high","bonusFrequency":0.012,"maxWin":5000}`},
	{"https://demo.slotscope.local/api/session/settings", `{"returnToPlayer":95.8,"rtpVariant":"95.8","hitRate":0.27,"seed":"` + uuid.NewString()[:8] + `"}`},
}

// testSpins are bet/win pairs: a few wins, then a losing run.
var testSpins = [][2]float64{
	{1, 0}, {1, 2.5}, {2, 0}, {2, 0}, {2, 12}, {1, 0}, {1, 0}, {1, 0.5},
}

// syntheticPage is the observed-context surface test mode drives.
type syntheticPage interface {
	Observe(sourceURL string, requestBody []byte, payload []byte) bool
	ReportOutcome(source string, wager, payout float64) bool
}

type replayResult struct {
	captured   int
	suppressed int
	outcomes   int
}

// replayTestSession feeds the synthetic responses and spins to page the
// way a tapped game would. Captures are subject to the armed gate.
func replayTestSession(page syntheticPage, gap time.Duration) replayResult {
	var res replayResult
	pause := func() {
		if gap > 0 {
			time.Sleep(gap)
		}
	}
	for _, c := range testConfigs {
		if page.Observe(c.url, nil, []byte(c.body)) {
			res.captured++
		} else {
			res.suppressed++
		}
		pause()
	}
	for i, s := range testSpins {
		if page.ReportOutcome(intercept.SourceReport, s[0], s[1]) {
			res.outcomes++
		}
		if i < len(testSpins)-1 {
			pause()
		}
	}
	return res
}

// runTestMode detects the synthetic game, lets consent decide, then
// replays a session through the observed context.
func runTestMode(sess *session, gap time.Duration) replayResult {
	log.Println("🧪 TEST MODE: replaying a synthetic session...")
	d := detection.AnalyzeFrame(detection.Frame{Src: testGameURL})
	sess.detect(d)
	if sess.activator.Armed() {
		waitArmed(sess.observed.Interceptor, time.Second)
	} else {
		log.Printf("💡 TEST MODE: %s is not allowed, captures will be suppressed (add it to WHITELIST)", d.RootDomain)
	}

	res := replayTestSession(sess.observed.Interceptor, gap)
	log.Printf("✅ TEST MODE: %d captures forwarded, %d suppressed, %d outcomes sent", res.captured, res.suppressed, res.outcomes)
	log.Println("💡 Check the dashboard at /dashboard or your sinks:")
	log.Println("   - Log files: tail -f $LOG_PATH (default snapshots.ndjson)")
	log.Println("   - Kafka: topic $KAFKA_TOPIC")
	log.Println("   - PostgreSQL: table $PG_TABLE")
	return res
}

// waitArmed gives the Arm message time to reach the observed context.
func waitArmed(ic *intercept.Interceptor, limit time.Duration) bool {
	deadline := time.Now().Add(limit)
	for !ic.Armed() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
	return true
}
