package intercept

import (
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/html"
)

type outcomeCall struct {
	source        string
	wager, payout float64
}

type fakeReporter struct {
	mu    sync.Mutex
	calls []outcomeCall
}

func (r *fakeReporter) ReportOutcome(source string, wager, payout float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, outcomeCall{source, wager, payout})
	return true
}

// manualTimer records scheduled callbacks so tests fire them explicitly.
type manualTimer struct {
	fn      func()
	stopped bool
}

func (m *manualTimer) Stop() bool {
	was := !m.stopped
	m.stopped = true
	return was
}

func (m *manualTimer) fire() {
	if !m.stopped {
		m.stopped = true
		m.fn()
	}
}

const slotPage = `<html><body>
<div class="hud">
  <span class="bet-amount">Bet: 2.50</span>
  <span id="win-display">Win: 0</span>
</div>
<button id="spin" class="btn">SPIN</button>
<div role="button" class="spin-alt">go</div>
<button class="menu">Menu</button>
</body></html>`

func loadPage(t *testing.T, src string) (*Page, *html.Node) {
	t.Helper()
	p := NewPage()
	root, err := p.Load(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return p, root
}

func newTestWatcher(t *testing.T, doc Document) (*Watcher, *fakeReporter, *[]*manualTimer) {
	t.Helper()
	rep := &fakeReporter{}
	w := NewWatcher(doc, rep, DefaultSettleDelay)
	var timers []*manualTimer
	w.after = func(d time.Duration, f func()) stopper {
		if d != DefaultSettleDelay {
			t.Errorf("settle delay = %v, want %v", d, DefaultSettleDelay)
		}
		mt := &manualTimer{fn: f}
		timers = append(timers, mt)
		return mt
	}
	return w, rep, &timers
}

func TestWatcher_ObserveHooksTriggersOnce(t *testing.T) {
	page, root := loadPage(t, slotPage)
	w, _, _ := newTestWatcher(t, page)

	if got := w.Observe(root); got != 2 {
		t.Errorf("Observe() hooked %d, want 2", got)
	}
	if got := w.Observe(root); got != 0 {
		t.Errorf("second Observe() hooked %d, want 0", got)
	}
	if !w.Hooked("#spin") {
		t.Error("#spin should be hooked")
	}
	if w.Hooked("html[0]/body[1]/button[3]") {
		t.Error("menu button should not be hooked")
	}
}

func TestWatcher_ClickReadsBetThenWin(t *testing.T) {
	page, root := loadPage(t, slotPage)
	w, rep, timers := newTestWatcher(t, page)
	w.Observe(root)

	if !w.Click("#spin") {
		t.Fatal("Click() = false, want true")
	}
	if len(rep.calls) != 0 {
		t.Fatal("outcome should wait for the settle delay")
	}

	// The win display updates while the reels spin.
	_, err := page.Load(strings.NewReader(strings.Replace(slotPage, "Win: 0", "Win: 7.25", 1)))
	if err != nil {
		t.Fatal(err)
	}
	(*timers)[0].fire()

	if len(rep.calls) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(rep.calls))
	}
	got := rep.calls[0]
	if got.source != SourceWatcher || got.wager != 2.5 || got.payout != 7.25 {
		t.Errorf("outcome = %+v, want watcher 2.5/7.25", got)
	}
	if w.Pending() != 0 {
		t.Errorf("pending = %d, want 0", w.Pending())
	}
}

func TestWatcher_Defaults(t *testing.T) {
	page, root := loadPage(t, `<html><body><button>Spin now</button></body></html>`)
	w, rep, timers := newTestWatcher(t, page)
	if w.Observe(root) != 1 {
		t.Fatal("text-matched button should be hooked")
	}

	// body[1] because <head> is synthesised before <body>.
	if !w.Click("html[0]/body[1]/button[0]") {
		t.Fatal("Click() = false")
	}
	(*timers)[0].fire()

	got := rep.calls[0]
	if got.wager != DefaultWager || got.payout != DefaultPayout {
		t.Errorf("outcome = %+v, want defaults %v/%v", got, DefaultWager, DefaultPayout)
	}
}

func TestWatcher_ClickUnhooked(t *testing.T) {
	page, _ := loadPage(t, slotPage)
	w, rep, timers := newTestWatcher(t, page)

	if w.Click("#spin") {
		t.Error("click on an element never observed should be ignored")
	}
	if len(*timers) != 0 || len(rep.calls) != 0 {
		t.Error("no spin should be scheduled")
	}
}

func TestWatcher_SettleCompletesOldestOnce(t *testing.T) {
	page, root := loadPage(t, slotPage)
	w, rep, timers := newTestWatcher(t, page)
	w.Observe(root)

	w.Click("#spin")
	w.Click("#spin")
	if w.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", w.Pending())
	}

	if !w.Settle() {
		t.Fatal("Settle() = false, want true")
	}
	if !(*timers)[0].stopped {
		t.Error("settled spin's timer should be stopped")
	}
	(*timers)[0].fire()
	if len(rep.calls) != 1 {
		t.Fatalf("outcomes = %d, want 1 after settle", len(rep.calls))
	}

	(*timers)[1].fire()
	if len(rep.calls) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(rep.calls))
	}
	if w.Settle() {
		t.Error("Settle() with nothing pending should be false")
	}
}

func TestWatcher_Report(t *testing.T) {
	w := NewWatcher(NewPage(), &fakeReporter{}, 0)
	rep := w.out.(*fakeReporter)

	w.Report(4, 12)
	if len(rep.calls) != 1 || rep.calls[0] != (outcomeCall{SourceReport, 4, 12}) {
		t.Errorf("calls = %+v", rep.calls)
	}
}

func TestWatcher_RealTimer(t *testing.T) {
	page, root := loadPage(t, slotPage)
	rep := &fakeReporter{}
	w := NewWatcher(page, rep, time.Millisecond)
	w.Observe(root)
	w.Click("#spin")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rep.mu.Lock()
		n := len(rep.calls)
		rep.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timer never completed the spin")
}

func TestReadAmount(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want float64
	}{
		{"class match", `<div class="total-bet">10</div>`, 10},
		{"id match", `<div id="betValue">€ 0.40</div>`, 0.4},
		{"first numeric wins", `<div class="bet"></div><div class="bet">3</div>`, 3},
		{"no number", `<div class="bet">max</div>`, DefaultWager},
		{"no element", `<div>5</div>`, DefaultWager},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root, err := html.Parse(strings.NewReader(tt.src))
			if err != nil {
				t.Fatal(err)
			}
			if got := readAmount(root, "bet", DefaultWager); got != tt.want {
				t.Errorf("readAmount() = %v, want %v", got, tt.want)
			}
		})
	}
	if got := readAmount(nil, "win", DefaultPayout); got != DefaultPayout {
		t.Errorf("nil root = %v, want %v", got, DefaultPayout)
	}
}

func TestElementKey(t *testing.T) {
	root, err := html.Parse(strings.NewReader(`<html><body><p>a</p><div><i></i><b></b></div></body></html>`))
	if err != nil {
		t.Fatal(err)
	}
	var b *html.Node
	walk(root, func(n *html.Node) {
		if n.Data == "b" {
			b = n
		}
	})
	if got, want := ElementKey(b), "html[0]/body[1]/div[1]/b[1]"; got != want {
		t.Errorf("ElementKey() = %q, want %q", got, want)
	}
}
