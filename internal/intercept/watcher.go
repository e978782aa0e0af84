package intercept

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"
)

// Defaults used when an amount cannot be read from the page.
const (
	DefaultWager  = 1
	DefaultPayout = 0

	DefaultSettleDelay = 1500 * time.Millisecond
)

var amountPattern = regexp.MustCompile(`\d+(\.\d+)?`)

// Document gives the watcher the current tree of the observed page.
type Document interface {
	Root() *html.Node
}

// Page holds the latest parsed tree. Trees are replaced whole, never
// mutated in place, so readers can walk a root without locking.
type Page struct {
	mu   sync.RWMutex
	root *html.Node
}

// NewPage returns an empty page.
func NewPage() *Page { return &Page{} }

// Load parses r and makes it the current tree.
func (p *Page) Load(r io.Reader) (*html.Node, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	p.mu.Lock()
	p.root = root
	p.mu.Unlock()
	return root, nil
}

// Root implements Document.
func (p *Page) Root() *html.Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.root
}

// Reporter forwards outcomes to the supervising context.
type Reporter interface {
	ReportOutcome(source string, wager, payout float64) bool
}

type stopper interface{ Stop() bool }

// Watcher finds wager triggers in the observed page and turns their
// activation into outcome events.
//
// The payout is read after a fixed settle delay, which only guesses when
// the game's animation ends. Settle is the preferred, exact completion
// signal; the timer is a degraded fallback and its readings are
// approximate.
type Watcher struct {
	doc    Document
	out    Reporter
	settle time.Duration
	after  func(time.Duration, func()) stopper

	mu      sync.Mutex
	hooked  map[string]struct{}
	pending []*pendingSpin
}

type pendingSpin struct {
	wager float64
	timer stopper
	once  sync.Once
}

// NewWatcher creates a watcher over doc reporting to out.
func NewWatcher(doc Document, out Reporter, settle time.Duration) *Watcher {
	if settle < 0 {
		settle = DefaultSettleDelay
	}
	return &Watcher{
		doc:    doc,
		out:    out,
		settle: settle,
		after: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		hooked: make(map[string]struct{}),
	}
}

// Observe scans newly attached nodes and hooks every wager trigger not
// hooked before. It returns how many new triggers were hooked.
func (w *Watcher) Observe(nodes ...*html.Node) (hooked int) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("watcher: observe panicked: %v", r)
		}
	}()
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, n := range nodes {
		walk(n, func(el *html.Node) {
			if !isTrigger(el) {
				return
			}
			key := ElementKey(el)
			if _, seen := w.hooked[key]; seen {
				return
			}
			w.hooked[key] = struct{}{}
			hooked++
		})
	}
	return hooked
}

// Hooked reports whether the element with key is hooked.
func (w *Watcher) Hooked(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.hooked[key]
	return ok
}

// Click handles activation of the element with key. The wager is read
// now; the payout once the spin settles.
func (w *Watcher) Click(key string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("watcher: click hook panicked: %v", r)
			ok = false
		}
	}()
	if !w.Hooked(key) {
		return false
	}

	p := &pendingSpin{wager: readAmount(w.doc.Root(), "bet", DefaultWager)}
	w.mu.Lock()
	w.pending = append(w.pending, p)
	w.mu.Unlock()

	t := w.after(w.settle, func() { w.expire(p) })
	w.mu.Lock()
	p.timer = t
	w.mu.Unlock()
	return true
}

// Settle completes the oldest pending spin immediately. It returns false
// when nothing is pending.
func (w *Watcher) Settle() bool {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return false
	}
	p := w.pending[0]
	w.pending = w.pending[1:]
	timer := p.timer
	w.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	w.complete(p)
	return true
}

// Pending returns the number of spins waiting for their payout.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Report forwards exact values supplied by the game itself.
func (w *Watcher) Report(wager, payout float64) bool {
	return w.out.ReportOutcome(SourceReport, wager, payout)
}

func (w *Watcher) expire(p *pendingSpin) {
	w.mu.Lock()
	for i, q := range w.pending {
		if q == p {
			w.pending = append(w.pending[:i], w.pending[i+1:]...)
			break
		}
	}
	w.mu.Unlock()
	w.complete(p)
}

func (w *Watcher) complete(p *pendingSpin) {
	p.once.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("watcher: payout read panicked: %v", r)
			}
		}()
		payout := readAmount(w.doc.Root(), "win", DefaultPayout)
		w.out.ReportOutcome(SourceWatcher, p.wager, payout)
	})
}

// isTrigger matches buttons whose text or class mentions "spin".
func isTrigger(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if n.Data != "button" && attr(n, "role") != "button" {
		return false
	}
	return strings.Contains(strings.ToLower(textContent(n)), "spin") ||
		strings.Contains(strings.ToLower(attr(n, "class")), "spin")
}

// ElementKey identifies an element: "#id" when it has an id, otherwise
// its path from the top of the tree as tag[index] segments, index counted
// among element siblings.
func ElementKey(n *html.Node) string {
	if id := attr(n, "id"); id != "" {
		return "#" + id
	}
	var segs []string
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		idx := 0
		for s := cur.PrevSibling; s != nil; s = s.PrevSibling {
			if s.Type == html.ElementNode {
				idx++
			}
		}
		segs = append(segs, cur.Data+"["+strconv.Itoa(idx)+"]")
	}
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return strings.Join(segs, "/")
}

// readAmount returns the first number found in the text of an element whose
// class or id contains token, in document order, or def.
func readAmount(root *html.Node, token string, def float64) float64 {
	if root == nil {
		return def
	}
	found, value := false, def
	walk(root, func(el *html.Node) {
		if found {
			return
		}
		if !strings.Contains(strings.ToLower(attr(el, "class")), token) &&
			!strings.Contains(strings.ToLower(attr(el, "id")), token) {
			return
		}
		m := amountPattern.FindString(textContent(el))
		if m == "" {
			return
		}
		v, err := strconv.ParseFloat(m, 64)
		if err != nil || math.IsInf(v, 0) {
			return
		}
		found, value = true, v
	})
	return value
}

// walk visits n and its element descendants in document order.
func walk(n *html.Node, fn func(*html.Node)) {
	if n == nil {
		return
	}
	if n.Type == html.ElementNode {
		fn(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func textContent(n *html.Node) string {
	var b bytes.Buffer
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return b.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
