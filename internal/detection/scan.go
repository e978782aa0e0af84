package detection

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// ScanDocument returns the first iframe in the tree that looks like a slot
// game. Only one game per page is tracked.
func ScanDocument(root *html.Node) (Detection, bool) {
	var found *Detection
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if found != nil {
			return
		}
		if n.Type == html.ElementNode && n.Data == "iframe" {
			if d := AnalyzeFrame(frameFromNode(n)); d.LikelySlot {
				found = &d
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	if root != nil {
		visit(root)
	}
	if found == nil {
		return Detection{}, false
	}
	return *found, true
}

func frameFromNode(n *html.Node) Frame {
	f := Frame{}
	var style string
	for _, a := range n.Attr {
		switch a.Key {
		case "src":
			f.Src = a.Val
		case "width":
			f.Width = parseDimension(a.Val)
		case "height":
			f.Height = parseDimension(a.Val)
		case "sandbox":
			f.Sandbox = a.Val
		case "style":
			style = a.Val
		}
	}
	// Inline style is the fallback when the attributes are absent.
	if f.Width == 0 {
		f.Width = parseDimension(styleValue(style, "width"))
	}
	if f.Height == 0 {
		f.Height = parseDimension(styleValue(style, "height"))
	}
	return f
}

// parseDimension reads the leading integer of values like "640" or "640px".
func parseDimension(v string) int {
	v = strings.TrimSpace(v)
	end := 0
	for end < len(v) && v[end] >= '0' && v[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(v[:end])
	if err != nil {
		return 0
	}
	return n
}

func styleValue(style, prop string) string {
	for _, decl := range strings.Split(style, ";") {
		k, v, ok := strings.Cut(decl, ":")
		if ok && strings.EqualFold(strings.TrimSpace(k), prop) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
