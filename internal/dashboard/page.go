package dashboard

import (
	"html/template"
	"io"

	"github.com/shortontech/slotscope/internal/event"
)

var pageTemplate = template.Must(template.New("dashboard").Parse(`<!doctype html>
<html>
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="{{.Refresh}}">
<title>SlotScope{{if .Label}} · {{.Label}}{{end}}</title>
<style>body{background:#111;color:#ddd;font-family:monospace}.Hot{color:#f60}.Warm{color:#ff0}.Cold{color:#0f0}</style>
</head>
<body>
{{if .Ready}}<h1 class="{{.Label}}">{{.Label}}</h1>
<pre>{{.Text}}</pre>{{else}}<pre>No snapshot yet.</pre>{{end}}
</body>
</html>
`))

type pageData struct {
	Ready   bool
	Label   string
	Text    string
	Refresh int
}

// WritePage renders the HTML view of the latest snapshot. The page
// reloads itself every refresh seconds.
func WritePage(w io.Writer, s event.Snapshot, ok bool, refresh int) error {
	if refresh <= 0 {
		refresh = 2
	}
	d := pageData{Ready: ok, Refresh: refresh}
	if ok {
		d.Label = string(s.Label)
		d.Text = Render(s)
	}
	return pageTemplate.Execute(w, d)
}
