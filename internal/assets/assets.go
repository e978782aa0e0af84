package assets

import _ "embed"

// ObserverJS is the in-page relay client served at /observer.js. Games
// load it next to their own scripts; it streams the page to /relay and
// exposes window.slotscope.report, settled and init.
//
//go:embed observer.js
var ObserverJS []byte
