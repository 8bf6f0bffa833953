// Package web holds the xl320d servo panel: a live table of polled register
// values per servo and a form that sends register writes.
package web

import "embed"

// FS is served at / by the daemon. app.js talks to the daemon only over
// the /ws websocket.
//
//go:embed index.html style.css app.js
var FS embed.FS
