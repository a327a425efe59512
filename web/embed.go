package web

import "embed"

// FS holds the operator panel: index.html, style.css and panel.js.
//
//go:embed *.html *.css *.js
var FS embed.FS
