// Package web embeds the viewer page.
package web

import _ "embed"

//go:embed index.html
var IndexHTML []byte
