// Package serveui holds the demo chat page served by "mdstream serve --ui".
package serveui

import _ "embed"

//go:embed static/index.html
var indexHTML []byte

// IndexHTML returns a copy of the embedded page.
func IndexHTML() []byte {
	out := make([]byte, len(indexHTML))
	copy(out, indexHTML)
	return out
}
