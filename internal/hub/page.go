package hub

import (
	"fmt"
	"html"
	"net/http"
	"strings"
)

// servePage answers any non-upgrade GET with a small style-embedded page.
// Its content varies with the referer, host, and request path so users
// can self-certify a dev TLS certificate by visiting the address their
// page actually connects to. It never exposes file contents.
func (h *Hub) servePage(w http.ResponseWriter, r *http.Request) {
	var targets []string
	for _, t := range h.cfg.EnabledTargets() {
		targets = append(targets, t.Name)
	}

	referer := r.Header.Get("Referer")
	note := "You can close this page."
	if referer != "" {
		note = fmt.Sprintf(
			"If you came here from %s to accept a certificate, you are done now.",
			html.EscapeString(referer),
		)
	}

	pathNote := ""
	if r.URL.Path != "/" {
		pathNote = fmt.Sprintf(
			"<p>Note: there is nothing at <code>%s</code>; the WebSocket endpoint is at <code>/?…</code>.</p>",
			html.EscapeString(r.URL.Path),
		)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, pageTemplate,
		html.EscapeString(r.Host),
		note,
		pathNote,
		html.EscapeString(strings.Join(targets, ", ")),
	)
}

const pageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>elm-watch</title>
<style>
  body { font-family: system-ui, sans-serif; margin: 3rem auto; max-width: 40rem; line-height: 1.5; }
  code { background: #eee; padding: 0.1em 0.3em; border-radius: 3px; }
  h1 { font-size: 1.4rem; }
</style>
</head>
<body>
<h1>elm-watch is running on %s</h1>
<p>This is the WebSocket server that hot-reloads your compiled pages.</p>
<p>%s</p>
%s
<p>Targets: <code>%s</code></p>
</body>
</html>
`
