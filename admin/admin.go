// Package admin provides the HTML/JSON monitoring endpoints for a pulse
// Emitter.
package admin

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pulsefeed/pulse"
)

//go:embed index.html
var html []byte

// Handles serving the static HTML page
func statusHTMLHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	w.Write(html)
}

// Handles serving the JSON status data, effectively the admin API endpoint
func statusDataHandler(w http.ResponseWriter, r *http.Request, e *pulse.Emitter) {
	w.Header().Set("Content-Type", "application/json")
	b, _ := json.MarshalIndent(e.Status(), "", "  ")
	fmt.Fprint(w, string(b))
}

// Handler serves the admin surface for e under /admin/.
func Handler(e *pulse.Emitter) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/", statusHTMLHandler)
	mux.HandleFunc("/admin/status.json", func(w http.ResponseWriter, r *http.Request) {
		statusDataHandler(w, r, e)
	})
	return mux
}
