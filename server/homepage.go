package server

import (
	"fmt"
	"net/http"

	"github.com/canopus-hq/docforge/config"
)

// renderHomepage writes the service banner. The real surface lives under
// /v1; this exists so a health probe or a curious operator gets something
// identifiable.
func renderHomepage(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "docforge version %s\n", config.Version)
}
