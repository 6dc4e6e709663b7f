package webassets

import (
	"embed"
	"fmt"
	"io/fs"
	"net/http"
)

// home/ must exist and contain index.html to satisfy go:embed
//
//go:embed home
var embedded embed.FS

// HomeFS returns the embedded landing page assets.
func HomeFS() fs.FS {
	sub, err := fs.Sub(embedded, "home")
	if err != nil {
		panic(fmt.Errorf("webassets: home subfs: %w", err))
	}
	return sub
}

// HomeHandler serves the landing page. Only GET and HEAD on / are answered;
// everything else is a 404 so unknown paths do not masquerade as content.
func HomeHandler() http.Handler {
	fsys := HomeFS()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.NotFound(w, r)
			return
		}
		if r.URL.Path != "/" && r.URL.Path != "/index.html" {
			http.NotFound(w, r)
			return
		}
		body, err := fs.ReadFile(fsys, "index.html")
		if err != nil {
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(body)
		}
	})
}
