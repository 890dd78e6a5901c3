package httpserver

import (
	"embed"
	"io/fs"
	"net/http"
	"strings"
)

//go:embed web/index.html web/admin.html web/assets/*
var embeddedWeb embed.FS

// adminPage is only reachable through the loopback admin routes.
const adminPage = "admin.html"

// staticFiles serves the embedded UI bundle. It never lists directories and
// never reads from the share root.
type staticFiles struct {
	fsys  fs.FS
	files http.Handler
}

func newStaticFiles() (*staticFiles, error) {
	sub, err := fs.Sub(embeddedWeb, "web")
	if err != nil {
		return nil, err
	}
	return &staticFiles{fsys: sub, files: http.FileServerFS(sub)}, nil
}

func (s *staticFiles) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method not allowed.", http.StatusMethodNotAllowed)
		return
	}
	if r.URL.Path != "/" && strings.HasSuffix(r.URL.Path, "/") || r.URL.Path == "/"+adminPage {
		http.NotFound(w, r)
		return
	}
	s.files.ServeHTTP(w, r)
}

func (s *staticFiles) serveAdmin(w http.ResponseWriter, r *http.Request) {
	http.ServeFileFS(w, r, s.fsys, adminPage)
}
