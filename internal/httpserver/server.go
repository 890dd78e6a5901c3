package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	qrcode "github.com/skip2/go-qrcode"

	"lanshare/internal/config"
	"lanshare/internal/fsutil"
	"lanshare/internal/upload"
)

type Options struct {
	Settings *config.Settings
	Uploads  *upload.Manager
	Log      *slog.Logger

	// BoundPort is the port the listener actually holds. It may differ from
	// the configured port until the next restart.
	BoundPort int

	// Restart asks the process to rebind with the saved settings. It reports
	// false when a restart is already pending. Nil disables the endpoint.
	Restart func() bool
}

// Server routes requests through a fixed table of API routes. Anything the
// table does not claim goes to the embedded UI.
type Server struct {
	settings  *config.Settings
	uploads   *upload.Manager
	log       *slog.Logger
	boundPort int
	restart   func() bool

	routes []route
	static *staticFiles
}

type route struct {
	methods  []string
	match    func(escapedPath string) (string, bool)
	handle   func(w http.ResponseWriter, r *http.Request, name string)
	loopback bool
}

var validate = validator.New()

func New(opts Options) (*Server, error) {
	if opts.Settings == nil || opts.Uploads == nil {
		return nil, errors.New("httpserver: settings and uploads are required")
	}
	static, err := newStaticFiles()
	if err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	port := opts.BoundPort
	if port <= 0 {
		port = opts.Settings.Port()
	}

	s := &Server{
		settings:  opts.Settings,
		uploads:   opts.Uploads,
		log:       log,
		boundPort: port,
		restart:   opts.Restart,
		static:    static,
	}
	read := []string{http.MethodGet, http.MethodHead}
	s.routes = []route{
		{methods: read, match: exact("/healthz"), handle: s.handleHealth},
		{methods: []string{http.MethodPost}, match: exact("/upload/"), handle: s.handleUpload},
		{methods: read, match: prefix("/download/"), handle: s.handleDownload},
		{methods: read, match: prefix("/thumbnails/"), handle: s.handleThumbnail},
		{methods: read, match: exact("/files/"), handle: s.handleFiles},
		{methods: read, match: exact("/settings/"), handle: s.handleTransferSettings},
		{methods: read, match: exact("/settings", "/info", "/info/"), handle: s.handleAdminPage, loopback: true},
		{methods: []string{http.MethodGet, http.MethodPut}, match: exact("/api/admin/settings"), handle: s.handleAdminSettings, loopback: true},
		{methods: []string{http.MethodGet}, match: exact("/api/admin/qr.png"), handle: s.handleAdminQR, loopback: true},
		{methods: []string{http.MethodPost}, match: exact("/api/admin/restart"), handle: s.handleAdminRestart, loopback: true},
	}
	return s, nil
}

// Handler returns the router wrapped with the common response headers.
func (s *Server) Handler() http.Handler {
	return withHeaders(s)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The escaped form keeps %2F and %2e%2e intact so that the sandbox is
	// the only place that decodes a name.
	p := r.URL.EscapedPath()
	for _, rt := range s.routes {
		name, ok := rt.match(p)
		if !ok {
			continue
		}
		if !lo.Contains(rt.methods, r.Method) {
			w.Header().Set("Allow", strings.Join(rt.methods, ", "))
			http.Error(w, "Method not allowed.", http.StatusMethodNotAllowed)
			return
		}
		if rt.loopback && !isLoopbackRemoteAddr(r.RemoteAddr) {
			http.Error(w, "Forbidden: local access only.", http.StatusForbidden)
			return
		}
		rt.handle(w, r, name)
		return
	}
	s.static.ServeHTTP(w, r)
}

func exact(paths ...string) func(string) (string, bool) {
	return func(p string) (string, bool) { return "", lo.Contains(paths, p) }
}

func prefix(pfx string) func(string) (string, bool) {
	return func(p string) (string, bool) {
		if !strings.HasPrefix(p, pfx) {
			return "", false
		}
		return strings.TrimPrefix(p, pfx), true
	}
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok\n")
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, _ string) {
	var body io.Reader = r.Body
	if timeout := s.settings.IdleReadTimeout(); timeout > 0 {
		rc := http.NewResponseController(w)
		defer func() { _ = rc.SetReadDeadline(time.Time{}) }()
		body = &idleReader{rc: rc, r: r.Body, timeout: timeout}
	}

	out, err := s.uploads.Receive(r.Context(), upload.Request{
		ContentLength: r.ContentLength,
		ContentType:   r.Header.Get("Content-Type"),
		Body:          body,
	})
	if err != nil {
		code, msg := upload.Status(err)
		// The rest of the body is not worth reading, and a stalled client
		// would otherwise hold the connection while the server drains it.
		w.Header().Set("Connection", "close")
		if code >= http.StatusInternalServerError {
			s.log.Error("upload failed", "remote", r.RemoteAddr, "err", err)
		} else {
			s.log.Warn("upload rejected", "remote", r.RemoteAddr, "status", code, "err", err)
		}
		http.Error(w, msg, code)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, name string) {
	if !s.ensureStorage(w) {
		return
	}
	sp, err := fsutil.Resolve(s.settings.SharedDir(), name)
	if err != nil || lo.SomeBy(strings.Split(sp.Name(), "/"), fsutil.IsHidden) {
		http.NotFound(w, r)
		return
	}
	f, st, ok := openRegular(sp.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	ct := detectContentType(sp.Path)
	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", ct)
	// Shared files come from any peer on the LAN. They must not run script
	// in the origin that also serves the admin API.
	h.Set("Content-Security-Policy", "sandbox")
	if isActiveContent(ct) {
		h.Set("Content-Disposition", attachment(st.Name()))
	}
	// ServeContent ignores write errors, so a peer leaving mid-stream just ends it.
	http.ServeContent(w, r, st.Name(), st.ModTime(), f)
}

func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request, name string) {
	if !s.ensureStorage(w) {
		return
	}
	if name == "" {
		http.NotFound(w, r)
		return
	}
	sp, err := fsutil.Resolve(s.settings.ThumbnailDir(), name+".jpg")
	if err != nil {
		http.NotFound(w, r)
		return
	}
	f, st, ok := openRegular(sp.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeContent(w, r, st.Name(), st.ModTime(), f)
}

func (s *Server) handleFiles(w http.ResponseWriter, _ *http.Request, _ string) {
	if !s.ensureStorage(w) {
		return
	}
	files, err := fsutil.ListFiles(s.settings.SharedDir())
	if err != nil {
		s.log.Error("list files", "err", err)
		http.Error(w, "Failed to list files.", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleTransferSettings(w http.ResponseWriter, _ *http.Request, _ string) {
	writeJSON(w, http.StatusOK, map[string]any{
		"chunk_size_bytes":      s.settings.ChunkSize(),
		"max_file_size_bytes":   s.settings.MaxFileSize(),
		"max_header_line_bytes": s.settings.MaxHeaderLine(),
	})
}

type adminUpdate struct {
	SharedDir        *string `json:"shared_dir" validate:"omitempty,min=1"`
	Port             *int    `json:"port" validate:"omitempty,min=1,max=65535"`
	MaxFileSizeBytes *int64  `json:"max_file_size_bytes" validate:"omitempty,min=1,max=107374182400"`
	ChunkSizeBytes   *int    `json:"chunk_size_bytes" validate:"omitempty,min=4096,max=67108864"`
}

func (s *Server) handleAdminSettings(w http.ResponseWriter, r *http.Request, _ string) {
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, s.adminPayload())
		return
	}

	var req adminUpdate
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON payload."})
		return
	}
	if err := validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid settings."})
		return
	}

	changes := make([]string, 0, 4)
	if req.SharedDir != nil && filepath.Clean(*req.SharedDir) != s.settings.SharedDir() {
		if err := s.settings.SetSharedDir(*req.SharedDir); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Unable to use shared folder path."})
			return
		}
		changes = append(changes, "shared_dir")
	}
	if req.Port != nil && *req.Port != s.settings.Port() {
		s.settings.SetPort(*req.Port)
		changes = append(changes, "port")
	}
	// Upload limits are read per request, so these apply immediately.
	if req.MaxFileSizeBytes != nil && *req.MaxFileSizeBytes != s.settings.MaxFileSize() {
		s.settings.SetMaxFileSize(*req.MaxFileSizeBytes)
		changes = append(changes, "max_file_size_bytes")
	}
	if req.ChunkSizeBytes != nil && *req.ChunkSizeBytes != s.settings.ChunkSize() {
		s.settings.SetChunkSize(*req.ChunkSizeBytes)
		changes = append(changes, "chunk_size_bytes")
	}
	if len(changes) > 0 {
		if err := s.settings.Save(); err != nil {
			s.log.Error("persist settings", "err", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to persist settings."})
			return
		}
		s.log.Info("settings changed", "changes", changes)
	}

	resp := s.adminPayload()
	resp["changes"] = changes
	resp["restart_required"] = s.settings.Port() != s.boundPort
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) adminPayload() map[string]any {
	configured := s.settings.Port()
	return map[string]any{
		"settings": map[string]any{
			"shared_dir":          s.settings.SharedDir(),
			"port":                configured,
			"chunk_size_bytes":    s.settings.ChunkSize(),
			"max_file_size_bytes": s.settings.MaxFileSize(),
		},
		"runtime": map[string]any{
			"lan_url":             ServerURL(s.boundPort),
			"admin_url":           fmt.Sprintf("http://127.0.0.1:%d/settings", s.boundPort),
			"active_port":         s.boundPort,
			"port_change_pending": configured != s.boundPort,
			"restart_supported":   s.restart != nil,
			"loopback_only":       true,
		},
	}
}

func (s *Server) handleAdminQR(w http.ResponseWriter, r *http.Request, _ string) {
	target := r.URL.Query().Get("u")
	if target == "" {
		target = ServerURL(s.boundPort)
	}
	if len(target) > 1024 {
		http.Error(w, "URL too long.", http.StatusBadRequest)
		return
	}
	png, err := qrcode.Encode(target, qrcode.Low, 256)
	if err != nil {
		http.Error(w, "Failed to generate QR.", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	_, _ = w.Write(png)
}

func (s *Server) handleAdminRestart(w http.ResponseWriter, _ *http.Request, _ string) {
	if s.restart == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "Restart is not available in this runtime."})
		return
	}
	if !s.restart() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "Restart already in progress."})
		return
	}
	s.log.Info("restart requested")
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "Restart scheduled."})
}

func (s *Server) handleAdminPage(w http.ResponseWriter, r *http.Request, _ string) {
	s.static.serveAdmin(w, r)
}

// ensureStorage creates the share and thumbnail roots before a handler
// touches them.
func (s *Server) ensureStorage(w http.ResponseWriter) bool {
	if err := s.uploads.EnsureStorage(); err != nil {
		s.log.Error("storage unavailable", "err", err)
		http.Error(w, "Storage configuration error.", http.StatusInternalServerError)
		return false
	}
	return true
}

// --- helpers ---

func openRegular(path string) (*os.File, os.FileInfo, bool) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, false
	}
	st, err := f.Stat()
	if err != nil || !st.Mode().IsRegular() {
		_ = f.Close()
		return nil, nil, false
	}
	return f, st, true
}

// idleReader pushes the connection read deadline forward on every read, so
// only a stalled body fails.
type idleReader struct {
	rc      *http.ResponseController
	r       io.Reader
	timeout time.Duration
}

func (i *idleReader) Read(p []byte) (int, error) {
	_ = i.rc.SetReadDeadline(time.Now().Add(i.timeout))
	return i.r.Read(p)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "Failed to serialize JSON.", http.StatusInternalServerError)
		return
	}
	b = append(b, '\n')
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func isLoopbackRemoteAddr(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if i := strings.LastIndex(host, "%"); i >= 0 {
		host = host[:i]
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// detectContentType guesses from the name first and sniffs the file content
// only when the extension is unknown.
func detectContentType(path string) string {
	if ct := contentTypeForName(filepath.Base(path)); ct != "" {
		return ct
	}
	if mt, err := mimetype.DetectFile(path); err == nil {
		return mt.String()
	}
	return "application/octet-stream"
}

// isActiveContent reports types a browser would execute or render as a
// document with script.
func isActiveContent(ct string) bool {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return true
	}
	switch mt {
	case "text/html", "application/xhtml+xml", "image/svg+xml", "text/xml", "application/xml",
		"text/javascript", "application/javascript", "application/x-javascript":
		return true
	}
	return false
}

func attachment(name string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
		return v
	}
	return "attachment"
}

func contentTypeForName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return ""
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	// Fallbacks for systems with sparse mime tables.
	switch ext {
	// images
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".heic":
		return "image/heic"
	// video
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	case ".mov":
		return "video/quicktime"
	// audio
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/mp4"
	case ".wav":
		return "audio/wav"
	case ".ogg":
		return "audio/ogg"
	case ".flac":
		return "audio/flac"
	// docs/text
	case ".pdf":
		return "application/pdf"
	case ".txt", ".log", ".md", ".csv":
		return "text/plain; charset=utf-8"
	// archives and packages
	case ".zip":
		return "application/zip"
	case ".tar":
		return "application/x-tar"
	case ".gz":
		return "application/gzip"
	case ".apk":
		return "application/vnd.android.package-archive"
	default:
		return ""
	}
}

func withHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")

		// embedded assets only change with the binary
		if strings.HasPrefix(r.URL.Path, "/assets/") {
			w.Header().Set("Cache-Control", "public, max-age=3600")
		} else {
			w.Header().Set("Cache-Control", "no-store")
		}
		next.ServeHTTP(w, r)
	})
}
