package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"lanshare/internal/fsutil"
)

// MultipartOverhead is the slack allowed on top of the file size limit for
// boundaries, part headers and ignored form fields.
const MultipartOverhead = 10 << 20

// Upload flow:
//   - validate Content-Length and Content-Type
//   - stream the "file" part into <shareRoot>/.upload-<uuid>.part
//   - rename the temp file over the destination
//   - regenerate <thumbRoot>/<name>.jpg
//
// The temp file is removed on every failure, so an aborted upload never shows
// up in a listing or a download.

// Roots provides the two sandbox roots. They are read once per upload so a
// folder change applies to the next request.
type Roots interface {
	SharedDir() string
	ThumbnailDir() string
}

// Thumbnailer renders a preview of src into dst.
type Thumbnailer interface {
	Generate(src, dst string) error
}

// Limits bound a single upload.
type Limits struct {
	MaxFileSize   int64
	ChunkSize     int
	MaxHeaderLine int
}

type Manager struct {
	roots  Roots
	thumbs Thumbnailer
	limits func() Limits
	log    *slog.Logger
}

type Request struct {
	ContentLength int64
	ContentType   string
	Body          io.Reader
}

type Outcome struct {
	Filename string `json:"filename"`
	Written  int64  `json:"-"`
	Message  string `json:"message"`
}

// New builds a Manager. limits is consulted per upload; thumbs may be nil.
func New(roots Roots, limits func() Limits, thumbs Thumbnailer, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{roots: roots, thumbs: thumbs, limits: limits, log: log}
}

// EnsureStorage creates the share and thumbnail roots if they are missing.
func (m *Manager) EnsureStorage() error {
	for _, dir := range []string{m.roots.SharedDir(), m.roots.ThumbnailDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: %w", ErrStorage, err)
		}
	}
	return nil
}

// Receive runs one upload transaction. On error no file for the upload is
// left in the share root.
func (m *Manager) Receive(ctx context.Context, req Request) (Outcome, error) {
	lim := m.limits()
	boundary, err := checkRequest(req, lim)
	if err != nil {
		return Outcome{}, err
	}
	if err := m.EnsureStorage(); err != nil {
		return Outcome{}, err
	}

	sink := &fileSink{root: m.roots.SharedDir()}
	defer sink.abort()

	p := Parser{ChunkSize: lim.ChunkSize, MaxHeaderLine: lim.MaxHeaderLine, MaxFileSize: lim.MaxFileSize}
	res, err := p.Parse(contextReader{ctx: ctx, r: req.Body}, req.ContentLength, boundary, sink)
	if err != nil {
		return Outcome{}, err
	}
	if err := sink.commit(); err != nil {
		return Outcome{}, err
	}

	m.log.Info("upload stored", "file", res.Filename, "size", humanize.IBytes(uint64(res.Written)))
	m.refreshThumbnail(sink.dest.Path, res.Filename)

	return Outcome{Filename: res.Filename, Written: res.Written, Message: "Uploaded"}, nil
}

func checkRequest(req Request, lim Limits) (string, error) {
	if req.ContentLength <= 0 {
		return "", fmt.Errorf("%w: missing Content-Length", ErrValidation)
	}
	if lim.MaxFileSize > 0 && req.ContentLength > lim.MaxFileSize+MultipartOverhead {
		return "", ErrTooLarge
	}
	kind, params, err := mime.ParseMediaType(req.ContentType)
	if err != nil || kind != "multipart/form-data" {
		return "", fmt.Errorf("%w: Content-Type must be multipart/form-data", ErrValidation)
	}
	boundary := params["boundary"]
	if err := ValidateBoundary(boundary); err != nil {
		return "", err
	}
	return boundary, nil
}

func (m *Manager) refreshThumbnail(src, name string) {
	sp, err := fsutil.ResolveName(m.roots.ThumbnailDir(), name+".jpg")
	if err != nil {
		m.log.Warn("thumbnail path rejected", "file", name, "err", err)
		return
	}
	dst := sp.Path
	if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.log.Warn("stale thumbnail not removed", "file", name, "err", err)
	}
	if m.thumbs == nil {
		return
	}
	if err := m.thumbs.Generate(src, dst); err != nil {
		m.log.Warn("thumbnail failed", "file", name, "err", err)
	}
}

// fileSink writes the upload into a hidden temp file next to its destination.
type fileSink struct {
	root string
	dest fsutil.SandboxedPath
	tmp  *os.File
}

func (s *fileSink) Create(filename string) (io.Writer, error) {
	dest, err := fsutil.ResolveName(s.root, filename)
	if err != nil {
		return nil, err
	}
	if st, err := os.Stat(dest.Path); err == nil && st.IsDir() {
		return nil, fsutil.ErrRejected
	}
	name := filepath.Join(dest.Root, ".upload-"+uuid.NewString()+".part")
	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	s.dest, s.tmp = dest, f
	return f, nil
}

func (s *fileSink) commit() error {
	if s.tmp == nil {
		return fmt.Errorf("%w: no file received", ErrValidation)
	}
	tmp := s.tmp.Name()
	err := s.tmp.Close()
	s.tmp = nil
	if err == nil {
		err = fsutil.ReplaceFile(tmp, s.dest.Path)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}

func (s *fileSink) abort() {
	if s.tmp == nil {
		return
	}
	_ = s.tmp.Close()
	_ = os.Remove(s.tmp.Name())
	s.tmp = nil
}

// contextReader stops a body read once the request context is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
