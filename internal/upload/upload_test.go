package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanshare/internal/fsutil"
)

type testRoots struct{ share, thumbs string }

func (r testRoots) SharedDir() string    { return r.share }
func (r testRoots) ThumbnailDir() string { return r.thumbs }

type fakeThumbs struct {
	err   error
	calls []string
}

func (f *fakeThumbs) Generate(src, dst string) error {
	f.calls = append(f.calls, dst)
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(dst, []byte("jpeg"), 0o644)
}

func newManager(t *testing.T, lim Limits, thumbs Thumbnailer) (*Manager, testRoots) {
	t.Helper()
	base, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	roots := testRoots{share: filepath.Join(base, "shared"), thumbs: filepath.Join(base, "thumbnails")}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(roots, func() Limits { return lim }, thumbs, log), roots
}

func request(body []byte) Request {
	return Request{
		ContentLength: int64(len(body)),
		ContentType:   "multipart/form-data; boundary=" + testBoundary,
		Body:          bytes.NewReader(body),
	}
}

func shareEntries(t *testing.T, dir string) []string {
	t.Helper()
	ents, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		names = append(names, e.Name())
	}
	return names
}

func TestReceiveStoresFile(t *testing.T) {
	thumbs := &fakeThumbs{}
	m, roots := newManager(t, Limits{ChunkSize: 64}, thumbs)
	content := payload(1000)

	out, err := m.Receive(context.Background(), request(multipartBody("\r\n", testBoundary,
		field{name: "file", filename: "photo.png", content: content})))
	require.NoError(t, err)
	assert.Equal(t, Outcome{Filename: "photo.png", Written: 1000, Message: "Uploaded"}, out)

	got, err := os.ReadFile(filepath.Join(roots.share, "photo.png"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, []string{"photo.png"}, shareEntries(t, roots.share))
	assert.Equal(t, []string{filepath.Join(roots.thumbs, "photo.png.jpg")}, thumbs.calls)
}

func TestReceiveOverwritesExisting(t *testing.T) {
	m, roots := newManager(t, Limits{}, nil)
	require.NoError(t, m.EnsureStorage())
	require.NoError(t, os.WriteFile(filepath.Join(roots.share, "a.txt"), []byte("old contents"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(roots.thumbs, "a.txt.jpg"), []byte("stale"), 0o644))

	_, err := m.Receive(context.Background(), request(multipartBody("\r\n", testBoundary,
		field{name: "file", filename: "a.txt", content: []byte("new")})))
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(roots.share, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
	assert.NoFileExists(t, filepath.Join(roots.thumbs, "a.txt.jpg"))
}

func TestReceiveThumbnailFailureIsNotFatal(t *testing.T) {
	thumbs := &fakeThumbs{err: errors.New("decoder exploded")}
	m, roots := newManager(t, Limits{}, thumbs)

	out, err := m.Receive(context.Background(), request(multipartBody("\r\n", testBoundary,
		field{name: "file", filename: "pic.jpg", content: []byte("not really a jpeg")})))
	require.NoError(t, err)
	assert.Equal(t, "Uploaded", out.Message)
	assert.FileExists(t, filepath.Join(roots.share, "pic.jpg"))
	assert.Len(t, thumbs.calls, 1)
}

func TestReceiveFailuresLeaveNothing(t *testing.T) {
	full := multipartBody("\r\n", testBoundary, field{name: "file", filename: "doc.bin", content: payload(4096)})

	tests := []struct {
		name    string
		req     Request
		limits  Limits
		wantErr error
	}{
		{
			name:    "truncated body",
			req:     Request{ContentLength: int64(len(full)), ContentType: "multipart/form-data; boundary=" + testBoundary, Body: bytes.NewReader(full[:2000])},
			wantErr: ErrTruncated,
		},
		{
			name:    "content over limit",
			req:     request(full),
			limits:  Limits{MaxFileSize: 1024, ChunkSize: 256},
			wantErr: ErrTooLarge,
		},
		{
			name:    "declared length over ceiling",
			req:     Request{ContentLength: 1024 + MultipartOverhead + 1, ContentType: "multipart/form-data; boundary=" + testBoundary, Body: bytes.NewReader(full)},
			limits:  Limits{MaxFileSize: 1024},
			wantErr: ErrTooLarge,
		},
		{
			name:    "wrong content type",
			req:     Request{ContentLength: int64(len(full)), ContentType: "application/json", Body: bytes.NewReader(full)},
			wantErr: ErrValidation,
		},
		{
			name:    "missing boundary",
			req:     Request{ContentLength: int64(len(full)), ContentType: "multipart/form-data", Body: bytes.NewReader(full)},
			wantErr: ErrValidation,
		},
		{
			name:    "missing content length",
			req:     Request{ContentLength: -1, ContentType: "multipart/form-data; boundary=" + testBoundary, Body: bytes.NewReader(full)},
			wantErr: ErrValidation,
		},
		{
			name:    "trailing garbage",
			req:     request(append(append([]byte{}, full...), "oops"...)),
			wantErr: ErrMalformedTrailer,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, roots := newManager(t, tt.limits, &fakeThumbs{})
			require.NoError(t, m.EnsureStorage())

			_, err := m.Receive(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.wantErr)

			assert.Empty(t, shareEntries(t, roots.share))
			files, err := fsutil.ListFiles(roots.share)
			require.NoError(t, err)
			assert.NotContains(t, files, "doc.bin")
		})
	}
}

func TestReceiveCancelledContext(t *testing.T) {
	m, roots := newManager(t, Limits{ChunkSize: 64}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Receive(ctx, request(multipartBody("\r\n", testBoundary,
		field{name: "file", filename: "late.bin", content: payload(500)})))
	require.ErrorIs(t, err, ErrTruncated)
	assert.Empty(t, shareEntries(t, roots.share))
}

func TestReceiveRejectsDirectoryTarget(t *testing.T) {
	m, roots := newManager(t, Limits{}, nil)
	require.NoError(t, os.MkdirAll(filepath.Join(roots.share, "photos"), 0o755))

	_, err := m.Receive(context.Background(), request(multipartBody("\r\n", testBoundary,
		field{name: "file", filename: "photos", content: []byte("x")})))
	require.ErrorIs(t, err, fsutil.ErrRejected)
	assert.DirExists(t, filepath.Join(roots.share, "photos"))
}

func TestReceiveKeepsPercentInNames(t *testing.T) {
	m, roots := newManager(t, Limits{}, nil)

	for _, name := range []string{"a%20b.txt", "50%.txt", "sub%2Fx.txt"} {
		out, err := m.Receive(context.Background(), request(multipartBody("\r\n", testBoundary,
			field{name: "file", filename: name, content: []byte(name)})))
		require.NoError(t, err, name)
		assert.Equal(t, name, out.Filename)

		got, err := os.ReadFile(filepath.Join(roots.share, name))
		require.NoError(t, err, name)
		assert.Equal(t, name, string(got))
	}
	assert.ElementsMatch(t, []string{"a%20b.txt", "50%.txt", "sub%2Fx.txt"}, shareEntries(t, roots.share))
}

func TestReceiveRejectsHiddenNames(t *testing.T) {
	m, roots := newManager(t, Limits{}, nil)
	require.NoError(t, m.EnsureStorage())
	require.NoError(t, os.WriteFile(filepath.Join(roots.share, ".env"), []byte("SECRET=1"), 0o644))

	for _, name := range []string{".env", "dir/.bashrc"} {
		_, err := m.Receive(context.Background(), request(multipartBody("\r\n", testBoundary,
			field{name: "file", filename: name, content: []byte("overwritten")})))
		require.ErrorIs(t, err, fsutil.ErrRejected, name)
		code, _ := Status(err)
		assert.Equal(t, 400, code)
	}

	got, err := os.ReadFile(filepath.Join(roots.share, ".env"))
	require.NoError(t, err)
	assert.Equal(t, "SECRET=1", string(got))
	assert.Equal(t, []string{".env"}, shareEntries(t, roots.share))
}

func TestReceiveThumbnailStaysInRoot(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	thumbs := &fakeThumbs{}
	m, roots := newManager(t, Limits{}, thumbs)
	require.NoError(t, m.EnsureStorage())

	outside := filepath.Join(filepath.Dir(roots.thumbs), "outside.jpg")
	require.NoError(t, os.WriteFile(outside, []byte("keep"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(roots.thumbs, "pic.png.jpg")))

	_, err := m.Receive(context.Background(), request(multipartBody("\r\n", testBoundary,
		field{name: "file", filename: "pic.png", content: []byte("png-ish")})))
	require.NoError(t, err)

	assert.Empty(t, thumbs.calls)
	got, err := os.ReadFile(outside)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(got))
}

func TestStatus(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{ErrTooLarge, 413},
		{ErrHeaderTooLong, 431},
		{ErrTruncated, 400},
		{ErrMalformedTrailer, 400},
		{fsutil.ErrRejected, 400},
		{ErrValidation, 400},
		{ErrStorage, 500},
		{errors.New("boom"), 500},
	}
	for _, tt := range tests {
		code, msg := Status(tt.err)
		assert.Equal(t, tt.code, code, "%v", tt.err)
		assert.NotEmpty(t, msg)
	}
}
