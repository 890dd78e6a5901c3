package fsutil

import (
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samber/lo"
)

// ErrRejected is returned for any client path that cannot be mapped inside a
// sandbox root. Callers must not distinguish it from "not found" on reads.
var ErrRejected = errors.New("path rejected")

// SandboxedPath is a target path that was verified to live under Root.
// Both fields are canonical (symlinks evaluated).
type SandboxedPath struct {
	Root string
	Path string
}

// Name returns the root-relative, slash-separated name of the target.
func (p SandboxedPath) Name() string {
	rel, err := filepath.Rel(p.Root, p.Path)
	if err != nil {
		return filepath.Base(p.Path)
	}
	return filepath.ToSlash(rel)
}

// Resolve maps an untrusted, possibly percent-encoded relative path onto root.
//
// Traversal is rejected on the textual path: a literal ".." segment is never
// resolved against the tree. The joined path is then canonicalised and must be
// a strict descendant of the canonical root.
func Resolve(root, raw string) (SandboxedPath, error) {
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return SandboxedPath{}, ErrRejected
	}
	return ResolveName(root, decoded)
}

// ResolveName is Resolve for a name that is already decoded, such as a
// multipart filename. '%' has no special meaning in it.
func ResolveName(root, name string) (SandboxedPath, error) {
	segs, err := splitSegments(name)
	if err != nil {
		return SandboxedPath{}, err
	}

	rootCanon, err := filepath.EvalSymlinks(filepath.Clean(root))
	if err != nil {
		return SandboxedPath{}, err
	}
	rootCanon, err = filepath.Abs(rootCanon)
	if err != nil {
		return SandboxedPath{}, err
	}

	joined := filepath.Join(append([]string{rootCanon}, segs...)...)
	canon, err := canonical(joined)
	if err != nil {
		return SandboxedPath{}, ErrRejected
	}
	if !within(rootCanon, canon) {
		return SandboxedPath{}, ErrRejected
	}
	return SandboxedPath{Root: rootCanon, Path: canon}, nil
}

func splitSegments(decoded string) ([]string, error) {
	if hasControl(decoded) {
		return nil, ErrRejected
	}
	p := strings.ReplaceAll(decoded, "\\", "/")
	if strings.HasPrefix(p, "/") || filepath.IsAbs(p) || filepath.VolumeName(filepath.FromSlash(p)) != "" {
		return nil, ErrRejected
	}

	segs := make([]string, 0, 4)
	for _, s := range strings.Split(p, "/") {
		switch s {
		case "", ".":
			continue
		case "..":
			return nil, ErrRejected
		}
		segs = append(segs, s)
	}
	if len(segs) == 0 {
		return nil, ErrRejected
	}
	return segs, nil
}

// canonical evaluates symlinks on p. When p does not exist yet, the deepest
// existing ancestor is evaluated and the missing tail is appended verbatim.
func canonical(p string) (string, error) {
	if c, err := filepath.EvalSymlinks(p); err == nil {
		return c, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	// A dangling link as the target could be re-pointed later.
	if st, err := os.Lstat(p); err == nil && st.Mode()&fs.ModeSymlink != 0 {
		return "", ErrRejected
	}

	dir, tail := filepath.Dir(p), filepath.Base(p)
	if dir == p {
		return "", ErrRejected
	}
	parent, err := canonical(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, tail), nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func hasControl(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] == 0x7f {
			return true
		}
	}
	return false
}

// BaseName reduces a client-supplied filename to its final path component,
// discarding any directories the client tried to embed. Hidden names are
// rejected: they would never be listed or served.
func BaseName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || hasControl(name) {
		return "", ErrRejected
	}
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	switch base {
	case "", ".", "..", "/":
		return "", ErrRejected
	}
	if IsHidden(base) {
		return "", ErrRejected
	}
	return base, nil
}

// IsHidden reports whether name follows the dot-file convention. Hidden
// entries in a share root are never listed.
func IsHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// ListFiles returns the regular, non-hidden files directly inside dir.
func ListFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := lo.FilterMap(ents, func(e os.DirEntry, _ int) (string, bool) {
		return e.Name(), e.Type().IsRegular() && !IsHidden(e.Name())
	})
	sort.Strings(files)
	return files, nil
}

// ReplaceFile moves src over dst. Windows refuses to rename onto an existing
// file, so dst is removed and the rename retried once.
func ReplaceFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.Rename(src, dst)
}
