package thumb

import (
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"

	// decoders
	_ "image/gif"
	_ "image/png"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"lanshare/internal/fsutil"
)

const (
	DefaultMaxDim    = 200
	DefaultQuality   = 85
	DefaultMaxPixels = 50_000_000
)

// ErrTooManyPixels is returned for images whose declared size would need an
// unreasonable amount of memory to decode.
var ErrTooManyPixels = errors.New("image too large to thumbnail")

var supported = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}

// Generator renders JPEG previews that fit in a MaxDim x MaxDim box.
type Generator struct {
	MaxDim    int
	Quality   int
	MaxPixels int64
}

// Generate writes a thumbnail of src to dst. Sources that are not a decodable
// image format are skipped without error.
func (g Generator) Generate(src, dst string) error {
	mt, err := mimetype.DetectFile(src)
	if err != nil {
		return err
	}
	if !mimetype.EqualsAny(mt.String(), supported...) {
		return nil
	}

	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return err
	}
	if px := int64(cfg.Width) * int64(cfg.Height); px > g.maxPixels() {
		return fmt.Errorf("%w: %dx%d", ErrTooManyPixels, cfg.Width, cfg.Height)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	img, _, err := image.Decode(f)
	if err != nil {
		return err
	}
	out := scale(img, g.maxDim())

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	// CreateTemp opens with O_EXCL, so a planted link is never followed.
	w, err := os.CreateTemp(dir, ".thumb-*.jpg")
	if err != nil {
		return err
	}
	tmp := w.Name()
	encErr := jpeg.Encode(w, out, &jpeg.Options{Quality: g.quality()})
	closeErr := w.Close()
	if encErr == nil {
		encErr = closeErr
	}
	if encErr == nil {
		encErr = fsutil.ReplaceFile(tmp, dst)
	}
	if encErr != nil {
		_ = os.Remove(tmp)
	}
	return encErr
}

func (g Generator) maxPixels() int64 {
	if g.MaxPixels <= 0 {
		return DefaultMaxPixels
	}
	return g.MaxPixels
}

func (g Generator) maxDim() int {
	if g.MaxDim <= 0 {
		return DefaultMaxDim
	}
	return g.MaxDim
}

func (g Generator) quality() int {
	if g.Quality <= 0 || g.Quality > 100 {
		return DefaultQuality
	}
	return g.Quality
}

// scale shrinks src to fit in max x max, keeping its aspect ratio. Smaller
// images are only copied to RGBA.
func scale(src image.Image, max int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	nw, nh := w, h
	if w > h {
		if w > max {
			nw = max
			nh = int(float64(h) * (float64(max) / float64(w)))
		}
	} else {
		if h > max {
			nh = max
			nw = int(float64(w) * (float64(max) / float64(h)))
		}
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}
