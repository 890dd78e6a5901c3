package thumb

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func decodeJPEG(t *testing.T, path string) image.Image {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := jpeg.Decode(f)
	require.NoError(t, err)
	return img
}

func TestGenerateScalesDown(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "wide.png")
	dst := filepath.Join(dir, "thumbs", "wide.png.jpg")
	writePNG(t, src, 800, 400)

	require.NoError(t, Generator{}.Generate(src, dst))

	b := decodeJPEG(t, dst).Bounds()
	assert.Equal(t, 200, b.Dx())
	assert.Equal(t, 100, b.Dy())
	leftovers, err := filepath.Glob(filepath.Join(dir, "thumbs", ".thumb-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestGenerateKeepsSmallImages(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "icon.png")
	dst := filepath.Join(dir, "icon.png.jpg")
	writePNG(t, src, 30, 60)

	require.NoError(t, Generator{MaxDim: 100, Quality: 70}.Generate(src, dst))

	b := decodeJPEG(t, dst).Bounds()
	assert.Equal(t, 30, b.Dx())
	assert.Equal(t, 60, b.Dy())
}

func TestGenerateSkipsNonImages(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "notes.png")
	dst := filepath.Join(dir, "notes.png.jpg")
	require.NoError(t, os.WriteFile(src, []byte("just some text, not a png"), 0o644))

	require.NoError(t, Generator{}.Generate(src, dst))
	assert.NoFileExists(t, dst)
}

func TestGenerateCorruptImage(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "broken.png")
	dst := filepath.Join(dir, "broken.png.jpg")
	// valid signature, garbage after it
	require.NoError(t, os.WriteFile(src, append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...), 0o644))

	assert.Error(t, Generator{}.Generate(src, dst))
	assert.NoFileExists(t, dst)
}

func TestGenerateMissingSource(t *testing.T) {
	dir := t.TempDir()
	assert.Error(t, Generator{}.Generate(filepath.Join(dir, "gone.png"), filepath.Join(dir, "gone.jpg")))
}

// pngHeader returns a PNG that declares w x h grayscale pixels but carries
// no image data.
func pngHeader(w, h uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	chunk := func(typ string, data []byte) {
		_ = binary.Write(&buf, binary.BigEndian, uint32(len(data)))
		buf.WriteString(typ)
		buf.Write(data)
		crc := crc32.NewIEEE()
		crc.Write([]byte(typ))
		crc.Write(data)
		_ = binary.Write(&buf, binary.BigEndian, crc.Sum32())
	}
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], w)
	binary.BigEndian.PutUint32(ihdr[4:], h)
	ihdr[8] = 8 // bit depth, color type 0
	chunk("IHDR", ihdr)
	chunk("IEND", nil)
	return buf.Bytes()
}

func TestGenerateRefusesHugeImages(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "bomb.png")
	dst := filepath.Join(dir, "bomb.png.jpg")
	require.NoError(t, os.WriteFile(src, pngHeader(65535, 65535), 0o644))

	err := Generator{}.Generate(src, dst)
	assert.ErrorIs(t, err, ErrTooManyPixels)
	assert.NoFileExists(t, dst)

	require.NoError(t, os.WriteFile(src, pngHeader(20000, 20000), 0o644))
	assert.ErrorIs(t, Generator{}.Generate(src, dst), ErrTooManyPixels)
	assert.ErrorIs(t, Generator{MaxPixels: 100}.Generate(src, dst), ErrTooManyPixels)
}

func TestGenerateIgnoresPlantedTempLink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	dir := t.TempDir()
	thumbs := filepath.Join(dir, "thumbs")
	require.NoError(t, os.MkdirAll(thumbs, 0o755))
	outside := filepath.Join(dir, "outside.jpg")

	src := filepath.Join(dir, "pic.png")
	dst := filepath.Join(thumbs, "pic.png.jpg")
	writePNG(t, src, 40, 40)
	require.NoError(t, os.Symlink(outside, dst+".tmp"))

	require.NoError(t, Generator{}.Generate(src, dst))
	assert.NoFileExists(t, outside)
	decodeJPEG(t, dst)
}
