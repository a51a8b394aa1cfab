package image_list

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"imagecache/internal/decoder"
)

func writePNG(t *testing.T, path string, width, height int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	img.Set(0, 0, color.NRGBA{R: 10, A: 255})

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return buf.Bytes()
}

func newTestScanner(t *testing.T, dir string) *Scanner {
	t.Helper()
	dec, err := decoder.New(decoder.BackendStd)
	require.NoError(t, err)
	return New(dir, dec, zaptest.NewLogger(t))
}

func TestScanner_Scan(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "b.png"), 30, 20)
	writePNG(t, filepath.Join(dir, "nested", "a.png"), 5, 6)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.png"), []byte("garbage"), 0644))
	writePNG(t, filepath.Join(dir, ".hidden", "c.png"), 1, 1)

	s := newTestScanner(t, dir)
	require.NoError(t, s.Scan())

	images := s.GetImages()
	require.Len(t, images, 2)
	assert.Equal(t, "b.png", images[0].Path)
	assert.Equal(t, 30, images[0].Width)
	assert.Equal(t, 20, images[0].Height)
	assert.Equal(t, "png", images[0].Format)
	assert.Equal(t, "nested/a.png", images[1].Path)

	info := s.GetImageByPath("./nested//a.png")
	require.NotNil(t, info)
	assert.Equal(t, 6, info.Height)
	assert.Nil(t, s.GetImageByPath("missing.png"))
}

func TestScanner_ScanMissingDir(t *testing.T) {
	s := newTestScanner(t, filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, s.Scan())
}

func TestScanner_LoadBytes(t *testing.T) {
	dir := t.TempDir()
	want := writePNG(t, filepath.Join(dir, "sub", "img.png"), 3, 3)
	s := newTestScanner(t, dir)

	got, err := s.LoadBytes(context.Background(), "sub/img.png")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = s.LoadBytes(context.Background(), "sub/missing.png")
	assert.ErrorIs(t, err, ErrResourceNotFound)

	_, err = s.LoadBytes(context.Background(), "../etc/passwd")
	assert.ErrorIs(t, err, ErrOutsideDataDir)

	_, err = s.LoadBytes(context.Background(), "")
	assert.ErrorIs(t, err, ErrResourceNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.LoadBytes(ctx, "sub/img.png")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScanner_LoadVariant(t *testing.T) {
	dir := t.TempDir()
	base := writePNG(t, filepath.Join(dir, "maps", "city.png"), 10, 10)
	retina := writePNG(t, filepath.Join(dir, "maps", "city@2x.png"), 20, 20)
	s := newTestScanner(t, dir)
	ctx := context.Background()

	data, density, err := s.LoadVariant(ctx, "maps/city.png", 2)
	require.NoError(t, err)
	assert.Equal(t, retina, data)
	assert.Equal(t, 2.0, density)

	// No @3x asset, so the base file is used
	data, density, err = s.LoadVariant(ctx, "maps/city.png", 3)
	require.NoError(t, err)
	assert.Equal(t, base, data)
	assert.Equal(t, 1.0, density)

	// Fractional scales never look for a variant
	data, density, err = s.LoadVariant(ctx, "maps/city.png", 1.5)
	require.NoError(t, err)
	assert.Equal(t, base, data)
	assert.Equal(t, 1.0, density)

	_, _, err = s.LoadVariant(ctx, "maps/gone.png", 2)
	assert.ErrorIs(t, err, ErrResourceNotFound)

	_, _, err = s.LoadVariant(ctx, "../city.png", 2)
	assert.ErrorIs(t, err, ErrOutsideDataDir)
}

func TestScanner_ScanSkipsVariants(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "icon.png"), 4, 4)
	writePNG(t, filepath.Join(dir, "icon@2x.png"), 8, 8)
	s := newTestScanner(t, dir)
	require.NoError(t, s.Scan())

	images := s.GetImages()
	require.Len(t, images, 1)
	assert.Equal(t, "icon.png", images[0].Path)
}

func TestVariantPaths(t *testing.T) {
	assert.Equal(t, "maps/city@2x.png", VariantPath("maps/city.png", 2))
	assert.Equal(t, "scan@3x", VariantPath("scan", 3))

	base, n, ok := VariantBase("maps/city@2x.png")
	require.True(t, ok)
	assert.Equal(t, "maps/city.png", base)
	assert.Equal(t, 2, n)

	for _, p := range []string{"city.png", "city@1x.png", "city@2x", "me@home.png"} {
		_, _, ok := VariantBase(p)
		assert.False(t, ok, p)
	}
}

func TestScanner_ScheduleScanDebounces(t *testing.T) {
	dir := t.TempDir()
	s := newTestScanner(t, dir)
	require.NoError(t, s.Scan())
	require.Empty(t, s.GetImages())

	writePNG(t, filepath.Join(dir, "late.png"), 2, 2)
	for i := 0; i < 5; i++ {
		s.ScheduleScan(20 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return s.Scans() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, s.GetImages(), 1)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(2), s.Scans())
}

func TestScanner_RelPath(t *testing.T) {
	dir := t.TempDir()
	s := newTestScanner(t, dir)

	rel, err := s.RelPath(filepath.Join(dir, "x", "y.png"))
	require.NoError(t, err)
	assert.Equal(t, "x/y.png", rel)

	_, err = s.RelPath(filepath.Join(filepath.Dir(dir), "elsewhere.png"))
	assert.ErrorIs(t, err, ErrOutsideDataDir)
}

func TestIsImageFile(t *testing.T) {
	assert.True(t, IsImageFile("a.TIFF"))
	assert.True(t, IsImageFile("dir/b.webp"))
	assert.False(t, IsImageFile("c.json"))
}
