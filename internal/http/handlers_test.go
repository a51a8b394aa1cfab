package http

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"imagecache/internal/cache"
	"imagecache/internal/config"
	"imagecache/internal/decoder"
	"imagecache/internal/image_cache"
	"imagecache/internal/image_list"
)

type testServer struct {
	handler http.Handler
	cache   *image_cache.Cache
	scanner *image_list.Scanner
	dataDir string
}

func writeGradient(t *testing.T, path string, width, height int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	writeGradient(t, filepath.Join(dir, "big.png"), 100, 60)
	writeGradient(t, filepath.Join(dir, "maps", "small.png"), 20, 10)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.png"), []byte("nope"), 0644))

	log := zaptest.NewLogger(t)
	dec, err := decoder.New(decoder.BackendStd)
	require.NoError(t, err)
	scanner := image_list.New(dir, dec, log)
	require.NoError(t, scanner.Scan())

	c, err := image_cache.New(image_cache.Options{
		Loader:   scanner,
		Decoder:  dec,
		Store:    cache.NewLRUStore(1<<20, log),
		Logger:   log,
		TileSize: 40,
	})
	require.NoError(t, err)

	cfg := &config.Config{AllowedOrigin: "https://viewer.example"}
	h := New(cfg, log, scanner, c)
	h.SetRescanDelay(10 * time.Millisecond)
	return &testServer{
		handler: h.Routes(),
		cache:   c,
		scanner: scanner,
		dataDir: dir,
	}
}

func (s *testServer) do(t *testing.T, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodePNG(t *testing.T, body []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(body))
	require.NoError(t, err)
	return img
}

func TestHandleImages(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/images", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var images []image_list.ImageInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &images))
	require.Len(t, images, 2)
	assert.Equal(t, "big.png", images[0].Path)
	assert.Equal(t, "maps/small.png", images[1].Path)

	rec = s.do(t, http.MethodPost, "/api/images", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleImage_CacheHeaders(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/image?path=big.png&scale=0.5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
	assert.Equal(t, "https://viewer.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, image.Pt(50, 30), decodePNG(t, rec.Body.Bytes()).Bounds().Size())

	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	rec = s.do(t, http.MethodGet, "/api/image?path=big.png&scale=0.5", nil)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, etag, rec.Header().Get("ETag"))

	rec = s.do(t, http.MethodGet, "/api/image?path=big.png&scale=0.5", http.Header{"If-None-Match": {etag}})
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.Bytes())

	rec = s.do(t, http.MethodHead, "/api/image?path=big.png&scale=0.5", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
	assert.NotEmpty(t, rec.Header().Get("Content-Length"))

	rec = s.do(t, http.MethodGet, "/api/image?path=big.png&format=jpeg", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
}

func TestHandleImage_Errors(t *testing.T) {
	s := newTestServer(t)

	cases := map[string]int{
		"/api/image":                                   http.StatusBadRequest,
		"/api/image?path=missing.png":                  http.StatusNotFound,
		"/api/image?path=broken.png":                   http.StatusUnprocessableEntity,
		"/api/image?path=big.png&scale=0":              http.StatusBadRequest,
		"/api/image?path=big.png&scale=abc":            http.StatusBadRequest,
		"/api/image?path=../secret.png":                http.StatusNotFound,
		"/api/image?path=big.png&format=gif":           http.StatusBadRequest,
		"/api/tile?path=big.png&row=0":                 http.StatusBadRequest,
		"/api/tile?path=big.png&row=9&col=0":           http.StatusNotFound,
		"/api/region?path=big.png&x=0&y=0&w=0&h=5":     http.StatusBadRequest,
		"/api/region?path=big.png&x=500&y=500&w=5&h=5": http.StatusBadRequest,
	}
	for target, status := range cases {
		t.Run(target, func(t *testing.T) {
			rec := s.do(t, http.MethodGet, target, nil)
			assert.Equal(t, status, rec.Code, rec.Body.String())
		})
	}
}

func TestHandlePlanAndTile(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/plan?path=big.png", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var plan struct {
		Rows    int `json:"rows"`
		Columns int `json:"columns"`
		Tiles   []struct {
			Width  int `json:"width"`
			Height int `json:"height"`
		} `json:"tiles"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &plan))
	assert.Equal(t, 2, plan.Rows)
	assert.Equal(t, 3, plan.Columns)
	require.Len(t, plan.Tiles, 6)
	assert.Equal(t, 20, plan.Tiles[5].Width)

	rec = s.do(t, http.MethodGet, "/api/tile?path=big.png&row=1&col=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tile := decodePNG(t, rec.Body.Bytes())
	assert.Equal(t, image.Pt(20, 20), tile.Bounds().Size())
	r, g, _, _ := tile.At(0, 0).RGBA()
	assert.Equal(t, uint32(80), r>>8)
	assert.Equal(t, uint32(40), g>>8)
}

func TestHandleRegion(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/region?path=big.png&x=30&y=30&w=60&h=20&progressive=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "6", rec.Header().Get("X-Tiles-Pending"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	s.cache.WaitIdle()

	rec = s.do(t, http.MethodGet, "/api/region?path=big.png&x=30&y=30&w=60&h=20&progressive=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-Tiles-Pending"))
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))

	img := decodePNG(t, rec.Body.Bytes())
	assert.Equal(t, image.Pt(60, 20), img.Bounds().Size())
	r, g, _, _ := img.At(0, 0).RGBA()
	assert.Equal(t, uint32(30), r>>8)
	assert.Equal(t, uint32(30), g>>8)
}

func TestHandleInvalidateAndMemoryWarning(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/image?path=maps/small.png", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int64(20*10*4), s.cache.CurrentMemoryFootprint())

	rec = s.do(t, http.MethodGet, "/api/invalidate?path=maps/small.png", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	writeGradient(t, filepath.Join(s.dataDir, "maps", "added.png"), 4, 4)
	rec = s.do(t, http.MethodPost, "/api/invalidate?path=maps/small.png", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":1}`, rec.Body.String())
	assert.Equal(t, int64(0), s.cache.CurrentMemoryFootprint())

	// The listing catches up after the rescan delay instead of inside the request
	require.Eventually(t, func() bool { return s.scanner.Scans() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.NotNil(t, s.scanner.GetImageByPath("maps/added.png"))

	rec = s.do(t, http.MethodGet, "/api/image?path=big.png", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/memory-warning", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"freed_bytes":24000,"resident_bytes":0}`, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats image_cache.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 0, stats.Entries)
	assert.Equal(t, 40, stats.TileSize)
}

func TestHealthzAndMetrics(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "imagecache_resident_bytes")
}

func TestCORS_Preflight(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodOptions, "/api/image", http.Header{"Origin": {"https://viewer.example"}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "HEAD")
}
