package http

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/disintegration/imaging"

	"imagecache/internal/image_cache"
	"imagecache/internal/tiling"
)

var encodings = map[string]imaging.Format{
	"":     imaging.PNG,
	"png":  imaging.PNG,
	"jpeg": imaging.JPEG,
	"jpg":  imaging.JPEG,
}

func (h *Handlers) HandleImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path, scale, err := sourceParams(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	res, err := h.cache.Fetch(r.Context(), image_cache.Request{SourcePath: path, Scale: scale})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeImage(w, r, res.Image(), res.Hit)
}

func (h *Handlers) HandleTile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path, scale, err := sourceParams(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	row, err := intParam(r, "row")
	if err != nil {
		h.writeError(w, err)
		return
	}
	col, err := intParam(r, "col")
	if err != nil {
		h.writeError(w, err)
		return
	}

	plan, err := h.cache.Plan(r.Context(), path, scale)
	if err != nil {
		h.writeError(w, err)
		return
	}
	tile, ok := plan.Tile(tiling.TileCoordinate{Row: row, Column: col})
	if !ok {
		http.Error(w, fmt.Sprintf("tile r%d_c%d outside %dx%d grid", row, col, plan.Rows, plan.Columns), http.StatusNotFound)
		return
	}

	res, err := h.cache.Fetch(r.Context(), image_cache.Request{SourcePath: path, Scale: scale, Region: &tile.Rect})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeImage(w, r, res.Image(), res.Hit)
}

func (h *Handlers) HandleRegion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path, scale, err := sourceParams(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var rect [4]int
	for i, name := range []string{"x", "y", "w", "h"} {
		if rect[i], err = intParam(r, name); err != nil {
			h.writeError(w, err)
			return
		}
	}
	if rect[2] <= 0 || rect[3] <= 0 {
		h.writeError(w, fmt.Errorf("%w: width and height must be positive", image_cache.ErrInvalidRegion))
		return
	}
	region := image.Rect(rect[0], rect[1], rect[0]+rect[2], rect[1]+rect[3])

	progressive, _ := strconv.ParseBool(r.URL.Query().Get("progressive"))

	res, err := h.cache.Fetch(r.Context(), image_cache.Request{
		SourcePath:  path,
		Scale:       scale,
		Region:      &region,
		Progressive: progressive,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	pending := len(res.Pending())
	w.Header().Set("X-Tiles-Pending", strconv.Itoa(pending))
	if pending > 0 {
		// Partial composite, the client is expected to poll again
		w.Header().Set("Cache-Control", "no-store")
	}
	h.writeImage(w, r, res.Image(), res.Hit)
}

func (h *Handlers) writeImage(w http.ResponseWriter, r *http.Request, img image.Image, hit bool) {
	name := r.URL.Query().Get("format")
	format, ok := encodings[name]
	if !ok {
		http.Error(w, "Invalid format", http.StatusBadRequest)
		return
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, imaging.JPEGQuality(90), imaging.PNGCompressionLevel(png.BestSpeed)); err != nil {
		h.writeError(w, fmt.Errorf("failed to encode image: %w", err))
		return
	}
	data := buf.Bytes()
	etag := fmt.Sprintf(`"%016x"`, xxhash.Sum64(data))

	cacheState := "MISS"
	if hit {
		cacheState = "HIT"
	}
	w.Header().Set("X-Cache", cacheState)
	w.Header().Set("ETag", etag)
	if w.Header().Get("Cache-Control") == "" {
		w.Header().Set("Cache-Control", "public, max-age=3600")
	}

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	contentType := "image/png"
	if format == imaging.JPEG {
		contentType = "image/jpeg"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))

	// HEAD request doesn't send body
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Write(data)
}
