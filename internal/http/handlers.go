package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"imagecache/internal/config"
	"imagecache/internal/decoder"
	"imagecache/internal/image_cache"
	"imagecache/internal/image_list"
	"imagecache/internal/tiling"
)

// DefaultRescanDelay batches the listing rescans requested by invalidations
const DefaultRescanDelay = time.Second

type Handlers struct {
	config      *config.Config
	logger      *zap.Logger
	scanner     *image_list.Scanner
	cache       *image_cache.Cache
	rescanDelay time.Duration
}

func New(config *config.Config, logger *zap.Logger, scanner *image_list.Scanner, cache *image_cache.Cache) *Handlers {
	return &Handlers{
		config:      config,
		logger:      logger,
		scanner:     scanner,
		cache:       cache,
		rescanDelay: DefaultRescanDelay,
	}
}

// SetRescanDelay changes how long invalidations wait before rescanning the listing
func (h *Handlers) SetRescanDelay(d time.Duration) {
	h.rescanDelay = d
}

// Routes registers every endpoint and wraps the mux in the CORS and logging middleware
func (h *Handlers) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/images", h.HandleImages)
	mux.HandleFunc("/api/plan", h.HandlePlan)
	mux.HandleFunc("/api/image", h.HandleImage)
	mux.HandleFunc("/api/tile", h.HandleTile)
	mux.HandleFunc("/api/region", h.HandleRegion)
	mux.HandleFunc("/api/invalidate", h.HandleInvalidate)
	mux.HandleFunc("/api/memory-warning", h.HandleMemoryWarning)
	mux.HandleFunc("/api/stats", h.HandleStats)
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	return h.CORSMiddleware(h.RequestLoggingMiddleware(mux))
}

func (h *Handlers) HandleImages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.writeJSON(w, h.scanner.GetImages())
}

func (h *Handlers) HandlePlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path, scale, err := sourceParams(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	plan, err := h.cache.Plan(r.Context(), path, scale)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, plan)
}

func (h *Handlers) HandleInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := r.URL.Query().Get("path")
	if path == "" {
		h.writeError(w, fmt.Errorf("%w: path is required", image_cache.ErrInvalidRequest))
		return
	}

	removed := h.cache.Invalidate(path)
	h.scanner.ScheduleScan(h.rescanDelay)
	h.writeJSON(w, map[string]int{"removed": removed})
}

func (h *Handlers) HandleMemoryWarning(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	freed := h.cache.HandleMemoryPressure()
	h.writeJSON(w, map[string]int64{
		"freed_bytes":    freed,
		"resident_bytes": h.cache.CurrentMemoryFootprint(),
	})
}

func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.writeJSON(w, h.cache.Stats())
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to write response", zap.Error(err))
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, image_list.ErrResourceNotFound):
		return http.StatusNotFound
	case errors.Is(err, decoder.ErrMalformed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, decoder.ErrUnsupportedScale),
		errors.Is(err, image_cache.ErrInvalidRequest),
		errors.Is(err, image_cache.ErrInvalidRegion),
		errors.Is(err, image_list.ErrOutsideDataDir),
		errors.Is(err, tiling.ErrInvalidDimensions):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// sourceParams reads path and scale; scale defaults to 1
func sourceParams(r *http.Request) (string, float64, error) {
	q := r.URL.Query()
	path := q.Get("path")
	if path == "" {
		return "", 0, fmt.Errorf("%w: path is required", image_cache.ErrInvalidRequest)
	}

	scale := 1.0
	if s := q.Get("scale"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return "", 0, fmt.Errorf("%w: scale %q", decoder.ErrUnsupportedScale, s)
		}
		scale = v
	}
	return path, scale, nil
}

func intParam(r *http.Request, name string) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, fmt.Errorf("%w: %s is required", image_cache.ErrInvalidRequest, name)
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", image_cache.ErrInvalidRequest, name)
	}
	return v, nil
}
