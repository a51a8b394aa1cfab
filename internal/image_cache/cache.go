package image_cache

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"imagecache/internal/cache"
	"imagecache/internal/decoder"
	"imagecache/internal/metrics"
	"imagecache/internal/tiling"
)

const (
	DefaultTileSize = 1024
	// DefaultMaxPixels caps a single decode at 1 GiB of NRGBA pixels
	DefaultMaxPixels = 256 << 20
	maxScale         = 64
)

var (
	ErrInvalidRequest = errors.New("invalid fetch request")
	ErrInvalidRegion  = errors.New("region does not intersect the image")
)

// Loader returns the encoded bytes of a source path.
// A missing source must be reported with an error wrapping image_list.ErrResourceNotFound.
type Loader interface {
	LoadBytes(ctx context.Context, sourcePath string) ([]byte, error)
}

// VariantLoader is an optional Loader extension for sources shipped with
// resolution-specific assets such as name@2x.png. LoadVariant returns the bytes
// best suited to scale and the pixel density they were authored at (1 for the base file).
type VariantLoader interface {
	LoadVariant(ctx context.Context, sourcePath string, scale float64) ([]byte, float64, error)
}

type Decoder interface {
	DecodeHint(data []byte, scale float64, hint decoder.Format) (*decoder.Bitmap, error)
	Probe(data []byte) (decoder.Info, error)
}

type Options struct {
	Loader      Loader
	Decoder     Decoder
	Store       cache.Store
	Logger      *zap.Logger
	TileSize    int
	Placeholder color.Color
	Pressure    PressurePolicy
	// LowWater is the fraction of capacity kept by the trim policy
	LowWater float64
	// MaxPixels rejects decodes whose output would exceed this many pixels
	MaxPixels int64
}

// Cache resolves fetches against the store, decoding and tiling on a miss.
type Cache struct {
	loader      Loader
	decoder     Decoder
	store       cache.Store
	logger      *zap.Logger
	tileSize    int
	placeholder color.Color
	pressure    PressurePolicy
	lowWater    float64
	maxPixels   int64

	// Whole-image decodes and tile fills dedupe in separate groups so their keys never meet
	wholeFlight singleflight.Group
	tileFlight  singleflight.Group
	bg          sync.WaitGroup

	planMu sync.Mutex
	plans  map[cache.Key]*tiling.TilePlan

	// Generation per source path, bumped by Invalidate so in-flight decodes do not resurrect entries
	genMu sync.Mutex
	gens  map[string]uint64
}

func New(opts Options) (*Cache, error) {
	if opts.Loader == nil || opts.Decoder == nil || opts.Store == nil {
		return nil, fmt.Errorf("image cache needs a loader, a decoder and a store")
	}
	if opts.TileSize < 0 {
		return nil, fmt.Errorf("tile size must be positive, got %d", opts.TileSize)
	}
	if opts.TileSize == 0 {
		opts.TileSize = DefaultTileSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Placeholder == nil {
		opts.Placeholder = tiling.DefaultPlaceholder
	}
	pressure, err := ParsePressurePolicy(string(opts.Pressure))
	if err != nil {
		return nil, err
	}
	if opts.LowWater <= 0 || opts.LowWater >= 1 {
		opts.LowWater = DefaultLowWater
	}
	if opts.MaxPixels < 0 {
		return nil, fmt.Errorf("max pixels must be positive, got %d", opts.MaxPixels)
	}
	if opts.MaxPixels == 0 {
		opts.MaxPixels = DefaultMaxPixels
	}

	return &Cache{
		loader:      opts.Loader,
		decoder:     opts.Decoder,
		store:       opts.Store,
		logger:      opts.Logger,
		tileSize:    opts.TileSize,
		placeholder: opts.Placeholder,
		pressure:    pressure,
		lowWater:    opts.LowWater,
		maxPixels:   opts.MaxPixels,
		plans:       make(map[cache.Key]*tiling.TilePlan),
		gens:        make(map[string]uint64),
	}, nil
}

type Request struct {
	SourcePath string
	Scale      float64
	// Region in scaled pixel coordinates; nil fetches the whole image
	Region *image.Rectangle
	// Format overrides content sniffing when known
	Format decoder.Format
	// Progressive returns cached tiles immediately and decodes the rest in the background.
	// When OnComplete is set it is delivered through Completion once the region is filled.
	Progressive bool
	Completion  Completion
	OnComplete  func(*Result, error)
}

type Result struct {
	// Key and Bitmap are set for whole-image and single-tile results
	Key    cache.Key
	Bitmap *decoder.Bitmap
	// Composite is set when the region spans several tiles
	Composite *tiling.Composite
	Plan      *tiling.TilePlan
	// Region is the requested area clipped to the image; Origin is where Bitmap starts in it
	Region image.Rectangle
	Origin image.Point
	// Hit is true when nothing had to be decoded
	Hit bool
}

// Image returns the pixels covering Region
func (r *Result) Image() image.Image {
	if r.Composite != nil {
		return r.Composite.Image
	}
	full := image.Rectangle{Min: r.Origin, Max: r.Origin.Add(r.Bitmap.Image.Bounds().Size())}
	if r.Region.Eq(full) {
		return r.Bitmap.Image
	}
	return imaging.Crop(r.Bitmap.Image, r.Region.Sub(r.Origin))
}

// Pending lists tiles of the region that are not decoded yet
func (r *Result) Pending() []tiling.TileCoordinate {
	if r.Composite == nil {
		return nil
	}
	return r.Composite.Pending
}

func (c *Cache) TileSize() int {
	return c.tileSize
}

// Fetch returns the image or region described by req.
//
// Errors wrap image_list.ErrResourceNotFound, decoder.ErrMalformed,
// decoder.ErrUnsupportedScale, ErrInvalidRequest or ErrInvalidRegion.
func (c *Cache) Fetch(ctx context.Context, req Request) (*Result, error) {
	if req.SourcePath == "" {
		return nil, fmt.Errorf("%w: empty source path", ErrInvalidRequest)
	}
	if err := checkScale(req.Scale); err != nil {
		return nil, err
	}

	whole := cache.WholeKey(req.SourcePath, req.Scale)
	if whole.SourcePath == "" {
		return nil, fmt.Errorf("%w: empty source path", ErrInvalidRequest)
	}

	if req.Region == nil {
		return c.fetchWhole(ctx, whole, req.Format)
	}

	plan, err := c.Plan(ctx, whole.SourcePath, whole.Scale)
	if err != nil {
		return nil, err
	}
	region := req.Region.Intersect(plan.Bounds())
	if region.Empty() {
		return nil, fmt.Errorf("%w: %v outside %dx%d", ErrInvalidRegion, *req.Region, plan.FullWidth, plan.FullHeight)
	}

	// Tiling is transparent for images that fit in one tile
	if plan.Single() {
		res, err := c.fetchWhole(ctx, whole, req.Format)
		if err != nil {
			return nil, err
		}
		res.Plan = plan
		res.Region = region
		return res, nil
	}

	tiles := plan.Intersecting(region)
	if len(tiles) == 1 {
		return c.fetchSingleTile(ctx, whole, req.Format, plan, region, tiles[0])
	}
	return c.fetchRegion(ctx, whole, req, plan, region, tiles)
}

func (c *Cache) fetchWhole(ctx context.Context, key cache.Key, hint decoder.Format) (*Result, error) {
	if ent, ok := c.store.Get(key); ok {
		metrics.CacheHits.Inc()
		return wholeResult(key, ent.Bitmap, true), nil
	}
	metrics.CacheMisses.Inc()

	// The flight outlives any single caller so abandoning a request has no side effects
	flightCtx := context.WithoutCancel(ctx)
	v, err, _ := c.wholeFlight.Do(key.String(), func() (interface{}, error) {
		if ent, ok := c.store.Get(key); ok {
			return ent.Bitmap, nil
		}

		gen := c.generation(key.SourcePath)
		bm, err := c.decodeSource(flightCtx, key.SourcePath, key.Scale, hint)
		if err != nil {
			return nil, err
		}
		return c.insert(key, bm, gen), nil
	})
	if err != nil {
		return nil, err
	}

	return wholeResult(key, v.(*decoder.Bitmap), false), nil
}

func checkScale(scale float64) error {
	if !(scale > 0) || scale > maxScale {
		return fmt.Errorf("%w: %v", decoder.ErrUnsupportedScale, scale)
	}
	return nil
}

// checkPixels rejects output sizes beyond the decode budget before any pixels are allocated
func (c *Cache) checkPixels(key cache.Key, width, height int) error {
	if int64(width)*int64(height) > c.maxPixels {
		return fmt.Errorf("%w: %s would decode to %dx%d, over the %d pixel limit",
			decoder.ErrUnsupportedScale, key, width, height, c.maxPixels)
	}
	return nil
}

func wholeResult(key cache.Key, bm *decoder.Bitmap, hit bool) *Result {
	return &Result{
		Key:    key,
		Bitmap: bm,
		Region: bm.Image.Bounds(),
		Hit:    hit,
	}
}

// load returns the encoded source and the decode scale that yields scale for it
func (c *Cache) load(ctx context.Context, sourcePath string, scale float64) ([]byte, float64, error) {
	if vl, ok := c.loader.(VariantLoader); ok {
		data, density, err := vl.LoadVariant(ctx, sourcePath, scale)
		if err != nil {
			return nil, 0, err
		}
		if density <= 0 {
			density = 1
		}
		return data, scale / density, nil
	}
	data, err := c.loader.LoadBytes(ctx, sourcePath)
	return data, scale, err
}

// decodeSource loads and decodes a whole source image
func (c *Cache) decodeSource(ctx context.Context, sourcePath string, scale float64, hint decoder.Format) (*decoder.Bitmap, error) {
	data, decodeScale, err := c.load(ctx, sourcePath, scale)
	if err != nil {
		metrics.DecodeErrors.Inc()
		return nil, fmt.Errorf("failed to load %s: %w", sourcePath, err)
	}

	info, err := c.decoder.Probe(data)
	if err != nil {
		metrics.DecodeErrors.Inc()
		return nil, fmt.Errorf("failed to decode %s: %w", sourcePath, err)
	}
	width, height := decoder.ScaledSize(info.Width, info.Height, decodeScale)
	if err := c.checkPixels(cache.WholeKey(sourcePath, scale), width, height); err != nil {
		return nil, err
	}

	start := time.Now()
	bm, err := c.decoder.DecodeHint(data, decodeScale, hint)
	if err != nil {
		metrics.DecodeErrors.Inc()
		return nil, fmt.Errorf("failed to decode %s: %w", sourcePath, err)
	}
	elapsed := time.Since(start)
	bm.Scale = scale

	metrics.Decodes.WithLabelValues(bm.Format.String()).Inc()
	metrics.DecodeDuration.Observe(elapsed.Seconds())
	c.logger.Debug("Decoded image",
		zap.String("path", sourcePath),
		zap.Float64("scale", scale),
		zap.Float64("decode_scale", decodeScale),
		zap.String("format", bm.Format.String()),
		zap.Int("width", bm.Width()),
		zap.Int("height", bm.Height()),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
	)
	return bm, nil
}

// insert stores a fresh decode unless the path was invalidated since gen was read.
// On a lost race the resident bitmap wins and the fresh decode is dropped.
func (c *Cache) insert(key cache.Key, bm *decoder.Bitmap, gen uint64) *decoder.Bitmap {
	c.genMu.Lock()
	defer c.genMu.Unlock()

	if c.gens[key.SourcePath] != gen {
		c.logger.Debug("Dropped decode of invalidated source", zap.String("key", key.String()))
		return bm
	}

	ent, inserted := c.store.PutIfAbsent(key, bm, bm.SizeBytes())
	if !inserted {
		c.logger.Debug("Discarded redundant decode", zap.String("key", key.String()))
	}
	return ent.Bitmap
}

func (c *Cache) generation(sourcePath string) uint64 {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	return c.gens[sourcePath]
}

// Plan returns the tile plan for a source at scale, computing it from the image header on first use
func (c *Cache) Plan(ctx context.Context, sourcePath string, scale float64) (*tiling.TilePlan, error) {
	if err := checkScale(scale); err != nil {
		return nil, err
	}
	key := cache.WholeKey(sourcePath, scale)
	if key.SourcePath == "" {
		return nil, fmt.Errorf("%w: empty source path", ErrInvalidRequest)
	}

	c.planMu.Lock()
	plan, ok := c.plans[key]
	c.planMu.Unlock()
	if ok {
		return plan, nil
	}

	var width, height int
	if ent, ok := c.store.Get(key); ok {
		width, height = ent.Bitmap.Width(), ent.Bitmap.Height()
	} else {
		data, decodeScale, err := c.load(ctx, key.SourcePath, key.Scale)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", key.SourcePath, err)
		}
		info, err := c.decoder.Probe(data)
		if err != nil {
			return nil, fmt.Errorf("failed to probe %s: %w", key.SourcePath, err)
		}
		width, height = decoder.ScaledSize(info.Width, info.Height, decodeScale)
		if err := c.checkPixels(key, width, height); err != nil {
			return nil, err
		}
	}

	plan, err := tiling.Plan(key.SourcePath, width, height, c.tileSize)
	if err != nil {
		return nil, err
	}

	c.planMu.Lock()
	c.plans[key] = plan
	c.planMu.Unlock()
	return plan, nil
}

// Invalidate drops every whole-image and tile entry of sourcePath at all scales
func (c *Cache) Invalidate(sourcePath string) int {
	path := cache.NormalizePath(sourcePath)

	c.genMu.Lock()
	c.gens[path]++
	c.genMu.Unlock()

	c.planMu.Lock()
	for key := range c.plans {
		if key.SourcePath == path {
			delete(c.plans, key)
		}
	}
	c.planMu.Unlock()

	removed := c.store.RemoveIf(func(k cache.Key) bool {
		return k.SourcePath == path
	})
	c.logger.Info("Invalidated image", zap.String("path", path), zap.Int("removed", removed))
	return removed
}

// CurrentMemoryFootprint is the number of bitmap bytes held by the store
func (c *Cache) CurrentMemoryFootprint() int64 {
	return c.store.TotalBytes()
}

type Stats struct {
	Entries       int    `json:"entries"`
	Bytes         int64  `json:"bytes"`
	CapacityBytes int64  `json:"capacity_bytes"`
	TileSize      int    `json:"tile_size"`
	MaxPixels     int64  `json:"max_decode_pixels"`
	Pressure      string `json:"memory_pressure_policy"`
}

func (c *Cache) Stats() Stats {
	return Stats{
		Entries:       c.store.Len(),
		Bytes:         c.store.TotalBytes(),
		CapacityBytes: c.store.Capacity(),
		TileSize:      c.tileSize,
		MaxPixels:     c.maxPixels,
		Pressure:      string(c.pressure),
	}
}

// WaitIdle blocks until background tile fills and async fetches have finished
func (c *Cache) WaitIdle() {
	c.bg.Wait()
}
