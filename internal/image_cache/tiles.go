package image_cache

import (
	"context"
	"image"

	"go.uber.org/zap"

	"imagecache/internal/cache"
	"imagecache/internal/decoder"
	"imagecache/internal/metrics"
	"imagecache/internal/tiling"
)

func (c *Cache) fetchSingleTile(ctx context.Context, whole cache.Key, hint decoder.Format, plan *tiling.TilePlan, region image.Rectangle, tile tiling.TileDescriptor) (*Result, error) {
	tiles, hit, err := c.fillTiles(ctx, whole, hint, []tiling.TileDescriptor{tile})
	if err != nil {
		return nil, err
	}
	return &Result{
		Key:    cache.TileKey(whole.SourcePath, whole.Scale, tile.Coordinate),
		Bitmap: tiles[tile.Coordinate],
		Plan:   plan,
		Region: region,
		Origin: tile.Rect.Min,
		Hit:    hit,
	}, nil
}

func (c *Cache) fetchRegion(ctx context.Context, whole cache.Key, req Request, plan *tiling.TilePlan, region image.Rectangle, tiles []tiling.TileDescriptor) (*Result, error) {
	opts := tiling.ComposeOptions{Placeholder: c.placeholder}

	if req.Progressive {
		cached, missing := c.cachedTiles(whole, tiles)
		metrics.CacheHits.Add(float64(len(cached)))
		if len(missing) > 0 {
			metrics.CacheMisses.Add(float64(len(missing)))
			c.fillInBackground(ctx, whole, req, plan, region, tiles)
		}
		return &Result{
			Composite: tiling.ComposeRegion(plan, region, toImages(cached), opts),
			Plan:      plan,
			Region:    region,
			Hit:       len(missing) == 0,
		}, nil
	}

	filled, hit, err := c.fillTiles(ctx, whole, req.Format, tiles)
	if err != nil {
		return nil, err
	}
	return &Result{
		Composite: tiling.ComposeRegion(plan, region, toImages(filled), opts),
		Plan:      plan,
		Region:    region,
		Hit:       hit,
	}, nil
}

func (c *Cache) fillInBackground(ctx context.Context, whole cache.Key, req Request, plan *tiling.TilePlan, region image.Rectangle, tiles []tiling.TileDescriptor) {
	bgCtx := context.WithoutCancel(ctx)
	completion := req.Completion
	if completion == nil {
		completion = Immediate
	}

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()

		// The caller already counted these tiles as hits and misses
		filled, missing := c.cachedTiles(whole, tiles)
		var err error
		if len(missing) > 0 {
			err = c.decodeTiles(bgCtx, whole, req.Format, filled, missing)
		}
		if err != nil {
			c.logger.Warn("Background tile decode failed", zap.String("key", whole.String()), zap.Error(err))
		}
		if req.OnComplete == nil {
			return
		}

		var res *Result
		if err == nil {
			res = &Result{
				Composite: tiling.ComposeRegion(plan, region, toImages(filled), tiling.ComposeOptions{Placeholder: c.placeholder}),
				Plan:      plan,
				Region:    region,
			}
		}
		completion.Deliver(func() { req.OnComplete(res, err) })
	}()
}

// cachedTiles splits tiles into those resident in the store and those that are not
func (c *Cache) cachedTiles(whole cache.Key, tiles []tiling.TileDescriptor) (map[tiling.TileCoordinate]*decoder.Bitmap, []tiling.TileDescriptor) {
	found := make(map[tiling.TileCoordinate]*decoder.Bitmap, len(tiles))
	var missing []tiling.TileDescriptor
	for _, t := range tiles {
		if ent, ok := c.store.Get(cache.TileKey(whole.SourcePath, whole.Scale, t.Coordinate)); ok {
			found[t.Coordinate] = ent.Bitmap
			continue
		}
		missing = append(missing, t)
	}
	return found, missing
}

// fillTiles returns bitmaps for all tiles, decoding the source at most once for the missing ones.
// hit reports whether every tile was already cached.
func (c *Cache) fillTiles(ctx context.Context, whole cache.Key, hint decoder.Format, tiles []tiling.TileDescriptor) (map[tiling.TileCoordinate]*decoder.Bitmap, bool, error) {
	out, missing := c.cachedTiles(whole, tiles)
	metrics.CacheHits.Add(float64(len(out)))
	if len(missing) == 0 {
		return out, true, nil
	}
	metrics.CacheMisses.Add(float64(len(missing)))

	if err := c.decodeTiles(ctx, whole, hint, out, missing); err != nil {
		return nil, false, err
	}
	return out, false, nil
}

// decodeTiles adds the missing tiles to out. It leaves the hit and miss counters alone.
func (c *Cache) decodeTiles(ctx context.Context, whole cache.Key, hint decoder.Format, out map[tiling.TileCoordinate]*decoder.Bitmap, missing []tiling.TileDescriptor) error {
	// Read before the flight: a source decoded ahead of an Invalidate must not be stored
	gen := c.generation(whole.SourcePath)

	flightCtx := context.WithoutCancel(ctx)
	v, err, _ := c.tileFlight.Do(whole.String(), func() (interface{}, error) {
		// Another flight may have filled these between our lookup and now
		_, still := c.cachedTiles(whole, missing)
		if len(still) == 0 {
			return (*decoder.Bitmap)(nil), nil
		}

		flightGen := c.generation(whole.SourcePath)
		src, err := c.sourceBitmap(flightCtx, whole, hint)
		if err != nil {
			return nil, err
		}
		for _, t := range still {
			c.insert(cache.TileKey(whole.SourcePath, whole.Scale, t.Coordinate), decoder.Crop(src, t.Rect), flightGen)
		}
		return src, nil
	})
	if err != nil {
		return err
	}
	src := v.(*decoder.Bitmap)

	for _, t := range missing {
		key := cache.TileKey(whole.SourcePath, whole.Scale, t.Coordinate)
		if ent, ok := c.store.Get(key); ok {
			out[t.Coordinate] = ent.Bitmap
			continue
		}

		// Evicted already, or the flight we joined covered other tiles
		if src == nil {
			src, err = c.sourceBitmap(flightCtx, whole, hint)
			if err != nil {
				return err
			}
		}
		out[t.Coordinate] = c.insert(key, decoder.Crop(src, t.Rect), gen)
	}
	return nil
}

// sourceBitmap reuses a resident whole-image entry before falling back to a decode.
// The decoded source is not stored; only its tiles are.
func (c *Cache) sourceBitmap(ctx context.Context, whole cache.Key, hint decoder.Format) (*decoder.Bitmap, error) {
	if ent, ok := c.store.Get(whole); ok {
		return ent.Bitmap, nil
	}
	return c.decodeSource(ctx, whole.SourcePath, whole.Scale, hint)
}

func toImages(tiles map[tiling.TileCoordinate]*decoder.Bitmap) map[tiling.TileCoordinate]image.Image {
	out := make(map[tiling.TileCoordinate]image.Image, len(tiles))
	for coord, bm := range tiles {
		out[coord] = bm.Image
	}
	return out
}
