package image_cache

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Warmup decodes each path at each scale with a bounded worker pool.
// Failures are logged and skipped; only cancellation is returned.
func (c *Cache) Warmup(ctx context.Context, paths []string, scales []float64, workers int) error {
	if len(paths) == 0 || len(scales) == 0 {
		return nil
	}
	if workers <= 0 {
		workers = 1
	}

	start := time.Now()
	var done, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, p := range paths {
		for _, scale := range scales {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				if _, err := c.Fetch(gctx, Request{SourcePath: p, Scale: scale}); err != nil {
					failed.Add(1)
					c.logger.Debug("Warmup fetch failed", zap.String("path", p), zap.Float64("scale", scale), zap.Error(err))
					return nil
				}
				done.Add(1)
				return nil
			})
		}
	}
	_ = g.Wait()

	c.logger.Info("Cache warmup finished",
		zap.Int64("decoded", done.Load()),
		zap.Int64("failed", failed.Load()),
		zap.Int64("resident_bytes", c.CurrentMemoryFootprint()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return ctx.Err()
}
