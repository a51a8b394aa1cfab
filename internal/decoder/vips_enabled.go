//go:build vips

package decoder

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"
)

const vipsAvailable = true

type VipsConfig struct {
	MaxCacheMB  int
	Concurrency int
}

// StartupVips initializes libvips and routes its warnings and errors into log.
// The returned function shuts libvips down.
func StartupVips(cfg VipsConfig, log *zap.Logger) (func(), error) {
	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(&vips.Config{
		ConcurrencyLevel: cfg.Concurrency,
		MaxCacheMem:      cfg.MaxCacheMB * 1024 * 1024,
		MaxCacheFiles:    0, // Disable disk cache
		MaxCacheSize:     0,
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	})

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", cfg.MaxCacheMB),
		zap.Int("concurrency", cfg.Concurrency),
	)

	return vips.Shutdown, nil
}

// GIF and BMP stay on the std decoders
func vipsHandles(f Format) bool {
	switch f {
	case FormatPNG, FormatJPEG, FormatWebP, FormatTIFF:
		return true
	default:
		return false
	}
}

// decodeVips resamples inside libvips and hands pixels back through a lossless PNG buffer.
// It also returns the source size so the caller can correct rounding in the final size.
func decodeVips(data []byte, scale float64) (image.Image, image.Point, error) {
	img, err := vips.NewImageFromBuffer(data, nil)
	if err != nil {
		return nil, image.Point{}, fmt.Errorf("%w: vips load: %v", ErrMalformed, err)
	}
	defer img.Close()

	src := image.Pt(img.Width(), img.Height())

	if scale != 1 {
		resizeOpts := vips.DefaultResizeOptions()
		resizeOpts.Kernel = vips.KernelLanczos3
		if err := img.Resize(scale, resizeOpts); err != nil {
			return nil, src, fmt.Errorf("failed to resize: %w", err)
		}
	}

	buf, err := img.PngsaveBuffer(vips.DefaultPngsaveBufferOptions())
	if err != nil {
		return nil, src, fmt.Errorf("failed to export: %w", err)
	}

	decoded, err := png.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, src, fmt.Errorf("failed to read vips output: %w", err)
	}
	return decoded, src, nil
}
