//go:build !vips

package decoder

import (
	"image"

	"go.uber.org/zap"
)

const vipsAvailable = false

type VipsConfig struct {
	MaxCacheMB  int
	Concurrency int
}

// StartupVips reports ErrBackendUnavailable; build with -tags vips to link libvips
func StartupVips(cfg VipsConfig, log *zap.Logger) (func(), error) {
	return func() {}, ErrBackendUnavailable
}

func vipsHandles(Format) bool {
	return false
}

func decodeVips([]byte, float64) (image.Image, image.Point, error) {
	return nil, image.Point{}, ErrBackendUnavailable
}
