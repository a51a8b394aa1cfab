package image_cache

import (
	"fmt"

	"go.uber.org/zap"

	"imagecache/internal/metrics"
)

type PressurePolicy string

const (
	// PressureClear drops every entry
	PressureClear PressurePolicy = "clear"
	// PressureTrim evicts least recently used entries down to the low-water mark
	PressureTrim PressurePolicy = "trim"

	DefaultLowWater = 0.5
)

func ParsePressurePolicy(name string) (PressurePolicy, error) {
	switch PressurePolicy(name) {
	case "", PressureClear:
		return PressureClear, nil
	case PressureTrim:
		return PressureTrim, nil
	default:
		return "", fmt.Errorf("unknown memory pressure policy: %s", name)
	}
}

// HandleMemoryPressure releases cached bitmaps according to the configured policy
// and returns the number of bytes freed. In-flight decodes are not interrupted.
func (c *Cache) HandleMemoryPressure() int64 {
	before := c.store.TotalBytes()
	entries := c.store.Len()

	switch c.pressure {
	case PressureTrim:
		target := int64(float64(c.store.Capacity()) * c.lowWater)
		c.store.Trim(target)
	default:
		c.store.Clear()
	}

	freed := before - c.store.TotalBytes()
	metrics.MemoryPressure.WithLabelValues(string(c.pressure)).Inc()
	c.logger.Info("Handled memory pressure",
		zap.String("policy", string(c.pressure)),
		zap.Int64("freed_bytes", freed),
		zap.Int("evicted", entries-c.store.Len()),
	)
	return freed
}
