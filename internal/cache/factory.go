package cache

import (
	"fmt"

	"go.uber.org/zap"
)

// NewStore creates a store based on the cache type
func NewStore(cacheType string, capacityBytes int64, log *zap.Logger) (Store, error) {
	switch cacheType {
	case "memory":
		if capacityBytes <= 0 {
			return nil, fmt.Errorf("memory cache capacity must be positive, got %d", capacityBytes)
		}
		log.Info("Using memory cache", zap.Int64("capacity_bytes", capacityBytes))
		return NewLRUStore(capacityBytes, log), nil
	case "disabled":
		log.Info("Cache disabled")
		return NewNoopStore(), nil
	default:
		return nil, fmt.Errorf("unknown cache type: %s (supported: memory, disabled)", cacheType)
	}
}
