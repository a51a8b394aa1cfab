package image_cache

import (
	"sync"

	"go.uber.org/zap"

	"imagecache/internal/cache"
	"imagecache/internal/decoder"
	"imagecache/internal/image_list"
)

const defaultCapacityBytes = 256 << 20

var (
	defaultMu    sync.Mutex
	defaultCache *Cache
)

// Default returns the process-wide cache, creating one over the working directory on first use
func Default() *Cache {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultCache == nil {
		dec, _ := decoder.New(decoder.BackendStd)
		log := zap.L()
		c, err := New(Options{
			Loader:  image_list.New(".", dec, log),
			Decoder: dec,
			Store:   cache.NewLRUStore(defaultCapacityBytes, log, cache.WithName("default")),
			Logger:  log,
		})
		if err != nil {
			panic(err)
		}
		defaultCache = c
	}
	return defaultCache
}

// SetDefault replaces the process-wide cache
func SetDefault(c *Cache) {
	defaultMu.Lock()
	defaultCache = c
	defaultMu.Unlock()
}
