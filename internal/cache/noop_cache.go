package cache

import "imagecache/internal/decoder"

// NoopStore never retains anything; every fetch decodes
type NoopStore struct{}

func NewNoopStore() *NoopStore {
	return &NoopStore{}
}

func (c *NoopStore) Get(key Key) (Entry, bool) {
	return Entry{}, false
}

func (c *NoopStore) Put(key Key, bitmap *decoder.Bitmap, sizeBytes int64) {
}

func (c *NoopStore) PutIfAbsent(key Key, bitmap *decoder.Bitmap, sizeBytes int64) (Entry, bool) {
	return Entry{Key: key, Bitmap: bitmap, SizeBytes: sizeBytes}, true
}

func (c *NoopStore) Remove(key Key) {
}

func (c *NoopStore) RemoveIf(match func(Key) bool) int {
	return 0
}

func (c *NoopStore) Clear() {
}

func (c *NoopStore) Trim(targetBytes int64) int {
	return 0
}

func (c *NoopStore) TotalBytes() int64 {
	return 0
}

func (c *NoopStore) Capacity() int64 {
	return 0
}

func (c *NoopStore) Len() int {
	return 0
}
