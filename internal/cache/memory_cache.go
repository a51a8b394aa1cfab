package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"imagecache/internal/decoder"
	"imagecache/internal/metrics"
)

type entry struct {
	key        Key
	bitmap     *decoder.Bitmap
	size       int64
	lastAccess time.Time
}

func (e *entry) snapshot() Entry {
	return Entry{Key: e.key, Bitmap: e.bitmap, SizeBytes: e.size, LastAccess: e.lastAccess}
}

// LRUStore is a byte-bounded in-memory cache evicting the least recently accessed entry first.
//
// The list is kept in access order (front = most recent), so entries with equal access
// times are evicted in insertion order. A single entry larger than the capacity is kept
// on its own rather than rejected.
type LRUStore struct {
	mu       sync.Mutex
	capacity int64
	total    int64
	items    map[Key]*list.Element
	lruList  *list.List
	now      func() time.Time
	logger   *zap.Logger

	name          string
	residentGauge prometheus.Gauge
	entriesGauge  prometheus.Gauge
}

// DefaultStoreName labels the gauges of stores created without WithName
const DefaultStoreName = "memory"

type Option func(*LRUStore)

// WithName sets the store label on the resident bytes and entries gauges
func WithName(name string) Option {
	return func(c *LRUStore) {
		c.name = name
	}
}

// WithClock replaces time.Now for access timestamps
func WithClock(now func() time.Time) Option {
	return func(c *LRUStore) {
		c.now = now
	}
}

// NewLRUStore creates an empty store holding up to capacityBytes of bitmaps
func NewLRUStore(capacityBytes int64, logger *zap.Logger, opts ...Option) *LRUStore {
	c := &LRUStore{
		capacity: capacityBytes,
		items:    make(map[Key]*list.Element),
		lruList:  list.New(),
		now:      time.Now,
		logger:   logger,
		name:     DefaultStoreName,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.residentGauge = metrics.ResidentBytes.WithLabelValues(c.name)
	c.entriesGauge = metrics.Entries.WithLabelValues(c.name)
	c.updateGauges()
	return c
}

// Get takes the write lock because a hit moves the entry to the front
func (c *LRUStore) Get(key Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}

	ent := elem.Value.(*entry)
	ent.lastAccess = c.now()
	c.lruList.MoveToFront(elem)
	return ent.snapshot(), true
}

func (c *LRUStore) Put(key Key, bitmap *decoder.Bitmap, sizeBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		ent := elem.Value.(*entry)
		c.total -= ent.size
		ent.bitmap = bitmap
		ent.size = max(sizeBytes, 0)
		ent.lastAccess = c.now()
		c.total += ent.size
		c.lruList.MoveToFront(elem)
		c.evictFor(elem)
		c.updateGauges()
		return
	}

	c.insert(key, bitmap, sizeBytes)
}

func (c *LRUStore) PutIfAbsent(key Key, bitmap *decoder.Bitmap, sizeBytes int64) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		ent := elem.Value.(*entry)
		ent.lastAccess = c.now()
		c.lruList.MoveToFront(elem)
		return ent.snapshot(), false
	}

	return c.insert(key, bitmap, sizeBytes), true
}

func (c *LRUStore) Remove(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
		c.updateGauges()
	}
}

func (c *LRUStore) RemoveIf(match func(Key) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, elem := range c.items {
		if match(key) {
			c.removeElement(elem)
			removed++
		}
	}
	if removed > 0 {
		c.updateGauges()
	}
	return removed
}

func (c *LRUStore) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[Key]*list.Element)
	c.lruList = list.New()
	c.total = 0
	c.updateGauges()
}

func (c *LRUStore) Trim(targetBytes int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for c.total > targetBytes {
		oldest := c.lruList.Back()
		if oldest == nil {
			break
		}
		c.evict(oldest)
		evicted++
	}
	c.updateGauges()
	return evicted
}

func (c *LRUStore) TotalBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *LRUStore) Capacity() int64 {
	return c.capacity
}

func (c *LRUStore) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// insert adds a new entry at the front and evicts older ones until it fits. Caller holds mu.
func (c *LRUStore) insert(key Key, bitmap *decoder.Bitmap, sizeBytes int64) Entry {
	ent := &entry{key: key, bitmap: bitmap, size: max(sizeBytes, 0), lastAccess: c.now()}
	elem := c.lruList.PushFront(ent)
	c.items[key] = elem
	c.total += ent.size

	c.evictFor(elem)
	c.updateGauges()
	return ent.snapshot()
}

// evictFor drops least recently used entries other than keep until the store is within capacity
func (c *LRUStore) evictFor(keep *list.Element) {
	for c.total > c.capacity {
		oldest := c.lruList.Back()
		if oldest == nil || oldest == keep {
			// keep alone exceeds the capacity
			return
		}
		c.evict(oldest)
	}
}

func (c *LRUStore) evict(elem *list.Element) {
	ent := elem.Value.(*entry)
	c.removeElement(elem)
	metrics.Evictions.Inc()
	c.logger.Debug("Evicted cache entry",
		zap.String("key", ent.key.String()),
		zap.Int64("size_bytes", ent.size),
		zap.Int64("total_bytes", c.total),
	)
}

func (c *LRUStore) removeElement(elem *list.Element) {
	ent := elem.Value.(*entry)
	delete(c.items, ent.key)
	c.lruList.Remove(elem)
	c.total -= ent.size
}

func (c *LRUStore) updateGauges() {
	c.residentGauge.Set(float64(c.total))
	c.entriesGauge.Set(float64(c.lruList.Len()))
}
