package cache

import (
	"fmt"
	"math"
	"path"
	"strings"
	"time"

	"imagecache/internal/decoder"
	"imagecache/internal/tiling"
)

// Key identifies a cached bitmap: a whole image or one tile of it, at one scale.
// Build keys with WholeKey or TileKey so the path and scale are normalized.
type Key struct {
	SourcePath string
	Scale      float64
	Tile       tiling.TileCoordinate
	Tiled      bool
}

func WholeKey(sourcePath string, scale float64) Key {
	return Key{SourcePath: NormalizePath(sourcePath), Scale: normalizeScale(scale)}
}

func TileKey(sourcePath string, scale float64, coord tiling.TileCoordinate) Key {
	return Key{SourcePath: NormalizePath(sourcePath), Scale: normalizeScale(scale), Tile: coord, Tiled: true}
}

func (k Key) String() string {
	if k.Tiled {
		return fmt.Sprintf("%s@%g/%s", k.SourcePath, k.Scale, k.Tile)
	}
	return fmt.Sprintf("%s@%g", k.SourcePath, k.Scale)
}

// NormalizePath cleans a source path to the form used in keys
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

func normalizeScale(scale float64) float64 {
	return math.Round(scale*1000) / 1000
}

// Entry is a copy of the store's bookkeeping for one key.
// Bitmap is shared with the store and must not be modified.
type Entry struct {
	Key        Key
	Bitmap     *decoder.Bitmap
	SizeBytes  int64
	LastAccess time.Time
}

type Store interface {
	Get(key Key) (Entry, bool)
	Put(key Key, bitmap *decoder.Bitmap, sizeBytes int64)
	// PutIfAbsent inserts only when key is missing; otherwise it returns the resident entry and false
	PutIfAbsent(key Key, bitmap *decoder.Bitmap, sizeBytes int64) (Entry, bool)
	Remove(key Key)
	RemoveIf(match func(Key) bool) int
	Clear()
	// Trim evicts least recently used entries until at most targetBytes remain
	Trim(targetBytes int64) int
	TotalBytes() int64
	Capacity() int64
	Len() int
}
