package image_list

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"imagecache/internal/cache"
	"imagecache/internal/decoder"
)

var (
	ErrResourceNotFound = errors.New("resource not found")
	ErrOutsideDataDir   = errors.New("path escapes data directory")
)

var extensions = map[string]bool{
	".tif":  true,
	".tiff": true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".gif":  true,
	".bmp":  true,
}

// variantPattern matches resolution-specific assets such as icon@2x.png
var variantPattern = regexp.MustCompile(`^(.+)@([2-9]|[1-9][0-9])x(\.[^./]+)$`)

type ImageInfo struct {
	Path   string `json:"path"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Bytes  int64  `json:"bytes"`
	Format string `json:"format"`
}

type Prober interface {
	Probe(data []byte) (decoder.Info, error)
}

// Scanner indexes the images under a data directory and serves their bytes.
// Source paths are slash-separated and relative to the data directory.
type Scanner struct {
	dataDir string
	prober  Prober
	logger  *zap.Logger

	mu     sync.RWMutex
	images []ImageInfo
	scans  atomic.Int64

	scheduleMu sync.Mutex
	scheduled  *time.Timer
}

func New(dataDir string, prober Prober, logger *zap.Logger) *Scanner {
	return &Scanner{
		dataDir: dataDir,
		prober:  prober,
		logger:  logger,
		images:  []ImageInfo{},
	}
}

func (s *Scanner) DataDir() string {
	return s.dataDir
}

// Scan walks the data directory and records every readable image
func (s *Scanner) Scan() error {
	var images []ImageInfo

	err := filepath.WalkDir(s.dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == s.dataDir {
				return err
			}
			s.logger.Warn("Error walking data directory", zap.String("path", path), zap.Error(err))
			return nil
		}
		if d.IsDir() {
			if path != s.dataDir && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if !IsImageFile(path) {
			return nil
		}
		// Density variants are served through their base image
		if _, _, ok := VariantBase(d.Name()); ok {
			return nil
		}

		info, err := s.scanImage(path)
		if err != nil {
			s.logger.Warn("Failed to scan image", zap.String("path", path), zap.Error(err))
			return nil
		}
		images = append(images, *info)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	sort.Slice(images, func(i, j int) bool { return images[i].Path < images[j].Path })

	s.mu.Lock()
	s.images = images
	s.mu.Unlock()

	s.logger.Info("Scanned data directory", zap.String("data_dir", s.dataDir), zap.Int("images", len(images)))
	s.scans.Add(1)
	return nil
}

// Scans reports how many scans have completed
func (s *Scanner) Scans() int64 {
	return s.scans.Load()
}

// ScheduleScan runs Scan once delay passes without another call
func (s *Scanner) ScheduleScan(delay time.Duration) {
	s.scheduleMu.Lock()
	defer s.scheduleMu.Unlock()

	if s.scheduled != nil {
		s.scheduled.Stop()
	}
	s.scheduled = time.AfterFunc(delay, func() {
		if err := s.Scan(); err != nil {
			s.logger.Warn("Scheduled rescan failed", zap.Error(err))
		}
	})
}

func (s *Scanner) scanImage(path string) (*ImageInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}

	meta, err := s.prober.Probe(data)
	if err != nil {
		return nil, fmt.Errorf("failed to probe image: %w", err)
	}

	rel, err := s.RelPath(path)
	if err != nil {
		return nil, err
	}

	return &ImageInfo{
		Path:   rel,
		Width:  meta.Width,
		Height: meta.Height,
		Bytes:  int64(len(data)),
		Format: meta.Format.String(),
	}, nil
}

// LoadBytes reads the source file for a data-dir relative path
func (s *Scanner) LoadBytes(ctx context.Context, sourcePath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fullPath, err := s.resolve(sourcePath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, sourcePath)
		}
		return nil, fmt.Errorf("failed to read %s: %w", sourcePath, err)
	}
	return data, nil
}

// LoadVariant serves an integer scale N >= 2 from name@Nx.ext when that asset exists,
// and from the base file otherwise. The returned density is N or 1.
func (s *Scanner) LoadVariant(ctx context.Context, sourcePath string, scale float64) ([]byte, float64, error) {
	if n := variantDensity(scale); n > 1 {
		data, err := s.LoadBytes(ctx, VariantPath(sourcePath, n))
		if err == nil {
			return data, float64(n), nil
		}
		if !errors.Is(err, ErrResourceNotFound) {
			return nil, 0, err
		}
	}

	data, err := s.LoadBytes(ctx, sourcePath)
	if err != nil {
		return nil, 0, err
	}
	return data, 1, nil
}

func variantDensity(scale float64) int {
	if scale < 2 || scale > 99 || scale != math.Trunc(scale) {
		return 0
	}
	return int(scale)
}

// VariantPath returns the name@Nx.ext sibling of sourcePath
func VariantPath(sourcePath string, density int) string {
	ext := filepath.Ext(sourcePath)
	return fmt.Sprintf("%s@%dx%s", strings.TrimSuffix(sourcePath, ext), density, ext)
}

// VariantBase maps name@Nx.ext back to name.ext and N; ok is false for other paths
func VariantBase(sourcePath string) (string, int, bool) {
	m := variantPattern.FindStringSubmatch(sourcePath)
	if m == nil {
		return "", 0, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return m[1] + m[3], n, true
}

// RelPath converts a filesystem path under the data directory into a source path
func (s *Scanner) RelPath(fullPath string) (string, error) {
	rel, err := filepath.Rel(s.dataDir, fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to relativize %s: %w", fullPath, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideDataDir, fullPath)
	}
	return cache.NormalizePath(filepath.ToSlash(rel)), nil
}

func (s *Scanner) resolve(sourcePath string) (string, error) {
	for _, part := range strings.Split(filepath.ToSlash(sourcePath), "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %s", ErrOutsideDataDir, sourcePath)
		}
	}

	clean := cache.NormalizePath(sourcePath)
	if clean == "" {
		return "", fmt.Errorf("%w: empty path", ErrResourceNotFound)
	}
	return filepath.Join(s.dataDir, filepath.FromSlash(clean)), nil
}

func (s *Scanner) GetImages() []ImageInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ImageInfo, len(s.images))
	copy(out, s.images)
	return out
}

func (s *Scanner) GetImageByPath(sourcePath string) *ImageInfo {
	clean := cache.NormalizePath(sourcePath)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, img := range s.images {
		if img.Path == clean {
			return &img
		}
	}
	return nil
}

// IsImageFile reports whether path has one of the supported image extensions
func IsImageFile(path string) bool {
	return extensions[strings.ToLower(filepath.Ext(path))]
}
