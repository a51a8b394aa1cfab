package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"imagecache/internal/tiling"
)

type Config struct {
	Port            int       `env:"PORT" envDefault:"8080"`
	DataDir         string    `env:"DATA_DIR" envDefault:"/data"`
	CacheType       string    `env:"CACHE" envDefault:"memory"`
	CacheCapacityMB int64     `env:"CACHE_CAPACITY_MB" envDefault:"512"`
	TileSize        int       `env:"TILE_SIZE" envDefault:"1024"`
	MaxDecodePixels int64     `env:"MAX_DECODE_PIXELS" envDefault:"268435456"`
	Decoder         string    `env:"DECODER" envDefault:"std"`
	VipsMaxCacheMB  int       `env:"VIPS_MAX_CACHE_MB" envDefault:"256"`
	VipsConcurrency int       `env:"VIPS_CONCURRENCY" envDefault:"1"`
	WarmupScales    []float64 `env:"WARMUP_SCALES" envSeparator:","`
	WarmupWorkers   int       `env:"WARMUP_WORKERS" envDefault:"1"`
	PressurePolicy  string    `env:"MEMORY_PRESSURE_POLICY" envDefault:"clear"`
	PressureLowMark float64   `env:"MEMORY_PRESSURE_LOW_WATER" envDefault:"0.5"`
	Placeholder     string    `env:"PLACEHOLDER_COLOR" envDefault:"#dddddd"`
	WatchDataDir    bool      `env:"WATCH_DATA_DIR" envDefault:"false"`
	LogLevel        string    `env:"LOG_LEVEL" envDefault:"info"`
	LogEncoding     string    `env:"LOG_ENCODING" envDefault:"json"`
	AllowedOrigin   string    `env:"ALLOWED_ORIGIN"`
}

// Load reads an optional .env file and then the process environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	switch c.CacheType {
	case "memory":
		if c.CacheCapacityMB <= 0 {
			return fmt.Errorf("CACHE_CAPACITY_MB must be positive, got %d", c.CacheCapacityMB)
		}
	case "disabled":
	default:
		return fmt.Errorf("unknown CACHE type: %s", c.CacheType)
	}
	if c.TileSize <= 0 {
		return fmt.Errorf("TILE_SIZE must be positive, got %d", c.TileSize)
	}
	if c.MaxDecodePixels <= 0 {
		return fmt.Errorf("MAX_DECODE_PIXELS must be positive, got %d", c.MaxDecodePixels)
	}
	if c.Decoder != "std" && c.Decoder != "vips" {
		return fmt.Errorf("unknown DECODER: %s", c.Decoder)
	}
	for _, s := range c.WarmupScales {
		if s <= 0 {
			return fmt.Errorf("WARMUP_SCALES must be positive, got %v", s)
		}
	}
	if c.PressurePolicy != "clear" && c.PressurePolicy != "trim" {
		return fmt.Errorf("unknown MEMORY_PRESSURE_POLICY: %s", c.PressurePolicy)
	}
	if c.PressureLowMark <= 0 || c.PressureLowMark >= 1 {
		return fmt.Errorf("MEMORY_PRESSURE_LOW_WATER must be in (0, 1), got %v", c.PressureLowMark)
	}
	if _, err := tiling.ParsePlaceholder(c.Placeholder); err != nil {
		return err
	}
	return nil
}

func (c *Config) CacheCapacityBytes() int64 {
	return c.CacheCapacityMB << 20
}
