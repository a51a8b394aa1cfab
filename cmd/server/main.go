package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"imagecache/internal/cache"
	"imagecache/internal/config"
	"imagecache/internal/decoder"
	httphandlers "imagecache/internal/http"
	"imagecache/internal/image_cache"
	"imagecache/internal/image_list"
	"imagecache/internal/logger"
	"imagecache/internal/tiling"
	"imagecache/internal/watcher"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)

	if decoder.Backend(cfg.Decoder) == decoder.BackendVips {
		shutdown, err := decoder.StartupVips(decoder.VipsConfig{
			MaxCacheMB:  cfg.VipsMaxCacheMB,
			Concurrency: cfg.VipsConcurrency,
		}, log)
		if err != nil {
			log.Fatal("Failed to start vips", zap.Error(err))
		}
		defer shutdown()
	}

	dec, err := decoder.New(decoder.Backend(cfg.Decoder))
	if err != nil {
		log.Fatal("Failed to initialize decoder", zap.Error(err))
	}

	log.Info("Starting imagecache server",
		zap.Int("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.String("decoder", string(dec.Backend())),
		zap.String("cache", cfg.CacheType),
		zap.Int64("cache_capacity_mb", cfg.CacheCapacityMB),
		zap.Int("tile_size", cfg.TileSize),
	)

	scanner := image_list.New(cfg.DataDir, dec, log)
	if err := scanner.Scan(); err != nil {
		log.Warn("Initial scan failed", zap.Error(err))
	}

	store, err := cache.NewStore(cfg.CacheType, cfg.CacheCapacityBytes(), log)
	if err != nil {
		log.Fatal("Failed to initialize cache", zap.Error(err))
	}

	placeholder, err := tiling.ParsePlaceholder(cfg.Placeholder)
	if err != nil {
		log.Fatal("Invalid placeholder color", zap.Error(err))
	}

	imageCache, err := image_cache.New(image_cache.Options{
		Loader:      scanner,
		Decoder:     dec,
		Store:       store,
		Logger:      log,
		TileSize:    cfg.TileSize,
		Placeholder: placeholder,
		Pressure:    image_cache.PressurePolicy(cfg.PressurePolicy),
		LowWater:    cfg.PressureLowMark,
		MaxPixels:   cfg.MaxDecodePixels,
	})
	if err != nil {
		log.Fatal("Failed to initialize image cache", zap.Error(err))
	}
	image_cache.SetDefault(imageCache)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if len(cfg.WarmupScales) > 0 {
		go warmup(ctx, cfg, scanner, imageCache, log)
	}

	if cfg.WatchDataDir {
		w, err := watcher.New(cfg.DataDir, imageCache, scanner, log)
		if err != nil {
			log.Warn("Data directory watcher disabled", zap.Error(err))
		} else {
			go w.Run(ctx)
		}
	}

	handlers := httphandlers.New(cfg, log, scanner, imageCache)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handlers.Routes(),
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	// SIGUSR1 is the memory warning hook for process supervisors
	pressure := make(chan os.Signal, 1)
	signal.Notify(pressure, syscall.SIGUSR1)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

wait:
	for {
		select {
		case <-pressure:
			imageCache.HandleMemoryPressure()
		case <-quit:
			break wait
		}
	}

	log.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	imageCache.WaitIdle()

	log.Info("Server stopped")
}

func warmup(ctx context.Context, cfg *config.Config, scanner *image_list.Scanner, c *image_cache.Cache, log *zap.Logger) {
	images := scanner.GetImages()
	if len(images) == 0 {
		return
	}

	paths := make([]string, len(images))
	for i, img := range images {
		paths[i] = img.Path
	}

	log.Info("Starting cache warmup",
		zap.Int("images", len(paths)),
		zap.Float64s("scales", cfg.WarmupScales),
		zap.Int("workers", cfg.WarmupWorkers),
	)
	if err := c.Warmup(ctx, paths, cfg.WarmupScales, cfg.WarmupWorkers); err != nil {
		log.Info("Cache warmup interrupted", zap.Error(err))
	}
}
