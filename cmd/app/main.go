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

	"github.com/allegro/bigcache/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"go-cache-transcoder/internal/config"
	"go-cache-transcoder/internal/db"
	cache_manager "go-cache-transcoder/pkg/cache-manager"
	"go-cache-transcoder/pkg/transcoder"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed loading config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Level())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed building logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func newLogger(level zapcore.Level) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	tc, err := newTranscoder(cfg, logger)
	if err != nil {
		return err
	}

	bcConfig := bigcache.DefaultConfig(10 * time.Minute)
	bcConfig.CleanWindow = time.Minute
	bcConfig.Shards = cfg.Cache.L1Shards

	bigCache, err := cache_manager.NewBigCache(ctx, cache_manager.BigCacheConfig{Config: bcConfig})
	if err != nil {
		return fmt.Errorf("failed creating bigcache: %w", err)
	}
	defer bigCache.Close()

	redisClient := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.RedisAddr}})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed connecting to redis at %s: %w", cfg.RedisAddr, err)
	}
	defer redisClient.Close()

	redisCache, err := cache_manager.NewRedisCache(redisClient)
	if err != nil {
		return fmt.Errorf("failed creating redis cache: %w", err)
	}

	// Create cache instances with different modes for testing
	cacheBothLevels, err := cache_manager.NewMultiLevelCache(bigCache, redisCache, tc, cache_manager.MultiLevelConfig{
		Mode:                cfg.CacheMode(),
		WarmupTTL:           cfg.Cache.WarmupTTL,
		L1DefaultTTL:        cfg.Cache.L1TTL,
		L2DefaultTTL:        cfg.Cache.L2TTL,
		CounterTTL:          cfg.Cache.CounterTTL,
		AsyncLimit:          cfg.Cache.AsyncLimit,
		InvalidationChannel: cfg.Cache.InvalidationChannel,
		Logger:              logger.Named("cache.both"),
	})
	if err != nil {
		return fmt.Errorf("failed constructing both-levels cache: %w", err)
	}

	cacheL1Only, err := cache_manager.NewMultiLevelCache(bigCache, nil, tc, cache_manager.MultiLevelConfig{
		Mode:         cache_manager.ModeL1Only,
		L1DefaultTTL: cfg.Cache.L1TTL,
		Logger:       logger.Named("cache.l1"),
	})
	if err != nil {
		return fmt.Errorf("failed constructing L1-only cache: %w", err)
	}

	cacheL2Only, err := cache_manager.NewMultiLevelCache(nil, redisCache, tc, cache_manager.MultiLevelConfig{
		Mode:         cache_manager.ModeL2Only,
		L2DefaultTTL: cfg.Cache.L2TTL,
		Logger:       logger.Named("cache.l2"),
	})
	if err != nil {
		return fmt.Errorf("failed constructing L2-only cache: %w", err)
	}
	logger.Info("configured cache instances", zap.Strings("modes", []string{"both-levels", "L1-only", "L2-only"}))

	if cfg.Cache.InvalidationChannel != "" {
		go func() {
			if err := cacheBothLevels.ListenInvalidations(ctx); err != nil {
				logger.Error("invalidation listener stopped", zap.Error(err))
			}
		}()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		cache_manager.NewCollector("app", cacheBothLevels),
		cache_manager.NewCollector("app", cacheL1Only),
		cache_manager.NewCollector("app", cacheL2Only),
	)

	store, err := db.NewStore(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("failed connecting to postgres: %w", err)
	}
	defer store.Close()

	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed initializing database: %w", err)
	}

	srv := &server{
		cacheBothLevels: cacheBothLevels,
		cacheL1Only:     cacheL1Only,
		cacheL2Only:     cacheL2Only,
		db:              store,
		logger:          logger.Named("http"),
		l1TTL:           cfg.Cache.L1TTL,
		l2TTL:           cfg.Cache.L2TTL,
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.routes(registry),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()
	logger.Info("server listening", zap.String("addr", cfg.HTTPAddr))

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = httpServer.Shutdown(shutdownCtx)

	// Pending async cache writes must land before the levels are closed.
	return multierr.Combine(err, cacheBothLevels.Close(), cacheL1Only.Close(), cacheL2Only.Close())
}

func newTranscoder(cfg config.Config, logger *zap.Logger) (*transcoder.Transcoder, error) {
	opts, err := cfg.TranscoderOptions()
	if err != nil {
		return nil, err
	}

	registry := transcoder.NewRegistry()
	registry.Register(db.User{})

	opts.Registry = registry
	opts.TypeResolver = legacyTypes
	opts.Logger = logger.Named("transcoder")
	return transcoder.New(opts), nil
}

// legacyTypes resolves classic payloads written before the module was renamed.
func legacyTypes(name string) (any, bool) {
	switch name {
	case "go-cache-poc/internal/db.User":
		return db.User{}, true
	}
	return nil, false
}
