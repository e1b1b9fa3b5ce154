package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"go-cache-transcoder/internal/db"
	cache_manager "go-cache-transcoder/pkg/cache-manager"
	"go-cache-transcoder/pkg/transcoder"
)

type userStore interface {
	GetUser(ctx context.Context, id int) (db.User, error)
	RefreshUser(ctx context.Context, id int) (db.User, error)
}

type server struct {
	cacheBothLevels *cache_manager.MultiLevelCache
	cacheL1Only     *cache_manager.MultiLevelCache
	cacheL2Only     *cache_manager.MultiLevelCache
	db              userStore
	logger          *zap.Logger
	l1TTL           time.Duration
	l2TTL           time.Duration
}

func (s *server) routes(registry *prometheus.Registry) *gin.Engine {
	router := gin.New()
	router.Use(requestLogger(s.logger), gin.Recovery())

	// Standard endpoints (both levels)
	router.GET("/users/:id", s.handleGetUser)
	router.POST("/users/refresh/:id", s.handleRefreshUser)

	// Mode-specific endpoints
	router.GET("/users/l1-only/:id", s.handleGetUserL1Only)
	router.GET("/users/l2-only/:id", s.handleGetUserL2Only)
	router.GET("/users/both-levels/:id", s.handleGetUserBothLevels)

	// Per-call override endpoints (using cacheBothLevels with overrides)
	router.GET("/users/override-l1/:id", s.handleGetUserOverrideL1)
	router.GET("/users/override-l2/:id", s.handleGetUserOverrideL2)
	router.POST("/users/set-l1-only/:id", s.handleSetUserL1Only)
	router.POST("/users/set-l2-only/:id", s.handleSetUserL2Only)

	// Cache inspection endpoints
	router.GET("/cache/stats", s.handleStats)
	router.GET("/cache/stats/:id", s.handleCacheStats)
	router.GET("/cache/inspect/:id", s.handleInspect)
	router.DELETE("/cache/clear/:id", s.handleClearCache)

	// Counters
	router.POST("/counters/:name", s.handleIncrCounter)
	router.GET("/counters/:name", s.handleGetCounter)

	if registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}
	return router
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// Standard endpoint - uses both levels cache
func (s *server) handleGetUser(c *gin.Context) {
	s.getUserWithCache(c, s.cacheBothLevels, "both-levels", cache_manager.CacheOptions{
		L1TTL: s.l1TTL,
		L2TTL: s.l2TTL,
	})
}

// L1 only mode endpoint
func (s *server) handleGetUserL1Only(c *gin.Context) {
	s.getUserWithCache(c, s.cacheL1Only, "L1-only", cache_manager.CacheOptions{
		L1TTL: s.l1TTL,
	})
}

// L2 only mode endpoint
func (s *server) handleGetUserL2Only(c *gin.Context) {
	s.getUserWithCache(c, s.cacheL2Only, "L2-only", cache_manager.CacheOptions{
		L2TTL: s.l2TTL,
	})
}

// Both levels mode endpoint (explicit)
func (s *server) handleGetUserBothLevels(c *gin.Context) {
	s.getUserWithCache(c, s.cacheBothLevels, "both-levels-explicit", cache_manager.CacheOptions{
		L1TTL: 20 * time.Second,
		L2TTL: 40 * time.Second,
	})
}

// Override to L1 only (using both-levels cache with per-call override)
func (s *server) handleGetUserOverrideL1(c *gin.Context) {
	s.getUserWithCache(c, s.cacheBothLevels, "override-L1-only", cache_manager.CacheOptions{
		L1TTL:    s.l1TTL,
		TargetL1: cache_manager.BoolPtr(true),
		TargetL2: cache_manager.BoolPtr(false),
	})
}

// Override to L2 only (using both-levels cache with per-call override)
func (s *server) handleGetUserOverrideL2(c *gin.Context) {
	s.getUserWithCache(c, s.cacheBothLevels, "override-L2-only", cache_manager.CacheOptions{
		L2TTL:    s.l2TTL,
		TargetL1: cache_manager.BoolPtr(false),
		TargetL2: cache_manager.BoolPtr(true),
	})
}

// getUserWithCache reads with the mode's default levels and writes back with opts.
func (s *server) getUserWithCache(c *gin.Context, cache *cache_manager.MultiLevelCache, mode string, opts cache_manager.CacheOptions) {
	ctx := c.Request.Context()
	id, err := parseID(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}

	cacheKey := userCacheKey(id)
	user, found, err := s.cachedUser(ctx, cache, cacheKey)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}

	if !found {
		user, err = s.db.GetUser(ctx, id)
		if err != nil {
			writeStoreError(c, err)
			return
		}

		if err := cache.Set(ctx, cacheKey, user, opts); err != nil {
			s.logger.Warn("failed setting cache", zap.String("mode", mode), zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"user":       user,
		"cache_mode": mode,
		"from_cache": found,
	})
}

// cachedUser treats a cached value of any other type as a miss.
func (s *server) cachedUser(ctx context.Context, cache *cache_manager.MultiLevelCache, key string) (db.User, bool, error) {
	v, found, err := cache.Get(ctx, key, cache_manager.CacheOptions{})
	if err != nil || !found {
		return db.User{}, false, err
	}
	user, ok := v.(db.User)
	if !ok {
		s.logger.Warn("unexpected cached type", zap.String("key", key), zap.String("type", fmt.Sprintf("%T", v)))
		return db.User{}, false, nil
	}
	return user, true, nil
}

func (s *server) handleRefreshUser(c *gin.Context) {
	ctx := c.Request.Context()
	id, err := parseID(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}

	user, err := s.db.RefreshUser(ctx, id)
	if err != nil {
		writeStoreError(c, err)
		return
	}

	// Clear from all cache instances, then prime the shared levels in the background.
	cacheKey := userCacheKey(id)
	s.clear(ctx, cacheKey)
	if err := s.cacheBothLevels.SetAsync(ctx, cacheKey, user, cache_manager.CacheOptions{
		L1TTL: s.l1TTL,
		L2TTL: s.l2TTL,
	}); err != nil {
		s.logger.Warn("failed scheduling cache refresh", zap.Int("id", id), zap.Error(err))
	}

	c.JSON(http.StatusOK, user)
}

// Set user in L1 only
func (s *server) handleSetUserL1Only(c *gin.Context) {
	s.setUserWithOverride(c, "User cached in L1 only", cache_manager.CacheOptions{
		L1TTL:    s.l1TTL,
		TargetL1: cache_manager.BoolPtr(true),
		TargetL2: cache_manager.BoolPtr(false),
	})
}

// Set user in L2 only
func (s *server) handleSetUserL2Only(c *gin.Context) {
	s.setUserWithOverride(c, "User cached in L2 only", cache_manager.CacheOptions{
		L2TTL:    s.l2TTL,
		TargetL1: cache_manager.BoolPtr(false),
		TargetL2: cache_manager.BoolPtr(true),
	})
}

func (s *server) setUserWithOverride(c *gin.Context, message string, opts cache_manager.CacheOptions) {
	ctx := c.Request.Context()
	id, err := parseID(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}

	user, err := s.db.GetUser(ctx, id)
	if err != nil {
		writeStoreError(c, err)
		return
	}

	if err := s.cacheBothLevels.Set(ctx, userCacheKey(id), user, opts); err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": message,
		"user":    user,
	})
}

// Get cache stats for a user
func (s *server) handleCacheStats(c *gin.Context) {
	ctx := c.Request.Context()
	id, err := parseID(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}

	cacheKey := userCacheKey(id)

	// Single-level caches first: a both-levels hit on L2 warms L1.
	_, foundL1, _ := s.cachedUser(ctx, s.cacheL1Only, cacheKey)
	_, foundL2, _ := s.cachedUser(ctx, s.cacheL2Only, cacheKey)
	_, foundBoth, _ := s.cachedUser(ctx, s.cacheBothLevels, cacheKey)

	c.JSON(http.StatusOK, gin.H{
		"cache_key":   cacheKey,
		"both_levels": gin.H{"cached": foundBoth},
		"l1_only":     gin.H{"cached": foundL1},
		"l2_only":     gin.H{"cached": foundL2},
	})
}

func (s *server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"both_levels": s.cacheBothLevels.Stats(),
		"l1_only":     s.cacheL1Only.Stats(),
		"l2_only":     s.cacheL2Only.Stats(),
	})
}

// handleInspect reports how a user's payload is stored without decoding it.
func (s *server) handleInspect(c *gin.Context) {
	ctx := c.Request.Context()
	id, err := parseID(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}

	cacheKey := userCacheKey(id)
	d, level, found, err := s.cacheBothLevels.Peek(ctx, cacheKey)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	if !found {
		writeError(c, http.StatusNotFound, fmt.Errorf("%s is not cached", cacheKey))
		return
	}

	resp := gin.H{
		"cache_key": cacheKey,
		"level":     level,
		"flags":     uint32(d.Flags),
		"describe":  transcoder.Describe(d.Flags),
		"size":      len(d.Data),
	}
	kind, compression, err := transcoder.Parse(d.Flags)
	if err != nil {
		resp["error"] = err.Error()
	} else {
		resp["kind"] = kind.String()
		resp["compression"] = compression.String()
	}
	c.JSON(http.StatusOK, resp)
}

// Clear cache for a user from all instances
func (s *server) handleClearCache(c *gin.Context) {
	ctx := c.Request.Context()
	id, err := parseID(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}

	cacheKey := userCacheKey(id)
	errBoth, errL1, errL2 := s.clear(ctx, cacheKey)

	c.JSON(http.StatusOK, gin.H{
		"message":     "Cache cleared",
		"cache_key":   cacheKey,
		"both_levels": errBoth == nil,
		"l1_only":     errL1 == nil,
		"l2_only":     errL2 == nil,
	})
}

func (s *server) clear(ctx context.Context, cacheKey string) (errBoth, errL1, errL2 error) {
	if errBoth = s.cacheBothLevels.Delete(ctx, cacheKey); errBoth != nil {
		s.logger.Warn("failed deleting from both-levels cache", zap.Error(errBoth))
	}
	if errL1 = s.cacheL1Only.Delete(ctx, cacheKey); errL1 != nil {
		s.logger.Warn("failed deleting from L1-only cache", zap.Error(errL1))
	}
	if errL2 = s.cacheL2Only.Delete(ctx, cacheKey); errL2 != nil {
		s.logger.Warn("failed deleting from L2-only cache", zap.Error(errL2))
	}
	return errBoth, errL1, errL2
}

func (s *server) handleIncrCounter(c *gin.Context) {
	delta := int64(1)
	if raw := c.Query("delta"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(c, http.StatusBadRequest, fmt.Errorf("delta: %w", err))
			return
		}
		delta = n
	}

	value, err := s.cacheBothLevels.Incr(c.Request.Context(), counterCacheKey(c.Param("name")), delta)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": c.Param("name"), "value": value})
}

func (s *server) handleGetCounter(c *gin.Context) {
	value, found, err := s.cacheBothLevels.Counter(c.Request.Context(), counterCacheKey(c.Param("name")))
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	if !found {
		writeError(c, http.StatusNotFound, fmt.Errorf("counter %q not found", c.Param("name")))
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": c.Param("name"), "value": value})
}

func parseID(idParam string) (int, error) {
	return strconv.Atoi(idParam)
}

func userCacheKey(id int) string {
	return fmt.Sprintf("user:%d", id)
}

func counterCacheKey(name string) string {
	return "counter:" + name
}

func writeError(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func writeStoreError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, db.ErrUserNotFound) {
		status = http.StatusNotFound
	}
	writeError(c, status, err)
}
