package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/allegro/bigcache/v3"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"go-cache-transcoder/internal/config"
	"go-cache-transcoder/internal/db"
	cache_manager "go-cache-transcoder/pkg/cache-manager"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeStore struct {
	mu    sync.Mutex
	users map[int]db.User
	reads int
}

func (f *fakeStore) GetUser(_ context.Context, id int) (db.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	u, ok := f.users[id]
	if !ok {
		return db.User{}, db.ErrUserNotFound
	}
	return u, nil
}

func (f *fakeStore) RefreshUser(_ context.Context, id int) (db.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return db.User{}, db.ErrUserNotFound
	}
	u.Name += " (refreshed)"
	f.users[id] = u
	return u, nil
}

func (f *fakeStore) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

type testApp struct {
	srv    *server
	router *gin.Engine
	store  *fakeStore
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	ctx := context.Background()

	cfg := config.Default()
	tc, err := newTranscoder(cfg, zap.NewNop())
	require.NoError(t, err)

	l1, err := cache_manager.NewBigCache(ctx, cache_manager.BigCacheConfig{Config: bigcache.DefaultConfig(time.Minute)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l1.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l2, err := cache_manager.NewRedisCache(client)
	require.NoError(t, err)

	both, err := cache_manager.NewMultiLevelCache(l1, l2, tc, cache_manager.MultiLevelConfig{})
	require.NoError(t, err)
	l1Only, err := cache_manager.NewMultiLevelCache(l1, nil, tc, cache_manager.MultiLevelConfig{Mode: cache_manager.ModeL1Only})
	require.NoError(t, err)
	l2Only, err := cache_manager.NewMultiLevelCache(nil, l2, tc, cache_manager.MultiLevelConfig{Mode: cache_manager.ModeL2Only})
	require.NoError(t, err)
	t.Cleanup(func() { _ = both.Close() })

	store := &fakeStore{users: map[int]db.User{
		1: {
			ID:        1,
			Name:      "Ada Lovelace",
			Email:     "ada@example.com",
			Tags:      []string{"math"},
			CreatedAt: time.UnixMilli(1392116197393).UTC(),
		},
	}}

	srv := &server{
		cacheBothLevels: both,
		cacheL1Only:     l1Only,
		cacheL2Only:     l2Only,
		db:              store,
		logger:          zap.NewNop(),
		l1TTL:           time.Minute,
		l2TTL:           time.Minute,
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(cache_manager.NewCollector("app", both))
	return &testApp{srv: srv, router: srv.routes(registry), store: store}
}

func (a *testApp) do(t *testing.T, method, path string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, httptest.NewRequest(method, path, nil))

	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec.Code, body
}

func TestGetUserIsCachedAfterFirstRead(t *testing.T) {
	t.Parallel()
	app := newTestApp(t)

	code, body := app.do(t, http.MethodGet, "/users/1")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, body["from_cache"])

	code, body = app.do(t, http.MethodGet, "/users/1")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["from_cache"])
	require.Equal(t, 1, app.store.readCount())

	user := body["user"].(map[string]any)
	require.Equal(t, "Ada Lovelace", user["name"])
	require.Equal(t, "ada@example.com", user["email"])
	createdAt, err := time.Parse(time.RFC3339Nano, user["created_at"].(string))
	require.NoError(t, err)
	require.Equal(t, int64(1392116197393), createdAt.UnixMilli())
}

func TestGetUserErrors(t *testing.T) {
	t.Parallel()
	app := newTestApp(t)

	code, _ := app.do(t, http.MethodGet, "/users/abc")
	require.Equal(t, http.StatusBadRequest, code)

	code, body := app.do(t, http.MethodGet, "/users/42")
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, db.ErrUserNotFound.Error(), body["error"])
}

func TestOverrideWritesSingleLevel(t *testing.T) {
	t.Parallel()
	app := newTestApp(t)

	code, _ := app.do(t, http.MethodPost, "/users/set-l2-only/1")
	require.Equal(t, http.StatusOK, code)

	_, body := app.do(t, http.MethodGet, "/cache/stats/1")
	require.Equal(t, map[string]any{"cached": false}, body["l1_only"])
	require.Equal(t, map[string]any{"cached": true}, body["l2_only"])
}

func TestInspectReportsStoredPayload(t *testing.T) {
	t.Parallel()
	app := newTestApp(t)

	code, _ := app.do(t, http.MethodGet, "/cache/inspect/1")
	require.Equal(t, http.StatusNotFound, code)

	app.do(t, http.MethodGet, "/users/1")
	code, body := app.do(t, http.MethodGet, "/cache/inspect/1")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "l1", body["level"])
	require.Equal(t, "generic-optimized", body["kind"])
	require.Equal(t, "none", body["compression"])
	require.Positive(t, body["size"])
}

func TestRefreshClearsAndPrimesCache(t *testing.T) {
	t.Parallel()
	app := newTestApp(t)

	app.do(t, http.MethodGet, "/users/1")
	code, body := app.do(t, http.MethodPost, "/users/refresh/1")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "Ada Lovelace (refreshed)", body["name"])

	_, body = app.do(t, http.MethodGet, "/users/1")
	require.Equal(t, "Ada Lovelace (refreshed)", body["user"].(map[string]any)["name"])
}

func TestClearCache(t *testing.T) {
	t.Parallel()
	app := newTestApp(t)

	app.do(t, http.MethodGet, "/users/1")
	code, body := app.do(t, http.MethodDelete, "/cache/clear/1")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["both_levels"])

	_, body = app.do(t, http.MethodGet, "/users/1")
	require.Equal(t, false, body["from_cache"])
}

func TestCounters(t *testing.T) {
	t.Parallel()
	app := newTestApp(t)

	code, _ := app.do(t, http.MethodGet, "/counters/visits")
	require.Equal(t, http.StatusNotFound, code)

	code, body := app.do(t, http.MethodPost, "/counters/visits?delta=5")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 5.0, body["value"])

	_, body = app.do(t, http.MethodPost, "/counters/visits")
	require.Equal(t, 6.0, body["value"])

	_, body = app.do(t, http.MethodGet, "/counters/visits")
	require.Equal(t, 6.0, body["value"])

	code, _ = app.do(t, http.MethodPost, "/counters/visits?delta=lots")
	require.Equal(t, http.StatusBadRequest, code)
}

func TestStatsAndMetrics(t *testing.T) {
	t.Parallel()
	app := newTestApp(t)

	app.do(t, http.MethodGet, "/users/1")
	app.do(t, http.MethodGet, "/users/1")

	code, body := app.do(t, http.MethodGet, "/cache/stats")
	require.Equal(t, http.StatusOK, code)
	both := body["both_levels"].(map[string]any)
	require.Equal(t, 1.0, both["hits"])
	require.Equal(t, 1.0, both["misses"])

	rec := httptest.NewRecorder()
	app.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `app_cache_hits_total{mode="both"} 1`)
}

func TestLegacyTypes(t *testing.T) {
	t.Parallel()

	v, ok := legacyTypes("go-cache-poc/internal/db.User")
	require.True(t, ok)
	require.IsType(t, db.User{}, v)

	_, ok = legacyTypes("go-cache-poc/internal/db.Order")
	require.False(t, ok)
}
