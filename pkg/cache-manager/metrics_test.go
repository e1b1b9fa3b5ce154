package cache_manager

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestCollectorExportsCounters(t *testing.T) {
	t.Parallel()

	ml, err := NewMultiLevelCache(newMemoryRawCache(), newMemoryRawCache(), newTranscoder(), MultiLevelConfig{})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, ml.Set(ctx, "key", "value", CacheOptions{}))
	_, _, err = ml.Get(ctx, "key", CacheOptions{})
	require.NoError(t, err)
	_, _, err = ml.Get(ctx, "absent", CacheOptions{})
	require.NoError(t, err)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCollector("app", ml)))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, len(metrics))

	values := map[string]float64{}
	for _, f := range families {
		require.Len(t, f.GetMetric(), 1)
		values[f.GetName()] = f.GetMetric()[0].GetCounter().GetValue()
	}
	require.Equal(t, 1.0, values["app_cache_hits_total"])
	require.Equal(t, 1.0, values["app_cache_misses_total"])
	require.Equal(t, 1.0, values["app_cache_sets_total"])
	require.Equal(t, 1.0, values["app_cache_l1_hits_total"])
}

func TestStatsListsEveryCounter(t *testing.T) {
	t.Parallel()

	ml, err := NewMultiLevelCache(newMemoryRawCache(), newMemoryRawCache(), newTranscoder(), MultiLevelConfig{})
	require.NoError(t, err)

	stats := ml.Stats()
	require.Len(t, stats, len(metrics))
	for _, m := range metrics {
		require.Contains(t, stats, m.name)
		require.Zero(t, stats[m.name])
	}
	require.Panics(t, func() { ml.counters.incr("bogus") })
}

func TestCollectorsShareRegistryByMode(t *testing.T) {
	t.Parallel()

	both, err := NewMultiLevelCache(newMemoryRawCache(), newMemoryRawCache(), newTranscoder(), MultiLevelConfig{})
	require.NoError(t, err)
	l1, err := NewMultiLevelCache(newMemoryRawCache(), nil, newTranscoder(), MultiLevelConfig{Mode: ModeL1Only})
	require.NoError(t, err)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCollector("app", both)))
	require.NoError(t, reg.Register(NewCollector("app", l1)))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, len(metrics))

	modes := map[string]bool{}
	for _, m := range families[0].GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "mode" {
				modes[lp.GetValue()] = true
			}
		}
	}
	require.Equal(t, map[string]bool{"both": true, "l1": true}, modes)
}
