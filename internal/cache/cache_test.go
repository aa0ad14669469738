package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kenshin-tsdb/kenshin/pkg/schema"
	"github.com/kenshin-tsdb/kenshin/pkg/storage"
	"github.com/stretchr/testify/require"
)

func testSchema(t *testing.T, width int) *schema.Schema {
	t.Helper()
	s, err := schema.New("test", "", 1.0, "avg",
		[]schema.Archive{{SecPerPoint: 60, Count: 100}}, 540, width, 1.0)
	require.NoError(t, err)
	return s
}

// Scenario 4 (spec §8): put at ts=1000,1060,1120 with resolution=60,
// cache_size=10: slots 0,1,2 occupied; get(end_ts=1180) returns 3 rows;
// after get(clear=True), start_ts=1180, start_offset=3.
func TestFileCacheScenario4(t *testing.T) {
	sched := testSchema(t, 1)
	fc := NewFileCache(sched)
	require.EqualValues(t, 10, fc.cacheSize)

	pos, err := fc.GetPosIdx()
	require.NoError(t, err)
	require.Equal(t, 0, pos)

	fc.Put(pos, 1000, 11)
	fc.Put(pos, 1060, 12)
	fc.Put(pos, 1120, 13)

	rows := fc.Get(1180, true)
	require.Len(t, rows, 3)

	require.EqualValues(t, 1180, fc.startTS)
	require.EqualValues(t, 3, fc.startOffset)
}

// Scenario 6: restart recovery. Populate an index file with 3 lines for a
// bundle of W=4 at positions 0,2,3; after initCache, the next allocation
// yields pos_idx=1.
func TestMetricCacheRestartRecovery(t *testing.T) {
	dir := t.TempDir()
	sched := testSchema(t, 4)
	reg := registryWithOnly(t, sched)

	indexPath := filepath.Join(dir, "i.idx")
	content := "metric.a test 0 0\nmetric.b test 0 2\nmetric.c test 0 3\n"
	require.NoError(t, os.WriteFile(indexPath, []byte(content), 0o644))

	mc, err := New(reg, filepath.Join(dir, "data"), "a", indexPath, NopLinker{})
	require.NoError(t, err)
	defer mc.Close()

	sc := mc.schemaCaches["test"]
	require.NotNil(t, sc)
	require.Equal(t, 1, sc.Len())

	// Allocate a fresh metric; with 0,2,3 occupied the next free bit is 1.
	fcRef := sc.FileCache(0)
	pos, err := fcRef.GetPosIdx()
	require.NoError(t, err)
	require.Equal(t, 1, pos)
}

func registryWithOnly(t *testing.T, s *schema.Schema) *schema.Registry {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "storage-schemas.conf")
	rets := make([]string, len(s.Archives))
	for i, a := range s.Archives {
		rets[i] = fmt.Sprintf("%ds:%ds", a.SecPerPoint, a.Retention())
	}
	conf := fmt.Sprintf("[%s]\nxfilesfactor = %v\naggregationmethod = %s\nretentions = %s\ncacheretention = %d\nmetricsperfile = %d\ncacheratio = %v\n",
		s.Name, s.XFF, s.Agg, strings.Join(rets, ","), s.CacheRetention, s.MetricsMaxNum, s.CacheRatio)
	require.NoError(t, os.WriteFile(path, []byte(conf), 0o644))
	reg, err := schema.LoadRegistry(path)
	require.NoError(t, err)
	return reg
}

func TestMetricCachePutCreatesBundleAndAllocates(t *testing.T) {
	dir := t.TempDir()
	sched := testSchema(t, 2)

	confPath := filepath.Join(dir, "storage-schemas.conf")
	conf := "[test]\npattern = ^m\\.\nxfilesfactor = 1.0\naggregationmethod = avg\nretentions = 60s:100m\ncacheretention = 540\nmetricsperfile = 2\n"
	require.NoError(t, os.WriteFile(confPath, []byte(conf), 0o644))
	reg, err := schema.LoadRegistry(confPath)
	require.NoError(t, err)
	_ = sched

	indexPath := filepath.Join(dir, "i.idx")
	mc, err := New(reg, filepath.Join(dir, "data"), "a", indexPath, NopLinker{})
	require.NoError(t, err)
	defer mc.Close()

	require.NoError(t, mc.Put("m.one", 1_000_000, 42))
	require.NoError(t, mc.Put("m.two", 1_000_000, 43))

	path := mc.bundlePath("test", 0)
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	h, err := storage.ReadHeader(f)
	require.NoError(t, err)
	require.Equal(t, "m.one", h.Tags[0])
	require.Equal(t, "m.two", h.Tags[1])
}
