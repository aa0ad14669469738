package writer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kenshin-tsdb/kenshin/internal/cache"
	"github.com/kenshin-tsdb/kenshin/pkg/schema"
	"github.com/kenshin-tsdb/kenshin/pkg/storage"
	"github.com/stretchr/testify/require"
)

func TestWriterFlushPersistsAndClearsBundle(t *testing.T) {
	dir := t.TempDir()

	confPath := filepath.Join(dir, "storage-schemas.conf")
	conf := "[test]\npattern = ^m\\.\nxfilesfactor = 1.0\naggregationmethod = avg\nretentions = 1s:60s\ncacheretention = 5\nmetricsperfile = 1\n"
	require.NoError(t, os.WriteFile(confPath, []byte(conf), 0o644))
	reg, err := schema.LoadRegistry(confPath)
	require.NoError(t, err)

	mc, err := cache.New(reg, filepath.Join(dir, "data"), "a", filepath.Join(dir, "i.idx"), cache.NopLinker{})
	require.NoError(t, err)
	defer mc.Close()

	base := int64(1_000_000)
	require.NoError(t, mc.Put("m.one", base, 11))
	require.NoError(t, mc.Put("m.one", base+1, 12))

	// Late enough for CanWrite (cacheretention 5 + grace 10), early enough
	// that both points are still inside the 60s finest archive.
	w := &Writer{mc: mc, now: func() int64 { return base + 20 }}

	refs := mc.WritableFileCaches(w.now())
	require.Len(t, refs, 1)

	require.NoError(t, w.flush(refs[0], w.now()))
	require.Empty(t, mc.Get("m.one", w.now()))

	path := mc.BundlePath(refs[0])
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	h, err := storage.ReadHeader(f)
	require.NoError(t, err)

	res, err := storage.Fetch(f, h, base, base+2, w.now())
	require.NoError(t, err)
	require.NotNil(t, res)
	require.InDelta(t, 11, res.Rows[0][0], 0.001)
}

func TestWriterTickIsNoOpWhenNothingWritable(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, "storage-schemas.conf")
	require.NoError(t, os.WriteFile(confPath, []byte(""), 0o644))
	reg, err := schema.LoadRegistry(confPath)
	require.NoError(t, err)

	mc, err := cache.New(reg, filepath.Join(dir, "data"), "a", filepath.Join(dir, "i.idx"), cache.NopLinker{})
	require.NoError(t, err)
	defer mc.Close()

	w, err := New(mc, nil, 10*time.Millisecond)
	require.NoError(t, err)
	w.tick() // no bundles yet; must not panic
}
