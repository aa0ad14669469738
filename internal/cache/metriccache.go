package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/kenshin-tsdb/kenshin/pkg/schema"
	"github.com/kenshin-tsdb/kenshin/pkg/storage"
)

type metricLoc struct {
	schemaName string
	fileIdx    int
	posIdx     int
}

// FileCacheRef identifies one bundle file within a schema, as returned by
// WritableFileCaches for the writer to drain.
type FileCacheRef struct {
	SchemaName string
	FileIdx    int
}

// MetricCache is the top-level write cache (spec §4.6): it maps metric ->
// (schema, file_idx, pos_idx), owns every SchemaCache/FileCache, and
// coordinates on-disk bundle creation, tag stamping, symlinking and index
// persistence. mu guards metricIdxs, schemaCaches and index appends only.
// Put, Get, Pop and WritableFileCaches release it before calling into a
// FileCache; only allocation takes a FileCache lock while holding it.
type MetricCache struct {
	mu sync.Mutex

	registry *schema.Registry
	dataDir  string
	instance string
	linker   Linker
	index    *Index

	schemaCaches map[string]*SchemaCache
	metricIdxs   map[string]metricLoc
}

// New constructs a MetricCache backed by dataDir/instance, using registry to
// resolve metric -> schema, linker for the discovery symlink tree, and
// indexPath as the append-only metric index.
func New(registry *schema.Registry, dataDir, instance, indexPath string, linker Linker) (*MetricCache, error) {
	idx, err := OpenIndex(indexPath)
	if err != nil {
		return nil, err
	}

	mc := &MetricCache{
		registry:     registry,
		dataDir:      dataDir,
		instance:     instance,
		linker:       linker,
		index:        idx,
		schemaCaches: make(map[string]*SchemaCache),
		metricIdxs:   make(map[string]metricLoc),
	}

	if err := mc.initCache(indexPath); err != nil {
		idx.Close()
		return nil, err
	}

	return mc, nil
}

// initCache replays the on-disk index, rebuilding every SchemaCache's
// position bitmaps (spec §4.6 initCache). It does not reconstruct any
// in-memory data, only positions -- data is rebuilt from scratch by
// whatever new points arrive after restart.
func (mc *MetricCache) initCache(indexPath string) error {
	entries, err := ReplayIndex(indexPath)
	if err != nil {
		return err
	}

	for _, e := range entries {
		sched, ok := mc.registry.GetByName(e.SchemaName)
		if !ok {
			cclog.Warnf("kenshin: index entry for %q references unknown schema %q, skipping", e.Metric, e.SchemaName)
			continue
		}

		sc, ok := mc.schemaCaches[sched.Name]
		if !ok {
			sc = NewSchemaCache(sched)
			mc.schemaCaches[sched.Name] = sc
		}
		sc.Add(e.FileIdx, e.PosIdx)

		mc.metricIdxs[e.Metric] = metricLoc{schemaName: e.SchemaName, fileIdx: e.FileIdx, posIdx: e.PosIdx}
	}

	return nil
}

func (mc *MetricCache) bundlePath(schemaName string, fileIdx int) string {
	return filepath.Join(mc.dataDir, mc.instance, schemaName, fmt.Sprintf("%d.hs", fileIdx))
}

// Put resolves metric to its (schema, file_idx, pos_idx), allocating a new
// bundle position on first sight, and writes (ts, value) into its FileCache
// ring.
func (mc *MetricCache) Put(metric string, ts int64, value float64) error {
	mc.mu.Lock()
	loc, ok := mc.metricIdxs[metric]
	var fc *FileCache
	var err error
	if !ok {
		loc, fc, err = mc.allocate(metric)
	} else {
		fc = mc.schemaCaches[loc.schemaName].FileCache(loc.fileIdx)
	}
	mc.mu.Unlock()

	if err != nil {
		return err
	}

	fc.Put(loc.posIdx, ts, value)
	return nil
}

// allocate must be called with mu held. It determines the schema, obtains a
// bundle file and position, creates the bundle file on first use, stamps
// the tag, links the metric into the discovery tree, and persists the
// mapping to the index (spec §4.6 put, steps 1-7).
func (mc *MetricCache) allocate(metric string) (metricLoc, *FileCache, error) {
	sched := mc.registry.GetByMetric(metric)

	sc, ok := mc.schemaCaches[sched.Name]
	if !ok {
		sc = NewSchemaCache(sched)
		mc.schemaCaches[sched.Name] = sc
	}

	fileIdx := sc.GetFileCacheIdx()
	fc := sc.FileCache(fileIdx)

	posIdx, err := fc.GetPosIdx()
	if err != nil {
		return metricLoc{}, nil, err
	}

	path := mc.bundlePath(sched.Name, fileIdx)
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		tags := make([]string, sched.MetricsMaxNum)
		if err := storage.Create(path, tags, sched.Archives, sched.XFF, sched.Agg.String()); err != nil {
			return metricLoc{}, nil, err
		}
	}

	if err := storage.AddTag(path, metric, posIdx); err != nil {
		return metricLoc{}, nil, err
	}

	if err := mc.linker.Link(mc.instance, metric, path); err != nil {
		return metricLoc{}, nil, err
	}

	loc := metricLoc{schemaName: sched.Name, fileIdx: fileIdx, posIdx: posIdx}
	if err := mc.index.Append(IndexEntry{Metric: metric, SchemaName: sched.Name, FileIdx: fileIdx, PosIdx: posIdx}); err != nil {
		return metricLoc{}, nil, err
	}

	mc.metricIdxs[metric] = loc
	return loc, fc, nil
}

// Get peeks metric's column up to now, filtering out absent (NullValue)
// positions (spec §4.6 get).
func (mc *MetricCache) Get(metric string, now int64) []Row {
	mc.mu.Lock()
	loc, ok := mc.metricIdxs[metric]
	if !ok {
		mc.mu.Unlock()
		return nil
	}
	fc := mc.schemaCaches[loc.schemaName].FileCache(loc.fileIdx)
	mc.mu.Unlock()

	rows := fc.Get(now, false)
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		v := r.Values[loc.posIdx]
		if v == storage.NullValue {
			continue
		}
		out = append(out, Row{TS: r.TS, Values: []float64{v}})
	}
	return out
}

// Pop drains a bundle's ring, clearing the returned slots.
func (mc *MetricCache) Pop(ref FileCacheRef, endTS int64, clear bool) []Row {
	mc.mu.Lock()
	fc := mc.schemaCaches[ref.SchemaName].FileCache(ref.FileIdx)
	mc.mu.Unlock()
	return fc.Get(endTS, clear)
}

// WritableFileCaches snapshots every bundle whose CanWrite(now) is true.
func (mc *MetricCache) WritableFileCaches(now int64) []FileCacheRef {
	mc.mu.Lock()
	type pair struct {
		name string
		sc   *SchemaCache
	}
	snapshot := make([]pair, 0, len(mc.schemaCaches))
	for name, sc := range mc.schemaCaches {
		snapshot = append(snapshot, pair{name, sc})
	}
	mc.mu.Unlock()

	var refs []FileCacheRef
	for _, p := range snapshot {
		for i := 0; i < p.sc.Len(); i++ {
			if p.sc.FileCache(i).CanWrite(now) {
				refs = append(refs, FileCacheRef{SchemaName: p.name, FileIdx: i})
			}
		}
	}
	return refs
}

// BundlePath exposes the on-disk path for a ref, for the writer to open.
func (mc *MetricCache) BundlePath(ref FileCacheRef) string {
	return mc.bundlePath(ref.SchemaName, ref.FileIdx)
}

// Schema exposes the schema governing a ref, for the writer's aggregation
// choice during propagation.
func (mc *MetricCache) Schema(ref FileCacheRef) *schema.Schema {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.schemaCaches[ref.SchemaName].sched
}

// Close closes the backing index file.
func (mc *MetricCache) Close() error {
	return mc.index.Close()
}
