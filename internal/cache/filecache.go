// Package cache implements the bundled in-memory write cache (spec §4.4-4.6):
// FileCache holds the 2-D ring buffer for one on-disk bundle file,
// SchemaCache is the ordered list of FileCaches for one schema, and
// MetricCache is the top-level metric -> (schema, file_idx, pos_idx) index.
// It is the Go generalization of ClusterCockpit's internal/memorystore ring
// buffer (buffer.go, level.go), reshaped from one-buffer-per-metric to one
// shared flat ring per bundle file.
package cache

import (
	"fmt"
	"math"
	"sync"

	"github.com/kenshin-tsdb/kenshin/pkg/kenerr"
	"github.com/kenshin-tsdb/kenshin/pkg/schema"
	"github.com/kenshin-tsdb/kenshin/pkg/storage"
)

// DefaultWaitTime is the grace period a bundle's oldest in-ring data must
// age past its retention before the writer is allowed to flush it (spec §9,
// grounded on rurouni/conf.py's DEFAULT_WAIT_TIME=10).
const DefaultWaitTime = 10

// Row is one flushable ring row: a timestamp and its W per-position values.
type Row struct {
	TS     int64
	Values []float64
}

// FileCache is the shared ring buffer for every metric bundled into one
// on-disk file. All operations are serialized by mu. Put, Get and CanWrite
// are never called with a MetricCache lock held; allocation (GetPosIdx,
// MetricFull) takes mu while the MetricCache lock is held, so the lock order
// is always MetricCache first, then FileCache.
type FileCache struct {
	mu sync.Mutex

	sched      *schema.Schema
	width      int
	resolution int64 // finest archive's sec_per_point
	retention  int64 // sched.CacheRetention
	cacheSize  int64
	pointsNum  int64

	points  []float64 // flat W*cacheSize array, NullValue-initialised
	bitmap  uint64     // which of the W positions are allocated to a metric
	started bool
	startTS int64
	startOffset int64
	maxTS   int64
}

// NewFileCache allocates an empty ring sized for sched's cache geometry
// (spec §3: cache_size = ceil((cache_retention/resolution + 1) * cache_ratio)).
func NewFileCache(sched *schema.Schema) *FileCache {
	resolution := int64(sched.Archives[0].SecPerPoint)
	pointsNum := sched.CacheRetention/resolution + 1
	cacheSize := int64(math.Ceil(float64(pointsNum) * sched.CacheRatio))
	if cacheSize < pointsNum {
		cacheSize = pointsNum
	}

	width := sched.MetricsMaxNum
	points := make([]float64, int64(width)*cacheSize)
	for i := range points {
		points[i] = storage.NullValue
	}

	return &FileCache{
		sched:      sched,
		width:      width,
		resolution: resolution,
		retention:  sched.CacheRetention,
		cacheSize:  cacheSize,
		pointsNum:  pointsNum,
		points:     points,
	}
}

func (fc *FileCache) baseIdx(pos int) int64 {
	return int64(pos) * fc.cacheSize
}

// GetPosIdx allocates the next free position in the bundle and marks it
// occupied. It fails once all width positions are taken.
func (fc *FileCache) GetPosIdx() (int, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	for i := 0; i < fc.width; i++ {
		bit := uint64(1) << uint(i)
		if fc.bitmap&bit == 0 {
			fc.bitmap |= bit
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: bundle is full (width %d)", kenerr.ErrAlreadyExists, fc.width)
}

// Add marks pos as occupied directly, used to replay the on-disk metric
// index at startup without reallocating positions.
func (fc *FileCache) Add(pos int) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.bitmap |= uint64(1) << uint(pos)
}

// MetricFull reports whether every position in the bundle is occupied.
// Mirrors the source's bitmap+1 == 1<<W check, which holds exactly when all
// W low bits are set, whatever order they were set in (for W=64 both sides
// wrap to 0).
func (fc *FileCache) MetricFull() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.bitmap+1 == uint64(1)<<uint(fc.width)
}

// Put writes one value for posIdx at timestamp ts into the ring (spec §4.4
// put). Out-of-range offsets silently overwrite whatever slot the modulus
// lands on; callers are expected to feed monotonically rising timestamps.
func (fc *FileCache) Put(posIdx int, ts int64, value float64) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if !fc.started {
		fc.startTS = ts - ts%fc.resolution
		fc.startOffset = 0
		fc.started = true
	}

	steps := (ts - fc.startTS) / fc.resolution
	idx := fc.baseIdx(posIdx) + posMod(fc.startOffset+steps, fc.cacheSize)
	fc.points[idx] = value

	if ts > fc.maxTS {
		fc.maxTS = ts
	}
}

// CanWrite reports whether the bundle has aged past its retention by the
// grace period and is eligible for the writer to flush (spec §4.4, §9).
func (fc *FileCache) CanWrite(now int64) bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.started && (now-fc.startTS-fc.retention) >= DefaultWaitTime
}

// Get returns the contiguous window [start_offset, end_offset) as rows of W
// values each (spec §4.4 get). endTS=0 means "everything written so far".
// If clear, the returned slots are reset to NullValue and the ring's
// bookkeeping advances; if nothing has been written past the previous
// window, the cache reverts to its empty state instead of anchoring to a
// timestamp with no data behind it.
func (fc *FileCache) Get(endTS int64, clear bool) []Row {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if !fc.started {
		return nil
	}

	target := endTS
	if target == 0 {
		target = fc.maxTS + fc.resolution
	}

	rows := (target - fc.startTS) / fc.resolution
	if rows < 0 {
		rows = 0
	}
	if rows > fc.cacheSize {
		rows = fc.cacheSize
	}

	out := make([]Row, rows)
	for i := int64(0); i < rows; i++ {
		ts := fc.startTS + i*fc.resolution
		values := make([]float64, fc.width)
		for w := 0; w < fc.width; w++ {
			idx := fc.baseIdx(w) + posMod(fc.startOffset+i, fc.cacheSize)
			values[w] = fc.points[idx]
			if clear {
				fc.points[idx] = storage.NullValue
			}
		}
		out[i] = Row{TS: ts, Values: values}
	}

	if clear {
		if fc.maxTS < fc.startTS {
			fc.started = false
			fc.startTS = 0
			fc.startOffset = 0
			fc.maxTS = 0
		} else {
			fc.startTS = target
			fc.startOffset = posMod(fc.startOffset+rows, fc.cacheSize)
		}
	}

	return out
}

// GetOffset maps a timestamp to a ring offset, clamped to cache_size-1 if
// beyond (spec §4.4 get_offset).
func (fc *FileCache) GetOffset(ts int64) int64 {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if !fc.started {
		return 0
	}
	steps := (ts - fc.startTS) / fc.resolution
	if steps >= fc.cacheSize {
		steps = fc.cacheSize - 1
	}
	return posMod(fc.startOffset+steps, fc.cacheSize)
}

func posMod(a, n int64) int64 {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}
