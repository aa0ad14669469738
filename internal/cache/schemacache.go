package cache

import "github.com/kenshin-tsdb/kenshin/pkg/schema"

// SchemaCache is the append-only list of FileCaches that back one schema's
// bundle files (spec §4.5).
type SchemaCache struct {
	sched   *schema.Schema
	files   []*FileCache
	currIdx int
}

// NewSchemaCache creates an empty SchemaCache for sched.
func NewSchemaCache(sched *schema.Schema) *SchemaCache {
	return &SchemaCache{sched: sched}
}

// GetFileCacheIdx advances curr_idx past full bundles and appends a new one
// if none has remaining capacity, returning the index to write into.
func (sc *SchemaCache) GetFileCacheIdx() int {
	for sc.currIdx < len(sc.files) && sc.files[sc.currIdx].MetricFull() {
		sc.currIdx++
	}
	if sc.currIdx == len(sc.files) {
		sc.files = append(sc.files, NewFileCache(sc.sched))
	}
	return sc.currIdx
}

// Add extends the file list up to fileIdx (creating empty FileCaches for any
// gap) and records pos as occupied in it -- used to replay the on-disk
// index at startup.
func (sc *SchemaCache) Add(fileIdx, pos int) {
	for len(sc.files) <= fileIdx {
		sc.files = append(sc.files, NewFileCache(sc.sched))
	}
	sc.files[fileIdx].Add(pos)
}

// FileCache returns the FileCache at idx.
func (sc *SchemaCache) FileCache(idx int) *FileCache {
	return sc.files[idx]
}

// Len returns the number of bundle files allocated for this schema so far.
func (sc *SchemaCache) Len() int {
	return len(sc.files)
}
