package cache

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/kenshin-tsdb/kenshin/pkg/kenerr"
)

// IndexEntry is one line of the on-disk metric index (spec §6):
// "<metric> <schema> <file_idx> <pos_idx>".
type IndexEntry struct {
	Metric     string
	SchemaName string
	FileIdx    int
	PosIdx     int
}

// Index is the append-only metric index file. It is the sole writer of its
// backing file; appends are serialized by Index's own mutex (MetricCache
// also appends only while holding its lock).
type Index struct {
	mu sync.Mutex
	f  *os.File
}

// OpenIndex opens path for append, creating it (and its parent directory) if
// missing.
func OpenIndex(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Index{f: f}, nil
}

// Append writes one entry line.
func (idx *Index) Append(e IndexEntry) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	line := fmt.Sprintf("%s %s %d %d\n", e.Metric, e.SchemaName, e.FileIdx, e.PosIdx)
	_, err := idx.f.WriteString(line)
	return err
}

// Close closes the backing file.
func (idx *Index) Close() error {
	return idx.f.Close()
}

// ReplayIndex reads an existing index file line by line for startup
// recovery. It tolerates at most one malformed line before failing, per
// spec §7's error policy ("tolerate one, then fail initCache rather than
// silently drift"). A missing file replays as empty (first run).
func ReplayIndex(path string) ([]IndexEntry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []IndexEntry
	malformed := 0

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 4 {
			malformed++
			if malformed > 1 {
				return nil, fmt.Errorf("%w: metric index has more than one malformed line", kenerr.ErrCorruptFile)
			}
			continue
		}

		fileIdx, err1 := strconv.Atoi(fields[2])
		posIdx, err2 := strconv.Atoi(fields[3])
		if err1 != nil || err2 != nil {
			malformed++
			if malformed > 1 {
				return nil, fmt.Errorf("%w: metric index has more than one malformed line", kenerr.ErrCorruptFile)
			}
			continue
		}

		entries = append(entries, IndexEntry{
			Metric:     fields[0],
			SchemaName: fields[1],
			FileIdx:    fileIdx,
			PosIdx:     posIdx,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

// Linker manages the per-metric symlink tree that lets external tools
// discover a metric's bundle file directly (spec §4.6 step 6, §9 "keep as
// filesystem side effects but isolate behind an interface so the engine is
// testable without a real filesystem").
type Linker interface {
	Link(instance, metric, bundlePath string) error
}

// FSLinker creates real symlinks under linkDir, replacing any existing link
// by renaming it to a .bak sibling first.
type FSLinker struct {
	LinkDir string
}

func (l *FSLinker) Link(instance, metric, bundlePath string) error {
	dotted := strings.ReplaceAll(metric, ".", string(filepath.Separator))
	linkPath := filepath.Join(l.LinkDir, instance, dotted+".hs")

	if err := os.MkdirAll(filepath.Dir(linkPath), 0o755); err != nil {
		return err
	}

	if _, err := os.Lstat(linkPath); err == nil {
		if err := os.Rename(linkPath, linkPath+".bak"); err != nil {
			return err
		}
	}

	return os.Symlink(bundlePath, linkPath)
}

// NopLinker discards link requests; used in tests and by tooling that only
// needs the engine without the discovery tree.
type NopLinker struct{}

func (NopLinker) Link(instance, metric, bundlePath string) error { return nil }
