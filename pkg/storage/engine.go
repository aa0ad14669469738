package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kenshin-tsdb/kenshin/pkg/kenerr"
	"github.com/kenshin-tsdb/kenshin/pkg/schema"
)

const zeroFillChunk = 16 * 1024

// tagFiller pads a shrunk tag slot so the tag block's total byte length is
// preserved by add_tag's in-place path (spec §4.2 add_tag).
const tagFiller = '\x00'

// Create creates a new bundle file: fails if path already exists, writes the
// packed header, then zero-fills the archive data region to end_offset in
// 16 KiB chunks. Parent directories are created as needed.
func Create(path string, tags []string, archives []schema.Archive, xff float32, aggName string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", kenerr.ErrAlreadyExists, path)
	} else if !os.IsNotExist(err) {
		return err
	}

	header, endOffset, err := PackHeader(tags, archives, xff, aggName)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(header); err != nil {
		return err
	}

	remaining := int(endOffset) - len(header)
	chunk := make([]byte, zeroFillChunk)
	for remaining > 0 {
		n := zeroFillChunk
		if remaining < n {
			n = remaining
		}
		if _, err := f.Write(chunk[:n]); err != nil {
			return err
		}
		remaining -= n
	}

	return nil
}

// AddTag replaces the tag at position posIdx (spec §4.2 add_tag). When the
// new tag is no longer than the old one and a following slot exists, it
// overwrites the tag block in place, padding the next slot with tagFiller to
// preserve tag_bytes. Otherwise it rewrites the header into a temp file,
// copies the archive data in 16 KiB chunks, and atomically renames it over
// path -- a crash mid-rewrite leaves the original file untouched.
func AddTag(path string, tag string, posIdx int) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	h, err := ReadHeader(f)
	if err != nil {
		return err
	}
	if posIdx < 0 || posIdx >= len(h.Tags) {
		return fmt.Errorf("%w: tag position %d out of range (width %d)", kenerr.ErrInvalidConfig, posIdx, len(h.Tags))
	}

	old := h.Tags[posIdx]
	newTags := make([]string, len(h.Tags))
	copy(newTags, h.Tags)
	newTags[posIdx] = tag

	if len(tag) <= len(old) && posIdx+1 < len(h.Tags) {
		pad := len(old) - len(tag)
		newTags[posIdx+1] = newTags[posIdx+1] + strings.Repeat(string(rune(tagFiller)), pad)
		newJoined := strings.Join(newTags, "\t")
		if len(newJoined) != tagBlockLen(h) {
			return fmt.Errorf("%w: in-place tag rewrite changed tag_bytes", kenerr.ErrCorruptFile)
		}
		if _, err := f.WriteAt([]byte(newJoined), metadataSize); err != nil {
			return err
		}
		return nil
	}

	return rewriteWithNewTags(path, f, h, newTags)
}

func tagBlockLen(h *Header) int {
	n := 0
	for i, t := range h.Tags {
		if i > 0 {
			n++
		}
		n += len(t)
	}
	return n
}

func rewriteWithNewTags(path string, f *os.File, h *Header, newTags []string) error {
	archives := make([]schema.Archive, len(h.Archives))
	for i, a := range h.Archives {
		archives[i] = schema.Archive{SecPerPoint: a.SecPerPoint, Count: a.Count}
	}

	newHeaderBytes, _, err := PackHeader(newTags, archives, h.XFF, h.Agg().String())
	if err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer tmp.Close()

	if _, err := tmp.Write(newHeaderBytes); err != nil {
		return err
	}

	oldDataStart := int64(h.Archives[0].Offset)
	if _, err := f.Seek(oldDataStart, 0); err != nil {
		return err
	}

	buf := make([]byte, zeroFillChunk)
	var copied uint32
	oldDataLen := uint32(0)
	for _, a := range h.Archives {
		oldDataLen += a.Size
	}
	for copied < oldDataLen {
		n := zeroFillChunk
		if remaining := int(oldDataLen - copied); remaining < n {
			n = remaining
		}
		read, err := f.Read(buf[:n])
		if read > 0 {
			if _, werr := tmp.Write(buf[:read]); werr != nil {
				return werr
			}
			copied += uint32(read)
		}
		if err != nil {
			break
		}
	}

	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// Update writes points into a bundle's finest archive and propagates the
// affected range to coarser archives (spec §4.2 update). points is an
// unordered list of rows; sched carries the aggregation method used by
// propagation.
func Update(f *os.File, header *Header, sched schema.Aggregation, points []Point, now int64) error {
	if len(header.Archives) == 0 {
		return fmt.Errorf("%w: bundle has no archives", kenerr.ErrCorruptFile)
	}
	if len(points) == 0 {
		return nil
	}

	finest := header.Archives[0]
	cutoff := now - int64(finest.Retention)

	filtered := make([]Point, 0, len(points))
	for _, p := range points {
		if p.TS >= cutoff {
			filtered = append(filtered, p)
		}
	}
	if len(filtered) == 0 {
		return nil
	}

	minTS, maxTS, err := writeToArchive(f, finest, filtered)
	if err != nil {
		return err
	}

	return propagate(f, header, sched, 0, minTS, maxTS)
}

// writeToArchive implements update's steps 2-5 for a single archive: align,
// dedupe (last write for a shared aligned timestamp wins), initialise the
// base timestamp on first write, and write each row at its circular slot.
// Wrap-around is implicit in the per-row slot arithmetic, so rows are
// written individually rather than as one bulk, possibly-split block.
func writeToArchive(f *os.File, a ArchiveInfo, points []Point) (minTS, maxTS int64, err error) {
	sort.Slice(points, func(i, j int) bool { return points[i].TS < points[j].TS })

	aligned := make(map[int64][]float64, len(points))
	order := make([]int64, 0, len(points))
	for _, p := range points {
		t := alignDown(p.TS, int64(a.SecPerPoint))
		if _, exists := aligned[t]; !exists {
			order = append(order, t)
		}
		aligned[t] = p.Values
	}

	baseTS, err := readSlotTS(f, a, 0)
	if err != nil {
		return 0, 0, err
	}
	if baseTS == 0 {
		baseTS = order[0]
	}

	for i, t := range order {
		slot := slotIndex(t, baseTS, a)
		if err := writeRow(f, a, slot, t, aligned[t]); err != nil {
			return 0, 0, err
		}
		if i == 0 {
			minTS = t
		}
		maxTS = t
	}

	return minTS, maxTS, nil
}

// Fetch implements spec §4.2 fetch. It returns nil, nil when the requested
// range is entirely outside what now/maxRetention can answer -- note the
// deliberately asymmetric clamp: until beyond now is silently clamped, while
// from beyond now yields no data at all (spec §9 open question).
func Fetch(f *os.File, header *Header, fromTime, untilTime, now int64) (*FetchResult, error) {
	if untilTime == 0 {
		untilTime = now
	}
	if fromTime >= untilTime {
		return nil, fmt.Errorf("%w: from (%d) >= until (%d)", kenerr.ErrInvalidTime, fromTime, untilTime)
	}
	if fromTime > now {
		return nil, nil
	}

	until := untilTime
	if until > now {
		until = now
	}
	from := fromTime
	if min := now - int64(header.MaxRetention); from < min {
		from = min
	}
	if from >= until {
		return nil, nil
	}

	span := now - from
	var chosen *ArchiveInfo
	for i := range header.Archives {
		a := &header.Archives[i]
		if int64(a.Retention) >= span {
			chosen = a
			break
		}
	}
	if chosen == nil {
		chosen = &header.Archives[len(header.Archives)-1]
	}

	step := int64(chosen.SecPerPoint)
	fromAligned := alignUp(from, step)
	untilAligned := alignUp(until, step)
	if fromAligned >= untilAligned {
		return nil, nil
	}

	baseTS, err := readSlotTS(f, *chosen, 0)
	if err != nil {
		return nil, err
	}

	n := int((untilAligned - fromAligned) / step)
	width := header.Width()
	rows := make([][]float64, n)

	if baseTS == 0 {
		for i := range rows {
			rows[i] = nullRow(width)
		}
	} else {
		for i := 0; i < n; i++ {
			expected := fromAligned + int64(i)*step
			slot := slotIndex(expected, baseTS, *chosen)
			ts, values, err := readRow(f, *chosen, slot, width)
			if err != nil {
				return nil, err
			}
			if ts == expected {
				rows[i] = values
			} else {
				rows[i] = nullRow(width)
			}
		}
	}

	return &FetchResult{
		From:  fromAligned,
		Until: untilAligned,
		Step:  step,
		Rows:  rows,
	}, nil
}

// FetchResult is fetch's (header, (from, until, step), rows) return value.
type FetchResult struct {
	From  int64
	Until int64
	Step  int64
	Rows  [][]float64
}

func nullRow(width int) []float64 {
	row := make([]float64, width)
	for i := range row {
		row[i] = NullValue
	}
	return row
}
