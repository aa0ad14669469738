// Package storage implements the bundled-series archive file format: header
// packing/unpacking, circular-buffer offset arithmetic, and the archive
// engine operations (create/update/fetch/propagate) described in spec §4.1
// and §4.2. It is the Go rewrite of kenshin/storage.py, generalized from
// one-metric-per-file to many-metrics-per-file (a "bundle").
package storage

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/kenshin-tsdb/kenshin/pkg/kenerr"
	"github.com/kenshin-tsdb/kenshin/pkg/schema"
)

// NullValue is the in-band sentinel marking an absent per-series value
// within an otherwise-present row (spec §3, §9): a legitimate data value
// equal to this is indistinguishable from "absent".
const NullValue float64 = -4294967296.0

const (
	metadataSize    = 4*4 + 4 + 4 // agg_id, max_retention, archive_count, tag_bytes, point_size (u32) + xff (f32)
	archiveInfoSize = 4 * 3       // offset, sec_per_point, count
)

// ArchiveInfo is one archive table entry, enriched with the derived
// PointSize, Size and Retention fields the spec's read_header operation
// adds.
type ArchiveInfo struct {
	Offset      uint32
	SecPerPoint uint32
	Count       uint32
	PointSize   uint32 // 4 + 8*width; the per-row stride within this archive
	Size        uint32 // PointSize * Count
	Retention   uint32 // SecPerPoint * Count
}

// Header is the fully parsed bundle file header.
type Header struct {
	AggID         uint32
	MaxRetention  uint32
	XFF           float32
	Tags          []string // exactly len(Tags) == bundle width, may contain empty padding slots
	PointSize     uint32   // 4 + 8*len(Tags)
	Archives      []ArchiveInfo
}

// Agg returns the schema.Aggregation encoded by AggID.
func (h *Header) Agg() schema.Aggregation {
	return schema.Aggregation(h.AggID)
}

// Width is the number of tag slots (co-located metrics) in this bundle.
func (h *Header) Width() int {
	return len(h.Tags)
}

func pointSize(width int) uint32 {
	return 4 + 8*uint32(width)
}

// PackHeader serializes the metadata, tag block and archive table, computing
// each archive's byte offset sequentially, and returns the packed bytes
// along with the end offset -- the total file size the data region must be
// zero-filled up to (spec §4.1 pack_header).
func PackHeader(tags []string, archives []schema.Archive, xff float32, aggName string) ([]byte, uint32, error) {
	aggID, err := schema.ParseAggregation(aggName)
	if err != nil {
		return nil, 0, err
	}

	if err := schema.ValidateArchives(archives, xff); err != nil {
		return nil, 0, err
	}

	tagBlock := strings.Join(tags, "\t")
	pSize := pointSize(len(tags))

	var maxRetention uint32
	for _, a := range archives {
		if r := a.SecPerPoint * a.Count; r > maxRetention {
			maxRetention = r
		}
	}

	buf := make([]byte, 0, metadataSize+len(tagBlock)+archiveInfoSize*len(archives))
	buf = appendU32(buf, uint32(aggID))
	buf = appendU32(buf, maxRetention)
	buf = appendF32(buf, xff)
	buf = appendU32(buf, uint32(len(archives)))
	buf = appendU32(buf, uint32(len(tagBlock)))
	buf = appendU32(buf, pSize)
	buf = append(buf, tagBlock...)

	offset := uint32(len(buf)) + archiveInfoSize*uint32(len(archives))
	for _, a := range archives {
		buf = appendU32(buf, offset)
		buf = appendU32(buf, a.SecPerPoint)
		buf = appendU32(buf, a.Count)
		offset += pSize * a.Count
	}

	return buf, offset, nil
}

// ReadHeader reads the fixed metadata, the tag block and the archive table
// from handle, restoring its original position (spec §4.1 read_header).
func ReadHeader(f io.ReadSeeker) (*Header, error) {
	origin, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	if origin != 0 {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
	}

	meta := make([]byte, metadataSize)
	if _, err := io.ReadFull(f, meta); err != nil {
		return nil, fmt.Errorf("%w: reading metadata: %v", kenerr.ErrCorruptFile, err)
	}

	aggID := binary.BigEndian.Uint32(meta[0:4])
	maxRetention := binary.BigEndian.Uint32(meta[4:8])
	xff := float32FromBits(binary.BigEndian.Uint32(meta[8:12]))
	archiveCount := binary.BigEndian.Uint32(meta[12:16])
	tagBytes := binary.BigEndian.Uint32(meta[16:20])
	pSize := binary.BigEndian.Uint32(meta[20:24])

	tagBuf := make([]byte, tagBytes)
	if _, err := io.ReadFull(f, tagBuf); err != nil {
		return nil, fmt.Errorf("%w: reading tag block: %v", kenerr.ErrCorruptFile, err)
	}
	tags := strings.Split(string(tagBuf), "\t")

	archives := make([]ArchiveInfo, 0, archiveCount)
	infoBuf := make([]byte, archiveInfoSize)
	for i := uint32(0); i < archiveCount; i++ {
		if _, err := io.ReadFull(f, infoBuf); err != nil {
			return nil, fmt.Errorf("%w: reading archive table: %v", kenerr.ErrCorruptFile, err)
		}
		offset := binary.BigEndian.Uint32(infoBuf[0:4])
		secPerPoint := binary.BigEndian.Uint32(infoBuf[4:8])
		count := binary.BigEndian.Uint32(infoBuf[8:12])
		archives = append(archives, ArchiveInfo{
			Offset:      offset,
			SecPerPoint: secPerPoint,
			Count:       count,
			PointSize:   pSize,
			Size:        pSize * count,
			Retention:   secPerPoint * count,
		})
	}

	if _, err := f.Seek(origin, io.SeekStart); err != nil {
		return nil, err
	}

	return &Header{
		AggID:        aggID,
		MaxRetention: maxRetention,
		XFF:          xff,
		Tags:         tags,
		PointSize:    pSize,
		Archives:     archives,
	}, nil
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendF32(b []byte, v float32) []byte {
	return appendU32(b, float32Bits(v))
}
