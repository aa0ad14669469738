package storage

import (
	"encoding/binary"
	"io"
	"math"
)

// Point is one bundle row: a timestamp and the W per-position values
// (NullValue for an absent column). Produced by the cache's pop/drain and
// consumed by Update, or produced by Fetch/propagate's archive reads.
type Point struct {
	TS     int64
	Values []float64
}

func readSlotTS(r io.ReaderAt, a ArchiveInfo, slot uint32) (int64, error) {
	var buf [4]byte
	if _, err := r.ReadAt(buf[:], int64(pointOffset(a, slot))); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint32(buf[:])), nil
}

// readRow reads the row at slot and returns its stored timestamp and width
// values; callers compare that timestamp with the slot's expected one (the
// "present" check from spec §4.2 fetch/propagate).
func readRow(r io.ReaderAt, a ArchiveInfo, slot uint32, width int) (ts int64, values []float64, err error) {
	buf := make([]byte, a.PointSize)
	if _, err := r.ReadAt(buf, int64(pointOffset(a, slot))); err != nil {
		return 0, nil, err
	}
	ts = int64(binary.BigEndian.Uint32(buf[0:4]))
	values = make([]float64, width)
	for i := 0; i < width; i++ {
		bits := binary.BigEndian.Uint64(buf[4+8*i : 12+8*i])
		values[i] = math.Float64frombits(bits)
	}
	return ts, values, nil
}

func writeRow(w io.WriterAt, a ArchiveInfo, slot uint32, ts int64, values []float64) error {
	buf := make([]byte, a.PointSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(ts))
	for i, v := range values {
		binary.BigEndian.PutUint64(buf[4+8*i:12+8*i], math.Float64bits(v))
	}
	_, err := w.WriteAt(buf, int64(pointOffset(a, slot)))
	return err
}
