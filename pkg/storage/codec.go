package storage

import "math"

func float32Bits(v float32) uint32 {
	return math.Float32bits(v)
}

func float32FromBits(b uint32) float32 {
	return math.Float32frombits(b)
}

// alignDown rounds t down to the nearest multiple of step.
func alignDown(t, step int64) int64 {
	if step <= 0 {
		return t
	}
	r := t % step
	if r < 0 {
		r += step
	}
	return t - r
}

// alignUp rounds t up to the nearest multiple of step.
func alignUp(t, step int64) int64 {
	d := alignDown(t, step)
	if d == t {
		return d
	}
	return d + step
}

// posMod returns a non-negative remainder, unlike Go's %.
func posMod(a, n int64) int64 {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}

// slotIndex maps an aligned timestamp t to its row index within archive a,
// given the timestamp currently anchoring physical slot 0 (the "base"), per
// spec §3: "a logical timestamp t sits at slot ((t-base)/sec_per_point) mod
// count". t must already be aligned to a.SecPerPoint.
func slotIndex(t, baseTS int64, a ArchiveInfo) uint32 {
	return uint32(posMod((t-baseTS)/int64(a.SecPerPoint), int64(a.Count)))
}

// pointOffset returns the absolute byte offset of row slot within archive a.
// The stride between consecutive slots is a.PointSize (one row), not
// a.Size (the whole archive's byte length).
func pointOffset(a ArchiveInfo, slot uint32) uint32 {
	return a.Offset + (slot%a.Count)*a.PointSize
}

// TimestampToOffset implements spec §4.1's timestamp_to_offset: t must be
// pre-aligned to a.SecPerPoint.
func TimestampToOffset(t, baseTS int64, a ArchiveInfo) uint32 {
	return pointOffset(a, slotIndex(t, baseTS, a))
}
