package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kenshin-tsdb/kenshin/pkg/kenerr"
	"github.com/kenshin-tsdb/kenshin/pkg/schema"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T, path string) (*os.File, *Header) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	h, err := ReadHeader(f)
	require.NoError(t, err)
	return f, h
}

// requireFileSizeMatchesEndOffset checks spec §8's invariant file_size ==
// end_offset: writing must never grow the file past what the header already
// declares for its archives.
func requireFileSizeMatchesEndOffset(t *testing.T, path string, h *Header) {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	var endOffset uint32
	for _, a := range h.Archives {
		if end := a.Offset + a.Size; end > endOffset {
			endOffset = end
		}
	}
	require.EqualValues(t, endOffset, info.Size())
}

func TestCreateFailsIfExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.hs")
	archives := []schema.Archive{{SecPerPoint: 1, Count: 60}}
	require.NoError(t, Create(path, []string{"", ""}, archives, 1.0, "avg"))
	require.ErrorIs(t, Create(path, []string{"", ""}, archives, 1.0, "avg"), kenerr.ErrAlreadyExists)
}

func TestHeaderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.hs")
	archives := []schema.Archive{{SecPerPoint: 1, Count: 60}, {SecPerPoint: 60, Count: 60}}
	require.NoError(t, Create(path, []string{"m1", "m2"}, archives, 1.0, "avg"))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	h, err := ReadHeader(f)
	require.NoError(t, err)
	require.Equal(t, []string{"m1", "m2"}, h.Tags)
	require.Len(t, h.Archives, 2)
	require.EqualValues(t, 4+8*2, h.PointSize)
	for _, a := range h.Archives {
		require.EqualValues(t, h.PointSize, a.PointSize)
	}
	f.Close()

	requireFileSizeMatchesEndOffset(t, path, h)
}

// Scenario 1 (spec §8): width=2, archives [(1,60),(60,60)], xff=1.0, avg;
// write (now-1,(11,21))..(now-5,(15,25)); fetch(now-5,now) returns those
// five rows at step 1.
func TestScenario1RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.hs")
	archives := []schema.Archive{{SecPerPoint: 1, Count: 60}, {SecPerPoint: 60, Count: 60}}
	require.NoError(t, Create(path, []string{"m1", "m2"}, archives, 1.0, "avg"))
	f, h := open(t, path)

	now := int64(2_000_000_000)
	points := []Point{
		{TS: now - 1, Values: []float64{11, 21}},
		{TS: now - 2, Values: []float64{12, 22}},
		{TS: now - 3, Values: []float64{13, 23}},
		{TS: now - 4, Values: []float64{14, 24}},
		{TS: now - 5, Values: []float64{15, 25}},
	}
	require.NoError(t, Update(f, h, schema.Avg, points, now))
	requireFileSizeMatchesEndOffset(t, path, h)

	res, err := Fetch(f, h, now-5, now, now)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.EqualValues(t, 1, res.Step)

	expected := [][]float64{
		{15, 25}, {14, 24}, {13, 23}, {12, 22}, {11, 21},
	}
	require.Equal(t, len(expected), len(res.Rows))
	for i, want := range expected {
		require.Equal(t, want, res.Rows[i], "row %d", i)
	}
}

// Scenario 2: finest archive has only 6 slots; writing 7 consecutive points
// leaves only the newest 6 readable -- the ring wraps exactly once.
func TestScenario2WrapDropsOldest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.hs")
	archives := []schema.Archive{{SecPerPoint: 1, Count: 6}}
	require.NoError(t, Create(path, []string{"m1"}, archives, 1.0, "avg"))
	f, h := open(t, path)

	now := int64(2_000_000_000)
	points := make([]Point, 7)
	for i := 0; i < 7; i++ {
		points[i] = Point{TS: now - int64(6-i), Values: []float64{float64(i)}}
	}
	require.NoError(t, Update(f, h, schema.Avg, points, now))
	requireFileSizeMatchesEndOffset(t, path, h)

	// until is exclusive, so querying with until=now would miss the
	// just-written ts=now row; query as of one tick later to see all 6
	// surviving points (now-5..now) inclusively.
	res, err := Fetch(f, h, now-5, 0, now+1)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Len(t, res.Rows, 6)

	present := 0
	for _, row := range res.Rows {
		if row[0] != NullValue {
			present++
		}
	}
	require.Equal(t, 6, present)
}

// Scenario 3: width=3, writes at positions 0 and 2 only; the middle column
// is NullValue in any returned row.
func TestScenario3MiddleColumnNull(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.hs")
	archives := []schema.Archive{{SecPerPoint: 1, Count: 60}}
	require.NoError(t, Create(path, []string{"m1", "m2", "m3"}, archives, 1.0, "avg"))
	f, h := open(t, path)

	now := int64(2_000_000_000)
	points := []Point{
		{TS: now - 1, Values: []float64{1, NullValue, 3}},
	}
	require.NoError(t, Update(f, h, schema.Avg, points, now))

	res, err := Fetch(f, h, now-1, now, now)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Equal(t, NullValue, res.Rows[0][1])
}

func TestIdempotentUpdate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.hs")
	archives := []schema.Archive{{SecPerPoint: 1, Count: 60}, {SecPerPoint: 60, Count: 60}}
	require.NoError(t, Create(path, []string{"m1"}, archives, 1.0, "avg"))
	f, h := open(t, path)

	now := int64(2_000_000_000)
	points := []Point{{TS: now - 1, Values: []float64{42}}}
	require.NoError(t, Update(f, h, schema.Avg, points, now))

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, Update(f, h, schema.Avg, points, now))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

// Propagation: archives=[(1,6),(3,6)], xff=1.0, agg=min. Six consecutive
// finest-archive points group into two coarse rows of 3; each coarse row's
// value is the min of its group and its timestamp the max ts in the group
// (spec §4.2 Propagation).
func TestPropagationMin(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.hs")
	archives := []schema.Archive{{SecPerPoint: 1, Count: 6}, {SecPerPoint: 3, Count: 6}}
	require.NoError(t, Create(path, []string{"m1"}, archives, 1.0, "min"))
	f, h := open(t, path)

	const base int64 = 300_000 // multiple of the coarse step so groups align cleanly
	now := base + 6            // the finest archive keeps 6s, so base..base+5 are all retained
	points := make([]Point, 6)
	for i := 0; i < 6; i++ {
		points[i] = Point{TS: base + int64(i), Values: []float64{float64(i + 1)}}
	}
	require.NoError(t, Update(f, h, schema.Min, points, now))

	coarse := h.Archives[1]
	baseTS, err := readSlotTS(f, coarse, 0)
	require.NoError(t, err)
	require.NotZero(t, baseTS)

	_, groupA, err := readRow(f, coarse, slotIndex(base, baseTS, coarse), 1)
	require.NoError(t, err)
	_, groupB, err := readRow(f, coarse, slotIndex(base+3, baseTS, coarse), 1)
	require.NoError(t, err)

	require.InDelta(t, 1, groupA[0], 0.001) // min(1,2,3)
	require.InDelta(t, 4, groupB[0], 0.001) // min(4,5,6)
}

func TestAddTagInPlace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.hs")
	archives := []schema.Archive{{SecPerPoint: 1, Count: 60}}
	// The old tag in slot 0 is as long as "m1", so AddTag takes the in-place
	// path and the file keeps its size and archive offsets.
	require.NoError(t, Create(path, []string{"m0", ""}, archives, 1.0, "avg"))
	f, h := open(t, path)

	now := int64(2_000_000_000)
	points := []Point{{TS: now - 1, Values: []float64{1, 2}}}
	require.NoError(t, Update(f, h, schema.Avg, points, now))
	f.Close()

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, AddTag(path, "m1", 0))

	after, err := os.ReadFile(path)
	require.NoError(t, err)

	dataStart := int(h.Archives[0].Offset)
	require.Equal(t, len(before), len(after))
	require.Equal(t, before[dataStart:], after[dataStart:])

	f2, err := os.Open(path)
	require.NoError(t, err)
	defer f2.Close()
	h2, err := ReadHeader(f2)
	require.NoError(t, err)
	require.Equal(t, "m1", h2.Tags[0])
}
